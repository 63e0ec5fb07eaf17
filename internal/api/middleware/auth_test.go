// Covers both Authorization schemes: Bearer JWT and ApiKey, plus context
// injection of the caller identity.
package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/learnstack/lumen/internal/api/ctxkeys"
	"github.com/learnstack/lumen/internal/api/middleware"
	pkgauth "github.com/learnstack/lumen/pkg/auth"
)

var testSecret = []byte("test-secret-key-32-chars-min!!!")

// testKeyHash is bcrypt of "valid-api-key", computed once — bcrypt at cost 12
// is too slow to rehash per test.
var testKeyHash string

func init() {
	var err error
	testKeyHash, err = pkgauth.HashAPIKey("valid-api-key")
	if err != nil {
		panic(err)
	}
}

func nextHandler(called *bool, capturedCtx *context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		if capturedCtx != nil {
			*capturedCtx = r.Context()
		}
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(t *testing.T, authHeader string) (*httptest.ResponseRecorder, bool, context.Context) {
	t.Helper()
	var called bool
	var ctx context.Context
	handler := middleware.Auth(testSecret, []string{testKeyHash})(nextHandler(&called, &ctx))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/search/semantic", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, called, ctx
}

func TestAuth_MissingHeader_401(t *testing.T) {
	rec, called, _ := doRequest(t, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if called {
		t.Error("handler ran without credentials")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q, want application/json", ct)
	}
}

func TestAuth_ValidBearerToken_InjectsIdentity(t *testing.T) {
	token, err := pkgauth.GenerateJWT(testSecret, "user-42", "instructor", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	rec, called, ctx := doRequest(t, "Bearer "+token)
	if rec.Code != http.StatusOK || !called {
		t.Fatalf("status = %d, called = %v", rec.Code, called)
	}
	if got, _ := ctx.Value(ctxkeys.UserID).(string); got != "user-42" {
		t.Errorf("user id in context = %q, want user-42", got)
	}
	if got, _ := ctx.Value(ctxkeys.Role).(string); got != "instructor" {
		t.Errorf("role in context = %q, want instructor", got)
	}
}

func TestAuth_InvalidBearerToken_401(t *testing.T) {
	for _, header := range []string{
		"Bearer garbage.token.here",
		"Bearer ",
		"bearer lowercase-scheme",
	} {
		rec, called, _ := doRequest(t, header)
		if rec.Code != http.StatusUnauthorized || called {
			t.Errorf("header %q: status = %d, called = %v; want 401, false", header, rec.Code, called)
		}
	}
}

func TestAuth_WrongSecretToken_401(t *testing.T) {
	token, err := pkgauth.GenerateJWT([]byte("some-other-secret-key-entirely!"), "user-42", "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	rec, called, _ := doRequest(t, "Bearer "+token)
	if rec.Code != http.StatusUnauthorized || called {
		t.Errorf("status = %d, called = %v; want 401, false", rec.Code, called)
	}
}

func TestAuth_ValidAPIKey(t *testing.T) {
	rec, called, ctx := doRequest(t, "ApiKey valid-api-key")
	if rec.Code != http.StatusOK || !called {
		t.Fatalf("status = %d, called = %v", rec.Code, called)
	}
	if got, _ := ctx.Value(ctxkeys.UserID).(string); got != "api-key" {
		t.Errorf("user id in context = %q, want api-key", got)
	}
}

func TestAuth_WrongAPIKey_401(t *testing.T) {
	rec, called, _ := doRequest(t, "ApiKey wrong-key")
	if rec.Code != http.StatusUnauthorized || called {
		t.Errorf("status = %d, called = %v; want 401, false", rec.Code, called)
	}
}

func TestAuth_DisabledSchemesRejectEverything(t *testing.T) {
	token, err := pkgauth.GenerateJWT(testSecret, "user-42", "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	var called bool
	handler := middleware.Auth(nil, nil)(nextHandler(&called, nil))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/index/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized || called {
		t.Errorf("status = %d, called = %v; want 401, false (no schemes configured)", rec.Code, called)
	}
}
