// Wiring tests for NewRouter: route registration and the public/protected
// split. Handlers run against stubs; auth uses a real JWT.
package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/learnstack/lumen/internal/domain/rag"
	"github.com/learnstack/lumen/internal/infra/queue"
	pkgauth "github.com/learnstack/lumen/pkg/auth"
)

var testSecret = []byte("test-secret-key-32-chars-min!!!")

type noopSearcher struct{}

func (noopSearcher) SemanticSearch(ctx context.Context, q string, f rag.SearchFilters, limit int) ([]rag.SearchResult, error) {
	return nil, nil
}
func (noopSearcher) KeywordSearch(ctx context.Context, q string, f rag.SearchFilters, limit int) ([]rag.SearchResult, error) {
	return nil, nil
}
func (noopSearcher) HybridSearch(ctx context.Context, q string, f rag.SearchFilters, limit int) ([]rag.SearchResult, error) {
	return nil, nil
}
func (noopSearcher) FindSimilarLessons(ctx context.Context, lessonID string, limit int, allowed []string) ([]rag.SearchResult, error) {
	return nil, nil
}

type noopQueue struct{}

func (noopQueue) Enqueue(ctx context.Context, kind string, payload any, opts ...queue.EnqueueOption) (string, error) {
	return "job-1", nil
}
func (noopQueue) Get(ctx context.Context, id string) (*queue.Job, error) {
	return &queue.Job{ID: id, Status: queue.StatusPending}, nil
}
func (noopQueue) CountByStatus(ctx context.Context) (map[queue.Status]int, error) {
	return map[queue.Status]int{}, nil
}

type noopStats struct{}

func (noopStats) Stats(ctx context.Context) (rag.EmbeddingStats, error) {
	return rag.EmbeddingStats{}, nil
}

type noopModel struct{}

func (noopModel) ModelInfo() rag.ModelInfo { return rag.ModelInfo{Name: "stub"} }

func newTestRouter() http.Handler {
	return NewRouter(Deps{
		Search:    noopSearcher{},
		Queue:     noopQueue{},
		Stats:     noopStats{},
		Embedder:  noopModel{},
		JWTSecret: testSecret,
	})
}

func TestNewRouter_HealthEndpointIsPublic(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 from /health, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ok") {
		t.Errorf("expected body to contain 'ok', got %q", w.Body.String())
	}
}

func TestNewRouter_ProtectedRoutesRequireAuth(t *testing.T) {
	router := newTestRouter()

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/v1/search/semantic"},
		{http.MethodPost, "/api/v1/search/keyword"},
		{http.MethodPost, "/api/v1/search/hybrid"},
		{http.MethodGet, "/api/v1/lessons/l1/similar"},
		{http.MethodPost, "/api/v1/index/lesson"},
		{http.MethodPost, "/api/v1/index/course"},
		{http.MethodPost, "/api/v1/index/reindex"},
		{http.MethodGet, "/api/v1/index/jobs/j1"},
		{http.MethodGet, "/api/v1/index/stats"},
	}
	for _, rt := range routes {
		req := httptest.NewRequest(rt.method, rt.path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without credentials = %d, want 401", rt.method, rt.path, w.Code)
		}
	}
}

func TestNewRouter_AuthenticatedRequestReachesHandler(t *testing.T) {
	router := newTestRouter()
	token, err := pkgauth.GenerateJWT(testSecret, "user-1", "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/search/semantic",
		strings.NewReader(`{"query":"pointers"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("authenticated search = %d, want 200; body %q", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/index/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("authenticated stats = %d, want 200", w.Code)
	}
}

func TestNewRouter_UnknownRoute404(t *testing.T) {
	router := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/unknown", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	// chi matches the /api/v1 subtree, so auth middleware rejects first.
	if w.Code != http.StatusUnauthorized && w.Code != http.StatusNotFound {
		t.Errorf("unknown route = %d, want 401 or 404", w.Code)
	}
}
