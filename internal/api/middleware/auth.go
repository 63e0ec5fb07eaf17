// Bearer JWT / API-key auth middleware.
// Reads the Authorization header, validates the credential, injects the
// caller identity into context.
package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/learnstack/lumen/internal/api/ctxkeys"
	pkgauth "github.com/learnstack/lumen/pkg/auth"
)

// apiKeyUserID is the identity injected for API-key callers, which carry no
// user claim of their own.
const apiKeyUserID = "api-key"

// Auth returns middleware accepting either scheme on /api/v1/*:
//
//	Authorization: Bearer <jwt>    — validated against jwtSecret
//	Authorization: ApiKey <key>    — matched against the bcrypt hashes
//
// Rejections are 401 with a JSON error body. An empty jwtSecret disables the
// Bearer scheme; empty apiKeyHashes disables the ApiKey scheme.
func Auth(jwtSecret []byte, apiKeyHashes []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := extractCredential(r, "Bearer "); token != "" && len(jwtSecret) > 0 {
				claims, err := pkgauth.ParseJWT(jwtSecret, token)
				if err != nil {
					writeUnauthorized(w, "invalid or expired token")
					return
				}
				ctx := ctxkeys.WithValue(r.Context(), ctxkeys.UserID, claims.UserID)
				ctx = ctxkeys.WithValue(ctx, ctxkeys.Role, claims.Role)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			if key := extractCredential(r, "ApiKey "); key != "" && len(apiKeyHashes) > 0 {
				for _, hash := range apiKeyHashes {
					if pkgauth.VerifyAPIKey(hash, key) {
						ctx := ctxkeys.WithValue(r.Context(), ctxkeys.UserID, apiKeyUserID)
						next.ServeHTTP(w, r.WithContext(ctx))
						return
					}
				}
				writeUnauthorized(w, "invalid API key")
				return
			}

			writeUnauthorized(w, "missing or invalid Authorization header")
		})
	}
}

// extractCredential pulls the value after the given scheme prefix from the
// Authorization header. Returns empty string on a missing header or a
// different scheme (prefix match is case-sensitive per RFC 7235).
func extractCredential(r *http.Request, prefix string) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

// writeUnauthorized writes a 401 JSON response.
// Uses consistent format with writeError in handlers package.
func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message}) //nolint:errcheck
}
