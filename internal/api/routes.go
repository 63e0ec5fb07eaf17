// Route registration and go-chi router setup.
// Public routes (/health) vs auth-protected routes (/api/v1/*).
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/learnstack/lumen/internal/api/handlers"
	apmiddleware "github.com/learnstack/lumen/internal/api/middleware"
	"github.com/learnstack/lumen/internal/version"
)

// Deps are the wired services the router exposes over HTTP. Handlers depend
// on the narrow interfaces in the handlers package, so tests can stub them.
type Deps struct {
	Search    handlers.Searcher
	Queue     handlers.Enqueuer
	Stats     handlers.StatsProvider
	Embedder  handlers.ModelInfoProvider
	JWTSecret []byte
	// APIKeyHashes are bcrypt hashes accepted under the ApiKey scheme.
	APIKeyHashes []string
}

// NewRouter creates and configures a chi router with all routes.
func NewRouter(deps Deps) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (runs on all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// ===== PUBLIC ROUTES (no auth required) =====

	// Health check — unauthenticated, used by load balancers and health probes
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","version":"` + version.Version + `"}`)) //nolint:errcheck
	})

	// ===== PROTECTED ROUTES (Bearer JWT or ApiKey via Auth middleware) =====

	searchHandler := handlers.NewSearchHandler(deps.Search)
	indexHandler := handlers.NewIndexHandler(deps.Queue, deps.Stats, deps.Embedder)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(apmiddleware.Auth(deps.JWTSecret, deps.APIKeyHashes))

		r.Route("/search", func(r chi.Router) {
			r.Post("/semantic", searchHandler.Semantic) // POST /api/v1/search/semantic
			r.Post("/keyword", searchHandler.Keyword)   // POST /api/v1/search/keyword
			r.Post("/hybrid", searchHandler.Hybrid)     // POST /api/v1/search/hybrid
		})

		r.Get("/lessons/{id}/similar", searchHandler.Similar) // GET /api/v1/lessons/{id}/similar

		r.Route("/index", func(r chi.Router) {
			r.Post("/lesson", indexHandler.IndexLesson) // POST /api/v1/index/lesson
			r.Post("/course", indexHandler.IndexCourse) // POST /api/v1/index/course
			r.Post("/reindex", indexHandler.ReindexAll) // POST /api/v1/index/reindex
			r.Get("/jobs/{id}", indexHandler.GetJob)    // GET /api/v1/index/jobs/{id}
			r.Get("/stats", indexHandler.Stats)         // GET /api/v1/index/stats
		})
	})

	return r
}
