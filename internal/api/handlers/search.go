// HTTP handlers for content search.
// POST /api/v1/search/{semantic,keyword,hybrid} and
// GET /api/v1/lessons/{id}/similar.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/learnstack/lumen/internal/domain/rag"
)

// Searcher is the search engine surface the handler needs.
type Searcher interface {
	SemanticSearch(ctx context.Context, query string, filters rag.SearchFilters, limit int) ([]rag.SearchResult, error)
	KeywordSearch(ctx context.Context, query string, filters rag.SearchFilters, limit int) ([]rag.SearchResult, error)
	HybridSearch(ctx context.Context, query string, filters rag.SearchFilters, limit int) ([]rag.SearchResult, error)
	FindSimilarLessons(ctx context.Context, lessonID string, limit int, allowedCourseIDs []string) ([]rag.SearchResult, error)
}

// SearchHandler handles search HTTP requests.
type SearchHandler struct {
	search Searcher
}

func NewSearchHandler(search Searcher) *SearchHandler {
	return &SearchHandler{search: search}
}

// searchRequest is the JSON request body for the POST search endpoints.
type searchRequest struct {
	Query   string               `json:"query"`
	Limit   int                  `json:"limit,omitempty"`
	Filters searchFiltersPayload `json:"filters,omitempty"`
}

// searchResponse is the JSON response body for all search endpoints.
type searchResponse struct {
	Query   string             `json:"query"`
	Mode    string             `json:"mode"`
	Results []rag.SearchResult `json:"results"`
}

// Semantic handles POST /api/v1/search/semantic.
func (h *SearchHandler) Semantic(w http.ResponseWriter, r *http.Request) {
	h.runSearch(w, r, "semantic", h.search.SemanticSearch)
}

// Keyword handles POST /api/v1/search/keyword.
func (h *SearchHandler) Keyword(w http.ResponseWriter, r *http.Request) {
	h.runSearch(w, r, "keyword", h.search.KeywordSearch)
}

// Hybrid handles POST /api/v1/search/hybrid.
func (h *SearchHandler) Hybrid(w http.ResponseWriter, r *http.Request) {
	h.runSearch(w, r, "hybrid", h.search.HybridSearch)
}

type searchFunc func(ctx context.Context, query string, filters rag.SearchFilters, limit int) ([]rag.SearchResult, error)

func (h *SearchHandler) runSearch(w http.ResponseWriter, r *http.Request, mode string, run searchFunc) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	filters, err := req.Filters.toFilters()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := run(r.Context(), req.Query, filters, req.Limit)
	if err != nil {
		if errors.Is(err, rag.ErrEmptyInput) {
			writeError(w, http.StatusBadRequest, "query is required")
			return
		}
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	if results == nil {
		results = []rag.SearchResult{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Query: req.Query, Mode: mode, Results: results})
}

// similarResponse is the JSON response body for the similar-lessons endpoint.
type similarResponse struct {
	LessonID string             `json:"lessonId"`
	Results  []rag.SearchResult `json:"results"`
}

// Similar handles GET /api/v1/lessons/{id}/similar.
// Query params: limit (int), courses (comma-separated allowed course ids).
func (h *SearchHandler) Similar(w http.ResponseWriter, r *http.Request) {
	lessonID := chi.URLParam(r, "id")
	if lessonID == "" {
		writeError(w, http.StatusBadRequest, "lesson id is required")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	var allowedCourses []string
	if v := r.URL.Query().Get("courses"); v != "" {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				allowedCourses = append(allowedCourses, id)
			}
		}
	}

	results, err := h.search.FindSimilarLessons(r.Context(), lessonID, limit, allowedCourses)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "similar lessons lookup failed")
		return
	}
	if results == nil {
		results = []rag.SearchResult{}
	}
	writeJSON(w, http.StatusOK, similarResponse{LessonID: lessonID, Results: results})
}
