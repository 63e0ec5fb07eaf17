// Handler helper functions: JSON writing and shared request parsing.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/learnstack/lumen/internal/domain/catalog"
	"github.com/learnstack/lumen/internal/domain/rag"
)

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response with the given status.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// searchFiltersPayload is the shared filters block of search request bodies.
type searchFiltersPayload struct {
	CourseID      string  `json:"courseId,omitempty"`
	ModuleID      string  `json:"moduleId,omitempty"`
	LessonType    string  `json:"lessonType,omitempty"`
	MinSimilarity float64 `json:"minSimilarity,omitempty"`
}

// toFilters validates and converts the payload. An unknown lesson type is a
// client error, not an empty result set.
func (p searchFiltersPayload) toFilters() (rag.SearchFilters, error) {
	f := rag.SearchFilters{
		CourseID:      p.CourseID,
		ModuleID:      p.ModuleID,
		MinSimilarity: p.MinSimilarity,
	}
	if p.LessonType != "" {
		lt := catalog.LessonType(p.LessonType)
		if !lt.Valid() {
			return rag.SearchFilters{}, errors.New("unknown lessonType")
		}
		f.LessonType = lt
	}
	if p.MinSimilarity < 0 || p.MinSimilarity > 1 {
		return rag.SearchFilters{}, errors.New("minSimilarity must be in [0, 1]")
	}
	return f, nil
}
