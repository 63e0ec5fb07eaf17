// HTTP handlers for indexing triggers and index diagnostics.
// POST /api/v1/index/{lesson,course,reindex} enqueue background jobs and
// return 202 with the job id; GET endpoints expose job and index state.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/learnstack/lumen/internal/domain/rag"
	"github.com/learnstack/lumen/internal/infra/queue"
)

// Enqueuer is the queue surface the handler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any, opts ...queue.EnqueueOption) (string, error)
	Get(ctx context.Context, id string) (*queue.Job, error)
	CountByStatus(ctx context.Context) (map[queue.Status]int, error)
}

// StatsProvider reports index coverage.
type StatsProvider interface {
	Stats(ctx context.Context) (rag.EmbeddingStats, error)
}

// ModelInfoProvider reports the embedding model contract.
type ModelInfoProvider interface {
	ModelInfo() rag.ModelInfo
}

// IndexHandler handles indexing HTTP requests.
type IndexHandler struct {
	queue    Enqueuer
	stats    StatsProvider
	embedder ModelInfoProvider
}

func NewIndexHandler(q Enqueuer, stats StatsProvider, embedder ModelInfoProvider) *IndexHandler {
	return &IndexHandler{queue: q, stats: stats, embedder: embedder}
}

// enqueueResponse is the 202 body for the trigger endpoints.
type enqueueResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

type indexLessonRequest struct {
	LessonID     string `json:"lessonId"`
	ForceReindex bool   `json:"forceReindex,omitempty"`
}

// IndexLesson handles POST /api/v1/index/lesson.
func (h *IndexHandler) IndexLesson(w http.ResponseWriter, r *http.Request) {
	var req indexLessonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.LessonID) == "" {
		writeError(w, http.StatusBadRequest, "lessonId is required")
		return
	}

	jobID, err := h.queue.Enqueue(r.Context(), rag.KindEmbedLesson,
		rag.EmbedLessonPayload{LessonID: req.LessonID, ForceReindex: req.ForceReindex},
		queue.WithDedupeKey(rag.KindEmbedLesson+":"+req.LessonID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: jobID, Status: string(queue.StatusPending)})
}

type indexCourseRequest struct {
	CourseID     string `json:"courseId"`
	ForceReindex bool   `json:"forceReindex,omitempty"`
}

// IndexCourse handles POST /api/v1/index/course.
func (h *IndexHandler) IndexCourse(w http.ResponseWriter, r *http.Request) {
	var req indexCourseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.CourseID) == "" {
		writeError(w, http.StatusBadRequest, "courseId is required")
		return
	}

	jobID, err := h.queue.Enqueue(r.Context(), rag.KindEmbedCourse,
		rag.EmbedCoursePayload{CourseID: req.CourseID, ForceReindex: req.ForceReindex},
		queue.WithDedupeKey(rag.KindEmbedCourse+":"+req.CourseID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: jobID, Status: string(queue.StatusPending)})
}

type reindexAllRequest struct {
	ForceReindex bool `json:"forceReindex,omitempty"`
	BatchSize    int  `json:"batchSize,omitempty"`
}

// ReindexAll handles POST /api/v1/index/reindex. The body is optional.
func (h *IndexHandler) ReindexAll(w http.ResponseWriter, r *http.Request) {
	var req reindexAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BatchSize < 0 {
		writeError(w, http.StatusBadRequest, "batchSize must be non-negative")
		return
	}

	jobID, err := h.queue.Enqueue(r.Context(), rag.KindReindexAll,
		rag.ReindexAllPayload{ForceReindex: req.ForceReindex, BatchSize: req.BatchSize},
		queue.WithDedupeKey(rag.KindReindexAll))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: jobID, Status: string(queue.StatusPending)})
}

// jobResponse is the GET job body; the raw payload is echoed for operators.
type jobResponse struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError *string         `json:"lastError,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// GetJob handles GET /api/v1/index/jobs/{id}.
func (h *IndexHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.queue.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{
		ID:        job.ID,
		Kind:      job.Kind,
		Status:    string(job.Status),
		Attempts:  job.Attempts,
		LastError: job.LastError,
		Payload:   json.RawMessage(job.Payload),
	})
}

// statsResponse is the GET stats body.
type statsResponse struct {
	Embeddings rag.EmbeddingStats   `json:"embeddings"`
	Model      rag.ModelInfo        `json:"model"`
	Queue      map[queue.Status]int `json:"queue"`
}

// Stats handles GET /api/v1/index/stats.
func (h *IndexHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	counts, err := h.queue.CountByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Embeddings: stats,
		Model:      h.embedder.ModelInfo(),
		Queue:      counts,
	})
}
