package rag

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/learnstack/lumen/internal/infra/queue"
)

// Job kinds processed by the indexing worker.
const (
	KindEmbedLesson = "embedding.lesson"
	KindEmbedCourse = "embedding.course"
	KindReindexAll  = "embedding.reindex_all"
)

// EmbedLessonPayload asks for a single lesson to be (re)indexed.
type EmbedLessonPayload struct {
	LessonID     string `json:"lessonId"`
	ForceReindex bool   `json:"forceReindex,omitempty"`
}

// EmbedCoursePayload asks for every lesson of a course to be (re)indexed.
type EmbedCoursePayload struct {
	CourseID     string `json:"courseId"`
	ForceReindex bool   `json:"forceReindex,omitempty"`
}

// ReindexAllPayload asks for a full catalog rebuild.
type ReindexAllPayload struct {
	ForceReindex bool `json:"forceReindex,omitempty"`
	BatchSize    int  `json:"batchSize,omitempty"`
}

// HandleJob dispatches a claimed queue job to the pipeline. It is the
// worker pool's Handler. Unknown kinds and undecodable payloads are
// permanent failures; retrying cannot fix them, but the attempt budget
// still parks them as failed for inspection.
func (s *IndexerService) HandleJob(ctx context.Context, job *queue.Job) error {
	switch job.Kind {
	case KindEmbedLesson:
		var p EmbedLessonPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", job.Kind, err)
		}
		return s.EmbedLesson(ctx, p.LessonID, p.ForceReindex)

	case KindEmbedCourse:
		var p EmbedCoursePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", job.Kind, err)
		}
		report, err := s.EmbedCourse(ctx, p.CourseID, p.ForceReindex)
		if err != nil {
			return err
		}
		if report.Failed > 0 {
			return fmt.Errorf("embed course %s: %d of %d lessons failed",
				p.CourseID, report.Failed, report.Processed+report.Failed)
		}
		return nil

	case KindReindexAll:
		var p ReindexAllPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", job.Kind, err)
		}
		report, err := s.ReindexAll(ctx, p.ForceReindex, p.BatchSize)
		if err != nil {
			return err
		}
		if report.Failed > 0 {
			return fmt.Errorf("reindex all: %d of %d lessons failed",
				report.Failed, report.Processed+report.Failed)
		}
		return nil

	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}
