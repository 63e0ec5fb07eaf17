package rag

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/learnstack/lumen/internal/domain/catalog"
)

// searchCacheClearer lets the pipeline invalidate cached search results
// after a bulk reindex without depending on the whole search engine.
type searchCacheClearer interface {
	ClearSearchCache()
}

// IndexerService drives lesson content through chunk → embed → store.
//
// Rules:
//   - Embedding is idempotent: a lesson that already has embeddings is
//     skipped unless force is set; force deletes then rewrites.
//   - A lesson with no extractable text succeeds without writing anything.
//   - Batch operations report per-lesson failures in counts; one bad lesson
//     never aborts the batch.
type IndexerService struct {
	catalog      *catalog.Store
	chunker      *Chunker
	embedder     *EmbedderService
	store        VectorStore
	searchCache  searchCacheClearer
	defaultBatch int
	log          *slog.Logger
}

// NewIndexerService wires the pipeline. searchCache may be nil; batchSize
// bounds a reindex page and defaults to 10.
func NewIndexerService(cat *catalog.Store, chunker *Chunker, embedder *EmbedderService, store VectorStore, searchCache searchCacheClearer, batchSize int, log *slog.Logger) *IndexerService {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &IndexerService{
		catalog:      cat,
		chunker:      chunker,
		embedder:     embedder,
		store:        store,
		searchCache:  searchCache,
		defaultBatch: batchSize,
		log:          log,
	}
}

// EmbedLesson indexes one lesson end to end. Returns catalog.ErrNotFound for
// an unknown or deleted lesson.
func (s *IndexerService) EmbedLesson(ctx context.Context, lessonID string, force bool) error {
	lesson, err := s.catalog.GetLesson(ctx, lessonID)
	if err != nil {
		return err
	}

	if !force {
		n, err := s.store.CountByLesson(ctx, lessonID)
		if err != nil {
			return fmt.Errorf("embed lesson %s: %w", lessonID, err)
		}
		if n > 0 {
			s.log.Info("lesson already embedded, skipping", "lessonId", lessonID, "chunks", n)
			return nil
		}
	}

	// Force drops the old embeddings before re-embedding: a re-embed that
	// fails leaves the lesson unindexed rather than serving stale chunks.
	if force {
		if err := s.store.DeleteByLesson(ctx, lessonID); err != nil {
			return fmt.Errorf("embed lesson %s: %w", lessonID, err)
		}
	}

	text := LessonText(lesson)
	chunks := s.chunker.Chunk(text)
	if len(chunks) == 0 {
		s.log.Info("lesson has no indexable text", "lessonId", lessonID, "type", lesson.Type)
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed lesson %s: %w", lessonID, err)
	}

	upserts := make([]UpsertChunk, len(chunks))
	for i, c := range chunks {
		upserts[i] = UpsertChunk{
			Chunk:  c,
			Vector: vectors[i],
			Metadata: ChunkMetadata{
				ChunkingStrategy: string(c.Strategy),
				LessonType:       string(lesson.Type),
				ContentType:      "lesson",
				TokenCount:       c.TokenCount,
				StartPosition:    c.StartPosition,
				EndPosition:      c.EndPosition,
			},
		}
	}
	if err := s.store.UpsertChunks(ctx, lessonID, upserts); err != nil {
		return fmt.Errorf("embed lesson %s: %w", lessonID, err)
	}
	s.log.Info("lesson embedded", "lessonId", lessonID, "chunks", len(chunks), "force", force)
	return nil
}

// EmbedCourse indexes every lesson of a course. Returns catalog.ErrNotFound
// for an unknown course; per-lesson errors only move the failed counter.
func (s *IndexerService) EmbedCourse(ctx context.Context, courseID string, force bool) (BatchReport, error) {
	exists, err := s.catalog.CourseExists(ctx, courseID)
	if err != nil {
		return BatchReport{}, fmt.Errorf("embed course %s: %w", courseID, err)
	}
	if !exists {
		return BatchReport{}, catalog.ErrNotFound
	}

	lessons, err := s.catalog.ListCourseLessons(ctx, courseID)
	if err != nil {
		return BatchReport{}, fmt.Errorf("embed course %s: %w", courseID, err)
	}

	var report BatchReport
	for _, lesson := range lessons {
		if err := s.EmbedLesson(ctx, lesson.ID, force); err != nil {
			report.Failed++
			s.log.Error("embed lesson in course failed",
				"courseId", courseID, "lessonId", lesson.ID, "error", err)
			continue
		}
		report.Processed++
	}
	s.log.Info("course embedded", "courseId", courseID,
		"processed", report.Processed, "failed", report.Failed)
	return report, nil
}

// ReindexAll walks every live lesson in creation order, page by page, until
// a short page signals the end. When done it clears the search result cache
// so stale hits cannot outlive the rebuild.
func (s *IndexerService) ReindexAll(ctx context.Context, force bool, batchSize int) (BatchReport, error) {
	if batchSize <= 0 {
		batchSize = s.defaultBatch
	}

	var report BatchReport
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		lessons, err := s.catalog.ListLessonsPage(ctx, batchSize, offset)
		if err != nil {
			return report, fmt.Errorf("reindex all: %w", err)
		}
		for _, lesson := range lessons {
			if err := s.EmbedLesson(ctx, lesson.ID, force); err != nil {
				report.Failed++
				s.log.Error("reindex lesson failed", "lessonId", lesson.ID, "error", err)
				continue
			}
			report.Processed++
		}
		if len(lessons) < batchSize {
			break
		}
		offset += batchSize
	}

	if s.searchCache != nil {
		s.searchCache.ClearSearchCache()
	}
	s.log.Info("reindex finished", "processed", report.Processed, "failed", report.Failed)
	return report, nil
}

// Stats reports index coverage. A catalog with no lessons yields an average
// of zero, never a division by zero.
func (s *IndexerService) Stats(ctx context.Context) (EmbeddingStats, error) {
	total, withEmbeddings, err := s.store.Counts(ctx)
	if err != nil {
		return EmbeddingStats{}, fmt.Errorf("embedding stats: %w", err)
	}
	totalLessons, err := s.catalog.CountLessons(ctx)
	if err != nil {
		return EmbeddingStats{}, fmt.Errorf("embedding stats: %w", err)
	}
	stats := EmbeddingStats{
		TotalEmbeddings:       total,
		TotalLessons:          totalLessons,
		LessonsWithEmbeddings: withEmbeddings,
	}
	if withEmbeddings > 0 {
		stats.AverageChunksPerLesson = float64(total) / float64(withEmbeddings)
	}
	return stats, nil
}
