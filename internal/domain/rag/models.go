// Package rag implements the content-indexing and hybrid-retrieval core:
// chunking lesson text, producing vector embeddings, persisting them through
// a VectorStore port, and answering semantic / keyword / hybrid queries.
package rag

import (
	"time"

	"github.com/learnstack/lumen/internal/domain/catalog"
)

// ChunkStrategy selects how lesson text is split into chunks.
type ChunkStrategy string

const (
	StrategySemantic ChunkStrategy = "semantic"
	StrategyFixed    ChunkStrategy = "fixed"
	StrategyHybrid   ChunkStrategy = "hybrid"
)

// Valid reports whether s is one of the supported chunking strategies.
func (s ChunkStrategy) Valid() bool {
	switch s {
	case StrategySemantic, StrategyFixed, StrategyHybrid:
		return true
	}
	return false
}

// TextChunk is a contiguous slice of a lesson's text — the unit of embedding
// and retrieval. Chunks are transient: they are never persisted directly,
// only as part of an embedding record.
//
// Index is 0-based and strictly increasing within one lesson.
// StartPosition/EndPosition track cumulative character offsets, including the
// separator characters consumed between segments.
type TextChunk struct {
	Content       string
	Index         int
	StartPosition int
	EndPosition   int
	TokenCount    int
	Strategy      ChunkStrategy
}

// ChunkMetadata is stored alongside each embedding row so search results can
// be interpreted without re-reading the lesson.
type ChunkMetadata struct {
	ChunkingStrategy string `json:"chunkingStrategy"`
	LessonType       string `json:"lessonType,omitempty"`
	ContentType      string `json:"contentType,omitempty"`
	TokenCount       int    `json:"tokenCount,omitempty"`
	StartPosition    int    `json:"startPosition"`
	EndPosition      int    `json:"endPosition"`
}

// LessonEmbedding is one persisted chunk vector, uniquely identified by
// (LessonID, ChunkIndex). Content duplicates the chunk text so retrieval
// needs no join back to the lesson body.
//
// Invariant: every vector in a store has the same dimensionality; a write
// with a different length is rejected, never coerced.
type LessonEmbedding struct {
	ID         string
	LessonID   string
	ChunkIndex int
	Content    string
	Vector     []float32
	Metadata   ChunkMetadata
	CreatedAt  time.Time
}

// SearchFilters scopes a search to a course, module, or lesson type.
// MinSimilarity (0..1) drops semantic results strictly below the threshold
// after ranking; it never re-ranks.
type SearchFilters struct {
	CourseID      string             `json:"courseId,omitempty"`
	ModuleID      string             `json:"moduleId,omitempty"`
	LessonType    catalog.LessonType `json:"lessonType,omitempty"`
	MinSimilarity float64            `json:"minSimilarity,omitempty"`
}

// SearchResult is a single ranked hit. Similarity semantics depend on the
// search mode: cosine-derived score for semantic, text-rank score for
// keyword, fused RRF score for hybrid. Scores are not comparable across
// modes.
type SearchResult struct {
	LessonID     string        `json:"lessonId"`
	LessonTitle  string        `json:"lessonTitle"`
	ChunkContent string        `json:"chunkContent"`
	ChunkIndex   int           `json:"chunkIndex"`
	Similarity   float64       `json:"similarity"`
	Metadata     ChunkMetadata `json:"metadata"`
}

// EmbeddingStats is a computed snapshot of index coverage, never stored.
type EmbeddingStats struct {
	TotalEmbeddings        int     `json:"totalEmbeddings"`
	TotalLessons           int     `json:"totalLessons"`
	LessonsWithEmbeddings  int     `json:"lessonsWithEmbeddings"`
	AverageChunksPerLesson float64 `json:"averageChunksPerLesson"`
}

// ModelInfo describes the embedding model as configured plus its load state.
type ModelInfo struct {
	Name              string `json:"name"`
	Dimensions        int    `json:"dimensions"`
	MaxSequenceLength int    `json:"maxSequenceLength"`
	Loaded            bool   `json:"loaded"`
}

// BatchReport summarises a multi-lesson indexing pass. Failures are counted,
// not propagated — one bad lesson never aborts the batch.
type BatchReport struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}
