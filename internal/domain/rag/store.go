package rag

import "context"

// UpsertChunk pairs a chunk with its vector and stored metadata.
type UpsertChunk struct {
	Chunk    TextChunk
	Vector   []float32
	Metadata ChunkMetadata
}

// VectorStore persists chunk embeddings and answers ranked queries.
// Implementations: SQLite (FTS5 + in-memory cosine) and Postgres (pgvector).
//
// Rules:
//   - UpsertChunks is atomic per lesson: either the full chunk set commits
//     or nothing does.
//   - Writes with a vector length other than the store's dimensionality are
//     rejected with DimensionMismatchError.
//   - Query methods only see chunks of active, non-deleted lessons.
//   - Result ordering is deterministic: score descending, then row identity
//     as tiebreak.
type VectorStore interface {
	UpsertChunks(ctx context.Context, lessonID string, chunks []UpsertChunk) error
	DeleteByLesson(ctx context.Context, lessonID string) error

	// QueryBySimilarity ranks by cosine-derived similarity (1 − distance/2).
	// MinSimilarity filtering is applied by the caller, not here.
	QueryBySimilarity(ctx context.Context, vector []float32, filters SearchFilters, limit int) ([]SearchResult, error)

	// QueryByKeyword ranks by full-text relevance. A syntactically invalid
	// query yields no results rather than an error.
	QueryByKeyword(ctx context.Context, query string, filters SearchFilters, limit int) ([]SearchResult, error)

	// QuerySimilarExcluding ranks by similarity to vector, skipping the
	// source lesson. An empty allowedCourseIDs means no course restriction.
	QuerySimilarExcluding(ctx context.Context, vector []float32, excludeLessonID string, allowedCourseIDs []string, limit int) ([]SearchResult, error)

	// LessonVectors returns up to limit of a lesson's chunk vectors in chunk
	// order.
	LessonVectors(ctx context.Context, lessonID string, limit int) ([][]float32, error)

	CountByLesson(ctx context.Context, lessonID string) (int, error)

	// Counts returns total embedding rows and the number of distinct lessons
	// holding at least one.
	Counts(ctx context.Context) (total int, lessonsWithEmbeddings int, err error)
}
