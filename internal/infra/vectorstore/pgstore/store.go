// Package pgstore implements rag.VectorStore on PostgreSQL with the pgvector
// extension. Cosine ranking happens in SQL via the <=> operator; keyword
// queries use websearch_to_tsquery + ts_rank. The catalog tables still live
// in SQLite, so lesson metadata (title, type, activity) is mirrored onto the
// embedding rows at write time and re-resolved against the catalog at query
// time: a soft delete or activity toggle hides a lesson immediately, not at
// the next reindex.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/learnstack/lumen/internal/domain/rag"
)

// LessonMeta is the catalog snapshot denormalized onto embedding rows so
// Postgres-side queries can filter without a cross-database join.
type LessonMeta struct {
	Title    string
	Type     string
	ModuleID string
	CourseID string
	IsActive bool
}

// ErrLessonMissing is returned by a MetaResolver for a lesson the catalog no
// longer sees (unknown or soft-deleted). Query-time visibility checks drop
// such lessons from results; at write time it fails the upsert.
var ErrLessonMissing = errors.New("lesson missing from catalog")

// MetaResolver looks up the catalog snapshot for a lesson.
type MetaResolver func(ctx context.Context, lessonID string) (LessonMeta, error)

// Store persists chunk embeddings in the lesson_embedding table.
type Store struct {
	pool    *pgxpool.Pool
	dims    int
	resolve MetaResolver
}

// Connect opens a pool with pgvector type support registered per connection.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func New(pool *pgxpool.Pool, dims int, resolve MetaResolver) *Store {
	return &Store{pool: pool, dims: dims, resolve: resolve}
}

// EnsureSchema creates the extension, table and indexes. ivfflat needs rows
// to build useful lists; creating it up front is still fine.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS lesson_embedding (
			id uuid PRIMARY KEY,
			lesson_id text NOT NULL,
			chunk_index int NOT NULL,
			content text NOT NULL,
			embedding vector(%d) NOT NULL,
			metadata jsonb NOT NULL DEFAULT '{}',
			lesson_title text NOT NULL DEFAULT '',
			lesson_type text NOT NULL DEFAULT '',
			module_id text NOT NULL DEFAULT '',
			course_id text NOT NULL DEFAULT '',
			is_active boolean NOT NULL DEFAULT true,
			created_at timestamptz NOT NULL,
			UNIQUE (lesson_id, chunk_index)
		)`, s.dims),
		`CREATE INDEX IF NOT EXISTS lesson_embedding_lesson_idx ON lesson_embedding (lesson_id)`,
		`CREATE INDEX IF NOT EXISTS lesson_embedding_vec_idx ON lesson_embedding
			USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`,
		`CREATE INDEX IF NOT EXISTS lesson_embedding_fts_idx ON lesson_embedding
			USING gin (to_tsvector('english', content))`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure pgvector schema: %w", err)
		}
	}
	return nil
}

func (s *Store) UpsertChunks(ctx context.Context, lessonID string, chunks []rag.UpsertChunk) error {
	for _, c := range chunks {
		if len(c.Vector) != s.dims {
			return &rag.DimensionMismatchError{Want: s.dims, Got: len(c.Vector)}
		}
	}
	meta, err := s.resolve(ctx, lessonID)
	if err != nil {
		return fmt.Errorf("upsert chunks: resolve lesson %s: %w", lessonID, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("upsert chunks: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	for _, c := range chunks {
		md, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("upsert chunks: marshal metadata: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO lesson_embedding
				(id, lesson_id, chunk_index, content, embedding, metadata,
				 lesson_title, lesson_type, module_id, course_id, is_active, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (lesson_id, chunk_index) DO UPDATE SET
				content = excluded.content,
				embedding = excluded.embedding,
				metadata = excluded.metadata,
				lesson_title = excluded.lesson_title,
				lesson_type = excluded.lesson_type,
				module_id = excluded.module_id,
				course_id = excluded.course_id,
				is_active = excluded.is_active,
				created_at = excluded.created_at`,
			uuid.NewString(), lessonID, c.Chunk.Index, c.Chunk.Content,
			pgvector.NewVector(c.Vector), md,
			meta.Title, meta.Type, meta.ModuleID, meta.CourseID, meta.IsActive, now)
		if err != nil {
			return fmt.Errorf("upsert chunks: insert chunk %d: %w", c.Chunk.Index, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("upsert chunks: commit: %w", err)
	}
	return nil
}

func (s *Store) DeleteByLesson(ctx context.Context, lessonID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM lesson_embedding WHERE lesson_id = $1`, lessonID)
	if err != nil {
		return fmt.Errorf("delete embeddings for lesson %s: %w", lessonID, err)
	}
	return nil
}

// filterSQL renders the visibility + scope predicate starting at $from.
func filterSQL(f rag.SearchFilters, from int) (string, []any) {
	clauses := []string{"is_active"}
	var args []any
	n := from
	if f.LessonType != "" {
		clauses = append(clauses, fmt.Sprintf("lesson_type = $%d", n))
		args = append(args, string(f.LessonType))
		n++
	}
	if f.ModuleID != "" {
		clauses = append(clauses, fmt.Sprintf("module_id = $%d", n))
		args = append(args, f.ModuleID)
		n++
	}
	if f.CourseID != "" {
		clauses = append(clauses, fmt.Sprintf("course_id = $%d", n))
		args = append(args, f.CourseID)
		n++
	}
	return strings.Join(clauses, " AND "), args
}

// visibleResults re-checks catalog visibility for each distinct lesson in the
// result set. The is_active column is a write-time snapshot; soft deletes and
// activity toggles land in the SQLite catalog only, so the snapshot can be
// stale until the next force reindex.
func (s *Store) visibleResults(ctx context.Context, results []rag.SearchResult) ([]rag.SearchResult, error) {
	if len(results) == 0 {
		return results, nil
	}
	visible := make(map[string]bool, len(results))
	resolved := make(map[string]bool, len(results))
	out := make([]rag.SearchResult, 0, len(results))
	for _, r := range results {
		if !resolved[r.LessonID] {
			meta, err := s.resolve(ctx, r.LessonID)
			switch {
			case errors.Is(err, ErrLessonMissing):
				// gone from the catalog, drop its chunks
			case err != nil:
				return nil, fmt.Errorf("resolve lesson %s: %w", r.LessonID, err)
			default:
				visible[r.LessonID] = meta.IsActive
			}
			resolved[r.LessonID] = true
		}
		if visible[r.LessonID] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) scanResults(rows pgx.Rows) ([]rag.SearchResult, error) {
	defer rows.Close()
	var results []rag.SearchResult
	for rows.Next() {
		var r rag.SearchResult
		var meta []byte
		err := rows.Scan(&r.LessonID, &r.ChunkIndex, &r.ChunkContent,
			&meta, &r.LessonTitle, &r.Similarity)
		if err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		if err := json.Unmarshal(meta, &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode chunk metadata: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) QueryBySimilarity(ctx context.Context, vector []float32, filters rag.SearchFilters, limit int) ([]rag.SearchResult, error) {
	if len(vector) != s.dims {
		return nil, &rag.DimensionMismatchError{Want: s.dims, Got: len(vector)}
	}
	where, args := filterSQL(filters, 2)
	query := fmt.Sprintf(`
		SELECT lesson_id, chunk_index, content, metadata, lesson_title,
		       1 - (embedding <=> $1) / 2 AS similarity
		FROM lesson_embedding
		WHERE %s
		ORDER BY embedding <=> $1, id
		LIMIT $%d`, where, len(args)+2)
	queryArgs := append([]any{pgvector.NewVector(vector)}, args...)
	queryArgs = append(queryArgs, limit)

	rows, err := s.pool.Query(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	results, err := s.scanResults(rows)
	if err != nil {
		return nil, err
	}
	return s.visibleResults(ctx, results)
}

func (s *Store) QuerySimilarExcluding(ctx context.Context, vector []float32, excludeLessonID string, allowedCourseIDs []string, limit int) ([]rag.SearchResult, error) {
	if len(vector) != s.dims {
		return nil, &rag.DimensionMismatchError{Want: s.dims, Got: len(vector)}
	}
	where := "is_active AND lesson_id != $2"
	args := []any{pgvector.NewVector(vector), excludeLessonID}
	if len(allowedCourseIDs) > 0 {
		where += fmt.Sprintf(" AND course_id = ANY($%d)", len(args)+1)
		args = append(args, allowedCourseIDs)
	}
	query := fmt.Sprintf(`
		SELECT lesson_id, chunk_index, content, metadata, lesson_title,
		       1 - (embedding <=> $1) / 2 AS similarity
		FROM lesson_embedding
		WHERE %s
		ORDER BY embedding <=> $1, id
		LIMIT $%d`, where, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("similar lessons search: %w", err)
	}
	results, err := s.scanResults(rows)
	if err != nil {
		return nil, err
	}
	return s.visibleResults(ctx, results)
}

func (s *Store) QueryByKeyword(ctx context.Context, query string, filters rag.SearchFilters, limit int) ([]rag.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	where, args := filterSQL(filters, 2)
	sqlQuery := fmt.Sprintf(`
		SELECT lesson_id, chunk_index, content, metadata, lesson_title,
		       ts_rank(to_tsvector('english', content), websearch_to_tsquery('english', $1)) AS score
		FROM lesson_embedding
		WHERE to_tsvector('english', content) @@ websearch_to_tsquery('english', $1) AND %s
		ORDER BY score DESC, id
		LIMIT $%d`, where, len(args)+2)
	queryArgs := append([]any{query}, args...)
	queryArgs = append(queryArgs, limit)

	rows, err := s.pool.Query(ctx, sqlQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	results, err := s.scanResults(rows)
	if err != nil {
		return nil, err
	}
	return s.visibleResults(ctx, results)
}

func (s *Store) LessonVectors(ctx context.Context, lessonID string, limit int) ([][]float32, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT embedding FROM lesson_embedding
		WHERE lesson_id = $1 ORDER BY chunk_index LIMIT $2`, lessonID, limit)
	if err != nil {
		return nil, fmt.Errorf("lesson vectors %s: %w", lessonID, err)
	}
	defer rows.Close()

	var vectors [][]float32
	for rows.Next() {
		var vec pgvector.Vector
		if err := rows.Scan(&vec); err != nil {
			return nil, fmt.Errorf("scan lesson vector: %w", err)
		}
		vectors = append(vectors, vec.Slice())
	}
	return vectors, rows.Err()
}

func (s *Store) CountByLesson(ctx context.Context, lessonID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM lesson_embedding WHERE lesson_id = $1`, lessonID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count embeddings for lesson %s: %w", lessonID, err)
	}
	return n, nil
}

func (s *Store) Counts(ctx context.Context) (int, int, error) {
	var total, lessons int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT lesson_id) FROM lesson_embedding`).Scan(&total, &lessons)
	if err != nil {
		return 0, 0, fmt.Errorf("count embeddings: %w", err)
	}
	return total, lessons, nil
}
