// Package sqlitestore implements rag.VectorStore on SQLite: vectors are
// stored as little-endian float32 blobs and ranked by in-memory cosine;
// keyword queries go through an FTS5 index kept in sync by triggers.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/learnstack/lumen/internal/domain/rag"
)

// Store persists chunk embeddings in the lesson_embedding table.
type Store struct {
	db   *sql.DB
	dims int
}

// New creates a store bound to the configured vector dimensionality.
func New(db *sql.DB, dims int) *Store {
	return &Store{db: db, dims: dims}
}

// encodeVector packs a float32 vector as a little-endian blob.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks a little-endian blob into a float32 vector.
func decodeVector(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4*i:]))
	}
	return vec
}

// UpsertChunks replaces or inserts a lesson's chunk rows inside a single
// transaction. A wrong-length vector aborts the whole write.
func (s *Store) UpsertChunks(ctx context.Context, lessonID string, chunks []rag.UpsertChunk) error {
	for _, c := range chunks {
		if len(c.Vector) != s.dims {
			return &rag.DimensionMismatchError{Want: s.dims, Got: len(c.Vector)}
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert chunks: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for _, c := range chunks {
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("upsert chunks: marshal metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO lesson_embedding (id, lesson_id, chunk_index, content, embedding, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (lesson_id, chunk_index) DO UPDATE SET
				content = excluded.content,
				embedding = excluded.embedding,
				metadata = excluded.metadata,
				created_at = excluded.created_at`,
			uuid.NewString(), lessonID, c.Chunk.Index, c.Chunk.Content,
			encodeVector(c.Vector), string(meta), now)
		if err != nil {
			return fmt.Errorf("upsert chunks: insert chunk %d: %w", c.Chunk.Index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert chunks: commit: %w", err)
	}
	return nil
}

// DeleteByLesson removes every embedding row of a lesson. Deleting a lesson
// with no rows is a no-op.
func (s *Store) DeleteByLesson(ctx context.Context, lessonID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM lesson_embedding WHERE lesson_id = ?`, lessonID)
	if err != nil {
		return fmt.Errorf("delete embeddings for lesson %s: %w", lessonID, err)
	}
	return nil
}

// lessonFilterSQL renders the shared visibility + scope predicate. The FROM
// clause must alias lesson as l and module as m.
func lessonFilterSQL(f rag.SearchFilters) (string, []any) {
	clauses := []string{"l.is_active = 1", "l.deleted_at IS NULL"}
	var args []any
	if f.LessonType != "" {
		clauses = append(clauses, "l.type = ?")
		args = append(args, string(f.LessonType))
	}
	if f.ModuleID != "" {
		clauses = append(clauses, "l.module_id = ?")
		args = append(args, f.ModuleID)
	}
	if f.CourseID != "" {
		clauses = append(clauses, "m.course_id = ?")
		args = append(args, f.CourseID)
	}
	return strings.Join(clauses, " AND "), args
}

type candidate struct {
	rowid  int64
	result rag.SearchResult
	vector []float32
}

// visibleChunks loads all chunks passing the lesson filter, vectors included.
// SQLite cannot rank by cosine itself, so ranking happens in memory.
func (s *Store) visibleChunks(ctx context.Context, where string, args []any) ([]candidate, error) {
	query := `
		SELECT e.rowid, e.lesson_id, e.chunk_index, e.content, e.embedding, e.metadata, l.title
		FROM lesson_embedding e
		JOIN lesson l ON l.id = e.lesson_id
		JOIN module m ON m.id = l.module_id
		WHERE ` + where
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load candidate chunks: %w", err)
	}
	defer rows.Close()

	var out []candidate
	for rows.Next() {
		var c candidate
		var blob []byte
		var meta string
		err := rows.Scan(&c.rowid, &c.result.LessonID, &c.result.ChunkIndex,
			&c.result.ChunkContent, &blob, &meta, &c.result.LessonTitle)
		if err != nil {
			return nil, fmt.Errorf("scan candidate chunk: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &c.result.Metadata); err != nil {
			return nil, fmt.Errorf("decode chunk metadata: %w", err)
		}
		c.vector = decodeVector(blob)
		out = append(out, c)
	}
	return out, rows.Err()
}

// rankByCosine scores candidates against vector as 1 − (1−cos)/2 and returns
// the top limit, ties broken by rowid for determinism.
func rankByCosine(cands []candidate, vector []float32, dims, limit int) ([]rag.SearchResult, error) {
	scored := cands[:0]
	for _, c := range cands {
		if len(c.vector) != dims {
			return nil, &rag.DimensionMismatchError{Want: dims, Got: len(c.vector)}
		}
		cos, err := rag.CosineSimilarity(vector, c.vector)
		if err != nil {
			return nil, err
		}
		c.result.Similarity = (1 + cos) / 2
		scored = append(scored, c)
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].result.Similarity != scored[j].result.Similarity {
			return scored[i].result.Similarity > scored[j].result.Similarity
		}
		return scored[i].rowid < scored[j].rowid
	})
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	results := make([]rag.SearchResult, len(scored))
	for i, c := range scored {
		results[i] = c.result
	}
	return results, nil
}

func (s *Store) QueryBySimilarity(ctx context.Context, vector []float32, filters rag.SearchFilters, limit int) ([]rag.SearchResult, error) {
	if len(vector) != s.dims {
		return nil, &rag.DimensionMismatchError{Want: s.dims, Got: len(vector)}
	}
	where, args := lessonFilterSQL(filters)
	cands, err := s.visibleChunks(ctx, where, args)
	if err != nil {
		return nil, err
	}
	return rankByCosine(cands, vector, s.dims, limit)
}

func (s *Store) QuerySimilarExcluding(ctx context.Context, vector []float32, excludeLessonID string, allowedCourseIDs []string, limit int) ([]rag.SearchResult, error) {
	if len(vector) != s.dims {
		return nil, &rag.DimensionMismatchError{Want: s.dims, Got: len(vector)}
	}
	where, args := lessonFilterSQL(rag.SearchFilters{})
	where += " AND e.lesson_id != ?"
	args = append(args, excludeLessonID)
	if len(allowedCourseIDs) > 0 {
		where += " AND m.course_id IN (?" + strings.Repeat(", ?", len(allowedCourseIDs)-1) + ")"
		for _, id := range allowedCourseIDs {
			args = append(args, id)
		}
	}
	cands, err := s.visibleChunks(ctx, where, args)
	if err != nil {
		return nil, err
	}
	return rankByCosine(cands, vector, s.dims, limit)
}

// QueryByKeyword ranks with bm25 over the FTS5 mirror. bm25 returns lower =
// better, so the score is negated. A malformed MATCH expression is treated
// as no results.
func (s *Store) QueryByKeyword(ctx context.Context, query string, filters rag.SearchFilters, limit int) ([]rag.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	where, args := lessonFilterSQL(filters)
	sqlQuery := `
		SELECT e.rowid, e.lesson_id, e.chunk_index, e.content, e.metadata, l.title,
		       -bm25(lesson_embedding_fts) AS score
		FROM lesson_embedding_fts f
		JOIN lesson_embedding e ON e.rowid = f.rowid
		JOIN lesson l ON l.id = e.lesson_id
		JOIN module m ON m.id = l.module_id
		WHERE lesson_embedding_fts MATCH ? AND ` + where + `
		ORDER BY score DESC, e.rowid
		LIMIT ?`
	queryArgs := append([]any{query}, args...)
	queryArgs = append(queryArgs, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, queryArgs...)
	if err != nil {
		// FTS5 reports malformed MATCH syntax as a query error.
		if strings.Contains(err.Error(), "fts5") ||
			strings.Contains(err.Error(), "syntax error") ||
			strings.Contains(err.Error(), "unterminated string") {
			return nil, nil
		}
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var results []rag.SearchResult
	for rows.Next() {
		var r rag.SearchResult
		var rowid int64
		var meta string
		err := rows.Scan(&rowid, &r.LessonID, &r.ChunkIndex, &r.ChunkContent,
			&meta, &r.LessonTitle, &r.Similarity)
		if err != nil {
			return nil, fmt.Errorf("scan keyword result: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode chunk metadata: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) LessonVectors(ctx context.Context, lessonID string, limit int) ([][]float32, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT embedding FROM lesson_embedding
		WHERE lesson_id = ? ORDER BY chunk_index LIMIT ?`, lessonID, limit)
	if err != nil {
		return nil, fmt.Errorf("lesson vectors %s: %w", lessonID, err)
	}
	defer rows.Close()

	var vectors [][]float32
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan lesson vector: %w", err)
		}
		vectors = append(vectors, decodeVector(blob))
	}
	return vectors, rows.Err()
}

func (s *Store) CountByLesson(ctx context.Context, lessonID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM lesson_embedding WHERE lesson_id = ?`, lessonID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count embeddings for lesson %s: %w", lessonID, err)
	}
	return n, nil
}

func (s *Store) Counts(ctx context.Context) (int, int, error) {
	var total, lessons int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT lesson_id) FROM lesson_embedding`).Scan(&total, &lessons)
	if err != nil {
		return 0, 0, fmt.Errorf("count embeddings: %w", err)
	}
	return total, lessons, nil
}
