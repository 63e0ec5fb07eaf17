package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/learnstack/lumen/internal/infra/cache"
)

// rrfK is the reciprocal-rank-fusion constant. A list contributes
// 1/(rrfK + rank + 1) per result, rank 0-based.
const rrfK = 60

// similarVectorSample caps how many leading chunk vectors are averaged into
// a lesson's representative vector for similar-lesson lookup.
const similarVectorSample = 3

// SearchConfig bounds result counts and controls the semantic result cache.
type SearchConfig struct {
	DefaultK     int
	MaxK         int
	CacheEnabled bool
	CacheTTL     time.Duration
}

// SearchService answers semantic, keyword and hybrid queries over the vector
// store. Only semantic results are cached: keyword search is cheap and
// hybrid is composed of the two legs.
type SearchService struct {
	store    VectorStore
	embedder *EmbedderService
	cache    *cache.Cache
	cfg      SearchConfig
	log      *slog.Logger
}

// NewSearchService wires a search engine. resultCache may be nil when
// caching is disabled.
func NewSearchService(store VectorStore, embedder *EmbedderService, resultCache *cache.Cache, cfg SearchConfig, log *slog.Logger) *SearchService {
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = 10
	}
	if cfg.MaxK <= 0 {
		cfg.MaxK = 100
	}
	if resultCache == nil {
		cfg.CacheEnabled = false
	}
	return &SearchService{
		store:    store,
		embedder: embedder,
		cache:    resultCache,
		cfg:      cfg,
		log:      log,
	}
}

// resolveLimit clamps a requested result count into [1, MaxK], defaulting
// when unset.
func (s *SearchService) resolveLimit(limit int) int {
	if limit <= 0 {
		return s.cfg.DefaultK
	}
	if limit > s.cfg.MaxK {
		return s.cfg.MaxK
	}
	return limit
}

// cacheKey is content-addressed over the full query shape so any change in
// query, filters or limit misses.
func semanticCacheKey(query string, filters SearchFilters, limit int) (string, error) {
	payload, err := json.Marshal(struct {
		Query   string        `json:"query"`
		Filters SearchFilters `json:"filters"`
		Limit   int           `json:"limit"`
	}{query, filters, limit})
	if err != nil {
		return "", fmt.Errorf("search cache key: %w", err)
	}
	return cache.HashKey(payload), nil
}

// SemanticSearch embeds the query and ranks chunks by vector similarity.
// MinSimilarity filtering happens after ranking and never re-orders results.
func (s *SearchService) SemanticSearch(ctx context.Context, query string, filters SearchFilters, limit int) ([]SearchResult, error) {
	limit = s.resolveLimit(limit)

	var key string
	if s.cfg.CacheEnabled {
		var err error
		key, err = semanticCacheKey(query, filters, limit)
		if err != nil {
			return nil, err
		}
		if v, ok := s.cache.Get(key); ok {
			if results, ok := v.([]SearchResult); ok {
				return results, nil
			}
		}
	}

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	results, err := s.store.QueryBySimilarity(ctx, vector, filters, limit)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	if filters.MinSimilarity > 0 {
		filtered := results[:0]
		for _, r := range results {
			if r.Similarity >= filters.MinSimilarity {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}

	if s.cfg.CacheEnabled {
		s.cache.Set(key, results, s.cfg.CacheTTL)
	}
	return results, nil
}

// KeywordSearch ranks chunks by full-text relevance. MinSimilarity does not
// apply: keyword scores live on a different scale.
func (s *SearchService) KeywordSearch(ctx context.Context, query string, filters SearchFilters, limit int) ([]SearchResult, error) {
	limit = s.resolveLimit(limit)
	results, err := s.store.QueryByKeyword(ctx, query, filters, limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	return results, nil
}

// HybridSearch runs the semantic and keyword legs concurrently and fuses
// them with reciprocal rank fusion. Either leg failing fails the search.
func (s *SearchService) HybridSearch(ctx context.Context, query string, filters SearchFilters, limit int) ([]SearchResult, error) {
	limit = s.resolveLimit(limit)

	var semantic, keyword []SearchResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		semantic, err = s.SemanticSearch(gctx, query, filters, limit)
		return err
	})
	g.Go(func() error {
		var err error
		keyword, err = s.KeywordSearch(gctx, query, filters, limit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("hybrid search: %w", err)
	}
	return rrfFuse([][]SearchResult{semantic, keyword}, limit), nil
}

// chunkKey identifies a chunk across result lists.
type chunkKey struct {
	lessonID   string
	chunkIndex int
}

// rrfFuse merges ranked lists with reciprocal rank fusion: each appearance
// contributes 1/(rrfK + rank + 1), keyed by (lessonId, chunkIndex). The
// fused score replaces the per-leg similarity. Ties break on the key so
// ordering is deterministic.
func rrfFuse(lists [][]SearchResult, limit int) []SearchResult {
	scores := make(map[chunkKey]float64)
	first := make(map[chunkKey]SearchResult)
	for _, list := range lists {
		for rank, r := range list {
			key := chunkKey{r.LessonID, r.ChunkIndex}
			scores[key] += 1.0 / float64(rrfK+rank+1)
			if _, seen := first[key]; !seen {
				first[key] = r
			}
		}
	}

	fused := make([]SearchResult, 0, len(scores))
	for key, score := range scores {
		r := first[key]
		r.Similarity = score
		fused = append(fused, r)
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Similarity != fused[j].Similarity {
			return fused[i].Similarity > fused[j].Similarity
		}
		if fused[i].LessonID != fused[j].LessonID {
			return fused[i].LessonID < fused[j].LessonID
		}
		return fused[i].ChunkIndex < fused[j].ChunkIndex
	})
	if limit > 0 && len(fused) > limit {
		fused = fused[:limit]
	}
	return fused
}

// FindSimilarLessons returns lessons whose content is close to the given
// lesson, one result per lesson (its best chunk). The source lesson's
// representative vector is the element-wise mean of its first chunk vectors.
// A lesson with no embeddings yields no results, not an error. A non-empty
// allowedCourseIDs restricts results to those courses.
func (s *SearchService) FindSimilarLessons(ctx context.Context, lessonID string, limit int, allowedCourseIDs []string) ([]SearchResult, error) {
	limit = s.resolveLimit(limit)

	vectors, err := s.store.LessonVectors(ctx, lessonID, similarVectorSample)
	if err != nil {
		return nil, fmt.Errorf("similar lessons: %w", err)
	}
	if len(vectors) == 0 {
		s.log.Info("similar lessons: source lesson has no embeddings", "lessonId", lessonID)
		return nil, nil
	}

	mean := make([]float32, len(vectors[0]))
	for _, vec := range vectors {
		if len(vec) != len(mean) {
			return nil, &DimensionMismatchError{Want: len(mean), Got: len(vec)}
		}
		for i, v := range vec {
			mean[i] += v
		}
	}
	for i := range mean {
		mean[i] /= float32(len(vectors))
	}

	// Over-fetch chunks, then collapse to lesson granularity keeping each
	// lesson's best chunk.
	chunks, err := s.store.QuerySimilarExcluding(ctx, mean, lessonID, allowedCourseIDs, limit*similarVectorSample)
	if err != nil {
		return nil, fmt.Errorf("similar lessons: %w", err)
	}
	seen := make(map[string]bool)
	var results []SearchResult
	for _, r := range chunks {
		if seen[r.LessonID] {
			continue
		}
		seen[r.LessonID] = true
		results = append(results, r)
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

// ClearSearchCache drops all cached search results.
func (s *SearchService) ClearSearchCache() {
	if s.cfg.CacheEnabled {
		s.cache.Flush()
	}
}
