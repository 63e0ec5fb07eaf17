package rag

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/learnstack/lumen/internal/infra/cache"
	"github.com/learnstack/lumen/internal/infra/embedding"
)

// EmbedderConfig carries the model contract and cache policy. Dimensions is
// authoritative: any vector of a different length is rejected.
type EmbedderConfig struct {
	ModelName         string
	Dimensions        int
	MaxSequenceLength int
	BatchSize         int
	CacheEnabled      bool
	CacheTTL          time.Duration
}

// EmbedderService turns text into fixed-dimension vectors through a Provider.
//
// Rules:
//   - The model is loaded lazily on first use; concurrent first calls share
//     one load via singleflight.
//   - Input is truncated to MaxSequenceLength×4 characters on a rune
//     boundary before caching or inference, so the cache key always matches
//     what was actually embedded.
//   - Every returned vector is checked against Dimensions.
type EmbedderService struct {
	provider embedding.Provider
	cfg      EmbedderConfig
	cache    *cache.Cache
	log      *slog.Logger

	loadGroup singleflight.Group
	loaded    atomic.Bool
	cacheHits atomic.Uint64
}

// NewEmbedderService wires an embedder. vectorCache may be nil when caching
// is disabled.
func NewEmbedderService(provider embedding.Provider, vectorCache *cache.Cache, cfg EmbedderConfig, log *slog.Logger) *EmbedderService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if vectorCache == nil {
		cfg.CacheEnabled = false
	}
	return &EmbedderService{
		provider: provider,
		cfg:      cfg,
		cache:    vectorCache,
		log:      log,
	}
}

// ensureLoaded loads the model exactly once even under concurrent first
// calls. A failed load leaves the service unloaded so the next call retries.
func (s *EmbedderService) ensureLoaded(ctx context.Context) error {
	if s.loaded.Load() {
		return nil
	}
	_, err, _ := s.loadGroup.Do("load", func() (any, error) {
		if s.loaded.Load() {
			return nil, nil
		}
		start := time.Now()
		if err := s.provider.Load(ctx, s.cfg.ModelName); err != nil {
			return nil, fmt.Errorf("load embedding model %s: %w", s.cfg.ModelName, err)
		}
		s.loaded.Store(true)
		s.log.Info("embedding model loaded",
			"model", s.cfg.ModelName,
			"dimensions", s.cfg.Dimensions,
			"took", time.Since(start))
		return nil, nil
	})
	return err
}

// truncate cuts text to the model's character budget without splitting a
// multi-byte rune.
func (s *EmbedderService) truncate(text string) string {
	maxChars := s.cfg.MaxSequenceLength * 4
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	cut := maxChars
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// Embed returns the vector for a single text. Whitespace-only input is
// ErrEmptyInput. Identical (post-truncation) texts hit the cache and skip
// inference entirely.
func (s *EmbedderService) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	truncated := s.truncate(text)

	var key string
	if s.cfg.CacheEnabled {
		// Keyed by model + text so a model swap never serves another
		// model's vectors out of a shared cache.
		key = cache.HashKey([]byte(s.cfg.ModelName + "\x00" + truncated))
		if v, ok := s.cache.Get(key); ok {
			if vec, ok := v.([]float32); ok {
				s.cacheHits.Add(1)
				out := make([]float32, len(vec))
				copy(out, vec)
				return out, nil
			}
		}
	}

	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	vectors, err := s.provider.Embed(ctx, s.cfg.ModelName, []string{truncated})
	if err != nil {
		return nil, fmt.Errorf("embed text: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed text: provider returned %d vectors for 1 text", len(vectors))
	}
	vec := vectors[0]
	if len(vec) != s.cfg.Dimensions {
		return nil, &DimensionMismatchError{Want: s.cfg.Dimensions, Got: len(vec)}
	}

	if s.cfg.CacheEnabled {
		stored := make([]float32, len(vec))
		copy(stored, vec)
		s.cache.Set(key, stored, s.cfg.CacheTTL)
	}
	return vec, nil
}

// EmbedBatch embeds texts in configured-size batches, embedding each batch's
// texts concurrently. Output order matches input order. Any single failure
// fails the whole batch.
func (s *EmbedderService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				vec, err := s.Embed(gctx, texts[i])
				if err != nil {
					return fmt.Errorf("embed batch item %d: %w", i, err)
				}
				out[i] = vec
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CosineSimilarity computes the cosine of the angle between two vectors in
// [-1, 1]. Mismatched lengths are an error; a zero vector yields 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, &DimensionMismatchError{Want: len(a), Got: len(b)}
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// ModelInfo reports the configured model contract and whether the model has
// been loaded yet.
func (s *EmbedderService) ModelInfo() ModelInfo {
	return ModelInfo{
		Name:              s.cfg.ModelName,
		Dimensions:        s.cfg.Dimensions,
		MaxSequenceLength: s.cfg.MaxSequenceLength,
		Loaded:            s.loaded.Load(),
	}
}

// ClearCache drops all cached vectors.
func (s *EmbedderService) ClearCache() {
	if s.cfg.CacheEnabled {
		s.cache.Flush()
	}
}

// CacheHits reports how many Embed calls were served from cache.
func (s *EmbedderService) CacheHits() uint64 {
	return s.cacheHits.Load()
}
