// Package config provides application-wide configuration: defaults, an
// optional YAML file, then environment variable overrides, in that order.
// Validate is the startup gate — a bad chunking or search setting fails the
// process before it serves anything.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	VectorStore VectorStoreConfig `yaml:"vectorStore"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Auth        AuthConfig        `yaml:"auth"`
}

type ServerConfig struct {
	Host string `yaml:"host"` // HTTP_HOST — default ""
	Port int    `yaml:"port"` // HTTP_PORT — default 8080
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // DATABASE_PATH — default "./lumen.db"
}

// VectorStoreConfig selects where embeddings live. Backend "sqlite" shares
// the catalog database; "postgres" needs a DSN and the pgvector extension.
type VectorStoreConfig struct {
	Backend     string `yaml:"backend"`     // VECTOR_BACKEND — "sqlite" | "postgres"
	PostgresDSN string `yaml:"postgresDsn"` // POSTGRES_DSN
}

type EmbeddingConfig struct {
	Model    ModelConfig    `yaml:"model"`
	Provider ProviderConfig `yaml:"provider"`
	Chunking ChunkingConfig `yaml:"chunking"`
	Search   SearchConfig   `yaml:"search"`
	Indexing IndexingConfig `yaml:"indexing"`
}

type ModelConfig struct {
	Name              string `yaml:"name"`              // EMBEDDING_MODEL — default "nomic-embed-text"
	Dimensions        int    `yaml:"dimensions"`        // EMBEDDING_DIMENSIONS — default 768
	MaxSequenceLength int    `yaml:"maxSequenceLength"` // EMBEDDING_MAX_SEQUENCE_LENGTH — default 256
}

type ProviderConfig struct {
	OllamaBaseURL string `yaml:"ollamaBaseUrl"` // OLLAMA_BASE_URL — default "http://localhost:11434"
}

type ChunkingConfig struct {
	MaxChunkSize int    `yaml:"maxChunkSize"` // EMBEDDING_CHUNK_SIZE — default 512
	ChunkOverlap int    `yaml:"chunkOverlap"` // EMBEDDING_CHUNK_OVERLAP — default 50
	Strategy     string `yaml:"strategy"`     // EMBEDDING_CHUNKING_STRATEGY — default "hybrid"
}

type SearchConfig struct {
	DefaultK     int  `yaml:"defaultK"`     // EMBEDDING_DEFAULT_K — default 10
	MaxK         int  `yaml:"maxK"`         // EMBEDDING_MAX_K — default 100
	CacheResults bool `yaml:"cacheResults"` // EMBEDDING_CACHE_RESULTS — default true
	CacheTTLSecs int  `yaml:"cacheTtl"`     // EMBEDDING_CACHE_TTL — default 3600
}

type IndexingConfig struct {
	BatchSize       int `yaml:"batchSize"`     // EMBEDDING_BATCH_SIZE — default 10
	Concurrency     int `yaml:"concurrency"`   // EMBEDDING_CONCURRENCY — default 2
	RatePerSecond   int `yaml:"ratePerSecond"` // EMBEDDING_RATE_PER_SECOND — default 5
	MaxAttempts     int `yaml:"maxAttempts"`   // EMBEDDING_MAX_ATTEMPTS — default 3
	StallWindowSecs int `yaml:"stallWindow"`   // EMBEDDING_STALL_WINDOW — default 300
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwtSecret"` // JWT_SECRET — empty disables auth
	// APIKeyHashes are bcrypt hashes of accepted API keys. Requests may
	// authenticate with "ApiKey <key>" instead of a Bearer token.
	APIKeyHashes []string `yaml:"apiKeyHashes"`
}

// CacheTTL converts the configured seconds into a duration.
func (s SearchConfig) CacheTTL() time.Duration { return time.Duration(s.CacheTTLSecs) * time.Second }

// StallWindow converts the configured seconds into a duration.
func (i IndexingConfig) StallWindow() time.Duration {
	return time.Duration(i.StallWindowSecs) * time.Second
}

func defaults() Config {
	return Config{
		Server:   ServerConfig{Host: "", Port: 8080},
		Database: DatabaseConfig{Path: "./lumen.db"},
		VectorStore: VectorStoreConfig{
			Backend: "sqlite",
		},
		Embedding: EmbeddingConfig{
			Model: ModelConfig{
				Name:              "nomic-embed-text",
				Dimensions:        768,
				MaxSequenceLength: 256,
			},
			Provider: ProviderConfig{OllamaBaseURL: "http://localhost:11434"},
			Chunking: ChunkingConfig{MaxChunkSize: 512, ChunkOverlap: 50, Strategy: "hybrid"},
			Search:   SearchConfig{DefaultK: 10, MaxK: 100, CacheResults: true, CacheTTLSecs: 3600},
			Indexing: IndexingConfig{
				BatchSize:       10,
				Concurrency:     2,
				RatePerSecond:   5,
				MaxAttempts:     3,
				StallWindowSecs: 300,
			},
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty the file must exist; otherwise a missing default file is
// fine), then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	setStr(&cfg.Server.Host, "HTTP_HOST")
	setInt(&cfg.Server.Port, "HTTP_PORT")
	setStr(&cfg.Database.Path, "DATABASE_PATH")
	setStr(&cfg.VectorStore.Backend, "VECTOR_BACKEND")
	setStr(&cfg.VectorStore.PostgresDSN, "POSTGRES_DSN")

	setStr(&cfg.Embedding.Model.Name, "EMBEDDING_MODEL")
	setInt(&cfg.Embedding.Model.Dimensions, "EMBEDDING_DIMENSIONS")
	setInt(&cfg.Embedding.Model.MaxSequenceLength, "EMBEDDING_MAX_SEQUENCE_LENGTH")
	setStr(&cfg.Embedding.Provider.OllamaBaseURL, "OLLAMA_BASE_URL")

	setInt(&cfg.Embedding.Chunking.MaxChunkSize, "EMBEDDING_CHUNK_SIZE")
	setInt(&cfg.Embedding.Chunking.ChunkOverlap, "EMBEDDING_CHUNK_OVERLAP")
	setStr(&cfg.Embedding.Chunking.Strategy, "EMBEDDING_CHUNKING_STRATEGY")

	setInt(&cfg.Embedding.Search.DefaultK, "EMBEDDING_DEFAULT_K")
	setInt(&cfg.Embedding.Search.MaxK, "EMBEDDING_MAX_K")
	setBool(&cfg.Embedding.Search.CacheResults, "EMBEDDING_CACHE_RESULTS")
	setInt(&cfg.Embedding.Search.CacheTTLSecs, "EMBEDDING_CACHE_TTL")

	setInt(&cfg.Embedding.Indexing.BatchSize, "EMBEDDING_BATCH_SIZE")
	setInt(&cfg.Embedding.Indexing.Concurrency, "EMBEDDING_CONCURRENCY")
	setInt(&cfg.Embedding.Indexing.RatePerSecond, "EMBEDDING_RATE_PER_SECOND")
	setInt(&cfg.Embedding.Indexing.MaxAttempts, "EMBEDDING_MAX_ATTEMPTS")
	setInt(&cfg.Embedding.Indexing.StallWindowSecs, "EMBEDDING_STALL_WINDOW")

	setStr(&cfg.Auth.JWTSecret, "JWT_SECRET")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Validate rejects settings that would only surface as runtime failures:
// a zero-dimension model, an overlap that stalls the chunk window, an
// unknown strategy or backend.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("config: database path is required")
	}
	switch c.VectorStore.Backend {
	case "sqlite":
	case "postgres":
		if c.VectorStore.PostgresDSN == "" {
			return fmt.Errorf("config: postgres backend requires POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("config: unknown vector store backend %q", c.VectorStore.Backend)
	}

	m := c.Embedding.Model
	if m.Name == "" {
		return fmt.Errorf("config: embedding model name is required")
	}
	if m.Dimensions <= 0 {
		return fmt.Errorf("config: embedding dimensions must be positive, got %d", m.Dimensions)
	}
	if m.MaxSequenceLength <= 0 {
		return fmt.Errorf("config: maxSequenceLength must be positive, got %d", m.MaxSequenceLength)
	}

	ch := c.Embedding.Chunking
	if ch.MaxChunkSize <= 0 {
		return fmt.Errorf("config: maxChunkSize must be positive, got %d", ch.MaxChunkSize)
	}
	if ch.ChunkOverlap < 0 || ch.ChunkOverlap >= ch.MaxChunkSize {
		return fmt.Errorf("config: chunkOverlap must be in [0, maxChunkSize), got %d with maxChunkSize %d",
			ch.ChunkOverlap, ch.MaxChunkSize)
	}
	switch ch.Strategy {
	case "semantic", "fixed", "hybrid":
	default:
		return fmt.Errorf("config: unknown chunking strategy %q", ch.Strategy)
	}

	s := c.Embedding.Search
	if s.DefaultK <= 0 {
		return fmt.Errorf("config: defaultK must be positive, got %d", s.DefaultK)
	}
	if s.MaxK < s.DefaultK {
		return fmt.Errorf("config: maxK (%d) must be >= defaultK (%d)", s.MaxK, s.DefaultK)
	}

	i := c.Embedding.Indexing
	if i.BatchSize <= 0 {
		return fmt.Errorf("config: indexing batchSize must be positive, got %d", i.BatchSize)
	}
	if i.Concurrency <= 0 {
		return fmt.Errorf("config: indexing concurrency must be positive, got %d", i.Concurrency)
	}
	if i.MaxAttempts <= 0 {
		return fmt.Errorf("config: indexing maxAttempts must be positive, got %d", i.MaxAttempts)
	}
	return nil
}
