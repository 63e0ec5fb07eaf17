// No t.Parallel() — env vars are process-global and not thread-safe.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Path != "./lumen.db" {
		t.Errorf("database path = %q", cfg.Database.Path)
	}
	if cfg.VectorStore.Backend != "sqlite" {
		t.Errorf("backend = %q, want sqlite", cfg.VectorStore.Backend)
	}
	if cfg.Embedding.Model.Name != "nomic-embed-text" || cfg.Embedding.Model.Dimensions != 768 {
		t.Errorf("model = %+v", cfg.Embedding.Model)
	}
	if cfg.Embedding.Chunking.Strategy != "hybrid" {
		t.Errorf("strategy = %q, want hybrid", cfg.Embedding.Chunking.Strategy)
	}
	if !cfg.Embedding.Search.CacheResults {
		t.Error("cache should default to enabled")
	}
	if got := cfg.Embedding.Search.CacheTTL(); got != time.Hour {
		t.Errorf("cache TTL = %v, want 1h", got)
	}
	if got := cfg.Embedding.Indexing.StallWindow(); got != 5*time.Minute {
		t.Errorf("stall window = %v, want 5m", got)
	}
}

func TestLoad_YAMLFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lumen.yaml")
	body := `
server:
  port: 9090
embedding:
  model:
    name: all-minilm
    dimensions: 384
  chunking:
    strategy: semantic
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Embedding.Model.Name != "all-minilm" || cfg.Embedding.Model.Dimensions != 384 {
		t.Errorf("model = %+v", cfg.Embedding.Model)
	}
	if cfg.Embedding.Chunking.Strategy != "semantic" {
		t.Errorf("strategy = %q, want semantic", cfg.Embedding.Chunking.Strategy)
	}
	// Untouched values keep their defaults.
	if cfg.Embedding.Model.MaxSequenceLength != 256 {
		t.Errorf("maxSequenceLength = %d, want default 256", cfg.Embedding.Model.MaxSequenceLength)
	}
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for a missing explicit config file")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lumen.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HTTP_PORT", "7070")
	t.Setenv("EMBEDDING_MODEL", "mxbai-embed-large")
	t.Setenv("EMBEDDING_CACHE_RESULTS", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, want env value 7070", cfg.Server.Port)
	}
	if cfg.Embedding.Model.Name != "mxbai-embed-large" {
		t.Errorf("model = %q", cfg.Embedding.Model.Name)
	}
	if cfg.Embedding.Search.CacheResults {
		t.Error("env should disable the cache")
	}
}

func TestValidate_RejectsBadSettings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"empty database path", func(c *Config) { c.Database.Path = "" }},
		{"unknown backend", func(c *Config) { c.VectorStore.Backend = "redis" }},
		{"postgres without dsn", func(c *Config) { c.VectorStore.Backend = "postgres" }},
		{"empty model name", func(c *Config) { c.Embedding.Model.Name = "" }},
		{"zero dimensions", func(c *Config) { c.Embedding.Model.Dimensions = 0 }},
		{"zero sequence length", func(c *Config) { c.Embedding.Model.MaxSequenceLength = 0 }},
		{"zero chunk size", func(c *Config) { c.Embedding.Chunking.MaxChunkSize = 0 }},
		{"overlap >= chunk size", func(c *Config) {
			c.Embedding.Chunking.MaxChunkSize = 50
			c.Embedding.Chunking.ChunkOverlap = 50
		}},
		{"unknown strategy", func(c *Config) { c.Embedding.Chunking.Strategy = "recursive" }},
		{"zero defaultK", func(c *Config) { c.Embedding.Search.DefaultK = 0 }},
		{"maxK below defaultK", func(c *Config) {
			c.Embedding.Search.DefaultK = 50
			c.Embedding.Search.MaxK = 10
		}},
		{"zero batch size", func(c *Config) { c.Embedding.Indexing.BatchSize = 0 }},
		{"zero concurrency", func(c *Config) { c.Embedding.Indexing.Concurrency = 0 }},
		{"zero max attempts", func(c *Config) { c.Embedding.Indexing.MaxAttempts = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaults()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate accepted %s", tc.name)
			}
		})
	}
}

func TestValidate_PostgresBackendWithDSN(t *testing.T) {
	cfg := defaults()
	cfg.VectorStore.Backend = "postgres"
	cfg.VectorStore.PostgresDSN = "postgres://localhost/lumen"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}
