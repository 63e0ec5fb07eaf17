// Lumen — course content indexing and retrieval service.
// Subcommands: serve (default), migrate, seed, version.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/learnstack/lumen/internal/api"
	"github.com/learnstack/lumen/internal/domain/catalog"
	"github.com/learnstack/lumen/internal/domain/rag"
	"github.com/learnstack/lumen/internal/infra/cache"
	"github.com/learnstack/lumen/internal/infra/config"
	"github.com/learnstack/lumen/internal/infra/embedding"
	"github.com/learnstack/lumen/internal/infra/eventbus"
	"github.com/learnstack/lumen/internal/infra/queue"
	"github.com/learnstack/lumen/internal/infra/sqlite"
	"github.com/learnstack/lumen/internal/infra/vectorstore/pgstore"
	"github.com/learnstack/lumen/internal/infra/vectorstore/sqlitestore"
	"github.com/learnstack/lumen/internal/server"
	"github.com/learnstack/lumen/internal/version"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	// .env is optional; real env vars win either way.
	_ = godotenv.Load()

	cmd := "serve"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd = args[0]
		args = args[1:]
	}

	fs := flag.NewFlagSet("lumen", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "Path to YAML config file")
	if err := fs.Parse(args); err != nil {
		printHelp(out)
		return 2
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	switch cmd {
	case "version":
		fmt.Fprintln(out, version.String()) //nolint:errcheck
		return 0
	case "help":
		printHelp(out)
		return 0
	case "migrate", "seed", "serve":
	default:
		fmt.Fprintf(out, "unknown command %q\n", cmd) //nolint:errcheck
		printHelp(out)
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("configuration invalid", "error", err)
		return 1
	}

	db, err := sqlite.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("open database", "error", err)
		return 1
	}
	if err := sqlite.MigrateUp(db); err != nil {
		log.Error("run migrations", "error", err)
		db.Close()
		return 1
	}

	switch cmd {
	case "migrate":
		v, err := sqlite.MigrationVersion(db)
		db.Close()
		if err != nil {
			log.Error("read migration version", "error", err)
			return 1
		}
		fmt.Fprintf(out, "database at migration version %d\n", v) //nolint:errcheck
		return 0
	case "seed":
		err := seed(context.Background(), catalog.NewStore(db), log)
		db.Close()
		if err != nil {
			log.Error("seed catalog", "error", err)
			return 1
		}
		return 0
	}

	return serve(cfg, db, log)
}

func serve(cfg *config.Config, db *sql.DB, log *slog.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalogStore := catalog.NewStore(db)

	counter, err := rag.NewTiktokenCounter("cl100k_base")
	var tokenCounter rag.TokenCounter = counter
	if err != nil {
		// Offline environments cannot fetch encoding data; word counting is
		// an acceptable estimate.
		log.Warn("tokenizer unavailable, falling back to word counting", "error", err)
		tokenCounter = rag.WordCounter{}
	}
	chunker, err := rag.NewChunker(
		rag.ChunkStrategy(cfg.Embedding.Chunking.Strategy),
		cfg.Embedding.Chunking.MaxChunkSize,
		cfg.Embedding.Chunking.ChunkOverlap,
		tokenCounter,
	)
	if err != nil {
		log.Error("configure chunker", "error", err)
		return 1
	}

	provider := embedding.NewOllamaProvider(cfg.Embedding.Provider.OllamaBaseURL)
	vectorCache := cache.New("embedding", cfg.Embedding.Search.CacheTTL())
	embedder := rag.NewEmbedderService(provider, vectorCache, rag.EmbedderConfig{
		ModelName:         cfg.Embedding.Model.Name,
		Dimensions:        cfg.Embedding.Model.Dimensions,
		MaxSequenceLength: cfg.Embedding.Model.MaxSequenceLength,
		BatchSize:         cfg.Embedding.Indexing.BatchSize,
		CacheEnabled:      cfg.Embedding.Search.CacheResults,
		CacheTTL:          cfg.Embedding.Search.CacheTTL(),
	}, log)

	var store rag.VectorStore
	if cfg.VectorStore.Backend == "postgres" {
		pool, err := pgstore.Connect(ctx, cfg.VectorStore.PostgresDSN)
		if err != nil {
			log.Error("connect postgres vector store", "error", err)
			return 1
		}
		defer pool.Close()
		pg := pgstore.New(pool, cfg.Embedding.Model.Dimensions, func(ctx context.Context, lessonID string) (pgstore.LessonMeta, error) {
			lesson, err := catalogStore.GetLesson(ctx, lessonID)
			if errors.Is(err, catalog.ErrNotFound) {
				return pgstore.LessonMeta{}, pgstore.ErrLessonMissing
			}
			if err != nil {
				return pgstore.LessonMeta{}, err
			}
			courseID, err := catalogStore.LessonCourseID(ctx, lessonID)
			if err != nil {
				return pgstore.LessonMeta{}, err
			}
			return pgstore.LessonMeta{
				Title:    lesson.Title,
				Type:     string(lesson.Type),
				ModuleID: lesson.ModuleID,
				CourseID: courseID,
				IsActive: lesson.IsActive,
			}, nil
		})
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Error("ensure pgvector schema", "error", err)
			return 1
		}
		store = pg
	} else {
		store = sqlitestore.New(db, cfg.Embedding.Model.Dimensions)
	}

	resultCache := cache.New("search", cfg.Embedding.Search.CacheTTL())
	search := rag.NewSearchService(store, embedder, resultCache, rag.SearchConfig{
		DefaultK:     cfg.Embedding.Search.DefaultK,
		MaxK:         cfg.Embedding.Search.MaxK,
		CacheEnabled: cfg.Embedding.Search.CacheResults,
		CacheTTL:     cfg.Embedding.Search.CacheTTL(),
	}, log)
	indexer := rag.NewIndexerService(catalogStore, chunker, embedder, store, search,
		cfg.Embedding.Indexing.BatchSize, log)

	bus := eventbus.New()
	jobQueue := queue.New(db, bus, queue.Options{
		StallWindow: cfg.Embedding.Indexing.StallWindow(),
		MaxAttempts: cfg.Embedding.Indexing.MaxAttempts,
	}, log)
	worker := queue.NewWorker(jobQueue, indexer.HandleJob, queue.WorkerOptions{
		Concurrency:   cfg.Embedding.Indexing.Concurrency,
		RatePerSecond: float64(cfg.Embedding.Indexing.RatePerSecond),
	}, log)
	go worker.Run(ctx)

	srv := server.NewServer(db, api.Deps{
		Search:       search,
		Queue:        jobQueue,
		Stats:        indexer,
		Embedder:     embedder,
		JWTSecret:    []byte(cfg.Auth.JWTSecret),
		APIKeyHashes: cfg.Auth.APIKeyHashes,
	}, server.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Error("http server", "error", err)
			return 1
		}
		return 0
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", "error", err)
		return 1
	}
	return 0
}

// seed inserts a small demo catalog for local testing.
func seed(ctx context.Context, store *catalog.Store, log *slog.Logger) error {
	desc := "A hands-on introduction to the Go programming language."
	courseID, err := store.CreateCourse(ctx, "Go Fundamentals", &desc)
	if err != nil {
		return err
	}
	moduleID, err := store.CreateModule(ctx, courseID, "Getting Started", 0)
	if err != nil {
		return err
	}

	lessons := []catalog.NewLesson{
		{
			ModuleID: moduleID, Title: "Why Go", Type: catalog.LessonText, OrderIndex: 0, IsActive: true,
			Content: ptr("Go is a statically typed, compiled language designed for simplicity.\n\n" +
				"## Concurrency\n\nGoroutines and channels make concurrent programs easy to reason about."),
		},
		{
			ModuleID: moduleID, Title: "Installing the toolchain", Type: catalog.LessonDocument, OrderIndex: 1, IsActive: true,
			Content: ptr("Download the Go distribution for your platform and verify the install with go version."),
		},
		{
			ModuleID: moduleID, Title: "Course intro video", Type: catalog.LessonVideo, OrderIndex: 2, IsActive: true,
			Description: ptr("A short welcome from the instructors."),
		},
	}
	for _, l := range lessons {
		if _, err := store.CreateLesson(ctx, l); err != nil {
			return err
		}
	}
	log.Info("seeded demo catalog", "courseId", courseID, "lessons", len(lessons))
	return nil
}

func ptr(s string) *string { return &s }

func printHelp(out io.Writer) {
	helpText := `Lumen - course content indexing and retrieval service

Usage:
  lumen [command] [options]

Commands:
  serve        Start the API server and indexing workers (default)
  migrate      Apply database migrations and exit
  seed         Insert a demo catalog for local testing
  version      Show version information

Options:
  --config     Path to YAML config file (env vars override it)

Examples:
  lumen serve --config lumen.yaml
  lumen migrate
  lumen version`
	fmt.Fprintln(out, helpText) //nolint:errcheck
}
