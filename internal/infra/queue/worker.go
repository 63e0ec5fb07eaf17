package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Handler processes one claimed job. A nil return completes the job; an
// error sends it through the retry/failure path.
type Handler func(ctx context.Context, job *Job) error

// Worker drains the queue with a bounded pool. Job starts are rate limited
// across the whole pool, and a maintenance loop redelivers stalled jobs and
// enforces retention.
type Worker struct {
	queue        *Queue
	handler      Handler
	concurrency  int
	limiter      *rate.Limiter
	pollInterval time.Duration
	log          *slog.Logger
}

// WorkerOptions tune the pool; zero values pick defaults (2 workers, 5
// job starts per second, 500ms idle poll).
type WorkerOptions struct {
	Concurrency   int
	RatePerSecond float64
	PollInterval  time.Duration
}

func NewWorker(q *Queue, handler Handler, opts WorkerOptions, log *slog.Logger) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 5
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	return &Worker{
		queue:        q,
		handler:      handler,
		concurrency:  opts.Concurrency,
		limiter:      rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1),
		pollInterval: opts.PollInterval,
		log:          log,
	}
}

// Run processes jobs until ctx is cancelled, then waits for in-flight
// handlers to return.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			w.loop(ctx, worker)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.maintain(ctx)
	}()
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context, worker int) {
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		job, err := w.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("claim failed", "worker", worker, "error", err)
			job = nil
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollInterval):
			}
			continue
		}
		w.process(ctx, job, worker)
	}
}

func (w *Worker) process(ctx context.Context, job *Job, worker int) {
	start := time.Now()
	w.log.Info("job started", "worker", worker, "jobId", job.ID,
		"kind", job.Kind, "attempt", job.Attempts)

	if err := w.handler(ctx, job); err != nil {
		if failErr := w.queue.Fail(ctx, job, err); failErr != nil {
			w.log.Error("record job failure", "jobId", job.ID, "error", failErr)
		}
		return
	}
	if err := w.queue.Complete(ctx, job); err != nil {
		w.log.Error("record job completion", "jobId", job.ID, "error", err)
		return
	}
	w.log.Info("job completed", "worker", worker, "jobId", job.ID,
		"kind", job.Kind, "took", time.Since(start))
}

// maintain periodically redelivers stalled jobs and prunes finished ones.
func (w *Worker) maintain(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.ReapStalled(ctx); err != nil {
				w.log.Error("reap stalled jobs", "error", err)
			}
			if err := w.queue.PruneFinished(ctx); err != nil {
				w.log.Error("prune finished jobs", "error", err)
			}
		}
	}
}
