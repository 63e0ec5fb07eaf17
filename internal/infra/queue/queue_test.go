// Queue tests run against a real in-memory SQLite database with migrations
// applied, exercising the full claim/complete/retry lifecycle.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/learnstack/lumen/internal/infra/eventbus"
	"github.com/learnstack/lumen/internal/infra/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T, opts Options) (*Queue, *sql.DB, *eventbus.Bus) {
	t.Helper()
	db, err := sqlite.NewDB(":memory:")
	if err != nil {
		t.Fatalf("sqlite.NewDB: %v", err)
	}
	// :memory: databases are per-connection; pin the pool to one so
	// migrations and queries share the same database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { db.Close() })
	if err := sqlite.MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	bus := eventbus.New()
	return New(db, bus, opts, testLogger()), db, bus
}

type testPayload struct {
	LessonID string `json:"lessonId"`
}

func TestEnqueueClaimComplete(t *testing.T) {
	q, _, bus := newTestQueue(t, Options{})
	ctx := context.Background()
	completed := bus.Subscribe(TopicJobCompleted)

	id, err := q.Enqueue(ctx, "embedding.lesson", testPayload{LessonID: "l1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if job == nil || job.ID != id {
		t.Fatalf("claimed %+v, want job %s", job, id)
	}
	if job.Status != StatusActive || job.Attempts != 1 {
		t.Errorf("claimed job = status %s attempts %d, want active/1", job.Status, job.Attempts)
	}
	if job.LeaseUntil == nil || !job.LeaseUntil.After(time.Now().UTC()) {
		t.Error("claim did not set a future lease")
	}

	// Nothing else is runnable while the lease holds.
	if extra, err := q.Claim(ctx); err != nil || extra != nil {
		t.Errorf("second Claim = (%v, %v), want (nil, nil)", extra, err)
	}

	if err := q.Complete(ctx, job); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted || got.FinishedAt == nil {
		t.Errorf("job after complete = status %s finishedAt %v", got.Status, got.FinishedAt)
	}

	select {
	case evt := <-completed:
		if evt.Payload.(JobEvent).JobID != id {
			t.Errorf("completed event for job %v, want %s", evt.Payload, id)
		}
	default:
		t.Error("no job.completed event published")
	}
}

func TestClaim_EmptyQueue_NilNil(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	job, err := q.Claim(context.Background())
	if err != nil || job != nil {
		t.Errorf("Claim on empty queue = (%v, %v), want (nil, nil)", job, err)
	}
}

func TestClaim_ContendingClaimsYieldOneWinnerWithoutErrors(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "embedding.lesson", testPayload{LessonID: "a"}); err != nil {
		t.Fatal(err)
	}

	// Several workers racing over a single runnable job: exactly one claim
	// wins, the rest see nothing runnable. Losing must never be an error.
	const workers = 4
	var wg sync.WaitGroup
	claimed := make(chan *Job, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := q.Claim(ctx)
			if err != nil {
				errs <- err
				return
			}
			if job != nil {
				claimed <- job
			}
		}()
	}
	wg.Wait()
	close(claimed)
	close(errs)

	for err := range errs {
		t.Errorf("contending Claim returned error: %v", err)
	}
	winners := 0
	for range claimed {
		winners++
	}
	if winners != 1 {
		t.Errorf("claim winners = %d, want 1", winners)
	}
}

func TestClaim_OldestFirst(t *testing.T) {
	q, db, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "embedding.lesson", testPayload{LessonID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := q.Enqueue(ctx, "embedding.lesson", testPayload{LessonID: "b"})
	if err != nil {
		t.Fatal(err)
	}
	// Equal timestamps are possible at enqueue speed; force an order.
	if _, err := db.Exec(`UPDATE indexing_job SET created_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Minute), first); err != nil {
		t.Fatal(err)
	}

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if job.ID != first {
		t.Errorf("claimed %s, want oldest job %s (then %s)", job.ID, first, second)
	}
}

func TestEnqueue_DedupeKeyCollapsesPendingDuplicates(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "embedding.lesson", testPayload{LessonID: "l1"},
		WithDedupeKey("embedding.lesson:l1"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second, err := q.Enqueue(ctx, "embedding.lesson", testPayload{LessonID: "l1"},
		WithDedupeKey("embedding.lesson:l1"))
	if err != nil {
		t.Fatalf("duplicate Enqueue: %v", err)
	}
	if second != first {
		t.Errorf("duplicate enqueue created job %s, want existing %s", second, first)
	}

	// A finished job never blocks a re-enqueue.
	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Complete(ctx, job); err != nil {
		t.Fatal(err)
	}
	third, err := q.Enqueue(ctx, "embedding.lesson", testPayload{LessonID: "l1"},
		WithDedupeKey("embedding.lesson:l1"))
	if err != nil {
		t.Fatalf("re-enqueue after completion: %v", err)
	}
	if third == first {
		t.Error("completed job blocked a fresh enqueue")
	}
}

func TestFail_WithBudgetLeft_SchedulesRetryWithBackoff(t *testing.T) {
	q, _, bus := newTestQueue(t, Options{BaseBackoff: time.Minute, MaxAttempts: 3})
	ctx := context.Background()
	retried := bus.Subscribe(TopicJobRetried)

	id, err := q.Enqueue(ctx, "embedding.lesson", testPayload{LessonID: "l1"})
	if err != nil {
		t.Fatal(err)
	}
	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Fail(ctx, job, errors.New("provider offline")); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	got, err := q.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s, want pending for retry", got.Status)
	}
	if got.LastError == nil || *got.LastError != "provider offline" {
		t.Errorf("last error = %v, want recorded handler error", got.LastError)
	}
	if !got.RunAt.After(time.Now().UTC().Add(30 * time.Second)) {
		t.Errorf("runAt = %v, want roughly a minute out", got.RunAt)
	}

	// Not claimable until the backoff elapses.
	if job, err := q.Claim(ctx); err != nil || job != nil {
		t.Errorf("Claim before backoff = (%v, %v), want (nil, nil)", job, err)
	}

	select {
	case <-retried:
	default:
		t.Error("no job.retried event published")
	}
}

func TestFail_BudgetSpent_ParksAsFailed(t *testing.T) {
	q, _, bus := newTestQueue(t, Options{MaxAttempts: 1})
	ctx := context.Background()
	failed := bus.Subscribe(TopicJobFailed)

	id, err := q.Enqueue(ctx, "embedding.lesson", testPayload{LessonID: "l1"})
	if err != nil {
		t.Fatal(err)
	}
	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Fail(ctx, job, errors.New("bad payload")); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	got, err := q.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed || got.FinishedAt == nil {
		t.Errorf("job = status %s finishedAt %v, want failed with timestamp", got.Status, got.FinishedAt)
	}
	if got.LastError == nil || *got.LastError != "bad payload" {
		t.Errorf("last error = %v, want kept for inspection", got.LastError)
	}

	select {
	case <-failed:
	default:
		t.Error("no job.failed event published")
	}
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{BaseBackoff: 5 * time.Second})
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{11, maxBackoff},
		{100, maxBackoff},
	}
	for _, tc := range cases {
		if got := q.backoff(tc.attempts); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestReapStalled_RedeliversExpiredLeases(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{StallWindow: 10 * time.Millisecond})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "embedding.lesson", testPayload{LessonID: "l1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Claim(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	n, err := q.ReapStalled(ctx)
	if err != nil {
		t.Fatalf("ReapStalled: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped %d jobs, want 1", n)
	}

	// Redelivery spends attempt budget.
	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.ID != id {
		t.Fatalf("stalled job not reclaimable, got %+v", job)
	}
	if job.Attempts != 2 {
		t.Errorf("attempts = %d, want 2 after redelivery", job.Attempts)
	}
}

func TestClaim_PicksUpExpiredLeaseWithoutReap(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{StallWindow: 10 * time.Millisecond})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "embedding.lesson", testPayload{LessonID: "l1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Claim(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("expired lease should be claimable directly")
	}
}

func TestPruneFinished_EnforcesRetention(t *testing.T) {
	q, db, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	finish := func(t *testing.T, finishedAt time.Time) string {
		t.Helper()
		id, err := q.Enqueue(ctx, "embedding.lesson", testPayload{LessonID: "l"})
		if err != nil {
			t.Fatal(err)
		}
		job, err := q.Claim(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if err := q.Complete(ctx, job); err != nil {
			t.Fatal(err)
		}
		if _, err := db.Exec(`UPDATE indexing_job SET finished_at = ? WHERE id = ?`, finishedAt, id); err != nil {
			t.Fatal(err)
		}
		return id
	}

	now := time.Now().UTC()
	old := finish(t, now.Add(-25*time.Hour))
	recent := finish(t, now.Add(-time.Hour))

	if err := q.PruneFinished(ctx); err != nil {
		t.Fatalf("PruneFinished: %v", err)
	}

	if job, err := q.Get(ctx, old); err != nil || job != nil {
		t.Errorf("expired completed job survived pruning: (%v, %v)", job, err)
	}
	if job, err := q.Get(ctx, recent); err != nil || job == nil {
		t.Errorf("recent completed job was pruned: (%v, %v)", job, err)
	}
}

func TestGet_UnknownJob_NilNil(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	job, err := q.Get(context.Background(), "no-such-job")
	if err != nil || job != nil {
		t.Errorf("Get unknown = (%v, %v), want (nil, nil)", job, err)
	}
}

func TestCountByStatus(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "embedding.lesson", testPayload{LessonID: "a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, "embedding.lesson", testPayload{LessonID: "b"}); err != nil {
		t.Fatal(err)
	}
	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Complete(ctx, job); err != nil {
		t.Fatal(err)
	}

	counts, err := q.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[StatusPending] != 1 || counts[StatusCompleted] != 1 {
		t.Errorf("counts = %v, want 1 pending / 1 completed", counts)
	}
}

func TestWorker_ProcessesJobEndToEnd(t *testing.T) {
	q, _, bus := newTestQueue(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	completed := bus.Subscribe(TopicJobCompleted)

	handled := make(chan string, 1)
	worker := NewWorker(q, func(ctx context.Context, job *Job) error {
		handled <- job.Kind
		return nil
	}, WorkerOptions{Concurrency: 1, RatePerSecond: 100, PollInterval: 10 * time.Millisecond}, testLogger())

	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	if _, err := q.Enqueue(ctx, "embedding.lesson", testPayload{LessonID: "l1"}); err != nil {
		t.Fatal(err)
	}

	select {
	case kind := <-handled:
		if kind != "embedding.lesson" {
			t.Errorf("handler saw kind %q", kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the job")
	}
	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("job never completed")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

func TestWorker_FailingHandlerRetriesThenFails(t *testing.T) {
	q, _, bus := newTestQueue(t, Options{BaseBackoff: time.Millisecond, MaxAttempts: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	failed := bus.Subscribe(TopicJobFailed)
	retried := bus.Subscribe(TopicJobRetried)

	worker := NewWorker(q, func(ctx context.Context, job *Job) error {
		return errors.New("always broken")
	}, WorkerOptions{Concurrency: 1, RatePerSecond: 100, PollInterval: 5 * time.Millisecond}, testLogger())
	go worker.Run(ctx)

	if _, err := q.Enqueue(ctx, "embedding.lesson", testPayload{LessonID: "l1"}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-retried:
	case <-time.After(2 * time.Second):
		t.Fatal("first failure never scheduled a retry")
	}
	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("job never parked as failed")
	}
}
