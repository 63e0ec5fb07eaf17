// Package queue is a durable, at-least-once job queue on SQLite. Jobs
// survive restarts; claims take a lease, and a job whose lease expires (a
// stalled worker) becomes claimable again. Retries back off exponentially
// until the attempt budget is spent, after which the job parks as failed
// with its last error kept for inspection.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/learnstack/lumen/internal/infra/eventbus"
)

// Job lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Event topics published on job transitions.
const (
	TopicJobCompleted = "job.completed"
	TopicJobRetried   = "job.retried"
	TopicJobFailed    = "job.failed"
)

// JobEvent is the payload published on job lifecycle topics.
type JobEvent struct {
	JobID    string
	Kind     string
	Attempts int
	Error    string
}

// Retention policy for finished jobs.
const (
	completedRetention = 24 * time.Hour
	completedKeepMax   = 100
	failedRetention    = 7 * 24 * time.Hour
	maxBackoff         = time.Hour
)

// Job is one persisted queue row.
type Job struct {
	ID          string
	Kind        string
	Payload     []byte
	Status      Status
	Attempts    int
	MaxAttempts int
	DedupeKey   *string
	LastError   *string
	RunAt       time.Time
	LeaseUntil  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	FinishedAt  *time.Time
}

// Queue persists and transitions jobs. All methods are safe for concurrent
// use; SQLite serializes the writes.
type Queue struct {
	db          *sql.DB
	bus         eventbus.EventBus
	stallWindow time.Duration
	baseBackoff time.Duration
	maxAttempts int
	log         *slog.Logger
}

// Options tune queue behavior; zero values pick defaults.
type Options struct {
	// StallWindow is the claim lease duration. A job still active past its
	// lease is considered stalled and redelivered.
	StallWindow time.Duration
	// BaseBackoff seeds the exponential retry delay.
	BaseBackoff time.Duration
	// MaxAttempts is the default attempt budget for enqueued jobs.
	MaxAttempts int
}

func New(db *sql.DB, bus eventbus.EventBus, opts Options, log *slog.Logger) *Queue {
	if opts.StallWindow <= 0 {
		opts.StallWindow = 5 * time.Minute
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Queue{
		db:          db,
		bus:         bus,
		stallWindow: opts.StallWindow,
		baseBackoff: opts.BaseBackoff,
		maxAttempts: opts.MaxAttempts,
		log:         log,
	}
}

// EnqueueOption customizes a single enqueue.
type EnqueueOption func(*enqueueParams)

type enqueueParams struct {
	dedupeKey   string
	maxAttempts int
}

// WithDedupeKey makes the enqueue idempotent: if a pending or active job
// with the same key already exists its id is returned instead of inserting
// a duplicate. Finished jobs never block a re-enqueue.
func WithDedupeKey(key string) EnqueueOption {
	return func(p *enqueueParams) { p.dedupeKey = key }
}

// WithMaxAttempts overrides the queue's default attempt budget.
func WithMaxAttempts(n int) EnqueueOption {
	return func(p *enqueueParams) { p.maxAttempts = n }
}

// Enqueue persists a job and returns its id. The payload is JSON-encoded.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any, opts ...EnqueueOption) (string, error) {
	params := enqueueParams{maxAttempts: q.maxAttempts}
	for _, opt := range opts {
		opt(&params)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: marshal payload: %w", kind, err)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: begin tx: %w", kind, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if params.dedupeKey != "" {
		var existing string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM indexing_job
			WHERE dedupe_key = ? AND status IN ('pending', 'active')
			LIMIT 1`, params.dedupeKey).Scan(&existing)
		if err == nil {
			return existing, tx.Commit()
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("enqueue %s: dedupe lookup: %w", kind, err)
		}
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	var dedupe *string
	if params.dedupeKey != "" {
		dedupe = &params.dedupeKey
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO indexing_job
			(id, kind, payload, status, attempts, max_attempts, dedupe_key, run_at, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?, ?)`,
		id, kind, string(body), params.maxAttempts, dedupe, now, now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: insert: %w", kind, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("enqueue %s: commit: %w", kind, err)
	}
	q.log.Info("job enqueued", "jobId", id, "kind", kind)
	return id, nil
}

const jobColumns = `id, kind, payload, status, attempts, max_attempts, dedupe_key, last_error,
	run_at, lease_until, created_at, updated_at, finished_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var payload string
	err := row.Scan(&j.ID, &j.Kind, &payload, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.DedupeKey, &j.LastError, &j.RunAt, &j.LeaseUntil, &j.CreatedAt, &j.UpdatedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = []byte(payload)
	return &j, nil
}

// Claim leases the oldest runnable job: a due pending job, or an active job
// whose lease expired. Returns (nil, nil) when nothing is runnable. The
// claim bumps the attempt counter, so a stalled redelivery spends budget.
//
// The lease is taken with a guarded UPDATE re-checking runnability, so two
// workers racing on the same row resolve silently: the loser sees zero rows
// affected and reports nothing runnable for this poll.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	now := time.Now().UTC()
	row := q.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM indexing_job
		WHERE (status = 'pending' AND run_at <= ?)
		   OR (status = 'active' AND lease_until IS NOT NULL AND lease_until <= ?)
		ORDER BY created_at, id
		LIMIT 1`, now, now)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: select: %w", err)
	}

	lease := now.Add(q.stallWindow)
	res, err := q.db.ExecContext(ctx, `
		UPDATE indexing_job
		SET status = 'active', attempts = attempts + 1, lease_until = ?, updated_at = ?
		WHERE id = ?
		  AND ((status = 'pending' AND run_at <= ?)
		   OR (status = 'active' AND lease_until IS NOT NULL AND lease_until <= ?))`,
		lease, now, job.ID, now, now)
	if err != nil {
		return nil, fmt.Errorf("claim: lease job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim: lease job %s: %w", job.ID, err)
	}
	if n == 0 {
		// Another worker claimed it between select and update.
		return nil, nil
	}

	job.Status = StatusActive
	job.Attempts++
	job.LeaseUntil = &lease
	return job, nil
}

// Complete marks a job done and publishes job.completed.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	now := time.Now().UTC()
	_, err := q.db.ExecContext(ctx, `
		UPDATE indexing_job
		SET status = 'completed', lease_until = NULL, finished_at = ?, updated_at = ?
		WHERE id = ?`, now, now, job.ID)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	q.bus.Publish(TopicJobCompleted, JobEvent{JobID: job.ID, Kind: job.Kind, Attempts: job.Attempts})
	return nil
}

// backoff returns the retry delay for the given attempt count, doubling per
// attempt and capped at maxBackoff.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.baseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Fail records a handler error. With attempts left the job is rescheduled
// with exponential backoff (job.retried); otherwise it parks as failed
// (job.failed) keeping the error for inspection.
func (q *Queue) Fail(ctx context.Context, job *Job, jobErr error) error {
	now := time.Now().UTC()
	msg := jobErr.Error()
	event := JobEvent{JobID: job.ID, Kind: job.Kind, Attempts: job.Attempts, Error: msg}

	if job.Attempts >= job.MaxAttempts {
		_, err := q.db.ExecContext(ctx, `
			UPDATE indexing_job
			SET status = 'failed', last_error = ?, lease_until = NULL, finished_at = ?, updated_at = ?
			WHERE id = ?`, msg, now, now, job.ID)
		if err != nil {
			return fmt.Errorf("fail job %s: %w", job.ID, err)
		}
		q.log.Error("job failed permanently", "jobId", job.ID, "kind", job.Kind,
			"attempts", job.Attempts, "error", msg)
		q.bus.Publish(TopicJobFailed, event)
		return nil
	}

	runAt := now.Add(q.backoff(job.Attempts))
	_, err := q.db.ExecContext(ctx, `
		UPDATE indexing_job
		SET status = 'pending', last_error = ?, lease_until = NULL, run_at = ?, updated_at = ?
		WHERE id = ?`, msg, runAt, now, job.ID)
	if err != nil {
		return fmt.Errorf("retry job %s: %w", job.ID, err)
	}
	q.log.Warn("job retry scheduled", "jobId", job.ID, "kind", job.Kind,
		"attempt", job.Attempts, "runAt", runAt, "error", msg)
	q.bus.Publish(TopicJobRetried, event)
	return nil
}

// Get returns a job by id, or (nil, nil) when absent.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM indexing_job WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// ReapStalled flips expired active jobs back to pending so they redeliver
// even before the next Claim notices them.
func (q *Queue) ReapStalled(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE indexing_job
		SET status = 'pending', lease_until = NULL, updated_at = ?
		WHERE status = 'active' AND lease_until IS NOT NULL AND lease_until <= ?`, now, now)
	if err != nil {
		return 0, fmt.Errorf("reap stalled: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.log.Warn("stalled jobs redelivered", "count", n)
	}
	return int(n), nil
}

// PruneFinished enforces retention: completed jobs expire after 24h and are
// capped at the newest 100; failed jobs expire after 7 days.
func (q *Queue) PruneFinished(ctx context.Context) error {
	now := time.Now().UTC()
	_, err := q.db.ExecContext(ctx, `
		DELETE FROM indexing_job
		WHERE status = 'completed' AND finished_at <= ?`, now.Add(-completedRetention))
	if err != nil {
		return fmt.Errorf("prune completed: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		DELETE FROM indexing_job
		WHERE status = 'completed' AND id NOT IN (
			SELECT id FROM indexing_job WHERE status = 'completed'
			ORDER BY finished_at DESC LIMIT ?)`, completedKeepMax)
	if err != nil {
		return fmt.Errorf("prune completed overflow: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		DELETE FROM indexing_job
		WHERE status = 'failed' AND finished_at <= ?`, now.Add(-failedRetention))
	if err != nil {
		return fmt.Errorf("prune failed: %w", err)
	}
	return nil
}

// CountByStatus reports queue depth per state for the stats endpoint.
func (q *Queue) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM indexing_job GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
