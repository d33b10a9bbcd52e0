// Package queue is the durable, database-backed job queue the pipeline runs
// on. Jobs survive restarts; retryable failures back off exponentially and
// give up after MaxRetries. Claiming is optimistic: a guarded state-transition
// update decides the winner when multiple workers race for the same row.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
)

const (
	StateEnqueued   = "enqueued"
	StateInProgress = "in_progress"
	StateComplete   = "complete"
	StateFailed     = "failed"
)

// MaxRetries is the number of attempts before a job parks in the failed
// state.
const MaxRetries = 10

// Job is one unit of queued work. Payload is the JSON encoding of the
// kind-specific payload struct.
type Job struct {
	gorm.Model
	Kind       string `gorm:"index:idx_jobs_kind_state"`
	Payload    []byte
	State      string `gorm:"index:idx_jobs_kind_state;index"`
	RetryCount int
	RetryAfter *time.Time
}

// HandlerFunc processes one job payload. Returning nil completes the job; a
// terminal error fails it immediately; any other error schedules a retry.
type HandlerFunc func(ctx context.Context, payload []byte) error

type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return "terminal: " + e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps an error so the queue fails the job without retrying.
func Terminal(err error) error {
	return &terminalError{err: err}
}

func isTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

type Queue struct {
	db           *gorm.DB
	logger       *slog.Logger
	handlers     map[string]HandlerFunc
	pollInterval time.Duration
}

func NewQueue(db *gorm.DB) *Queue {
	return &Queue{
		db:           db,
		logger:       slog.Default().With("subsystem", "queue"),
		handlers:     make(map[string]HandlerFunc),
		pollInterval: time.Second,
	}
}

func (q *Queue) Migrate() error {
	return q.db.AutoMigrate(&Job{})
}

// Register binds a handler to a job kind. Must happen before Run.
func (q *Queue) Register(kind string, h HandlerFunc) {
	q.handlers[kind] = h
}

// Enqueue persists a job. The payload must JSON-encode.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	job := Job{Kind: kind, Payload: raw, State: StateEnqueued}
	if err := q.db.WithContext(ctx).Create(&job).Error; err != nil {
		return fmt.Errorf("enqueueing %s job: %w", kind, err)
	}
	jobsEnqueued.WithLabelValues(kind).Inc()
	return nil
}

// HasPending reports whether a job with this kind and payload is already
// waiting or running. The scheduler uses this to keep singleton jobs from
// piling up when workers fall behind.
func (q *Queue) HasPending(ctx context.Context, kind string, payload interface{}) (bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	var n int64
	err = q.db.WithContext(ctx).Model(&Job{}).
		Where("kind = ? AND payload = ? AND state IN ?", kind, raw, []string{StateEnqueued, StateInProgress}).
		Count(&n).Error
	return n > 0, err
}

// Depth counts jobs waiting to run and publishes the gauge.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&Job{}).Where("state = ?", StateEnqueued).Count(&n).Error
	if err == nil {
		queueDepth.Set(float64(n))
	}
	return n, err
}

// RecoverStuck re-enqueues jobs left in_progress by a crashed worker. Called
// once at startup, before any worker claims.
func (q *Queue) RecoverStuck(ctx context.Context) (int64, error) {
	res := q.db.WithContext(ctx).Model(&Job{}).
		Where("state = ?", StateInProgress).
		Update("state", StateEnqueued)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		q.logger.Warn("recovered stuck jobs from previous run", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// claimNext picks the oldest runnable job and transitions it to in_progress.
// The guarded update arbitrates races; a lost race returns (nil, nil) and the
// caller just polls again.
func (q *Queue) claimNext(ctx context.Context) (*Job, error) {
	var job Job
	err := q.db.WithContext(ctx).
		Where("state = ? AND (retry_after IS NULL OR retry_after < ?)", StateEnqueued, time.Now()).
		Order("id").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	res := q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND state = ?", job.ID, StateEnqueued).
		Update("state", StateInProgress)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &job, nil
}

func computeExponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * 10 * time.Second
}

func (q *Queue) process(ctx context.Context, job *Job) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("job handler panicked", "kind", job.Kind, "job", job.ID, "err", r)
			q.retryOrFail(ctx, job, fmt.Errorf("handler panic: %v", r))
		}
	}()

	h, ok := q.handlers[job.Kind]
	if !ok {
		q.logger.Error("no handler registered for job kind", "kind", job.Kind, "job", job.ID)
		q.setState(ctx, job.ID, StateFailed)
		jobsProcessed.WithLabelValues(job.Kind, "failed").Inc()
		return
	}

	err := h(ctx, job.Payload)
	if err == nil {
		q.setState(ctx, job.ID, StateComplete)
		jobsProcessed.WithLabelValues(job.Kind, "complete").Inc()
		return
	}
	if isTerminal(err) {
		q.logger.Error("job failed terminally", "kind", job.Kind, "job", job.ID, "err", err)
		q.setState(ctx, job.ID, StateFailed)
		jobsProcessed.WithLabelValues(job.Kind, "failed").Inc()
		return
	}
	q.retryOrFail(ctx, job, err)
}

func (q *Queue) retryOrFail(ctx context.Context, job *Job, cause error) {
	if job.RetryCount+1 >= MaxRetries {
		q.logger.Error("job exhausted retries", "kind", job.Kind, "job", job.ID, "err", cause)
		q.setState(ctx, job.ID, StateFailed)
		jobsProcessed.WithLabelValues(job.Kind, "failed").Inc()
		return
	}
	retryAfter := time.Now().Add(computeExponentialBackoff(job.RetryCount))
	err := q.db.WithContext(ctx).Model(&Job{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
		"state":       StateEnqueued,
		"retry_count": job.RetryCount + 1,
		"retry_after": &retryAfter,
	}).Error
	if err != nil {
		q.logger.Error("failed to schedule job retry", "job", job.ID, "err", err)
		return
	}
	jobsProcessed.WithLabelValues(job.Kind, "retry").Inc()
	q.logger.Warn("job scheduled for retry", "kind", job.Kind, "job", job.ID, "attempt", job.RetryCount+1, "retry_after", retryAfter, "err", cause)
}

func (q *Queue) setState(ctx context.Context, jobID uint, state string) {
	if err := q.db.WithContext(ctx).Model(&Job{}).Where("id = ?", jobID).Update("state", state).Error; err != nil {
		q.logger.Error("failed to update job state", "job", jobID, "state", state, "err", err)
	}
}

// Run claims and processes jobs until the context is cancelled, with at most
// parallel handlers in flight.
func (q *Queue) Run(ctx context.Context, parallel int) error {
	if parallel <= 0 {
		parallel = 4
	}
	if _, err := q.RecoverStuck(ctx); err != nil {
		return fmt.Errorf("recovering stuck jobs: %w", err)
	}
	sem := semaphore.NewWeighted(int64(parallel))
	q.logger.Info("queue workers running", "parallel", parallel)

	for {
		if err := ctx.Err(); err != nil {
			// drain in-flight handlers before returning
			if aerr := sem.Acquire(context.Background(), int64(parallel)); aerr != nil {
				return aerr
			}
			return err
		}
		job, err := q.claimNext(ctx)
		if err != nil {
			q.logger.Error("failed to claim job", "err", err)
			job = nil
		}
		if job == nil {
			select {
			case <-ctx.Done():
				continue
			case <-time.After(q.pollInterval):
				continue
			}
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			// cancelled while waiting; put the claim back
			q.setState(context.Background(), job.ID, StateEnqueued)
			continue
		}
		go func(job *Job) {
			defer sem.Release(1)
			q.process(ctx, job)
		}(job)
	}
}
