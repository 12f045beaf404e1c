package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskweave/taskweave/store"
)

// ExecutionsSpec is the table shape for the limiter's sliding window of
// execution timestamps.
var ExecutionsSpec = store.TableSpec{
	Name:      "executions",
	KeyFields: []string{"queue", "id"},
}

// BackoffsSpec is the table shape for the per-queue server backoff
// anchors set on 429/503 responses.
var BackoffsSpec = store.TableSpec{
	Name:      "backoffs",
	KeyFields: []string{"queue"},
}

// RateLimiterOptions configures a limiter.
type RateLimiterOptions struct {
	// MaxExecutions is the admission budget per window; zero means 60
	MaxExecutions int
	// Window is the sliding window length; zero means one minute
	Window time.Duration
	// Clock overrides time.Now for tests
	Clock func() time.Time
}

// RateLimiter admits work through a repository-backed sliding window, so
// every worker over the same backend shares one budget. Server-requested
// backoffs (429/503) anchor NextAvailable past the window arithmetic.
type RateLimiter struct {
	executions store.Repository
	backoffs   store.Repository
	opts       RateLimiterOptions

	mu sync.Mutex
}

// NewRateLimiter creates a limiter over the two repositories. They must
// use ExecutionsSpec and BackoffsSpec key shapes respectively.
func NewRateLimiter(executions, backoffs store.Repository, opts RateLimiterOptions) *RateLimiter {
	if opts.MaxExecutions <= 0 {
		opts.MaxExecutions = 60
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &RateLimiter{executions: executions, backoffs: backoffs, opts: opts}
}

// RecordExecution appends an admission timestamp for the queue.
func (l *RateLimiter) RecordExecution(ctx context.Context, queue string) error {
	now := l.opts.Clock()
	return l.executions.Put(ctx, store.Row{
		"queue": queue,
		"id":    uuid.NewString(),
		"at":    now.UnixMilli(),
	})
}

// ExecutionCount counts admissions for the queue since the given time.
func (l *RateLimiter) ExecutionCount(ctx context.Context, queue string, since time.Time) (int, error) {
	rows, err := l.executions.Search(ctx, store.
		Where("queue", store.OpEq, queue).
		And("at", store.OpGe, since.UnixMilli()))
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// SetBackoff records a server-set earliest-retry anchor for the queue.
// Fetch tasks call this when a 429 or 503 carries Retry-After.
func (l *RateLimiter) SetBackoff(ctx context.Context, queue string, until time.Time) error {
	return l.backoffs.Put(ctx, store.Row{
		"queue": queue,
		"until": until.UnixMilli(),
	})
}

// NextAvailable returns the earliest time the queue admits another
// execution: now when the window has room, the oldest in-window entry's
// expiry when saturated, and never before a server backoff anchor.
func (l *RateLimiter) NextAvailable(ctx context.Context, queue string) (time.Time, error) {
	now := l.opts.Clock()
	next := now

	windowStart := now.Add(-l.opts.Window)
	rows, err := l.executions.Search(ctx, store.
		Where("queue", store.OpEq, queue).
		And("at", store.OpGe, windowStart.UnixMilli()))
	if err != nil {
		return time.Time{}, err
	}
	if len(rows) >= l.opts.MaxExecutions {
		store.SortRows(rows, "at")
		oldest := asTime(rows[len(rows)-l.opts.MaxExecutions]["at"])
		if expiry := oldest.Add(l.opts.Window); expiry.After(next) {
			next = expiry
		}
	}

	row, err := l.backoffs.Get(ctx, store.Key{"queue": queue})
	if err == nil {
		if until := asTime(row["until"]); until.After(next) {
			next = until
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return time.Time{}, err
	}
	return next, nil
}

// Wait blocks until the queue admits an execution, records it, and
// returns. The check-then-record is serialised under the instance mutex,
// which keeps workers in this process from overshooting the budget;
// workers in other processes sharing the backend may transiently
// over-admit by at most one execution per process per window.
func (l *RateLimiter) Wait(ctx context.Context, queue string) error {
	for {
		l.mu.Lock()
		next, err := l.NextAvailable(ctx, queue)
		if err != nil {
			l.mu.Unlock()
			return err
		}
		now := l.opts.Clock()
		if !next.After(now) {
			err = l.RecordExecution(ctx, queue)
			l.mu.Unlock()
			return err
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("jobqueue: rate limiter wait: %w", ctx.Err())
		case <-time.After(next.Sub(now)):
		}
	}
}

// Prune drops execution entries older than the window. Callers run it
// periodically to keep the table from growing without bound.
func (l *RateLimiter) Prune(ctx context.Context, queue string) error {
	cutoff := l.opts.Clock().Add(-l.opts.Window)
	return l.executions.DeleteSearch(ctx, store.
		Where("queue", store.OpEq, queue).
		And("at", store.OpLt, cutoff.UnixMilli()))
}
