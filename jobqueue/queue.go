package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskweave/taskweave/store"
)

// QueueOptions configures a queue. The zero value uses three retries and
// the wall clock.
type QueueOptions struct {
	// MaxRetries is the default retry budget stamped on new jobs
	MaxRetries int
	// Clock overrides time.Now for tests
	Clock func() time.Time
}

// Queue persists jobs in a repository, one named queue per instance.
// Dequeueing is exactly-once: Next claims through the repository's
// conditional write, so two queue instances over the same backend cannot
// double-dispatch a job. The local mutex only keeps same-process workers
// from burning claim attempts on the same candidate.
type Queue struct {
	repo store.Repository
	name string
	opts QueueOptions

	mu sync.Mutex
}

// NewQueue creates a queue named name over the repository. The repository
// must use the package TableSpec key shape.
func NewQueue(repo store.Repository, name string, opts QueueOptions) (*Queue, error) {
	if name == "" {
		return nil, fmt.Errorf("jobqueue: queue name must not be empty")
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Queue{repo: repo, name: name, opts: opts}, nil
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

/// Add enqueues a new job for the input: ID and fingerprint stamped,
// status PENDING, runnable immediately.
func (q *Queue) Add(ctx context.Context, input map[string]any) (*Job, error) {
	now := q.opts.Clock()
	job := &Job{
		ID:          uuid.NewString(),
		Queue:       q.name,
		Fingerprint: store.Fingerprint(input),
		Input:       input,
		Status:      StatusPending,
		MaxRetries:  q.opts.MaxRetries,
		RunAfter:    now,
		CreatedAt:   now,
	}
	if err := q.repo.Put(ctx, job.row()); err != nil {
		return nil, fmt.Errorf("jobqueue: add job: %w", err)
	}
	return job, nil
}

// Get returns the job by ID, or store.ErrNotFound.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	row, err := q.repo.Get(ctx, store.Key{"queue": q.name, "id": id})
	if err != nil {
		return nil, err
	}
	return jobFromRow(row), nil
}

// Next claims the oldest due PENDING job for the worker and returns it as
// PROCESSING, or nil when nothing is due.
func (q *Queue) Next(ctx context.Context, workerID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Clock()
	rows, err := q.repo.Search(ctx, store.
		Where("queue", store.OpEq, q.name).
		And("status", store.OpEq, string(StatusPending)).
		And("run_after", store.OpLe, now.UnixMilli()))
	if err != nil {
		return nil, fmt.Errorf("jobqueue: next: %w", err)
	}
	store.SortRows(rows, "created_at")

	for _, row := range rows {
		job := jobFromRow(row)
		job.Status = StatusProcessing
		job.WorkerID = workerID
		job.Attempts++
		job.LastRanAt = now

		// Conditional claim: the write lands only if the row is still the
		// PENDING attempt the search saw. A lost race moves to the next
		// candidate instead of double-dispatching.
		ok, perr := q.repo.PutIf(ctx, job.row(), store.Row{
			"status":   string(StatusPending),
			"attempts": job.Attempts - 1,
		})
		if perr != nil {
			return nil, fmt.Errorf("jobqueue: claim job %s: %w", job.ID, perr)
		}
		if ok {
			return job, nil
		}
	}
	return nil, nil
}

// Complete records the job's output and marks it COMPLETED.
func (q *Queue) Complete(ctx context.Context, job *Job, output map[string]any) error {
	job.Status = StatusCompleted
	job.Output = output
	job.CompletedAt = q.opts.Clock()
	job.LastError = ""
	return q.repo.Put(ctx, job.row())
}

// Fail settles a failed attempt. Retryable failures with budget left go
// back to PENDING with run_after pushed to the retry time; everything
// else ends FAILED.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) error {
	now := q.opts.Clock()
	job.LastError = cause.Error()

	retryAt, retryable := Retryable(cause)
	if retryable && job.Attempts <= job.MaxRetries {
		if retryAt.Before(now) {
			retryAt = now
		}
		job.Status = StatusPending
		job.RunAfter = retryAt
		job.WorkerID = ""
		return q.repo.Put(ctx, job.row())
	}

	job.Status = StatusFailed
	job.CompletedAt = now
	return q.repo.Put(ctx, job.row())
}

// Abort requests cancellation: the job moves to ABORTING and the worker
// loop holding it cancels the execution. Jobs nobody holds fail directly.
func (q *Queue) Abort(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	switch job.Status {
	case StatusCompleted, StatusFailed:
		return nil
	case StatusProcessing:
		job.Status = StatusAborting
	default:
		job.Status = StatusFailed
		job.LastError = "aborted before execution"
		job.CompletedAt = q.opts.Clock()
	}
	return q.repo.Put(ctx, job.row())
}

// OutputForInput returns the completed output of any job with the same
// input fingerprint, for result reuse across runs.
func (q *Queue) OutputForInput(ctx context.Context, input map[string]any) (map[string]any, bool, error) {
	rows, err := q.repo.Search(ctx, store.
		Where("queue", store.OpEq, q.name).
		And("fingerprint", store.OpEq, store.Fingerprint(input)).
		And("status", store.OpEq, string(StatusCompleted)))
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	store.SortRows(rows, "completed_at")
	return jobFromRow(rows[len(rows)-1]).Output, true, nil
}

// Peek returns up to n jobs in the given status, oldest first.
func (q *Queue) Peek(ctx context.Context, status Status, n int) ([]*Job, error) {
	rows, err := q.repo.Search(ctx, store.
		Where("queue", store.OpEq, q.name).
		And("status", store.OpEq, string(status)))
	if err != nil {
		return nil, err
	}
	store.SortRows(rows, "created_at")
	if n > 0 && len(rows) > n {
		rows = rows[:n]
	}
	jobs := make([]*Job, len(rows))
	for i, row := range rows {
		jobs[i] = jobFromRow(row)
	}
	return jobs, nil
}

// Size counts jobs in the given status.
func (q *Queue) Size(ctx context.Context, status Status) (int, error) {
	rows, err := q.repo.Search(ctx, store.
		Where("queue", store.OpEq, q.name).
		And("status", store.OpEq, string(status)))
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Heartbeat refreshes last_ran_at on the stored row so the sweeper
// leaves the job alone, and returns the job's current status. The worker
// loop observes ABORTING through the returned status.
func (q *Queue) Heartbeat(ctx context.Context, job *Job) (Status, error) {
	current, err := q.Get(ctx, job.ID)
	if err != nil {
		return "", err
	}
	current.LastRanAt = q.opts.Clock()
	if err := q.repo.Put(ctx, current.row()); err != nil {
		return "", err
	}
	return current.Status, nil
}
