package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskweave/taskweave/log"
	"github.com/taskweave/taskweave/store"
)

// Handler executes one claimed job and returns its output. The context
// is cancelled when the job is aborted or the worker stops.
type Handler func(ctx context.Context, job *Job) (map[string]any, error)

// WorkerOptions configures a worker loop.
type WorkerOptions struct {
	// Limiter gates every dispatch; nil runs unthrottled
	Limiter *RateLimiter
	// PollInterval is how long to sleep when the queue is empty; zero
	// means one second
	PollInterval time.Duration
	// HeartbeatInterval is how often a running job's last_ran_at is
	// refreshed; zero means five seconds
	HeartbeatInterval time.Duration
	// Logger receives diagnostics; nil uses the package default
	Logger log.Logger
}

// Worker claims jobs from a queue and runs them through a handler.
// Failures flow through the retry taxonomy back into the queue.
type Worker struct {
	id      string
	queue   *Queue
	handler Handler
	opts    WorkerOptions
}

// NewWorker creates a worker with a fresh identity.
func NewWorker(queue *Queue, handler Handler, opts WorkerOptions) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.GetDefaultLogger()
	}
	return &Worker{
		id:      uuid.NewString(),
		queue:   queue,
		handler: handler,
		opts:    opts,
	}
}

// ID returns the worker's identity as stamped on claimed jobs.
func (w *Worker) ID() string { return w.id }

// Run processes jobs until the context is cancelled. It returns the
// context's error, never nil.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := w.queue.Next(ctx, w.id)
		if err != nil {
			w.opts.Logger.Error("worker %s: dequeue failed: %v", w.id, err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.opts.PollInterval):
			}
			continue
		}

		if w.opts.Limiter != nil {
			if err := w.opts.Limiter.Wait(ctx, w.queue.Name()); err != nil {
				// Shutting down while holding a claim: release the job
				// so another worker picks it up.
				w.release(job)
				return ctx.Err()
			}
		}

		w.process(ctx, job)
	}
}

// process runs one claimed job with heartbeating and abort observation.
func (w *Worker) process(ctx context.Context, job *Job) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		output map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := w.handler(runCtx, job)
		done <- outcome{output: out, err: err}
	}()

	heartbeat := time.NewTicker(w.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	aborted := false
	for {
		select {
		case res := <-done:
			w.settle(ctx, job, res.output, res.err, aborted)
			return
		case <-heartbeat.C:
			status, err := w.queue.Heartbeat(ctx, job)
			if err != nil {
				w.opts.Logger.Warn("worker %s: heartbeat for job %s failed: %v", w.id, job.ID, err)
				continue
			}
			if status == StatusAborting && !aborted {
				aborted = true
				cancel()
			}
		case <-ctx.Done():
			// Give the handler a moment to observe cancellation, then
			// settle with whatever it returns.
			res := <-done
			w.settle(context.Background(), job, res.output, res.err, aborted)
			return
		}
	}
}

func (w *Worker) settle(ctx context.Context, job *Job, output map[string]any, err error, aborted bool) {
	switch {
	case aborted:
		job.Status = StatusFailed
		job.LastError = "aborted"
		job.CompletedAt = w.queue.opts.Clock()
		if perr := w.queue.repo.Put(ctx, job.row()); perr != nil {
			w.opts.Logger.Error("worker %s: settle aborted job %s: %v", w.id, job.ID, perr)
		}
	case err != nil:
		if ferr := w.queue.Fail(ctx, job, err); ferr != nil {
			w.opts.Logger.Error("worker %s: record failure of job %s: %v", w.id, job.ID, ferr)
		}
	default:
		if cerr := w.queue.Complete(ctx, job, output); cerr != nil {
			w.opts.Logger.Error("worker %s: record completion of job %s: %v", w.id, job.ID, cerr)
		}
	}
}

// release puts an unprocessed claim back to PENDING.
func (w *Worker) release(job *Job) {
	job.Status = StatusPending
	job.WorkerID = ""
	if job.Attempts > 0 {
		job.Attempts--
	}
	if err := w.queue.repo.Put(context.Background(), job.row()); err != nil {
		w.opts.Logger.Error("worker %s: release job %s: %v", w.id, job.ID, err)
	}
}

// SweeperOptions configures a sweeper.
type SweeperOptions struct {
	// Timeout is how stale a heartbeat may be before the job is
	// reclaimed; zero means one minute
	Timeout time.Duration
	// Interval is how often the sweep runs; zero means Timeout
	Interval time.Duration
	// Logger receives diagnostics; nil uses the package default
	Logger log.Logger
}

// Sweeper reclaims PROCESSING jobs whose worker stopped heartbeating,
// putting them back to PENDING for another worker.
type Sweeper struct {
	queue *Queue
	opts  SweeperOptions
}

// NewSweeper creates a sweeper for the queue.
func NewSweeper(queue *Queue, opts SweeperOptions) *Sweeper {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	if opts.Interval <= 0 {
		opts.Interval = opts.Timeout
	}
	if opts.Logger == nil {
		opts.Logger = log.GetDefaultLogger()
	}
	return &Sweeper{queue: queue, opts: opts}
}

// Sweep reclaims stale jobs once and reports how many it released.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.queue.opts.Clock().Add(-s.opts.Timeout)
	rows, err := s.queue.repo.Search(ctx, store.
		Where("queue", store.OpEq, s.queue.Name()).
		And("status", store.OpEq, string(StatusProcessing)).
		And("last_ran_at", store.OpLt, cutoff.UnixMilli()))
	if err != nil {
		return 0, fmt.Errorf("jobqueue: sweep: %w", err)
	}

	reclaimed := 0
	for _, row := range rows {
		job := jobFromRow(row)
		s.opts.Logger.Warn("sweeper: reclaiming job %s from stale worker %s", job.ID, job.WorkerID)
		job.Status = StatusPending
		job.WorkerID = ""
		job.RunAfter = s.queue.opts.Clock()
		if perr := s.queue.repo.Put(ctx, job.row()); perr != nil {
			return reclaimed, fmt.Errorf("jobqueue: reclaim job %s: %w", job.ID, perr)
		}
		reclaimed++
	}
	return reclaimed, nil
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.opts.Logger.Error("sweeper: %v", err)
			}
		}
	}
}
