// Package jobqueue persists deferred task executions and runs them with
// rate-limited workers. Jobs live in a store.Repository so any backend
// the store package supports can hold a queue; retryable failures are
// re-scheduled through the retry taxonomy until their attempts run out.
package jobqueue

import (
	"time"

	"github.com/taskweave/taskweave/store"
)

// Status is a job's lifecycle state in the queue.
type Status string

const (
	// StatusPending means the job waits for a worker
	StatusPending Status = "PENDING"
	// StatusProcessing means a worker holds the job
	StatusProcessing Status = "PROCESSING"
	// StatusCompleted means the job finished with an output
	StatusCompleted Status = "COMPLETED"
	// StatusFailed means the job ended with an error
	StatusFailed Status = "FAILED"
	// StatusAborting means cancellation was requested; the worker loop
	// observes it and cancels the running execution
	StatusAborting Status = "ABORTING"
	// StatusDisabled means the job is parked and never dequeued
	StatusDisabled Status = "DISABLED"
)

// TableSpec is the table shape queues store jobs under. Keying by queue
// name first keeps multi-tenant backends partitioned.
var TableSpec = store.TableSpec{
	Name:      "jobs",
	KeyFields: []string{"queue", "id"},
}

// Job is one persisted deferred execution.
type Job struct {
	// ID is the queue-unique job identity
	ID string
	// Queue is the owning queue's name
	Queue string
	// Fingerprint is the deterministic hash of the input
	Fingerprint string
	// Input is the task input the job was enqueued with
	Input map[string]any
	// Output is the final output; nil until completed
	Output map[string]any
	// Status is the lifecycle state
	Status Status
	// Attempts counts executions so far
	Attempts int
	// MaxRetries bounds re-scheduling of retryable failures
	MaxRetries int
	// RunAfter delays dequeueing until the given time
	RunAfter time.Time
	// CreatedAt is when the job was enqueued
	CreatedAt time.Time
	// CompletedAt is when the job reached a terminal state
	CompletedAt time.Time
	// LastError is the rendered error of the latest failed attempt
	LastError string
	// WorkerID identifies the worker holding the job
	WorkerID string
	// LastRanAt is the worker's heartbeat while processing
	LastRanAt time.Time
}

// row renders the job in its repository form. Times are UnixMilli so
// every backend orders and compares them numerically.
func (j *Job) row() store.Row {
	r := store.Row{
		"queue":       j.Queue,
		"id":          j.ID,
		"fingerprint": j.Fingerprint,
		"input":       j.Input,
		"status":      string(j.Status),
		"attempts":    j.Attempts,
		"max_retries": j.MaxRetries,
		"run_after":   j.RunAfter.UnixMilli(),
		"created_at":  j.CreatedAt.UnixMilli(),
		"last_error":  j.LastError,
		"worker_id":   j.WorkerID,
	}
	if j.Output != nil {
		r["output"] = j.Output
	}
	if !j.CompletedAt.IsZero() {
		r["completed_at"] = j.CompletedAt.UnixMilli()
	}
	if !j.LastRanAt.IsZero() {
		r["last_ran_at"] = j.LastRanAt.UnixMilli()
	}
	return r
}

func jobFromRow(r store.Row) *Job {
	j := &Job{
		Queue:       asString(r["queue"]),
		ID:          asString(r["id"]),
		Fingerprint: asString(r["fingerprint"]),
		Status:      Status(asString(r["status"])),
		Attempts:    asInt(r["attempts"]),
		MaxRetries:  asInt(r["max_retries"]),
		RunAfter:    asTime(r["run_after"]),
		CreatedAt:   asTime(r["created_at"]),
		CompletedAt: asTime(r["completed_at"]),
		LastError:   asString(r["last_error"]),
		WorkerID:    asString(r["worker_id"]),
		LastRanAt:   asTime(r["last_ran_at"]),
	}
	if in, ok := r["input"].(map[string]any); ok {
		j.Input = in
	}
	if out, ok := r["output"].(map[string]any); ok {
		j.Output = out
	}
	return j
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// asInt tolerates the numeric widenings JSON round-trips introduce.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func asTime(v any) time.Time {
	switch n := v.(type) {
	case int64:
		if n == 0 {
			return time.Time{}
		}
		return time.UnixMilli(n)
	case float64:
		if n == 0 {
			return time.Time{}
		}
		return time.UnixMilli(int64(n))
	}
	return time.Time{}
}
