package task

import (
	"errors"
	"fmt"
	"time"
)

// InvalidInputError reports an input that violates the task's schema. It
// is permanent and local to the failing task.
type InvalidInputError struct {
	// Err is the underlying validation failure
	Err error
}

// Error implements the error interface.
func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %v", e.Err)
}

// Unwrap returns the underlying validation failure.
func (e *InvalidInputError) Unwrap() error { return e.Err }

// ConfigurationError reports a misconfigured task or graph: illegal state
// transitions, missing behaviours, mutation of frozen registries.
type ConfigurationError struct {
	// Reason describes the misconfiguration
	Reason string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// AbortedError marks an orderly shutdown. It is distinguished from
// FailedError so the graph can report ABORTED rather than FAILED when the
// root cancellation was user-initiated.
type AbortedError struct {
	// Cause is the cancellation that triggered the abort, when known
	Cause error
}

// Error implements the error interface.
func (e *AbortedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("task aborted: %v", e.Cause)
	}
	return "task aborted"
}

// Unwrap returns the cancellation cause.
func (e *AbortedError) Unwrap() error { return e.Cause }

// FailedError wraps a runtime failure raised inside a task's behaviour.
type FailedError struct {
	// Cause is the original failure
	Cause error
}

// Error implements the error interface.
func (e *FailedError) Error() string {
	return fmt.Sprintf("task failed: %v", e.Cause)
}

// Unwrap returns the original failure.
func (e *FailedError) Unwrap() error { return e.Cause }

// TimeoutError reports a task cancelled because its deadline passed.
type TimeoutError struct {
	// Deadline is the instant that was exceeded, when known
	Deadline time.Time
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Deadline.IsZero() {
		return "task deadline exceeded"
	}
	return fmt.Sprintf("task deadline %s exceeded", e.Deadline.Format(time.RFC3339))
}

// HangError reports a task that ignored cancellation past the grace
// period.
type HangError struct {
	// TaskID names the unresponsive task
	TaskID string
	// Grace is the period the scheduler waited after cancelling
	Grace time.Duration
}

// Error implements the error interface.
func (e *HangError) Error() string {
	return fmt.Sprintf("task %s did not settle within %s after cancellation", e.TaskID, e.Grace)
}

// BackpressureError reports a fatal stream overflow on a producer whose
// consumers could not keep up within the tee's bounds.
type BackpressureError struct {
	// Cause is the underlying stream error
	Cause error
}

// Error implements the error interface.
func (e *BackpressureError) Error() string {
	return fmt.Sprintf("backpressure overflow: %v", e.Cause)
}

// Unwrap returns the underlying stream error.
func (e *BackpressureError) Unwrap() error { return e.Cause }

// NotFoundError reports a handle whose resolver knows no object with the
// given ID.
type NotFoundError struct {
	// Kind is the semantic kind the handle was declared with
	Kind string
	// ID is the unresolved handle value
	ID string
	// Err is the resolver's failure, when it returned one
	Err error
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %q not found: %v", e.Kind, e.ID, e.Err)
	}
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// Unwrap returns the resolver's failure.
func (e *NotFoundError) Unwrap() error { return e.Err }

// IsAborted reports whether err is or wraps an AbortedError.
func IsAborted(err error) bool {
	var aborted *AbortedError
	return errors.As(err, &aborted)
}

// IsInvalidInput reports whether err is or wraps an InvalidInputError.
func IsInvalidInput(err error) bool {
	var invalid *InvalidInputError
	return errors.As(err, &invalid)
}

// IsTimeout reports whether err is or wraps a TimeoutError.
func IsTimeout(err error) bool {
	var timeout *TimeoutError
	return errors.As(err, &timeout)
}
