package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/taskweave/taskweave/schema"
	"github.com/taskweave/taskweave/stream"
)

// Executor is the non-streaming computation contract.
type Executor interface {
	Execute(ctx *Context, input map[string]any) (map[string]any, error)
}

// StreamExecutor is the streaming computation contract. Runners dispatch
// to it when the task declares any append-mode output port.
type StreamExecutor interface {
	ExecuteStream(ctx *Context, input map[string]any) (*stream.Reader, error)
}

// ReactiveExecutor is the optional lightweight recomputation hook used for
// live previews. Implementations must be idempotent, side-effect free and
// never perform I/O.
type ReactiveExecutor interface {
	ExecuteReactive(ctx *Context, input, previous map[string]any) (map[string]any, error)
}

// Definition describes a task type: its schemas and execution flags. A
// definition is shared by every instance of the type and never changes at
// runtime unless DynamicSchemas is set.
type Definition struct {
	// Type is the registered type name
	Type string
	// Input is the object schema whose properties are the input ports
	Input *schema.Schema
	// Output is the object schema whose properties are the output ports
	Output *schema.Schema
	// Cacheable enables output caching by input fingerprint
	Cacheable bool
	// DynamicSchemas marks tasks whose schemas depend on configuration
	DynamicSchemas bool
	// DeltaStreaming permits text-delta events on ports that do not
	// declare append mode
	DeltaStreaming bool
}

// Task is a stateful unit of computation: identity, schemas, behaviour and
// runtime state. Tasks are created by users, mutated exclusively by their
// runner while running, and live until the enclosing graph is destroyed.
type Task struct {
	id        string
	def       Definition
	behaviour any
	defaults  map[string]any
	title     string
	extras    map[string]any

	mu          sync.RWMutex
	status      Status
	progress    float64
	input       map[string]any
	output      map[string]any
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
	lastErr     error
	optional    bool
	deadlineAt  time.Time
	children    []*Task

	events *Events
}

// New creates a task with the given identity, definition and behaviour.
// The behaviour must implement Executor or StreamExecutor (or both, plus
// optionally ReactiveExecutor). Defaults are merged over the schema's
// per-port defaults when the input is reset.
func New(id string, def Definition, behaviour any, defaults map[string]any) (*Task, error) {
	if id == "" {
		return nil, &ConfigurationError{Reason: "task id must not be empty"}
	}
	if def.Type == "" {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("task %s has no type", id)}
	}
	_, isExec := behaviour.(Executor)
	_, isStream := behaviour.(StreamExecutor)
	if !isExec && !isStream {
		return nil, &ConfigurationError{
			Reason: fmt.Sprintf("task %s (%s) implements neither Executor nor StreamExecutor", id, def.Type),
		}
	}
	t := &Task{
		id:        id,
		def:       def,
		behaviour: behaviour,
		defaults:  defaults,
		status:    StatusPending,
		createdAt: time.Now(),
		events:    newEvents(id),
	}
	if err := t.ResetInput(); err != nil {
		return nil, err
	}
	return t, nil
}

// ID returns the task's graph-unique identity.
func (t *Task) ID() string { return t.id }

// Type returns the registered type name.
func (t *Task) Type() string { return t.def.Type }

// Definition returns the task's definition. Schemas are shared; callers
// must not mutate them.
func (t *Task) Definition() Definition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.def
}

// InputSchema returns the current input schema.
func (t *Task) InputSchema() *schema.Schema {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.def.Input
}

// OutputSchema returns the current output schema.
func (t *Task) OutputSchema() *schema.Schema {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.def.Output
}

// SetSchemas replaces the task's schemas. Only tasks declared with
// DynamicSchemas may do this; a schemaChange event invalidates compiled
// validators downstream.
func (t *Task) SetSchemas(input, output *schema.Schema) error {
	t.mu.Lock()
	if !t.def.DynamicSchemas {
		t.mu.Unlock()
		return &ConfigurationError{Reason: fmt.Sprintf("task %s does not declare dynamic schemas", t.id)}
	}
	t.def.Input = input
	t.def.Output = output
	t.mu.Unlock()
	t.events.emit(Event{Type: EventSchemaChange})
	return nil
}

// Behaviour returns the task's execution behaviour.
func (t *Task) Behaviour() any { return t.behaviour }

// Title returns the optional human-readable name.
func (t *Task) Title() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.title
}

// SetTitle sets the human-readable name carried through serialisation.
func (t *Task) SetTitle(title string) {
	t.mu.Lock()
	t.title = title
	t.mu.Unlock()
}

// Extras returns opaque metadata carried through serialisation.
func (t *Task) Extras() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.extras
}

// SetExtras attaches opaque metadata carried through serialisation.
func (t *Task) SetExtras(extras map[string]any) {
	t.mu.Lock()
	t.extras = extras
	t.mu.Unlock()
}

// Defaults returns the instance default input values.
func (t *Task) Defaults() map[string]any { return t.defaults }

// Status returns the current lifecycle state.
func (t *Task) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Progress returns the task's progress in percent.
func (t *Task) Progress() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progress
}

// Output returns the current output snapshot.
func (t *Task) Output() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.output
}

// LastError returns the error recorded by the most recent run.
func (t *Task) LastError() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastErr
}

// CreatedAt returns when the task was constructed.
func (t *Task) CreatedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.createdAt
}

// StartedAt returns when the last run began, or the zero time.
func (t *Task) StartedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.startedAt
}

// CompletedAt returns when the last run ended, or the zero time.
func (t *Task) CompletedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.completedAt
}

// Optional reports whether the task's failure should not cancel its graph.
func (t *Task) Optional() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.optional
}

// SetOptional marks the task's failure as non-fatal to its graph.
func (t *Task) SetOptional(optional bool) {
	t.mu.Lock()
	t.optional = optional
	t.mu.Unlock()
}

// DeadlineAt returns the absolute per-task deadline, or the zero time.
func (t *Task) DeadlineAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.deadlineAt
}

// SetDeadline sets the absolute instant after which the scheduler cancels
// the task and records a timeout.
func (t *Task) SetDeadline(at time.Time) {
	t.mu.Lock()
	t.deadlineAt = at
	t.mu.Unlock()
}

// Events returns the task's event bus.
func (t *Task) Events() *Events { return t.events }

// Children returns tasks attached through the execution context's Own.
func (t *Task) Children() []*Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Task(nil), t.children...)
}

// Disable excludes a pending task from execution. The scheduler skips
// disabled tasks and everything downstream of them.
func (t *Task) Disable() error {
	if err := t.transition(StatusDisabled); err != nil {
		return err
	}
	t.events.emit(Event{Type: EventDisabled})
	return nil
}

// Enable returns a disabled task to the pending state.
func (t *Task) Enable() error {
	return t.transition(StatusPending)
}

// Reset prepares the task for another run: pending status, zero progress,
// cleared output and error, defaults restored.
func (t *Task) Reset() error {
	t.mu.Lock()
	if !t.status.Terminal() && t.status != StatusPending && t.status != StatusDisabled {
		status := t.status
		t.mu.Unlock()
		return &ConfigurationError{Reason: fmt.Sprintf("task %s cannot reset while %s", t.id, status)}
	}
	prev := t.status
	t.status = StatusPending
	t.progress = 0
	t.output = nil
	t.lastErr = nil
	t.startedAt = time.Time{}
	t.completedAt = time.Time{}
	t.mu.Unlock()
	if prev != StatusPending {
		t.events.emit(Event{Type: EventStatus, Status: StatusPending})
	}
	return t.ResetInput()
}

// AbortPending moves a task that never started straight to FAILED with an
// aborted cause. The scheduler uses it for tasks left behind by graph
// cancellation; it reports whether the task was still pending.
func (t *Task) AbortPending(cause error) bool {
	t.mu.Lock()
	if t.status != StatusPending {
		t.mu.Unlock()
		return false
	}
	t.status = StatusAborting
	t.mu.Unlock()
	t.events.emit(Event{Type: EventStatus, Status: StatusAborting})

	aborted := &AbortedError{Cause: cause}
	t.mu.Lock()
	t.status = StatusFailed
	t.lastErr = aborted
	t.completedAt = time.Now()
	t.mu.Unlock()
	t.events.emit(Event{Type: EventAbort, Err: aborted})
	t.events.emit(Event{Type: EventStatus, Status: StatusFailed})
	return true
}

// transition applies a legal status change and emits the status event.
func (t *Task) transition(next Status) error {
	t.mu.Lock()
	if !t.status.CanTransition(next) {
		cur := t.status
		t.mu.Unlock()
		return &ConfigurationError{
			Reason: fmt.Sprintf("task %s cannot move from %s to %s", t.id, cur, next),
		}
	}
	t.status = next
	t.mu.Unlock()
	t.events.emit(Event{Type: EventStatus, Status: next})
	return nil
}

// begin starts a run: PENDING to PROCESSING with timing and start event.
func (t *Task) begin() error {
	t.mu.Lock()
	if !t.status.CanTransition(StatusProcessing) {
		cur := t.status
		t.mu.Unlock()
		return &ConfigurationError{
			Reason: fmt.Sprintf("task %s cannot start while %s", t.id, cur),
		}
	}
	t.status = StatusProcessing
	t.startedAt = time.Now()
	t.completedAt = time.Time{}
	t.lastErr = nil
	t.mu.Unlock()
	t.events.emit(Event{Type: EventStart})
	t.events.emit(Event{Type: EventStatus, Status: StatusProcessing})
	return nil
}

func (t *Task) markStreaming() {
	t.mu.Lock()
	if t.status != StatusProcessing {
		t.mu.Unlock()
		return
	}
	t.status = StatusStreaming
	t.mu.Unlock()
	t.events.emit(Event{Type: EventStatus, Status: StatusStreaming})
}

func (t *Task) setOutputSnapshot(out map[string]any) {
	t.mu.Lock()
	t.output = out
	t.mu.Unlock()
}

func (t *Task) setProgress(pct float64) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	t.mu.Lock()
	t.progress = pct
	t.mu.Unlock()
}

func (t *Task) completeWith(out map[string]any) {
	t.mu.Lock()
	t.status = StatusCompleted
	t.output = out
	t.progress = 100
	t.completedAt = time.Now()
	t.mu.Unlock()
	t.events.emit(Event{Type: EventStatus, Status: StatusCompleted})
	t.events.emit(Event{Type: EventComplete, Output: out})
}

func (t *Task) failWith(err error) {
	t.mu.Lock()
	t.status = StatusFailed
	t.lastErr = err
	t.completedAt = time.Now()
	t.mu.Unlock()
	t.events.emit(Event{Type: EventError, Err: err})
	t.events.emit(Event{Type: EventStatus, Status: StatusFailed})
}

func (t *Task) abortWith(err error) {
	t.mu.Lock()
	if t.status == StatusProcessing || t.status == StatusStreaming || t.status == StatusPending {
		t.status = StatusAborting
	}
	t.mu.Unlock()
	t.events.emit(Event{Type: EventStatus, Status: StatusAborting})
	t.events.emit(Event{Type: EventAbort, Err: err})

	t.mu.Lock()
	t.status = StatusFailed
	t.lastErr = err
	t.completedAt = time.Now()
	t.mu.Unlock()
	t.events.emit(Event{Type: EventStatus, Status: StatusFailed})
}

func (t *Task) own(child *Task) {
	t.mu.Lock()
	t.children = append(t.children, child)
	t.mu.Unlock()
}
