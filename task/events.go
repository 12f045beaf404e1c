package task

import (
	"sync"
	"time"

	"github.com/taskweave/taskweave/log"
	"github.com/taskweave/taskweave/stream"
)

// EventType identifies a topic on a task's event bus.
type EventType string

const (
	// EventStart fires when a run begins
	EventStart EventType = "start"
	// EventStatus fires on every lifecycle transition
	EventStatus EventType = "status"
	// EventProgress fires on rate-limited progress updates
	EventProgress EventType = "progress"
	// EventStreamStart fires when a stream opens
	EventStreamStart EventType = "stream_start"
	// EventStreamChunk fires for every stream event, including the finish
	EventStreamChunk EventType = "stream_chunk"
	// EventStreamEnd fires when a stream terminates
	EventStreamEnd EventType = "stream_end"
	// EventComplete fires with the final output of a successful run
	EventComplete EventType = "complete"
	// EventError fires when a run fails
	EventError EventType = "error"
	// EventAbort fires when a run is cancelled
	EventAbort EventType = "abort"
	// EventDisabled fires when the task is excluded from execution
	EventDisabled EventType = "disabled"
	// EventSchemaChange fires when a dynamic task replaces its schemas
	EventSchemaChange EventType = "schemaChange"
)

// Event is one notification on a task's bus.
type Event struct {
	// Time is when the event was dispatched
	Time time.Time
	// TaskID identifies the emitting task
	TaskID string
	// Type is the topic
	Type EventType
	// Status carries the new state for status events
	Status Status
	// Progress carries the percentage for progress events
	Progress float64
	// Message carries the optional progress message
	Message string
	// Chunk carries the stream event for stream_chunk topics
	Chunk *stream.Event
	// Output carries the final output for complete events
	Output map[string]any
	// Err carries the failure for error and abort events
	Err error
}

// Listener receives task events.
type Listener interface {
	OnTaskEvent(ev Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ev Event)

// OnTaskEvent implements Listener.
func (f ListenerFunc) OnTaskEvent(ev Event) { f(ev) }

// Events is a per-task event bus. Listeners on one task receive events in
// dispatch order; dispatch is serialised, so listeners must return
// promptly. Listener panics are recovered and logged.
type Events struct {
	taskID string

	mu        sync.RWMutex
	listeners map[int]Listener
	nextID    int

	dispatchMu sync.Mutex
}

func newEvents(taskID string) *Events {
	return &Events{
		taskID:    taskID,
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers a listener and returns its unsubscribe function.
func (e *Events) Subscribe(l Listener) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = l
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// SubscribeFunc registers a plain function as a listener.
func (e *Events) SubscribeFunc(fn func(ev Event)) func() {
	return e.Subscribe(ListenerFunc(fn))
}

// emit dispatches the event to every listener. Dispatch is serialised so
// listeners observe emits in order.
func (e *Events) emit(ev Event) {
	ev.Time = time.Now()
	ev.TaskID = e.taskID

	e.mu.RLock()
	snapshot := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		snapshot = append(snapshot, l)
	}
	e.mu.RUnlock()

	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()
	for _, l := range snapshot {
		dispatch(l, ev)
	}
}

func dispatch(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task %s: listener panicked on %s event: %v", ev.TaskID, ev.Type, r)
		}
	}()
	l.OnTaskEvent(ev)
}
