package stream

// Kind discriminates stream event variants.
type Kind string

const (
	// KindTextDelta carries a text chunk to concatenate onto a port
	KindTextDelta Kind = "text-delta"
	// KindObjectDelta carries an opaque incremental object update for a port
	KindObjectDelta Kind = "object-delta"
	// KindSnapshot replaces the task's current output snapshot
	KindSnapshot Kind = "snapshot"
	// KindFinish terminates the stream with the authoritative output
	KindFinish Kind = "finish"
	// KindError terminates the stream with a failure
	KindError Kind = "error"
)

// Event is the discriminated record emitted during streaming execution.
// Exactly one terminal event (finish or error) ends every stream.
type Event struct {
	// Kind selects the variant
	Kind Kind
	// Port names the output port for text-delta and object-delta events
	Port string
	// Text is the chunk payload of a text-delta event
	Text string
	// Patch is the incremental update payload of an object-delta event
	Patch map[string]any
	// Data is the payload of snapshot and finish events
	Data map[string]any
	// Err is the failure payload of an error event
	Err error
}

// TextDelta creates a text chunk event for the named port.
func TextDelta(port, text string) Event {
	return Event{Kind: KindTextDelta, Port: port, Text: text}
}

// ObjectDelta creates an incremental object update event for the named port.
func ObjectDelta(port string, patch map[string]any) Event {
	return Event{Kind: KindObjectDelta, Port: port, Patch: patch}
}

// Snapshot creates an event that replaces the current output snapshot.
func Snapshot(data map[string]any) Event {
	return Event{Kind: KindSnapshot, Data: data}
}

// Finish creates the successful terminal event. The data may be partial
// when append-mode ports are enriched from an accumulator.
func Finish(data map[string]any) Event {
	return Event{Kind: KindFinish, Data: data}
}

// Fail creates the failing terminal event.
func Fail(err error) Event {
	return Event{Kind: KindError, Err: err}
}

// Terminal reports whether the event ends its stream.
func (e Event) Terminal() bool {
	return e.Kind == KindFinish || e.Kind == KindError
}
