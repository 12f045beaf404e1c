package stream

import (
	"errors"
	"io"
	"sync"
)

// ErrBackpressure is surfaced when a tee branch stalls past its bound and
// the producer can no longer make progress.
var ErrBackpressure = errors.New("stream: backpressure overflow")

// ErrTruncated is returned by Drain when a stream closes without a
// terminal event.
var ErrTruncated = errors.New("stream: closed without terminal event")

// pipe is the shared state between a Reader and a Writer.
type pipe struct {
	ch        chan Event
	done      chan struct{} // closed when the reader gives up
	closeOnce sync.Once
	doneOnce  sync.Once
}

// Reader is the consuming end of an event stream. Recv returns events in
// emission order and io.EOF once the stream is exhausted. Close releases
// the producer early; a closed reader only ever returns io.EOF.
type Reader struct {
	p *pipe
}

// Writer is the producing end of an event stream. A stream has a single
// producer; Send reports whether the consumer has gone away so producers
// can stop early.
type Writer struct {
	p *pipe
}

// Pipe creates a bounded single-producer stream. The capacity bounds how
// far the producer may run ahead of the consumer; zero capacity yields a
// rendezvous channel.
func Pipe(capacity int) (*Reader, *Writer) {
	if capacity < 0 {
		capacity = 0
	}
	p := &pipe{
		ch:   make(chan Event, capacity),
		done: make(chan struct{}),
	}
	return &Reader{p: p}, &Writer{p: p}
}

// Send delivers an event to the consumer, blocking when the buffer is
// full. It returns true when the consumer has closed its end; producers
// should stop emitting once that happens.
func (w *Writer) Send(ev Event) (closed bool) {
	select {
	case <-w.p.done:
		return true
	default:
	}
	select {
	case w.p.ch <- ev:
		return false
	case <-w.p.done:
		return true
	}
}

// Close marks the end of the stream. It is safe to call more than once.
func (w *Writer) Close() {
	w.p.closeOnce.Do(func() { close(w.p.ch) })
}

// Recv returns the next event in emission order. It returns io.EOF when
// the producer has closed the stream and all events were consumed, or
// when the reader itself was closed.
func (r *Reader) Recv() (Event, error) {
	select {
	case <-r.p.done:
		return Event{}, io.EOF
	default:
	}
	select {
	case ev, ok := <-r.p.ch:
		if !ok {
			return Event{}, io.EOF
		}
		return ev, nil
	case <-r.p.done:
		return Event{}, io.EOF
	}
}

// Close releases the producer without draining the remaining events.
// Producers observe the closure through Send's return value.
func (r *Reader) Close() {
	r.p.doneOnce.Do(func() { close(r.p.done) })
}

// FromEvents creates a replay stream that yields the given events and then
// ends. Used to satisfy streaming contracts from cached outputs.
func FromEvents(events ...Event) *Reader {
	r, w := Pipe(len(events))
	for _, ev := range events {
		w.Send(ev)
	}
	w.Close()
	return r
}

// Drain consumes the stream to its terminal event and returns the finish
// payload. An error event yields its error; a stream that closes without
// a terminal event yields ErrTruncated.
func Drain(r *Reader) (map[string]any, error) {
	for {
		ev, err := r.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrTruncated
			}
			return nil, err
		}
		switch ev.Kind {
		case KindFinish:
			return ev.Data, nil
		case KindError:
			return nil, ev.Err
		}
	}
}
