package stream

import (
	"strings"
)

// Accumulator concatenates text-delta chunks per port so that a stream's
// finish payload can be enriched with the assembled strings. Accumulation
// happens once at the producer; downstream consumers never re-assemble
// tokens.
//
// An Accumulator is not safe for concurrent use; each runner owns one.
type Accumulator struct {
	builders map[string]*strings.Builder
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{builders: make(map[string]*strings.Builder)}
}

// Fold records the event when it is a text delta; other kinds are ignored.
func (a *Accumulator) Fold(ev Event) {
	if ev.Kind != KindTextDelta {
		return
	}
	b, ok := a.builders[ev.Port]
	if !ok {
		b = &strings.Builder{}
		a.builders[ev.Port] = b
	}
	b.WriteString(ev.Text)
}

// Text returns the accumulated string for a port.
func (a *Accumulator) Text(port string) string {
	if b, ok := a.builders[port]; ok {
		return b.String()
	}
	return ""
}

// Empty reports whether no chunks were recorded.
func (a *Accumulator) Empty() bool {
	return len(a.builders) == 0
}

// Reset discards all accumulated text, as on abort.
func (a *Accumulator) Reset() {
	a.builders = make(map[string]*strings.Builder)
}

// EnrichFinish merges the accumulated strings into a copy of the finish
// payload. Accumulated ports win over values already present because the
// assembled stream is authoritative for append-mode ports.
func (a *Accumulator) EnrichFinish(data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+len(a.builders))
	for k, v := range data {
		out[k] = v
	}
	for port, b := range a.builders {
		out[port] = b.String()
	}
	return out
}
