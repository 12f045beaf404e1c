// Package stream implements the event streams produced by streaming tasks.
//
// A stream is a bounded single-producer channel of Events created with
// Pipe. Producers write through a Writer; the consumer reads through a
// Reader in emission order. Exactly one terminal event (finish or error)
// ends every stream, and text-delta events are only valid for ports with
// append streaming mode.
//
// Fan-out uses Tee: each branch observes the full event sequence in order,
// bounded by a per-branch buffer. When a branch stalls past the configured
// timeout the whole tee is poisoned with ErrBackpressure, which the runner
// surfaces as the producer's fatal error.
//
// Accumulator assembles per-port text from deltas so the producer can emit
// a single enriched finish; FromEvents replays recorded events to satisfy
// streaming contracts on cache hits.
package stream
