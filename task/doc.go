// Package task implements the task model and the per-task runner.
//
// A Task binds an identity, a Definition (schemas plus execution flags)
// and a behaviour implementing Executor, StreamExecutor or both, with
// ReactiveExecutor as an optional preview hook. Runtime state (status,
// progress, input and output snapshots, timing, last error) lives on the
// task and is mutated exclusively by its Runner.
//
// The Runner drives one run end to end: it applies user overrides,
// validates the input against the compiled schema, resolves handle IDs
// through the service registry, consults the output cache, dispatches to
// the streaming or atomic path, accumulates text deltas when the graph
// scheduler asks for it, and saves cacheable results. Each run exposes a
// live event stream whose single terminal event carries the final output.
//
// Every task owns an event bus with the topics start, status, progress,
// stream_start, stream_chunk, stream_end, complete, error, abort,
// disabled and schemaChange. Listeners on one task observe events in
// dispatch order.
package task
