// Package store defines the tabular key/value repository consumed by the
// execution engine, together with the pieces built on top of it: the
// cached repository wrapper, deterministic input fingerprints, and the
// task-output cache.
//
// A Repository stores rows (flat maps) in a table whose shape is declared
// by a TableSpec. Lookups address rows by their key fields; Search
// evaluates a conjunction of field predicates. Change subscriptions poll
// the backing source and diff snapshots, delivering callbacks serialised
// per subscriber.
//
// Backends live in sub-packages: store/memory, store/file, store/sqlite,
// store/postgres and store/redis. Cached composes a volatile front with a
// durable back.
package store
