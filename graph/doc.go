// Package graph holds the task DAG and the scheduler that executes it.
//
// A Graph is an ordered set of tasks plus dataflow edges. The Scheduler
// advances the graph as a parallel wavefront: tasks whose producers have
// all terminated run concurrently, streaming producers are teed to their
// eager consumers, and sink outputs merge into a single result per the
// graph's merge strategy. CompoundTask wraps a whole graph behind the
// task interface so graphs nest.
//
// Graphs serialise to a JSON form of tasks and dataflows; see Serialize
// and Deserialize. Mermaid and DOT exporters render the topology for
// docs and debugging.
package graph
