// Taskweave - Streaming Task-Graph Workflows in Go
//
// Taskweave is a workflow engine built around directed acyclic graphs of
// typed tasks. Tasks declare JSON-schema ports, stream partial output as
// text deltas while they run, and hand results downstream the moment a
// consumer can use them. The same repository abstraction that caches
// task outputs also backs durable job queues with a retry taxonomy,
// sliding-window rate limiting and worker pools.
//
// # Quick Start
//
// Install the package:
//
//	go get github.com/taskweave/taskweave
//
// Basic example:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//
//		"github.com/taskweave/taskweave/graph"
//		"github.com/taskweave/taskweave/schema"
//		"github.com/taskweave/taskweave/task"
//		"github.com/taskweave/taskweave/tasks"
//	)
//
//	func main() {
//		number := schema.Object(map[string]*schema.Schema{"value": schema.Number()})
//
//		double, _ := tasks.NewLambda("double", tasks.LambdaOptions{
//			Input: number, Output: number,
//			Fn: func(_ *task.Context, in map[string]any) (map[string]any, error) {
//				v, _ := in["value"].(float64)
//				return map[string]any{"value": v * 2}, nil
//			},
//		})
//		inc, _ := tasks.NewLambda("inc", tasks.LambdaOptions{
//			Input: number, Output: number,
//			Fn: func(_ *task.Context, in map[string]any) (map[string]any, error) {
//				v, _ := in["value"].(float64)
//				return map[string]any{"value": v + 1}, nil
//			},
//		})
//
//		g := graph.New()
//		g.AddTasks(double, inc)
//		g.Connect("double", "value", "inc", "value")
//
//		s := graph.NewScheduler(g, graph.Options{})
//		res, _ := s.Run(context.Background(), map[string]any{"value": 20.0})
//		fmt.Println(res.Output["value"]) // 41
//	}
//
// # Packages
//
//   - graph: DAG assembly, wavefront scheduling, compound tasks,
//     serialization and Mermaid/DOT rendering
//   - task: task lifecycle, the runner, events and the error taxonomy
//   - stream: bounded event pipes, tees and delta accumulation
//   - schema: typed ports and JSON-schema validation
//   - store: repository abstraction with memory, Redis, Postgres and
//     SQLite backends, plus a compressing output cache
//   - jobqueue: durable queues, retry classification, rate limiting,
//     workers and the stale-claim sweeper
//   - tasks: built-in leaf tasks (lambda, HTTP fetch)
//   - registry: service handles resolved at run time
//   - log: the logging facade
package taskweave
