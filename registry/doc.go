// Package registry provides the process-wide service registry.
//
// Long-lived services (model repositories, output caches, worker pools)
// are registered once during startup under strongly-typed keys, the
// registry is frozen before the first graph runs, and tasks receive it by
// reference through their execution context. Semantic-kind resolvers
// registered here turn abstract handle IDs found in task inputs into live
// objects just before execution.
package registry
