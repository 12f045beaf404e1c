package graph

import (
	"sort"

	"github.com/taskweave/taskweave/task"
)

// MergeStrategy selects how sink outputs combine into one graph output.
type MergeStrategy string

const (
	// MergePropertyArray collects each port's values across sinks in
	// topological order, unwrapping to the scalar when only one sink
	// produced the port. This is the default.
	MergePropertyArray MergeStrategy = "PROPERTY_ARRAY"
	// MergeLastWins keeps the topologically last sink's value per port
	MergeLastWins MergeStrategy = "LAST_WINS"
	// MergeNamedTable keys each sink's whole output by its task ID
	MergeNamedTable MergeStrategy = "NAMED_TABLE"
)

// Valid reports whether the tag names a known strategy.
func (m MergeStrategy) Valid() bool {
	switch m {
	case MergePropertyArray, MergeLastWins, MergeNamedTable:
		return true
	}
	return false
}

// Merge combines the outputs of completed sink tasks, given in
// topological order, per the strategy. Unknown tags fall back to
// property-array.
func Merge(strategy MergeStrategy, sinks []*task.Task) map[string]any {
	switch strategy {
	case MergeLastWins:
		out := make(map[string]any)
		for _, t := range sinks {
			for port, v := range t.Output() {
				out[port] = v
			}
		}
		return out
	case MergeNamedTable:
		out := make(map[string]any, len(sinks))
		for _, t := range sinks {
			out[t.ID()] = t.Output()
		}
		return out
	default:
		return mergePropertyArray(sinks)
	}
}

func mergePropertyArray(sinks []*task.Task) map[string]any {
	collected := make(map[string][]any)
	var order []string
	for _, t := range sinks {
		output := t.Output()
		// Ports in the sink's declared order keep the merge stable; any
		// undeclared extras follow sorted.
		seen := make(map[string]bool)
		for _, port := range t.OutputSchema().PortNames() {
			if v, ok := output[port]; ok {
				if _, exists := collected[port]; !exists {
					order = append(order, port)
				}
				collected[port] = append(collected[port], v)
				seen[port] = true
			}
		}
		var extras []string
		for port := range output {
			if !seen[port] {
				extras = append(extras, port)
			}
		}
		sort.Strings(extras)
		for _, port := range extras {
			if _, exists := collected[port]; !exists {
				order = append(order, port)
			}
			collected[port] = append(collected[port], output[port])
		}
	}
	out := make(map[string]any, len(order))
	for _, port := range order {
		values := collected[port]
		if len(values) == 1 {
			out[port] = values[0]
		} else {
			out[port] = values
		}
	}
	return out
}
