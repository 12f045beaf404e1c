package graph

import (
	"github.com/taskweave/taskweave/schema"
	"github.com/taskweave/taskweave/task"
)

// CompoundType is the registered type name of graph-as-task instances.
const CompoundType = "Compound"

// CompoundOptions configures a compound task.
type CompoundOptions struct {
	// Merge selects how the subgraph's sink outputs combine
	Merge MergeStrategy
	// Defaults are instance default input values
	Defaults map[string]any
	// Input overrides the schema derived from the subgraph's sources
	Input *schema.Schema
	// Output overrides the schema derived from the subgraph's sinks
	Output *schema.Schema
	// Scheduler configures the child scheduler; its Services default to
	// the parent run's registry
	Scheduler Options
}

// CompoundBehaviour executes a whole graph behind the task interface.
// The child scheduler runs under the parent task's context, so aborting
// the parent cancels the subgraph.
type CompoundBehaviour struct {
	graph *Graph
	opts  CompoundOptions
}

// NewCompound wraps a graph as a task. Schemas not given explicitly are
// derived from the subgraph: the input ports of its sources and the
// output ports of its sinks. Because derivation tracks the subgraph, the
// task declares dynamic schemas.
func NewCompound(id string, g *Graph, opts CompoundOptions) (*task.Task, error) {
	if opts.Merge == "" {
		opts.Merge = MergePropertyArray
	}
	if !opts.Merge.Valid() {
		return nil, &task.ConfigurationError{Reason: "unknown merge strategy " + string(opts.Merge)}
	}
	input := opts.Input
	if input == nil {
		input = deriveInputSchema(g)
	}
	output := opts.Output
	if output == nil {
		output = deriveOutputSchema(g, opts.Merge)
	}
	def := task.Definition{
		Type:           CompoundType,
		Input:          input,
		Output:         output,
		DynamicSchemas: true,
	}
	behaviour := &CompoundBehaviour{graph: g, opts: opts}
	return task.New(id, def, behaviour, opts.Defaults)
}

// Graph returns the wrapped subgraph.
func (b *CompoundBehaviour) Graph() *Graph { return b.graph }

// Merge returns the configured merge strategy.
func (b *CompoundBehaviour) Merge() MergeStrategy { return b.opts.Merge }

// Execute runs the subgraph under the parent task's context and returns
// its merged output.
func (b *CompoundBehaviour) Execute(ctx *task.Context, input map[string]any) (map[string]any, error) {
	opts := b.opts.Scheduler
	if opts.Services == nil {
		opts.Services = ctx.Services()
	}
	opts.Merge = b.opts.Merge

	for _, child := range b.graph.Tasks() {
		ctx.Own(child)
	}

	sched := NewScheduler(b.graph, opts)
	res, err := sched.Run(ctx, input)
	if err != nil {
		return nil, err
	}
	return res.Output, nil
}

// deriveInputSchema unions the input ports of the subgraph's sources.
// The first source to declare a port wins on conflicts.
func deriveInputSchema(g *Graph) *schema.Schema {
	ports := make(map[string]*schema.Schema)
	additional := false
	for _, src := range g.Sources() {
		in := src.InputSchema()
		if in == nil {
			continue
		}
		if in.Any || in.AdditionalProperties {
			additional = true
		}
		for name, p := range in.Properties {
			if _, exists := ports[name]; !exists {
				ports[name] = p.Clone()
			}
		}
	}
	s := schema.Object(ports)
	s.AdditionalProperties = additional
	return s
}

// deriveOutputSchema unions the output ports of the subgraph's sinks.
// Under property-array merge a port produced by several sinks becomes an
// array of its element schema; under named-table the ports are the sink
// IDs.
func deriveOutputSchema(g *Graph, merge MergeStrategy) *schema.Schema {
	sinks := g.Sinks()
	if merge == MergeNamedTable {
		ports := make(map[string]*schema.Schema, len(sinks))
		for _, sink := range sinks {
			ports[sink.ID()] = sink.OutputSchema().Clone()
		}
		return schema.Object(ports)
	}

	producers := make(map[string]int)
	for _, sink := range sinks {
		for name := range sink.OutputSchema().Properties {
			producers[name]++
		}
	}
	ports := make(map[string]*schema.Schema)
	for _, sink := range sinks {
		for name, p := range sink.OutputSchema().Properties {
			if _, exists := ports[name]; exists {
				continue
			}
			if merge == MergePropertyArray && producers[name] > 1 {
				ports[name] = schema.Array(p.Clone())
			} else {
				ports[name] = p.Clone()
			}
		}
	}
	return schema.Object(ports)
}
