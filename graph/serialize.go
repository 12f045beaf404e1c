package graph

import (
	"encoding/json"
	"fmt"

	"github.com/taskweave/taskweave/schema"
	"github.com/taskweave/taskweave/task"
)

// TaskJSON is the wire form of one task in a serialised graph.
type TaskJSON struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Title        string         `json:"title,omitempty"`
	Defaults     map[string]any `json:"defaults,omitempty"`
	InputSchema  *schema.Schema `json:"inputSchema,omitempty"`
	OutputSchema *schema.Schema `json:"outputSchema,omitempty"`
	Extras       map[string]any `json:"extras,omitempty"`
	Subgraph     *GraphJSON     `json:"subgraph,omitempty"`
	Merge        MergeStrategy  `json:"merge,omitempty"`
}

// GraphJSON is the wire form of a graph: tasks plus dataflows. Compound
// tasks recurse through their Subgraph field.
type GraphJSON struct {
	Tasks     []TaskJSON `json:"tasks"`
	Dataflows []Dataflow `json:"dataflows"`
}

// Serialize renders the graph's wire form. Tasks appear in insertion
// order and edges in declaration order, so serialisation is stable.
func Serialize(g *Graph) (*GraphJSON, error) {
	out := &GraphJSON{Dataflows: g.Dataflows()}
	if out.Dataflows == nil {
		out.Dataflows = []Dataflow{}
	}
	for _, t := range g.Tasks() {
		tj := TaskJSON{
			ID:       t.ID(),
			Type:     t.Type(),
			Title:    t.Title(),
			Defaults: t.Defaults(),
			Extras:   t.Extras(),
		}
		if cb, ok := t.Behaviour().(*CompoundBehaviour); ok {
			sub, err := Serialize(cb.Graph())
			if err != nil {
				return nil, err
			}
			tj.Subgraph = sub
			tj.Merge = cb.Merge()
			// Explicit schema overrides survive the round trip; derived
			// schemas are rebuilt from the subgraph instead.
			tj.InputSchema = cb.opts.Input
			tj.OutputSchema = cb.opts.Output
		} else if t.Definition().DynamicSchemas {
			tj.InputSchema = t.InputSchema()
			tj.OutputSchema = t.OutputSchema()
		}
		out.Tasks = append(out.Tasks, tj)
	}
	return out, nil
}

// MarshalGraph renders the graph as JSON.
func MarshalGraph(g *Graph) ([]byte, error) {
	wire, err := Serialize(g)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire)
}

// Deserialize rebuilds a graph from its wire form. Leaf task types are
// created through the registry; tasks carrying a subgraph become
// compound tasks recursively.
func Deserialize(reg *task.TypeRegistry, wire *GraphJSON) (*Graph, error) {
	g := New()
	for _, tj := range wire.Tasks {
		t, err := buildTask(reg, tj)
		if err != nil {
			return nil, err
		}
		if tj.Title != "" {
			t.SetTitle(tj.Title)
		}
		if tj.Extras != nil {
			t.SetExtras(tj.Extras)
		}
		if err := g.AddTask(t); err != nil {
			return nil, err
		}
	}
	for _, d := range wire.Dataflows {
		if err := g.AddDataflow(d); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// UnmarshalGraph parses JSON produced by MarshalGraph.
func UnmarshalGraph(reg *task.TypeRegistry, data []byte) (*Graph, error) {
	var wire GraphJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("graph: parse wire form: %w", err)
	}
	return Deserialize(reg, &wire)
}

func buildTask(reg *task.TypeRegistry, tj TaskJSON) (*task.Task, error) {
	if tj.Subgraph != nil {
		sub, err := Deserialize(reg, tj.Subgraph)
		if err != nil {
			return nil, err
		}
		return NewCompound(tj.ID, sub, CompoundOptions{
			Merge:    tj.Merge,
			Defaults: tj.Defaults,
			Input:    tj.InputSchema,
			Output:   tj.OutputSchema,
		})
	}
	t, err := reg.Create(tj.Type, tj.ID, tj.Defaults)
	if err != nil {
		return nil, err
	}
	if (tj.InputSchema != nil || tj.OutputSchema != nil) && t.Definition().DynamicSchemas {
		input := tj.InputSchema
		if input == nil {
			input = t.InputSchema()
		}
		output := tj.OutputSchema
		if output == nil {
			output = t.OutputSchema()
		}
		if err := t.SetSchemas(input, output); err != nil {
			return nil, err
		}
	}
	return t, nil
}
