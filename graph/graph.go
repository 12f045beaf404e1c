package graph

import (
	"fmt"

	"github.com/taskweave/taskweave/schema"
	"github.com/taskweave/taskweave/task"
)

// AllPorts is the distinguished port id meaning "forward every matching
// name" on either end of a dataflow.
const AllPorts = "*"

// Dataflow is a directed connection from a source task port to a target
// task port. With a specific source port the edge carries that port's
// value; with AllPorts it carries the whole payload.
type Dataflow struct {
	// SourceTaskID is the producing task
	SourceTaskID string `json:"sourceTaskId"`
	// SourceTaskPortID is the producing port, or AllPorts
	SourceTaskPortID string `json:"sourceTaskPortId"`
	// TargetTaskID is the consuming task
	TargetTaskID string `json:"targetTaskId"`
	// TargetTaskPortID is the consuming port, or AllPorts
	TargetTaskPortID string `json:"targetTaskPortId"`
}

// String renders the edge for diagnostics.
func (d Dataflow) String() string {
	return fmt.Sprintf("%s.%s -> %s.%s",
		d.SourceTaskID, d.SourceTaskPortID, d.TargetTaskID, d.TargetTaskPortID)
}

// Graph is an ordered set of tasks plus dataflow edges forming a DAG.
// Mutations enforce the structural invariants: unique task IDs, edges
// referencing live tasks, a single edge per port pair, no cycles. A
// Graph is not safe for concurrent mutation; build it, then run it.
type Graph struct {
	order     []string
	tasks     map[string]*task.Task
	dataflows []Dataflow
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{tasks: make(map[string]*task.Task)}
}

// AddTask inserts a task; its ID must be unique within the graph.
func (g *Graph) AddTask(t *task.Task) error {
	if t == nil {
		return &task.ConfigurationError{Reason: "cannot add a nil task"}
	}
	if _, exists := g.tasks[t.ID()]; exists {
		return &task.ConfigurationError{Reason: fmt.Sprintf("duplicate task id %q", t.ID())}
	}
	g.tasks[t.ID()] = t
	g.order = append(g.order, t.ID())
	return nil
}

// AddTasks inserts several tasks, stopping at the first failure.
func (g *Graph) AddTasks(tasks ...*task.Task) error {
	for _, t := range tasks {
		if err := g.AddTask(t); err != nil {
			return err
		}
	}
	return nil
}

// Task returns the task with the given ID, or nil.
func (g *Graph) Task(id string) *task.Task {
	return g.tasks[id]
}

// Tasks returns the tasks in insertion order.
func (g *Graph) Tasks() []*task.Task {
	out := make([]*task.Task, len(g.order))
	for i, id := range g.order {
		out[i] = g.tasks[id]
	}
	return out
}

// Dataflows returns the edges in declaration order.
func (g *Graph) Dataflows() []Dataflow {
	return append([]Dataflow(nil), g.dataflows...)
}

// Connect adds the edge (src.srcPort) -> (tgt.tgtPort).
func (g *Graph) Connect(srcTask, srcPort, tgtTask, tgtPort string) error {
	return g.AddDataflow(Dataflow{
		SourceTaskID:     srcTask,
		SourceTaskPortID: srcPort,
		TargetTaskID:     tgtTask,
		TargetTaskPortID: tgtPort,
	})
}

// AddDataflow adds an edge after checking the structural invariants:
// both endpoints exist, the port pair is not already connected, the port
// schemas are compatible, and the edge creates no cycle.
func (g *Graph) AddDataflow(d Dataflow) error {
	src, ok := g.tasks[d.SourceTaskID]
	if !ok {
		return &task.ConfigurationError{Reason: fmt.Sprintf("dataflow %s: unknown source task", d)}
	}
	tgt, ok := g.tasks[d.TargetTaskID]
	if !ok {
		return &task.ConfigurationError{Reason: fmt.Sprintf("dataflow %s: unknown target task", d)}
	}
	if d.SourceTaskID == d.TargetTaskID {
		return &task.ConfigurationError{Reason: fmt.Sprintf("dataflow %s: self edge", d)}
	}
	for _, existing := range g.dataflows {
		if existing == d {
			return &task.ConfigurationError{Reason: fmt.Sprintf("dataflow %s already exists", d)}
		}
	}
	if err := checkPorts(src, tgt, d); err != nil {
		return err
	}
	g.dataflows = append(g.dataflows, d)
	if _, err := g.TopoOrder(); err != nil {
		g.dataflows = g.dataflows[:len(g.dataflows)-1]
		return err
	}
	return nil
}

// checkPorts validates that the named ports exist and are compatible.
// AllPorts endpoints defer checking to runtime merge rules.
func checkPorts(src, tgt *task.Task, d Dataflow) error {
	if d.SourceTaskPortID == AllPorts || d.TargetTaskPortID == AllPorts {
		return nil
	}
	srcPort := src.OutputSchema().Port(d.SourceTaskPortID)
	if srcPort == nil {
		return &task.ConfigurationError{
			Reason: fmt.Sprintf("dataflow %s: task %s has no output port %q", d, src.ID(), d.SourceTaskPortID),
		}
	}
	tgtPort := tgt.InputSchema().Port(d.TargetTaskPortID)
	if tgtPort == nil {
		if tgt.InputSchema().HasPort(d.TargetTaskPortID) {
			// Accepted through additionalProperties; no schema to check.
			return nil
		}
		return &task.ConfigurationError{
			Reason: fmt.Sprintf("dataflow %s: task %s has no input port %q", d, tgt.ID(), d.TargetTaskPortID),
		}
	}
	if !schema.Compatible(srcPort, tgtPort) {
		return &task.ConfigurationError{
			Reason: fmt.Sprintf("dataflow %s: port schemas are not compatible", d),
		}
	}
	return nil
}

// In returns the edges landing on the task, in declaration order.
func (g *Graph) In(taskID string) []Dataflow {
	var out []Dataflow
	for _, d := range g.dataflows {
		if d.TargetTaskID == taskID {
			out = append(out, d)
		}
	}
	return out
}

// Out returns the edges leaving the task, in declaration order.
func (g *Graph) Out(taskID string) []Dataflow {
	var out []Dataflow
	for _, d := range g.dataflows {
		if d.SourceTaskID == taskID {
			out = append(out, d)
		}
	}
	return out
}

// Sources returns tasks with no incoming edges, in insertion order.
func (g *Graph) Sources() []*task.Task {
	var out []*task.Task
	for _, id := range g.order {
		if len(g.In(id)) == 0 {
			out = append(out, g.tasks[id])
		}
	}
	return out
}

// Sinks returns tasks with no outgoing edges, in insertion order.
func (g *Graph) Sinks() []*task.Task {
	var out []*task.Task
	for _, id := range g.order {
		if len(g.Out(id)) == 0 {
			out = append(out, g.tasks[id])
		}
	}
	return out
}

// TopoOrder returns the task IDs in a topological order via Kahn's
// algorithm, breaking ties by insertion order. A remaining cycle is a
// configuration error naming the tasks involved.
func (g *Graph) TopoOrder() ([]string, error) {
	indegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		indegree[id] = 0
	}
	for _, d := range g.dataflows {
		indegree[d.TargetTaskID]++
	}

	var ready []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	var order []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, d := range g.Out(id) {
			indegree[d.TargetTaskID]--
			if indegree[d.TargetTaskID] == 0 {
				ready = append(ready, d.TargetTaskID)
			}
		}
	}

	if len(order) != len(g.order) {
		var cyclic []string
		for _, id := range g.order {
			if indegree[id] > 0 {
				cyclic = append(cyclic, id)
			}
		}
		return nil, &task.ConfigurationError{
			Reason: fmt.Sprintf("graph contains a cycle through %v", cyclic),
		}
	}
	return order, nil
}

// ResetTasks prepares every task for another run: defaults restored,
// status back to pending. Disabled tasks stay disabled.
func (g *Graph) ResetTasks() error {
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status() == task.StatusDisabled {
			continue
		}
		if err := t.Reset(); err != nil {
			return err
		}
	}
	return nil
}
