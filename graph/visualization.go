package graph

import (
	"fmt"
	"strings"
)

// Exporter renders a graph's topology for documentation and debugging.
type Exporter struct {
	graph *Graph
}

// NewExporter creates an exporter for the graph.
func NewExporter(g *Graph) *Exporter {
	return &Exporter{graph: g}
}

// MermaidOptions configures Mermaid diagram generation.
type MermaidOptions struct {
	// Direction of the flowchart, e.g. "TD" or "LR"
	Direction string
	// ShowPorts labels edges with their source and target ports
	ShowPorts bool
}

// DrawMermaid generates a Mermaid flowchart of the graph, top-down with
// port labels.
func (e *Exporter) DrawMermaid() string {
	return e.DrawMermaidWithOptions(MermaidOptions{Direction: "TD", ShowPorts: true})
}

// DrawMermaidWithOptions generates a Mermaid flowchart with options.
// Sources are highlighted green and sinks red, matching how the
// scheduler treats them as graph inputs and outputs.
func (e *Exporter) DrawMermaidWithOptions(opts MermaidOptions) string {
	var sb strings.Builder

	direction := opts.Direction
	if direction == "" {
		direction = "TD"
	}
	sb.WriteString(fmt.Sprintf("flowchart %s\n", direction))

	for _, t := range e.graph.Tasks() {
		label := t.ID()
		if t.Title() != "" {
			label = t.Title()
		}
		sb.WriteString(fmt.Sprintf("    %s[\"%s\"]\n", t.ID(), label))
	}

	for _, d := range e.graph.Dataflows() {
		if opts.ShowPorts {
			sb.WriteString(fmt.Sprintf("    %s -->|\"%s → %s\"| %s\n",
				d.SourceTaskID, d.SourceTaskPortID, d.TargetTaskPortID, d.TargetTaskID))
		} else {
			sb.WriteString(fmt.Sprintf("    %s --> %s\n", d.SourceTaskID, d.TargetTaskID))
		}
	}

	for _, t := range e.graph.Sources() {
		sb.WriteString(fmt.Sprintf("    style %s fill:#90EE90\n", t.ID()))
	}
	for _, t := range e.graph.Sinks() {
		sb.WriteString(fmt.Sprintf("    style %s fill:#FFB6C1\n", t.ID()))
	}

	return sb.String()
}

// DrawDOT generates a Graphviz DOT rendering of the graph. Edge labels
// carry the port pair; compound tasks render as boxes with their type.
func (e *Exporter) DrawDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph taskgraph {\n")
	sb.WriteString("    rankdir=TB;\n")
	sb.WriteString("    node [shape=box, style=rounded];\n\n")

	for _, t := range e.graph.Tasks() {
		label := t.ID()
		if t.Title() != "" {
			label = t.Title()
		}
		shape := ""
		if _, ok := t.Behaviour().(*CompoundBehaviour); ok {
			shape = ", peripheries=2"
		}
		sb.WriteString(fmt.Sprintf("    %q [label=\"%s\\n(%s)\"%s];\n", t.ID(), label, t.Type(), shape))
	}
	sb.WriteString("\n")

	for _, d := range e.graph.Dataflows() {
		sb.WriteString(fmt.Sprintf("    %q -> %q [label=\"%s → %s\"];\n",
			d.SourceTaskID, d.TargetTaskID, d.SourceTaskPortID, d.TargetTaskPortID))
	}

	sb.WriteString("}\n")
	return sb.String()
}
