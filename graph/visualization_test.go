package graph

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exportGraph(t *testing.T) *Graph {
	t.Helper()
	g := New()
	require.NoError(t, g.AddTasks(
		mathTask(t, "double", "value", func(v float64) float64 { return v * 2 }),
		mathTask(t, "square", "value", func(v float64) float64 { return v * v }),
	))
	g.Task("double").SetTitle("Double it")
	require.NoError(t, g.Connect("double", "value", "square", "value"))
	return g
}

func TestDrawMermaid(t *testing.T) {
	out := NewExporter(exportGraph(t)).DrawMermaid()

	assert.True(t, strings.HasPrefix(out, "flowchart TD\n"))
	assert.Contains(t, out, `double["Double it"]`)
	assert.Contains(t, out, `square["square"]`)
	assert.Contains(t, out, `double -->|"value → value"| square`)
	assert.Contains(t, out, "style double fill:#90EE90")
	assert.Contains(t, out, "style square fill:#FFB6C1")
}

func TestDrawMermaidWithoutPorts(t *testing.T) {
	out := NewExporter(exportGraph(t)).DrawMermaidWithOptions(MermaidOptions{Direction: "LR"})

	assert.True(t, strings.HasPrefix(out, "flowchart LR\n"))
	assert.Contains(t, out, "double --> square")
	assert.NotContains(t, out, "value → value")
}

func TestDrawDOT(t *testing.T) {
	g := exportGraph(t)
	compound, err := NewCompound("inner", innerPipeline(t), CompoundOptions{})
	require.NoError(t, err)
	require.NoError(t, g.AddTask(compound))

	out := NewExporter(g).DrawDOT()

	assert.True(t, strings.HasPrefix(out, "digraph taskgraph {\n"))
	assert.Contains(t, out, `"double" [label="Double it\n(Math)"]`)
	assert.Contains(t, out, `"inner" [label="inner\n(Compound)", peripheries=2]`)
	assert.Contains(t, out, `"double" -> "square" [label="value → value"]`)
	assert.Contains(t, out, "}\n")
}
