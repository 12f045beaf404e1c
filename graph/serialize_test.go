package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskweave/taskweave/schema"
	"github.com/taskweave/taskweave/task"
)

func testTypes(t *testing.T) *task.TypeRegistry {
	t.Helper()
	reg := task.NewTypeRegistry()
	require.NoError(t, reg.Register("Inc", func(id string, defaults map[string]any) (*task.Task, error) {
		return task.New(id, task.Definition{
			Type:   "Inc",
			Input:  schema.Object(map[string]*schema.Schema{"value": schema.Number()}),
			Output: schema.Object(map[string]*schema.Schema{"value": schema.Number()}),
		}, fn2exec("value", func(v float64) float64 { return v + 1 }), defaults)
	}))
	require.NoError(t, reg.Register("Shape", func(id string, defaults map[string]any) (*task.Task, error) {
		return task.New(id, task.Definition{
			Type:           "Shape",
			DynamicSchemas: true,
			Input:          schema.Object(nil),
			Output:         schema.Object(nil),
		}, echoExec{}, defaults)
	}))
	return reg
}

func TestGraphRoundTrip(t *testing.T) {
	g := New()
	reg := testTypes(t)

	first, err := reg.Create("Inc", "first", map[string]any{"value": 1.0})
	require.NoError(t, err)
	first.SetTitle("First step")
	first.SetExtras(map[string]any{"x": 10.0, "y": 20.0})
	second, err := reg.Create("Inc", "second", nil)
	require.NoError(t, err)

	require.NoError(t, g.AddTasks(first, second))
	require.NoError(t, g.Connect("first", "value", "second", "value"))

	data, err := MarshalGraph(g)
	require.NoError(t, err)

	restored, err := UnmarshalGraph(reg, data)
	require.NoError(t, err)

	require.Len(t, restored.Tasks(), 2)
	rf := restored.Task("first")
	require.NotNil(t, rf)
	assert.Equal(t, "Inc", rf.Type())
	assert.Equal(t, "First step", rf.Title())
	assert.Equal(t, map[string]any{"x": 10.0, "y": 20.0}, rf.Extras())
	assert.Equal(t, g.Dataflows(), restored.Dataflows())

	// Semantics survive too, not just shape.
	s := NewScheduler(restored, Options{})
	res, err := s.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3.0, res.Output["value"])
}

func TestRoundTripRejectsUnknownType(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTask(numberTask(t, "mystery")))

	data, err := MarshalGraph(g)
	require.NoError(t, err)

	_, err = UnmarshalGraph(testTypes(t), data)
	assert.Error(t, err)
}

func TestCompoundRoundTrip(t *testing.T) {
	reg := testTypes(t)

	inner := New()
	a, err := reg.Create("Inc", "a", nil)
	require.NoError(t, err)
	b, err := reg.Create("Inc", "b", nil)
	require.NoError(t, err)
	require.NoError(t, inner.AddTasks(a, b))
	require.NoError(t, inner.Connect("a", "value", "b", "value"))

	compound, err := NewCompound("pair", inner, CompoundOptions{Merge: MergeNamedTable})
	require.NoError(t, err)

	outer := New()
	require.NoError(t, outer.AddTask(compound))

	data, err := MarshalGraph(outer)
	require.NoError(t, err)

	restored, err := UnmarshalGraph(reg, data)
	require.NoError(t, err)

	rt := restored.Task("pair")
	require.NotNil(t, rt)
	cb, ok := rt.Behaviour().(*CompoundBehaviour)
	require.True(t, ok)
	assert.Equal(t, MergeNamedTable, cb.Merge())
	require.Len(t, cb.Graph().Tasks(), 2)
	assert.Len(t, cb.Graph().Dataflows(), 1)

	s := NewScheduler(restored, Options{})
	res, err := s.Run(context.Background(), map[string]any{"value": 0.0})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": 2.0}, res.Output["b"])
}

func TestDynamicSchemaSurvivesRoundTrip(t *testing.T) {
	reg := testTypes(t)

	shape, err := reg.Create("Shape", "shape", nil)
	require.NoError(t, err)
	custom := schema.Object(map[string]*schema.Schema{"text": schema.String()})
	require.NoError(t, shape.SetSchemas(custom, custom))

	g := New()
	require.NoError(t, g.AddTask(shape))

	data, err := MarshalGraph(g)
	require.NoError(t, err)

	restored, err := UnmarshalGraph(reg, data)
	require.NoError(t, err)

	rs := restored.Task("shape")
	require.NotNil(t, rs)
	assert.True(t, rs.InputSchema().HasPort("text"))
	assert.Equal(t, schema.TypeString, rs.InputSchema().Port("text").Type)
}

func TestSerializeStableOrder(t *testing.T) {
	g := New()
	reg := testTypes(t)
	for _, id := range []string{"z", "m", "a"} {
		tk, err := reg.Create("Inc", id, nil)
		require.NoError(t, err)
		require.NoError(t, g.AddTask(tk))
	}

	wire, err := Serialize(g)
	require.NoError(t, err)
	require.Len(t, wire.Tasks, 3)
	assert.Equal(t, "z", wire.Tasks[0].ID)
	assert.Equal(t, "m", wire.Tasks[1].ID)
	assert.Equal(t, "a", wire.Tasks[2].ID)

	first, err := MarshalGraph(g)
	require.NoError(t, err)
	second, err := MarshalGraph(g)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
