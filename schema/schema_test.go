package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaRoundTrip(t *testing.T) {
	in := Object(map[string]*Schema{
		"text":  String().WithStream(StreamAppend),
		"model": String().WithFormat("model:EmbeddingTask"),
		"items": Array(Number()).WithReplicate(),
	}, "text")
	in.Properties["text"].Default = "hi"

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Schema
	require.NoError(t, json.Unmarshal(data, &out))

	assert.Equal(t, TypeObject, out.Type)
	assert.Equal(t, []string{"text"}, out.Required)
	assert.Equal(t, StreamAppend, out.Properties["text"].Stream)
	assert.Equal(t, "hi", out.Properties["text"].Default)
	assert.Equal(t, "model:EmbeddingTask", out.Properties["model"].Format)
	assert.True(t, out.Properties["items"].Replicate)
	assert.Equal(t, TypeNumber, out.Properties["items"].Items.Type)
}

func TestSchemaWildcardRoundTrip(t *testing.T) {
	data, err := json.Marshal(Wildcard())
	require.NoError(t, err)
	assert.Equal(t, "true", string(data))

	var out Schema
	require.NoError(t, json.Unmarshal([]byte("true"), &out))
	assert.True(t, out.Any)

	var rejected Schema
	assert.Error(t, json.Unmarshal([]byte("false"), &rejected))
}

func TestSchemaUnknownStreamMode(t *testing.T) {
	var s Schema
	err := json.Unmarshal([]byte(`{"type":"string","x-stream":"prepend"}`), &s)
	assert.Error(t, err)
}

func TestSchemaPortHelpers(t *testing.T) {
	s := Object(map[string]*Schema{
		"text":  String().WithStream(StreamAppend),
		"count": Number(),
	})

	assert.NotNil(t, s.Port("text"))
	assert.Nil(t, s.Port("missing"))
	assert.True(t, s.HasPort("count"))
	assert.False(t, s.HasPort("missing"))
	assert.Equal(t, []string{"count", "text"}, s.PortNames())
	assert.True(t, s.HasStreamingPort())
	assert.False(t, s.Port("count").Streams())

	open := Object(nil).WithAdditional()
	assert.True(t, open.HasPort("anything"))

	wild := Wildcard()
	assert.True(t, wild.HasPort("anything"))
	assert.True(t, wild.Port("anything").Any)
}

func TestSchemaKind(t *testing.T) {
	kind, suffix := String().WithFormat("model:EmbeddingTask").Kind()
	assert.Equal(t, "model", kind)
	assert.Equal(t, "EmbeddingTask", suffix)

	kind, suffix = String().WithFormat("vector.sparse").Kind()
	assert.Equal(t, "vector.sparse", kind)
	assert.Equal(t, "", suffix)

	kind, suffix = String().Kind()
	assert.Equal(t, "", kind)
	assert.Equal(t, "", suffix)
}

func TestSchemaClone(t *testing.T) {
	orig := Object(map[string]*Schema{"text": String()}, "text")
	cp := orig.Clone()
	cp.Properties["text"].Type = TypeNumber
	cp.Required[0] = "other"

	assert.Equal(t, TypeString, orig.Properties["text"].Type)
	assert.Equal(t, "text", orig.Required[0])
}

func TestCompatibleBaseTypes(t *testing.T) {
	assert.True(t, Compatible(String(), String()))
	assert.True(t, Compatible(Number(), Number()))
	assert.False(t, Compatible(String(), Number()))
	assert.True(t, Compatible(String(), Wildcard()))
	assert.True(t, Compatible(Wildcard(), Number()))
	assert.False(t, Compatible(nil, String()))
}

func TestCompatibleSemanticKinds(t *testing.T) {
	model := String().WithFormat("model")
	narrowed := String().WithFormat("model:EmbeddingTask")
	other := String().WithFormat("model:TextGenerationTask")
	repo := String().WithFormat("repository")

	// Unsuffixed target accepts any narrowing of the same kind.
	assert.True(t, Compatible(narrowed, model))
	assert.True(t, Compatible(model, model))

	// Suffixed target requires the exact narrowed kind.
	assert.True(t, Compatible(narrowed, narrowed))
	assert.False(t, Compatible(model, narrowed))
	assert.False(t, Compatible(other, narrowed))

	// Different kinds never match; plain values cannot feed kinded ports.
	assert.False(t, Compatible(repo, model))
	assert.False(t, Compatible(String(), model))

	// A target without a format accepts a kinded source of the same type.
	assert.True(t, Compatible(narrowed, String()))
}

func TestCompatibleArrayAccumulation(t *testing.T) {
	// A scalar source can feed an array target whose element type matches.
	assert.True(t, Compatible(Number(), Array(Number())))
	assert.False(t, Compatible(String(), Array(Number())))
	assert.True(t, Compatible(Array(Number()), Array(Number())))
	assert.False(t, Compatible(Array(String()), Array(Number())))
}

func TestValidatorAcceptsAndRejects(t *testing.T) {
	v := NewValidator()
	s := Object(map[string]*Schema{
		"value": Number(),
		"label": String(),
	}, "value")

	assert.NoError(t, v.Validate("T", s, map[string]any{"value": 3}))
	assert.NoError(t, v.Validate("T", s, map[string]any{"value": 3.5, "label": "x"}))

	err := v.Validate("T", s, map[string]any{"label": "x"})
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.NotEmpty(t, verr.Violations)

	assert.Error(t, v.Validate("T", s, map[string]any{"value": "three"}))
}

func TestValidatorUnknownKeys(t *testing.T) {
	v := NewValidator()
	closed := Object(map[string]*Schema{"value": Number()})
	open := Object(map[string]*Schema{"value": Number()}).WithAdditional()

	assert.Error(t, v.Validate("closed", closed, map[string]any{"value": 1, "extra": true}))
	assert.NoError(t, v.Validate("open", open, map[string]any{"value": 1, "extra": true}))
}

func TestValidatorWildcardAndNil(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.Validate("w", Wildcard(), map[string]any{"anything": 1}))
	assert.NoError(t, v.Validate("n", nil, "whatever"))
}

func TestValidatorRecompilesOnSchemaChange(t *testing.T) {
	v := NewValidator()
	s := Object(map[string]*Schema{"value": Number()}, "value")
	require.NoError(t, v.Validate("dyn", s, map[string]any{"value": 1}))

	// Same key, changed schema: the stale compiled form must not be reused.
	changed := Object(map[string]*Schema{"value": String()}, "value")
	assert.Error(t, v.Validate("dyn", changed, map[string]any{"value": 1}))
	assert.NoError(t, v.Validate("dyn", changed, map[string]any{"value": "1"}))

	v.Invalidate("dyn")
	assert.NoError(t, v.Validate("dyn", changed, map[string]any{"value": "1"}))
}
