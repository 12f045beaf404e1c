package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ValueType is the base JSON type a port value must satisfy.
type ValueType string

const (
	// TypeString accepts JSON strings
	TypeString ValueType = "string"
	// TypeNumber accepts JSON numbers (integers and floats)
	TypeNumber ValueType = "number"
	// TypeBoolean accepts JSON booleans
	TypeBoolean ValueType = "boolean"
	// TypeArray accepts JSON arrays
	TypeArray ValueType = "array"
	// TypeObject accepts JSON objects
	TypeObject ValueType = "object"
)

// StreamMode controls how successive streamed values for a port combine.
type StreamMode string

const (
	// StreamReplace means each emitted value replaces the previous one.
	// This is the default for ports that do not declare a mode.
	StreamReplace StreamMode = "replace"
	// StreamAppend means emitted chunks concatenate into a single value
	StreamAppend StreamMode = "append"
)

// Schema describes the shape of a port value, or of a whole task
// input/output when used as an object schema whose properties are ports.
//
// A Schema is self-describing: besides the base JSON type it carries three
// semantic annotations used by the execution engine:
//
//   - Format: a dotted semantic kind with an optional ":" narrowing suffix
//     (e.g. "model", "model:EmbeddingTask"). Kinds drive port compatibility
//     checks and handle resolution.
//   - Stream: "replace" (default) or "append"; append ports concatenate
//     streamed chunks.
//   - Replicate: when true, an array value means "run the task once per
//     element".
//
// The wildcard schema (Any=true) accepts every value and serialises as the
// JSON literal true.
type Schema struct {
	// Any marks the wildcard schema that accepts every value
	Any bool
	// Type is the base JSON type; empty means untyped
	Type ValueType
	// Title is an optional human-readable name
	Title string
	// Description documents the port for tooling
	Description string
	// Default is the value used when no input is supplied
	Default any
	// Properties holds per-port sub-schemas for object schemas
	Properties map[string]*Schema
	// Required lists property names that must be present
	Required []string
	// AdditionalProperties permits keys beyond Properties when true.
	// Unknown keys are dropped during input merge when false.
	AdditionalProperties bool
	// Items constrains array elements; nil means any element
	Items *Schema
	// Format is the dotted semantic kind with optional narrowing suffix
	Format string
	// Stream is the port's streaming mode; empty means StreamReplace
	Stream StreamMode
	// Replicate requests one task run per array element
	Replicate bool
}

// schemaJSON is the wire form of Schema.
type schemaJSON struct {
	Type                 ValueType          `json:"type,omitempty"`
	Title                string             `json:"title,omitempty"`
	Description          string             `json:"description,omitempty"`
	Default              any                `json:"default,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Required             []string           `json:"required,omitempty"`
	AdditionalProperties bool               `json:"additionalProperties,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	Format               string             `json:"format,omitempty"`
	Stream               StreamMode         `json:"x-stream,omitempty"`
	Replicate            bool               `json:"x-replicate,omitempty"`
}

// Object creates an object schema with the given ports.
func Object(ports map[string]*Schema, required ...string) *Schema {
	return &Schema{Type: TypeObject, Properties: ports, Required: required}
}

// String creates a string schema.
func String() *Schema { return &Schema{Type: TypeString} }

// Number creates a number schema.
func Number() *Schema { return &Schema{Type: TypeNumber} }

// Boolean creates a boolean schema.
func Boolean() *Schema { return &Schema{Type: TypeBoolean} }

// Array creates an array schema; items may be nil for untyped elements.
func Array(items *Schema) *Schema { return &Schema{Type: TypeArray, Items: items} }

// Wildcard creates the schema that accepts every value.
func Wildcard() *Schema { return &Schema{Any: true} }

// WithFormat sets the semantic kind and returns the schema for chaining.
func (s *Schema) WithFormat(format string) *Schema {
	s.Format = format
	return s
}

// WithStream sets the streaming mode and returns the schema for chaining.
func (s *Schema) WithStream(mode StreamMode) *Schema {
	s.Stream = mode
	return s
}

// WithReplicate marks the port as replicating over array inputs.
func (s *Schema) WithReplicate() *Schema {
	s.Replicate = true
	return s
}

// WithDefault sets the default value and returns the schema for chaining.
func (s *Schema) WithDefault(v any) *Schema {
	s.Default = v
	return s
}

// WithAdditional permits unknown keys on an object schema.
func (s *Schema) WithAdditional() *Schema {
	s.AdditionalProperties = true
	return s
}

// Port returns the sub-schema for the named port, or nil when the schema
// does not declare it. The wildcard schema returns a wildcard for every
// name.
func (s *Schema) Port(name string) *Schema {
	if s == nil {
		return nil
	}
	if s.Any {
		return Wildcard()
	}
	return s.Properties[name]
}

// HasPort reports whether the schema accepts the named port, either
// explicitly or through AdditionalProperties / the wildcard.
func (s *Schema) HasPort(name string) bool {
	if s == nil {
		return false
	}
	if s.Any || s.AdditionalProperties {
		return true
	}
	_, ok := s.Properties[name]
	return ok
}

// PortNames returns the declared port names in sorted order.
func (s *Schema) PortNames() []string {
	if s == nil || len(s.Properties) == 0 {
		return nil
	}
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Streams reports whether this port schema declares append streaming.
func (s *Schema) Streams() bool {
	return s != nil && s.Stream == StreamAppend
}

// HasStreamingPort reports whether any declared port streams in append
// mode. Used by runners to pick the streaming execution path.
func (s *Schema) HasStreamingPort() bool {
	if s == nil {
		return false
	}
	for _, p := range s.Properties {
		if p.Streams() {
			return true
		}
	}
	return false
}

// Kind splits Format into its dotted semantic kind and narrowing suffix.
// "model:EmbeddingTask" yields ("model", "EmbeddingTask"); an empty format
// yields two empty strings.
func (s *Schema) Kind() (kind, suffix string) {
	if s == nil || s.Format == "" {
		return "", ""
	}
	if i := strings.IndexByte(s.Format, ':'); i >= 0 {
		return s.Format[:i], s.Format[i+1:]
	}
	return s.Format, ""
}

// Clone returns a deep copy of the schema.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	out := *s
	if s.Properties != nil {
		out.Properties = make(map[string]*Schema, len(s.Properties))
		for k, v := range s.Properties {
			out.Properties[k] = v.Clone()
		}
	}
	if s.Required != nil {
		out.Required = append([]string(nil), s.Required...)
	}
	out.Items = s.Items.Clone()
	return &out
}

// MarshalJSON renders the schema in JSON Schema form. The wildcard schema
// marshals as the literal true.
func (s *Schema) MarshalJSON() ([]byte, error) {
	if s.Any {
		return []byte("true"), nil
	}
	return json.Marshal(schemaJSON{
		Type:                 s.Type,
		Title:                s.Title,
		Description:          s.Description,
		Default:              s.Default,
		Properties:           s.Properties,
		Required:             s.Required,
		AdditionalProperties: s.AdditionalProperties,
		Items:                s.Items,
		Format:               s.Format,
		Stream:               s.Stream,
		Replicate:            s.Replicate,
	})
}

// UnmarshalJSON accepts either a JSON Schema object or the literal true.
func (s *Schema) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch trimmed {
	case "true":
		*s = Schema{Any: true}
		return nil
	case "false":
		return fmt.Errorf("schema: boolean schema false is not supported")
	}
	var wire schemaJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	if wire.Stream != "" && wire.Stream != StreamReplace && wire.Stream != StreamAppend {
		return fmt.Errorf("schema: unknown x-stream mode %q", wire.Stream)
	}
	*s = Schema{
		Type:                 wire.Type,
		Title:                wire.Title,
		Description:          wire.Description,
		Default:              wire.Default,
		Properties:           wire.Properties,
		Required:             wire.Required,
		AdditionalProperties: wire.AdditionalProperties,
		Items:                wire.Items,
		Format:               wire.Format,
		Stream:               wire.Stream,
		Replicate:            wire.Replicate,
	}
	return nil
}
