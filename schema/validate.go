package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ValidationError reports one or more schema violations for a value.
type ValidationError struct {
	// Violations holds one human-readable message per failed constraint
	Violations []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema validation failed: %s", strings.Join(e.Violations, "; "))
}

// Validator compiles schemas once and caches the compiled form, keyed by an
// arbitrary cache key (typically the task type). Tasks whose schemas change
// at runtime re-key automatically because entries also record the schema's
// serialised form; Invalidate drops an entry eagerly.
type Validator struct {
	mu       sync.RWMutex
	compiled map[string]*compiledSchema
}

type compiledSchema struct {
	digest string
	schema *gojsonschema.Schema
}

// NewValidator creates an empty validator cache.
func NewValidator() *Validator {
	return &Validator{compiled: make(map[string]*compiledSchema)}
}

// Validate checks value against s, compiling at most once per (key, schema)
// pair. A nil or wildcard schema accepts everything. Violations are
// returned as a *ValidationError.
func (v *Validator) Validate(key string, s *Schema, value any) error {
	if s == nil || s.Any {
		return nil
	}
	compiled, err := v.lookup(key, s)
	if err != nil {
		return err
	}
	result, err := compiled.Validate(gojsonschema.NewGoLoader(value))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}
	violations := make([]string, len(result.Errors()))
	for i, desc := range result.Errors() {
		violations[i] = desc.String()
	}
	return &ValidationError{Violations: violations}
}

// Invalidate drops the compiled entry for key. Dynamic-schema tasks call
// this when their schema changes.
func (v *Validator) Invalidate(key string) {
	v.mu.Lock()
	delete(v.compiled, key)
	v.mu.Unlock()
}

func (v *Validator) lookup(key string, s *Schema) (*gojsonschema.Schema, error) {
	digestBytes, err := json.Marshal(validationForm(s))
	if err != nil {
		return nil, fmt.Errorf("schema not serialisable: %w", err)
	}
	digest := string(digestBytes)

	v.mu.RLock()
	entry, ok := v.compiled[key]
	v.mu.RUnlock()
	if ok && entry.digest == digest {
		return entry.schema, nil
	}

	loader := gojsonschema.NewStringLoader(digest)
	compiled, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	v.mu.Lock()
	v.compiled[key] = &compiledSchema{digest: digest, schema: compiled}
	v.mu.Unlock()
	return compiled, nil
}

// Validate checks value against the schema without a compile cache.
// Callers on hot paths should prefer a shared Validator.
func (s *Schema) Validate(value any) error {
	return NewValidator().Validate("", s, value)
}

// validationForm converts a Schema into plain JSON Schema keywords for the
// validator. Semantic annotations (format kinds, streaming, replication)
// constrain wiring, not values, so they are stripped here. Object schemas
// reject unknown keys unless AdditionalProperties is set.
func validationForm(s *Schema) any {
	if s == nil || s.Any {
		return map[string]any{}
	}
	m := map[string]any{}
	if s.Type != "" {
		m["type"] = string(s.Type)
	}
	if len(s.Properties) > 0 {
		props := make(map[string]any, len(s.Properties))
		for name, p := range s.Properties {
			props[name] = validationForm(p)
		}
		m["properties"] = props
	}
	if len(s.Required) > 0 {
		m["required"] = s.Required
	}
	if s.Type == TypeObject {
		m["additionalProperties"] = s.AdditionalProperties
	}
	if s.Items != nil {
		m["items"] = validationForm(s.Items)
	}
	if s.Replicate && s.Type != "" && s.Type != TypeArray {
		// Replicating ports accept either one element or an array of them.
		return map[string]any{"anyOf": []any{m, map[string]any{"type": "array", "items": m}}}
	}
	return m
}
