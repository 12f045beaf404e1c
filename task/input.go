package task

import (
	"fmt"
	"reflect"

	"dario.cat/mergo"

	"github.com/taskweave/taskweave/schema"
)

// SetInput merges user-supplied values onto the current input snapshot.
// The merge is deep for nested maps and honors the schema: unknown keys
// are dropped unless the input schema permits additional properties.
func (t *Task) SetInput(partial map[string]any) error {
	if len(partial) == 0 {
		return nil
	}
	filtered := t.filterPorts(partial)
	cloned, err := CloneMap(filtered)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.input == nil {
		t.input = make(map[string]any)
	}
	if err := mergo.Merge(&t.input, cloned, mergo.WithOverride); err != nil {
		return fmt.Errorf("merge input for task %s: %w", t.id, err)
	}
	return nil
}

// AddInput applies values arriving from dataflow edges. Ports whose schema
// type is array, or whose current value is already an array, accumulate by
// appending; other ports replace. Change is detected by deep equality and
// reported so no-op writes do not re-trigger readiness.
func (t *Task) AddInput(partial map[string]any) (bool, error) {
	if len(partial) == 0 {
		return false, nil
	}
	filtered := t.filterPorts(partial)

	changed := false
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.input == nil {
		t.input = make(map[string]any)
	}
	for port, incoming := range filtered {
		cloned, err := CloneValue(incoming)
		if err != nil {
			return changed, err
		}
		next := combinePortValue(t.def.Input.Port(port), t.input[port], cloned)
		if reflect.DeepEqual(t.input[port], next) {
			continue
		}
		t.input[port] = next
		changed = true
	}
	return changed, nil
}

// combinePortValue merges an incoming edge value with the port's current
// value. Array ports concatenate; a port already holding an accumulated
// array keeps appending; everything else replaces.
func combinePortValue(port *schema.Schema, current, incoming any) any {
	isArrayPort := port != nil && port.Type == schema.TypeArray
	curArr, curIsArr := current.([]any)

	switch {
	case isArrayPort:
		incomingArr, ok := incoming.([]any)
		if !ok {
			incomingArr = []any{incoming}
		}
		if current == nil {
			return incomingArr
		}
		if curIsArr {
			return append(append([]any(nil), curArr...), incomingArr...)
		}
		return append([]any{current}, incomingArr...)
	case curIsArr:
		return append(append([]any(nil), curArr...), incoming)
	default:
		return incoming
	}
}

// ResetInput restores the input snapshot to the task's defaults: schema
// port defaults overlaid with the instance defaults, smart-cloned so runs
// never alias each other's data.
func (t *Task) ResetInput() error {
	base := make(map[string]any)
	t.mu.RLock()
	in := t.def.Input
	t.mu.RUnlock()
	if in != nil {
		for name, port := range in.Properties {
			if port.Default != nil {
				base[name] = port.Default
			}
		}
	}
	for k, v := range t.defaults {
		base[k] = v
	}
	cloned, err := CloneMap(t.filterPorts(base))
	if err != nil {
		return err
	}
	if cloned == nil {
		cloned = make(map[string]any)
	}
	t.mu.Lock()
	t.input = cloned
	t.mu.Unlock()
	return nil
}

// Input returns a smart-cloned copy of the current input snapshot.
func (t *Task) Input() map[string]any {
	t.mu.RLock()
	snapshot := t.input
	t.mu.RUnlock()
	cloned, err := CloneMap(snapshot)
	if err != nil {
		// Cycles cannot appear here: every write path clones first.
		return nil
	}
	return cloned
}

// inputSnapshot returns the live input map for the runner's exclusive use.
func (t *Task) inputSnapshot() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.input
}

// filterPorts drops keys the input schema does not accept.
func (t *Task) filterPorts(values map[string]any) map[string]any {
	t.mu.RLock()
	in := t.def.Input
	t.mu.RUnlock()
	if in == nil || in.Any || in.AdditionalProperties {
		return values
	}
	filtered := make(map[string]any, len(values))
	for k, v := range values {
		if in.HasPort(k) {
			filtered[k] = v
		}
	}
	return filtered
}
