package task

import (
	"errors"
	"reflect"
)

// ErrCircularReference is returned when input data contains a cycle, which
// the smart clone treats as a hard error.
var ErrCircularReference = errors.New("task: circular reference in input data")

// CloneValue smart-clones an input value: plain maps and slices are
// deep-copied, typed numeric buffers are copied by value, and everything
// else (repositories, models, open files) is preserved by reference so
// live handles survive cloning.
func CloneValue(v any) (any, error) {
	return cloneValue(v, make(map[uintptr]struct{}))
}

// CloneMap smart-clones a whole input snapshot.
func CloneMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	cloned, err := CloneValue(m)
	if err != nil {
		return nil, err
	}
	return cloned.(map[string]any), nil
}

func cloneValue(v any, seen map[uintptr]struct{}) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		ptr := reflect.ValueOf(val).Pointer()
		if _, dup := seen[ptr]; dup {
			return nil, ErrCircularReference
		}
		seen[ptr] = struct{}{}
		out := make(map[string]any, len(val))
		for k, item := range val {
			cloned, err := cloneValue(item, seen)
			if err != nil {
				return nil, err
			}
			out[k] = cloned
		}
		delete(seen, ptr)
		return out, nil
	case []any:
		ptr := reflect.ValueOf(val).Pointer()
		if _, dup := seen[ptr]; dup {
			return nil, ErrCircularReference
		}
		seen[ptr] = struct{}{}
		out := make([]any, len(val))
		for i, item := range val {
			cloned, err := cloneValue(item, seen)
			if err != nil {
				return nil, err
			}
			out[i] = cloned
		}
		delete(seen, ptr)
		return out, nil
	case []byte:
		return append([]byte(nil), val...), nil
	case []int:
		return append([]int(nil), val...), nil
	case []int32:
		return append([]int32(nil), val...), nil
	case []int64:
		return append([]int64(nil), val...), nil
	case []float32:
		return append([]float32(nil), val...), nil
	case []float64:
		return append([]float64(nil), val...), nil
	case []string:
		return append([]string(nil), val...), nil
	default:
		// Opaque handles stay shared by reference.
		return v, nil
	}
}
