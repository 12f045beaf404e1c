package task

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a task instance of one registered type. Deserialisation
// uses factories to turn type names from graph JSON back into live tasks.
type Factory func(id string, defaults map[string]any) (*Task, error)

// TypeRegistry maps registered task type names to their factories.
type TypeRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewTypeRegistry creates an empty type registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{factories: make(map[string]Factory)}
}

// Register adds a factory under a type name. Re-registering a name fails.
func (r *TypeRegistry) Register(taskType string, factory Factory) error {
	if taskType == "" {
		return &ConfigurationError{Reason: "task type must not be empty"}
	}
	if factory == nil {
		return &ConfigurationError{Reason: fmt.Sprintf("task type %q has no factory", taskType)}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[taskType]; exists {
		return &ConfigurationError{Reason: fmt.Sprintf("task type %q already registered", taskType)}
	}
	r.factories[taskType] = factory
	return nil
}

// Create builds a task of the named type.
func (r *TypeRegistry) Create(taskType, id string, defaults map[string]any) (*Task, error) {
	r.mu.RLock()
	factory, ok := r.factories[taskType]
	r.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Kind: "task type", ID: taskType}
	}
	return factory(id, defaults)
}

// Has reports whether the type name is registered.
func (r *TypeRegistry) Has(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[taskType]
	return ok
}

// Types returns the registered type names in sorted order.
func (r *TypeRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// defaultTypeRegistry backs the package-level registration helpers.
var defaultTypeRegistry = NewTypeRegistry()

// DefaultTypes returns the process-wide type registry.
func DefaultTypes() *TypeRegistry {
	return defaultTypeRegistry
}

// RegisterType adds a factory to the process-wide type registry.
func RegisterType(taskType string, factory Factory) error {
	return defaultTypeRegistry.Register(taskType, factory)
}
