package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrFrozen is returned when the registry is mutated after Freeze. Freezing
// happens before the first graph runs; later registration is a
// configuration error.
var ErrFrozen = errors.New("registry: frozen")

// Key is a strongly-typed token identifying one registered service. The
// type parameter pins the service's Go type so lookups never need casts.
type Key[T any] struct {
	name string
}

// NewKey creates a typed registration token. Two keys with the same name
// and type address the same entry.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// Name returns the key's registration name.
func (k Key[T]) Name() string { return k.name }

// Handle is implemented by resolved service objects that must contribute a
// stable identity to input fingerprints instead of their serialised form.
type Handle interface {
	FingerprintKey() string
}

// Resolver turns an abstract handle ID of one semantic kind into the live
// object it names. Resolvers are registered per kind ("model",
// "repository", ...) and consulted by runners before execution.
type Resolver interface {
	Resolve(ctx context.Context, id string) (any, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, id string) (any, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, id string) (any, error) {
	return f(ctx, id)
}

// Registry is a process-wide keyed collection of long-lived services
// (model repositories, output caches, worker pools). It is built during
// startup, frozen before the first graph runs, and torn down explicitly.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]any
	order     []string
	resolvers map[string]Resolver
	frozen    bool
}

// New creates an empty, unfrozen registry.
func New() *Registry {
	return &Registry{
		entries:   make(map[string]any),
		resolvers: make(map[string]Resolver),
	}
}

// Register stores a service under its typed key. Registering a duplicate
// key or mutating a frozen registry fails.
func Register[T any](r *Registry, key Key[T], value T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if _, exists := r.entries[key.name]; exists {
		return fmt.Errorf("registry: %q already registered", key.name)
	}
	r.entries[key.name] = value
	r.order = append(r.order, key.name)
	return nil
}

// Get looks up a service by its typed key.
func Get[T any](r *Registry, key Key[T]) (T, bool) {
	r.mu.RLock()
	v, ok := r.entries[key.name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

// MustGet looks up a service and panics when it is missing. Use during
// startup wiring where absence is a programming error.
func MustGet[T any](r *Registry, key Key[T]) T {
	v, ok := Get(r, key)
	if !ok {
		panic(fmt.Sprintf("registry: %q not registered", key.name))
	}
	return v
}

// RegisterResolver installs the handle resolver for a semantic kind. Kinds
// are matched on their base; a resolver for "model" serves
// "model:EmbeddingTask" too.
func (r *Registry) RegisterResolver(kind string, res Resolver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if _, exists := r.resolvers[kind]; exists {
		return fmt.Errorf("registry: resolver for kind %q already registered", kind)
	}
	r.resolvers[kind] = res
	return nil
}

// Resolver returns the resolver registered for a base semantic kind.
func (r *Registry) Resolver(kind string) (Resolver, bool) {
	r.mu.RLock()
	res, ok := r.resolvers[kind]
	r.mu.RUnlock()
	return res, ok
}

// Freeze seals the registry against further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether the registry has been sealed.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Close tears down registered services in reverse registration order.
// Entries implementing io.Closer are closed; the first error is returned
// after all closers ran.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for i := len(r.order) - 1; i >= 0; i-- {
		if c, ok := r.entries[r.order[i]].(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	r.entries = make(map[string]any)
	r.order = nil
	return first
}
