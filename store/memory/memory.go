// Package memory provides an in-memory Repository, used standalone in
// tests and as the volatile front of a cached repository.
package memory

import (
	"context"
	"sync"

	"github.com/taskweave/taskweave/store"
)

// Repository is a mutex-guarded map keyed by the table's key string.
// Rows are deep-copied on the way in and out so callers never alias the
// stored state.
type Repository struct {
	spec store.TableSpec

	mu   sync.RWMutex
	rows map[string]store.Row

	poller *store.Poller
}

// New creates an empty in-memory repository for the table.
func New(spec store.TableSpec) (*Repository, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	r := &Repository{spec: spec, rows: make(map[string]store.Row)}
	r.poller = store.NewPoller(spec, r.GetAll)
	return r, nil
}

// Spec implements store.Repository.
func (r *Repository) Spec() store.TableSpec { return r.spec }

// Put implements store.Repository.
func (r *Repository) Put(_ context.Context, row store.Row) error {
	key, err := r.spec.KeyOf(row)
	if err != nil {
		return err
	}
	ks, err := r.spec.KeyString(key)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.rows[ks] = copyRow(row)
	r.mu.Unlock()
	return nil
}

// PutIf implements store.Repository. The guard check and the write
// happen under the same write lock.
func (r *Repository) PutIf(_ context.Context, row store.Row, guard store.Row) (bool, error) {
	key, err := r.spec.KeyOf(row)
	if err != nil {
		return false, err
	}
	ks, err := r.spec.KeyString(key)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.rows[ks]
	if !ok || !store.MatchGuard(current, guard) {
		return false, nil
	}
	r.rows[ks] = copyRow(row)
	return true, nil
}

// PutBulk implements store.Repository.
func (r *Repository) PutBulk(ctx context.Context, rows []store.Row) error {
	for _, row := range rows {
		if err := r.Put(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// Get implements store.Repository.
func (r *Repository) Get(_ context.Context, key store.Key) (store.Row, error) {
	ks, err := r.spec.KeyString(key)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	row, ok := r.rows[ks]
	r.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyRow(row), nil
}

// Search implements store.Repository.
func (r *Repository) Search(_ context.Context, q store.Query) ([]store.Row, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []store.Row
	for _, row := range r.rows {
		if store.Match(row, q) {
			out = append(out, copyRow(row))
		}
	}
	return out, nil
}

// Delete implements store.Repository.
func (r *Repository) Delete(_ context.Context, key store.Key) error {
	ks, err := r.spec.KeyString(key)
	if err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.rows, ks)
	r.mu.Unlock()
	return nil
}

// DeleteSearch implements store.Repository.
func (r *Repository) DeleteSearch(_ context.Context, q store.Query) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ks, row := range r.rows {
		if store.Match(row, q) {
			delete(r.rows, ks)
		}
	}
	return nil
}

// DeleteAll implements store.Repository.
func (r *Repository) DeleteAll(_ context.Context) error {
	r.mu.Lock()
	r.rows = make(map[string]store.Row)
	r.mu.Unlock()
	return nil
}

// GetAll implements store.Repository.
func (r *Repository) GetAll(_ context.Context) ([]store.Row, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.Row, 0, len(r.rows))
	for _, row := range r.rows {
		out = append(out, copyRow(row))
	}
	return out, nil
}

// Size implements store.Repository.
func (r *Repository) Size(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rows), nil
}

// Subscribe implements store.Repository.
func (r *Repository) Subscribe(cb store.ChangeCallback, opts store.SubscribeOptions) (cancel func()) {
	return r.poller.Subscribe(cb, opts)
}

// Close cancels every active subscription.
func (r *Repository) Close() error {
	r.poller.Close()
	return nil
}

func copyRow(row store.Row) store.Row {
	out := make(store.Row, len(row))
	for k, v := range row {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, el := range val {
			out[k] = copyValue(el)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, el := range val {
			out[i] = copyValue(el)
		}
		return out
	default:
		return v
	}
}
