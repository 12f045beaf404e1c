// Package file provides a filesystem-backed Repository storing one JSON
// file per row. It suits small durable tables (caches, job queues) in
// single-process deployments.
package file

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/taskweave/taskweave/store"
)

// Repository stores each row as <dir>/<table>/<key-hash>.json. A process
// wide mutex serialises writes; concurrent processes are not coordinated.
type Repository struct {
	spec store.TableSpec
	dir  string

	mu     sync.RWMutex
	poller *store.Poller
}

// New creates the repository rooted at dir, creating the table directory
// when missing.
func New(spec store.TableSpec, dir string) (*Repository, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	tableDir := filepath.Join(dir, spec.Name)
	if err := os.MkdirAll(tableDir, 0o755); err != nil {
		return nil, fmt.Errorf("store/file: create table dir: %w", err)
	}
	r := &Repository{spec: spec, dir: tableDir}
	r.poller = store.NewPoller(spec, r.GetAll)
	return r, nil
}

// Spec implements store.Repository.
func (r *Repository) Spec() store.TableSpec { return r.spec }

func (r *Repository) path(ks string) string {
	sum := sha256.Sum256([]byte(ks))
	return filepath.Join(r.dir, hex.EncodeToString(sum[:16])+".json")
}

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
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("store/file: row not serialisable: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return writeAtomic(r.path(ks), data)
}

// PutIf implements store.Repository. The process-wide mutex makes the
// read-check-write atomic within this process; concurrent processes are
// not coordinated, as with every other write here.
func (r *Repository) PutIf(_ context.Context, row store.Row, guard store.Row) (bool, error) {
	key, err := r.spec.KeyOf(row)
	if err != nil {
		return false, err
	}
	ks, err := r.spec.KeyString(key)
	if err != nil {
		return false, err
	}
	data, err := json.Marshal(row)
	if err != nil {
		return false, fmt.Errorf("store/file: row not serialisable: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, err := os.ReadFile(r.path(ks))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("store/file: read row: %w", err)
	}
	var current store.Row
	if err := json.Unmarshal(stored, &current); err != nil {
		return false, fmt.Errorf("store/file: corrupt row file: %w", err)
	}
	if !store.MatchGuard(current, guard) {
		return false, nil
	}
	if err := writeAtomic(r.path(ks), data); err != nil {
		return false, err
	}
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
	data, err := os.ReadFile(r.path(ks))
	r.mu.RUnlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("store/file: read row: %w", err)
	}
	var row store.Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("store/file: corrupt row file: %w", err)
	}
	return row, nil
}

// Search implements store.Repository.
func (r *Repository) Search(ctx context.Context, q store.Query) ([]store.Row, error) {
	rows, err := r.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	return store.Filter(rows, q), nil
}

// Delete implements store.Repository.
func (r *Repository) Delete(_ context.Context, key store.Key) error {
	ks, err := r.spec.KeyString(key)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.Remove(r.path(ks)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("store/file: delete row: %w", err)
	}
	return nil
}

// DeleteSearch implements store.Repository.
func (r *Repository) DeleteSearch(ctx context.Context, q store.Query) error {
	rows, err := r.Search(ctx, q)
	if err != nil {
		return err
	}
	for _, row := range rows {
		key, err := r.spec.KeyOf(row)
		if err != nil {
			continue
		}
		if err := r.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAll implements store.Repository.
func (r *Repository) DeleteAll(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("store/file: scan table dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(r.dir, entry.Name())); err != nil {
			return fmt.Errorf("store/file: delete row: %w", err)
		}
	}
	return nil
}

// GetAll implements store.Repository.
func (r *Repository) GetAll(_ context.Context) ([]store.Row, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("store/file: scan table dir: %w", err)
	}
	var rows []store.Row
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("store/file: read row: %w", err)
		}
		var row store.Row
		if err := json.Unmarshal(data, &row); err != nil {
			// Skip foreign or torn files rather than failing the scan.
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Size implements store.Repository.
func (r *Repository) Size(ctx context.Context) (int, error) {
	rows, err := r.GetAll(ctx)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
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

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store/file: write row: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store/file: commit row: %w", err)
	}
	return nil
}
