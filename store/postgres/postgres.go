// Package postgres provides a PostgreSQL-backed Repository using
// jackc/pgx. Rows are stored as a JSONB payload keyed by the table's key
// string; the adapter is exercised in tests through the DBPool interface
// with pgxmock.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskweave/taskweave/store"
)

// DBPool is the subset of pgxpool.Pool the repository needs. It exists so
// tests can substitute a pgxmock pool.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Repository implements store.Repository over PostgreSQL.
type Repository struct {
	spec   store.TableSpec
	pool   DBPool
	poller *store.Poller
}

// Options configures a PostgreSQL repository.
type Options struct {
	// ConnString is a pgx connection string
	ConnString string
}

// New connects a pool and bootstraps the table.
func New(ctx context.Context, spec store.TableSpec, opts Options) (*Repository, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: create connection pool: %w", err)
	}
	r := NewWithPool(spec, pool)
	if err := r.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

// NewWithPool wraps an existing pool without bootstrapping the table.
// Useful for tests with mocks.
func NewWithPool(spec store.TableSpec, pool DBPool) *Repository {
	r := &Repository{spec: spec, pool: pool}
	r.poller = store.NewPoller(spec, r.GetAll)
	return r
}

// InitSchema creates the table if it does not exist.
func (r *Repository) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			row JSONB NOT NULL
		)
	`, r.spec.Name)
	if _, err := r.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("store/postgres: create table %s: %w", r.spec.Name, err)
	}
	return nil
}

// Spec implements store.Repository.
func (r *Repository) Spec() store.TableSpec { return r.spec }

// Close stops subscriptions and closes the pool.
func (r *Repository) Close() {
	r.poller.Close()
	r.pool.Close()
}

// Put implements store.Repository.
func (r *Repository) Put(ctx context.Context, row store.Row) error {
	ks, data, err := r.encode(row)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (key, row) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET row = EXCLUDED.row
	`, r.spec.Name)
	if _, err := r.pool.Exec(ctx, query, ks, data); err != nil {
		return fmt.Errorf("store/postgres: put row: %w", err)
	}
	return nil
}

// PutIf implements store.Repository as a single guarded UPDATE. The
// guard rides JSONB containment, which compares numbers by value.
func (r *Repository) PutIf(ctx context.Context, row store.Row, guard store.Row) (bool, error) {
	ks, data, err := r.encode(row)
	if err != nil {
		return false, err
	}
	guardJSON, err := json.Marshal(guard)
	if err != nil {
		return false, fmt.Errorf("store/postgres: guard not serialisable: %w", err)
	}
	query := fmt.Sprintf(`
		UPDATE %s SET row = $2 WHERE key = $1 AND row @> $3
	`, r.spec.Name)
	tag, err := r.pool.Exec(ctx, query, ks, data, guardJSON)
	if err != nil {
		return false, fmt.Errorf("store/postgres: conditional put: %w", err)
	}
	return tag.RowsAffected() > 0, nil
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
func (r *Repository) Get(ctx context.Context, key store.Key) (store.Row, error) {
	ks, err := r.spec.KeyString(key)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT row FROM %s WHERE key = $1", r.spec.Name)
	var data []byte
	err = r.pool.QueryRow(ctx, query, ks).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("store/postgres: get row: %w", err)
	}
	return decode(data)
}

// Search scans the table and evaluates predicates in memory, keeping the
// adapter free of per-table column knowledge.
func (r *Repository) Search(ctx context.Context, q store.Query) ([]store.Row, error) {
	rows, err := r.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	return store.Filter(rows, q), nil
}

// Delete implements store.Repository.
func (r *Repository) Delete(ctx context.Context, key store.Key) error {
	ks, err := r.spec.KeyString(key)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE key = $1", r.spec.Name)
	if _, err := r.pool.Exec(ctx, query, ks); err != nil {
		return fmt.Errorf("store/postgres: delete row: %w", err)
	}
	return nil
}

// DeleteSearch implements store.Repository.
func (r *Repository) DeleteSearch(ctx context.Context, q store.Query) error {
	matches, err := r.Search(ctx, q)
	if err != nil {
		return err
	}
	for _, row := range matches {
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
func (r *Repository) DeleteAll(ctx context.Context) error {
	query := fmt.Sprintf("DELETE FROM %s", r.spec.Name)
	if _, err := r.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("store/postgres: delete all rows: %w", err)
	}
	return nil
}

// GetAll implements store.Repository.
func (r *Repository) GetAll(ctx context.Context) ([]store.Row, error) {
	query := fmt.Sprintf("SELECT row FROM %s", r.spec.Name)
	result, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: scan table: %w", err)
	}
	defer result.Close()
	var rows []store.Row
	for result.Next() {
		var data []byte
		if err := result.Scan(&data); err != nil {
			return nil, fmt.Errorf("store/postgres: scan row: %w", err)
		}
		row, err := decode(data)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, result.Err()
}

// Size implements store.Repository.
func (r *Repository) Size(ctx context.Context) (int, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", r.spec.Name)
	var n int
	if err := r.pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("store/postgres: count rows: %w", err)
	}
	return n, nil
}

// Subscribe implements store.Repository.
func (r *Repository) Subscribe(cb store.ChangeCallback, opts store.SubscribeOptions) (cancel func()) {
	return r.poller.Subscribe(cb, opts)
}

func (r *Repository) encode(row store.Row) (string, []byte, error) {
	key, err := r.spec.KeyOf(row)
	if err != nil {
		return "", nil, err
	}
	ks, err := r.spec.KeyString(key)
	if err != nil {
		return "", nil, err
	}
	data, err := json.Marshal(row)
	if err != nil {
		return "", nil, fmt.Errorf("store/postgres: row not serialisable: %w", err)
	}
	return ks, data, nil
}

func decode(data []byte) (store.Row, error) {
	var row store.Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("store/postgres: corrupt row payload: %w", err)
	}
	return row, nil
}
