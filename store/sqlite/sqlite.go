// Package sqlite provides a SQLite-backed Repository via database/sql
// and mattn/go-sqlite3. Rows are stored as a JSON payload column keyed by
// the table's key string, which keeps the adapter independent of each
// table's field set.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/taskweave/taskweave/store"
)

// Repository implements store.Repository over a SQLite database.
type Repository struct {
	spec   store.TableSpec
	db     *sql.DB
	poller *store.Poller
}

// Options configures a SQLite repository.
type Options struct {
	// Path is the database file; ":memory:" works for tests
	Path string
}

// New opens the database and bootstraps the table.
func New(spec store.TableSpec, opts Options) (*Repository, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("store/sqlite: open database: %w", err)
	}
	r := &Repository{spec: spec, db: db}
	if err := r.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	r.poller = store.NewPoller(spec, r.GetAll)
	return r, nil
}

// NewWithDB wraps an existing database handle; the caller owns closing it.
func NewWithDB(spec store.TableSpec, db *sql.DB) (*Repository, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	r := &Repository{spec: spec, db: db}
	if err := r.initSchema(context.Background()); err != nil {
		return nil, err
	}
	r.poller = store.NewPoller(spec, r.GetAll)
	return r, nil
}

func (r *Repository) initSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			row TEXT NOT NULL
		);
	`, r.spec.Name)
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("store/sqlite: create table %s: %w", r.spec.Name, err)
	}
	return nil
}

// Spec implements store.Repository.
func (r *Repository) Spec() store.TableSpec { return r.spec }

// Close closes the database connection and stops subscriptions.
func (r *Repository) Close() error {
	r.poller.Close()
	return r.db.Close()
}

// Put implements store.Repository.
func (r *Repository) Put(ctx context.Context, row store.Row) error {
	ks, data, err := r.encode(row)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (key, row) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET row = excluded.row
	`, r.spec.Name)
	if _, err := r.db.ExecContext(ctx, query, ks, data); err != nil {
		return fmt.Errorf("store/sqlite: put row: %w", err)
	}
	return nil
}

// PutIf implements store.Repository as a single guarded UPDATE, so the
// check and the write are one atomic statement in the database.
func (r *Repository) PutIf(ctx context.Context, row store.Row, guard store.Row) (bool, error) {
	ks, data, err := r.encode(row)
	if err != nil {
		return false, err
	}
	fields := make([]string, 0, len(guard))
	for f := range guard {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	var b strings.Builder
	fmt.Fprintf(&b, "UPDATE %s SET row = ? WHERE key = ?", r.spec.Name)
	args := []any{data, ks}
	for _, f := range fields {
		fmt.Fprintf(&b, " AND json_extract(row, '$.%s') = ?", f)
		args = append(args, guard[f])
	}
	result, err := r.db.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return false, fmt.Errorf("store/sqlite: conditional put: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store/sqlite: conditional put: %w", err)
	}
	return n > 0, nil
}

// PutBulk writes all rows inside a single transaction.
func (r *Repository) PutBulk(ctx context.Context, rows []store.Row) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store/sqlite: begin bulk put: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (key, row) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET row = excluded.row
	`, r.spec.Name)
	for _, row := range rows {
		ks, data, err := r.encode(row)
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx, query, ks, data); err != nil {
			tx.Rollback()
			return fmt.Errorf("store/sqlite: bulk put row: %w", err)
		}
	}
	return tx.Commit()
}

// Get implements store.Repository.
func (r *Repository) Get(ctx context.Context, key store.Key) (store.Row, error) {
	ks, err := r.spec.KeyString(key)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT row FROM %s WHERE key = ?", r.spec.Name)
	var data []byte
	err = r.db.QueryRowContext(ctx, query, ks).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("store/sqlite: get row: %w", err)
	}
	return decode(data)
}

// Search scans the table and evaluates predicates in memory. Tables the
// engine keeps in SQLite stay small enough that a scan is cheap.
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
	query := fmt.Sprintf("DELETE FROM %s WHERE key = ?", r.spec.Name)
	if _, err := r.db.ExecContext(ctx, query, ks); err != nil {
		return fmt.Errorf("store/sqlite: delete row: %w", err)
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
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("store/sqlite: delete all rows: %w", err)
	}
	return nil
}

// GetAll implements store.Repository.
func (r *Repository) GetAll(ctx context.Context) ([]store.Row, error) {
	query := fmt.Sprintf("SELECT row FROM %s", r.spec.Name)
	result, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store/sqlite: scan table: %w", err)
	}
	defer result.Close()
	var rows []store.Row
	for result.Next() {
		var data []byte
		if err := result.Scan(&data); err != nil {
			return nil, fmt.Errorf("store/sqlite: scan row: %w", err)
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
	if err := r.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("store/sqlite: count rows: %w", err)
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
		return "", nil, fmt.Errorf("store/sqlite: row not serialisable: %w", err)
	}
	return ks, data, nil
}

func decode(data []byte) (store.Row, error) {
	var row store.Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("store/sqlite: corrupt row payload: %w", err)
	}
	return row, nil
}
