package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskweave/taskweave/store"
)

var spec = store.TableSpec{Name: "jobs", KeyFields: []string{"queue", "id"}}

func newRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := New(spec, Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestCRUD(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	var _ store.Repository = repo

	row := store.Row{"queue": "fetch", "id": "j1", "status": "PENDING", "run_attempts": 0}
	require.NoError(t, repo.Put(ctx, row))

	got, err := repo.Get(ctx, store.Key{"queue": "fetch", "id": "j1"})
	require.NoError(t, err)
	assert.Equal(t, "PENDING", got["status"])
	// JSON round trip renders numbers as float64.
	assert.Equal(t, float64(0), got["run_attempts"])

	_, err = repo.Get(ctx, store.Key{"queue": "fetch", "id": "nope"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	row["status"] = "COMPLETED"
	require.NoError(t, repo.Put(ctx, row))
	got, err = repo.Get(ctx, store.Key{"queue": "fetch", "id": "j1"})
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", got["status"])

	require.NoError(t, repo.Delete(ctx, store.Key{"queue": "fetch", "id": "j1"}))
	n, err := repo.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPutIf(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	row := store.Row{"queue": "fetch", "id": "j1", "status": "PENDING", "attempts": 0}

	ok, err := repo.PutIf(ctx, row, store.Row{"status": "PENDING"})
	require.NoError(t, err)
	assert.False(t, ok, "missing row must not match")

	require.NoError(t, repo.Put(ctx, row))

	claimed := store.Row{"queue": "fetch", "id": "j1", "status": "PROCESSING", "attempts": 1}
	ok, err = repo.PutIf(ctx, claimed, store.Row{"status": "PENDING", "attempts": 0})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.PutIf(ctx, claimed, store.Row{"status": "PENDING", "attempts": 0})
	require.NoError(t, err)
	assert.False(t, ok, "stale guard must lose")

	got, err := repo.Get(ctx, store.Key{"queue": "fetch", "id": "j1"})
	require.NoError(t, err)
	assert.Equal(t, "PROCESSING", got["status"])
	assert.Equal(t, float64(1), got["attempts"])
}

func TestBulkAndSearch(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.PutBulk(ctx, []store.Row{
		{"queue": "fetch", "id": "j1", "status": "PENDING", "run_after": 100},
		{"queue": "fetch", "id": "j2", "status": "PENDING", "run_after": 50},
		{"queue": "fetch", "id": "j3", "status": "COMPLETED", "run_after": 10},
	}))

	rows, err := repo.Search(ctx, store.Where("status", store.OpEq, "PENDING").And("run_after", store.OpLe, 60))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "j2", rows[0]["id"])

	require.NoError(t, repo.DeleteSearch(ctx, store.Where("status", store.OpEq, "PENDING")))
	n, err := repo.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weave.db")
	ctx := context.Background()

	repo, err := New(spec, Options{Path: path})
	require.NoError(t, err)
	require.NoError(t, repo.Put(ctx, store.Row{"queue": "fetch", "id": "j1", "status": "PENDING"}))
	require.NoError(t, repo.Close())

	reopened, err := New(spec, Options{Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, store.Key{"queue": "fetch", "id": "j1"})
	require.NoError(t, err)
	assert.Equal(t, "PENDING", got["status"])
}
