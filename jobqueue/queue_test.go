package jobqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskweave/taskweave/store"
	"github.com/taskweave/taskweave/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T, clock *fakeClock) *Queue {
	t.Helper()
	repo, err := memory.New(TableSpec)
	require.NoError(t, err)
	q, err := NewQueue(repo, "embeddings", QueueOptions{MaxRetries: 2, Clock: clock.Now})
	require.NoError(t, err)
	return q
}

func TestAddStampsJob(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock)
	ctx := context.Background()

	job, err := q.Add(ctx, map[string]any{"text": "hello"})
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "embeddings", job.Queue)
	assert.Equal(t, store.Fingerprint(map[string]any{"text": "hello"}), job.Fingerprint)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 2, job.MaxRetries)
	assert.Equal(t, clock.Now(), job.RunAfter)
	assert.Equal(t, clock.Now(), job.CreatedAt)

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Fingerprint, stored.Fingerprint)
	assert.Equal(t, map[string]any{"text": "hello"}, stored.Input)
}

func TestNextPicksOldestDue(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock)
	ctx := context.Background()

	first, err := q.Add(ctx, map[string]any{"n": 1.0})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = q.Add(ctx, map[string]any{"n": 2.0})
	require.NoError(t, err)

	got, err := q.Next(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, "w1", got.WorkerID)
	assert.Equal(t, 1, got.Attempts)
}

func TestNextHonoursRunAfter(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock)
	ctx := context.Background()

	job, err := q.Add(ctx, map[string]any{"n": 1.0})
	require.NoError(t, err)
	job.RunAfter = clock.Now().Add(time.Minute)
	require.NoError(t, q.repo.Put(ctx, job.row()))

	got, err := q.Next(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, got)

	clock.Advance(2 * time.Minute)
	got, err = q.Next(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.ID)
}

func TestNextExactlyOnceUnderConcurrency(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock)
	ctx := context.Background()

	const jobs = 20
	for i := 0; i < jobs; i++ {
		_, err := q.Add(ctx, map[string]any{"n": float64(i)})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	claimed := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				job, err := q.Next(ctx, worker)
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}(string(rune('a' + w)))
	}
	wg.Wait()

	assert.Len(t, claimed, jobs)
	for id, count := range claimed {
		assert.Equal(t, 1, count, "job %s claimed more than once", id)
	}
}

func TestNextExactlyOnceAcrossQueueInstances(t *testing.T) {
	clock := newFakeClock()
	repo, err := memory.New(TableSpec)
	require.NoError(t, err)
	q1, err := NewQueue(repo, "embeddings", QueueOptions{MaxRetries: 2, Clock: clock.Now})
	require.NoError(t, err)
	q2, err := NewQueue(repo, "embeddings", QueueOptions{MaxRetries: 2, Clock: clock.Now})
	require.NoError(t, err)
	ctx := context.Background()

	const jobs = 20
	for i := 0; i < jobs; i++ {
		_, err := q1.Add(ctx, map[string]any{"n": float64(i)})
		require.NoError(t, err)
	}

	// Workers split across two queue instances over the same backend, so
	// the instance mutex cannot serialise the claims.
	var mu sync.Mutex
	claimed := map[string]int{}
	var wg sync.WaitGroup
	for w, q := range []*Queue{q1, q2, q1, q2} {
		wg.Add(1)
		go func(worker string, q *Queue) {
			defer wg.Done()
			for {
				job, err := q.Next(ctx, worker)
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}(string(rune('a'+w)), q)
	}
	wg.Wait()

	assert.Len(t, claimed, jobs)
	for id, count := range claimed {
		assert.Equal(t, 1, count, "job %s claimed more than once", id)
	}
}

// staleSearchRepo replays a search snapshot taken before another queue
// instance claimed the rows, forcing the claim to race on a stale candidate.
type staleSearchRepo struct {
	store.Repository
	rows []store.Row
}

func (r *staleSearchRepo) Search(ctx context.Context, q store.Query) ([]store.Row, error) {
	return r.rows, nil
}

func TestNextLosesClaimRaceOnStaleSearch(t *testing.T) {
	clock := newFakeClock()
	repo, err := memory.New(TableSpec)
	require.NoError(t, err)
	q1, err := NewQueue(repo, "embeddings", QueueOptions{MaxRetries: 2, Clock: clock.Now})
	require.NoError(t, err)
	ctx := context.Background()

	job, err := q1.Add(ctx, map[string]any{"n": 1.0})
	require.NoError(t, err)

	// Snapshot the pending row, then let the first instance claim it.
	snapshot, err := repo.Search(ctx, store.Where("id", store.OpEq, job.ID))
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	held, err := q1.Next(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, held)

	stale := &staleSearchRepo{Repository: repo, rows: snapshot}
	q2, err := NewQueue(stale, "embeddings", QueueOptions{MaxRetries: 2, Clock: clock.Now})
	require.NoError(t, err)

	// The second instance still sees the job as PENDING, but the
	// conditional write detects the lost race instead of dispatching it
	// a second time.
	got, err := q2.Next(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, got)

	stored, err := q1.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, stored.Status)
	assert.Equal(t, "w1", stored.WorkerID)
	assert.Equal(t, 1, stored.Attempts)
}

func TestCompleteAndOutputForInput(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock)
	ctx := context.Background()

	input := map[string]any{"text": "hello"}
	_, err := q.Add(ctx, input)
	require.NoError(t, err)

	job, err := q.Next(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job, map[string]any{"vector": []any{1.0, 2.0}}))

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.True(t, stored.CompletedAt.Equal(clock.Now()))

	out, ok, err := q.OutputForInput(ctx, map[string]any{"text": "hello"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []any{1.0, 2.0}, out["vector"])

	_, ok, err = q.OutputForInput(ctx, map[string]any{"text": "different"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFailRetryableRequeues(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock)
	ctx := context.Background()

	_, err := q.Add(ctx, map[string]any{"n": 1.0})
	require.NoError(t, err)
	job, err := q.Next(ctx, "w1")
	require.NoError(t, err)

	retryAt := clock.Now().Add(30 * time.Second)
	require.NoError(t, q.Fail(ctx, job, &RetryableError{Code: 429, RetryAfter: retryAt, Cause: errors.New("throttled")}))

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	assert.True(t, stored.RunAfter.Equal(retryAt))
	assert.Equal(t, 1, stored.Attempts)
	assert.Empty(t, stored.WorkerID)
	assert.Contains(t, stored.LastError, "throttled")

	// Not due yet.
	got, err := q.Next(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, got)

	clock.Advance(time.Minute)
	got, err = q.Next(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Attempts)
}

func TestFailPermanentEndsJob(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock)
	ctx := context.Background()

	_, err := q.Add(ctx, map[string]any{"n": 1.0})
	require.NoError(t, err)
	job, err := q.Next(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, job, &PermanentError{Code: 404, Cause: errors.New("gone")}))

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.True(t, stored.CompletedAt.Equal(clock.Now()))
}

func TestFailExhaustsRetryBudget(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock)
	ctx := context.Background()

	_, err := q.Add(ctx, map[string]any{"n": 1.0})
	require.NoError(t, err)

	// MaxRetries=2 allows three attempts in total.
	for attempt := 0; attempt < 3; attempt++ {
		job, nerr := q.Next(ctx, "w1")
		require.NoError(t, nerr)
		require.NotNil(t, job, "attempt %d", attempt)
		require.NoError(t, q.Fail(ctx, job, errors.New("flaky")))
		clock.Advance(time.Second)
	}

	got, err := q.Next(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, got)

	failed, err := q.Size(ctx, StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
}

func TestAbortStates(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock)
	ctx := context.Background()

	// Aborting a pending job fails it directly.
	pending, err := q.Add(ctx, map[string]any{"n": 1.0})
	require.NoError(t, err)
	require.NoError(t, q.Abort(ctx, pending.ID))
	stored, err := q.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)

	// Aborting a held job marks ABORTING for the worker to observe.
	_, err = q.Add(ctx, map[string]any{"n": 2.0})
	require.NoError(t, err)
	held, err := q.Next(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Abort(ctx, held.ID))
	stored, err = q.Get(ctx, held.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAborting, stored.Status)

	status, err := q.Heartbeat(ctx, held)
	require.NoError(t, err)
	assert.Equal(t, StatusAborting, status)

	// Terminal jobs are left alone.
	require.NoError(t, q.Complete(ctx, held, map[string]any{}))
	require.NoError(t, q.Abort(ctx, held.ID))
	stored, err = q.Get(ctx, held.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
}

func TestPeekAndSize(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := q.Add(ctx, map[string]any{"n": float64(i)})
		require.NoError(t, err)
		ids = append(ids, job.ID)
		clock.Advance(time.Second)
	}

	jobs, err := q.Peek(ctx, StatusPending, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, ids[0], jobs[0].ID)
	assert.Equal(t, ids[1], jobs[1].ID)

	n, err := q.Size(ctx, StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = q.Size(ctx, StatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
