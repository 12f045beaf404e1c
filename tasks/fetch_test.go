package tasks

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskweave/taskweave/jobqueue"
	"github.com/taskweave/taskweave/store/memory"
	"github.com/taskweave/taskweave/task"
)

func runFetch(t *testing.T, opts FetchOptions, input map[string]any) (map[string]any, error) {
	t.Helper()
	tk, err := NewFetch("fetch", opts)
	require.NoError(t, err)
	return task.NewRunner(tk, task.RunnerOptions{Overrides: input}).Run(context.Background())
}

func TestFetchReturnsBodyStatusHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pale morning"))
	}))
	defer srv.Close()

	out, err := runFetch(t, FetchOptions{}, map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "pale morning", out["body"])
	assert.Equal(t, 200.0, out["status"])
	headers, ok := out["headers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "text/plain", headers["Content-Type"])
}

func TestFetchSendsRequestHeaders(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := runFetch(t, FetchOptions{}, map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"Authorization": "Bearer sesame"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer sesame", got)
}

func TestFetchClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := runFetch(t, FetchOptions{}, map[string]any{"url": srv.URL})
	require.Error(t, err)
	var perm *jobqueue.PermanentError
	require.True(t, errors.As(err, &perm))
	assert.Equal(t, http.StatusNotFound, perm.Code)
	_, retryable := jobqueue.Retryable(err)
	assert.False(t, retryable)
}

func TestFetchServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := runFetch(t, FetchOptions{}, map[string]any{"url": srv.URL})
	require.Error(t, err)
	var retry *jobqueue.RetryableError
	require.True(t, errors.As(err, &retry))
	assert.Equal(t, http.StatusInternalServerError, retry.Code)
	assert.True(t, retry.RetryAfter.IsZero())
}

func TestFetchTransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refuse connections

	_, err := runFetch(t, FetchOptions{}, map[string]any{"url": srv.URL})
	require.Error(t, err)
	var retry *jobqueue.RetryableError
	assert.True(t, errors.As(err, &retry))
}

func TestFetchAnchorsRetryAfterOnLimiter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "45")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	executions, err := memory.New(jobqueue.ExecutionsSpec)
	require.NoError(t, err)
	backoffs, err := memory.New(jobqueue.BackoffsSpec)
	require.NoError(t, err)
	limiter := jobqueue.NewRateLimiter(executions, backoffs, jobqueue.RateLimiterOptions{})

	before := time.Now()
	_, err = runFetch(t, FetchOptions{Limiter: limiter, Queue: "api"}, map[string]any{"url": srv.URL})
	require.Error(t, err)
	var retry *jobqueue.RetryableError
	require.True(t, errors.As(err, &retry))
	assert.False(t, retry.RetryAfter.IsZero())

	// The whole queue backs off, not just this task.
	next, err := limiter.NextAvailable(context.Background(), "api")
	require.NoError(t, err)
	assert.True(t, next.After(before.Add(40*time.Second)))

	other, err := limiter.NextAvailable(context.Background(), "other")
	require.NoError(t, err)
	assert.False(t, other.After(time.Now()))
}

func TestFetchRejectsMissingURL(t *testing.T) {
	_, err := runFetch(t, FetchOptions{}, map[string]any{})
	require.Error(t, err)
	var invalid *task.InvalidInputError
	assert.True(t, errors.As(err, &invalid))
}
