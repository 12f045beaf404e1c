package tasks

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/taskweave/taskweave/jobqueue"
	"github.com/taskweave/taskweave/schema"
	"github.com/taskweave/taskweave/task"
)

// FetchType is the registered type name of HTTP fetch tasks.
const FetchType = "Fetch"

// FetchOptions configures a fetch task.
type FetchOptions struct {
	// Client is the HTTP client; nil uses a 30 second default
	Client *http.Client
	// Limiter, when set, receives server backoff anchors from 429 and
	// 503 responses so queued retries respect Retry-After
	Limiter *jobqueue.RateLimiter
	// Queue names the limiter queue the anchors apply to
	Queue string
	// Defaults are instance default input values
	Defaults map[string]any
}

// FetchInputSchema describes the fetch ports: a required url plus
// optional string headers.
func FetchInputSchema() *schema.Schema {
	return schema.Object(map[string]*schema.Schema{
		"url":     schema.String().WithFormat("uri"),
		"headers": schema.Object(nil).WithAdditional(),
	}, "url")
}

// FetchOutputSchema describes the fetch result: body, status and
// response headers.
func FetchOutputSchema() *schema.Schema {
	return schema.Object(map[string]*schema.Schema{
		"body":    schema.String(),
		"status":  schema.Number(),
		"headers": schema.Object(nil).WithAdditional(),
	})
}

type fetchBehaviour struct {
	client  *http.Client
	limiter *jobqueue.RateLimiter
	queue   string
}

// NewFetch creates an HTTP GET task. Non-success statuses become retry
// taxonomy errors: 4xx permanent except 408/429, 5xx retryable, with
// Retry-After honoured on 429 and 503.
func NewFetch(id string, opts FetchOptions) (*task.Task, error) {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	behaviour := &fetchBehaviour{client: client, limiter: opts.Limiter, queue: opts.Queue}
	def := task.Definition{
		Type:   FetchType,
		Input:  FetchInputSchema(),
		Output: FetchOutputSchema(),
	}
	return task.New(id, def, behaviour, opts.Defaults)
}

func (f *fetchBehaviour) Execute(ctx *task.Context, input map[string]any) (map[string]any, error) {
	url, _ := input["url"].(string)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &task.InvalidInputError{Err: fmt.Errorf("fetch %s: %w", url, err)}
	}
	if headers, ok := input["headers"].(map[string]any); ok {
		for name, value := range headers {
			if s, isStr := value.(string); isStr {
				req.Header.Set(name, s)
			}
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		// Transport errors are retryable by default.
		return nil, &jobqueue.RetryableError{Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &jobqueue.RetryableError{Code: resp.StatusCode, Cause: err}
	}

	if cerr := jobqueue.ClassifyHTTP(resp.StatusCode, resp.Header.Get("Retry-After"), time.Now()); cerr != nil {
		f.anchorBackoff(ctx, cerr)
		return nil, cerr
	}

	headers := make(map[string]any, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}
	return map[string]any{
		"body":    string(body),
		"status":  float64(resp.StatusCode),
		"headers": headers,
	}, nil
}

// anchorBackoff forwards a server-requested retry time to the limiter so
// every worker on the queue backs off, not just this job.
func (f *fetchBehaviour) anchorBackoff(ctx *task.Context, err error) {
	if f.limiter == nil || f.queue == "" {
		return
	}
	retry, ok := err.(*jobqueue.RetryableError)
	if !ok || retry.RetryAfter.IsZero() {
		return
	}
	// Queued retries still honour run_after when the anchor write fails.
	_ = f.limiter.SetBackoff(ctx, f.queue, retry.RetryAfter)
}
