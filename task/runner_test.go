package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskweave/taskweave/registry"
	"github.com/taskweave/taskweave/schema"
	"github.com/taskweave/taskweave/stream"
)

type doubleExec struct{}

func (doubleExec) Execute(_ *Context, input map[string]any) (map[string]any, error) {
	v, _ := input["value"].(float64)
	return map[string]any{"value": v * 2}, nil
}

func TestRunnerAtomicRun(t *testing.T) {
	tk, err := New("double", numberDef("Double"), doubleExec{}, nil)
	require.NoError(t, err)

	var events []EventType
	unsub := tk.Events().SubscribeFunc(func(ev Event) {
		events = append(events, ev.Type)
	})
	defer unsub()

	r := NewRunner(tk, RunnerOptions{Overrides: map[string]any{"value": 21.0}})
	out, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"value": 42.0}, out)
	assert.Equal(t, StatusCompleted, tk.Status())
	assert.Equal(t, map[string]any{"value": 42.0}, tk.Output())
	assert.Equal(t, 100.0, tk.Progress())
	assert.Contains(t, events, EventStart)
	assert.Contains(t, events, EventComplete)
	assert.Equal(t, EventComplete, events[len(events)-1])
}

func TestRunnerWireStreamEndsWithFinish(t *testing.T) {
	tk, err := New("double", numberDef("Double"), doubleExec{}, map[string]any{"value": 1.0})
	require.NoError(t, err)

	r := NewRunner(tk, RunnerOptions{})
	s := r.Open(context.Background())

	var seen []stream.Event
	for {
		ev, rerr := s.Recv()
		if rerr != nil {
			break
		}
		seen = append(seen, ev)
	}
	require.NotEmpty(t, seen)
	last := seen[len(seen)-1]
	assert.Equal(t, stream.KindFinish, last.Kind)
	assert.Equal(t, 2.0, last.Data["value"])

	terminals := 0
	for _, ev := range seen {
		if ev.Terminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
}

func TestRunnerRejectsInvalidInput(t *testing.T) {
	tk, err := New("double", numberDef("Double"), doubleExec{}, nil)
	require.NoError(t, err)

	r := NewRunner(tk, RunnerOptions{Overrides: map[string]any{"value": "not a number"}})
	_, err = r.Run(context.Background())
	require.Error(t, err)

	var invalid *InvalidInputError
	assert.ErrorAs(t, err, &invalid)
	assert.Equal(t, StatusFailed, tk.Status())
}

func TestRunnerRejectsDisabledTask(t *testing.T) {
	tk, err := New("double", numberDef("Double"), doubleExec{}, nil)
	require.NoError(t, err)
	require.NoError(t, tk.Disable())

	_, err = NewRunner(tk, RunnerOptions{}).Run(context.Background())
	var cfg *ConfigurationError
	assert.ErrorAs(t, err, &cfg)
	assert.Equal(t, StatusDisabled, tk.Status())
}

type panicExec struct{}

func (panicExec) Execute(*Context, map[string]any) (map[string]any, error) {
	panic("boom")
}

func TestRunnerRecoversPanic(t *testing.T) {
	tk, err := New("panics", numberDef("Panics"), panicExec{}, nil)
	require.NoError(t, err)

	_, err = NewRunner(tk, RunnerOptions{}).Run(context.Background())
	require.Error(t, err)

	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.Contains(t, failed.Error(), "boom")
	assert.Equal(t, StatusFailed, tk.Status())
}

type errExec struct{ err error }

func (e errExec) Execute(*Context, map[string]any) (map[string]any, error) {
	return nil, e.err
}

func TestRunnerClassifiesErrors(t *testing.T) {
	cases := []struct {
		name  string
		cause error
		check func(t *testing.T, err error)
	}{
		{"plain errors become failures", errors.New("db down"), func(t *testing.T, err error) {
			var failed *FailedError
			assert.ErrorAs(t, err, &failed)
		}},
		{"backpressure is preserved", fmt.Errorf("send: %w", stream.ErrBackpressure), func(t *testing.T, err error) {
			var pressure *BackpressureError
			assert.ErrorAs(t, err, &pressure)
		}},
		{"cancellation becomes abort", context.Canceled, func(t *testing.T, err error) {
			assert.True(t, IsAborted(err))
		}},
		{"classified errors pass through", &TimeoutError{}, func(t *testing.T, err error) {
			assert.True(t, IsTimeout(err))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tk, err := New("t", numberDef("Errs"), errExec{err: tc.cause}, nil)
			require.NoError(t, err)
			_, err = NewRunner(tk, RunnerOptions{}).Run(context.Background())
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestRunnerDeadlineTimesOut(t *testing.T) {
	slow, err := New("slow", Definition{
		Type:   "Slow",
		Input:  schema.Object(nil),
		Output: schema.Object(nil),
	}, waitExec{}, nil)
	require.NoError(t, err)
	slow.SetDeadline(time.Now().Add(20 * time.Millisecond))

	_, err = NewRunner(slow, RunnerOptions{}).Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

type waitExec struct{}

func (waitExec) Execute(ctx *Context, _ map[string]any) (map[string]any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// deltaStream emits text deltas on "text" and finishes with extra data.
type deltaStream struct {
	chunks []string
	finish map[string]any
}

func (d deltaStream) ExecuteStream(_ *Context, _ map[string]any) (*stream.Reader, error) {
	events := make([]stream.Event, 0, len(d.chunks)+1)
	for _, c := range d.chunks {
		events = append(events, stream.TextDelta("text", c))
	}
	events = append(events, stream.Finish(d.finish))
	return stream.FromEvents(events...), nil
}

func streamDef() Definition {
	return Definition{
		Type:  "Streamer",
		Input: schema.Object(nil),
		Output: schema.Object(map[string]*schema.Schema{
			"text":  schema.String().WithStream(schema.StreamAppend),
			"words": schema.Number(),
		}),
	}
}

func TestRunnerAccumulatesDeltas(t *testing.T) {
	tk, err := New("s", streamDef(), deltaStream{
		chunks: []string{"fog ", "rolls ", "in"},
		finish: map[string]any{"text": "ignored", "words": 3.0},
	}, nil)
	require.NoError(t, err)

	out, err := NewRunner(tk, RunnerOptions{Accumulate: true}).Run(context.Background())
	require.NoError(t, err)

	// The assembled text wins over whatever the finish event carried.
	assert.Equal(t, "fog rolls in", out["text"])
	assert.Equal(t, 3.0, out["words"])
	assert.Equal(t, StatusCompleted, tk.Status())
}

func TestRunnerPassThroughKeepsFinishPayload(t *testing.T) {
	tk, err := New("s", streamDef(), deltaStream{
		chunks: []string{"a", "b"},
		finish: map[string]any{"words": 2.0},
	}, nil)
	require.NoError(t, err)

	s := NewRunner(tk, RunnerOptions{}).Open(context.Background())

	deltas := 0
	var finish map[string]any
	for {
		ev, rerr := s.Recv()
		if rerr != nil {
			break
		}
		switch ev.Kind {
		case stream.KindTextDelta:
			deltas++
		case stream.KindFinish:
			finish = ev.Data
		}
	}
	assert.Equal(t, 2, deltas)
	// Without accumulation deltas are forwarded untouched and the finish
	// data is not enriched.
	require.NotNil(t, finish)
	_, hasText := finish["text"]
	assert.False(t, hasText)
}

func TestRunnerRejectsDeltaOnNonAppendPort(t *testing.T) {
	def := streamDef()
	def.Output = schema.Object(map[string]*schema.Schema{"text": schema.String()})
	tk, err := New("s", def, deltaStream{chunks: []string{"x"}, finish: map[string]any{}}, nil)
	require.NoError(t, err)
	// The behaviour only streams, so the runner takes the stream path
	// even without an append port.

	_, err = NewRunner(tk, RunnerOptions{}).Run(context.Background())
	require.Error(t, err)
	var failed *FailedError
	assert.ErrorAs(t, err, &failed)
}

func TestRunnerAllowsDeltaStreamingOverride(t *testing.T) {
	def := streamDef()
	def.Output = schema.Object(map[string]*schema.Schema{"text": schema.String()})
	def.DeltaStreaming = true
	tk, err := New("s", def, deltaStream{chunks: []string{"x"}, finish: map[string]any{"text": "x"}}, nil)
	require.NoError(t, err)

	out, err := NewRunner(tk, RunnerOptions{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", out["text"])
}

// truncatedStream ends without a terminal event.
type truncatedStream struct{}

func (truncatedStream) ExecuteStream(*Context, map[string]any) (*stream.Reader, error) {
	return stream.FromEvents(stream.TextDelta("text", "partial")), nil
}

func TestRunnerFailsTruncatedStream(t *testing.T) {
	tk, err := New("s", streamDef(), truncatedStream{}, nil)
	require.NoError(t, err)

	_, err = NewRunner(tk, RunnerOptions{}).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, stream.ErrTruncated)
	assert.Equal(t, StatusFailed, tk.Status())
}

type countingCache struct {
	mu     sync.Mutex
	stored map[string]map[string]any
	gets   int
	puts   int
}

func (c *countingCache) GetOutput(_ context.Context, taskType string, _ map[string]any) (map[string]any, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	out, ok := c.stored[taskType]
	return out, ok, nil
}

func (c *countingCache) PutOutput(_ context.Context, taskType string, _ map[string]any, output map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	if c.stored == nil {
		c.stored = map[string]map[string]any{}
	}
	c.stored[taskType] = output
	return nil
}

func cacheableDef() Definition {
	def := numberDef("CachedDouble")
	def.Cacheable = true
	return def
}

func TestRunnerCacheMissThenStore(t *testing.T) {
	tk, err := New("double", cacheableDef(), doubleExec{}, map[string]any{"value": 5.0})
	require.NoError(t, err)

	cache := &countingCache{}
	out, err := NewRunner(tk, RunnerOptions{Cache: cache}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 10.0, out["value"])
	assert.Equal(t, 1, cache.gets)
	assert.Equal(t, 1, cache.puts)
}

func TestRunnerCacheHitReplaysStream(t *testing.T) {
	tk, err := New("double", cacheableDef(), doubleExec{}, map[string]any{"value": 5.0})
	require.NoError(t, err)

	cache := &countingCache{}
	_, err = NewRunner(tk, RunnerOptions{Cache: cache}).Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, tk.Reset())

	var events []EventType
	unsub := tk.Events().SubscribeFunc(func(ev Event) {
		events = append(events, ev.Type)
	})
	defer unsub()

	s := NewRunner(tk, RunnerOptions{Cache: cache}).Open(context.Background())
	var wire []stream.Event
	for {
		ev, rerr := s.Recv()
		if rerr != nil {
			break
		}
		wire = append(wire, ev)
	}

	// The replay honours the streaming contract: a single finish event.
	require.Len(t, wire, 1)
	assert.Equal(t, stream.KindFinish, wire[0].Kind)
	assert.Equal(t, 10.0, wire[0].Data["value"])

	assert.Equal(t, 1, cache.puts, "hit must not write back")
	assert.Equal(t, StatusCompleted, tk.Status())
	assert.Equal(t, []EventType{
		EventStart, EventStatus,
		EventStreamStart, EventStreamChunk, EventStreamEnd,
		EventStatus, EventComplete,
	}, events)
}

// reactiveDouble recomputes cheaply from the cached output.
type reactiveDouble struct{}

func (reactiveDouble) Execute(_ *Context, input map[string]any) (map[string]any, error) {
	v, _ := input["value"].(float64)
	return map[string]any{"value": v * 2}, nil
}

func (reactiveDouble) ExecuteReactive(_ *Context, input, previous map[string]any) (map[string]any, error) {
	prev, _ := previous["value"].(float64)
	return map[string]any{"value": prev, "reactive": true}, nil
}

func TestRunnerCacheHitRunsReactiveHook(t *testing.T) {
	tk, err := New("double", cacheableDef(), reactiveDouble{}, map[string]any{"value": 5.0})
	require.NoError(t, err)

	cache := &countingCache{}
	_, err = NewRunner(tk, RunnerOptions{Cache: cache}).Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, tk.Reset())

	out, err := NewRunner(tk, RunnerOptions{Cache: cache}).Run(context.Background())
	require.NoError(t, err)

	// The wire stream replays the cached data untouched; the reactive
	// recompute lands on the task's recorded output afterwards.
	assert.Equal(t, map[string]any{"value": 10.0}, out)
	assert.Equal(t, 10.0, tk.Output()["value"])
	assert.Equal(t, true, tk.Output()["reactive"])
}

func TestRunnerCacheReadFailureIsAMiss(t *testing.T) {
	tk, err := New("double", cacheableDef(), doubleExec{}, map[string]any{"value": 5.0})
	require.NoError(t, err)

	out, err := NewRunner(tk, RunnerOptions{Cache: failingCache{}}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10.0, out["value"])
	assert.Equal(t, StatusCompleted, tk.Status())
}

type failingCache struct{}

func (failingCache) GetOutput(context.Context, string, map[string]any) (map[string]any, bool, error) {
	return nil, false, errors.New("cache offline")
}

func (failingCache) PutOutput(context.Context, string, map[string]any, map[string]any) error {
	return errors.New("cache offline")
}

// upperExec uppercases its model handle's name; the handle arrives as a
// resolved object, not the raw ID.
type handleExec struct{}

func (handleExec) Execute(_ *Context, input map[string]any) (map[string]any, error) {
	m, ok := input["model"].(*fakeModel)
	if !ok {
		return nil, fmt.Errorf("model not resolved: %T", input["model"])
	}
	return map[string]any{"name": m.name}, nil
}

type fakeModel struct{ name string }

func handleDef() Definition {
	return Definition{
		Type:   "UsesModel",
		Input:  schema.Object(map[string]*schema.Schema{"model": schema.String().WithFormat("model:Embedding")}),
		Output: schema.Object(map[string]*schema.Schema{"name": schema.String()}),
	}
}

func TestRunnerResolvesHandles(t *testing.T) {
	services := registry.New()
	require.NoError(t, services.RegisterResolver("model", registry.ResolverFunc(
		func(_ context.Context, id string) (any, error) {
			return &fakeModel{name: "resolved-" + id}, nil
		})))

	tk, err := New("uses", handleDef(), handleExec{}, map[string]any{"model": "m1"})
	require.NoError(t, err)

	out, err := NewRunner(tk, RunnerOptions{Services: services}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "resolved-m1", out["name"])

	// The stored snapshot keeps the raw ID; resolved objects never leak
	// into task state.
	assert.Equal(t, "m1", tk.Input()["model"])
}

func TestRunnerHandleResolutionFailure(t *testing.T) {
	services := registry.New()
	require.NoError(t, services.RegisterResolver("model", registry.ResolverFunc(
		func(_ context.Context, id string) (any, error) {
			return nil, errors.New("no such model")
		})))

	tk, err := New("uses", handleDef(), handleExec{}, map[string]any{"model": "ghost"})
	require.NoError(t, err)

	_, err = NewRunner(tk, RunnerOptions{Services: services}).Run(context.Background())
	require.Error(t, err)
	var missing *NotFoundError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "model", missing.Kind)
	assert.Equal(t, "ghost", missing.ID)
}

func TestRunnerUnresolvedKindPassesThrough(t *testing.T) {
	// No resolver registered for the kind: the raw ID flows through.
	tk, err := New("uses", Definition{
		Type:   "TagOnly",
		Input:  schema.Object(map[string]*schema.Schema{"model": schema.String().WithFormat("model:Embedding")}),
		Output: schema.Object(map[string]*schema.Schema{"model": schema.String()}),
	}, echoBack{}, map[string]any{"model": "m1"})
	require.NoError(t, err)

	out, err := NewRunner(tk, RunnerOptions{Services: registry.New()}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "m1", out["model"])
}

type echoBack struct{}

func (echoBack) Execute(_ *Context, input map[string]any) (map[string]any, error) {
	return input, nil
}

type appendExclaim struct{}

func (appendExclaim) Execute(_ *Context, input map[string]any) (map[string]any, error) {
	s, _ := input["word"].(string)
	return map[string]any{"word": s + "!"}, nil
}

func TestRunnerReplicatesOverArrayPort(t *testing.T) {
	tk, err := New("shout", Definition{
		Type:   "Shout",
		Input:  schema.Object(map[string]*schema.Schema{"word": schema.String().WithReplicate()}),
		Output: schema.Object(map[string]*schema.Schema{"word": schema.Array(schema.String())}),
	}, appendExclaim{}, nil)
	require.NoError(t, err)

	r := NewRunner(tk, RunnerOptions{Overrides: map[string]any{"word": []any{"hi", "ho"}}})
	out, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []any{"hi!", "ho!"}, out["word"])
}

func TestRunnerReplicateScalarRunsOnce(t *testing.T) {
	tk, err := New("shout", Definition{
		Type:   "Shout",
		Input:  schema.Object(map[string]*schema.Schema{"word": schema.String().WithReplicate()}),
		Output: schema.Object(map[string]*schema.Schema{"word": schema.String()}),
	}, appendExclaim{}, nil)
	require.NoError(t, err)

	out, err := NewRunner(tk, RunnerOptions{Overrides: map[string]any{"word": "hi"}}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hi!", out["word"])
}

func TestRunnerReplicateRejectedOnStreamingTask(t *testing.T) {
	def := streamDef()
	def.Input = schema.Object(map[string]*schema.Schema{"word": schema.String().WithReplicate()})
	tk, err := New("s", def, deltaStream{finish: map[string]any{}}, nil)
	require.NoError(t, err)

	r := NewRunner(tk, RunnerOptions{Overrides: map[string]any{"word": []any{"a", "b"}}})
	_, err = r.Run(context.Background())
	var cfg *ConfigurationError
	assert.ErrorAs(t, err, &cfg)
}

func TestRunnerClosesUnreadInputStreams(t *testing.T) {
	in, w := stream.Pipe(4)
	tk, err := New("ignores", numberDef("Ignores"), doubleExec{}, map[string]any{"value": 1.0})
	require.NoError(t, err)

	_, err = NewRunner(tk, RunnerOptions{
		InputStreams: map[string]*stream.Reader{"value": in},
	}).Run(context.Background())
	require.NoError(t, err)

	// The producer side observes the close instead of blocking forever.
	assert.Eventually(t, func() bool {
		return w.Send(stream.TextDelta("value", "x"))
	}, time.Second, 10*time.Millisecond)
}
