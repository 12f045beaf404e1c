package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/taskweave/taskweave/log"
	"github.com/taskweave/taskweave/registry"
	"github.com/taskweave/taskweave/schema"
	"github.com/taskweave/taskweave/stream"
)

// OutputCache stores task outputs keyed by task type and a deterministic
// fingerprint of the resolved input. Implementations compute the
// fingerprint themselves so callers never handle raw keys.
type OutputCache interface {
	GetOutput(ctx context.Context, taskType string, input map[string]any) (map[string]any, bool, error)
	PutOutput(ctx context.Context, taskType string, input map[string]any, output map[string]any) error
}

// RunnerOptions configures a single task run. The zero value runs the
// task standalone: no services, no cache, pass-through streaming.
type RunnerOptions struct {
	// Services is the frozen service registry handed to the behaviour
	Services *registry.Registry
	// Validator caches compiled schemas across runs; nil builds a private one
	Validator *schema.Validator
	// Cache is consulted when the task is cacheable; nil disables caching
	Cache OutputCache
	// Overrides are user input values applied before execution
	Overrides map[string]any
	// Accumulate tells the runner to assemble text deltas per port and
	// enrich the finish payload. The graph scheduler decides this.
	Accumulate bool
	// InputStreams are live upstream streams keyed by input port
	InputStreams map[string]*stream.Reader
	// Logger receives diagnostics; nil uses the package default
	Logger log.Logger
	// ProgressInterval rate-limits progress events; zero means 100ms
	ProgressInterval time.Duration
	// StreamBuffer bounds the run's output stream; zero means 1000
	StreamBuffer int
}

// Runner drives one task through its lifecycle: input overrides, handle
// resolution, validation, cache lookup, dispatch, streaming accumulation
// and the final cache save. Task state is mutated only here.
type Runner struct {
	task *Task
	opts RunnerOptions
}

// NewRunner creates a runner for one run of the task.
func NewRunner(t *Task, opts RunnerOptions) *Runner {
	if opts.Logger == nil {
		opts.Logger = log.GetDefaultLogger()
	}
	if opts.Validator == nil {
		opts.Validator = schema.NewValidator()
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 100 * time.Millisecond
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = 1000
	}
	return &Runner{task: t, opts: opts}
}

// Open starts the run and returns its live event stream. The stream ends
// with exactly one terminal event; the enriched finish carries the task's
// final output.
func (r *Runner) Open(ctx context.Context) *stream.Reader {
	out, w := stream.Pipe(r.opts.StreamBuffer)
	go r.run(ctx, w)
	return out
}

// Run executes the task to completion and returns its final output.
func (r *Runner) Run(ctx context.Context) (map[string]any, error) {
	return stream.Drain(r.Open(ctx))
}

func (r *Runner) run(ctx context.Context, w *stream.Writer) {
	t := r.task

	// Release any upstream producers the behaviour did not drain.
	defer func() {
		for _, in := range r.opts.InputStreams {
			in.Close()
		}
	}()

	if dl := t.DeadlineAt(); !dl.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, dl)
		defer cancel()
	}

	if t.Status() == StatusDisabled {
		err := &ConfigurationError{Reason: fmt.Sprintf("task %s is disabled", t.id)}
		w.Send(stream.Fail(err))
		w.Close()
		return
	}

	if err := t.begin(); err != nil {
		w.Send(stream.Fail(err))
		w.Close()
		return
	}

	if err := t.SetInput(r.opts.Overrides); err != nil {
		r.fail(ctx, w, &InvalidInputError{Err: err})
		return
	}

	raw := t.inputSnapshot()
	if err := r.opts.Validator.Validate(t.Type(), t.InputSchema(), raw); err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			r.fail(ctx, w, &InvalidInputError{Err: err})
		} else {
			r.fail(ctx, w, &ConfigurationError{Reason: err.Error()})
		}
		return
	}

	resolved, err := r.resolveHandles(ctx, raw)
	if err != nil {
		r.fail(ctx, w, err)
		return
	}

	c := &Context{
		Context:         ctx,
		task:            t,
		services:        r.opts.Services,
		progressLimiter: rate.NewLimiter(rate.Every(r.opts.ProgressInterval), 1),
		inputStreams:    r.opts.InputStreams,
	}

	cacheable := t.Definition().Cacheable && r.opts.Cache != nil
	if cacheable {
		cached, hit, cerr := r.opts.Cache.GetOutput(ctx, t.Type(), resolved)
		if cerr != nil {
			r.opts.Logger.Warn("task %s: cache read failed, treating as miss: %v", t.id, cerr)
		} else if hit {
			r.replay(c, w, resolved, cached)
			return
		}
	}

	useStream := false
	sexec, hasStream := t.behaviour.(StreamExecutor)
	if hasStream {
		_, hasExec := t.behaviour.(Executor)
		useStream = t.OutputSchema().HasStreamingPort() || !hasExec
	}

	var output map[string]any
	if useStream {
		output, err = r.runStream(c, w, sexec, resolved)
	} else {
		output, err = r.runAtomic(c, resolved)
	}
	if err != nil {
		r.fail(ctx, w, err)
		return
	}

	if cacheable {
		if cerr := r.opts.Cache.PutOutput(ctx, t.Type(), resolved, output); cerr != nil {
			r.opts.Logger.Warn("task %s: cache write failed: %v", t.id, cerr)
		}
	}

	if !useStream {
		// Atomic runs still end their wire stream with the finish event.
		w.Send(stream.Finish(output))
	}
	t.completeWith(output)
	w.Close()
}

// replay satisfies the streaming event contract from a cached output: a
// synthetic stream holding a single finish event, followed by the
// reactive hook for live previews.
func (r *Runner) replay(c *Context, w *stream.Writer, resolved, cached map[string]any) {
	t := r.task

	// The synthetic stream carries the cached data untouched; the
	// reactive recompute runs after the finish is on the wire and only
	// adjusts the task's recorded output.
	t.events.emit(Event{Type: EventStreamStart})
	finish := stream.Finish(cached)
	w.Send(finish)
	t.events.emit(Event{Type: EventStreamChunk, Chunk: &finish})
	t.events.emit(Event{Type: EventStreamEnd})

	final := cached
	if reactive, ok := t.behaviour.(ReactiveExecutor); ok {
		res, err := reactive.ExecuteReactive(c, resolved, cached)
		if err != nil {
			r.opts.Logger.Warn("task %s: reactive recompute failed, keeping cached output: %v", t.id, err)
		} else if res != nil {
			final = res
		}
	}
	t.completeWith(final)
	w.Close()
}

// runAtomic dispatches Execute, fanning out once per element when a
// replicating port holds an array.
func (r *Runner) runAtomic(c *Context, resolved map[string]any) (out map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &FailedError{Cause: fmt.Errorf("panic: %v", rec)}
		}
	}()

	exec, ok := r.task.behaviour.(Executor)
	if !ok {
		return nil, &ConfigurationError{
			Reason: fmt.Sprintf("task %s declares no streaming ports but only implements ExecuteStream", r.task.id),
		}
	}

	plans := replicateInputs(r.task.InputSchema(), resolved)
	if plans == nil {
		out, err = exec.Execute(c, resolved)
		if err != nil {
			return nil, r.classify(c, err)
		}
		r.task.setOutputSnapshot(out)
		return out, nil
	}

	collected := make(map[string][]any)
	var order []string
	for i, plan := range plans {
		if c.Err() != nil {
			return nil, r.classify(c, c.Err())
		}
		runOut, rerr := exec.Execute(c, plan)
		if rerr != nil {
			return nil, r.classify(c, rerr)
		}
		for k, v := range runOut {
			if _, seen := collected[k]; !seen {
				order = append(order, k)
			}
			collected[k] = append(collected[k], v)
		}
		c.Progress(float64(i+1) / float64(len(plans)) * 100)
	}
	out = make(map[string]any, len(order))
	for _, k := range order {
		out[k] = collected[k]
	}
	r.task.setOutputSnapshot(out)
	return out, nil
}

// runStream dispatches ExecuteStream and consumes the behaviour's stream:
// forwarding every event, folding text deltas when accumulation is on,
// and enriching the finish payload with the assembled strings.
func (r *Runner) runStream(c *Context, w *stream.Writer, sexec StreamExecutor, resolved map[string]any) (out map[string]any, err error) {
	t := r.task

	for name, p := range t.InputSchema().Properties {
		if p.Replicate {
			if _, isArr := resolved[name].([]any); isArr {
				return nil, &ConfigurationError{
					Reason: fmt.Sprintf("task %s: replication is not supported on streaming tasks", t.id),
				}
			}
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = &FailedError{Cause: fmt.Errorf("panic: %v", rec)}
		}
	}()

	s, serr := sexec.ExecuteStream(c, resolved)
	if serr != nil {
		return nil, r.classify(c, serr)
	}

	// Unblock Recv when the run is cancelled.
	watch, stopWatch := context.WithCancel(c)
	defer stopWatch()
	go func() {
		<-watch.Done()
		if c.Err() != nil {
			s.Close()
		}
	}()

	t.markStreaming()
	t.events.emit(Event{Type: EventStreamStart})

	var acc *stream.Accumulator
	if r.opts.Accumulate {
		acc = stream.NewAccumulator()
	}

	for {
		ev, rerr := s.Recv()
		if rerr != nil {
			if c.Err() != nil {
				// Partial accumulation is discarded on abort.
				return nil, r.classify(c, c.Err())
			}
			if errors.Is(rerr, io.EOF) {
				return nil, &FailedError{Cause: stream.ErrTruncated}
			}
			return nil, r.classify(c, rerr)
		}

		switch ev.Kind {
		case stream.KindTextDelta:
			port := t.OutputSchema().Port(ev.Port)
			if !port.Streams() && !t.Definition().DeltaStreaming {
				s.Close()
				return nil, &FailedError{
					Cause: fmt.Errorf("task %s emitted text-delta on non-append port %q", t.id, ev.Port),
				}
			}
			if acc != nil {
				acc.Fold(ev)
			}
			r.forward(w, ev)
		case stream.KindObjectDelta:
			r.forward(w, ev)
		case stream.KindSnapshot:
			t.setOutputSnapshot(ev.Data)
			r.forward(w, ev)
		case stream.KindFinish:
			final := ev.Data
			if acc != nil {
				final = acc.EnrichFinish(ev.Data)
			}
			enriched := stream.Finish(final)
			r.forward(w, enriched)
			t.events.emit(Event{Type: EventStreamEnd})
			return final, nil
		case stream.KindError:
			t.events.emit(Event{Type: EventStreamEnd})
			return nil, r.classify(c, ev.Err)
		}
	}
}

// forward mirrors a stream event to the run's output stream and the bus.
func (r *Runner) forward(w *stream.Writer, ev stream.Event) {
	w.Send(ev)
	r.task.events.emit(Event{Type: EventStreamChunk, Chunk: &ev})
}

// resolveHandles swaps handle IDs for live objects using the semantic-kind
// resolvers in the service registry. The task's stored snapshot keeps the
// raw IDs; resolved objects exist only for the duration of the run and
// are never serialised.
func (r *Runner) resolveHandles(ctx context.Context, input map[string]any) (map[string]any, error) {
	in := r.task.InputSchema()
	if r.opts.Services == nil || in == nil || len(in.Properties) == 0 {
		return input, nil
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = v
	}
	for port, p := range in.Properties {
		kind, _ := p.Kind()
		elemKind := ""
		if p.Items != nil {
			elemKind, _ = p.Items.Kind()
		}
		if kind == "" && elemKind == "" {
			continue
		}
		v, present := out[port]
		if !present {
			continue
		}
		switch val := v.(type) {
		case string:
			if kind == "" {
				continue
			}
			obj, err := r.resolveOne(ctx, kind, val)
			if err != nil {
				return nil, err
			}
			if obj != nil {
				out[port] = obj
			}
		case []any:
			if elemKind == "" {
				continue
			}
			resolvedArr := make([]any, len(val))
			for i, el := range val {
				id, isStr := el.(string)
				if !isStr {
					resolvedArr[i] = el
					continue
				}
				obj, err := r.resolveOne(ctx, elemKind, id)
				if err != nil {
					return nil, err
				}
				if obj != nil {
					resolvedArr[i] = obj
				} else {
					resolvedArr[i] = el
				}
			}
			out[port] = resolvedArr
		}
	}
	return out, nil
}

// resolveOne returns nil with no error when no resolver is registered for
// the kind; such ports carry the semantic tag for compatibility only.
func (r *Runner) resolveOne(ctx context.Context, kind, id string) (any, error) {
	res, ok := r.opts.Services.Resolver(kind)
	if !ok {
		return nil, nil
	}
	obj, err := res.Resolve(ctx, id)
	if err != nil {
		return nil, &NotFoundError{Kind: kind, ID: id, Err: err}
	}
	return obj, nil
}

// classify maps arbitrary failures onto the engine's error kinds.
func (r *Runner) classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var (
		invalid  *InvalidInputError
		cfg      *ConfigurationError
		aborted  *AbortedError
		failed   *FailedError
		timeout  *TimeoutError
		pressure *BackpressureError
		missing  *NotFoundError
	)
	if errors.As(err, &invalid) || errors.As(err, &cfg) || errors.As(err, &aborted) ||
		errors.As(err, &failed) || errors.As(err, &timeout) || errors.As(err, &pressure) ||
		errors.As(err, &missing) {
		return err
	}
	if errors.Is(err, stream.ErrBackpressure) {
		return &BackpressureError{Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Deadline: r.task.DeadlineAt()}
	}
	if errors.Is(err, context.Canceled) {
		return &AbortedError{Cause: err}
	}
	if ctx != nil && ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Deadline: r.task.DeadlineAt()}
		}
		return &AbortedError{Cause: ctx.Err()}
	}
	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		return &InvalidInputError{Err: err}
	}
	return &FailedError{Cause: err}
}

// fail records the classified failure on the task and terminates the wire
// stream. Aborts take the ABORTING path; everything else fails directly.
func (r *Runner) fail(ctx context.Context, w *stream.Writer, err error) {
	err = r.classify(ctx, err)
	if IsAborted(err) {
		r.task.abortWith(err)
	} else {
		r.task.failWith(err)
	}
	w.Send(stream.Fail(err))
	w.Close()
}

// replicateInputs expands the resolved input into one plan per element of
// each replicating array port, in sorted port order. It returns nil when
// no replication applies.
func replicateInputs(in *schema.Schema, resolved map[string]any) []map[string]any {
	if in == nil {
		return nil
	}
	var ports []string
	for name, p := range in.Properties {
		if !p.Replicate {
			continue
		}
		if arr, ok := resolved[name].([]any); ok && len(arr) > 0 {
			ports = append(ports, name)
		}
	}
	if len(ports) == 0 {
		return nil
	}
	sort.Strings(ports)

	plans := []map[string]any{resolved}
	for _, port := range ports {
		arr := resolved[port].([]any)
		next := make([]map[string]any, 0, len(plans)*len(arr))
		for _, base := range plans {
			for _, el := range arr {
				plan := make(map[string]any, len(base))
				for k, v := range base {
					plan[k] = v
				}
				plan[port] = el
				next = append(next, plan)
			}
		}
		plans = next
	}
	return plans
}
