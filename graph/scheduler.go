package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/taskweave/taskweave/log"
	"github.com/taskweave/taskweave/registry"
	"github.com/taskweave/taskweave/schema"
	"github.com/taskweave/taskweave/stream"
	"github.com/taskweave/taskweave/task"
)

// Status is the graph-level run state.
type Status string

const (
	// StatusIdle means the scheduler has not started
	StatusIdle Status = "IDLE"
	// StatusRunning means a run is in progress
	StatusRunning Status = "RUNNING"
	// StatusCompleted means the last run finished successfully
	StatusCompleted Status = "COMPLETED"
	// StatusFailed means a task failure ended the last run
	StatusFailed Status = "FAILED"
	// StatusAborted means user cancellation ended the last run
	StatusAborted Status = "ABORTED"
)

// Options configures a Scheduler. The zero value runs with defaults: no
// services, no cache, unlimited concurrency, property-array merge.
type Options struct {
	// Services is the frozen service registry handed to tasks
	Services *registry.Registry
	// Cache is consulted for cacheable tasks; nil disables caching
	Cache task.OutputCache
	// Validator caches compiled schemas; nil builds a private one
	Validator *schema.Validator
	// MaxConcurrency caps concurrently running tasks; zero is unlimited
	MaxConcurrency int64
	// Logger receives diagnostics; nil uses the package default
	Logger log.Logger
	// Tee bounds fan-out branches of streaming producers
	Tee stream.TeeConfig
	// GracePeriod is how long the scheduler waits for running tasks to
	// settle after cancellation before reporting a hang; zero means 10s
	GracePeriod time.Duration
	// Merge selects how sink outputs combine into the graph output
	Merge MergeStrategy
	// StreamBuffer bounds each task's output stream; zero means 1000
	StreamBuffer int
	// ProgressInterval rate-limits per-task progress events
	ProgressInterval time.Duration
}

// Result is the outcome of one graph run.
type Result struct {
	// Status is the terminal graph state
	Status Status
	// Output is the merged sink output; nil unless the run completed
	Output map[string]any
	// Err is the first error observed, classified per the task kinds
	Err error
	// Incomplete lists IDs of tasks that did not reach a terminal state
	Incomplete []string
}

// Scheduler drives a graph to completion as a parallel wavefront: every
// task whose producers have terminated runs concurrently, streaming
// producers feed eager consumers through bounded tees, and sink outputs
// merge per the configured strategy.
type Scheduler struct {
	g    *Graph
	opts Options

	mu     sync.Mutex
	status Status
}

// NewScheduler creates a scheduler for the graph.
func NewScheduler(g *Graph, opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = log.GetDefaultLogger()
	}
	if opts.Validator == nil {
		opts.Validator = schema.NewValidator()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 10 * time.Second
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = 1000
	}
	if opts.Tee.Buffer <= 0 {
		opts.Tee = stream.DefaultTeeConfig()
	}
	if opts.Merge == "" {
		opts.Merge = MergePropertyArray
	}
	return &Scheduler{g: g, opts: opts, status: StatusIdle}
}

// Status returns the scheduler's current run state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scheduler) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// node is the scheduler's per-task bookkeeping for one run.
type node struct {
	t   *task.Task
	in  []Dataflow
	out []Dataflow

	// pendingMaterial counts materialising producers not yet terminal;
	// pendingEager counts eager producers that have not emitted yet
	pendingMaterial int
	pendingEager    int

	eagerStreams map[string]*stream.Reader
	accumulate   bool

	launched bool
	settled  bool
	skipped  bool
	failed   bool
}

// schedEvent is a notification from a running task's drain goroutine.
type schedEvent struct {
	id string
	// firstEvent is true when the producer emitted its first stream
	// event; eager consumers become launchable then
	firstEvent bool
	// done carries the terminal outcome when firstEvent is false
	output map[string]any
	err    error
}

// Run executes the graph to completion. The input is applied to every
// source task's matching ports before execution; each task's schema
// filters the keys it accepts. Tasks are reset first, so a scheduler can
// re-run the same graph.
//
// The returned error mirrors Result.Err; configuration problems (cycles,
// a run already in progress) are returned before any task starts.
func (s *Scheduler) Run(ctx context.Context, input map[string]any) (*Result, error) {
	s.mu.Lock()
	if s.status == StatusRunning {
		s.mu.Unlock()
		return nil, &task.ConfigurationError{Reason: "graph is already running"}
	}
	s.status = StatusRunning
	s.mu.Unlock()

	res, err := s.run(ctx, input)
	if res != nil {
		s.setStatus(res.Status)
	} else {
		s.setStatus(StatusIdle)
	}
	return res, err
}

func (s *Scheduler) run(ctx context.Context, input map[string]any) (*Result, error) {
	topo, err := s.g.TopoOrder()
	if err != nil {
		return nil, err
	}
	if err := s.g.ResetTasks(); err != nil {
		return nil, err
	}
	for _, src := range s.g.Sources() {
		if err := src.SetInput(input); err != nil {
			return nil, err
		}
	}

	nodes := s.buildNodes(topo)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sem *semaphore.Weighted
	if s.opts.MaxConcurrency > 0 {
		sem = semaphore.NewWeighted(s.opts.MaxConcurrency)
	}

	events := make(chan schedEvent, len(nodes)*2)

	running := 0
	var firstErr error
	cancelled := false
	userCancel := false

	launchReady := func() {
		for _, id := range topo {
			n := nodes[id]
			if n.launched || n.settled || n.skipped || cancelled {
				continue
			}
			if n.pendingMaterial > 0 || n.pendingEager > 0 {
				continue
			}
			s.launch(runCtx, n, nodes, sem, events)
			running++
		}
	}

	var grace <-chan time.Time
	ctxDone := ctx.Done()
	launchReady()

	for running > 0 {
		select {
		case ev := <-events:
			n := nodes[ev.id]
			if ev.firstEvent {
				for _, d := range n.out {
					if s.eager(d) {
						nodes[d.TargetTaskID].pendingEager--
					}
				}
				launchReady()
				continue
			}

			running--
			n.settled = true
			if ev.err != nil {
				n.failed = true
				if n.t.Optional() {
					s.opts.Logger.Warn("graph: optional task %s failed: %v", ev.id, ev.err)
					s.skipDownstream(n, nodes)
				} else if firstErr == nil {
					firstErr = ev.err
					cancelled = true
					cancel()
					grace = time.After(s.opts.GracePeriod)
				}
			} else {
				s.stage(n, nodes, ev.output)
			}
			launchReady()

		case <-ctxDone:
			ctxDone = nil
			if !cancelled {
				cancelled = true
				userCancel = true
				cancel()
				grace = time.After(s.opts.GracePeriod)
			}

		case <-grace:
			// Tasks ignoring cancellation past the grace period are
			// reported as hangs and abandoned.
			for id, n := range nodes {
				if n.launched && !n.settled {
					s.opts.Logger.Error("graph: task %s did not settle after cancellation", id)
					if firstErr == nil {
						firstErr = &task.HangError{TaskID: id, Grace: s.opts.GracePeriod}
					}
				}
			}
			running = 0
		}
	}

	// Outer cancellation may surface first as a task's abort error; the
	// run is still a user cancellation, not a failure.
	if ctx.Err() != nil && !userCancel {
		cancelled = true
		if firstErr == nil || task.IsAborted(firstErr) {
			userCancel = true
		}
	}

	return s.settle(topo, nodes, firstErr, cancelled, userCancel)
}

// buildNodes prepares per-task bookkeeping: edge classification, the
// accumulation decision, and disabled-task skip propagation.
func (s *Scheduler) buildNodes(topo []string) map[string]*node {
	nodes := make(map[string]*node, len(topo))
	for _, t := range s.g.Tasks() {
		nodes[t.ID()] = &node{
			t:            t,
			in:           s.g.In(t.ID()),
			out:          s.g.Out(t.ID()),
			eagerStreams: make(map[string]*stream.Reader),
		}
	}
	for _, n := range nodes {
		for _, d := range n.in {
			if s.eager(d) {
				n.pendingEager++
			} else {
				n.pendingMaterial++
			}
		}
		n.accumulate = s.shouldAccumulate(n)
	}
	// A disabled task and everything downstream of it is skipped.
	for _, id := range topo {
		n := nodes[id]
		if n.t.Status() == task.StatusDisabled {
			n.skipped = true
		}
		if n.skipped {
			continue
		}
		for _, d := range n.in {
			if nodes[d.SourceTaskID].skipped {
				n.skipped = true
				break
			}
		}
	}
	return nodes
}

// eager reports whether the edge starts its consumer on the producer's
// first event instead of materialising the final value. Both ports must
// declare append streaming; wildcard edges always materialise.
func (s *Scheduler) eager(d Dataflow) bool {
	if d.SourceTaskPortID == AllPorts || d.TargetTaskPortID == AllPorts {
		return false
	}
	src := s.g.Task(d.SourceTaskID).OutputSchema().Port(d.SourceTaskPortID)
	tgt := s.g.Task(d.TargetTaskID).InputSchema().Port(d.TargetTaskPortID)
	return src.Streams() && tgt.Streams()
}

// shouldAccumulate decides per producer whether its runner assembles
// text deltas. Pass-through is allowed only when every outgoing edge is
// an eager streaming edge and no cache will store the output; a sink's
// output always materialises for the graph merge.
func (s *Scheduler) shouldAccumulate(n *node) bool {
	cacheActive := s.opts.Cache != nil && n.t.Definition().Cacheable
	if cacheActive || len(n.out) == 0 {
		return true
	}
	for _, d := range n.out {
		if !s.eager(d) {
			return true
		}
	}
	return false
}

// launch starts one task: its eager out-edges get tee branches off the
// task's live stream, and a drain goroutine reports the first event and
// the terminal outcome.
func (s *Scheduler) launch(ctx context.Context, n *node, nodes map[string]*node, sem *semaphore.Weighted, events chan<- schedEvent) {
	n.launched = true

	var eagerOuts []Dataflow
	for _, d := range n.out {
		if s.eager(d) && !nodes[d.TargetTaskID].skipped {
			eagerOuts = append(eagerOuts, d)
		}
	}

	// The relay decouples the runner's stream from the tee so branches
	// exist before the task acquires its concurrency slot.
	var relayW *stream.Writer
	if len(eagerOuts) > 0 {
		relayR, w := stream.Pipe(s.opts.StreamBuffer)
		relayW = w
		branches := stream.Tee(relayR, len(eagerOuts), s.opts.Tee)
		for i, d := range eagerOuts {
			nodes[d.TargetTaskID].eagerStreams[d.TargetTaskPortID] = branches[i]
		}
	}

	runner := task.NewRunner(n.t, task.RunnerOptions{
		Services:         s.opts.Services,
		Validator:        s.opts.Validator,
		Cache:            s.opts.Cache,
		Accumulate:       n.accumulate,
		InputStreams:     n.eagerStreams,
		Logger:           s.opts.Logger,
		StreamBuffer:     s.opts.StreamBuffer,
		ProgressInterval: s.opts.ProgressInterval,
	})

	go func() {
		if sem != nil {
			if err := sem.Acquire(ctx, 1); err != nil {
				if relayW != nil {
					relayW.Close()
				}
				events <- schedEvent{id: n.t.ID(), err: &task.AbortedError{Cause: err}}
				return
			}
			defer sem.Release(1)
		}

		r := runner.Open(ctx)
		first := true
		var output map[string]any
		var failure error
		for {
			ev, err := r.Recv()
			if err != nil {
				break
			}
			if first {
				first = false
				events <- schedEvent{id: n.t.ID(), firstEvent: true}
			}
			if relayW != nil {
				relayW.Send(ev)
			}
			switch ev.Kind {
			case stream.KindFinish:
				output = ev.Data
			case stream.KindError:
				failure = ev.Err
			}
		}
		if relayW != nil {
			relayW.Close()
		}
		if output == nil && failure == nil {
			failure = &task.FailedError{Cause: stream.ErrTruncated}
		}
		events <- schedEvent{id: n.t.ID(), output: output, err: failure}
	}()
}

// stage writes a finished producer's output into its materialising
// consumers, in dataflow declaration order. Multiple edges into one port
// accumulate into an array through the task's input rules.
func (s *Scheduler) stage(n *node, nodes map[string]*node, output map[string]any) {
	for _, d := range n.out {
		if s.eager(d) {
			continue
		}
		target := nodes[d.TargetTaskID]
		if target.skipped || target.settled {
			continue
		}
		values := edgeValues(d, output)
		if values != nil {
			if _, err := target.t.AddInput(values); err != nil {
				s.opts.Logger.Warn("graph: staging %s: %v", d, err)
			}
		}
		target.pendingMaterial--
	}
}

// edgeValues selects what an edge forwards from the producer's output.
func edgeValues(d Dataflow, output map[string]any) map[string]any {
	if d.SourceTaskPortID == AllPorts {
		if d.TargetTaskPortID == AllPorts {
			return output
		}
		return map[string]any{d.TargetTaskPortID: output}
	}
	v, ok := output[d.SourceTaskPortID]
	if !ok {
		return nil
	}
	port := d.TargetTaskPortID
	if port == AllPorts {
		port = d.SourceTaskPortID
	}
	return map[string]any{port: v}
}

// skipDownstream marks everything reachable from the node as skipped and
// releases any tee branches already handed to it.
func (s *Scheduler) skipDownstream(n *node, nodes map[string]*node) {
	for _, d := range n.out {
		target := nodes[d.TargetTaskID]
		if target.skipped || target.launched {
			continue
		}
		target.skipped = true
		for _, r := range target.eagerStreams {
			r.Close()
		}
		s.skipDownstream(target, nodes)
	}
}

// settle finalises the run: pending tasks are aborted when the run was
// cancelled, incomplete IDs collected, and sink outputs merged.
func (s *Scheduler) settle(topo []string, nodes map[string]*node, firstErr error, cancelled, userCancel bool) (*Result, error) {
	var incomplete []string
	for _, id := range topo {
		n := nodes[id]
		if n.settled {
			continue
		}
		// Branches handed to tasks that never ran would stall their
		// producers' tees.
		for _, r := range n.eagerStreams {
			r.Close()
		}
		if cancelled {
			n.t.AbortPending(firstErr)
		}
		if n.t.Status() != task.StatusDisabled {
			incomplete = append(incomplete, id)
		}
	}

	res := &Result{Incomplete: incomplete}
	switch {
	case firstErr == nil && !cancelled:
		res.Status = StatusCompleted
		res.Output = s.mergeOutputs(topo, nodes)
	case userCancel:
		res.Status = StatusAborted
		if firstErr == nil {
			firstErr = &task.AbortedError{Cause: context.Canceled}
		}
		res.Err = firstErr
	default:
		res.Status = StatusFailed
		if firstErr == nil {
			firstErr = &task.FailedError{Cause: fmt.Errorf("graph cancelled")}
		}
		res.Err = firstErr
	}
	return res, res.Err
}

// mergeOutputs combines completed sink outputs per the merge strategy.
func (s *Scheduler) mergeOutputs(topo []string, nodes map[string]*node) map[string]any {
	var sinks []*task.Task
	for _, id := range topo {
		n := nodes[id]
		if len(n.out) == 0 && n.t.Status() == task.StatusCompleted {
			sinks = append(sinks, n.t)
		}
	}
	return Merge(s.opts.Merge, sinks)
}
