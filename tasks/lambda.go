// Package tasks provides the built-in leaf task types: plain-function
// lambdas and an HTTP fetch whose failures feed the retry taxonomy.
package tasks

import (
	"github.com/taskweave/taskweave/schema"
	"github.com/taskweave/taskweave/stream"
	"github.com/taskweave/taskweave/task"
)

// LambdaType is the registered type name of function-wrapping tasks.
const LambdaType = "Lambda"

// ExecFunc is a plain function behaviour.
type ExecFunc func(ctx *task.Context, input map[string]any) (map[string]any, error)

// StreamFunc is a streaming function behaviour.
type StreamFunc func(ctx *task.Context, input map[string]any) (*stream.Reader, error)

// ReactiveFunc is a lightweight recomputation behaviour for live
// previews. It must be idempotent and side-effect free.
type ReactiveFunc func(ctx *task.Context, input, previous map[string]any) (map[string]any, error)

// LambdaOptions configures a lambda task. At least one of Fn and
// StreamFn must be set.
type LambdaOptions struct {
	// Type overrides the registered type name; empty means Lambda
	Type string
	// Input is the input schema; nil means an open object
	Input *schema.Schema
	// Output is the output schema; nil means an open object
	Output *schema.Schema
	// Defaults are instance default input values
	Defaults map[string]any
	// Cacheable enables output caching by input fingerprint
	Cacheable bool
	// Fn is the atomic behaviour
	Fn ExecFunc
	// StreamFn is the streaming behaviour
	StreamFn StreamFunc
	// ReactiveFn is the optional recomputation hook
	ReactiveFn ReactiveFunc
}

// NewLambda wraps plain functions as a task, the building block for
// one-off map and filter steps that do not warrant a registered type.
func NewLambda(id string, opts LambdaOptions) (*task.Task, error) {
	taskType := opts.Type
	if taskType == "" {
		taskType = LambdaType
	}
	input := opts.Input
	if input == nil {
		input = schema.Object(nil).WithAdditional()
	}
	output := opts.Output
	if output == nil {
		output = schema.Object(nil).WithAdditional()
	}
	def := task.Definition{
		Type:      taskType,
		Input:     input,
		Output:    output,
		Cacheable: opts.Cacheable,
	}
	return task.New(id, def, composeBehaviour(opts.Fn, opts.StreamFn, opts.ReactiveFn), opts.Defaults)
}

type execLambda struct{ fn ExecFunc }

func (l execLambda) Execute(ctx *task.Context, input map[string]any) (map[string]any, error) {
	return l.fn(ctx, input)
}

type streamLambda struct{ fn StreamFunc }

func (l streamLambda) ExecuteStream(ctx *task.Context, input map[string]any) (*stream.Reader, error) {
	return l.fn(ctx, input)
}

type reactiveLambda struct{ fn ReactiveFunc }

func (l reactiveLambda) ExecuteReactive(ctx *task.Context, input, previous map[string]any) (map[string]any, error) {
	return l.fn(ctx, input, previous)
}

// composeBehaviour builds a value whose method set matches exactly the
// functions given, so runners dispatch on the interfaces the lambda
// really implements.
func composeBehaviour(e ExecFunc, s StreamFunc, r ReactiveFunc) any {
	switch {
	case e != nil && s != nil && r != nil:
		return struct {
			execLambda
			streamLambda
			reactiveLambda
		}{execLambda{e}, streamLambda{s}, reactiveLambda{r}}
	case e != nil && s != nil:
		return struct {
			execLambda
			streamLambda
		}{execLambda{e}, streamLambda{s}}
	case e != nil && r != nil:
		return struct {
			execLambda
			reactiveLambda
		}{execLambda{e}, reactiveLambda{r}}
	case s != nil && r != nil:
		return struct {
			streamLambda
			reactiveLambda
		}{streamLambda{s}, reactiveLambda{r}}
	case e != nil:
		return execLambda{e}
	case s != nil:
		return streamLambda{s}
	default:
		// task.New rejects this; reactive alone cannot run.
		return nil
	}
}
