// Package router maps a todo's layer to the executor that runs it.
//
// The capability table is resolved once at construction. Dispatch suspends
// the caller until the executor returns, the todo's deadline passes, or the
// caller's context is cancelled. On timeout the router returns a synthetic
// failed result and cancels the executor's context without waiting for it to
// acknowledge.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semplan/workflow"
)

// DefaultTimeout applies to todos without timeout_seconds.
const DefaultTimeout = 5 * time.Minute

// Output is what an executor hands back on success.
type Output struct {
	Data json.RawMessage `json:"data,omitempty"`
	// InputPrompt asks a human for input instead of finishing. The todo is
	// parked behind an input_request event and re-dispatched with the answer.
	InputPrompt string `json:"input_prompt,omitempty"`
}

// Executor runs todos for one layer. Implementations must return promptly
// once ctx is done.
type Executor interface {
	Execute(ctx context.Context, params json.RawMessage) (*Output, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, params json.RawMessage) (*Output, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, params json.RawMessage) (*Output, error) {
	return f(ctx, params)
}

// Option configures a Router.
type Option func(*Router)

// WithDefaultTimeout sets the deadline for todos without their own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides time.Now for result timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// Router dispatches todos to layer executors. It is safe for concurrent use.
type Router struct {
	executors      map[workflow.Layer]Executor
	defaultTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// New builds a router from a layer capability table. Unknown layers and nil
// executors are rejected.
func New(executors map[workflow.Layer]Executor, opts ...Option) (*Router, error) {
	table := make(map[workflow.Layer]Executor, len(executors))
	for layer, exec := range executors {
		if !layer.IsValid() {
			return nil, fmt.Errorf("%w: %q", workflow.ErrInvalidLayer, layer)
		}
		if exec == nil {
			return nil, fmt.Errorf("nil executor for layer %q", layer)
		}
		table[layer] = exec
	}
	r := &Router{
		executors:      table,
		defaultTimeout: DefaultTimeout,
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Layers returns the layers with a registered executor.
func (r *Router) Layers() []workflow.Layer {
	out := make([]workflow.Layer, 0, len(r.executors))
	for l := range r.executors {
		out = append(out, l)
	}
	slices.Sort(out)
	return out
}

// Has reports whether a layer has an executor.
func (r *Router) Has(layer workflow.Layer) bool {
	_, ok := r.executors[layer]
	return ok
}

type outcome struct {
	out *Output
	err error
}

// Dispatch runs one attempt of a todo. Executor failures, timeouts and
// cancellation come back as a failed result with a nil error. The only error
// return is *workflow.NoExecutorError, which also carries a failed result.
func (r *Router) Dispatch(ctx context.Context, planID string, todo *workflow.Todo, attempt int) (*workflow.ExecutionResult, error) {
	result := &workflow.ExecutionResult{
		ID:        uuid.NewString(),
		PlanID:    planID,
		TodoID:    todo.ID,
		Layer:     todo.Layer,
		Attempt:   attempt,
		StartedAt: r.now(),
	}

	exec, ok := r.executors[todo.Layer]
	if !ok {
		err := &workflow.NoExecutorError{Layer: todo.Layer, TodoID: todo.ID}
		result.Reason = workflow.ReasonNoExecutor
		result.Error = err.Error()
		result.FinishedAt = result.StartedAt
		return result, err
	}

	timeout := todo.Timeout()
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	params := todo.Params
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("executor panic: %v", p)}
			}
		}()
		out, err := exec.Execute(execCtx, params)
		done <- outcome{out: out, err: err}
	}()

	r.logger.Debug("Dispatched todo",
		"plan_id", planID,
		"todo_id", todo.ID,
		"layer", todo.Layer,
		"attempt", attempt,
		"timeout", timeout)

	select {
	case o := <-done:
		result.FinishedAt = r.now()
		if o.err != nil {
			result.Reason = workflow.ReasonExecutorError
			if errors.Is(o.err, context.Canceled) && ctx.Err() != nil {
				result.Reason = workflow.ReasonCancelled
			} else if errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil {
				result.Reason = workflow.ReasonTimeout
			}
			result.Error = o.err.Error()
			return result, nil
		}
		result.Success = true
		if o.out != nil {
			result.Data = o.out.Data
			result.InputPrompt = o.out.InputPrompt
		}
		return result, nil

	case <-execCtx.Done():
		result.FinishedAt = r.now()
		if ctx.Err() != nil {
			result.Reason = workflow.ReasonCancelled
			result.Error = fmt.Sprintf("dispatch cancelled: %v", ctx.Err())
		} else {
			result.Reason = workflow.ReasonTimeout
			result.Error = fmt.Sprintf("executor did not finish within %s", timeout)
		}
		r.logger.Warn("Todo dispatch abandoned",
			"plan_id", planID,
			"todo_id", todo.ID,
			"reason", result.Reason)
		return result, nil
	}
}
