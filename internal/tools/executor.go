package tools

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/llmrtc/llmrtc/internal/hooks"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// defaultToolTimeout applies when a tool declares no MaxDurationMs.
const defaultToolTimeout = 10 * time.Second

// defaultMaxConcurrency caps in-flight handler calls within a single
// "parallel" run when no WithMaxConcurrency option is supplied.
const defaultMaxConcurrency = 4

// Executor dispatches validated tool calls to their registered handlers,
// partitioning a single LLM turn's batch of calls into sequential and
// parallel runs according to each tool's declared Policy, and enforcing a
// per-call timeout.
type Executor struct {
	registry *Registry
	hooks    *hooks.Dispatcher

	maxConcurrency    int
	validateArguments bool
}

// ExecutorOption configures an Executor at construction time.
type ExecutorOption func(*Executor)

// WithMaxConcurrency caps how many calls in a single "parallel" run are
// in flight at once. n <= 0 is ignored and the default (4) is kept.
func WithMaxConcurrency(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxConcurrency = n
		}
	}
}

// WithValidateArguments toggles whether call arguments are validated
// against each tool's declared JSON Schema before the handler runs.
// Enabled by default; disabling it skips straight to JSON-decoding the
// arguments, so arguments that violate the schema are no longer rejected
// before the handler runs.
func WithValidateArguments(enabled bool) ExecutorOption {
	return func(e *Executor) { e.validateArguments = enabled }
}

// NewExecutor returns an Executor backed by registry. A nil hooks
// dispatcher is replaced with a no-op one. Defaults: maxConcurrency 4,
// validateArguments enabled; override either with ExecutorOption.
func NewExecutor(registry *Registry, h *hooks.Dispatcher, opts ...ExecutorOption) *Executor {
	if h == nil {
		h = hooks.New(hooks.Hooks{}, nil)
	}
	e := &Executor{
		registry:          registry,
		hooks:             h,
		maxConcurrency:    defaultMaxConcurrency,
		validateArguments: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs every call in calls, grouped by the run-partitioning rule:
// calls are processed in their original order, but consecutive calls whose
// tool Policy is "parallel" run concurrently as a batch, while any call
// whose Policy is "sequential" (the default for unknown/empty policy) runs
// alone before the executor moves to the next call or batch.
//
// Execute always returns exactly one ToolCallResult per input ToolCall, in
// the same order, even when a call fails validation or times out — a
// failed call produces a result with Err set rather than being omitted.
func (e *Executor) Execute(ctx context.Context, turn types.TurnContext, calls []types.ToolCall) []types.ToolCallResult {
	results := make([]types.ToolCallResult, len(calls))

	i := 0
	for i < len(calls) {
		if isParallel(e.registry, calls[i].Name) {
			j := i
			for j < len(calls) && isParallel(e.registry, calls[j].Name) {
				j++
			}
			e.runParallel(ctx, turn, calls[i:j], results[i:j])
			i = j
			continue
		}
		results[i] = e.runOne(ctx, turn, calls[i])
		i++
	}
	return results
}

func isParallel(r *Registry, name string) bool {
	def, ok := r.Lookup(name)
	return ok && def.Policy == "parallel"
}

func (e *Executor) runParallel(ctx context.Context, turn types.TurnContext, calls []types.ToolCall, out []types.ToolCallResult) {
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, e.maxConcurrency)
	for idx := range calls {
		idx := idx
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				out[idx] = e.fail(ctx, turn, calls[idx], time.Now(), fmt.Errorf("tool %q cancelled: %w", calls[idx].Name, gctx.Err()))
				return nil
			}
			defer func() { <-sem }()
			out[idx] = e.runOne(gctx, turn, calls[idx])
			return nil
		})
	}
	// Handlers report failure through ToolCallResult.Err, never through the
	// group's error, so g.Wait never returns non-nil; it only blocks until
	// every handler in the batch has produced a result.
	_ = g.Wait()
}

func (e *Executor) runOne(ctx context.Context, turn types.TurnContext, call types.ToolCall) types.ToolCallResult {
	start := time.Now()
	ev := hooks.ToolEvent{SessionID: turn.SessionID, TurnID: turn.TurnID, CallID: call.ID, Name: call.Name}
	e.hooks.ToolStart(ctx, ev)

	var (
		args map[string]any
		err  error
	)
	if e.validateArguments {
		args, err = e.registry.Validate(call.Name, call.Arguments)
	} else {
		args, err = e.registry.Decode(call.Name, call.Arguments)
	}
	if err != nil {
		return e.fail(ctx, turn, call, start, fmt.Errorf("validate arguments: %w", err))
	}

	def, ok := e.registry.Lookup(call.Name)
	if !ok {
		return e.fail(ctx, turn, call, start, fmt.Errorf("%w: %q", ErrNotFound, call.Name))
	}

	timeout := time.Duration(def.MaxDurationMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := e.registry.lookupHandler(call.Name)
	if r == nil {
		return e.fail(ctx, turn, call, start, fmt.Errorf("%w: %q", ErrNotFound, call.Name))
	}

	info := CallInfo{SessionID: turn.SessionID, TurnID: turn.TurnID, CallID: call.ID, Name: call.Name}
	content, err := r.handler(callCtx, info, args)
	duration := time.Since(start)
	if err != nil {
		if callCtx.Err() != nil {
			err = fmt.Errorf("tool %q timed out after %s: %w", call.Name, timeout, err)
		}
		e.hooks.ToolError(ctx, hooks.ToolEvent{SessionID: turn.SessionID, TurnID: turn.TurnID, CallID: call.ID, Name: call.Name, Err: err, Duration: duration})
		e.hooks.ToolEnd(ctx, hooks.ToolEvent{SessionID: turn.SessionID, TurnID: turn.TurnID, CallID: call.ID, Name: call.Name, Err: err, Duration: duration})
		return types.ToolCallResult{ToolCallID: call.ID, Name: call.Name, Err: err, Duration: duration}
	}

	e.hooks.ToolEnd(ctx, hooks.ToolEvent{SessionID: turn.SessionID, TurnID: turn.TurnID, CallID: call.ID, Name: call.Name, Result: content, Duration: duration})
	return types.ToolCallResult{ToolCallID: call.ID, Name: call.Name, Content: content, Duration: duration}
}

func (e *Executor) fail(ctx context.Context, turn types.TurnContext, call types.ToolCall, start time.Time, err error) types.ToolCallResult {
	duration := time.Since(start)
	e.hooks.ToolError(ctx, hooks.ToolEvent{SessionID: turn.SessionID, TurnID: turn.TurnID, CallID: call.ID, Name: call.Name, Err: err, Duration: duration})
	e.hooks.ToolEnd(ctx, hooks.ToolEvent{SessionID: turn.SessionID, TurnID: turn.TurnID, CallID: call.ID, Name: call.Name, Err: err, Duration: duration})
	return types.ToolCallResult{ToolCallID: call.ID, Name: call.Name, Err: err, Duration: duration}
}
