package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/loomhq/loom/pkg/agent/tools"
	"github.com/loomhq/loom/pkg/logging"
)

// DefaultToolTimeout bounds a single tool invocation when no timeout is
// configured.
const DefaultToolTimeout = 2 * time.Minute

// Dispatcher routes validated invocations to tool handlers. It owns timing,
// panic containment, and result normalization; all side effects belong to
// the handlers themselves.
type Dispatcher struct {
	registry  *tools.Registry
	timeout   time.Duration
	parallel  bool
	allowlist []glob.Glob
	log       *logging.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithToolTimeout sets the per-invocation timeout.
func WithToolTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		dp.timeout = d
	}
}

// WithParallelDispatch allows invocations within one turn to execute
// concurrently. Results are still recorded in invocation order.
func WithParallelDispatch() DispatcherOption {
	return func(dp *Dispatcher) {
		dp.parallel = true
	}
}

// WithAllowlist restricts dispatch to tools whose names match at least one
// glob pattern. An empty allowlist permits everything.
func WithAllowlist(patterns []string) (DispatcherOption, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid allowlist pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return func(dp *Dispatcher) {
		dp.allowlist = globs
	}, nil
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *tools.Registry, opts ...DispatcherOption) *Dispatcher {
	log, _ := logging.NewLogger("dispatch")
	dp := &Dispatcher{
		registry: registry,
		timeout:  DefaultToolTimeout,
		log:      log,
	}
	for _, opt := range opts {
		opt(dp)
	}
	return dp
}

// DispatchAll executes the checked invocations and returns one result per
// verdict, in invocation order. Pre-rejected verdicts pass through untouched.
//
// Sequential mode (the default) starts each invocation only after the prior
// one's result is recorded, preserving causal ordering for tools that mutate
// shared state. Parallel mode runs handlers concurrently but still returns
// results in invocation order, not completion order.
func (dp *Dispatcher) DispatchAll(ctx context.Context, checked []CheckedInvocation) []ToolResult {
	if dp.parallel {
		return dp.dispatchParallel(ctx, checked)
	}

	results := make([]ToolResult, 0, len(checked))
	for _, cv := range checked {
		if cv.Reject != nil {
			results = append(results, *cv.Reject)
			continue
		}
		if ctx.Err() != nil {
			results = append(results, failedResult(cv.Invocation.Identity, cv.Invocation.ToolName,
				ErrorKindCancelled, "session cancelled before dispatch"))
			continue
		}
		results = append(results, dp.Dispatch(ctx, cv.Invocation))
	}
	return results
}

func (dp *Dispatcher) dispatchParallel(ctx context.Context, checked []CheckedInvocation) []ToolResult {
	results := make([]ToolResult, len(checked))
	var wg sync.WaitGroup

	for i, cv := range checked {
		if cv.Reject != nil {
			results[i] = *cv.Reject
			continue
		}
		wg.Add(1)
		go func(i int, inv ToolInvocation) {
			defer wg.Done()
			results[i] = dp.Dispatch(ctx, inv)
		}(i, cv.Invocation)
	}

	wg.Wait()
	return results
}

// Dispatch executes one invocation, bounded by the per-invocation timeout.
// Handler panics and timeouts become failed results, never caller failures.
func (dp *Dispatcher) Dispatch(ctx context.Context, inv ToolInvocation) ToolResult {
	if !dp.allowed(inv.ToolName) {
		return failedResult(inv.Identity, inv.ToolName, ErrorKindNotAllowed,
			fmt.Sprintf("tool %q is not permitted by the session allowlist", inv.ToolName))
	}

	tool, ok := dp.registry.Get(inv.ToolName)
	if !ok {
		// Validator should have caught this; normalize it anyway.
		return failedResult(inv.Identity, inv.ToolName, ErrorKindUnknownTool,
			fmt.Sprintf("no tool named %q is available", inv.ToolName))
	}

	callCtx, cancel := context.WithTimeout(ctx, dp.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan execOutcome, 1)
	go func() {
		output, err := dp.executeSafely(callCtx, tool, inv.Arguments)
		done <- execOutcome{output: output, err: err}
	}()

	// The timeout is enforced here, not trusted to the handler: a handler
	// that ignores its context still cannot stall the turn.
	select {
	case out := <-done:
		elapsed := time.Since(start)
		if out.err != nil {
			kind := ErrorKindInternal
			if callCtx.Err() == context.DeadlineExceeded {
				kind = ErrorKindTimeout
			} else if ctx.Err() != nil {
				kind = ErrorKindCancelled
			}
			dp.log.Warnf("tool %s failed after %s: %v", inv.ToolName, elapsed, out.err)
			return failedResult(inv.Identity, inv.ToolName, kind, out.err.Error())
		}
		dp.log.Debugf("tool %s completed in %s", inv.ToolName, elapsed)
		return ToolResult{
			Identity:     inv.Identity,
			ToolName:     inv.ToolName,
			Succeeded:    true,
			Output:       out.output,
			LoopBreaking: tool.IsLoopBreaking(),
		}
	case <-callCtx.Done():
		kind := ErrorKindTimeout
		if ctx.Err() != nil {
			kind = ErrorKindCancelled
		}
		dp.log.Warnf("tool %s abandoned after %s", inv.ToolName, time.Since(start))
		return failedResult(inv.Identity, inv.ToolName, kind,
			fmt.Sprintf("tool %q did not complete within %s", inv.ToolName, dp.timeout))
	}
}

type execOutcome struct {
	output string
	err    error
}

// executeSafely runs the handler, converting panics into errors.
func (dp *Dispatcher) executeSafely(ctx context.Context, tool tools.Tool, args map[string]interface{}) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return tool.Execute(ctx, args)
}

func (dp *Dispatcher) allowed(toolName string) bool {
	if len(dp.allowlist) == 0 {
		return true
	}
	for _, g := range dp.allowlist {
		if g.Match(toolName) {
			return true
		}
	}
	return false
}
