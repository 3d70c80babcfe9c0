package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/agent/tools"
)

func acceptedInvocation(tool, command string) CheckedInvocation {
	return CheckedInvocation{Invocation: ToolInvocation{
		Identity:  fmt.Sprintf("call-%s-%s", tool, command),
		ToolName:  tool,
		Arguments: map[string]interface{}{"command": command},
	}}
}

func TestDispatchSuccess(t *testing.T) {
	ft := &fakeTool{name: "shell", execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
		return "listing", nil
	}}
	registry, err := tools.NewRegistry(ft)
	require.NoError(t, err)
	dp := NewDispatcher(registry)

	res := dp.Dispatch(context.Background(), acceptedInvocation("shell", "ls").Invocation)
	assert.True(t, res.Succeeded)
	assert.Equal(t, "listing", res.Output)
	assert.Equal(t, ErrorKindNone, res.ErrorKind)
	assert.Equal(t, 1, ft.callCount())
}

func TestDispatchHandlerError(t *testing.T) {
	ft := &fakeTool{name: "shell", execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
		return "", errors.New("disk on fire")
	}}
	registry, err := tools.NewRegistry(ft)
	require.NoError(t, err)
	dp := NewDispatcher(registry)

	res := dp.Dispatch(context.Background(), acceptedInvocation("shell", "ls").Invocation)
	assert.False(t, res.Succeeded)
	assert.Equal(t, ErrorKindInternal, res.ErrorKind)
	assert.Contains(t, res.Output, "disk on fire")
}

func TestDispatchPanicBecomesFailedResult(t *testing.T) {
	ft := &fakeTool{name: "shell", execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
		panic("boom")
	}}
	registry, err := tools.NewRegistry(ft)
	require.NoError(t, err)
	dp := NewDispatcher(registry)

	res := dp.Dispatch(context.Background(), acceptedInvocation("shell", "ls").Invocation)
	assert.False(t, res.Succeeded)
	assert.Equal(t, ErrorKindInternal, res.ErrorKind)
	assert.Contains(t, res.Output, "boom")
}

func TestDispatchTimeoutOnStalledHandler(t *testing.T) {
	// The handler ignores its context entirely; the dispatcher must still
	// abandon it and hand back a timeout result.
	block := make(chan struct{})
	defer close(block)
	ft := &fakeTool{name: "shell", execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
		<-block
		return "too late", nil
	}}
	registry, err := tools.NewRegistry(ft)
	require.NoError(t, err)
	dp := NewDispatcher(registry, WithToolTimeout(25*time.Millisecond))

	start := time.Now()
	res := dp.Dispatch(context.Background(), acceptedInvocation("shell", "sleep").Invocation)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, res.Succeeded)
	assert.Equal(t, ErrorKindTimeout, res.ErrorKind)
}

func TestDispatchCancelledContext(t *testing.T) {
	ft := &fakeTool{name: "shell", execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	registry, err := tools.NewRegistry(ft)
	require.NoError(t, err)
	dp := NewDispatcher(registry)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := dp.Dispatch(ctx, acceptedInvocation("shell", "ls").Invocation)
	assert.False(t, res.Succeeded)
	assert.Equal(t, ErrorKindCancelled, res.ErrorKind)
}

func TestDispatchAllowlistBlocks(t *testing.T) {
	ft := &fakeTool{name: "shell"}
	registry, err := tools.NewRegistry(ft)
	require.NoError(t, err)

	allow, err := WithAllowlist([]string{"read_*"})
	require.NoError(t, err)
	dp := NewDispatcher(registry, allow)

	res := dp.Dispatch(context.Background(), acceptedInvocation("shell", "ls").Invocation)
	assert.False(t, res.Succeeded)
	assert.Equal(t, ErrorKindNotAllowed, res.ErrorKind)
	assert.Equal(t, 0, ft.callCount())
}

func TestDispatchAllowlistGlobMatch(t *testing.T) {
	ft := &fakeTool{name: "shell"}
	registry, err := tools.NewRegistry(ft)
	require.NoError(t, err)

	allow, err := WithAllowlist([]string{"sh*"})
	require.NoError(t, err)
	dp := NewDispatcher(registry, allow)

	res := dp.Dispatch(context.Background(), acceptedInvocation("shell", "ls").Invocation)
	assert.True(t, res.Succeeded)
}

func TestAllowlistRejectsBadPattern(t *testing.T) {
	_, err := WithAllowlist([]string{"[unclosed"})
	require.Error(t, err)
}

func TestDispatchAllSequentialOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string
	ft := &fakeTool{name: "shell", execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
		mu.Lock()
		order = append(order, args["command"].(string))
		mu.Unlock()
		return args["command"].(string), nil
	}}
	registry, err := tools.NewRegistry(ft)
	require.NoError(t, err)
	dp := NewDispatcher(registry)

	checked := []CheckedInvocation{
		acceptedInvocation("shell", "first"),
		acceptedInvocation("shell", "second"),
		acceptedInvocation("shell", "third"),
	}
	results := dp.DispatchAll(context.Background(), checked)

	require.Len(t, results, 3)
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Equal(t, "first", results[0].Output)
	assert.Equal(t, "third", results[2].Output)
}

func TestDispatchAllPassesRejectsThrough(t *testing.T) {
	ft := &fakeTool{name: "shell"}
	registry, err := tools.NewRegistry(ft)
	require.NoError(t, err)
	dp := NewDispatcher(registry)

	reject := failedResult("call-x", "nope", ErrorKindUnknownTool, "no tool named \"nope\"")
	checked := []CheckedInvocation{
		{Reject: &reject},
		acceptedInvocation("shell", "ls"),
	}
	results := dp.DispatchAll(context.Background(), checked)

	require.Len(t, results, 2)
	assert.Equal(t, ErrorKindUnknownTool, results[0].ErrorKind)
	assert.True(t, results[1].Succeeded)
	assert.Equal(t, 1, ft.callCount())
}

func TestDispatchAllParallelResultsInInvocationOrder(t *testing.T) {
	// The first invocation finishes last; its result must still come first.
	release := make(chan struct{})
	ft := &fakeTool{name: "shell", execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
		cmd := args["command"].(string)
		if cmd == "slow" {
			<-release
		} else {
			close(release)
		}
		return cmd, nil
	}}
	registry, err := tools.NewRegistry(ft)
	require.NoError(t, err)
	dp := NewDispatcher(registry, WithParallelDispatch())

	checked := []CheckedInvocation{
		acceptedInvocation("shell", "slow"),
		acceptedInvocation("shell", "fast"),
	}
	results := dp.DispatchAll(context.Background(), checked)

	require.Len(t, results, 2)
	assert.Equal(t, "slow", results[0].Output)
	assert.Equal(t, "fast", results[1].Output)
}

func TestDispatchLoopBreakingFlag(t *testing.T) {
	done := &fakeTool{name: "task_completion", loopBreaking: true, schema: tools.BaseToolSchema(
		map[string]interface{}{"result": map[string]interface{}{"type": "string"}}, []string{"result"},
	), execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
		return args["result"].(string), nil
	}}
	registry, err := tools.NewRegistry(done)
	require.NoError(t, err)
	dp := NewDispatcher(registry)

	inv := ToolInvocation{
		Identity:  "call-done",
		ToolName:  "task_completion",
		Arguments: map[string]interface{}{"result": "all tests pass"},
	}
	res := dp.Dispatch(context.Background(), inv)
	assert.True(t, res.Succeeded)
	assert.True(t, res.LoopBreaking)
	assert.Equal(t, "all tests pass", res.Output)
}
