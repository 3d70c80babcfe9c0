package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/agent/tools"
	"github.com/loomhq/loom/pkg/gateway"
	"github.com/loomhq/loom/pkg/llm"
	"github.com/loomhq/loom/pkg/types"
)

// scriptedTurn is one canned completion response.
type scriptedTurn struct {
	chunks []*llm.StreamChunk
	err    error
}

// scriptedProvider plays back one scriptedTurn per completion request,
// repeating the last turn once the script runs out. Requests are captured so
// tests can inspect the history each turn sends.
type scriptedProvider struct {
	mu    sync.Mutex
	turns []scriptedTurn
	call  int
	reqs  []*llm.Request
}

func (p *scriptedProvider) Name() string            { return "scripted" }
func (p *scriptedProvider) SupportsStreaming() bool { return true }

func (p *scriptedProvider) next(req *llm.Request) scriptedTurn {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	idx := p.call
	if idx >= len(p.turns) {
		idx = len(p.turns) - 1
	}
	p.call++
	return p.turns[idx]
}

func (p *scriptedProvider) requests() []*llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*llm.Request(nil), p.reqs...)
}

func (p *scriptedProvider) StreamCompletion(ctx context.Context, req *llm.Request) (<-chan *llm.StreamChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	turn := p.next(req)
	if turn.err != nil {
		return nil, turn.err
	}
	chunks := make(chan *llm.StreamChunk, len(turn.chunks)+1)
	for _, c := range turn.chunks {
		chunks <- c
	}
	chunks <- &llm.StreamChunk{Finished: true}
	close(chunks)
	return chunks, nil
}

func (p *scriptedProvider) Complete(ctx context.Context, req *llm.Request) (*types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	turn := p.next(req)
	if turn.err != nil {
		return nil, turn.err
	}
	var content string
	for _, c := range turn.chunks {
		content += c.Content
	}
	return types.NewAssistantMessage(content), nil
}

func textTurn(parts ...string) scriptedTurn {
	chunks := make([]*llm.StreamChunk, 0, len(parts))
	for _, part := range parts {
		chunks = append(chunks, &llm.StreamChunk{Content: part})
	}
	return scriptedTurn{chunks: chunks}
}

func scriptedGateway(t *testing.T, turns ...scriptedTurn) *gateway.Gateway {
	t.Helper()
	p := &scriptedProvider{turns: turns}
	g, err := gateway.New([]*gateway.Endpoint{gateway.NewEndpoint("scripted", "primary", 0, p)})
	require.NoError(t, err)
	return g
}

func sessionRegistry(t *testing.T, extra ...tools.Tool) *tools.Registry {
	t.Helper()
	all := append([]tools.Tool{tools.NewTaskCompletionTool()}, extra...)
	registry, err := tools.NewRegistry(all...)
	require.NoError(t, err)
	return registry
}

func TestSessionPlainTextIsFinalAnswer(t *testing.T) {
	g := scriptedGateway(t, textTurn("The answer ", "is 42."))
	sess, err := NewSession(g, sessionRegistry(t))
	require.NoError(t, err)

	result, err := sess.Run(context.Background(), "what is the answer?")
	require.NoError(t, err)
	assert.Equal(t, ReasonFinalAnswer, result.Reason)
	assert.Equal(t, "The answer is 42.", result.FinalAnswer)
	assert.Equal(t, 1, result.Turns)
	assert.Equal(t, StateTerminated, sess.State())
}

func TestSessionToolCallThenCompletion(t *testing.T) {
	shell := &fakeTool{name: "shell", execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
		return "README.md\nmain.go", nil
	}}
	g := scriptedGateway(t,
		textTurn(`Checking the workspace. {"tool": "shell", "args": {"command": "ls"}}`),
		textTurn(`<invoke name="task_completion"><parameter name="result">Two files present.</parameter></invoke>`),
	)
	sess, err := NewSession(g, sessionRegistry(t, shell))
	require.NoError(t, err)

	result, err := sess.Run(context.Background(), "list the files")
	require.NoError(t, err)
	assert.Equal(t, ReasonFinalAnswer, result.Reason)
	assert.Equal(t, "Two files present.", result.FinalAnswer)
	assert.Equal(t, 2, result.Turns)
	assert.Equal(t, 1, shell.callCount())
	assert.Equal(t, "ls", shell.calls[0]["command"])

	// The transcript carries the tool result as a tool-role message.
	var toolMsgs []*types.Message
	for _, m := range result.Transcript {
		if m.Role == types.RoleTool {
			toolMsgs = append(toolMsgs, m)
		}
	}
	require.Len(t, toolMsgs, 1)
	assert.Equal(t, "shell", toolMsgs[0].ToolName)
	assert.Contains(t, toolMsgs[0].Content, "README.md")

	history := sess.TurnHistory()
	require.Len(t, history, 2)
	require.Len(t, history[0].Invocations, 1)
	assert.Equal(t, "shell", history[0].Invocations[0].ToolName)
	require.Len(t, history[0].Results, 1)
	assert.Contains(t, history[0].Results[0].Output, "README.md")
	assert.Empty(t, history[0].Reason)
	assert.Equal(t, ReasonFinalAnswer, history[1].Reason)
}

func TestSessionNativeToolCalls(t *testing.T) {
	shell := &fakeTool{name: "shell"}
	g := scriptedGateway(t,
		scriptedTurn{chunks: []*llm.StreamChunk{{
			ToolCalls: []llm.NativeToolCall{{
				ID:        "call_native1",
				Name:      "shell",
				Arguments: json.RawMessage(`{"command": "pwd"}`),
			}},
		}}},
		textTurn(`{"tool": "task_completion", "args": {"result": "done"}}`),
	)
	sess, err := NewSession(g, sessionRegistry(t, shell))
	require.NoError(t, err)

	result, err := sess.Run(context.Background(), "where am I?")
	require.NoError(t, err)
	assert.Equal(t, ReasonFinalAnswer, result.Reason)
	assert.Equal(t, 1, shell.callCount())
	assert.Equal(t, "pwd", shell.calls[0]["command"])
}

func TestSessionNativeHistoryDeclaresToolCalls(t *testing.T) {
	shell := &fakeTool{name: "shell"}
	p := &scriptedProvider{turns: []scriptedTurn{
		{chunks: []*llm.StreamChunk{{
			ToolCalls: []llm.NativeToolCall{{
				ID:        "call_abc123",
				Name:      "shell",
				Arguments: json.RawMessage(`{"command": "pwd"}`),
			}},
		}}},
		textTurn(`{"tool": "task_completion", "args": {"result": "done"}}`),
	}}
	g, err := gateway.New([]*gateway.Endpoint{gateway.NewEndpoint("scripted", "primary", 0, p)})
	require.NoError(t, err)
	sess, err := NewSession(g, sessionRegistry(t, shell))
	require.NoError(t, err)

	_, err = sess.Run(context.Background(), "where am I?")
	require.NoError(t, err)

	reqs := p.requests()
	require.Len(t, reqs, 2)

	// The second request must replay the native call on an assistant message
	// that precedes its tool-role result.
	msgs := reqs[1].Messages
	assistantIdx, toolIdx := -1, -1
	for i, m := range msgs {
		switch {
		case m.Role == types.RoleAssistant && len(m.ToolCalls) > 0:
			assistantIdx = i
		case m.Role == types.RoleTool && m.ToolCallID == "call_abc123":
			toolIdx = i
		}
	}
	require.GreaterOrEqual(t, assistantIdx, 0, "assistant message must declare the native call")
	require.GreaterOrEqual(t, toolIdx, 0, "tool result must reference the native call id")
	assert.Less(t, assistantIdx, toolIdx)

	call := msgs[assistantIdx].ToolCalls[0]
	assert.Equal(t, "call_abc123", call.ID)
	assert.Equal(t, "shell", call.Name)
	assert.JSONEq(t, `{"command": "pwd"}`, call.Arguments)
}

func TestSessionMaxTurnsReached(t *testing.T) {
	// Every turn issues another tool call; the cap must end the session
	// without treating it as an error.
	shell := &fakeTool{name: "shell"}
	g := scriptedGateway(t, textTurn(`{"tool": "shell", "args": {"command": "ls"}}`))
	sess, err := NewSession(g, sessionRegistry(t, shell), WithMaxTurns(3))
	require.NoError(t, err)

	result, err := sess.Run(context.Background(), "loop forever")
	require.NoError(t, err)
	assert.Equal(t, ReasonMaxTurns, result.Reason)
	assert.Equal(t, 3, result.Turns)
	assert.NoError(t, result.Err)
	assert.Equal(t, 3, shell.callCount())
}

func TestSessionUnknownToolFailsThroughAndContinues(t *testing.T) {
	g := scriptedGateway(t,
		textTurn(`{"tool": "no_such_tool", "args": {"x": "1"}}`),
		textTurn(`{"tool": "task_completion", "args": {"result": "recovered"}}`),
	)
	sess, err := NewSession(g, sessionRegistry(t))
	require.NoError(t, err)

	result, err := sess.Run(context.Background(), "try something")
	require.NoError(t, err)
	assert.Equal(t, ReasonFinalAnswer, result.Reason)
	assert.Equal(t, "recovered", result.FinalAnswer)

	// The failed invocation appears in history so the model can self-correct.
	var failed *types.Message
	for _, m := range result.Transcript {
		if m.Role == types.RoleTool && m.ToolName == "no_such_tool" {
			failed = m
		}
	}
	require.NotNil(t, failed)
	assert.Contains(t, failed.Content, "unknown_tool")
}

func TestSessionIncompleteCallPromptsReissue(t *testing.T) {
	g := scriptedGateway(t,
		textTurn(`Let me check. <invoke name="shell"><parameter name="command">ls`),
		textTurn(`{"tool": "task_completion", "args": {"result": "finished"}}`),
	)
	sess, err := NewSession(g, sessionRegistry(t, &fakeTool{name: "shell"}))
	require.NoError(t, err)

	result, err := sess.Run(context.Background(), "check files")
	require.NoError(t, err)
	assert.Equal(t, ReasonFinalAnswer, result.Reason)

	var nudged bool
	for _, m := range result.Transcript {
		if m.Role == types.RoleUser && m.Content != "check files" {
			nudged = true
			assert.Contains(t, m.Content, "cut off")
		}
	}
	assert.True(t, nudged, "expected a re-issue prompt after the truncated call")
}

func TestSessionProviderExhaustion(t *testing.T) {
	fatal := &llm.StatusError{Endpoint: "scripted", StatusCode: 401, Body: "bad key"}
	g := scriptedGateway(t, scriptedTurn{err: fatal})
	sess, err := NewSession(g, sessionRegistry(t))
	require.NoError(t, err)

	result, err := sess.Run(context.Background(), "anything")
	require.Error(t, err)
	assert.Equal(t, ReasonProviderExhausted, result.Reason)
	assert.Error(t, result.Err)
}

func TestSessionMidStreamErrorIsProviderError(t *testing.T) {
	// An error after the stream opened never went through retry or failover,
	// so the outcome must not claim exhaustion.
	g := scriptedGateway(t, scriptedTurn{chunks: []*llm.StreamChunk{
		{Content: "partial "},
		{Error: errors.New("connection reset by peer")},
	}})
	sess, err := NewSession(g, sessionRegistry(t))
	require.NoError(t, err)

	result, err := sess.Run(context.Background(), "anything")
	require.Error(t, err)
	assert.Equal(t, ReasonProviderError, result.Reason)
	assert.Error(t, result.Err)
}

func TestSessionCancellation(t *testing.T) {
	g := scriptedGateway(t, textTurn("never delivered"))
	sess, err := NewSession(g, sessionRegistry(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := sess.Run(ctx, "anything")
	require.Error(t, err)
	assert.Equal(t, ReasonCancelled, result.Reason)
}

func TestSessionTimeout(t *testing.T) {
	slow := &fakeTool{name: "shell", execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
			return "too late", nil
		}
	}}
	g := scriptedGateway(t, textTurn(`{"tool": "shell", "args": {"command": "sleep"}}`))
	sess, err := NewSession(g, sessionRegistry(t, slow), WithSessionTimeout(50*time.Millisecond))
	require.NoError(t, err)

	result, err := sess.Run(context.Background(), "slow task")
	require.Error(t, err)
	assert.Equal(t, ReasonCancelled, result.Reason)
}

func TestSessionEventsObserveToolCalls(t *testing.T) {
	shell := &fakeTool{name: "shell"}
	g := scriptedGateway(t,
		textTurn(`{"tool": "shell", "args": {"command": "ls"}}`),
		textTurn(`{"tool": "task_completion", "args": {"result": "done"}}`),
	)
	sess, err := NewSession(g, sessionRegistry(t, shell))
	require.NoError(t, err)

	var mu sync.Mutex
	seen := map[types.AgentEventType]int{}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range sess.Events() {
			mu.Lock()
			seen[ev.Type]++
			mu.Unlock()
		}
	}()

	_, err = sess.Run(context.Background(), "list files")
	require.NoError(t, err)
	wg.Wait()

	assert.Positive(t, seen[types.EventTypeTurnStart])
	assert.Positive(t, seen[types.EventTypeToolCall])
	assert.Positive(t, seen[types.EventTypeToolResult])
	assert.Positive(t, seen[types.EventTypeSessionTerminated])
}

func TestFlockRunsTasksConcurrently(t *testing.T) {
	g := scriptedGateway(t, textTurn("standalone answer"))
	registry := sessionRegistry(t)

	flock := NewFlock(g, registry)
	results := flock.Run(context.Background(), []string{"task one", "task two", "task three"})

	require.Len(t, results, 3)
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, ReasonFinalAnswer, r.Reason)
		assert.Equal(t, "standalone answer", r.FinalAnswer)
	}
}
