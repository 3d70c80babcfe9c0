// Package agent implements the turn loop that drives a model through a task:
// request a completion through the gateway, aggregate the stream, extract and
// validate tool calls, dispatch them, append results to history, and decide
// whether to continue, compact, or terminate.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/agent/tools"
	"github.com/loomhq/loom/pkg/gateway"
	"github.com/loomhq/loom/pkg/llm"
	"github.com/loomhq/loom/pkg/llm/extract"
	"github.com/loomhq/loom/pkg/llm/parser"
	"github.com/loomhq/loom/pkg/logging"
	"github.com/loomhq/loom/pkg/session"
	"github.com/loomhq/loom/pkg/types"
)

const defaultSystemPrompt = `You are a capable software engineering agent. Work on the user's task using the available tools.
Invoke one tool at a time and wait for its result before continuing.
When the task is complete, call task_completion with the final result.`

// SessionResult is what a finished session hands back to its caller.
type SessionResult struct {
	SessionID   string
	FinalAnswer string
	Reason      TerminationReason
	Turns       int
	Transcript  []*types.Message

	// Err is set for fatal terminations (provider exhaustion, cancellation).
	Err error
}

// Session runs one agent task to completion. Sessions are not reusable and
// not safe for concurrent use; run many sessions concurrently instead (see
// Flock), sharing only the registry and gateway.
type Session struct {
	id         string
	gw         *gateway.Gateway
	registry   *tools.Registry
	validator  *Validator
	dispatcher *Dispatcher
	extractor  *extract.Extractor
	store      session.Store
	log        *logging.Logger

	systemPrompt   string
	maxTurns       int
	contextTokens  int
	compactPercent float64
	maxTokens      int
	temperature    float32
	streaming      bool
	sessionTimeout time.Duration
	toolTimeout    time.Duration
	parallelTools  bool
	allowlist      []string

	events chan *types.AgentEvent

	state    State
	window   *ContextWindow
	sequence int
	reason   TerminationReason
	turns    []AgentTurn
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSystemPrompt overrides the default system prompt.
func WithSystemPrompt(prompt string) SessionOption {
	return func(s *Session) { s.systemPrompt = prompt }
}

// WithMaxTurns caps the number of turns. Defaults to 40.
func WithMaxTurns(n int) SessionOption {
	return func(s *Session) { s.maxTurns = n }
}

// WithContextLimit sets the context window budget and the usage percentage
// that triggers compaction.
func WithContextLimit(maxTokens int, compactPercent float64) SessionOption {
	return func(s *Session) {
		s.contextTokens = maxTokens
		s.compactPercent = compactPercent
	}
}

// WithGenerationParams sets per-request generation parameters.
func WithGenerationParams(maxTokens int, temperature float32) SessionOption {
	return func(s *Session) {
		s.maxTokens = maxTokens
		s.temperature = temperature
	}
}

// WithoutStreaming requests blocking completions from the gateway.
func WithoutStreaming() SessionOption {
	return func(s *Session) { s.streaming = false }
}

// WithSessionTimeout bounds the whole session. Zero means no limit.
func WithSessionTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.sessionTimeout = d }
}

// WithPerToolTimeout bounds each tool invocation.
func WithPerToolTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.toolTimeout = d }
}

// WithParallelToolCalls allows multiple tool calls per turn to dispatch
// concurrently. Results still land in history in invocation order.
func WithParallelToolCalls() SessionOption {
	return func(s *Session) { s.parallelTools = true }
}

// WithToolAllowlist restricts dispatch to tools matching the glob patterns.
func WithToolAllowlist(patterns []string) SessionOption {
	return func(s *Session) { s.allowlist = patterns }
}

// WithStore persists the transcript and outcome to the given store.
func WithStore(store session.Store) SessionOption {
	return func(s *Session) { s.store = store }
}

// NewSession assembles a session over a shared gateway and registry.
func NewSession(gw *gateway.Gateway, registry *tools.Registry, opts ...SessionOption) (*Session, error) {
	log, _ := logging.NewLogger("session")
	s := &Session{
		id:             uuid.New().String(),
		gw:             gw,
		registry:       registry,
		extractor:      extract.NewExtractor(extract.WithSchemaLookup(schemaLookup(registry))),
		store:          &session.NoopStore{},
		log:            log,
		systemPrompt:   defaultSystemPrompt,
		maxTurns:       40,
		contextTokens:  128000,
		compactPercent: 80,
		streaming:      true,
		events:         make(chan *types.AgentEvent, 64),
		state:          StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.validator = NewValidator(registry)

	dispatchOpts := []DispatcherOption{}
	if s.toolTimeout > 0 {
		dispatchOpts = append(dispatchOpts, WithToolTimeout(s.toolTimeout))
	}
	if s.parallelTools {
		dispatchOpts = append(dispatchOpts, WithParallelDispatch())
	}
	if len(s.allowlist) > 0 {
		opt, err := WithAllowlist(s.allowlist)
		if err != nil {
			return nil, err
		}
		dispatchOpts = append(dispatchOpts, opt)
	}
	s.dispatcher = NewDispatcher(registry, dispatchOpts...)

	return s, nil
}

// schemaLookup exposes the registry's tool schemas to the extractor.
func schemaLookup(registry *tools.Registry) extract.SchemaLookup {
	return func(name string) (map[string]interface{}, bool) {
		t, ok := registry.Get(name)
		if !ok {
			return nil, false
		}
		return t.Schema(), true
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string {
	return s.id
}

// Events returns the session's observability channel. The channel is closed
// when the session terminates; consuming it is optional.
func (s *Session) Events() <-chan *types.AgentEvent {
	return s.events
}

// State returns the loop's current state.
func (s *Session) State() State {
	return s.state
}

// TurnHistory returns the per-turn records accumulated so far.
func (s *Session) TurnHistory() []AgentTurn {
	return s.turns
}

// emit delivers an event without ever blocking the loop.
func (s *Session) emit(ev *types.AgentEvent) {
	select {
	case s.events <- ev:
	default:
	}
}

// record appends a message to both the context window and the transcript
// store.
func (s *Session) record(ctx context.Context, msg *types.Message) {
	s.window.Append(msg)
	if err := s.store.AppendMessage(ctx, s.id, s.sequence, msg); err != nil {
		s.log.Warnf("transcript append failed: %v", err)
	}
	s.sequence++
}

// Run executes the task until a termination condition is met. The returned
// result always carries the transcript and a structured reason; Err is set
// only for fatal terminations. Run never panics outward and never retries a
// whole turn.
func (s *Session) Run(ctx context.Context, task string) (*SessionResult, error) {
	if s.sessionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.sessionTimeout)
		defer cancel()
	}
	defer close(s.events)

	pinned := []*types.Message{
		types.NewSystemMessage(s.systemPrompt),
		types.NewUserMessage(task),
	}
	var err error
	s.window, err = NewContextWindow(pinned, s.contextTokens, s.compactPercent)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, s.id, task); err != nil {
		s.log.Warnf("session create failed: %v", err)
	}
	for _, msg := range pinned {
		if err := s.store.AppendMessage(ctx, s.id, s.sequence, msg); err != nil {
			s.log.Warnf("transcript append failed: %v", err)
		}
		s.sequence++
	}

	for turn := 0; turn < s.maxTurns; turn++ {
		result, done := s.runTurn(ctx, turn)
		if done {
			return s.finish(ctx, result), result.Err
		}

		if s.window.NeedsCompaction() {
			s.state = StateCompacting
			s.emit(&types.AgentEvent{Type: types.EventTypeCompactionStart, TurnIndex: turn})
			if err := s.window.Compact(ctx, s.gw); err != nil {
				s.log.Warnf("compaction failed, continuing uncompacted: %v", err)
			}
			s.emit(&types.AgentEvent{Type: types.EventTypeCompactionEnd, TurnIndex: turn})
		}
		s.state = StateIdle
	}

	return s.finish(ctx, &SessionResult{
		Reason: ReasonMaxTurns,
		Turns:  s.maxTurns,
	}), nil
}

// finish seals the session: records the reason exactly once, persists the
// outcome, and emits the terminal event.
func (s *Session) finish(ctx context.Context, result *SessionResult) *SessionResult {
	if s.reason == "" {
		s.reason = result.Reason
	}
	result.Reason = s.reason
	result.SessionID = s.id
	result.Transcript = s.window.Messages()

	s.state = StateTerminated
	if err := s.store.Finish(ctx, s.id, result.Turns, string(result.Reason), result.FinalAnswer); err != nil {
		s.log.Warnf("session finish persist failed: %v", err)
	}
	s.emit(types.NewSessionTerminatedEvent(string(result.Reason)))
	s.log.Infof("session %s terminated after %d turns: %s", s.id, result.Turns, result.Reason)
	return result
}

// runTurn executes one turn. done=true means the session is over and result
// is final; done=false means the loop continues.
func (s *Session) runTurn(ctx context.Context, turn int) (*SessionResult, bool) {
	s.emit(&types.AgentEvent{Type: types.EventTypeTurnStart, TurnIndex: turn})
	defer s.emit(&types.AgentEvent{Type: types.EventTypeTurnEnd, TurnIndex: turn})

	s.state = StateAwaitingCompletion
	text, native, usage, err := s.awaitCompletion(ctx, turn)
	if err != nil {
		failure := s.completionFailure(ctx, turn, err)
		s.turns = append(s.turns, AgentTurn{Index: turn, Reason: failure.Reason})
		return failure, true
	}
	if usage != nil {
		s.emit(types.NewTokenUsageEvent(turn, usage.PromptTokens, usage.CompletionTokens))
	}

	s.state = StateExtracting
	candidates := s.extractor.Extract(turn, text, native)
	checked := s.validator.Validate(candidates)

	assistant := types.NewAssistantMessage(text)
	for _, call := range native {
		if call.ID == "" || call.Name == "" {
			continue
		}
		args := string(call.Arguments)
		if args == "" {
			args = "{}"
		}
		assistant.ToolCalls = append(assistant.ToolCalls, types.ToolCall{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: args,
		})
	}
	s.record(ctx, assistant)

	record := AgentTurn{Index: turn, AssistantText: text}
	for _, cv := range checked {
		if cv.Reject == nil {
			record.Invocations = append(record.Invocations, cv.Invocation)
		}
	}

	if len(checked) == 0 {
		if s.extractor.HasIncompleteCall(text) {
			// A truncated trailing call is surfaced to the model rather
			// than guessed at.
			s.record(ctx, types.NewUserMessage(
				"Your last tool call was cut off before it completed. Please re-issue it in full."))
			s.turns = append(s.turns, record)
			return nil, false
		}
		// No tool invocations: the response is the final answer.
		record.Reason = ReasonFinalAnswer
		s.turns = append(s.turns, record)
		return &SessionResult{
			FinalAnswer: text,
			Reason:      ReasonFinalAnswer,
			Turns:       turn + 1,
		}, true
	}

	s.state = StateDispatching
	for _, cv := range checked {
		if cv.Reject == nil {
			s.emit(types.NewToolCallEvent(turn, cv.Invocation.Identity, cv.Invocation.ToolName))
		}
	}
	results := s.dispatcher.DispatchAll(ctx, checked)

	s.state = StateAppendingResults
	var final *ToolResult
	for i := range results {
		r := &results[i]
		if r.Succeeded {
			s.emit(types.NewToolResultEvent(turn, r.Identity, r.ToolName, r.Output))
		} else {
			s.emit(types.NewToolResultErrorEvent(turn, r.Identity, r.ToolName,
				fmt.Errorf("%s", r.Output)))
		}
		s.record(ctx, types.NewToolMessage(r.Identity, r.ToolName, r.Output))
		if r.Succeeded && r.LoopBreaking && final == nil {
			final = r
		}
	}

	s.state = StateDecidingContinuation
	record.Results = results
	if final != nil {
		record.Reason = ReasonFinalAnswer
		s.turns = append(s.turns, record)
		return &SessionResult{
			FinalAnswer: final.Output,
			Reason:      ReasonFinalAnswer,
			Turns:       turn + 1,
		}, true
	}
	if ctx.Err() != nil {
		record.Reason = ReasonCancelled
		s.turns = append(s.turns, record)
		return &SessionResult{
			Reason: ReasonCancelled,
			Turns:  turn + 1,
			Err:    ctx.Err(),
		}, true
	}
	s.turns = append(s.turns, record)
	return nil, false
}

// completionFailure classifies a failed completion into a terminal result.
// Exhaustion is only claimed when the gateway actually reported it; an error
// surfacing mid-stream never went through retry or failover.
func (s *Session) completionFailure(ctx context.Context, turn int, err error) *SessionResult {
	reason := ReasonProviderError
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil:
		reason = ReasonCancelled
	case errors.Is(err, gateway.ErrEndpointsExhausted) || errors.Is(err, gateway.ErrNoEndpoints):
		reason = ReasonProviderExhausted
	}
	s.emit(types.NewErrorEvent(err))
	return &SessionResult{
		Reason: reason,
		Turns:  turn + 1,
		Err:    err,
	}
}

// awaitCompletion issues the request through the gateway and drains the
// chunk stream through the aggregator, returning the full assistant text,
// any native tool calls, and usage.
func (s *Session) awaitCompletion(ctx context.Context, turn int) (string, []llm.NativeToolCall, *llm.Usage, error) {
	req := &llm.Request{
		Messages:    s.window.Messages(),
		Tools:       s.registry.Manifest(),
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
		Streaming:   s.streaming,
	}

	stream, endpoint, err := s.gw.Complete(ctx, req)
	if err != nil {
		return "", nil, nil, err
	}
	s.log.Debugf("turn %d served by endpoint %s", turn, endpoint)

	agg := parser.NewAggregator()
	var text string
	var native []llm.NativeToolCall
	var usage *llm.Usage

	for chunk := range stream {
		if chunk.IsError() {
			return "", nil, nil, chunk.Error
		}
		if chunk.Content != "" {
			if segment := agg.Feed(chunk.Content); segment != "" {
				text += segment
				s.emit(&types.AgentEvent{
					Type:      types.EventTypeMessageContent,
					TurnIndex: turn,
					Content:   segment,
				})
			}
		}
		if len(chunk.ToolCalls) > 0 {
			native = append(native, chunk.ToolCalls...)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	if tail := agg.Finalize(); tail != "" {
		text += tail
		s.emit(&types.AgentEvent{
			Type:      types.EventTypeMessageContent,
			TurnIndex: turn,
			Content:   tail,
		})
	}

	return text, native, usage, nil
}
