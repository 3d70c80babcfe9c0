package types

// AgentEventType defines the type of event emitted by a session.
type AgentEventType string

const (
	EventTypeTurnStart         AgentEventType = "turn_start"         // EventTypeTurnStart indicates a new agent turn is beginning.
	EventTypeTurnEnd           AgentEventType = "turn_end"           // EventTypeTurnEnd indicates the current turn has completed.
	EventTypeMessageContent    AgentEventType = "message_content"    // EventTypeMessageContent carries incremental assistant text.
	EventTypeToolCall          AgentEventType = "tool_call"          // EventTypeToolCall indicates a validated tool invocation is being dispatched.
	EventTypeToolResult        AgentEventType = "tool_result"        // EventTypeToolResult indicates a tool finished successfully.
	EventTypeToolResultError   AgentEventType = "tool_result_error"  // EventTypeToolResultError indicates a tool invocation failed.
	EventTypeProviderRetry     AgentEventType = "provider_retry"     // EventTypeProviderRetry indicates the gateway is retrying an endpoint.
	EventTypeProviderFailover  AgentEventType = "provider_failover"  // EventTypeProviderFailover indicates the gateway switched endpoints.
	EventTypeCompactionStart   AgentEventType = "compaction_start"   // EventTypeCompactionStart indicates context compaction has begun.
	EventTypeCompactionEnd     AgentEventType = "compaction_end"     // EventTypeCompactionEnd indicates context compaction finished.
	EventTypeTokenUsage        AgentEventType = "token_usage"        // EventTypeTokenUsage carries token accounting from a completion.
	EventTypeSessionTerminated AgentEventType = "session_terminated" // EventTypeSessionTerminated indicates the session reached a terminal state.
	EventTypeError             AgentEventType = "error"              // EventTypeError indicates a non-fatal error was recorded.
)

// AgentEvent is emitted by a session while it runs. Consumers (CLI, ensemble
// coordinator) receive these on the session's event channel; dropping them is
// safe, they are observability only.
type AgentEvent struct {
	Type AgentEventType

	// Content holds text for content-type events.
	Content string

	// ToolName is set on tool call/result events.
	ToolName string

	// InvocationID identifies the tool invocation for call/result events.
	InvocationID string

	// TurnIndex is the zero-based turn the event belongs to.
	TurnIndex int

	// Endpoint names the provider endpoint for retry/failover events.
	Endpoint string

	// Attempt is the retry attempt number for provider retry events.
	Attempt int

	// Usage carries token accounting for token usage events.
	Usage *TokenUsage

	// Err holds the error for error-type events.
	Err error

	// Reason is the termination reason for session terminated events.
	Reason string
}

// TokenUsage contains token accounting from a completion.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// NewToolCallEvent creates an event announcing a dispatched invocation.
func NewToolCallEvent(turn int, invocationID, toolName string) *AgentEvent {
	return &AgentEvent{Type: EventTypeToolCall, TurnIndex: turn, InvocationID: invocationID, ToolName: toolName}
}

// NewToolResultEvent creates an event for a successful tool result.
func NewToolResultEvent(turn int, invocationID, toolName, output string) *AgentEvent {
	return &AgentEvent{Type: EventTypeToolResult, TurnIndex: turn, InvocationID: invocationID, ToolName: toolName, Content: output}
}

// NewToolResultErrorEvent creates an event for a failed tool result.
func NewToolResultErrorEvent(turn int, invocationID, toolName string, err error) *AgentEvent {
	return &AgentEvent{Type: EventTypeToolResultError, TurnIndex: turn, InvocationID: invocationID, ToolName: toolName, Err: err}
}

// NewErrorEvent creates a non-fatal error event.
func NewErrorEvent(err error) *AgentEvent {
	return &AgentEvent{Type: EventTypeError, Err: err}
}

// NewTokenUsageEvent creates a token usage event.
func NewTokenUsageEvent(turn, prompt, completion int) *AgentEvent {
	return &AgentEvent{
		Type:      EventTypeTokenUsage,
		TurnIndex: turn,
		Usage: &TokenUsage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}
}

// NewSessionTerminatedEvent creates the terminal session event.
func NewSessionTerminatedEvent(reason string) *AgentEvent {
	return &AgentEvent{Type: EventTypeSessionTerminated, Reason: reason}
}
