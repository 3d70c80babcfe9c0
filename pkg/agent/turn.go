package agent

// TerminationReason explains why a session stopped.
type TerminationReason string

const (
	// ReasonFinalAnswer means the model delivered a final answer, either via
	// a loop-breaking tool or a response with no further tool invocations.
	ReasonFinalAnswer TerminationReason = "final_answer"

	// ReasonMaxTurns means the configured turn cap was reached. Reported,
	// not fatal: the transcript so far is still returned.
	ReasonMaxTurns TerminationReason = "max_turns_reached"

	// ReasonProviderExhausted means a provider error burned through every
	// endpoint. Fatal.
	ReasonProviderExhausted TerminationReason = "provider_exhausted"

	// ReasonProviderError means a single completion failed mid-stream, after
	// the gateway had already handed the stream over, so no retry or failover
	// was attempted. Fatal.
	ReasonProviderError TerminationReason = "provider_error"

	// ReasonCancelled means an explicit cancellation or session timeout
	// stopped the loop.
	ReasonCancelled TerminationReason = "cancelled"
)

// AgentTurn records one completed request/extract/dispatch cycle.
type AgentTurn struct {
	Index         int
	AssistantText string
	Invocations   []ToolInvocation
	Results       []ToolResult

	// Reason is set on the session's final turn only, exactly once.
	Reason TerminationReason
}

// State is the turn loop's position in its state machine.
type State int

const (
	StateIdle State = iota
	StateAwaitingCompletion
	StateExtracting
	StateDispatching
	StateAppendingResults
	StateDecidingContinuation
	StateCompacting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingCompletion:
		return "awaiting_completion"
	case StateExtracting:
		return "extracting"
	case StateDispatching:
		return "dispatching"
	case StateAppendingResults:
		return "appending_results"
	case StateDecidingContinuation:
		return "deciding_continuation"
	case StateCompacting:
		return "compacting"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}
