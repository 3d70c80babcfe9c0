package agent

import "fmt"

// ErrorKind classifies a failed tool invocation for the model's benefit: the
// kind is embedded in the synthetic result text the model sees next turn.
type ErrorKind string

const (
	// ErrorKindNone marks a successful result.
	ErrorKindNone ErrorKind = ""

	// ErrorKindParse marks a call whose argument payload could not be parsed.
	ErrorKindParse ErrorKind = "parse_error"

	// ErrorKindUnknownTool marks a call naming a tool absent from the manifest.
	ErrorKindUnknownTool ErrorKind = "unknown_tool"

	// ErrorKindValidation marks arguments that failed schema validation.
	ErrorKindValidation ErrorKind = "validation_error"

	// ErrorKindNotAllowed marks a tool excluded by the allowlist.
	ErrorKindNotAllowed ErrorKind = "tool_not_allowed"

	// ErrorKindTimeout marks an invocation that exceeded its dispatch budget.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindInternal marks a handler error or panic.
	ErrorKindInternal ErrorKind = "internal_error"

	// ErrorKindCancelled marks an invocation skipped by session cancellation.
	ErrorKindCancelled ErrorKind = "cancelled"
)

// ToolInvocation is one validated (or deliberately failed-through) call
// accepted from the extractor.
type ToolInvocation struct {
	// Identity uniquely names the call within its turn. Native call ids are
	// used verbatim; text-dialect calls derive a content hash.
	Identity string

	// ToolName is the capability being invoked. Non-empty for accepted
	// invocations.
	ToolName string

	// Arguments hold the schema-coerced argument map.
	Arguments map[string]interface{}

	// SourceFormat records which detector produced the call.
	SourceFormat string

	// SourceOffset is the call's byte offset in the aggregated response
	// text, or -1 for native calls.
	SourceOffset int
}

// ToolResult is the normalized outcome of one invocation. Failed results are
// appended to history like successes so the model can self-correct.
type ToolResult struct {
	Identity  string
	ToolName  string
	Succeeded bool
	Output    string
	ErrorKind ErrorKind

	// LoopBreaking is set when the tool ends the session with a final answer.
	LoopBreaking bool
}

// failedResult builds a failed ToolResult whose output tells the model what
// went wrong.
func failedResult(identity, toolName string, kind ErrorKind, detail string) ToolResult {
	return ToolResult{
		Identity:  identity,
		ToolName:  toolName,
		Succeeded: false,
		ErrorKind: kind,
		Output:    fmt.Sprintf("tool call failed (%s): %s", kind, detail),
	}
}
