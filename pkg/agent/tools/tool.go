// Package tools defines the capability surface an agent can invoke during a
// session: the Tool interface, the read-only Registry shared across
// concurrent sessions, and schema checking for extracted arguments.
package tools

import (
	"context"
)

// Tool represents a capability that an agent can use during execution.
// Implementations receive arguments already validated and coerced against
// their declared schema.
type Tool interface {
	// Name returns the unique identifier for this tool (e.g., "shell")
	Name() string

	// Description returns a human-readable description of what this tool does
	Description() string

	// Schema returns the JSON schema for this tool's input parameters.
	// The schema should be a valid JSON Schema object defining the structure
	// of the arguments that this tool accepts.
	Schema() map[string]interface{}

	// Execute runs the tool with validated arguments and returns a textual
	// result for the model. Execute must honor ctx cancellation.
	Execute(ctx context.Context, args map[string]interface{}) (string, error)

	// IsLoopBreaking indicates whether a successful call of this tool ends
	// the agent loop. Loop-breaking tools (like task_completion) carry the
	// session's final answer.
	IsLoopBreaking() bool
}

// BaseToolSchema creates a common JSON schema structure for a tool
// with the given properties and required fields.
func BaseToolSchema(properties map[string]interface{}, required []string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
