// Package types defines the shared data model for the Loom agent runtime:
// role-tagged conversation messages and the events emitted while a session
// executes.
package types

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	// RoleSystem is the system prompt role.
	RoleSystem MessageRole = "system"
	// RoleUser is the human (or driving program) role.
	RoleUser MessageRole = "user"
	// RoleAssistant is the model's role.
	RoleAssistant MessageRole = "assistant"
	// RoleTool tags messages carrying tool execution results back to the model.
	RoleTool MessageRole = "tool"
)

// ToolCall is a provider-native tool invocation declared by an assistant
// message. The chat wire protocol requires a tool-role result to be preceded
// by the assistant message that declared its call id.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Message is a single role-tagged entry in a conversation history.
type Message struct {
	Role    MessageRole
	Content string

	// ToolCallID links a tool-role message back to the invocation that
	// produced it. Empty for non-tool messages.
	ToolCallID string

	// ToolName is set on tool-role messages for providers that require the
	// tool name alongside the result.
	ToolName string

	// ToolCalls carries the native calls an assistant message issued. Empty
	// for calls the model embedded in text.
	ToolCalls []ToolCall
}

// NewSystemMessage creates a system-role message.
func NewSystemMessage(content string) *Message {
	return &Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user-role message.
func NewUserMessage(content string) *Message {
	return &Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant-role message.
func NewAssistantMessage(content string) *Message {
	return &Message{Role: RoleAssistant, Content: content}
}

// NewToolMessage creates a tool-role message carrying an execution result.
func NewToolMessage(callID, toolName, content string) *Message {
	return &Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: callID,
		ToolName:   toolName,
	}
}
