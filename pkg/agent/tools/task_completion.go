package tools

import (
	"context"
	"fmt"
)

const taskCompletionToolName = "task_completion"

// TaskCompletionTool is a loop-breaking tool that allows the agent to signal
// that it has completed the user's task. The result argument carries the
// session's final answer.
type TaskCompletionTool struct{}

// NewTaskCompletionTool creates a new task completion tool.
func NewTaskCompletionTool() *TaskCompletionTool {
	return &TaskCompletionTool{}
}

// Name returns the tool's identifier.
func (t *TaskCompletionTool) Name() string {
	return taskCompletionToolName
}

// Description returns a description of what this tool does.
func (t *TaskCompletionTool) Description() string {
	return "Signal that the task is complete and present the final result to the user. " +
		"Use this when you have finished all work and want to show the outcome. " +
		"The result should be comprehensive and not require further input from the user."
}

// Schema returns the JSON schema for the tool's arguments.
func (t *TaskCompletionTool) Schema() map[string]interface{} {
	return BaseToolSchema(
		map[string]interface{}{
			"result": map[string]interface{}{
				"type":        "string",
				"description": "The final result of the task. Should be clear, complete, and not end with questions or offers for further assistance.",
			},
		},
		[]string{"result"},
	)
}

// Execute returns the final result text.
func (t *TaskCompletionTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	result, _ := args["result"].(string)
	if result == "" {
		return "", fmt.Errorf("result cannot be empty")
	}
	return result, nil
}

// IsLoopBreaking reports that this tool ends the agent loop.
func (t *TaskCompletionTool) IsLoopBreaking() bool {
	return true
}
