// Package shell provides the command execution tool registered with the
// agent's capability manifest.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/loomhq/loom/pkg/agent/tools"
)

const defaultCommandTimeout = 30 * time.Second

// Tool executes shell commands in a fixed working directory.
type Tool struct {
	workDir        string
	defaultTimeout time.Duration
}

// New creates a shell tool rooted at workDir.
func New(workDir string) *Tool {
	return &Tool{
		workDir:        workDir,
		defaultTimeout: defaultCommandTimeout,
	}
}

// Name returns the tool name.
func (t *Tool) Name() string {
	return "shell"
}

// Description returns the tool description.
func (t *Tool) Description() string {
	return "Execute a shell command in the workspace directory. The command runs with a timeout and returns stdout, stderr, and exit code."
}

// Schema returns the tool's JSON schema.
func (t *Tool) Schema() map[string]interface{} {
	return tools.BaseToolSchema(
		map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"timeout": map[string]interface{}{
				"type":        "number",
				"description": "Command timeout in seconds (default: 30)",
			},
		},
		[]string{"command"},
	)
}

// Execute runs the command and formats stdout, stderr, and the exit code
// into one result string for the model.
func (t *Tool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return "", fmt.Errorf("command cannot be empty")
	}

	timeout := t.defaultTimeout
	if secs, ok := args["timeout"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = t.workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	}

	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		return formatOutput(
			fmt.Sprintf("Command timed out after %s", duration.Round(time.Millisecond)),
			stdout.String(), stderr.String()), nil
	case err != nil && exitCode == 0:
		return "", fmt.Errorf("command failed to start: %w", err)
	default:
		return formatOutput(
			fmt.Sprintf("Command completed in %s with exit code %d", duration.Round(time.Millisecond), exitCode),
			stdout.String(), stderr.String()), nil
	}
}

// IsLoopBreaking reports that shell commands never end the loop.
func (t *Tool) IsLoopBreaking() bool {
	return false
}

func formatOutput(status, stdout, stderr string) string {
	var b strings.Builder
	b.WriteString(status)
	if stdout != "" {
		b.WriteString("\n\nStdout:\n")
		b.WriteString(stdout)
	}
	if stderr != "" {
		b.WriteString("\n\nStderr:\n")
		b.WriteString(stderr)
	}
	return b.String()
}
