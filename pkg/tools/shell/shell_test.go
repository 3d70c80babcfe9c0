package shell

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteCapturesStdout(t *testing.T) {
	tool := New(t.TempDir())
	out, err := tool.Execute(context.Background(), map[string]interface{}{
		"command": "echo hello world",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "exit code 0")
	assert.Contains(t, out, "Stdout:\nhello world")
}

func TestExecuteCapturesStderrAndExitCode(t *testing.T) {
	tool := New(t.TempDir())
	out, err := tool.Execute(context.Background(), map[string]interface{}{
		"command": "echo oops >&2; exit 3",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "exit code 3")
	assert.Contains(t, out, "Stderr:\noops")
}

func TestExecuteRunsInWorkDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644))

	tool := New(dir)
	out, err := tool.Execute(context.Background(), map[string]interface{}{
		"command": "ls",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "marker.txt")
}

func TestExecuteTimeoutIsAResultNotAnError(t *testing.T) {
	tool := New(t.TempDir())
	out, err := tool.Execute(context.Background(), map[string]interface{}{
		"command": "sleep 5",
		"timeout": 0.1,
	})
	require.NoError(t, err)
	assert.Contains(t, out, "timed out")
}

func TestExecuteEmptyCommand(t *testing.T) {
	tool := New(t.TempDir())
	_, err := tool.Execute(context.Background(), map[string]interface{}{})
	require.Error(t, err)
}

func TestToolManifestShape(t *testing.T) {
	tool := New(t.TempDir())
	assert.Equal(t, "shell", tool.Name())
	assert.False(t, tool.IsLoopBreaking())

	schema := tool.Schema()
	props, ok := schema["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, props, "command")
	assert.Contains(t, props, "timeout")
}
