package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/internal/steps"
	"github.com/rendis/orchestra/pkg/schema"
)

func runShell(t *testing.T, cfg ShellConfig, params map[string]any) (map[string]any, error) {
	t.Helper()
	out, err := NewShellRunner(cfg).Run(context.Background(), Task{
		PlanExecutionID: "plan-1",
		NodeExecutionID: "node-1",
		Request:         steps.TaskRequest{TaskType: TaskTypeShell, Parameters: params},
	})
	if err != nil {
		return nil, err
	}
	result, ok := out.(map[string]any)
	require.True(t, ok)
	return result, nil
}

func TestShellRunner_Echo(t *testing.T) {
	result, err := runShell(t, ShellConfig{}, map[string]any{
		"command": "echo",
		"args":    []any{"hello", "world"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", result["stdout"])
	assert.Equal(t, 0, result["exit_code"])
	assert.Equal(t, false, result["killed"])
}

func TestShellRunner_JSONStdoutIsDecoded(t *testing.T) {
	result, err := runShell(t, ShellConfig{}, map[string]any{
		"command": "cat",
		"stdin":   `{"image": "checkout:1.0.0"}`,
	})
	require.NoError(t, err)
	out, ok := result["stdout"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "checkout:1.0.0", out["image"])
	assert.Equal(t, `{"image": "checkout:1.0.0"}`, result["stdout_raw"])
}

func TestShellRunner_EnvAndCorrelation(t *testing.T) {
	result, err := runShell(t, ShellConfig{}, map[string]any{
		"command": `echo "$TARGET $ORCHESTRA_PLAN_EXECUTION_ID $ORCHESTRA_NODE_EXECUTION_ID"`,
		"shell":   true,
		"env":     map[string]any{"TARGET": "prod"},
	})
	require.NoError(t, err)
	assert.Equal(t, "prod plan-1 node-1\n", result["stdout"])
}

func TestShellRunner_WorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	result, err := runShell(t, ShellConfig{Dir: dir}, map[string]any{"command": "pwd"})
	require.NoError(t, err)
	assert.Contains(t, result["stdout"], dir)
}

func TestShellRunner_NonZeroExit(t *testing.T) {
	_, err := runShell(t, ShellConfig{}, map[string]any{
		"command": "echo broken >&2; exit 3",
		"shell":   true,
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepFailed, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "exit code 3")
	assert.Contains(t, err.Error(), "broken")

	result, err := runShell(t, ShellConfig{}, map[string]any{
		"command":       "exit 3",
		"shell":         true,
		"allow_failure": true,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result["exit_code"])
}

func TestShellRunner_Timeout(t *testing.T) {
	_, err := runShell(t, ShellConfig{}, map[string]any{
		"command": "sleep",
		"args":    []any{"5"},
		"timeout": "100ms",
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepFailed, schema.ErrorCode(err))
}

func TestShellRunner_OutputLimit(t *testing.T) {
	result, err := runShell(t, ShellConfig{MaxOutputSize: 5}, map[string]any{
		"command": "echo",
		"args":    []any{"0123456789"},
	})
	require.NoError(t, err)
	assert.Equal(t, "01234", result["stdout"])
}

func TestShellRunner_MissingCommand(t *testing.T) {
	_, err := runShell(t, ShellConfig{}, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}
