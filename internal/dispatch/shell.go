package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

// TaskTypeShell is the task type served by ShellRunner.
const TaskTypeShell = "shell"

const (
	defaultShellTimeout  = 30 * time.Second
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
)

// ShellConfig configures ShellRunner.
type ShellConfig struct {
	DefaultTimeout time.Duration
	MaxOutputSize  int64
	// Dir is the working directory used when a task sets no cwd.
	Dir string
}

// ShellRunner runs a local command per task.
//
// Parameters: command (required), args, env, cwd, stdin, timeout, shell
// (run through /bin/sh -c). A non-zero exit fails the task unless
// allow_failure is true. stdout is decoded when it is valid JSON.
type ShellRunner struct {
	cfg ShellConfig
}

// NewShellRunner creates a ShellRunner.
func NewShellRunner(cfg ShellConfig) *ShellRunner {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultShellTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	return &ShellRunner{cfg: cfg}
}

func (r *ShellRunner) Run(ctx context.Context, task Task) (any, error) {
	params := task.Request.Parameters
	if params == nil {
		params = map[string]any{}
	}
	command := stringParam(params, "command", "")
	if command == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "shell: missing required param 'command'")
	}
	args := stringSliceParam(params, "args")

	timeout := r.cfg.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if boolParam(params, "shell", false) {
		full := command
		if len(args) > 0 {
			full = command + " " + strings.Join(args, " ")
		}
		cmd = exec.CommandContext(execCtx, "/bin/sh", "-c", full)
	} else {
		cmd = exec.CommandContext(execCtx, command, args...)
	}
	cmd.Dir = stringParam(params, "cwd", r.cfg.Dir)
	cmd.Env = append(os.Environ(),
		"ORCHESTRA_PLAN_EXECUTION_ID="+task.PlanExecutionID,
		"ORCHESTRA_NODE_EXECUTION_ID="+task.NodeExecutionID,
	)
	for k, v := range stringMapParam(params, "env") {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if stdin := stringParam(params, "stdin", ""); stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: r.cfg.MaxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: r.cfg.MaxOutputSize}

	start := time.Now()
	runErr := cmd.Run()
	durationMs := time.Since(start).Milliseconds()

	exitCode := 0
	killed := false
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "shell: %v", runErr).WithCause(runErr)
		}
		exitCode = exitErr.ExitCode()
		killed = execCtx.Err() != nil
	}

	var parsed any = stdout.String()
	if stdout.Len() > 0 && json.Valid(stdout.Bytes()) {
		var v any
		if err := json.Unmarshal(stdout.Bytes(), &v); err == nil {
			parsed = v
		}
	}
	result := map[string]any{
		"stdout":      parsed,
		"stdout_raw":  stdout.String(),
		"stderr":      stderr.String(),
		"exit_code":   exitCode,
		"duration_ms": durationMs,
		"killed":      killed,
	}

	if exitCode != 0 && !boolParam(params, "allow_failure", false) {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "shell: exit code %d: %s", exitCode, msg).
			WithDetails(result)
	}
	return result, nil
}

// limitedWriter discards bytes beyond limit but always reports the full
// length written, so the child process never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	return total, err
}
