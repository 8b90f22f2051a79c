package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/internal/steps"
	"github.com/rendis/orchestra/pkg/schema"
)

type delivery struct {
	nodeID string
	resp   steps.ResponseData
}

type recordingSink struct {
	ch chan delivery
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan delivery, 16)}
}

func (s *recordingSink) DeliverTaskResponse(_ context.Context, nodeID string, resp steps.ResponseData) error {
	s.ch <- delivery{nodeID: nodeID, resp: resp}
	return nil
}

func (s *recordingSink) next(t *testing.T) delivery {
	t.Helper()
	select {
	case d := <-s.ch:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("no task response delivered")
		return delivery{}
	}
}

func (s *recordingSink) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case d := <-s.ch:
		t.Fatalf("unexpected delivery for %s: %+v", d.nodeID, d.resp)
	case <-time.After(wait):
	}
}

// semPool is a minimal Pool for tests.
type semPool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func (p *semPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.wg.Add(1)
	go func() {
		defer func() { <-p.sem; p.wg.Done() }()
		_ = fn(ctx)
	}()
	return nil
}

func newTestDispatcher(t *testing.T, cfg LocalConfig) *LocalDispatcher {
	t.Helper()
	d := NewLocalDispatcher(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d
}

func task(nodeID, taskType string, params map[string]any) Task {
	return Task{
		NodeExecutionID: nodeID,
		PlanExecutionID: "plan-1",
		Request:         steps.TaskRequest{TaskType: taskType, Parameters: params},
	}
}

func TestLocalDispatcher_DeliversResult(t *testing.T) {
	d := newTestDispatcher(t, LocalConfig{Pool: &semPool{sem: make(chan struct{}, 2)}})
	require.NoError(t, d.Register("echo", RunnerFunc(func(_ context.Context, task Task) (any, error) {
		return task.Request.Parameters, nil
	})))
	sink := newRecordingSink()

	handle, err := d.Submit(context.Background(), task("node-1", "echo", map[string]any{"v": 1}), sink)
	require.NoError(t, err)
	assert.NotEmpty(t, handle)

	got := sink.next(t)
	assert.Equal(t, "node-1", got.nodeID)
	assert.True(t, got.resp.Success)
	assert.Equal(t, map[string]any{"v": 1}, got.resp.Data)
}

func TestLocalDispatcher_RunnerError(t *testing.T) {
	d := newTestDispatcher(t, LocalConfig{})
	require.NoError(t, d.Register("deploy", RunnerFunc(func(context.Context, Task) (any, error) {
		return nil, schema.NewError(schema.ErrCodeStepFailed, "boom")
	})))
	sink := newRecordingSink()

	_, err := d.Submit(context.Background(), task("node-1", "deploy", nil), sink)
	require.NoError(t, err)

	got := sink.next(t)
	assert.False(t, got.resp.Success)
	assert.Equal(t, "boom", got.resp.Error)
}

func TestLocalDispatcher_RunnerPanic(t *testing.T) {
	d := newTestDispatcher(t, LocalConfig{})
	require.NoError(t, d.Register("explode", RunnerFunc(func(context.Context, Task) (any, error) {
		panic("kaboom")
	})))
	sink := newRecordingSink()

	_, err := d.Submit(context.Background(), task("node-1", "explode", nil), sink)
	require.NoError(t, err)

	got := sink.next(t)
	assert.False(t, got.resp.Success)
	assert.Contains(t, got.resp.Error, "kaboom")
}

func TestLocalDispatcher_UnknownTaskType(t *testing.T) {
	d := newTestDispatcher(t, LocalConfig{})
	_, err := d.Submit(context.Background(), task("node-1", "missing", nil), newRecordingSink())
	assert.Equal(t, schema.ErrCodeDispatch, schema.ErrorCode(err))
}

func TestLocalDispatcher_DuplicateRegistration(t *testing.T) {
	d := newTestDispatcher(t, LocalConfig{})
	r := RunnerFunc(func(context.Context, Task) (any, error) { return nil, nil })
	require.NoError(t, d.Register("deploy", r))
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(d.Register("deploy", r)))
	assert.Equal(t, []string{"deploy"}, d.TaskTypes())
}

func TestLocalDispatcher_Timeout(t *testing.T) {
	d := newTestDispatcher(t, LocalConfig{})
	require.NoError(t, d.Register("slow", RunnerFunc(func(ctx context.Context, _ Task) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})))
	sink := newRecordingSink()

	tk := task("node-1", "slow", nil)
	tk.Request.Timeout = 20 * time.Millisecond
	_, err := d.Submit(context.Background(), tk, sink)
	require.NoError(t, err)

	got := sink.next(t)
	assert.False(t, got.resp.Success)
	assert.Contains(t, got.resp.Error, "timed out")
}

func TestLocalDispatcher_AbortSuppressesResponse(t *testing.T) {
	d := newTestDispatcher(t, LocalConfig{})
	started := make(chan struct{})
	returned := make(chan struct{})
	require.NoError(t, d.Register("slow", RunnerFunc(func(ctx context.Context, _ Task) (any, error) {
		close(started)
		<-ctx.Done()
		defer close(returned)
		return nil, ctx.Err()
	})))
	sink := newRecordingSink()

	handle, err := d.Submit(context.Background(), task("node-1", "slow", nil), sink)
	require.NoError(t, err)
	<-started

	require.NoError(t, d.Abort(context.Background(), handle))
	<-returned
	sink.none(t, 50*time.Millisecond)

	// Unknown and finished handles are not errors.
	assert.NoError(t, d.Abort(context.Background(), handle))
	assert.NoError(t, d.Abort(context.Background(), "nope"))
}

func TestLocalDispatcher_BreakerRejectsFailingType(t *testing.T) {
	d := newTestDispatcher(t, LocalConfig{Breaker: &BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute}})
	require.NoError(t, d.Register("flaky", RunnerFunc(func(context.Context, Task) (any, error) {
		return nil, errors.New("down")
	})))
	sink := newRecordingSink()

	for i := 0; i < 2; i++ {
		_, err := d.Submit(context.Background(), task("node", "flaky", nil), sink)
		require.NoError(t, err)
		sink.next(t)
	}
	require.Eventually(t, func() bool { return d.Breakers().State("flaky") == CircuitOpen }, time.Second, 5*time.Millisecond)

	_, err := d.Submit(context.Background(), task("node", "flaky", nil), sink)
	assert.Equal(t, schema.ErrCodeDispatch, schema.ErrorCode(err))
}

func TestLocalDispatcher_ShutdownRejectsSubmit(t *testing.T) {
	d := newTestDispatcher(t, LocalConfig{})
	require.NoError(t, d.Register("echo", RunnerFunc(func(context.Context, Task) (any, error) { return nil, nil })))
	require.NoError(t, d.Shutdown(context.Background()))

	_, err := d.Submit(context.Background(), task("node-1", "echo", nil), newRecordingSink())
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}

func TestHTTPRunner_JSONResponse(t *testing.T) {
	var gotHeader, gotMethod string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get(HeaderNodeExecutionID)
		gotMethod = r.Method
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"pods": []string{"a", "b"}})
	}))
	defer srv.Close()

	out, err := NewHTTPRunner(HTTPConfig{}).Run(context.Background(), task("node-7", TaskTypeHTTP, map[string]any{
		"url":    srv.URL,
		"method": "post",
		"body":   map[string]any{"env": "prod"},
	}))
	require.NoError(t, err)

	result := out.(map[string]any)
	assert.Equal(t, http.StatusOK, result["status_code"])
	assert.Equal(t, map[string]any{"pods": []any{"a", "b"}}, result["body"])
	assert.Equal(t, "node-7", gotHeader)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "prod", gotBody["env"])
}

func TestHTTPRunner_FailOnErrorStatusLocal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	runner := NewHTTPRunner(HTTPConfig{})
	out, err := runner.Run(context.Background(), task("n", TaskTypeHTTP, map[string]any{"url": srv.URL}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, out.(map[string]any)["status_code"])

	_, err = runner.Run(context.Background(), task("n", TaskTypeHTTP, map[string]any{"url": srv.URL, "fail_on_error_status": true}))
	assert.Equal(t, schema.ErrCodeStepFailed, schema.ErrorCode(err))
}

func TestHTTPRunner_InvalidURLLocal(t *testing.T) {
	_, err := NewHTTPRunner(HTTPConfig{}).Run(context.Background(), task("n", TaskTypeHTTP, map[string]any{"url": "ftp://x"}))
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestShellRunner_ParsesJSONStdout(t *testing.T) {
	out, err := NewShellRunner(ShellConfig{}).Run(context.Background(), task("node-3", TaskTypeShell, map[string]any{
		"command": `printf '{"node":"%s"}' "$ORCHESTRA_NODE_EXECUTION_ID"`,
		"shell":   true,
	}))
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, map[string]any{"node": "node-3"}, result["stdout"])
	assert.Equal(t, 0, result["exit_code"])
}

func TestShellRunner_NonZeroExitLocal(t *testing.T) {
	runner := NewShellRunner(ShellConfig{})
	params := map[string]any{"command": "echo broken >&2; exit 3", "shell": true}

	_, err := runner.Run(context.Background(), task("n", TaskTypeShell, params))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepFailed, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "exit code 3: broken")

	params["allow_failure"] = true
	out, err := runner.Run(context.Background(), task("n", TaskTypeShell, params))
	require.NoError(t, err)
	assert.Equal(t, 3, out.(map[string]any)["exit_code"])
}

func TestShellRunner_MissingCommandLocal(t *testing.T) {
	_, err := NewShellRunner(ShellConfig{}).Run(context.Background(), task("n", TaskTypeShell, nil))
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}
