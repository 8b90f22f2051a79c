package timeout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/internal/engine"
	"github.com/rendis/orchestra/internal/interrupts"
	"github.com/rendis/orchestra/internal/steps"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/ambiance"
	"github.com/rendis/orchestra/pkg/schema"
)

type fakeIssuer struct {
	mu     sync.Mutex
	issued []interrupts.Request
	state  schema.InterruptState
	err    error
}

func (f *fakeIssuer) Issue(_ context.Context, req interrupts.Request) (*store.Interrupt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued = append(f.issued, req)
	if f.err != nil {
		return nil, f.err
	}
	state := f.state
	if state == "" {
		state = schema.InterruptProcessedSuccessfully
	}
	return &store.Interrupt{ID: "int", Type: req.Type, State: state}, nil
}

func (f *fakeIssuer) requests() []interrupts.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]interrupts.Request(nil), f.issued...)
}

func saveNode(t *testing.T, s *store.MemoryStore, id string, status schema.Status, timeoutAt *time.Time) {
	t.Helper()
	require.NoError(t, s.SaveNode(context.Background(), &store.NodeExecution{
		ID:              id,
		PlanExecutionID: "plan-1",
		Node:            schema.NodeRef{Identifier: id},
		Status:          status,
		TimeoutAt:       timeoutAt,
		CreatedAt:       time.Now().UTC(),
	}))
}

func TestSweep_ExpiresOnlyDueFlowingNodes(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past, future := now.Add(-time.Minute), now.Add(time.Minute)

	saveNode(t, s, "due-running", schema.StatusRunning, &past)
	saveNode(t, s, "due-task", schema.StatusTaskWaiting, &past)
	saveNode(t, s, "not-due", schema.StatusRunning, &future)
	saveNode(t, s, "no-deadline", schema.StatusRunning, nil)
	saveNode(t, s, "done", schema.StatusSucceeded, &past)
	saveNode(t, s, "queued", schema.StatusQueued, &past)

	issuer := &fakeIssuer{}
	sw, err := NewSweeper(s, issuer, Config{Now: func() time.Time { return now }})
	require.NoError(t, err)

	n, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var ids []string
	for _, req := range issuer.requests() {
		ids = append(ids, req.NodeExecutionID)
		assert.Equal(t, schema.InterruptMarkExpired, req.Type)
		assert.Equal(t, "plan-1", req.PlanExecutionID)
		assert.Equal(t, IssuedBy, req.IssuedBy)
		assert.Equal(t, past.Format(time.RFC3339Nano), req.Parameters["timeout_at"])
	}
	assert.ElementsMatch(t, []string{"due-running", "due-task"}, ids)
}

func TestSweep_BatchSize(t *testing.T) {
	s := store.NewMemoryStore()
	past := time.Now().Add(-time.Hour)
	for _, id := range []string{"a", "b", "c"} {
		saveNode(t, s, id, schema.StatusRunning, &past)
	}
	issuer := &fakeIssuer{}
	sw, err := NewSweeper(s, issuer, Config{BatchSize: 2})
	require.NoError(t, err)

	n, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSweep_LostRacesAreNotCounted(t *testing.T) {
	s := store.NewMemoryStore()
	past := time.Now().Add(-time.Hour)
	saveNode(t, s, "a", schema.StatusRunning, &past)

	sw, err := NewSweeper(s, &fakeIssuer{state: schema.InterruptProcessedUnsuccessfully}, Config{})
	require.NoError(t, err)
	n, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweep_IssueErrorsAreJoined(t *testing.T) {
	s := store.NewMemoryStore()
	past := time.Now().Add(-time.Hour)
	saveNode(t, s, "a", schema.StatusRunning, &past)
	saveNode(t, s, "b", schema.StatusRunning, &past)

	sw, err := NewSweeper(s, &fakeIssuer{err: errors.New("store down")}, Config{})
	require.NoError(t, err)
	n, err := sw.Sweep(context.Background())
	assert.Zero(t, n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expire node a")
	assert.Contains(t, err.Error(), "expire node b")
}

func TestNewSweeper_InvalidSchedule(t *testing.T) {
	_, err := NewSweeper(store.NewMemoryStore(), &fakeIssuer{}, Config{Schedule: "every now and then"})
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestSweeper_StartStop(t *testing.T) {
	s := store.NewMemoryStore()
	past := time.Now().Add(-time.Hour)
	saveNode(t, s, "a", schema.StatusRunning, &past)

	issuer := &fakeIssuer{}
	sw, err := NewSweeper(s, issuer, Config{Schedule: "@every 1s"})
	require.NoError(t, err)
	require.NoError(t, sw.Start(context.Background()))
	assert.Error(t, sw.Start(context.Background()), "second start")

	require.Eventually(t, func() bool { return len(issuer.requests()) > 0 }, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sw.Stop(ctx))
	require.NoError(t, sw.Stop(ctx), "stop is idempotent")
}

// blockingStep runs until its context ends.
type blockingStep struct{ started chan struct{} }

func (b blockingStep) ExecuteSync(ctx context.Context, _ ambiance.Ambiance, _ map[string]any, _ steps.InputPackage) (steps.StepResponse, error) {
	close(b.started)
	<-ctx.Done()
	return steps.StepResponse{}, ctx.Err()
}

func TestSweep_ExpiresRunningPlan(t *testing.T) {
	s := store.NewMemoryStore()
	reg := steps.NewRegistry()
	require.NoError(t, steps.RegisterBuiltins(reg))
	block := blockingStep{started: make(chan struct{})}
	require.NoError(t, reg.Register("BLOCK", block))

	e, err := engine.New(s, reg, engine.Config{PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	manager := interrupts.NewManager(s, e, interrupts.Config{})

	plan := &schema.PlanDefinition{
		PlanID:     "slow",
		RootNodeID: "pipeline",
		Nodes: map[string]*schema.PlanNode{
			"pipeline": {
				UUID: "pipeline", Identifier: "pipeline",
				StepType:       ambiance.StepType{Type: steps.TypeSection, Category: ambiance.CategoryPipeline},
				StepParameters: map[string]any{"childNodeId": "wait"},
			},
			"wait": {
				UUID: "wait", Identifier: "wait",
				StepType: ambiance.StepType{Type: "BLOCK", Category: ambiance.CategoryStep},
				Timeout:  "10ms",
			},
		},
	}
	pe, err := e.StartPlan(context.Background(), engine.StartRequest{Plan: plan})
	require.NoError(t, err)
	<-block.started

	later := func() time.Time { return time.Now().Add(time.Second) }
	sw, err := NewSweeper(s, manager, Config{Now: later})
	require.NoError(t, err)
	n, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		p, err := s.GetPlan(context.Background(), pe.ID)
		return err == nil && p.Status == schema.StatusExpired
	}, 5*time.Second, 5*time.Millisecond)

	// Nothing is left to expire.
	n, err = sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
