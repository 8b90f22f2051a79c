package interrupts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/internal/engine"
	"github.com/rendis/orchestra/internal/metrics"
	"github.com/rendis/orchestra/internal/steps"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/ambiance"
	"github.com/rendis/orchestra/pkg/schema"
)

// blockingStep runs until released or cancelled.
type blockingStep struct {
	started chan string
	release chan struct{}
}

func (b *blockingStep) ExecuteSync(ctx context.Context, amb ambiance.Ambiance, _ map[string]any, _ steps.InputPackage) (steps.StepResponse, error) {
	b.started <- amb.ObtainCurrentRuntimeID()
	select {
	case <-b.release:
	case <-ctx.Done():
		return steps.StepResponse{}, ctx.Err()
	}
	return steps.StepResponse{Status: schema.StatusSucceeded}, nil
}

type fixture struct {
	store   *store.MemoryStore
	engine  *engine.Engine
	manager *Manager
	reg     *prometheus.Registry
	block   *blockingStep
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	stepReg := steps.NewRegistry()
	require.NoError(t, steps.RegisterBuiltins(stepReg))
	block := &blockingStep{started: make(chan string, 8), release: make(chan struct{})}
	require.NoError(t, stepReg.Register("BLOCK", block))

	promReg := prometheus.NewRegistry()
	rec := metrics.New(promReg)
	e, err := engine.New(s, stepReg, engine.Config{PoolSize: 4, Metrics: rec})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return &fixture{
		store:   s,
		engine:  e,
		manager: NewManager(s, e, Config{Metrics: rec}),
		reg:     promReg,
		block:   block,
	}
}

// stagePlan is pipeline -> stage -> steps..., chained in order.
func stagePlan(stepNodes ...*schema.PlanNode) *schema.PlanDefinition {
	p := &schema.PlanDefinition{
		PlanID:     "release",
		RootNodeID: "pipeline",
		Nodes: map[string]*schema.PlanNode{
			"pipeline": {
				UUID:           "pipeline",
				Identifier:     "pipeline",
				StepType:       ambiance.StepType{Type: steps.TypeSection, Category: ambiance.CategoryPipeline},
				StepParameters: map[string]any{"childNodeId": "prod"},
			},
			"prod": {
				UUID:           "prod",
				Identifier:     "prod",
				StepType:       ambiance.StepType{Type: steps.TypeSection, Category: ambiance.CategoryStage},
				StepParameters: map[string]any{"childNodeId": stepNodes[0].UUID},
			},
		},
	}
	for i, n := range stepNodes {
		if i+1 < len(stepNodes) {
			n.NextID = stepNodes[i+1].UUID
		}
		p.Nodes[n.UUID] = n
	}
	return p
}

func step(id, stepType string, params map[string]any) *schema.PlanNode {
	return &schema.PlanNode{
		UUID:           id,
		Identifier:     id,
		StepType:       ambiance.StepType{Type: stepType, Category: ambiance.CategoryStep},
		StepParameters: params,
	}
}

func failingGate(id string) *schema.PlanNode {
	n := step(id, steps.TypeEcho, map[string]any{"fail": "verification failed"})
	n.FailureStrategy = &schema.FailureStrategy{Action: schema.ActionManualIntervention}
	return n
}

func (f *fixture) start(t *testing.T, plan *schema.PlanDefinition) string {
	t.Helper()
	pe, err := f.engine.StartPlan(context.Background(), engine.StartRequest{Plan: plan})
	require.NoError(t, err)
	return pe.ID
}

func (f *fixture) waitPlan(t *testing.T, planID string, status schema.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		p, err := f.store.GetPlan(context.Background(), planID)
		return err == nil && p.Status == status
	}, 5*time.Second, 5*time.Millisecond, "plan never reached %s", status)
}

// liveNode waits for the live execution of identifier to reach status.
func (f *fixture) liveNode(t *testing.T, planID, identifier string, status schema.Status) *store.NodeExecution {
	t.Helper()
	var found *store.NodeExecution
	require.Eventually(t, func() bool {
		nodes, err := f.store.ListNodes(context.Background(), store.NodeFilter{PlanExecutionID: planID, ExcludeRetried: true})
		if err != nil {
			return false
		}
		for _, n := range nodes {
			if n.Node.Identifier == identifier && n.Status == status {
				found = n
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "node %s never reached %s", identifier, status)
	n, err := f.store.GetNode(context.Background(), found.ID)
	require.NoError(t, err)
	return n
}

func TestManager_MarkSuccessResumesFlow(t *testing.T) {
	f := newFixture(t)
	planID := f.start(t, stagePlan(failingGate("verify"), step("promote", steps.TypeEcho, nil)))
	gate := f.liveNode(t, planID, "verify", schema.StatusInterventionWaiting)
	f.waitPlan(t, planID, schema.StatusInterventionWaiting)

	in, err := f.manager.Issue(context.Background(), Request{
		PlanExecutionID: planID,
		NodeExecutionID: gate.ID,
		Type:            schema.InterruptMarkSuccess,
		IssuedBy:        "oncall",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.InterruptProcessedSuccessfully, in.State)
	assert.NotNil(t, in.ProcessedAt)

	f.waitPlan(t, planID, schema.StatusSucceeded)
	marked, err := f.store.GetNode(context.Background(), gate.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSucceeded, marked.Status)
	require.Len(t, marked.InterruptHistory, 1)
	assert.Equal(t, in.ID, marked.InterruptHistory[0].InterruptID)
	assert.Equal(t, schema.InterruptMarkSuccess, marked.InterruptHistory[0].Type)

	f.liveNode(t, planID, "promote", schema.StatusSucceeded)
	f.liveNode(t, planID, "prod", schema.StatusSucceeded)
}

func TestManager_MarkFailedEndsPlan(t *testing.T) {
	f := newFixture(t)
	planID := f.start(t, stagePlan(failingGate("verify")))
	gate := f.liveNode(t, planID, "verify", schema.StatusInterventionWaiting)

	in, err := f.manager.Issue(context.Background(), Request{PlanExecutionID: planID, NodeExecutionID: gate.ID, Type: schema.InterruptMarkFailed})
	require.NoError(t, err)
	assert.Equal(t, schema.InterruptProcessedSuccessfully, in.State)
	f.waitPlan(t, planID, schema.StatusFailed)

	// A second mark finds the node already ended.
	in, err = f.manager.Issue(context.Background(), Request{PlanExecutionID: planID, NodeExecutionID: gate.ID, Type: schema.InterruptMarkSuccess})
	require.NoError(t, err)
	assert.Equal(t, schema.InterruptProcessedUnsuccessfully, in.State)
}

func TestManager_MarkSuccessRequiresInterventionWaiting(t *testing.T) {
	f := newFixture(t)
	planID := f.start(t, stagePlan(step("wait", "BLOCK", nil)))
	<-f.block.started
	running := f.liveNode(t, planID, "wait", schema.StatusRunning)

	in, err := f.manager.Issue(context.Background(), Request{PlanExecutionID: planID, NodeExecutionID: running.ID, Type: schema.InterruptMarkSuccess})
	require.NoError(t, err)
	assert.Equal(t, schema.InterruptProcessedUnsuccessfully, in.State)
	assert.NotEmpty(t, in.Reason)

	close(f.block.release)
	f.waitPlan(t, planID, schema.StatusSucceeded)
}

func TestManager_ConcurrentRetryHasOneWinner(t *testing.T) {
	f := newFixture(t)
	planID := f.start(t, stagePlan(failingGate("verify")))
	gate := f.liveNode(t, planID, "verify", schema.StatusInterventionWaiting)

	const racers = 6
	ids := make([]string, racers)
	for i := range ids {
		in, err := f.manager.Register(context.Background(), Request{
			PlanExecutionID: planID,
			NodeExecutionID: gate.ID,
			Type:            schema.InterruptRetry,
			Parameters:      map[string]any{"fail": "still failing"},
		})
		require.NoError(t, err)
		assert.Equal(t, schema.InterruptRegistered, in.State)
		ids[i] = in.ID
	}

	results := make([]*store.Interrupt, racers)
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			in, err := f.manager.Process(context.Background(), id)
			assert.NoError(t, err)
			results[i] = in
		}(i, id)
	}
	wg.Wait()

	won := 0
	for _, in := range results {
		require.NotNil(t, in)
		switch in.State {
		case schema.InterruptProcessedSuccessfully:
			won++
		case schema.InterruptProcessedUnsuccessfully:
			assert.Equal(t, ReasonStatusChanged, in.Reason)
		default:
			t.Fatalf("interrupt %s left in %s", in.ID, in.State)
		}
	}
	assert.Equal(t, 1, won)

	retried := f.liveNode(t, planID, "verify", schema.StatusInterventionWaiting)
	assert.Equal(t, gate.ID, retried.PreviousID)
	assert.Equal(t, []string{gate.ID}, retried.RetryIDs)
	assert.Equal(t, "still failing", retried.FailureInfo.Message)

	all, err := f.store.ListNodes(context.Background(), store.NodeFilter{PlanExecutionID: planID})
	require.NoError(t, err)
	count := 0
	for _, n := range all {
		if n.Node.Identifier == "verify" {
			count++
		}
	}
	assert.Equal(t, 2, count, "exactly one new execution is chained")
}

func TestManager_SupersededNodeRejectsLaterEffects(t *testing.T) {
	f := newFixture(t)
	planID := f.start(t, stagePlan(failingGate("verify")))
	gate := f.liveNode(t, planID, "verify", schema.StatusInterventionWaiting)
	ctx := context.Background()

	in, err := f.manager.Issue(ctx, Request{PlanExecutionID: planID, NodeExecutionID: gate.ID, Type: schema.InterruptRetry})
	require.NoError(t, err)
	require.Equal(t, schema.InterruptProcessedSuccessfully, in.State)
	current := f.liveNode(t, planID, "verify", schema.StatusInterventionWaiting)

	for _, typ := range []schema.InterruptType{
		schema.InterruptMarkSuccess, schema.InterruptMarkFailed, schema.InterruptAbort, schema.InterruptMarkExpired,
	} {
		in, err := f.manager.Issue(ctx, Request{PlanExecutionID: planID, NodeExecutionID: gate.ID, Type: typ})
		require.NoError(t, err)
		assert.Equal(t, schema.InterruptProcessedUnsuccessfully, in.State, typ)
		assert.Equal(t, ReasonStatusChanged, in.Reason, typ)
	}

	old, err := f.store.GetNode(ctx, gate.ID)
	require.NoError(t, err)
	assert.True(t, old.OldRetry)
	assert.Equal(t, schema.StatusFailed, old.Status, "the superseded record is closed, not left waiting")
	assert.NotNil(t, old.EndTS)
	assert.Empty(t, old.InterruptHistory)

	plan, err := f.store.GetPlan(ctx, planID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusInterventionWaiting, plan.Status)

	in, err = f.manager.Issue(ctx, Request{PlanExecutionID: planID, NodeExecutionID: current.ID, Type: schema.InterruptMarkSuccess})
	require.NoError(t, err)
	assert.Equal(t, schema.InterruptProcessedSuccessfully, in.State)
	f.waitPlan(t, planID, schema.StatusSucceeded)

	events, err := f.store.GetEvents(ctx, planID, 0)
	require.NoError(t, err)
	closed := false
	for _, ev := range events {
		if ev.NodeExecutionID == gate.ID && ev.Type == schema.LogNodeStatusChanged &&
			ev.FromStatus == string(schema.StatusInterventionWaiting) && ev.ToStatus == string(schema.StatusFailed) {
			closed = true
		}
	}
	assert.True(t, closed, "closing the superseded record is logged")
}

func TestManager_RetryRacesMarkSuccess(t *testing.T) {
	for round := 0; round < 5; round++ {
		f := newFixture(t)
		planID := f.start(t, stagePlan(failingGate("verify")))
		gate := f.liveNode(t, planID, "verify", schema.StatusInterventionWaiting)
		ctx := context.Background()

		var ids []string
		for _, typ := range []schema.InterruptType{schema.InterruptRetry, schema.InterruptMarkSuccess} {
			in, err := f.manager.Register(ctx, Request{PlanExecutionID: planID, NodeExecutionID: gate.ID, Type: typ})
			require.NoError(t, err)
			ids = append(ids, in.ID)
		}

		results := make([]*store.Interrupt, len(ids))
		var wg sync.WaitGroup
		for i, id := range ids {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				in, err := f.manager.Process(ctx, id)
				assert.NoError(t, err)
				results[i] = in
			}(i, id)
		}
		wg.Wait()

		require.NotNil(t, results[0])
		require.NotNil(t, results[1])
		retryWon := results[0].State == schema.InterruptProcessedSuccessfully
		markWon := results[1].State == schema.InterruptProcessedSuccessfully
		require.True(t, retryWon != markWon, "exactly one effect wins: retry=%s mark=%s", results[0].State, results[1].State)

		old, err := f.store.GetNode(ctx, gate.ID)
		require.NoError(t, err)
		if retryWon {
			assert.True(t, old.OldRetry)
			assert.Equal(t, schema.StatusFailed, old.Status)
			f.liveNode(t, planID, "verify", schema.StatusInterventionWaiting)
		} else {
			assert.False(t, old.OldRetry)
			assert.Equal(t, schema.StatusSucceeded, old.Status)
			f.waitPlan(t, planID, schema.StatusSucceeded)
		}
	}
}

func TestManager_RetryWithoutParametersReusesPrevious(t *testing.T) {
	f := newFixture(t)
	planID := f.start(t, stagePlan(failingGate("verify")))
	first := f.liveNode(t, planID, "verify", schema.StatusInterventionWaiting)
	ctx := context.Background()

	in, err := f.manager.Issue(ctx, Request{
		PlanExecutionID: planID,
		NodeExecutionID: first.ID,
		Type:            schema.InterruptRetry,
		Parameters:      map[string]any{"fail": "operator params"},
	})
	require.NoError(t, err)
	require.Equal(t, schema.InterruptProcessedSuccessfully, in.State)
	second := f.liveNode(t, planID, "verify", schema.StatusInterventionWaiting)
	assert.Equal(t, "operator params", second.FailureInfo.Message)

	in, err = f.manager.Issue(ctx, Request{PlanExecutionID: planID, NodeExecutionID: second.ID, Type: schema.InterruptRetry})
	require.NoError(t, err)
	require.Equal(t, schema.InterruptProcessedSuccessfully, in.State)

	third := f.liveNode(t, planID, "verify", schema.StatusInterventionWaiting)
	assert.Equal(t, second.ID, third.PreviousID)
	assert.Equal(t, "operator params", third.StepParameters["fail"])
	assert.Equal(t, "operator params", third.FailureInfo.Message)
}

func TestManager_RetryChainOnlyLastIsRetryable(t *testing.T) {
	f := newFixture(t)
	planID := f.start(t, stagePlan(failingGate("verify")))
	first := f.liveNode(t, planID, "verify", schema.StatusInterventionWaiting)

	in, err := f.manager.Issue(context.Background(), Request{PlanExecutionID: planID, NodeExecutionID: first.ID, Type: schema.InterruptRetry})
	require.NoError(t, err)
	require.Equal(t, schema.InterruptProcessedSuccessfully, in.State)
	second := f.liveNode(t, planID, "verify", schema.StatusInterventionWaiting)

	in, err = f.manager.Issue(context.Background(), Request{PlanExecutionID: planID, NodeExecutionID: first.ID, Type: schema.InterruptRetry})
	require.NoError(t, err)
	assert.Equal(t, schema.InterruptProcessedUnsuccessfully, in.State)

	in, err = f.manager.Issue(context.Background(), Request{PlanExecutionID: planID, NodeExecutionID: second.ID, Type: schema.InterruptRetry})
	require.NoError(t, err)
	assert.Equal(t, schema.InterruptProcessedSuccessfully, in.State)
	third := f.liveNode(t, planID, "verify", schema.StatusInterventionWaiting)

	// The chain is linear: first -> second -> third.
	first, err = f.store.GetNode(context.Background(), first.ID)
	require.NoError(t, err)
	second, err = f.store.GetNode(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, first.NextID)
	assert.Equal(t, first.ID, second.PreviousID)
	assert.Equal(t, third.ID, second.NextID)
	assert.Equal(t, second.ID, third.PreviousID)
	assert.True(t, first.OldRetry)
	assert.True(t, second.OldRetry)
	assert.False(t, third.OldRetry)
}

func TestManager_AbortAllIsIdempotent(t *testing.T) {
	f := newFixture(t)
	planID := f.start(t, stagePlan(step("wait", "BLOCK", nil), step("after", steps.TypeEcho, nil)))
	<-f.block.started

	in, err := f.manager.Issue(context.Background(), Request{PlanExecutionID: planID, Type: schema.InterruptAbortAll})
	require.NoError(t, err)
	assert.Equal(t, schema.InterruptProcessedSuccessfully, in.State)

	plan, err := f.store.GetPlan(context.Background(), planID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusAborted, plan.Status)
	require.NotNil(t, plan.FailureInfo)

	nodes, err := f.store.ListNodes(context.Background(), store.NodeFilter{PlanExecutionID: planID})
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	for _, n := range nodes {
		assert.Equal(t, schema.StatusAborted, n.Status, n.Node.Identifier)
	}

	again, err := f.manager.Issue(context.Background(), Request{PlanExecutionID: planID, Type: schema.InterruptAbortAll})
	require.NoError(t, err)
	assert.Equal(t, schema.InterruptProcessedSuccessfully, again.State)

	// The released step reports into an aborted node and changes nothing.
	close(f.block.release)
	time.Sleep(20 * time.Millisecond)
	plan, err = f.store.GetPlan(context.Background(), planID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusAborted, plan.Status)

	count, err := testutil.GatherAndCount(f.reg, "orchestra_interrupts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestManager_AbortSingleNode(t *testing.T) {
	f := newFixture(t)
	planID := f.start(t, stagePlan(step("wait", "BLOCK", nil)))
	<-f.block.started
	running := f.liveNode(t, planID, "wait", schema.StatusRunning)

	in, err := f.manager.Issue(context.Background(), Request{PlanExecutionID: planID, NodeExecutionID: running.ID, Type: schema.InterruptAbort})
	require.NoError(t, err)
	assert.Equal(t, schema.InterruptProcessedSuccessfully, in.State)

	f.waitPlan(t, planID, schema.StatusAborted)
	close(f.block.release)
}

func TestManager_MarkExpired(t *testing.T) {
	f := newFixture(t)
	planID := f.start(t, stagePlan(step("wait", "BLOCK", nil)))
	<-f.block.started
	running := f.liveNode(t, planID, "wait", schema.StatusRunning)

	in, err := f.manager.Issue(context.Background(), Request{PlanExecutionID: planID, NodeExecutionID: running.ID, Type: schema.InterruptMarkExpired})
	require.NoError(t, err)
	assert.Equal(t, schema.InterruptProcessedSuccessfully, in.State)

	f.waitPlan(t, planID, schema.StatusExpired)
	expired, err := f.store.GetNode(context.Background(), running.ID)
	require.NoError(t, err)
	assert.Equal(t, []schema.FailureType{schema.FailureExpired}, expired.FailureInfo.FailureTypes)
	close(f.block.release)
}

func TestManager_PauseAndResumePlan(t *testing.T) {
	f := newFixture(t)
	planID := f.start(t, stagePlan(step("wait", "BLOCK", nil), step("after", steps.TypeEcho, nil)))
	<-f.block.started

	in, err := f.manager.Issue(context.Background(), Request{PlanExecutionID: planID, Type: schema.InterruptPause})
	require.NoError(t, err)
	assert.Equal(t, schema.InterruptProcessedSuccessfully, in.State)
	f.waitPlan(t, planID, schema.StatusPaused)

	close(f.block.release)
	f.liveNode(t, planID, "wait", schema.StatusPaused)

	// Pausing twice loses against the current status.
	in, err = f.manager.Issue(context.Background(), Request{PlanExecutionID: planID, Type: schema.InterruptPause})
	require.NoError(t, err)
	assert.Equal(t, schema.InterruptProcessedUnsuccessfully, in.State)

	in, err = f.manager.Issue(context.Background(), Request{PlanExecutionID: planID, Type: schema.InterruptResume})
	require.NoError(t, err)
	assert.Equal(t, schema.InterruptProcessedSuccessfully, in.State)
	f.waitPlan(t, planID, schema.StatusSucceeded)
}

func TestManager_RegisterValidation(t *testing.T) {
	f := newFixture(t)
	planID := f.start(t, stagePlan(failingGate("verify")))
	gate := f.liveNode(t, planID, "verify", schema.StatusInterventionWaiting)
	other := f.start(t, stagePlan(failingGate("verify")))
	ctx := context.Background()

	cases := []struct {
		name string
		req  Request
		code string
	}{
		{"unknown type", Request{PlanExecutionID: planID, Type: "EXPLODE"}, schema.ErrCodeValidation},
		{"missing plan", Request{Type: schema.InterruptAbortAll}, schema.ErrCodeValidation},
		{"retry without node", Request{PlanExecutionID: planID, Type: schema.InterruptRetry}, schema.ErrCodeValidation},
		{"abort all with node", Request{PlanExecutionID: planID, NodeExecutionID: gate.ID, Type: schema.InterruptAbortAll}, schema.ErrCodeValidation},
		{"node of another plan", Request{PlanExecutionID: other, NodeExecutionID: gate.ID, Type: schema.InterruptRetry}, schema.ErrCodeValidation},
		{"unknown plan", Request{PlanExecutionID: "nope", Type: schema.InterruptAbortAll}, schema.ErrCodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.manager.Register(ctx, tc.req)
			require.Error(t, err)
			assert.Equal(t, tc.code, schema.ErrorCode(err))
		})
	}
}

func TestManager_ProcessOnlyOnce(t *testing.T) {
	f := newFixture(t)
	planID := f.start(t, stagePlan(failingGate("verify")))
	gate := f.liveNode(t, planID, "verify", schema.StatusInterventionWaiting)
	ctx := context.Background()

	in, err := f.manager.Register(ctx, Request{PlanExecutionID: planID, NodeExecutionID: gate.ID, Type: schema.InterruptMarkSuccess})
	require.NoError(t, err)
	_, err = f.manager.Process(ctx, in.ID)
	require.NoError(t, err)

	_, err = f.manager.Process(ctx, in.ID)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))

	listed, err := f.manager.List(ctx, planID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, schema.InterruptProcessedSuccessfully, listed[0].State)

	events, err := f.store.GetEvents(ctx, planID, 0)
	require.NoError(t, err)
	var states []string
	for _, ev := range events {
		if ev.Type == schema.LogInterruptState {
			states = append(states, ev.ToStatus)
		}
	}
	assert.Equal(t, []string{
		string(schema.InterruptRegistered),
		string(schema.InterruptProcessing),
		string(schema.InterruptProcessedSuccessfully),
	}, states)
}
