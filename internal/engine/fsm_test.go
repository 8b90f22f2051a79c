package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/internal/metrics"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/ambiance"
	"github.com/rendis/orchestra/pkg/schema"
)

func seedFSMPlan(t *testing.T, s store.Store, status schema.Status) *store.PlanExecution {
	t.Helper()
	p := &store.PlanExecution{ID: uuid.NewString(), PlanID: "fsm", Status: status}
	require.NoError(t, s.CreatePlan(context.Background(), p))
	return p
}

func seedFSMNode(t *testing.T, s store.Store, planID string, status schema.Status) *store.NodeExecution {
	t.Helper()
	n := &store.NodeExecution{
		ID:              uuid.NewString(),
		PlanExecutionID: planID,
		Node:            schema.NodeRef{SetupID: "build", Identifier: "build", StepType: ambiance.StepType{Type: "ECHO", Category: ambiance.CategoryStep}},
		Status:          status,
		Ambiance:        ambiance.New(planID, "fsm", nil, ambiance.Metadata{}),
	}
	require.NoError(t, s.SaveNode(context.Background(), n))
	return n
}

func TestTransitioner_NodeMatchesAllowedStartTable(t *testing.T) {
	s := store.NewMemoryStore()
	tr := NewTransitioner(s, nil, nil)
	plan := seedFSMPlan(t, s, schema.StatusRunning)
	ctx := context.Background()

	for _, from := range schema.AllStatuses {
		for _, to := range schema.AllStatuses {
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				n := seedFSMNode(t, s, plan.ID, from)
				got, err := tr.Node(ctx, n.ID, []schema.Status{from}, to, nil)
				if schema.CanTransition(from, to) {
					require.NoError(t, err)
					assert.Equal(t, to, got.Status)
					return
				}
				require.Error(t, err)
				assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))
				stored, err := s.GetNode(ctx, n.ID)
				require.NoError(t, err)
				assert.Equal(t, from, stored.Status, "rejected transition must not touch the record")
			})
		}
	}
}

func TestTransitioner_NodeRecordsEventAndObservers(t *testing.T) {
	s := store.NewMemoryStore()
	tr := NewTransitioner(s, nil, nil)
	plan := seedFSMPlan(t, s, schema.StatusRunning)
	n := seedFSMNode(t, s, plan.ID, schema.StatusRunning)
	ctx := context.Background()

	var seen []schema.Status
	tr.OnNode(func(_ context.Context, node *store.NodeExecution, from schema.Status) {
		seen = append(seen, from, node.Status)
	})

	got, err := tr.Node(ctx, n.ID, []schema.Status{schema.StatusRunning}, schema.StatusFailed, &store.NodeUpdate{
		FailureInfo: schema.NewFailure(schema.FailureApplication, "exit 2"),
		Interrupt:   &store.InterruptEffect{InterruptID: "int-1", Type: schema.InterruptMarkFailed},
	})
	require.NoError(t, err)
	assert.Equal(t, "exit 2", got.FailureInfo.Message)
	require.Len(t, got.InterruptHistory, 1)
	assert.Equal(t, []schema.Status{schema.StatusRunning, schema.StatusFailed}, seen)

	events, err := s.GetEvents(ctx, plan.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.LogNodeStatusChanged, events[0].Type)
	assert.Equal(t, string(schema.StatusRunning), events[0].FromStatus)
	assert.Equal(t, string(schema.StatusFailed), events[0].ToStatus)
	assert.Contains(t, string(events[0].Payload), `"interrupt_id":"int-1"`)
	assert.Contains(t, string(events[0].Payload), `"failure":"exit 2"`)
}

func TestTransitioner_MultipleSourcesReportActualPrior(t *testing.T) {
	s := store.NewMemoryStore()
	tr := NewTransitioner(s, nil, nil)
	plan := seedFSMPlan(t, s, schema.StatusRunning)
	n := seedFSMNode(t, s, plan.ID, schema.StatusTaskWaiting)

	var prior schema.Status
	tr.OnNode(func(_ context.Context, _ *store.NodeExecution, from schema.Status) { prior = from })

	_, err := tr.Node(context.Background(), n.ID, schema.Finalizable, schema.StatusAborted, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusTaskWaiting, prior)
}

// movingStore moves a node to RUNNING right before every compare-and-set,
// like a concurrent transition landing between a read and the update.
type movingStore struct {
	*store.MemoryStore
}

func (m movingStore) UpdateNodeStatus(ctx context.Context, id string, from []schema.Status, to schema.Status, update *store.NodeUpdate) (schema.Status, bool, error) {
	if _, _, err := m.MemoryStore.UpdateNodeStatus(ctx, id, []schema.Status{schema.StatusTaskWaiting}, schema.StatusRunning, nil); err != nil {
		return "", false, err
	}
	return m.MemoryStore.UpdateNodeStatus(ctx, id, from, to, update)
}

func TestTransitioner_PriorStatusComesFromTheCommit(t *testing.T) {
	s := movingStore{store.NewMemoryStore()}
	tr := NewTransitioner(s, nil, nil)
	plan := seedFSMPlan(t, s, schema.StatusRunning)
	n := seedFSMNode(t, s, plan.ID, schema.StatusTaskWaiting)
	ctx := context.Background()

	var prior schema.Status
	tr.OnNode(func(_ context.Context, _ *store.NodeExecution, from schema.Status) { prior = from })

	_, err := tr.Node(ctx, n.ID, schema.Finalizable, schema.StatusAborted, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusRunning, prior)

	events, err := s.GetEvents(ctx, plan.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, string(schema.StatusRunning), last.FromStatus)
	assert.Equal(t, string(schema.StatusAborted), last.ToStatus)
}

func TestTransitioner_LostRace(t *testing.T) {
	s := store.NewMemoryStore()
	reg := prometheus.NewRegistry()
	tr := NewTransitioner(s, nil, metrics.New(reg))
	plan := seedFSMPlan(t, s, schema.StatusRunning)
	n := seedFSMNode(t, s, plan.ID, schema.StatusSucceeded)

	called := false
	tr.OnNode(func(context.Context, *store.NodeExecution, schema.Status) { called = true })

	_, err := tr.Node(context.Background(), n.ID, []schema.Status{schema.StatusRunning}, schema.StatusFailed, nil)
	require.Error(t, err)
	assert.True(t, schema.IsStatusChanged(err))
	assert.False(t, called)

	var oe *schema.OrchestraError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, n.ID, oe.NodeID)

	count, err := testutil.GatherAndCount(reg, "orchestra_transition_conflicts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTransitioner_ConcurrentTransitionsHaveOneWinner(t *testing.T) {
	s := store.NewMemoryStore()
	tr := NewTransitioner(s, nil, nil)
	plan := seedFSMPlan(t, s, schema.StatusRunning)
	n := seedFSMNode(t, s, plan.ID, schema.StatusRunning)

	var mu sync.Mutex
	var wins, lost int
	var wg sync.WaitGroup
	for _, to := range []schema.Status{schema.StatusSucceeded, schema.StatusFailed, schema.StatusAborted, schema.StatusExpired} {
		wg.Add(1)
		go func(to schema.Status) {
			defer wg.Done()
			_, err := tr.Node(context.Background(), n.ID, []schema.Status{schema.StatusRunning}, to, nil)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if schema.IsStatusChanged(err) {
				lost++
			}
		}(to)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 3, lost)
}

func TestTransitioner_Plan(t *testing.T) {
	s := store.NewMemoryStore()
	tr := NewTransitioner(s, nil, nil)
	plan := seedFSMPlan(t, s, schema.StatusRunning)
	ctx := context.Background()

	var observed []schema.Status
	tr.OnPlan(func(_ context.Context, p *store.PlanExecution, _ schema.Status) {
		observed = append(observed, p.Status)
	})

	_, err := tr.Plan(ctx, plan.ID, []schema.Status{schema.StatusRunning}, schema.StatusSkipped, nil)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))

	_, err = tr.Plan(ctx, plan.ID, []schema.Status{schema.StatusRunning}, schema.StatusInterventionWaiting, nil)
	require.NoError(t, err)

	_, err = tr.Plan(ctx, plan.ID, []schema.Status{schema.StatusRunning}, schema.StatusSucceeded, nil)
	assert.True(t, schema.IsStatusChanged(err))

	got, err := tr.Plan(ctx, plan.ID, schema.Finalizable, schema.StatusFailed, &store.PlanUpdate{
		FailureInfo: schema.NewFailure(schema.FailureApplication, "deploy failed"),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, got.Status)
	assert.Equal(t, "deploy failed", got.FailureInfo.Message)
	assert.Equal(t, []schema.Status{schema.StatusInterventionWaiting, schema.StatusFailed}, observed)

	_, err = tr.Plan(ctx, plan.ID, nil, schema.StatusAborted, nil)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))
}
