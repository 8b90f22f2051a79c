package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/rendis/orchestra/internal/logging"
	"github.com/rendis/orchestra/internal/metrics"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/schema"
)

// NodeObserver is called after a node transition has been committed.
type NodeObserver func(ctx context.Context, node *store.NodeExecution, from schema.Status)

// PlanObserver is called after a plan transition has been committed.
type PlanObserver func(ctx context.Context, plan *store.PlanExecution, from schema.Status)

// Transitioner is the single gate every status change passes through. It checks
// the requested move against the allowed-start tables, commits it with the
// store's compare-and-set, records the change in the event log and notifies
// observers. A lost race is reported as a STATUS_CHANGED error.
type Transitioner struct {
	store   store.Store
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu     sync.RWMutex
	nodeOb []NodeObserver
	planOb []PlanObserver
}

// NewTransitioner creates a gate over s.
func NewTransitioner(s store.Store, logger *slog.Logger, m *metrics.Recorder) *Transitioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transitioner{store: s, logger: logger, metrics: m}
}

// OnNode registers an observer for committed node transitions.
func (t *Transitioner) OnNode(ob NodeObserver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodeOb = append(t.nodeOb, ob)
}

// OnPlan registers an observer for committed plan transitions.
func (t *Transitioner) OnPlan(ob PlanObserver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.planOb = append(t.planOb, ob)
}

// Node moves node id from one of from to to and returns the updated record.
func (t *Transitioner) Node(ctx context.Context, id string, from []schema.Status, to schema.Status, update *store.NodeUpdate) (*store.NodeExecution, error) {
	if err := checkMoves(from, to, schema.CanTransition); err != nil {
		return nil, err.WithNode(id)
	}

	prev, ok, err := t.store.UpdateNodeStatus(ctx, id, from, to, update)
	if err != nil {
		return nil, err
	}
	if !ok {
		t.metrics.LostRace("node")
		logging.LogWith(ctx, t.logger).Info("node status already changed",
			"node_execution_id", id, "from", from, "to", to, "current", prev)
		return nil, schema.NewErrorf(schema.ErrCodeStatusChanged, "node status %s is not one of %v", prev, from).
			WithNode(id).
			WithDetails(map[string]any{"to": string(to), "current": string(prev)})
	}

	node, err := t.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	t.committedNode(ctx, node, prev, to, update)
	return node, nil
}

// committedNode records and announces a node change the store already made.
func (t *Transitioner) committedNode(ctx context.Context, node *store.NodeExecution, prev, to schema.Status, update *store.NodeUpdate) {
	t.metrics.Transition("node", string(to))

	payload := map[string]any{"identifier": node.Node.Identifier}
	if update != nil && update.Interrupt != nil {
		payload["interrupt_id"] = update.Interrupt.InterruptID
		payload["interrupt_type"] = update.Interrupt.Type
	}
	if node.FailureInfo != nil && to.IsBroke() {
		payload["failure"] = node.FailureInfo.Message
	}
	t.appendEvent(ctx, &store.Event{
		PlanExecutionID: node.PlanExecutionID,
		NodeExecutionID: node.ID,
		Type:            schema.LogNodeStatusChanged,
		FromStatus:      string(prev),
		ToStatus:        string(to),
		Payload:         encodePayload(payload),
	})

	t.mu.RLock()
	obs := t.nodeOb
	t.mu.RUnlock()
	for _, ob := range obs {
		ob(ctx, node, prev)
	}
}

// Plan moves plan execution id from one of from to to.
func (t *Transitioner) Plan(ctx context.Context, id string, from []schema.Status, to schema.Status, update *store.PlanUpdate) (*store.PlanExecution, error) {
	if err := checkMoves(from, to, schema.CanTransitionPlan); err != nil {
		return nil, err
	}

	prev, ok, err := t.store.UpdatePlanStatus(ctx, id, from, to, update)
	if err != nil {
		return nil, err
	}
	if !ok {
		t.metrics.LostRace("plan")
		logging.LogWith(ctx, t.logger).Info("plan status already changed",
			"plan_execution_id", id, "from", from, "to", to, "current", prev)
		return nil, schema.NewErrorf(schema.ErrCodeStatusChanged, "plan status %s is not one of %v", prev, from).
			WithDetails(map[string]any{"plan_execution_id": id, "to": string(to), "current": string(prev)})
	}

	plan, err := t.store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	t.metrics.Transition("plan", string(to))

	t.appendEvent(ctx, &store.Event{
		PlanExecutionID: id,
		Type:            schema.LogPlanStatusChanged,
		FromStatus:      string(prev),
		ToStatus:        string(to),
	})

	t.mu.RLock()
	obs := t.planOb
	t.mu.RUnlock()
	for _, ob := range obs {
		ob(ctx, plan, prev)
	}
	return plan, nil
}

func (t *Transitioner) appendEvent(ctx context.Context, ev *store.Event) {
	if err := t.store.AppendEvent(ctx, ev); err != nil {
		logging.LogWith(ctx, t.logger).Warn("append event failed", "type", ev.Type, "error", err)
	}
}

func checkMoves(from []schema.Status, to schema.Status, allowed func(from, to schema.Status) bool) *schema.OrchestraError {
	if len(from) == 0 {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "no source status given for transition to %s", to)
	}
	for _, f := range from {
		if !allowed(f, to) {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid transition: %s -> %s", f, to).
				WithDetails(map[string]any{"from": string(f), "to": string(to)})
		}
	}
	return nil
}

func encodePayload(v map[string]any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
