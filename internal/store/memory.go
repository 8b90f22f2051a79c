package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

// MemoryStore is an in-process Store. Records are copied on every read and
// write, so callers never share mutable state with the store.
type MemoryStore struct {
	mu         sync.Mutex
	plans      map[string]*PlanExecution
	nodes      map[string]*NodeExecution
	nodeOrder  []string
	interrupts map[string]*Interrupt
	intOrder   []string
	events     map[string][]*Event
	eventSeq   int64
	secrets    map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:      make(map[string]*PlanExecution),
		nodes:      make(map[string]*NodeExecution),
		interrupts: make(map[string]*Interrupt),
		events:     make(map[string][]*Event),
		secrets:    make(map[string][]byte),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// --- Plan executions ---

func (m *MemoryStore) CreatePlan(_ context.Context, p *PlanExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[p.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "plan execution %q already exists", p.ID)
	}
	cp := clonePlan(p)
	now := time.Now().UTC()
	cp.StartTS = timeOrNow(cp.StartTS)
	cp.CreatedAt = timeOrNow(cp.CreatedAt)
	cp.UpdatedAt = now
	m.plans[p.ID] = cp
	return nil
}

func (m *MemoryStore) GetPlan(_ context.Context, id string) (*PlanExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, storeNotFound("plan execution", id)
	}
	return clonePlan(p), nil
}

func (m *MemoryStore) UpdatePlanStatus(_ context.Context, id string, from []schema.Status, to schema.Status, update *PlanUpdate) (schema.Status, bool, error) {
	if len(from) == 0 {
		return "", false, schema.NewError(schema.ErrCodeValidation, "empty expected status set")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return "", false, storeNotFound("plan execution", id)
	}
	prev := p.Status
	if !slices.Contains(from, prev) {
		return prev, false, nil
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	if update != nil {
		if update.FailureInfo != nil {
			p.FailureInfo = cloneFailure(update.FailureInfo)
		}
		if update.EndTS != nil {
			p.EndTS = cloneTime(update.EndTS)
		}
	}
	return prev, true, nil
}

func (m *MemoryStore) ListPlans(_ context.Context, filter PlanFilter) ([]*PlanExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PlanExecution
	for _, p := range m.plans {
		if filter.PlanID != "" && p.PlanID != filter.PlanID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, p.Status) {
			continue
		}
		out = append(out, clonePlan(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Node executions ---

func (m *MemoryStore) SaveNode(_ context.Context, n *NodeExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneNode(n)
	cp.UpdatedAt = time.Now().UTC()
	if existing, ok := m.nodes[n.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
		cp.Version = existing.Version + 1
		history := slices.Clone(existing.InterruptHistory)
		for _, eff := range n.InterruptHistory {
			if !slices.ContainsFunc(history, func(h InterruptEffect) bool { return h.InterruptID == eff.InterruptID }) {
				history = append(history, eff)
			}
		}
		cp.InterruptHistory = history
	} else {
		cp.CreatedAt = timeOrNow(cp.CreatedAt)
		m.nodeOrder = append(m.nodeOrder, n.ID)
	}
	m.nodes[n.ID] = cp
	return nil
}

func (m *MemoryStore) GetNode(_ context.Context, id string) (*NodeExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, storeNotFound("node execution", id)
	}
	return cloneNode(n), nil
}

func (m *MemoryStore) UpdateNodeStatus(_ context.Context, id string, from []schema.Status, to schema.Status, update *NodeUpdate) (schema.Status, bool, error) {
	if len(from) == 0 {
		return "", false, schema.NewError(schema.ErrCodeValidation, "empty expected status set")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return "", false, storeNotFound("node execution", id)
	}
	prev := n.Status
	if n.OldRetry || !slices.Contains(from, prev) {
		return prev, false, nil
	}
	n.Status = to
	n.Version++
	n.UpdatedAt = time.Now().UTC()
	if u := update; u != nil {
		if u.FailureInfo != nil {
			n.FailureInfo = cloneFailure(u.FailureInfo)
		}
		if u.Outputs != nil {
			n.Outputs = maps.Clone(u.Outputs)
		}
		if u.ResolvedStepParameters != nil {
			n.ResolvedStepParameters = maps.Clone(u.ResolvedStepParameters)
		}
		if u.TaskHandle != nil {
			n.TaskHandle = *u.TaskHandle
		}
		if u.StartTS != nil {
			n.StartTS = cloneTime(u.StartTS)
		}
		if u.EndTS != nil {
			n.EndTS = cloneTime(u.EndTS)
		}
		if u.TimeoutAt != nil {
			n.TimeoutAt = cloneTime(u.TimeoutAt)
		}
		if u.Interrupt != nil {
			eff := *u.Interrupt
			eff.TookEffectAt = timeOrNow(eff.TookEffectAt)
			n.InterruptHistory = append(n.InterruptHistory, eff)
		}
	}
	return prev, true, nil
}

func (m *MemoryStore) MarkRetried(_ context.Context, id string, from []schema.Status, nextID string) (schema.Status, bool, error) {
	if len(from) == 0 {
		return "", false, schema.NewError(schema.ErrCodeValidation, "empty expected status set")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return "", false, storeNotFound("node execution", id)
	}
	prev := n.Status
	if n.OldRetry || n.NextID != "" || !slices.Contains(from, prev) {
		return prev, false, nil
	}
	now := time.Now().UTC()
	n.OldRetry = true
	n.NextID = nextID
	if to := SupersededStatus(prev); to != prev {
		n.Status = to
		if n.EndTS == nil {
			n.EndTS = &now
		}
	}
	n.Version++
	n.UpdatedAt = now
	return prev, true, nil
}

func (m *MemoryStore) SetNextID(_ context.Context, id, nextID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return storeNotFound("node execution", id)
	}
	n.NextID = nextID
	n.Version++
	n.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) FindChildren(_ context.Context, planExecutionID, parentID string) ([]*NodeExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*NodeExecution
	for _, id := range m.nodeOrder {
		n := m.nodes[id]
		if n.PlanExecutionID == planExecutionID && n.ParentID == parentID {
			out = append(out, listCopy(n))
		}
	}
	return out, nil
}

func (m *MemoryStore) ListNodes(_ context.Context, filter NodeFilter) ([]*NodeExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*NodeExecution
	for _, id := range m.nodeOrder {
		n := m.nodes[id]
		if filter.PlanExecutionID != "" && n.PlanExecutionID != filter.PlanExecutionID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, n.Status) {
			continue
		}
		if filter.ExcludeRetried && n.OldRetry {
			continue
		}
		if filter.TimeoutBefore != nil && (n.TimeoutAt == nil || n.TimeoutAt.After(*filter.TimeoutBefore)) {
			continue
		}
		out = append(out, listCopy(n))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// --- Interrupts ---

func (m *MemoryStore) CreateInterrupt(_ context.Context, in *Interrupt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.interrupts[in.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "interrupt %q already exists", in.ID)
	}
	cp := cloneInterrupt(in)
	cp.CreatedAt = timeOrNow(cp.CreatedAt)
	m.interrupts[in.ID] = cp
	m.intOrder = append(m.intOrder, in.ID)
	return nil
}

func (m *MemoryStore) GetInterrupt(_ context.Context, id string) (*Interrupt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.interrupts[id]
	if !ok {
		return nil, storeNotFound("interrupt", id)
	}
	return cloneInterrupt(in), nil
}

func (m *MemoryStore) UpdateInterruptState(_ context.Context, id string, from []schema.InterruptState, to schema.InterruptState, reason string) (bool, error) {
	if len(from) == 0 {
		return false, schema.NewError(schema.ErrCodeValidation, "empty expected state set")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.interrupts[id]
	if !ok {
		return false, storeNotFound("interrupt", id)
	}
	if !slices.Contains(from, in.State) {
		return false, nil
	}
	in.State = to
	if reason != "" {
		in.Reason = reason
	}
	if to.IsTerminal() {
		now := time.Now().UTC()
		in.ProcessedAt = &now
	}
	return true, nil
}

func (m *MemoryStore) ListInterrupts(_ context.Context, planExecutionID string) ([]*Interrupt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Interrupt
	for _, id := range m.intOrder {
		if in := m.interrupts[id]; in.PlanExecutionID == planExecutionID {
			out = append(out, cloneInterrupt(in))
		}
	}
	return out, nil
}

// --- Events ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.events[event.PlanExecutionID]
	m.eventSeq++
	event.ID = m.eventSeq
	event.Sequence = int64(len(log) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cp := *event
	cp.Payload = slices.Clone(event.Payload)
	m.events[event.PlanExecutionID] = append(log, &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, planExecutionID string, since int64) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, e := range m.events[planExecutionID] {
		if e.Sequence > since {
			cp := *e
			cp.Payload = slices.Clone(e.Payload)
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Copies ---

func clonePlan(p *PlanExecution) *PlanExecution {
	cp := *p
	cp.Inputs = maps.Clone(p.Inputs)
	cp.SetupAbstractions = maps.Clone(p.SetupAbstractions)
	cp.FailureInfo = cloneFailure(p.FailureInfo)
	cp.EndTS = cloneTime(p.EndTS)
	return &cp
}

func cloneNode(n *NodeExecution) *NodeExecution {
	cp := listCopy(n)
	cp.InterruptHistory = slices.Clone(n.InterruptHistory)
	return cp
}

// listCopy mirrors the SQL store: interrupt history is only returned by GetNode.
func listCopy(n *NodeExecution) *NodeExecution {
	cp := *n
	cp.StepParameters = maps.Clone(n.StepParameters)
	cp.ResolvedStepParameters = maps.Clone(n.ResolvedStepParameters)
	cp.Outputs = maps.Clone(n.Outputs)
	cp.Ambiance = n.Ambiance.Clone(-1)
	cp.FailureInfo = cloneFailure(n.FailureInfo)
	cp.RetryIDs = slices.Clone(n.RetryIDs)
	cp.InterruptHistory = nil
	cp.StartTS = cloneTime(n.StartTS)
	cp.EndTS = cloneTime(n.EndTS)
	cp.TimeoutAt = cloneTime(n.TimeoutAt)
	return &cp
}

func cloneInterrupt(in *Interrupt) *Interrupt {
	cp := *in
	cp.Parameters = maps.Clone(in.Parameters)
	cp.ProcessedAt = cloneTime(in.ProcessedAt)
	return &cp
}

func cloneFailure(f *schema.FailureInfo) *schema.FailureInfo {
	if f == nil {
		return nil
	}
	cp := *f
	cp.FailureTypes = slices.Clone(f.FailureTypes)
	cp.Details = maps.Clone(f.Details)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*LibSQLStore)(nil)
)
