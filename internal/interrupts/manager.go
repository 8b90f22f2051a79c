// Package interrupts registers and processes operator interrupts.
//
// An interrupt is persisted as REGISTERED, claimed with a compare-and-set to
// PROCESSING and ends PROCESSED_SUCCESSFULLY or PROCESSED_UNSUCCESSFULLY.
// Every effect on a node or plan is itself a compare-and-set, so two
// interrupts racing on the same record have a single winner; the loser ends
// PROCESSED_UNSUCCESSFULLY with ReasonStatusChanged.
package interrupts

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/orchestra/internal/engine"
	"github.com/rendis/orchestra/internal/logging"
	"github.com/rendis/orchestra/internal/metrics"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/schema"
)

// ReasonStatusChanged is recorded on interrupts that lost a race.
const ReasonStatusChanged = "status already changed"

// abortPasses bounds how often ABORT_ALL sweeps nodes that moved between
// finalizable statuses while it ran.
const abortPasses = 3

// Controller is the part of the engine interrupts drive.
type Controller interface {
	EndNode(ctx context.Context, nodeExecutionID string, from []schema.Status, to schema.Status, update *store.NodeUpdate) (*store.NodeExecution, error)
	RetryNode(ctx context.Context, nodeExecutionID string, params map[string]any, effect *store.InterruptEffect) (*store.NodeExecution, error)
	AbortTask(ctx context.Context, node *store.NodeExecution)
	PauseNode(ctx context.Context, nodeExecutionID string, effect *store.InterruptEffect) error
	ResumeNode(ctx context.Context, nodeExecutionID string, effect *store.InterruptEffect) error
	PausePlan(ctx context.Context, planExecutionID string, effect *store.InterruptEffect) error
	ResumePlan(ctx context.Context, planExecutionID string, effect *store.InterruptEffect) error
	Transitioner() *engine.Transitioner
}

var _ Controller = (*engine.Engine)(nil)

// Request describes an interrupt to register.
type Request struct {
	PlanExecutionID string
	// NodeExecutionID is empty for plan-wide interrupts.
	NodeExecutionID string
	Type            schema.InterruptType
	// Parameters is the type specific payload. For RETRY it replaces the
	// step parameters of the new execution.
	Parameters map[string]any
	IssuedBy   string
}

// Config holds optional collaborators.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Manager registers and processes interrupts.
type Manager struct {
	store   store.Store
	ctl     Controller
	fsm     *engine.Transitioner
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewManager creates a Manager over s that applies effects through ctl.
func NewManager(s store.Store, ctl Controller, cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   s,
		ctl:     ctl,
		fsm:     ctl.Transitioner(),
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

// Issue registers req and processes it right away.
func (m *Manager) Issue(ctx context.Context, req Request) (*store.Interrupt, error) {
	in, err := m.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	return m.Process(ctx, in.ID)
}

// Register validates req against the plan and persists it as REGISTERED.
func (m *Manager) Register(ctx context.Context, req Request) (*store.Interrupt, error) {
	if !req.Type.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown interrupt type %q", req.Type)
	}
	if req.PlanExecutionID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "interrupt requires a plan execution id")
	}
	if req.Type.RequiresNode() && req.NodeExecutionID == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s requires a node execution id", req.Type)
	}
	if req.Type == schema.InterruptAbortAll && req.NodeExecutionID != "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "ABORT_ALL applies to the whole plan execution")
	}
	if _, err := m.store.GetPlan(ctx, req.PlanExecutionID); err != nil {
		return nil, err
	}
	if req.NodeExecutionID != "" {
		node, err := m.store.GetNode(ctx, req.NodeExecutionID)
		if err != nil {
			return nil, err
		}
		if node.PlanExecutionID != req.PlanExecutionID {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"node execution %s does not belong to plan execution %s", node.ID, req.PlanExecutionID)
		}
	}

	in := &store.Interrupt{
		ID:              uuid.NewString(),
		PlanExecutionID: req.PlanExecutionID,
		NodeExecutionID: req.NodeExecutionID,
		Type:            req.Type,
		Parameters:      req.Parameters,
		State:           schema.InterruptRegistered,
		IssuedBy:        req.IssuedBy,
		CreatedAt:       time.Now().UTC(),
	}
	if err := m.store.CreateInterrupt(ctx, in); err != nil {
		return nil, err
	}
	m.recordState(ctx, in, "", schema.InterruptRegistered)
	logging.LogWith(logging.WithInterruptID(ctx, in.ID), m.logger).Info("interrupt registered",
		"type", in.Type, "node_execution_id", in.NodeExecutionID, "issued_by", in.IssuedBy)
	return in, nil
}

// Process claims a REGISTERED interrupt, applies its effect and records the
// outcome. The returned interrupt carries the final state; an error is only
// returned when the interrupt could not be claimed or persisted.
func (m *Manager) Process(ctx context.Context, id string) (*store.Interrupt, error) {
	in, err := m.store.GetInterrupt(ctx, id)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithInterruptID(logging.WithPlanExecutionID(ctx, in.PlanExecutionID), in.ID)
	if in.NodeExecutionID != "" {
		ctx = logging.WithNodeExecutionID(ctx, in.NodeExecutionID)
	}

	ok, err := m.store.UpdateInterruptState(ctx, in.ID,
		[]schema.InterruptState{schema.InterruptRegistered}, schema.InterruptProcessing, "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "interrupt %s is already being processed", in.ID)
	}
	m.recordState(ctx, in, schema.InterruptRegistered, schema.InterruptProcessing)

	state, reason := schema.InterruptProcessedSuccessfully, ""
	if err := m.apply(ctx, in); err != nil {
		state, reason = schema.InterruptProcessedUnsuccessfully, failureReason(err)
		level := slog.LevelWarn
		if reason == ReasonStatusChanged {
			level = slog.LevelInfo
		}
		logging.LogWith(ctx, m.logger).Log(ctx, level, "interrupt not applied", "type", in.Type, "error", err)
	}

	if _, err := m.store.UpdateInterruptState(ctx, in.ID,
		[]schema.InterruptState{schema.InterruptProcessing}, state, reason); err != nil {
		return nil, err
	}
	m.recordState(ctx, in, schema.InterruptProcessing, state)
	m.metrics.Interrupt(string(in.Type), string(state))
	logging.LogWith(ctx, m.logger).Info("interrupt processed", "type", in.Type, "state", state)
	return m.store.GetInterrupt(ctx, in.ID)
}

// List returns the interrupts of a plan execution in registration order.
func (m *Manager) List(ctx context.Context, planExecutionID string) ([]*store.Interrupt, error) {
	return m.store.ListInterrupts(ctx, planExecutionID)
}

func (m *Manager) apply(ctx context.Context, in *store.Interrupt) error {
	effect := &store.InterruptEffect{InterruptID: in.ID, Type: in.Type, TookEffectAt: time.Now().UTC()}
	switch in.Type {
	case schema.InterruptAbortAll:
		return m.abortAll(ctx, in, effect)
	case schema.InterruptAbort:
		_, err := m.ctl.EndNode(ctx, in.NodeExecutionID, schema.Finalizable, schema.StatusAborted, &store.NodeUpdate{
			FailureInfo: schema.NewFailure(schema.FailureAborted, "aborted by interrupt "+in.ID),
			Interrupt:   effect,
		})
		return err
	case schema.InterruptRetry:
		var params map[string]any
		if len(in.Parameters) > 0 {
			params = in.Parameters
		}
		_, err := m.ctl.RetryNode(ctx, in.NodeExecutionID, params, effect)
		return err
	case schema.InterruptMarkSuccess:
		_, err := m.ctl.EndNode(ctx, in.NodeExecutionID,
			[]schema.Status{schema.StatusInterventionWaiting}, schema.StatusSucceeded,
			&store.NodeUpdate{Interrupt: effect})
		return err
	case schema.InterruptMarkFailed:
		_, err := m.ctl.EndNode(ctx, in.NodeExecutionID,
			[]schema.Status{schema.StatusInterventionWaiting}, schema.StatusFailed,
			&store.NodeUpdate{
				FailureInfo: schema.NewFailure(schema.FailureInterrupted, "marked failed by interrupt "+in.ID),
				Interrupt:   effect,
			})
		return err
	case schema.InterruptMarkExpired:
		_, err := m.ctl.EndNode(ctx, in.NodeExecutionID, schema.Finalizable, schema.StatusExpired, &store.NodeUpdate{
			FailureInfo: schema.NewFailure(schema.FailureExpired, "node execution timed out"),
			Interrupt:   effect,
		})
		return err
	case schema.InterruptPause:
		if in.NodeExecutionID == "" {
			return m.ctl.PausePlan(ctx, in.PlanExecutionID, effect)
		}
		return m.ctl.PauseNode(ctx, in.NodeExecutionID, effect)
	case schema.InterruptResume:
		if in.NodeExecutionID == "" {
			return m.ctl.ResumePlan(ctx, in.PlanExecutionID, effect)
		}
		return m.ctl.ResumeNode(ctx, in.NodeExecutionID, effect)
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "unknown interrupt type %q", in.Type)
}

// abortAll aborts every live node of the plan, then the plan itself. Nodes
// that finished first are left alone; the interrupt always succeeds.
func (m *Manager) abortAll(ctx context.Context, in *store.Interrupt, effect *store.InterruptEffect) error {
	plan, err := m.store.GetPlan(ctx, in.PlanExecutionID)
	if err != nil {
		return err
	}
	if plan.Status.IsTerminal() {
		logging.LogWith(ctx, m.logger).Info("plan execution already ended", "status", plan.Status)
		return nil
	}
	failure := schema.NewFailure(schema.FailureAborted, "aborted by interrupt "+in.ID)

	for pass := 0; pass < abortPasses; pass++ {
		live, err := m.liveNodes(ctx, in.PlanExecutionID, 0)
		if err != nil {
			return err
		}
		if len(live) == 0 {
			break
		}
		for _, n := range live {
			now := time.Now().UTC()
			ended, err := m.fsm.Node(ctx, n.ID, schema.Finalizable, schema.StatusAborted, &store.NodeUpdate{
				FailureInfo: failure,
				EndTS:       &now,
				Interrupt:   effect,
			})
			if err != nil {
				logging.LogWith(ctx, m.logger).Debug("node not aborted", "node_execution_id", n.ID, "error", err)
				continue
			}
			m.ctl.AbortTask(ctx, ended)
		}
	}

	remaining, err := m.liveNodes(ctx, in.PlanExecutionID, 1)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		logging.LogWith(ctx, m.logger).Warn("plan execution left running, nodes still live after abort",
			"node_execution_id", remaining[0].ID, "status", remaining[0].Status)
		return nil
	}
	now := time.Now().UTC()
	_, err = m.fsm.Plan(ctx, in.PlanExecutionID, schema.Finalizable, schema.StatusAborted, &store.PlanUpdate{
		FailureInfo: failure,
		EndTS:       &now,
	})
	if err != nil && !schema.IsStatusChanged(err) && schema.ErrorCode(err) != schema.ErrCodeInvalidTransition {
		return err
	}
	return nil
}

func (m *Manager) liveNodes(ctx context.Context, planExecutionID string, limit int) ([]*store.NodeExecution, error) {
	return m.store.ListNodes(ctx, store.NodeFilter{
		PlanExecutionID: planExecutionID,
		Statuses:        schema.Finalizable,
		ExcludeRetried:  true,
		Limit:           limit,
	})
}

func (m *Manager) recordState(ctx context.Context, in *store.Interrupt, from, to schema.InterruptState) {
	payload, _ := json.Marshal(map[string]any{
		"interrupt_id": in.ID,
		"type":         in.Type,
	})
	err := m.store.AppendEvent(ctx, &store.Event{
		PlanExecutionID: in.PlanExecutionID,
		NodeExecutionID: in.NodeExecutionID,
		Type:            schema.LogInterruptState,
		FromStatus:      string(from),
		ToStatus:        string(to),
		Payload:         payload,
	})
	if err != nil {
		logging.LogWith(ctx, m.logger).Warn("append interrupt event failed", "error", err)
	}
}

// failureReason maps an effect error to the reason stored on the interrupt.
func failureReason(err error) string {
	if schema.IsStatusChanged(err) {
		return ReasonStatusChanged
	}
	var oe *schema.OrchestraError
	if errors.As(err, &oe) {
		if oe.Code == schema.ErrCodeNotRetryable && oe.Details["old_retry"] == true {
			return ReasonStatusChanged
		}
		return oe.Message
	}
	return err.Error()
}
