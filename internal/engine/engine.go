package engine

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/orchestra/internal/dispatch"
	"github.com/rendis/orchestra/internal/expressions"
	"github.com/rendis/orchestra/internal/logging"
	"github.com/rendis/orchestra/internal/metrics"
	"github.com/rendis/orchestra/internal/secrets"
	"github.com/rendis/orchestra/internal/steps"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/ambiance"
	"github.com/rendis/orchestra/pkg/schema"
)

// DefaultPoolSize is the default number of concurrent executable invocations.
const DefaultPoolSize = 10

// ErrEngineClosed is returned when work reaches an engine after Shutdown.
var ErrEngineClosed = errors.New("engine is shut down")

var _ dispatch.ResponseSink = (*Engine)(nil)

// PlanValidator checks a plan definition and its inputs before it is started.
type PlanValidator interface {
	ValidatePlan(plan *schema.PlanDefinition) error
	ValidateInputs(plan *schema.PlanDefinition, inputs map[string]any) error
}

// Config holds the engine collaborators. Only the store and step registry
// passed to New are mandatory.
type Config struct {
	PoolSize   int
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	Dispatcher dispatch.Dispatcher
	// Vault resolves <+secrets.NAME> parameters. Nil disables secrets.
	Vault     secrets.Vault
	Validator PlanValidator
}

// StartRequest describes a plan execution to start.
type StartRequest struct {
	// PlanExecutionID is generated when empty.
	PlanExecutionID   string
	Plan              *schema.PlanDefinition
	Inputs            map[string]any
	SetupAbstractions map[string]string
	Metadata          ambiance.Metadata
}

// Engine advances node executions. Every plan execution gets a coordinator
// that handles its completion messages one at a time; executables run on a
// bounded worker pool and never touch the store.
type Engine struct {
	store      store.Store
	steps      *steps.Registry
	fsm        *Transitioner
	pool       *WorkerPool
	dispatcher dispatch.Dispatcher
	interp     *expressions.Interpolator
	cel        *expressions.CELEngine
	jq         *expressions.GoJQEngine
	validator  PlanValidator
	logger     *slog.Logger
	metrics    *metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	coords map[string]*coordinator
	closed bool
	wg     sync.WaitGroup
}

// New creates an Engine over s that runs the steps registered in reg.
func New(s store.Store, reg *steps.Registry, cfg Config) (*Engine, error) {
	if s == nil || reg == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store and a step registry")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:      s,
		steps:      reg,
		fsm:        NewTransitioner(s, logger, cfg.Metrics),
		dispatcher: cfg.Dispatcher,
		interp:     expressions.NewInterpolator(expressions.NewExprEngine(), cfg.Vault),
		cel:        celEngine,
		jq:         expressions.NewGoJQEngine(),
		validator:  cfg.Validator,
		logger:     logger,
		metrics:    cfg.Metrics,
		ctx:        ctx,
		cancel:     cancel,
		coords:     make(map[string]*coordinator),
	}
	e.pool = NewWorkerPool(cfg.PoolSize, WithPanicHandler(func(r any) {
		logger.Error("worker panic", "recovered", r)
	}))
	e.fsm.OnPlan(func(_ context.Context, plan *store.PlanExecution, _ schema.Status) {
		if plan.Status.IsTerminal() {
			e.forget(plan.ID)
		}
	})
	return e, nil
}

// Transitioner returns the status gate, for collaborators that move records
// themselves or want to observe transitions.
func (e *Engine) Transitioner() *Transitioner { return e.fsm }

// Store returns the persistence port the engine writes to.
func (e *Engine) Store() store.Store { return e.store }

// StartPlan validates req.Plan, persists the plan execution and its root node
// and starts the root. The returned record is the plan as it was created.
func (e *Engine) StartPlan(ctx context.Context, req StartRequest) (*store.PlanExecution, error) {
	if err := e.checkPlan(req.Plan); err != nil {
		return nil, err
	}

	id := req.PlanExecutionID
	if id == "" {
		id = uuid.NewString()
	}
	inputs := maps.Clone(req.Plan.Inputs)
	if inputs == nil {
		inputs = make(map[string]any, len(req.Inputs))
	}
	maps.Copy(inputs, req.Inputs)
	if e.validator != nil {
		if err := e.validator.ValidateInputs(req.Plan, inputs); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	plan := &store.PlanExecution{
		ID:                id,
		PlanID:            req.Plan.PlanID,
		Status:            schema.StatusQueued,
		Plan:              req.Plan,
		Inputs:            inputs,
		SetupAbstractions: maps.Clone(req.SetupAbstractions),
		Metadata:          req.Metadata,
		StartTS:           now,
	}
	c := newCoordinator(plan)
	root, err := e.newNode(c, req.Plan.RootNodeID, "", "", ambiance.New(id, req.Plan.PlanID, req.SetupAbstractions, req.Metadata))
	if err != nil {
		return nil, err
	}
	plan.RootNodeID = root.ID

	if err := e.store.CreatePlan(ctx, plan); err != nil {
		return nil, err
	}
	if err := e.saveNewNode(ctx, root); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.coords[id] = c
	e.mu.Unlock()

	ctx = logging.WithPlanExecutionID(ctx, id)
	started, err := e.fsm.Plan(ctx, id, []schema.Status{schema.StatusQueued}, schema.StatusRunning, nil)
	if err != nil {
		return nil, err
	}
	logging.LogWith(ctx, e.logger).Info("plan execution started", "plan_id", plan.PlanID, "root", root.ID)

	if err := e.post(c, startNode{nodeID: root.ID}); err != nil {
		return nil, err
	}
	return started, nil
}

func (e *Engine) checkPlan(plan *schema.PlanDefinition) error {
	if plan == nil {
		return schema.NewError(schema.ErrCodeValidation, "plan definition is required")
	}
	if e.validator != nil {
		return e.validator.ValidatePlan(plan)
	}
	if _, ok := plan.Nodes[plan.RootNodeID]; !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "root node %q is not defined", plan.RootNodeID)
	}
	return nil
}

// DeliverTaskResponse hands a task answer to the coordinator of the node's plan.
func (e *Engine) DeliverTaskResponse(ctx context.Context, nodeExecutionID string, resp steps.ResponseData) error {
	c, err := e.coordinatorForNode(ctx, nodeExecutionID)
	if err != nil {
		return err
	}
	return e.post(c, taskResponse{nodeID: nodeExecutionID, data: resp})
}

// NotifyNodeEnded tells the engine that a node reached a terminal status
// outside the normal flow, so its siblings and parent can proceed.
func (e *Engine) NotifyNodeEnded(ctx context.Context, nodeExecutionID string) error {
	c, err := e.coordinatorForNode(ctx, nodeExecutionID)
	if err != nil {
		return err
	}
	return e.post(c, nodeEnded{nodeID: nodeExecutionID})
}

// EndNode moves a node from one of from into the terminal status to, aborts
// its in-flight task and every live descendant, then lets the flow continue
// as if the node had completed on its own.
func (e *Engine) EndNode(ctx context.Context, nodeExecutionID string, from []schema.Status, to schema.Status, update *store.NodeUpdate) (*store.NodeExecution, error) {
	if !to.IsTerminal() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "%s is not a terminal status", to).WithNode(nodeExecutionID)
	}
	if update == nil {
		update = &store.NodeUpdate{}
	}
	if update.EndTS == nil {
		now := time.Now().UTC()
		update.EndTS = &now
	}

	node, err := e.fsm.Node(ctx, nodeExecutionID, from, to, update)
	if err != nil {
		return nil, err
	}
	e.AbortTask(ctx, node)
	e.discontinueChildren(ctx, node)
	if err := e.NotifyNodeEnded(ctx, node.ID); err != nil {
		return node, err
	}
	return node, nil
}

func (e *Engine) discontinueChildren(ctx context.Context, parent *store.NodeExecution) {
	children, err := e.store.FindChildren(ctx, parent.PlanExecutionID, parent.ID)
	if err != nil {
		logging.LogWith(ctx, e.logger).Warn("list children failed", "parent", parent.ID, "error", err)
		return
	}
	for _, child := range children {
		if child.OldRetry || !child.Status.IsFinalizable() {
			continue
		}
		now := time.Now().UTC()
		ended, err := e.fsm.Node(ctx, child.ID, []schema.Status{child.Status}, schema.StatusAborted, &store.NodeUpdate{
			FailureInfo: schema.NewFailure(schema.FailureAborted, "parent "+parent.Node.Identifier+" ended "+string(parent.Status)),
			EndTS:       &now,
		})
		if err != nil {
			continue
		}
		e.AbortTask(ctx, ended)
		e.discontinueChildren(ctx, ended)
	}
}

// AbortTask cancels the node's dispatched task when the dispatcher supports it.
func (e *Engine) AbortTask(ctx context.Context, node *store.NodeExecution) {
	if node == nil || node.TaskHandle == "" {
		return
	}
	ab, ok := e.dispatcher.(dispatch.Aborter)
	if !ok {
		return
	}
	if err := ab.Abort(ctx, node.TaskHandle); err != nil {
		logging.LogWith(ctx, e.logger).Warn("abort task failed",
			"node_execution_id", node.ID, "task_handle", node.TaskHandle, "error", err)
	}
}

// RetryNode supersedes a retryable node with a new execution of the same plan
// node and starts it. params replaces the step parameters when non-nil.
// Concurrent retries of one node have a single winner; the others get
// STATUS_CHANGED.
func (e *Engine) RetryNode(ctx context.Context, nodeExecutionID string, params map[string]any, effect *store.InterruptEffect) (*store.NodeExecution, error) {
	node, err := e.store.GetNode(ctx, nodeExecutionID)
	if err != nil {
		return nil, err
	}
	if node.OldRetry || !node.Status.IsRetryable() {
		return nil, schema.NewErrorf(schema.ErrCodeNotRetryable, "node in status %s cannot be retried", node.Status).
			WithNode(node.ID).
			WithDetails(map[string]any{"status": string(node.Status), "old_retry": node.OldRetry})
	}
	c, err := e.coordinator(ctx, node.PlanExecutionID)
	if err != nil {
		return nil, err
	}
	plan, err := e.store.GetPlan(ctx, node.PlanExecutionID)
	if err != nil {
		return nil, err
	}
	if plan.Status.IsTerminal() {
		return nil, schema.NewErrorf(schema.ErrCodeNotRetryable, "plan execution already ended %s", plan.Status).WithNode(node.ID)
	}

	next, err := e.retryNode(ctx, c, node, params, effect)
	if err != nil {
		return nil, err
	}
	if err := e.post(c, startNode{nodeID: next.ID}); err != nil {
		return next, err
	}
	return next, nil
}

// PauseNode pauses a queued or flowing node. A flowing node moves to PAUSING
// and is parked as PAUSED when its current work reports back.
func (e *Engine) PauseNode(ctx context.Context, nodeExecutionID string, effect *store.InterruptEffect) error {
	c, err := e.coordinatorForNode(ctx, nodeExecutionID)
	if err != nil {
		return err
	}
	return e.call(ctx, c, func(ctx context.Context) error {
		return e.pauseNode(ctx, nodeExecutionID, effect)
	})
}

// ResumeNode resumes a PAUSED node, or arranges for a PAUSING node to resume
// as soon as it parks.
func (e *Engine) ResumeNode(ctx context.Context, nodeExecutionID string, effect *store.InterruptEffect) error {
	c, err := e.coordinatorForNode(ctx, nodeExecutionID)
	if err != nil {
		return err
	}
	return e.call(ctx, c, func(ctx context.Context) error {
		return e.resumeNode(ctx, c, nodeExecutionID, effect)
	})
}

// PausePlan pauses a running plan and every queued or flowing node in it.
func (e *Engine) PausePlan(ctx context.Context, planExecutionID string, effect *store.InterruptEffect) error {
	c, err := e.coordinator(ctx, planExecutionID)
	if err != nil {
		return err
	}
	return e.call(ctx, c, func(ctx context.Context) error {
		return e.pausePlan(ctx, c, effect)
	})
}

// ResumePlan resumes a paused plan and its paused nodes.
func (e *Engine) ResumePlan(ctx context.Context, planExecutionID string, effect *store.InterruptEffect) error {
	c, err := e.coordinator(ctx, planExecutionID)
	if err != nil {
		return err
	}
	return e.call(ctx, c, func(ctx context.Context) error {
		return e.resumePlan(ctx, c, effect)
	})
}

// Shutdown stops accepting work, waits for running invocations and drops
// pending coordinator messages.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	done := make(chan struct{})
	go func() {
		e.pool.Shutdown()
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PoolMetrics returns a snapshot of the worker pool counters.
func (e *Engine) PoolMetrics() PoolMetrics {
	return e.pool.Metrics()
}

func (e *Engine) coordinatorForNode(ctx context.Context, nodeExecutionID string) (*coordinator, error) {
	node, err := e.store.GetNode(ctx, nodeExecutionID)
	if err != nil {
		return nil, err
	}
	return e.coordinator(ctx, node.PlanExecutionID)
}

// coordinator returns the live coordinator of a plan, loading the plan when
// the process has none. Ended plans get a throwaway coordinator.
func (e *Engine) coordinator(ctx context.Context, planExecutionID string) (*coordinator, error) {
	e.mu.Lock()
	c, ok := e.coords[planExecutionID]
	e.mu.Unlock()
	if ok {
		return c, nil
	}

	plan, err := e.store.GetPlan(ctx, planExecutionID)
	if err != nil {
		return nil, err
	}
	c = newCoordinator(plan)
	if plan.Status.IsTerminal() {
		return c, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.coords[planExecutionID]; ok {
		return existing, nil
	}
	e.coords[planExecutionID] = c
	return c, nil
}

func (e *Engine) forget(planExecutionID string) {
	e.mu.Lock()
	delete(e.coords, planExecutionID)
	e.mu.Unlock()
}

// after runs fn once d has elapsed, unless the engine shuts down first.
func (e *Engine) after(d time.Duration, fn func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			fn()
		case <-e.ctx.Done():
		}
	}()
}
