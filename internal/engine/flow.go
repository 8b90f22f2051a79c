package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/orchestra/internal/dispatch"
	"github.com/rendis/orchestra/internal/expressions"
	"github.com/rendis/orchestra/internal/logging"
	"github.com/rendis/orchestra/internal/steps"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/ambiance"
	"github.com/rendis/orchestra/pkg/schema"
)

var (
	fromQueued       = []schema.Status{schema.StatusQueued}
	fromRunning      = []schema.Status{schema.StatusRunning}
	fromAsyncWaiting = []schema.Status{schema.StatusAsyncWaiting}
	fromTaskWaiting  = []schema.Status{schema.StatusTaskWaiting}
	fromPausing      = []schema.Status{schema.StatusPausing}
	fromPaused       = []schema.Status{schema.StatusPaused}

	// pausable are the node statuses a pause can interrupt.
	pausable = []schema.Status{
		schema.StatusQueued, schema.StatusRunning, schema.StatusAsyncWaiting,
		schema.StatusTaskWaiting, schema.StatusTimedWaiting,
	}
)

// handleStart claims a queued node and invokes its executable.
func (e *Engine) handleStart(ctx context.Context, c *coordinator, nodeID string) error {
	node, err := e.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node.Status != schema.StatusQueued {
		logging.LogWith(ctx, e.logger).Debug("start ignored, node is not queued", "status", node.Status)
		return nil
	}

	plan, err := e.store.GetPlan(ctx, c.planID)
	if err != nil {
		return err
	}
	switch {
	case plan.Status.IsTerminal():
		_, err := e.endNode(ctx, c, node, fromQueued, schema.StatusAborted,
			schema.NewFailure(schema.FailureAborted, "plan execution ended "+string(plan.Status)), nil)
		return err
	case plan.Status == schema.StatusPausing || plan.Status == schema.StatusPaused:
		_, err := e.fsm.Node(ctx, node.ID, fromQueued, schema.StatusPaused, nil)
		return err
	case plan.Status == schema.StatusInterventionWaiting:
		e.releaseIntervention(ctx, c)
	}

	pn, err := c.planNode(node.Node.SetupID)
	if err != nil {
		return e.errorQueued(ctx, c, node, err)
	}
	scope := e.scope(ctx, c, node)
	if pn.When != "" {
		run, err := e.cel.EvaluateBool(ctx, pn.When, scope.Vars())
		if err != nil {
			return e.errorQueued(ctx, c, node, err)
		}
		if !run {
			logging.LogWith(ctx, e.logger).Info("node skipped by run condition", "identifier", node.Node.Identifier)
			_, err := e.endNode(ctx, c, node, fromQueued, schema.StatusSkipped, nil, nil)
			return err
		}
	}

	entry, err := e.steps.Get(node.Node.StepType.Type)
	if err != nil {
		return e.errorQueued(ctx, c, node, err)
	}
	resolved, masked, err := e.interp.Resolve(ctx, seedParams(node), scope)
	if err != nil {
		return e.errorQueued(ctx, c, node, err)
	}

	now := time.Now().UTC()
	update := &store.NodeUpdate{StartTS: &now, ResolvedStepParameters: masked}
	if d := pn.TimeoutDuration(); d > 0 {
		deadline := now.Add(d)
		update.TimeoutAt = &deadline
	}
	running, err := e.fsm.Node(ctx, node.ID, fromQueued, schema.StatusRunning, update)
	if err != nil {
		return err
	}
	e.metrics.NodeStarted()
	c.params[node.ID] = resolved
	return e.invoke(ctx, c, running, entry, resolved, inputPackage(scope))
}

// errorQueued ends a node that could not be started.
func (e *Engine) errorQueued(ctx context.Context, c *coordinator, node *store.NodeExecution, cause error) error {
	logging.LogWith(ctx, e.logger).Warn("node cannot start", "identifier", node.Node.Identifier, "error", cause)
	_, err := e.endNode(ctx, c, node, fromQueued, schema.StatusErrored, schema.FailureFromError(schema.FailureUnknown, cause), nil)
	return err
}

// invoke runs the executable of a RUNNING node on the worker pool.
func (e *Engine) invoke(ctx context.Context, c *coordinator, node *store.NodeExecution, entry steps.Entry, params map[string]any, input steps.InputPackage) error {
	amb := node.Ambiance
	nodeID := node.ID
	return e.submit(ctx, c, nodeID, func(ctx context.Context) stepResult {
		switch entry.Mode {
		case steps.ModeSync:
			resp, err := entry.Impl.(steps.SyncExecutable).ExecuteSync(ctx, amb, params, input)
			return resultOf(nodeID, resp, err)
		case steps.ModeChild:
			spawn, err := entry.Impl.(steps.ChildExecutable).ObtainChild(ctx, amb, params, input)
			if err != nil {
				return resultOf(nodeID, steps.StepResponse{}, err)
			}
			return stepResult{nodeID: nodeID, spawn: &spawn}
		case steps.ModeTask:
			req, err := entry.Impl.(steps.TaskExecutable).ObtainTask(ctx, amb, params, input)
			if err != nil {
				return resultOf(nodeID, steps.StepResponse{}, err)
			}
			return stepResult{nodeID: nodeID, task: &req}
		default:
			resp := steps.ErroredResponse(schema.NewErrorf(schema.ErrCodeExecution, "unknown executable mode %q", entry.Mode))
			return stepResult{nodeID: nodeID, resp: &resp}
		}
	})
}

// submit runs fn on the worker pool and posts what it returns. A panic in fn
// is reported as an ERRORED response.
func (e *Engine) submit(ctx context.Context, c *coordinator, nodeID string, fn func(ctx context.Context) stepResult) error {
	planID := c.planID
	err := e.pool.Submit(ctx, func(poolCtx context.Context) error {
		ctx := logging.WithNode(poolCtx, planID, nodeID)
		res := e.protect(ctx, nodeID, fn)
		return e.post(c, res)
	})
	if err != nil {
		return fmt.Errorf("submit node %s: %w", nodeID, err)
	}
	return nil
}

func (e *Engine) protect(ctx context.Context, nodeID string, fn func(ctx context.Context) stepResult) (res stepResult) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogWith(ctx, e.logger).Error("step panicked", "recovered", r)
			resp := steps.ErroredResponse(schema.NewErrorf(schema.ErrCodeExecution, "step panicked: %v", r))
			res = stepResult{nodeID: nodeID, resp: &resp}
		}
	}()
	return fn(ctx)
}

func resultOf(nodeID string, resp steps.StepResponse, err error) stepResult {
	if err != nil {
		resp = steps.FailedResponse(err)
	}
	return stepResult{nodeID: nodeID, resp: &resp}
}

func (e *Engine) handleStepResult(ctx context.Context, c *coordinator, m stepResult) error {
	node, err := e.store.GetNode(ctx, m.nodeID)
	if err != nil {
		return err
	}
	switch node.Status {
	case schema.StatusRunning:
		return e.applyResult(ctx, c, node, m)
	case schema.StatusPausing:
		return e.park(ctx, c, node, func(ctx context.Context, node *store.NodeExecution) error {
			return e.applyResult(ctx, c, node, m)
		})
	default:
		logging.LogWith(ctx, e.logger).Info("step result dropped, node is no longer running", "status", node.Status)
		return nil
	}
}

func (e *Engine) applyResult(ctx context.Context, c *coordinator, node *store.NodeExecution, m stepResult) error {
	switch {
	case m.spawn != nil:
		return e.spawnChildren(ctx, c, node, *m.spawn)
	case m.task != nil:
		return e.submitTask(ctx, c, node, *m.task)
	case m.resp != nil:
		return e.finishNode(ctx, c, node, *m.resp)
	}
	return schema.NewError(schema.ErrCodeExecution, "empty step result").WithNode(node.ID)
}

// finishNode applies a terminal step response to a RUNNING node, running the
// node's failure strategy when the response is broke.
func (e *Engine) finishNode(ctx context.Context, c *coordinator, node *store.NodeExecution, resp steps.StepResponse) error {
	if !resp.Status.IsTerminal() {
		resp = steps.ErroredResponse(schema.NewErrorf(schema.ErrCodeExecution, "step returned non-terminal status %q", resp.Status))
	}
	if !resp.Status.IsBroke() {
		_, err := e.endNode(ctx, c, node, fromRunning, resp.Status, resp.FailureInfo, resp.Outputs)
		return err
	}
	if resp.FailureInfo == nil {
		resp.FailureInfo = schema.NewFailure(schema.FailureApplication, "step ended "+string(resp.Status))
	}

	var fs *schema.FailureStrategy
	if pn, err := c.planNode(node.Node.SetupID); err == nil {
		fs = pn.FailureStrategy
	}
	switch failureAction(fs, len(node.RetryIDs)) {
	case schema.ActionRetry:
		return e.failAndRetry(ctx, c, node, resp, fs)
	case schema.ActionManualIntervention:
		return e.awaitIntervention(ctx, c, node, resp)
	case schema.ActionIgnore:
		fi := *resp.FailureInfo
		fi.Details = maps.Clone(fi.Details)
		if fi.Details == nil {
			fi.Details = map[string]any{}
		}
		fi.Details["ignored"] = true
		fi.Details["status"] = string(resp.Status)
		_, err := e.endNode(ctx, c, node, fromRunning, schema.StatusSucceeded, &fi, resp.Outputs)
		return err
	default:
		_, err := e.endNode(ctx, c, node, fromRunning, resp.Status, resp.FailureInfo, resp.Outputs)
		return err
	}
}

// endNode commits a terminal status reached by the flow and queues the
// follow-up work.
func (e *Engine) endNode(ctx context.Context, c *coordinator, node *store.NodeExecution, from []schema.Status, to schema.Status, failure *schema.FailureInfo, outputs map[string]any) (*store.NodeExecution, error) {
	now := time.Now().UTC()
	ended, err := e.fsm.Node(ctx, node.ID, from, to, &store.NodeUpdate{
		FailureInfo: failure,
		Outputs:     outputs,
		EndTS:       &now,
	})
	if err != nil {
		return nil, err
	}
	e.recordFinish(ended, now)
	return ended, e.post(c, nodeEnded{nodeID: ended.ID})
}

func (e *Engine) recordFinish(node *store.NodeExecution, end time.Time) {
	if node.StartTS != nil {
		e.metrics.NodeFinished(node.Node.StepType.Type, end.Sub(*node.StartTS).Seconds())
	}
}

func (e *Engine) failAndRetry(ctx context.Context, c *coordinator, node *store.NodeExecution, resp steps.StepResponse, fs *schema.FailureStrategy) error {
	now := time.Now().UTC()
	failed, err := e.fsm.Node(ctx, node.ID, fromRunning, resp.Status, &store.NodeUpdate{
		FailureInfo: resp.FailureInfo,
		Outputs:     resp.Outputs,
		EndTS:       &now,
	})
	if err != nil {
		return err
	}
	e.recordFinish(failed, now)

	next, err := e.retryNode(ctx, c, failed, nil, nil)
	if err != nil {
		return err
	}
	delay := ComputeBackoff(fs, len(failed.RetryIDs))
	logging.LogWith(ctx, e.logger).Info("retrying node",
		"identifier", failed.Node.Identifier, "attempt", len(next.RetryIDs), "delay", delay, "retry_node", next.ID)
	if delay <= 0 {
		return e.post(c, startNode{nodeID: next.ID})
	}
	e.after(delay, func() {
		if err := e.post(c, startNode{nodeID: next.ID}); err != nil {
			e.logger.Warn("scheduled retry dropped", "node_execution_id", next.ID, "error", err)
		}
	})
	return nil
}

func (e *Engine) awaitIntervention(ctx context.Context, c *coordinator, node *store.NodeExecution, resp steps.StepResponse) error {
	now := time.Now().UTC()
	failed, err := e.fsm.Node(ctx, node.ID, fromRunning, resp.Status, &store.NodeUpdate{
		FailureInfo: resp.FailureInfo,
		Outputs:     resp.Outputs,
		EndTS:       &now,
	})
	if err != nil {
		return err
	}
	e.recordFinish(failed, now)
	if _, err := e.fsm.Node(ctx, failed.ID, []schema.Status{failed.Status}, schema.StatusInterventionWaiting, nil); err != nil {
		return err
	}
	if _, err := e.fsm.Plan(ctx, c.planID, fromRunning, schema.StatusInterventionWaiting, nil); err != nil && !schema.IsStatusChanged(err) {
		return err
	}
	logging.LogWith(ctx, e.logger).Warn("node waiting for manual intervention",
		"identifier", node.Node.Identifier, "failure", resp.FailureInfo.Message)
	return nil
}

// retryNode supersedes old with a new QUEUED execution of the same plan node.
// params nil reuses the parameters old was seeded with.
func (e *Engine) retryNode(ctx context.Context, c *coordinator, old *store.NodeExecution, params map[string]any, effect *store.InterruptEffect) (*store.NodeExecution, error) {
	pn, err := c.planNode(old.Node.SetupID)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = maps.Clone(seedParams(old))
	}
	if len(params) == 0 {
		params = maps.Clone(pn.StepParameters)
	}

	id := uuid.NewString()
	prev, ok, err := e.store.MarkRetried(ctx, old.ID, schema.Retryable, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		e.metrics.LostRace("node")
		return nil, schema.NewError(schema.ErrCodeStatusChanged, "node was already retried or left a retryable status").
			WithNode(old.ID).
			WithDetails(map[string]any{"current": string(prev)})
	}
	if to := store.SupersededStatus(prev); to != prev {
		if closed, err := e.store.GetNode(ctx, old.ID); err == nil {
			e.fsm.committedNode(ctx, closed, prev, to, nil)
		}
	}

	now := time.Now().UTC()
	level, _ := old.Ambiance.ObtainCurrentLevel()
	level.RuntimeID = id
	level.StartTS = now
	next := &store.NodeExecution{
		ID:                     id,
		PlanExecutionID:        old.PlanExecutionID,
		Node:                   old.Node,
		Status:                 schema.StatusQueued,
		Mode:                   old.Mode,
		ParentID:               old.ParentID,
		PreviousID:             old.ID,
		StepParameters:         params,
		Ambiance:               old.Ambiance.CloneForFinish().CloneForChild(level),
		RetryIDs:               append(slices.Clone(old.RetryIDs), old.ID),
		CreatedAt:              now,
	}
	if effect != nil {
		next.InterruptHistory = []store.InterruptEffect{*effect}
	}
	if err := e.store.SaveNode(ctx, next); err != nil {
		return nil, err
	}
	e.fsm.appendEvent(ctx, &store.Event{
		PlanExecutionID: next.PlanExecutionID,
		NodeExecutionID: next.ID,
		Type:            schema.LogNodeRetried,
		FromStatus:      string(prev),
		ToStatus:        string(schema.StatusQueued),
		Payload: encodePayload(map[string]any{
			"identifier":  next.Node.Identifier,
			"previous_id": old.ID,
			"attempt":     len(next.RetryIDs),
		}),
	})
	return next, nil
}

func (e *Engine) spawnChildren(ctx context.Context, c *coordinator, node *store.NodeExecution, spawn steps.ChildSpawn) error {
	for _, id := range spawn.ChildNodeIDs {
		if _, err := c.planNode(id); err != nil {
			return e.finishNode(ctx, c, node, steps.ErroredResponse(err))
		}
	}
	waiting, err := e.fsm.Node(ctx, node.ID, fromRunning, schema.StatusAsyncWaiting, nil)
	if err != nil {
		return err
	}
	if len(spawn.ChildNodeIDs) == 0 {
		return e.checkParent(ctx, c, waiting.ID)
	}

	for _, setupID := range spawn.ChildNodeIDs {
		child, err := e.newNode(c, setupID, waiting.ID, "", waiting.Ambiance)
		if err == nil {
			err = e.saveNewNode(ctx, child)
		}
		if err != nil {
			_, endErr := e.endNode(ctx, c, waiting, fromAsyncWaiting, schema.StatusErrored,
				schema.FailureFromError(schema.FailureUnknown, err), nil)
			return errors.Join(err, endErr)
		}
		if err := e.post(c, startNode{nodeID: child.ID}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) submitTask(ctx context.Context, c *coordinator, node *store.NodeExecution, req steps.TaskRequest) error {
	if e.dispatcher == nil {
		return e.finishNode(ctx, c, node, steps.StepResponse{
			Status:      schema.StatusFailed,
			FailureInfo: schema.NewFailure(schema.FailureDispatch, "no task dispatcher configured"),
		})
	}

	handle, err := e.dispatcher.Submit(ctx, dispatch.Task{
		NodeExecutionID: node.ID,
		PlanExecutionID: node.PlanExecutionID,
		Request:         req,
		Ambiance:        node.Ambiance,
	}, e)
	if err != nil {
		e.metrics.Task(req.TaskType, "dispatch_failed")
		return e.finishNode(ctx, c, node, steps.StepResponse{
			Status:      schema.StatusFailed,
			FailureInfo: schema.FailureFromError(schema.FailureDispatch, err),
		})
	}

	c.tasks[node.ID] = req
	if _, err := e.fsm.Node(ctx, node.ID, fromRunning, schema.StatusTaskWaiting, &store.NodeUpdate{TaskHandle: &handle}); err != nil {
		delete(c.tasks, node.ID)
		e.AbortTask(ctx, &store.NodeExecution{ID: node.ID, TaskHandle: handle})
		return err
	}
	logging.LogWith(ctx, e.logger).Debug("task dispatched", "task_type", req.TaskType, "task_handle", handle)
	return nil
}

func (e *Engine) handleTaskResponse(ctx context.Context, c *coordinator, m taskResponse) error {
	node, err := e.store.GetNode(ctx, m.nodeID)
	if err != nil {
		return err
	}
	switch node.Status {
	case schema.StatusTaskWaiting:
		running, err := e.fsm.Node(ctx, node.ID, fromTaskWaiting, schema.StatusRunning, nil)
		if err != nil {
			return err
		}
		return e.runTaskResult(ctx, c, running, m.data)
	case schema.StatusPausing:
		return e.park(ctx, c, node, func(ctx context.Context, node *store.NodeExecution) error {
			return e.runTaskResult(ctx, c, node, m.data)
		})
	default:
		logging.LogWith(ctx, e.logger).Info("task response dropped, node is not waiting for it", "status", node.Status)
		return nil
	}
}

func (e *Engine) runTaskResult(ctx context.Context, c *coordinator, node *store.NodeExecution, data steps.ResponseData) error {
	req := c.tasks[node.ID]
	delete(c.tasks, node.ID)
	outcome := "succeeded"
	if !data.Success {
		outcome = "failed"
	}
	e.metrics.Task(req.TaskType, outcome)

	entry, err := e.steps.Get(node.Node.StepType.Type)
	if err != nil {
		return e.finishNode(ctx, c, node, steps.ErroredResponse(err))
	}
	impl, ok := entry.Impl.(steps.TaskExecutable)
	if !ok {
		return e.finishNode(ctx, c, node, steps.ErroredResponse(
			schema.NewErrorf(schema.ErrCodeExecution, "step type %q does not handle task results", node.Node.StepType.Type)))
	}

	params := c.nodeParams(node)
	amb := node.Ambiance
	supplier := e.supplier(req.ResultSelector, data)
	return e.submit(ctx, c, node.ID, func(ctx context.Context) stepResult {
		resp, err := impl.HandleTaskResult(ctx, amb, params, supplier)
		return resultOf(node.ID, resp, err)
	})
}

// supplier evaluates a task answer on demand. A failed task yields a
// STEP_FAILED error carrying the task's message.
func (e *Engine) supplier(selector string, data steps.ResponseData) steps.ResponseSupplier {
	return func() (steps.ResponseData, error) {
		if !data.Success {
			msg := data.Error
			if msg == "" {
				msg = "task failed"
			}
			return steps.ResponseData{}, schema.NewError(schema.ErrCodeStepFailed, msg)
		}
		if selector == "" {
			return data, nil
		}
		selected, err := e.jq.Select(e.ctx, selector, data.Data)
		if err != nil {
			return steps.ResponseData{}, schema.NewErrorf(schema.ErrCodeStepFailed, "result selector: %s", err).WithCause(err)
		}
		out := data
		out.Data = selected
		return out, nil
	}
}

// handleEnded moves the flow past a node that reached a terminal status:
// it starts the next sibling, completes the parent or finalizes the plan.
func (e *Engine) handleEnded(ctx context.Context, c *coordinator, nodeID string) error {
	node, err := e.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node.OldRetry || !node.Status.IsTerminal() {
		return nil
	}
	delete(c.params, node.ID)
	delete(c.tasks, node.ID)
	delete(c.parked, node.ID)
	e.releaseIntervention(ctx, c)

	pn, err := c.planNode(node.Node.SetupID)
	if err != nil {
		return err
	}
	if node.Status.IsPositive() && pn.NextID != "" {
		if node.NextID != "" {
			return nil
		}
		next, err := e.newNode(c, pn.NextID, node.ParentID, node.ID, node.Ambiance.CloneForFinish())
		if err != nil {
			return err
		}
		if err := e.saveNewNode(ctx, next); err != nil {
			return err
		}
		if err := e.store.SetNextID(ctx, node.ID, next.ID); err != nil {
			return err
		}
		return e.post(c, startNode{nodeID: next.ID})
	}

	if node.ParentID == "" {
		return e.finalizePlan(ctx, c, node)
	}
	return e.checkParent(ctx, c, node.ParentID)
}

// checkParent hands the children outcomes to the parent once every live
// child chain has ended. The ASYNC_WAITING -> RUNNING claim makes the
// delivery happen once.
func (e *Engine) checkParent(ctx context.Context, c *coordinator, parentID string) error {
	parent, err := e.store.GetNode(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.Status != schema.StatusAsyncWaiting && parent.Status != schema.StatusPausing {
		return nil
	}

	children, err := e.store.FindChildren(ctx, parent.PlanExecutionID, parent.ID)
	if err != nil {
		return err
	}
	responses := make(map[string]steps.ChildOutcome, len(children))
	for _, child := range children {
		if child.OldRetry {
			continue
		}
		if !child.Status.IsTerminal() {
			return nil
		}
		if child.Status.IsPositive() && child.NextID == "" {
			if pn, err := c.planNode(child.Node.SetupID); err == nil && pn.NextID != "" {
				return nil
			}
		}
		responses[child.ID] = steps.ChildOutcome{
			NodeExecutionID: child.ID,
			Identifier:      child.Node.Identifier,
			Status:          child.Status,
			FailureInfo:     child.FailureInfo,
			Outputs:         child.Outputs,
		}
	}

	if parent.Status == schema.StatusPausing {
		return e.park(ctx, c, parent, func(ctx context.Context, node *store.NodeExecution) error {
			return e.runChildResponse(ctx, c, node, responses)
		})
	}
	running, err := e.fsm.Node(ctx, parent.ID, fromAsyncWaiting, schema.StatusRunning, nil)
	if err != nil {
		return err
	}
	return e.runChildResponse(ctx, c, running, responses)
}

func (e *Engine) runChildResponse(ctx context.Context, c *coordinator, parent *store.NodeExecution, responses map[string]steps.ChildOutcome) error {
	entry, err := e.steps.Get(parent.Node.StepType.Type)
	if err != nil {
		return e.finishNode(ctx, c, parent, steps.ErroredResponse(err))
	}
	impl, ok := entry.Impl.(steps.ChildExecutable)
	if !ok {
		return e.finishNode(ctx, c, parent, steps.ErroredResponse(
			schema.NewErrorf(schema.ErrCodeExecution, "step type %q does not handle child responses", parent.Node.StepType.Type)))
	}
	params := c.nodeParams(parent)
	amb := parent.Ambiance
	return e.submit(ctx, c, parent.ID, func(ctx context.Context) stepResult {
		resp, err := impl.HandleChildResponse(ctx, amb, params, responses)
		return resultOf(parent.ID, resp, err)
	})
}

// finalizePlan ends the plan with the status of its last top-level node.
func (e *Engine) finalizePlan(ctx context.Context, c *coordinator, root *store.NodeExecution) error {
	to := root.Status
	var failure *schema.FailureInfo
	if to.IsPositive() {
		to = schema.StatusSucceeded
	} else {
		failure = root.FailureInfo
	}
	now := time.Now().UTC()
	if _, err := e.fsm.Plan(ctx, c.planID, schema.Finalizable, to, &store.PlanUpdate{FailureInfo: failure, EndTS: &now}); err != nil {
		return err
	}
	logging.LogWith(ctx, e.logger).Info("plan execution ended", "status", to)
	return nil
}

// releaseIntervention puts a plan back to RUNNING once no node waits for an
// operator any more.
func (e *Engine) releaseIntervention(ctx context.Context, c *coordinator) {
	plan, err := e.store.GetPlan(ctx, c.planID)
	if err != nil || plan.Status != schema.StatusInterventionWaiting {
		return
	}
	waiting, err := e.store.ListNodes(ctx, store.NodeFilter{
		PlanExecutionID: c.planID,
		Statuses:        []schema.Status{schema.StatusInterventionWaiting},
		ExcludeRetried:  true,
		Limit:           1,
	})
	if err != nil || len(waiting) > 0 {
		return
	}
	_, err = e.fsm.Plan(ctx, c.planID, []schema.Status{schema.StatusInterventionWaiting}, schema.StatusRunning, nil)
	if err != nil && !schema.IsStatusChanged(err) {
		logging.LogWith(ctx, e.logger).Warn("release intervention failed", "error", err)
	}
}

// park stores the continuation of a PAUSING node and marks it PAUSED.
func (e *Engine) park(ctx context.Context, c *coordinator, node *store.NodeExecution, fn continuation) error {
	paused, err := e.fsm.Node(ctx, node.ID, fromPausing, schema.StatusPaused, nil)
	if err != nil {
		return err
	}
	c.parked[node.ID] = fn
	logging.LogWith(ctx, e.logger).Info("node parked", "identifier", node.Node.Identifier)

	if effect, ok := c.resumePending[node.ID]; ok {
		delete(c.resumePending, node.ID)
		return e.resumeParked(ctx, c, paused, effect)
	}
	return nil
}

func (e *Engine) pauseNode(ctx context.Context, nodeID string, effect *store.InterruptEffect) error {
	node, err := e.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	update := effectUpdate(effect)
	switch node.Status {
	case schema.StatusQueued:
		_, err = e.fsm.Node(ctx, node.ID, fromQueued, schema.StatusPaused, update)
	case schema.StatusRunning, schema.StatusAsyncWaiting, schema.StatusTaskWaiting, schema.StatusTimedWaiting:
		_, err = e.fsm.Node(ctx, node.ID, []schema.Status{node.Status}, schema.StatusPausing, update)
	default:
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "node in status %s cannot be paused", node.Status).WithNode(node.ID)
	}
	return err
}

func (e *Engine) resumeNode(ctx context.Context, c *coordinator, nodeID string, effect *store.InterruptEffect) error {
	node, err := e.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	switch node.Status {
	case schema.StatusPausing:
		c.resumePending[node.ID] = effect
		return nil
	case schema.StatusPaused:
		return e.resumeParked(ctx, c, node, effect)
	default:
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "node in status %s is not paused", node.Status).WithNode(node.ID)
	}
}

// resumeParked brings a PAUSED node back. A node that never started is
// queued again; otherwise it runs its parked continuation, or its executable
// again when the continuation was lost with a previous process.
func (e *Engine) resumeParked(ctx context.Context, c *coordinator, node *store.NodeExecution, effect *store.InterruptEffect) error {
	update := effectUpdate(effect)
	fn, ok := c.parked[node.ID]
	if !ok && node.StartTS == nil {
		if _, err := e.fsm.Node(ctx, node.ID, fromPaused, schema.StatusQueued, update); err != nil {
			return err
		}
		return e.handleStart(ctx, c, node.ID)
	}

	running, err := e.fsm.Node(ctx, node.ID, fromPaused, schema.StatusRunning, update)
	if err != nil {
		return err
	}
	delete(c.parked, node.ID)
	if ok {
		return fn(ctx, running)
	}
	return e.restart(ctx, c, running)
}

func (e *Engine) restart(ctx context.Context, c *coordinator, node *store.NodeExecution) error {
	entry, err := e.steps.Get(node.Node.StepType.Type)
	if err != nil {
		return e.finishNode(ctx, c, node, steps.ErroredResponse(err))
	}
	logging.LogWith(ctx, e.logger).Info("restarting node without a parked continuation", "identifier", node.Node.Identifier)
	return e.invoke(ctx, c, node, entry, c.nodeParams(node), inputPackage(e.scope(ctx, c, node)))
}

func (e *Engine) pausePlan(ctx context.Context, c *coordinator, effect *store.InterruptEffect) error {
	if _, err := e.fsm.Plan(ctx, c.planID, fromRunning, schema.StatusPausing, nil); err != nil {
		return err
	}
	nodes, err := e.store.ListNodes(ctx, store.NodeFilter{
		PlanExecutionID: c.planID,
		Statuses:        pausable,
		ExcludeRetried:  true,
	})
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if err := e.pauseNode(ctx, n.ID, effect); err != nil && !schema.IsStatusChanged(err) {
			logging.LogWith(ctx, e.logger).Warn("pause node failed", "node_execution_id", n.ID, "error", err)
		}
	}
	_, err = e.fsm.Plan(ctx, c.planID, fromPausing, schema.StatusPaused, nil)
	return err
}

func (e *Engine) resumePlan(ctx context.Context, c *coordinator, effect *store.InterruptEffect) error {
	if _, err := e.fsm.Plan(ctx, c.planID, fromPaused, schema.StatusRunning, nil); err != nil {
		return err
	}
	nodes, err := e.store.ListNodes(ctx, store.NodeFilter{
		PlanExecutionID: c.planID,
		Statuses:        []schema.Status{schema.StatusPausing, schema.StatusPaused},
		ExcludeRetried:  true,
	})
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.Status == schema.StatusPausing {
			c.resumePending[n.ID] = effect
			continue
		}
		if err := e.resumeParked(ctx, c, n, effect); err != nil && !schema.IsStatusChanged(err) {
			logging.LogWith(ctx, e.logger).Warn("resume node failed", "node_execution_id", n.ID, "error", err)
		}
	}
	return nil
}

// newNode builds (without saving) a QUEUED execution of plan node setupID.
func (e *Engine) newNode(c *coordinator, setupID, parentID, previousID string, parentAmb ambiance.Ambiance) (*store.NodeExecution, error) {
	pn, err := c.planNode(setupID)
	if err != nil {
		return nil, err
	}
	ref := pn.Node()
	ref.SetupID = setupID

	var mode string
	if entry, err := e.steps.Get(pn.StepType.Type); err == nil {
		mode = string(entry.Mode)
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	return &store.NodeExecution{
		ID:                     id,
		PlanExecutionID:        c.planID,
		Node:                   ref,
		Status:                 schema.StatusQueued,
		Mode:                   mode,
		ParentID:               parentID,
		PreviousID:             previousID,
		StepParameters:         maps.Clone(pn.StepParameters),
		Ambiance: parentAmb.CloneForChild(ambiance.Level{
			SetupID:    setupID,
			RuntimeID:  id,
			Identifier: pn.Identifier,
			StepType:   pn.StepType,
			Group:      pn.Group,
			StartTS:    now,
		}),
		CreatedAt: now,
	}, nil
}

func (e *Engine) saveNewNode(ctx context.Context, n *store.NodeExecution) error {
	if err := e.store.SaveNode(ctx, n); err != nil {
		return err
	}
	e.fsm.appendEvent(ctx, &store.Event{
		PlanExecutionID: n.PlanExecutionID,
		NodeExecutionID: n.ID,
		Type:            schema.LogNodeCreated,
		ToStatus:        string(n.Status),
		Payload: encodePayload(map[string]any{
			"identifier":  n.Node.Identifier,
			"parent_id":   n.ParentID,
			"previous_id": n.PreviousID,
		}),
	})
	return nil
}

// scope gathers what the node's expressions may reference.
func (e *Engine) scope(ctx context.Context, c *coordinator, node *store.NodeExecution) *expressions.Scope {
	return &expressions.Scope{
		Inputs:   c.plan.Inputs,
		Ambiance: node.Ambiance,
		Node:     node.Node,
		Outcomes: e.outcomes(ctx, node),
	}
}

// outcomes returns the outputs of the node's completed siblings by identifier.
func (e *Engine) outcomes(ctx context.Context, node *store.NodeExecution) map[string]map[string]any {
	siblings, err := e.store.FindChildren(ctx, node.PlanExecutionID, node.ParentID)
	if err != nil {
		logging.LogWith(ctx, e.logger).Warn("load sibling outcomes failed", "error", err)
		return nil
	}
	out := make(map[string]map[string]any)
	for _, s := range siblings {
		if s.ID == node.ID || s.OldRetry || !s.Status.IsPositive() || s.Outputs == nil {
			continue
		}
		out[s.Node.Identifier] = s.Outputs
	}
	return out
}

func inputPackage(scope *expressions.Scope) steps.InputPackage {
	inputs, _ := scope.Vars()["inputs"].(map[string]any)
	return steps.InputPackage{Inputs: inputs, Outcomes: scope.Outcomes}
}

// nodeParams returns the resolved parameters of a started node. They are
// kept in memory because the stored copy has secrets masked.
func (c *coordinator) nodeParams(node *store.NodeExecution) map[string]any {
	if p, ok := c.params[node.ID]; ok {
		return p
	}
	return node.ResolvedStepParameters
}

// seedParams returns the unresolved parameters a node starts from. Rows
// migrated from schema version 1 carry them in the resolved slot.
func seedParams(node *store.NodeExecution) map[string]any {
	if len(node.StepParameters) > 0 || node.StartTS != nil {
		return node.StepParameters
	}
	return node.ResolvedStepParameters
}

func effectUpdate(effect *store.InterruptEffect) *store.NodeUpdate {
	if effect == nil {
		return nil
	}
	return &store.NodeUpdate{Interrupt: effect}
}
