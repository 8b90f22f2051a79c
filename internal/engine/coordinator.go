package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rendis/orchestra/internal/logging"
	"github.com/rendis/orchestra/internal/steps"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/schema"
)

// Coordinator messages. Each one is handled to completion before the next.
type (
	startNode struct{ nodeID string }

	// stepResult carries exactly one of resp, spawn or task.
	stepResult struct {
		nodeID string
		resp   *steps.StepResponse
		spawn  *steps.ChildSpawn
		task   *steps.TaskRequest
	}

	taskResponse struct {
		nodeID string
		data   steps.ResponseData
	}

	nodeEnded struct{ nodeID string }

	control struct {
		fn    func(ctx context.Context) error
		reply chan error
	}
)

// continuation resumes work that arrived while its node was PAUSING.
// node is the record after it moved back to RUNNING.
type continuation func(ctx context.Context, node *store.NodeExecution) error

// coordinator serialises the completion handling of one plan execution.
// The queue is drained by at most one goroutine, started on demand; the
// remaining fields are only touched by that goroutine.
type coordinator struct {
	planID string
	plan   *store.PlanExecution

	mu      sync.Mutex
	queue   []any
	running bool

	parked        map[string]continuation
	resumePending map[string]*store.InterruptEffect
	params        map[string]map[string]any
	tasks         map[string]steps.TaskRequest
}

func newCoordinator(plan *store.PlanExecution) *coordinator {
	return &coordinator{
		planID:        plan.ID,
		plan:          plan,
		parked:        make(map[string]continuation),
		resumePending: make(map[string]*store.InterruptEffect),
		params:        make(map[string]map[string]any),
		tasks:         make(map[string]steps.TaskRequest),
	}
}

func (c *coordinator) planNode(setupID string) (*schema.PlanNode, error) {
	if c.plan.Plan != nil {
		if pn, ok := c.plan.Plan.Nodes[setupID]; ok {
			return pn, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "plan node %q is not defined", setupID)
}

// post appends msg to the coordinator queue and starts a drainer if none runs.
func (e *Engine) post(c *coordinator, msg any) error {
	c.mu.Lock()
	c.queue = append(c.queue, msg)
	if c.running {
		c.mu.Unlock()
		return nil
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		c.queue = c.queue[:len(c.queue)-1]
		c.mu.Unlock()
		return ErrEngineClosed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	c.running = true
	c.mu.Unlock()

	go e.drain(c)
	return nil
}

// call runs fn on the coordinator and waits for its result.
func (e *Engine) call(ctx context.Context, c *coordinator, fn func(ctx context.Context) error) error {
	reply := make(chan error, 1)
	if err := e.post(c, control{fn: fn, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) drain(c *coordinator) {
	defer e.wg.Done()
	ctx := logging.WithPlanExecutionID(e.ctx, c.planID)
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.running = false
			c.mu.Unlock()
			return
		}
		msg := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if e.ctx.Err() != nil {
			if ctl, ok := msg.(control); ok {
				ctl.reply <- ErrEngineClosed
			}
			continue
		}
		e.handle(ctx, c, msg)
	}
}

func (e *Engine) handle(ctx context.Context, c *coordinator, msg any) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogWith(ctx, e.logger).Error("coordinator panic", "message", fmt.Sprintf("%T", msg), "recovered", r)
			if ctl, ok := msg.(control); ok {
				ctl.reply <- fmt.Errorf("coordinator panic: %v", r)
			}
		}
	}()

	var err error
	switch m := msg.(type) {
	case startNode:
		err = e.handleStart(logging.WithNodeExecutionID(ctx, m.nodeID), c, m.nodeID)
	case stepResult:
		err = e.handleStepResult(logging.WithNodeExecutionID(ctx, m.nodeID), c, m)
	case taskResponse:
		err = e.handleTaskResponse(logging.WithNodeExecutionID(ctx, m.nodeID), c, m)
	case nodeEnded:
		err = e.handleEnded(logging.WithNodeExecutionID(ctx, m.nodeID), c, m.nodeID)
	case control:
		m.reply <- m.fn(ctx)
		return
	default:
		err = fmt.Errorf("unknown coordinator message %T", msg)
	}
	if err == nil {
		return
	}
	if schema.IsStatusChanged(err) {
		logging.LogWith(ctx, e.logger).Debug("message superseded by a concurrent change", "message", fmt.Sprintf("%T", msg), "error", err)
		return
	}
	logging.LogWith(ctx, e.logger).Error("coordinator message failed", "message", fmt.Sprintf("%T", msg), "error", err)
}
