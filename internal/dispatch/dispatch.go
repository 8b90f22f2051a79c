// Package dispatch is the task-dispatch port. The engine hands a Task to a
// Dispatcher and later receives the answer through a ResponseSink, keyed by
// the node execution id that requested it.
package dispatch

import (
	"context"

	"github.com/rendis/orchestra/internal/steps"
	"github.com/rendis/orchestra/pkg/ambiance"
)

// Task is one unit of remote work requested by a TaskExecutable.
type Task struct {
	NodeExecutionID string            `json:"node_execution_id"`
	PlanExecutionID string            `json:"plan_execution_id"`
	Request         steps.TaskRequest `json:"request"`
	Ambiance        ambiance.Ambiance `json:"ambiance"`
}

// ResponseSink receives task answers. Delivery may happen on any goroutine.
type ResponseSink interface {
	DeliverTaskResponse(ctx context.Context, nodeExecutionID string, resp steps.ResponseData) error
}

// Dispatcher submits tasks and returns a handle identifying the submission.
// Submit must not block until the task completes.
type Dispatcher interface {
	Submit(ctx context.Context, task Task, sink ResponseSink) (handle string, err error)
}

// Aborter is implemented by dispatchers that can cancel in-flight work.
// Aborting an unknown or finished handle is not an error.
type Aborter interface {
	Abort(ctx context.Context, handle string) error
}
