// Package steps defines the contract between the engine and step implementations.
//
// A step implements exactly one of SyncExecutable, ChildExecutable or
// TaskExecutable. The engine owns all status transitions; a step only returns
// a StepResponse (or a spawn/task request) and never touches the store.
package steps

import (
	"context"
	"time"

	"github.com/rendis/orchestra/pkg/ambiance"
	"github.com/rendis/orchestra/pkg/schema"
)

// Mode is how the engine drives an executable.
type Mode string

const (
	ModeSync  Mode = "SYNC"
	ModeChild Mode = "CHILD"
	ModeTask  Mode = "TASK"
)

// InputPackage is what a step sees besides its resolved parameters.
type InputPackage struct {
	// Inputs are the plan execution inputs.
	Inputs map[string]any `json:"inputs,omitempty"`
	// Outcomes holds the outputs of completed sibling nodes, keyed by identifier.
	Outcomes map[string]map[string]any `json:"outcomes,omitempty"`
}

// StepResponse is the terminal answer of a step invocation.
type StepResponse struct {
	Status      schema.Status       `json:"status"`
	FailureInfo *schema.FailureInfo `json:"failure_info,omitempty"`
	Outputs     map[string]any      `json:"outputs,omitempty"`
}

// ChildSpawn lists the setup ids of the nodes to spawn. A single id starts a
// sequential chain; several ids run in parallel.
type ChildSpawn struct {
	ChildNodeIDs []string `json:"child_node_ids"`
}

// ChildOutcome is the final state of one spawned child chain member.
type ChildOutcome struct {
	NodeExecutionID string              `json:"node_execution_id"`
	Identifier      string              `json:"identifier"`
	Status          schema.Status       `json:"status"`
	FailureInfo     *schema.FailureInfo `json:"failure_info,omitempty"`
	Outputs         map[string]any      `json:"outputs,omitempty"`
}

// TaskRequest asks the dispatcher to run remote work.
type TaskRequest struct {
	TaskType   string         `json:"task_type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Timeout    time.Duration  `json:"timeout,omitempty"`
	// ResultSelector is a jq query applied to the response data before the
	// step sees it.
	ResultSelector string `json:"result_selector,omitempty"`
}

// ResponseData is the raw answer of a dispatched task.
type ResponseData struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ResponseSupplier lazily yields the processed task response. It fails when
// the task failed or its data could not be processed.
type ResponseSupplier func() (ResponseData, error)

type SyncExecutable interface {
	ExecuteSync(ctx context.Context, amb ambiance.Ambiance, params map[string]any, input InputPackage) (StepResponse, error)
}

type ChildExecutable interface {
	ObtainChild(ctx context.Context, amb ambiance.Ambiance, params map[string]any, input InputPackage) (ChildSpawn, error)
	// HandleChildResponse receives the outcome of every spawned node, keyed by
	// runtime id. It is called once per parent run.
	HandleChildResponse(ctx context.Context, amb ambiance.Ambiance, params map[string]any, responses map[string]ChildOutcome) (StepResponse, error)
}

type TaskExecutable interface {
	ObtainTask(ctx context.Context, amb ambiance.Ambiance, params map[string]any, input InputPackage) (TaskRequest, error)
	HandleTaskResult(ctx context.Context, amb ambiance.Ambiance, params map[string]any, supplier ResponseSupplier) (StepResponse, error)
}

// ModeOf reports which contract impl satisfies. Implementing none or more
// than one is a validation error.
func ModeOf(impl any) (Mode, error) {
	if impl == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "executable is nil")
	}
	var modes []Mode
	if _, ok := impl.(SyncExecutable); ok {
		modes = append(modes, ModeSync)
	}
	if _, ok := impl.(ChildExecutable); ok {
		modes = append(modes, ModeChild)
	}
	if _, ok := impl.(TaskExecutable); ok {
		modes = append(modes, ModeTask)
	}
	switch len(modes) {
	case 1:
		return modes[0], nil
	case 0:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "%T implements no executable contract", impl)
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "%T implements several executable contracts", impl).
			WithDetails(map[string]any{"modes": modes})
	}
}

// FailedResponse converts err into a FAILED response.
func FailedResponse(err error) StepResponse {
	return StepResponse{
		Status:      schema.StatusFailed,
		FailureInfo: schema.FailureFromError(schema.FailureApplication, err),
	}
}

// ErroredResponse converts err into an ERRORED response. The engine uses it
// for panics and Go errors returned by a step.
func ErroredResponse(err error) StepResponse {
	return StepResponse{
		Status:      schema.StatusErrored,
		FailureInfo: schema.FailureFromError(schema.FailureUnknown, err),
	}
}

// SupplyOrFail evaluates supplier. On failure it returns the FAILED response
// the step should hand back.
func SupplyOrFail(supplier ResponseSupplier) (ResponseData, *StepResponse) {
	data, err := supplier()
	if err != nil {
		resp := FailedResponse(err)
		return ResponseData{}, &resp
	}
	return data, nil
}

// AggregateChildren folds child outcomes into the parent status: any broke
// child fails the parent, then aborted, then expired, otherwise it succeeds.
func AggregateChildren(responses map[string]ChildOutcome) StepResponse {
	outputs := make(map[string]any, len(responses))
	var broke, aborted, expired *ChildOutcome
	for id := range responses {
		o := responses[id]
		if o.Identifier != "" {
			outputs[o.Identifier] = o.Outputs
		}
		switch {
		case o.Status.IsBroke():
			if broke == nil {
				broke = &o
			}
		case o.Status == schema.StatusAborted:
			aborted = &o
		case o.Status == schema.StatusExpired:
			expired = &o
		}
	}

	resp := StepResponse{Status: schema.StatusSucceeded, Outputs: outputs}
	switch {
	case broke != nil:
		resp.Status = schema.StatusFailed
		resp.FailureInfo = childFailure(broke)
	case aborted != nil:
		resp.Status = schema.StatusAborted
		resp.FailureInfo = childFailure(aborted)
	case expired != nil:
		resp.Status = schema.StatusExpired
		resp.FailureInfo = childFailure(expired)
	}
	return resp
}

func childFailure(o *ChildOutcome) *schema.FailureInfo {
	if o.FailureInfo != nil {
		fi := *o.FailureInfo
		return &fi
	}
	return schema.NewFailure(schema.FailureApplication, "child "+o.Identifier+" ended "+string(o.Status))
}
