package steps

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/rendis/orchestra/pkg/ambiance"
	"github.com/rendis/orchestra/pkg/schema"
)

// Built-in step types.
const (
	TypeSection = "SECTION"
	TypeFork    = "FORK"
	TypeEcho    = "ECHO"
	TypeTask    = "TASK"
)

// RegisterBuiltins registers the control-flow steps every plan can use.
func RegisterBuiltins(reg *Registry) error {
	builtins := map[string]any{
		TypeSection: Section{},
		TypeFork:    Fork{},
		TypeEcho:    Echo{},
		TypeTask:    Task{},
	}
	for _, name := range []string{TypeSection, TypeFork, TypeEcho, TypeTask} {
		if err := reg.Register(name, builtins[name]); err != nil {
			return err
		}
	}
	return nil
}

// Section runs the chain that starts at the "childNodeId" parameter.
type Section struct{}

func (Section) ObtainChild(_ context.Context, _ ambiance.Ambiance, params map[string]any, _ InputPackage) (ChildSpawn, error) {
	id, _ := params["childNodeId"].(string)
	if id == "" {
		return ChildSpawn{}, schema.NewError(schema.ErrCodeValidation, "section requires childNodeId")
	}
	return ChildSpawn{ChildNodeIDs: []string{id}}, nil
}

func (Section) HandleChildResponse(_ context.Context, _ ambiance.Ambiance, _ map[string]any, responses map[string]ChildOutcome) (StepResponse, error) {
	return AggregateChildren(responses), nil
}

// Fork runs every node of the "childNodeIds" parameter in parallel.
type Fork struct{}

func (Fork) ObtainChild(_ context.Context, _ ambiance.Ambiance, params map[string]any, _ InputPackage) (ChildSpawn, error) {
	ids, err := stringList(params["childNodeIds"])
	if err != nil {
		return ChildSpawn{}, err
	}
	if len(ids) == 0 {
		return ChildSpawn{}, schema.NewError(schema.ErrCodeValidation, "fork requires childNodeIds")
	}
	return ChildSpawn{ChildNodeIDs: ids}, nil
}

func (Fork) HandleChildResponse(_ context.Context, _ ambiance.Ambiance, _ map[string]any, responses map[string]ChildOutcome) (StepResponse, error) {
	return AggregateChildren(responses), nil
}

// Echo succeeds with its parameters as outputs. A "fail" parameter makes it
// fail with that message instead.
type Echo struct{}

func (Echo) ExecuteSync(_ context.Context, _ ambiance.Ambiance, params map[string]any, _ InputPackage) (StepResponse, error) {
	if msg, ok := params["fail"].(string); ok && msg != "" {
		return StepResponse{
			Status:      schema.StatusFailed,
			FailureInfo: schema.NewFailure(schema.FailureApplication, msg),
		}, nil
	}
	return StepResponse{Status: schema.StatusSucceeded, Outputs: maps.Clone(params)}, nil
}

// Task dispatches the "taskType" parameter with "parameters" as payload and
// surfaces the (selected) response data as the "result" output.
type Task struct{}

func (Task) ObtainTask(_ context.Context, _ ambiance.Ambiance, params map[string]any, _ InputPackage) (TaskRequest, error) {
	taskType, _ := params["taskType"].(string)
	if taskType == "" {
		return TaskRequest{}, schema.NewError(schema.ErrCodeValidation, "task requires taskType")
	}
	req := TaskRequest{TaskType: taskType}
	if p, ok := params["parameters"].(map[string]any); ok {
		req.Parameters = p
	}
	if sel, ok := params["resultSelector"].(string); ok {
		req.ResultSelector = sel
	}
	if s, ok := params["timeout"].(string); ok && s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return TaskRequest{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid task timeout %q", s).WithCause(err)
		}
		req.Timeout = d
	}
	return req, nil
}

func (Task) HandleTaskResult(_ context.Context, _ ambiance.Ambiance, _ map[string]any, supplier ResponseSupplier) (StepResponse, error) {
	data, failed := SupplyOrFail(supplier)
	if failed != nil {
		return *failed, nil
	}
	return StepResponse{Status: schema.StatusSucceeded, Outputs: map[string]any{"result": data.Data}}, nil
}

func stringList(v any) ([]string, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "expected string id, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("expected list of ids, got %T", v))
	}
}
