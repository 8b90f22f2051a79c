// Package notify turns committed status transitions into pipeline events and
// hands them to notifiers off the engine's path.
package notify

import (
	"context"
	"time"

	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/ambiance"
	"github.com/rendis/orchestra/pkg/schema"
)

// Notifier receives pipeline events. Errors are logged and never reach the
// state machine.
type Notifier interface {
	Notify(ctx context.Context, amb ambiance.Ambiance, event schema.PipelineEventType, payload Payload) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, amb ambiance.Ambiance, event schema.PipelineEventType, payload Payload) error

func (f NotifierFunc) Notify(ctx context.Context, amb ambiance.Ambiance, event schema.PipelineEventType, payload Payload) error {
	return f(ctx, amb, event, payload)
}

// Payload describes the transition behind an event. Node fields are empty for
// plan events.
type Payload struct {
	PlanExecutionID string              `json:"plan_execution_id"`
	PlanID          string              `json:"plan_id,omitempty"`
	NodeExecutionID string              `json:"node_execution_id,omitempty"`
	Identifier      string              `json:"identifier,omitempty"`
	Name            string              `json:"name,omitempty"`
	StepType        string              `json:"step_type,omitempty"`
	Category        string              `json:"category,omitempty"`
	Status          schema.Status       `json:"status"`
	FromStatus      schema.Status       `json:"from_status,omitempty"`
	FailureInfo     *schema.FailureInfo `json:"failure_info,omitempty"`
	Timestamp       time.Time           `json:"timestamp"`
}

// Classifier overrides the event of a broke step node. ok=false keeps the
// default; an empty event suppresses it.
type Classifier func(node *store.NodeExecution) (event schema.PipelineEventType, ok bool)

// NodeEvents returns the events a node transition from -> node.Status emits.
func NodeEvents(node *store.NodeExecution, from schema.Status, classify Classifier) []schema.PipelineEventType {
	category := node.Node.StepType.Category
	stage := category == ambiance.CategoryStage
	switch to := node.Status; {
	case to == schema.StatusRunning && from == schema.StatusQueued:
		if stage {
			return []schema.PipelineEventType{schema.EventStageStart}
		}
	case to == schema.StatusSucceeded:
		if stage {
			return []schema.PipelineEventType{schema.EventStageSuccess}
		}
	case failedStatus(to):
		if stage {
			return []schema.PipelineEventType{schema.EventStageFailed}
		}
		if category != ambiance.CategoryStep {
			return nil
		}
		if classify != nil {
			if ev, ok := classify(node); ok {
				if ev == "" {
					return nil
				}
				return []schema.PipelineEventType{ev}
			}
		}
		return []schema.PipelineEventType{schema.EventStepFailed}
	}
	return nil
}

// PlanEvents returns the events a plan transition from -> to emits. Every
// terminal status ends with PIPELINE_END.
func PlanEvents(to, from schema.Status) []schema.PipelineEventType {
	var out []schema.PipelineEventType
	switch {
	case to == schema.StatusRunning && from == schema.StatusQueued:
		out = append(out, schema.EventPipelineStart)
	case to == schema.StatusSucceeded:
		out = append(out, schema.EventPipelineSuccess)
	case failedStatus(to):
		out = append(out, schema.EventPipelineFailed)
	case to == schema.StatusPaused:
		out = append(out, schema.EventPipelinePaused)
	}
	if to.IsTerminal() {
		out = append(out, schema.EventPipelineEnd)
	}
	return out
}

func failedStatus(s schema.Status) bool {
	return s.IsBroke() || s == schema.StatusExpired
}

func nodePayload(node *store.NodeExecution, from schema.Status) Payload {
	return Payload{
		PlanExecutionID: node.PlanExecutionID,
		PlanID:          node.Ambiance.PlanID,
		NodeExecutionID: node.ID,
		Identifier:      node.Node.Identifier,
		Name:            node.Node.Name,
		StepType:        node.Node.StepType.Type,
		Category:        string(node.Node.StepType.Category),
		Status:          node.Status,
		FromStatus:      from,
		FailureInfo:     node.FailureInfo,
		Timestamp:       node.UpdatedAt,
	}
}

func planPayload(plan *store.PlanExecution, from schema.Status) Payload {
	return Payload{
		PlanExecutionID: plan.ID,
		PlanID:          plan.PlanID,
		Status:          plan.Status,
		FromStatus:      from,
		FailureInfo:     plan.FailureInfo,
		Timestamp:       plan.UpdatedAt,
	}
}

func planAmbiance(plan *store.PlanExecution) ambiance.Ambiance {
	return ambiance.New(plan.ID, plan.PlanID, plan.SetupAbstractions, plan.Metadata)
}
