package schema

import (
	"time"

	"github.com/rendis/orchestra/pkg/ambiance"
)

// PlanDefinition is the design-time graph a plan execution runs.
// Nodes are keyed by their setup id.
type PlanDefinition struct {
	PlanID      string               `json:"plan_id" yaml:"plan_id"`
	Name        string               `json:"name,omitempty" yaml:"name,omitempty"`
	RootNodeID  string               `json:"root_node_id" yaml:"root_node_id"`
	Nodes       map[string]*PlanNode `json:"nodes" yaml:"nodes"`
	Inputs      map[string]any       `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	// InputSchema is a JSON Schema the merged inputs must satisfy.
	InputSchema map[string]any       `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
}

// PlanNode describes one node of a plan.
type PlanNode struct {
	UUID            string            `json:"uuid" yaml:"uuid"`
	Identifier      string            `json:"identifier" yaml:"identifier"`
	Name            string            `json:"name,omitempty" yaml:"name,omitempty"`
	StepType        ambiance.StepType `json:"step_type" yaml:"step_type"`
	Group           string            `json:"group,omitempty" yaml:"group,omitempty"`
	StepParameters  map[string]any    `json:"step_parameters,omitempty" yaml:"step_parameters,omitempty"`
	When            string            `json:"when,omitempty" yaml:"when,omitempty"`
	NextID          string            `json:"next_id,omitempty" yaml:"next_id,omitempty"`
	Timeout         string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	FailureStrategy *FailureStrategy  `json:"failure_strategy,omitempty" yaml:"failure_strategy,omitempty"`
}

// TimeoutDuration parses Timeout. Zero means no timeout.
func (n *PlanNode) TimeoutDuration() time.Duration {
	if n.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(n.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// Node returns the reference stored on node executions.
func (n *PlanNode) Node() NodeRef {
	return NodeRef{
		SetupID:    n.UUID,
		Identifier: n.Identifier,
		Name:       n.Name,
		StepType:   n.StepType,
		Group:      n.Group,
	}
}

// NodeRef is the design-time descriptor a node execution points back to.
type NodeRef struct {
	SetupID    string            `json:"setup_id"`
	Identifier string            `json:"identifier"`
	Name       string            `json:"name,omitempty"`
	StepType   ambiance.StepType `json:"step_type"`
	Group      string            `json:"group,omitempty"`
}

// FailureAction is what the engine does when a node ends broke.
type FailureAction string

const (
	ActionMarkAsFailed       FailureAction = "MARK_AS_FAILED"
	ActionManualIntervention FailureAction = "MANUAL_INTERVENTION"
	ActionRetry              FailureAction = "RETRY"
	ActionIgnore             FailureAction = "IGNORE"
)

// FailureStrategy configures failure handling for a node.
type FailureStrategy struct {
	Action         FailureAction `json:"action" yaml:"action"`
	RetryCount     int           `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	RetryInterval  string        `json:"retry_interval,omitempty" yaml:"retry_interval,omitempty"`
	Backoff        string        `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	MaxInterval    string        `json:"max_interval,omitempty" yaml:"max_interval,omitempty"`
	OnRetryFailure FailureAction `json:"on_retry_failure,omitempty" yaml:"on_retry_failure,omitempty"`
}
