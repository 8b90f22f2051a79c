package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/orchestra/pkg/ambiance"
	"github.com/rendis/orchestra/pkg/schema"
)

// PlanExecution is the persisted state of one pipeline run.
type PlanExecution struct {
	ID                string                 `json:"id"`
	PlanID            string                 `json:"plan_id"`
	Status            schema.Status          `json:"status"`
	Plan              *schema.PlanDefinition `json:"plan"`
	Inputs            map[string]any         `json:"inputs,omitempty"`
	SetupAbstractions map[string]string      `json:"setup_abstractions,omitempty"`
	Metadata          ambiance.Metadata      `json:"metadata"`
	RootNodeID        string                 `json:"root_node_execution_id,omitempty"`
	FailureInfo       *schema.FailureInfo    `json:"failure_info,omitempty"`
	StartTS           time.Time              `json:"start_ts"`
	EndTS             *time.Time             `json:"end_ts,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// NodeExecution is the persisted state of one node instance.
type NodeExecution struct {
	ID                     string              `json:"id"`
	PlanExecutionID        string              `json:"plan_execution_id"`
	Node                   schema.NodeRef      `json:"node"`
	Status                 schema.Status       `json:"status"`
	Mode                   string              `json:"mode,omitempty"`
	ParentID               string              `json:"parent_id,omitempty"`
	PreviousID             string              `json:"previous_id,omitempty"`
	NextID                 string              `json:"next_id,omitempty"`
	// StepParameters are the unresolved parameters the execution was seeded
	// with. A retry without parameters starts from them again.
	StepParameters         map[string]any      `json:"step_parameters,omitempty"`
	ResolvedStepParameters map[string]any      `json:"resolved_step_parameters,omitempty"`
	Ambiance               ambiance.Ambiance   `json:"ambiance"`
	FailureInfo            *schema.FailureInfo `json:"failure_info,omitempty"`
	Outputs                map[string]any      `json:"outputs,omitempty"`
	RetryIDs               []string            `json:"retry_ids,omitempty"`
	OldRetry               bool                `json:"old_retry"`
	TaskHandle             string              `json:"task_handle,omitempty"`
	InterruptHistory       []InterruptEffect   `json:"interrupt_history,omitempty"`
	StartTS                *time.Time          `json:"start_ts,omitempty"`
	EndTS                  *time.Time          `json:"end_ts,omitempty"`
	TimeoutAt              *time.Time          `json:"timeout_at,omitempty"`
	Version                int64               `json:"version"`
	CreatedAt              time.Time           `json:"created_at"`
	UpdatedAt              time.Time           `json:"updated_at"`
}

// InterruptEffect records an interrupt that changed a node.
type InterruptEffect struct {
	InterruptID  string               `json:"interrupt_id"`
	Type         schema.InterruptType `json:"type"`
	TookEffectAt time.Time            `json:"took_effect_at"`
}

// NodeUpdate carries the fields written together with a node status change.
// Nil fields are left untouched.
type NodeUpdate struct {
	FailureInfo *schema.FailureInfo
	Outputs     map[string]any
	// ResolvedStepParameters replaces the stored parameters when non-nil.
	ResolvedStepParameters map[string]any
	TaskHandle             *string
	StartTS                *time.Time
	EndTS                  *time.Time
	TimeoutAt              *time.Time
	Interrupt              *InterruptEffect
}

// PlanUpdate carries the fields written together with a plan status change.
type PlanUpdate struct {
	FailureInfo *schema.FailureInfo
	EndTS       *time.Time
}

// NodeFilter selects node executions.
type NodeFilter struct {
	PlanExecutionID string
	Statuses        []schema.Status
	// ExcludeRetried drops nodes superseded by a retry.
	ExcludeRetried bool
	// TimeoutBefore selects nodes whose deadline has passed.
	TimeoutBefore *time.Time
	Limit         int
}

// PlanFilter selects plan executions.
type PlanFilter struct {
	PlanID   string
	Statuses []schema.Status
	Limit    int
	Offset   int
}

// Interrupt is a persisted operator request against a plan execution.
type Interrupt struct {
	ID              string                `json:"id"`
	PlanExecutionID string                `json:"plan_execution_id"`
	NodeExecutionID string                `json:"node_execution_id,omitempty"`
	Type            schema.InterruptType  `json:"type"`
	Parameters      map[string]any        `json:"parameters,omitempty"`
	State           schema.InterruptState `json:"state"`
	Reason          string                `json:"reason,omitempty"`
	IssuedBy        string                `json:"issued_by,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	ProcessedAt     *time.Time            `json:"processed_at,omitempty"`
}

// Event is an immutable entry in a plan's change log.
type Event struct {
	ID              int64           `json:"id"`
	PlanExecutionID string          `json:"plan_execution_id"`
	NodeExecutionID string          `json:"node_execution_id,omitempty"`
	Type            string          `json:"event_type"`
	FromStatus      string          `json:"from_status,omitempty"`
	ToStatus        string          `json:"to_status,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	Sequence        int64           `json:"sequence"`
}
