package store

import (
	"context"

	"github.com/rendis/orchestra/pkg/schema"
)

// NodeStore persists node executions. UpdateNodeStatus is the compare-and-set
// every status change goes through: it succeeds only when the stored status is
// one of from and the node has not been superseded by a retry. It returns the
// status it found, which on success is the status it replaced.
type NodeStore interface {
	GetNode(ctx context.Context, id string) (*NodeExecution, error)
	SaveNode(ctx context.Context, node *NodeExecution) error
	UpdateNodeStatus(ctx context.Context, id string, from []schema.Status, to schema.Status, update *NodeUpdate) (schema.Status, bool, error)
	// MarkRetried flags a node as superseded by nextID and returns the status it
	// replaced. It succeeds only when the node is in one of from and has not been
	// retried before. The node is left in SupersededStatus of that status.
	MarkRetried(ctx context.Context, id string, from []schema.Status, nextID string) (schema.Status, bool, error)
	// SetNextID links a node to the sibling that follows it.
	SetNextID(ctx context.Context, id, nextID string) error
	FindChildren(ctx context.Context, planExecutionID, parentID string) ([]*NodeExecution, error)
	ListNodes(ctx context.Context, filter NodeFilter) ([]*NodeExecution, error)
}

// PlanStore persists plan executions.
type PlanStore interface {
	CreatePlan(ctx context.Context, plan *PlanExecution) error
	GetPlan(ctx context.Context, id string) (*PlanExecution, error)
	// UpdatePlanStatus is the plan compare-and-set. Like UpdateNodeStatus it
	// returns the status it found.
	UpdatePlanStatus(ctx context.Context, id string, from []schema.Status, to schema.Status, update *PlanUpdate) (schema.Status, bool, error)
	ListPlans(ctx context.Context, filter PlanFilter) ([]*PlanExecution, error)
}

// InterruptStore persists interrupts.
type InterruptStore interface {
	CreateInterrupt(ctx context.Context, in *Interrupt) error
	GetInterrupt(ctx context.Context, id string) (*Interrupt, error)
	UpdateInterruptState(ctx context.Context, id string, from []schema.InterruptState, to schema.InterruptState, reason string) (bool, error)
	ListInterrupts(ctx context.Context, planExecutionID string) ([]*Interrupt, error)
}

// EventStore is the append-only change log of a plan execution.
type EventStore interface {
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, planExecutionID string, since int64) ([]*Event, error)
}

// SecretStore persists opaque (already encrypted) secret values.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// SupersededStatus is the status a retried node is left in. Superseded nodes
// accept no further transitions, so one still waiting for intervention is
// closed as FAILED.
func SupersededStatus(s schema.Status) schema.Status {
	if s == schema.StatusInterventionWaiting {
		return schema.StatusFailed
	}
	return s
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	NodeStore
	PlanStore
	InterruptStore
	EventStore
	SecretStore

	Migrate(ctx context.Context) error
	Close() error
}
