// Package streaming fans pipeline notifications out to in-process subscribers.
package streaming

import (
	"context"
	"time"
)

// AllEvents in a filter matches every event type.
const AllEvents = "ALL_EVENTS"

// StreamEvent is a pipeline notification as seen by subscribers.
type StreamEvent struct {
	PlanExecutionID string    `json:"plan_execution_id"`
	NodeExecutionID string    `json:"node_execution_id,omitempty"`
	Identifier      string    `json:"identifier,omitempty"`
	EventType       string    `json:"event_type"`
	Status          string    `json:"status,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Payload         any       `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	PlanExecutionID string   `json:"plan_execution_id,omitempty"`
	EventTypes      []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for pipeline events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
