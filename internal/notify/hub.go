package notify

import (
	"context"

	"github.com/rendis/orchestra/internal/streaming"
	"github.com/rendis/orchestra/pkg/ambiance"
	"github.com/rendis/orchestra/pkg/schema"
)

// HubNotifier publishes pipeline events to an in-process event hub.
type HubNotifier struct {
	hub streaming.EventHub
}

// NewHubNotifier creates a notifier over hub.
func NewHubNotifier(hub streaming.EventHub) *HubNotifier {
	return &HubNotifier{hub: hub}
}

func (n *HubNotifier) Notify(ctx context.Context, _ ambiance.Ambiance, event schema.PipelineEventType, p Payload) error {
	return n.hub.Publish(ctx, streaming.StreamEvent{
		PlanExecutionID: p.PlanExecutionID,
		NodeExecutionID: p.NodeExecutionID,
		Identifier:      p.Identifier,
		EventType:       string(event),
		Status:          string(p.Status),
		Timestamp:       p.Timestamp,
		Payload:         p,
	})
}
