package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/orchestra/internal/notify"
	"github.com/rendis/orchestra/pkg/ambiance"
	"github.com/rendis/orchestra/pkg/schema"
)

// NotificationMethod is the MCP method used for pipeline events.
const NotificationMethod = "notifications/message"

// AccountKey prefixes account ids in the session registry so operators can
// follow every plan of an account.
func AccountKey(accountID string) string { return "account:" + accountID }

// MCPNotifier pushes pipeline events to the MCP session watching the plan
// execution, or failing that, its account.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

var _ notify.Notifier = (*MCPNotifier)(nil)

// NewMCPNotifier creates a notifier that pushes through mcpServer.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends the event to the watching session.
// Best-effort: returns nil if nobody is connected.
func (n *MCPNotifier) Notify(_ context.Context, amb ambiance.Ambiance, event schema.PipelineEventType, payload notify.Payload) error {
	sessionID, ok := n.sessions.SessionFor(amb.PlanExecutionID)
	if !ok && amb.AccountID() != "" {
		sessionID, ok = n.sessions.SessionFor(AccountKey(amb.AccountID()))
	}
	if !ok {
		return nil
	}

	params, err := notificationParams(event, payload)
	if err != nil {
		return err
	}
	err = n.mcpServer.SendNotificationToSpecificClient(sessionID, NotificationMethod, params)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

func notificationParams(event schema.PipelineEventType, payload notify.Payload) (map[string]any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, err
	}
	return map[string]any{
		"level":  notificationLevel(payload.Status),
		"logger": "orchestra",
		"data": map[string]any{
			"event":   string(event),
			"payload": body,
		},
	}, nil
}

func notificationLevel(status schema.Status) string {
	if status.IsBroke() || status == schema.StatusExpired {
		return "error"
	}
	return "info"
}
