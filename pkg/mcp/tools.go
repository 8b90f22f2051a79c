package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/orchestra/internal/diagram"
	"github.com/rendis/orchestra/internal/engine"
	"github.com/rendis/orchestra/internal/interrupts"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/ambiance"
	"github.com/rendis/orchestra/pkg/schema"
)

// TriggerMCP is the trigger type recorded on plans started through orchestra.run.
const TriggerMCP = "MCP"

// handleRun validates a plan document and starts it.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, err := req.RequireString("plan")
	if err != nil {
		return mcp.NewToolResultError("plan is required"), nil
	}
	if s.loader == nil || s.runner == nil {
		return mcp.NewToolResultError("plan execution is not configured"), nil
	}

	plan, loadErr := s.loader.LoadPlan([]byte(doc))
	if loadErr != nil {
		return toolError("invalid plan", loadErr), nil
	}

	setup, setupErr := stringMap(mcp.ParseStringMap(req, "setup_abstractions", nil))
	if setupErr != nil {
		return mcp.NewToolResultError(setupErr.Error()), nil
	}

	pe, runErr := s.runner.StartPlan(ctx, engine.StartRequest{
		PlanExecutionID:   req.GetString("plan_execution_id", ""),
		Plan:              plan,
		Inputs:            mcp.ParseStringMap(req, "inputs", nil),
		SetupAbstractions: setup,
		Metadata: ambiance.Metadata{
			TriggerType: TriggerMCP,
			TriggeredBy: req.GetString("triggered_by", ""),
		},
	})
	if runErr != nil {
		return toolError("plan start failed", runErr), nil
	}

	// Notifications for this execution go to the caller's session.
	s.captureSession(ctx, pe.ID)

	return marshalResult(map[string]any{
		"plan_execution_id":      pe.ID,
		"plan_id":                pe.PlanID,
		"status":                 pe.Status,
		"root_node_execution_id": pe.RootNodeID,
	})
}

// handleStatus returns a plan execution with its nodes and interrupts.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	planExecutionID, err := req.RequireString("plan_execution_id")
	if err != nil {
		return mcp.NewToolResultError("plan_execution_id is required"), nil
	}
	if s.store == nil {
		return mcp.NewToolResultError("store is not configured"), nil
	}

	pe, getErr := s.store.GetPlan(ctx, planExecutionID)
	if getErr != nil {
		return toolError("status query failed", getErr), nil
	}
	nodes, listErr := s.store.ListNodes(ctx, store.NodeFilter{
		PlanExecutionID: planExecutionID,
		ExcludeRetried:  !req.GetBool("include_retried", false),
	})
	if listErr != nil {
		return toolError("status query failed", listErr), nil
	}
	ins, inErr := s.store.ListInterrupts(ctx, planExecutionID)
	if inErr != nil {
		return toolError("status query failed", inErr), nil
	}

	s.captureSession(ctx, planExecutionID)

	return marshalResult(map[string]any{
		"plan_execution": pe,
		"nodes":          nodes,
		"interrupts":     ins,
	})
}

// handleInterrupt registers and processes an interrupt. An interrupt that is
// processed unsuccessfully is still a successful call; its state tells the
// outcome.
func (s *Server) handleInterrupt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	planExecutionID, err := req.RequireString("plan_execution_id")
	if err != nil {
		return mcp.NewToolResultError("plan_execution_id is required"), nil
	}
	interruptType, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required"), nil
	}
	if s.interrupts == nil {
		return mcp.NewToolResultError("interrupts are not configured"), nil
	}

	issuedBy := req.GetString("issued_by", "")
	if issuedBy == "" {
		issuedBy = "mcp"
	}

	in, issueErr := s.interrupts.Issue(ctx, interrupts.Request{
		PlanExecutionID: planExecutionID,
		NodeExecutionID: req.GetString("node_execution_id", ""),
		Type:            schema.InterruptType(interruptType),
		Parameters:      mcp.ParseStringMap(req, "parameters", nil),
		IssuedBy:        issuedBy,
	})
	if issueErr != nil {
		return toolError("interrupt failed", issueErr), nil
	}

	s.captureSession(ctx, planExecutionID)

	return marshalResult(map[string]any{
		"interrupt_id": in.ID,
		"type":         in.Type,
		"state":        in.State,
		"reason":       in.Reason,
		"applied":      in.State == schema.InterruptProcessedSuccessfully,
	})
}

// handleQuery lists plan executions, events, or interrupts.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	if s.store == nil {
		return mcp.NewToolResultError("store is not configured"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "plans":
		return s.queryPlans(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "interrupts":
		return s.queryInterrupts(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleDiagram renders a plan or a plan execution.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	planExecutionID := req.GetString("plan_execution_id", "")
	doc := req.GetString("plan", "")
	if planExecutionID == "" && doc == "" {
		return mcp.NewToolResultError("at least one of plan_execution_id or plan is required"), nil
	}

	var (
		plan       *schema.PlanDefinition
		executions []*store.NodeExecution
	)
	if planExecutionID != "" {
		if s.store == nil {
			return mcp.NewToolResultError("store is not configured"), nil
		}
		pe, getErr := s.store.GetPlan(ctx, planExecutionID)
		if getErr != nil {
			return toolError("plan execution not found", getErr), nil
		}
		plan = pe.Plan
		nodes, listErr := s.store.ListNodes(ctx, store.NodeFilter{PlanExecutionID: planExecutionID})
		if listErr != nil {
			return toolError("node query failed", listErr), nil
		}
		executions = nodes
	} else {
		if s.loader == nil {
			return mcp.NewToolResultError("plan loading is not configured"), nil
		}
		loaded, loadErr := s.loader.LoadPlan([]byte(doc))
		if loadErr != nil {
			return toolError("invalid plan", loadErr), nil
		}
		plan = loaded
	}

	model, buildErr := diagram.Build(plan, executions)
	if buildErr != nil {
		return toolError("diagram build failed", buildErr), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "png":
		png, imgErr := diagram.RenderImage(ctx, model, diagram.ImagePNG)
		if imgErr != nil {
			return toolError("image render failed", imgErr), nil
		}
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	case "svg":
		svg, imgErr := diagram.RenderImage(ctx, model, diagram.ImageSVG)
		if imgErr != nil {
			return toolError("image render failed", imgErr), nil
		}
		return mcp.NewToolResultText(string(svg)), nil
	default:
		return mcp.NewToolResultError("format must be ascii, mermaid, png, or svg"), nil
	}
}

// --- Query helpers ---

func (s *Server) queryPlans(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	pf := store.PlanFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if planID, ok := filter["plan_id"].(string); ok {
		pf.PlanID = planID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		st := schema.Status(status)
		if !slices.Contains(schema.AllStatuses, st) {
			return mcp.NewToolResultError(fmt.Sprintf("unknown status: %s", status)), nil
		}
		pf.Statuses = []schema.Status{st}
	}

	plans, err := s.store.ListPlans(ctx, pf)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"plans": plans})
}

func (s *Server) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	planExecutionID, _ := filter["plan_execution_id"].(string)
	if planExecutionID == "" {
		return mcp.NewToolResultError("event query requires 'plan_execution_id' in filter"), nil
	}
	since := int64(extractInt(filter, "since", 0))

	events, err := s.store.GetEvents(ctx, planExecutionID, since)
	if err != nil {
		return toolError("query failed", err), nil
	}
	if limit := extractInt(filter, "limit", 0); limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *Server) queryInterrupts(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	planExecutionID, _ := filter["plan_execution_id"].(string)
	if planExecutionID == "" {
		return mcp.NewToolResultError("interrupt query requires 'plan_execution_id' in filter"), nil
	}
	ins, err := s.store.ListInterrupts(ctx, planExecutionID)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"interrupts": ins})
}

// --- Internal helpers ---

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// stringMap narrows a JSON object to string values.
func stringMap(in map[string]any) (map[string]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("setup abstraction %q must be a string", k)
		}
		out[k] = str
	}
	return out, nil
}

// captureSession maps the plan execution to the caller's MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, planExecutionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(planExecutionID, session.SessionID())
	}
}

func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
