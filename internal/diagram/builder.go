package diagram

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/ambiance"
	"github.com/rendis/orchestra/pkg/schema"
)

const (
	paramChildNodeID  = "childNodeId"
	paramChildNodeIDs = "childNodeIds"
)

// Build constructs a Model from a plan and, optionally, the node executions
// of one of its runs. Nodes are laid out breadth first from the root; nodes
// the root cannot reach go in a trailing level.
func Build(plan *schema.PlanDefinition, executions []*store.NodeExecution) (*Model, error) {
	if plan == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "diagram: plan is required")
	}
	root, ok := plan.Nodes[plan.RootNodeID]
	if !ok || root == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "diagram: root node %q not found", plan.RootNodeID)
	}

	overlays := overlayIndex(executions)
	m := &Model{Title: titleFromPlan(plan), Root: plan.RootNodeID}
	placed := make(map[string]bool, len(plan.Nodes))

	place := func(id string) *Node {
		pn := plan.Nodes[id]
		n := &Node{
			ID:       id,
			Label:    nodeLabel(id, pn),
			Kind:     nodeKind(pn.StepType),
			StepType: pn.StepType.Type,
			Status:   overlays[id],
		}
		m.Nodes = append(m.Nodes, n)
		placed[id] = true
		return n
	}

	place(plan.RootNodeID)
	frontier := []string{plan.RootNodeID}
	for len(frontier) > 0 {
		m.Levels = append(m.Levels, frontier)
		var next []string
		for _, id := range frontier {
			pn := plan.Nodes[id]
			targets := make([]Edge, 0, 2)
			for _, child := range childRefs(pn) {
				targets = append(targets, Edge{From: id, To: child, Kind: EdgeChild})
			}
			if pn.NextID != "" {
				targets = append(targets, Edge{From: id, To: pn.NextID, Kind: EdgeNext})
			}
			for _, e := range targets {
				if _, exists := plan.Nodes[e.To]; !exists {
					continue
				}
				m.Edges = append(m.Edges, e)
				if !placed[e.To] {
					place(e.To)
					next = append(next, e.To)
				}
			}
		}
		frontier = next
	}

	var orphans []string
	for id, pn := range plan.Nodes {
		if !placed[id] && pn != nil {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		sort.Strings(orphans)
		for _, id := range orphans {
			place(id)
		}
		m.Levels = append(m.Levels, orphans)
	}
	return m, nil
}

// overlayIndex keys the live execution of every plan node by setup id.
// Superseded retries only add to the retry count.
func overlayIndex(executions []*store.NodeExecution) map[string]*StatusOverlay {
	out := make(map[string]*StatusOverlay)
	latest := make(map[string]*store.NodeExecution)
	for _, ne := range executions {
		if ne == nil || ne.OldRetry {
			continue
		}
		setupID := ne.Node.SetupID
		if cur, ok := latest[setupID]; ok && cur.CreatedAt.After(ne.CreatedAt) {
			continue
		}
		latest[setupID] = ne
	}
	for setupID, ne := range latest {
		ov := &StatusOverlay{Status: ne.Status, Retries: len(ne.RetryIDs)}
		if ne.StartTS != nil && ne.EndTS != nil {
			ov.DurationMs = ne.EndTS.Sub(*ne.StartTS).Milliseconds()
		}
		if ne.FailureInfo != nil {
			ov.Error = ne.FailureInfo.Message
		}
		out[setupID] = ov
	}
	return out
}

func nodeKind(st ambiance.StepType) NodeKind {
	switch {
	case st.Category == ambiance.CategoryFork || strings.EqualFold(st.Type, "FORK"):
		return NodeKindFork
	case strings.EqualFold(st.Type, "TASK"):
		return NodeKindTask
	}
	switch st.Category {
	case ambiance.CategoryPipeline:
		return NodeKindPipeline
	case ambiance.CategoryStage:
		return NodeKindStage
	case ambiance.CategoryStages, ambiance.CategoryStepGroup:
		return NodeKindSection
	default:
		return NodeKindStep
	}
}

func nodeLabel(id string, pn *schema.PlanNode) string {
	name := pn.Identifier
	if name == "" {
		name = id
	}
	if pn.StepType.Type == "" {
		return name
	}
	return fmt.Sprintf("%s\n(%s)", name, pn.StepType.Type)
}

func titleFromPlan(plan *schema.PlanDefinition) string {
	if plan.Name != "" {
		return plan.Name
	}
	return plan.PlanID
}

// childRefs returns the static child ids of a container node. Expression
// references are skipped.
func childRefs(pn *schema.PlanNode) []string {
	var out []string
	add := func(v any) {
		if s, ok := v.(string); ok && s != "" && !strings.Contains(s, "<+") && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	add(pn.StepParameters[paramChildNodeID])
	switch ids := pn.StepParameters[paramChildNodeIDs].(type) {
	case []any:
		for _, id := range ids {
			add(id)
		}
	case []string:
		for _, id := range ids {
			add(id)
		}
	}
	return out
}

// firstLine returns the first line of a label.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
