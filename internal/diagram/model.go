package diagram

import "github.com/rendis/orchestra/pkg/schema"

// NodeKind classifies a diagram node by the step category of its plan node.
type NodeKind string

const (
	NodeKindPipeline NodeKind = "pipeline"
	NodeKindStage    NodeKind = "stage"
	NodeKindStep     NodeKind = "step"
	NodeKindFork     NodeKind = "fork"
	NodeKindSection  NodeKind = "section"
	NodeKindTask     NodeKind = "task"
)

// EdgeKind tells a containment edge from a sequence edge.
type EdgeKind string

const (
	EdgeChild EdgeKind = "child"
	EdgeNext  EdgeKind = "next"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title string
	// Root is the plan's root node id.
	Root  string
	Nodes []*Node
	Edges []Edge
	// Levels groups node ids by their distance from the root.
	Levels [][]string
}

// Node is one plan node.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	StepType string
	Status   *StatusOverlay
}

// StatusOverlay carries the state of the node's live execution.
type StatusOverlay struct {
	Status     schema.Status
	DurationMs int64
	Retries    int
	Error      string
}

// Edge connects two plan nodes.
type Edge struct {
	From string
	To   string
	Kind EdgeKind
}

// node looks up a node by id.
func (m *Model) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// outgoing returns the edges leaving id in insertion order.
func (m *Model) outgoing(id string, kind EdgeKind) []Edge {
	var out []Edge
	for _, e := range m.Edges {
		if e.From == id && e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
