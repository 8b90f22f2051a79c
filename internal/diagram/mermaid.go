package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/orchestra/pkg/schema"
)

// RenderMermaid renders a Model as a Mermaid flowchart. Containment edges
// are dotted, next edges solid.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, node := range model.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))
	}

	for _, edge := range model.Edges {
		arrow := "-->"
		if edge.Kind == EdgeChild {
			arrow = "-.->"
		}
		b.WriteString(fmt.Sprintf("    %s %s %s\n", mermaidSafeID(edge.From), arrow, mermaidSafeID(edge.To)))
	}

	b.WriteString("\n")
	b.WriteString("    classDef succeeded fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef waiting fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef queued fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef stopped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), cls))
		}
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the shape of its kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := firstLine(node.Label)

	switch node.Kind {
	case NodeKindPipeline:
		return fmt.Sprintf("%s((%q))", id, label)
	case NodeKindStage:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindFork:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindSection:
		return fmt.Sprintf("%s[/%q/]", id, label)
	case NodeKindTask:
		return fmt.Sprintf("%s([%q])", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

// mermaidStatusClass maps a node status to a Mermaid class name.
func mermaidStatusClass(status schema.Status) string {
	switch status {
	case schema.StatusSucceeded:
		return "succeeded"
	case schema.StatusFailed, schema.StatusErrored, schema.StatusExpired:
		return "failed"
	case schema.StatusRunning, schema.StatusDiscontinuing:
		return "running"
	case schema.StatusAsyncWaiting, schema.StatusTaskWaiting, schema.StatusTimedWaiting,
		schema.StatusInterventionWaiting, schema.StatusPausing, schema.StatusPaused:
		return "waiting"
	case schema.StatusQueued:
		return "queued"
	case schema.StatusSkipped, schema.StatusSuspended, schema.StatusAborted:
		return "stopped"
	default:
		return ""
	}
}
