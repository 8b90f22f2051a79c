package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/orchestra/pkg/schema"
)

// statusTag returns a short ASCII indicator for a node status.
func statusTag(status schema.Status) string {
	switch status {
	case schema.StatusSucceeded:
		return "[OK]"
	case schema.StatusFailed, schema.StatusErrored:
		return "[FAIL]"
	case schema.StatusRunning, schema.StatusDiscontinuing:
		return "[RUN]"
	case schema.StatusAsyncWaiting, schema.StatusTaskWaiting, schema.StatusTimedWaiting:
		return "[WAIT]"
	case schema.StatusInterventionWaiting:
		return "[HOLD]"
	case schema.StatusPausing, schema.StatusPaused:
		return "[PAUSE]"
	case schema.StatusSkipped, schema.StatusSuspended:
		return "[SKIP]"
	case schema.StatusAborted:
		return "[ABORT]"
	case schema.StatusExpired:
		return "[EXPIRED]"
	case schema.StatusQueued:
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII renders a Model as an indented tree. Children of a container
// are nested under it; a next_id chain is listed as siblings.
func RenderASCII(model *Model) string {
	var b strings.Builder
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("=== %s ===\n", model.Title))
	}
	seen := make(map[string]bool, len(model.Nodes))
	writeChain(&b, model, model.Root, "", true, seen)

	// Nodes the root never reaches.
	for _, n := range model.Nodes {
		if !seen[n.ID] {
			b.WriteString("? ")
			b.WriteString(asciiLine(n))
			b.WriteByte('\n')
			seen[n.ID] = true
		}
	}
	return b.String()
}

// writeChain writes id and every node reached through next edges from it.
// The top level chain is written without branch marks.
func writeChain(b *strings.Builder, model *Model, id, indent string, top bool, seen map[string]bool) {
	chain := sequence(model, id, seen)
	for i, n := range chain {
		branch, pad := "├─ ", "│  "
		switch {
		case top:
			branch, pad = "", ""
		case i == len(chain)-1:
			branch, pad = "└─ ", "   "
		}
		b.WriteString(indent + branch + asciiLine(n) + "\n")
		for _, e := range model.outgoing(n.ID, EdgeChild) {
			if seen[e.To] {
				continue
			}
			writeChain(b, model, e.To, indent+pad, false, seen)
		}
	}
}

// sequence follows next edges from id and marks every visited node as seen.
func sequence(model *Model, id string, seen map[string]bool) []*Node {
	var out []*Node
	for id != "" && !seen[id] {
		n := model.node(id)
		if n == nil {
			break
		}
		seen[id] = true
		out = append(out, n)
		id = ""
		if next := model.outgoing(n.ID, EdgeNext); len(next) > 0 {
			id = next[0].To
		}
	}
	return out
}

func asciiLine(n *Node) string {
	line := firstLine(n.Label)
	if n.StepType != "" {
		line += " (" + n.StepType + ")"
	}
	if n.Status == nil {
		return line
	}
	if tag := statusTag(n.Status.Status); tag != "" {
		line += " " + tag
	}
	if n.Status.DurationMs > 0 {
		line += fmt.Sprintf(" %dms", n.Status.DurationMs)
	}
	if n.Status.Retries > 0 {
		line += fmt.Sprintf(" retries=%d", n.Status.Retries)
	}
	return line
}
