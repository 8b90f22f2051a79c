package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/orchestra/pkg/schema"
)

// validateGraph analyses the plan graph formed by next_id and child
// references: cycle detection (Kahn's algorithm), a single predecessor per
// node, and reachability from the root.
func validateGraph(plan *schema.PlanDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	// succ[id] = nodes id leads to; preds[id] = nodes that lead to id.
	succ := make(map[string][]string, len(plan.Nodes))
	preds := make(map[string][]string, len(plan.Nodes))
	link := func(from, to string) {
		if _, ok := plan.Nodes[to]; !ok {
			return // dangling refs are reported by the semantic pass
		}
		succ[from] = append(succ[from], to)
		preds[to] = append(preds[to], from)
	}
	for _, id := range sortedKeys(plan.Nodes) {
		n := plan.Nodes[id]
		if n == nil {
			continue
		}
		for _, child := range childRefs(n) {
			link(id, child)
		}
		if n.NextID != "" {
			link(id, n.NextID)
		}
	}

	inDegree := make(map[string]int, len(plan.Nodes))
	queue := make([]string, 0, len(plan.Nodes))
	for _, id := range sortedKeys(plan.Nodes) {
		inDegree[id] = len(preds[id])
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range succ[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(plan.Nodes) {
		var cyclic []string
		for id, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		result.AddError("nodes", schema.ErrCodeCycleDetected,
			fmt.Sprintf("plan contains a cycle through nodes %v", cyclic))
		return result
	}

	for _, id := range sortedKeys(preds) {
		if p := preds[id]; len(p) > 1 {
			result.AddNodeError(id, "", schema.ErrCodeValidation,
				fmt.Sprintf("node is reached from %d places (%v); a node runs in exactly one position", len(p), p))
		}
	}
	if len(preds[plan.RootNodeID]) > 0 {
		result.AddNodeError(plan.RootNodeID, "", schema.ErrCodeValidation, "root node cannot be referenced by another node")
	}

	reachable := map[string]bool{plan.RootNodeID: true}
	bfs := []string{plan.RootNodeID}
	for len(bfs) > 0 {
		id := bfs[0]
		bfs = bfs[1:]
		for _, next := range succ[id] {
			if !reachable[next] {
				reachable[next] = true
				bfs = append(bfs, next)
			}
		}
	}
	for _, id := range sortedKeys(plan.Nodes) {
		if !reachable[id] {
			result.AddWarning(fmt.Sprintf("nodes.%s", id), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from the root node", id))
		}
	}
	return result
}
