package validation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

// Parameters through which the built-in SECTION and FORK steps name children.
const (
	paramChildNodeID  = "childNodeId"
	paramChildNodeIDs = "childNodeIds"
)

// maxRetryCount above which a retry strategy earns a warning.
const maxRetryCount = 10

// validateSemantic checks what the plan schema cannot: references between
// nodes, registered step types, parseable durations, failure strategy
// consistency and compilable run conditions.
func validateSemantic(plan *schema.PlanDefinition, lookup StepLookup, conditions ConditionChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if _, ok := plan.Nodes[plan.RootNodeID]; !ok {
		result.AddError("root_node_id", schema.ErrCodeValidation,
			fmt.Sprintf("root node %q is not defined", plan.RootNodeID))
	}

	for _, key := range sortedKeys(plan.Nodes) {
		n := plan.Nodes[key]
		if n == nil {
			result.AddNodeError(key, "", schema.ErrCodeValidation, "node definition is empty")
			continue
		}
		if n.UUID != key {
			result.AddNodeError(key, "uuid", schema.ErrCodeValidation,
				fmt.Sprintf("uuid %q does not match its key", n.UUID))
		}
		if n.NextID != "" {
			if _, ok := plan.Nodes[n.NextID]; !ok {
				result.AddNodeError(key, "next_id", schema.ErrCodeValidation,
					fmt.Sprintf("references non-existent node %q", n.NextID))
			}
			if n.NextID == key {
				result.AddNodeError(key, "next_id", schema.ErrCodeCycleDetected, "node is its own next node")
			}
		}
		for _, child := range childRefs(n) {
			if _, ok := plan.Nodes[child]; !ok {
				result.AddNodeError(key, "step_parameters", schema.ErrCodeValidation,
					fmt.Sprintf("references non-existent child node %q", child))
			}
		}
		if lookup != nil && !lookup.Has(n.StepType.Type) {
			result.AddNodeError(key, "step_type.type", schema.ErrCodeStepUnavailable,
				fmt.Sprintf("step type %q not registered", n.StepType.Type))
		}
		if n.Timeout != "" {
			if d, err := time.ParseDuration(n.Timeout); err != nil || d <= 0 {
				result.AddNodeError(key, "timeout", schema.ErrCodeValidation,
					fmt.Sprintf("invalid timeout %q", n.Timeout))
			}
		}
		if n.When != "" && conditions != nil {
			if err := conditions.Check(n.When); err != nil {
				result.AddNodeError(key, "when", schema.ErrCodeValidation, errMessage(err))
			}
		}
		validateFailureStrategy(key, n.FailureStrategy, result)
	}

	validateIdentifiers(plan, result)
	return result
}

func validateFailureStrategy(key string, fs *schema.FailureStrategy, result *schema.ValidationResult) {
	if fs == nil {
		return
	}
	durations := []struct{ field, value string }{
		{"retry_interval", fs.RetryInterval},
		{"max_interval", fs.MaxInterval},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			result.AddNodeError(key, "failure_strategy."+d.field, schema.ErrCodeValidation,
				fmt.Sprintf("invalid duration %q", d.value))
		}
	}

	if fs.Action != schema.ActionRetry {
		if fs.RetryCount > 0 || fs.OnRetryFailure != "" {
			result.AddWarning(fmt.Sprintf("nodes.%s.failure_strategy", key), schema.ErrCodeValidation,
				fmt.Sprintf("retry settings are ignored by action %s", fs.Action))
		}
		return
	}
	if fs.RetryCount < 1 {
		result.AddNodeError(key, "failure_strategy.retry_count", schema.ErrCodeValidation,
			"RETRY requires a retry_count of at least 1")
	}
	if fs.OnRetryFailure == schema.ActionRetry {
		result.AddNodeError(key, "failure_strategy.on_retry_failure", schema.ErrCodeValidation,
			"on_retry_failure cannot be RETRY")
	}
	if fs.RetryCount > maxRetryCount {
		result.AddWarning(fmt.Sprintf("nodes.%s.failure_strategy.retry_count", key), schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", fs.RetryCount))
	}
}

// validateIdentifiers warns when identifiers collide: outcomes are keyed by
// identifier, so a collision hides one node's outputs.
func validateIdentifiers(plan *schema.PlanDefinition, result *schema.ValidationResult) {
	byIdentifier := make(map[string][]string)
	for key, n := range plan.Nodes {
		if n != nil && n.Identifier != "" {
			byIdentifier[n.Identifier] = append(byIdentifier[n.Identifier], key)
		}
	}
	for _, ident := range sortedKeys(byIdentifier) {
		keys := byIdentifier[ident]
		if len(keys) < 2 {
			continue
		}
		sort.Strings(keys)
		result.AddWarning("nodes", schema.ErrCodeValidation,
			fmt.Sprintf("identifier %q is shared by nodes %s", ident, strings.Join(keys, ", ")))
	}
}

// childRefs returns the literal child node ids a node names in its
// parameters. Expressions are resolved at run time and skipped.
func childRefs(n *schema.PlanNode) []string {
	var out []string
	add := func(v any) {
		if s, ok := v.(string); ok && s != "" && !strings.Contains(s, "<+") {
			out = append(out, s)
		}
	}
	add(n.StepParameters[paramChildNodeID])
	switch ids := n.StepParameters[paramChildNodeIDs].(type) {
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

func errMessage(err error) string {
	var oe *schema.OrchestraError
	if errors.As(err, &oe) {
		return oe.Message
	}
	return err.Error()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
