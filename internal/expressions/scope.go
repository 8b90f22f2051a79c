package expressions

import (
	"github.com/rendis/orchestra/pkg/ambiance"
	"github.com/rendis/orchestra/pkg/schema"
)

// Scope is the data a node's expressions can see. Maps are deep-copied when
// the variables are built, so expressions can never mutate engine state.
type Scope struct {
	Inputs   map[string]any
	Ambiance ambiance.Ambiance
	Node     schema.NodeRef
	// Outcomes holds outputs of already completed siblings, keyed by identifier.
	Outcomes map[string]map[string]any
}

// Vars renders the scope as the variable set shared by all engines:
// inputs, ambiance, node, outcomes and functorToken.
func (s *Scope) Vars() map[string]any {
	if s == nil {
		return map[string]any{
			"inputs":       map[string]any{},
			"ambiance":     map[string]any{},
			"node":         map[string]any{},
			"outcomes":     map[string]any{},
			"functorToken": int64(0),
		}
	}

	outcomes := make(map[string]any, len(s.Outcomes))
	for k, v := range s.Outcomes {
		outcomes[k] = deepCopyMap(v)
	}
	inputs := deepCopyMap(s.Inputs)
	if inputs == nil {
		inputs = map[string]any{}
	}

	return map[string]any{
		"inputs":       inputs,
		"ambiance":     AmbianceVars(s.Ambiance),
		"node":         nodeVars(s.Node),
		"outcomes":     outcomes,
		"functorToken": s.Ambiance.ExpressionFunctorToken,
	}
}

// AmbianceVars flattens an ambiance into expression variables.
func AmbianceVars(a ambiance.Ambiance) map[string]any {
	setup := make(map[string]any, len(a.SetupAbstractions))
	for k, v := range a.SetupAbstractions {
		setup[k] = v
	}
	vars := map[string]any{
		"planExecutionId":   a.PlanExecutionID,
		"planId":            a.PlanID,
		"accountId":         a.AccountID(),
		"orgIdentifier":     a.OrgIdentifier(),
		"projectIdentifier": a.ProjectIdentifier(),
		"stepIdentifier":    a.ObtainStepIdentifier(),
		"runtimeId":         a.ObtainCurrentRuntimeID(),
		"setup":             setup,
		"triggerType":       a.Metadata.TriggerType,
		"triggeredBy":       a.Metadata.TriggeredBy,
		"runSequence":       a.Metadata.RunSequence,
		"depth":             len(a.Levels),
	}
	if stage, ok := a.StageLevel(); ok {
		vars["stageIdentifier"] = stage.Identifier
	} else {
		vars["stageIdentifier"] = ""
	}
	return vars
}

func nodeVars(n schema.NodeRef) map[string]any {
	return map[string]any{
		"identifier": n.Identifier,
		"name":       n.Name,
		"setupId":    n.SetupID,
		"type":       n.StepType.Type,
		"category":   string(n.StepType.Category),
		"group":      n.Group,
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		return v
	}
}
