// Package validation checks plan definitions before they run: JSON Schema
// structure first, then semantics, then the node graph.
package validation

import (
	"errors"

	"github.com/rendis/orchestra/pkg/schema"
)

// StepLookup reports whether a step type is registered.
type StepLookup interface {
	Has(stepType string) bool
}

// ConditionChecker compiles a run condition without evaluating it.
type ConditionChecker interface {
	Check(expression string) error
}

// PlanValidator runs the validation stages over a plan definition.
type PlanValidator struct {
	schema     *SchemaValidator
	steps      StepLookup
	conditions ConditionChecker
}

// New creates a PlanValidator. steps and conditions may be nil to skip step
// type and run condition checks.
func New(steps StepLookup, conditions ConditionChecker) (*PlanValidator, error) {
	sv, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &PlanValidator{schema: sv, steps: steps, conditions: conditions}, nil
}

// Validate runs every stage and aggregates the issues. Structural errors
// short-circuit the later stages.
func (v *PlanValidator) Validate(plan *schema.PlanDefinition) *schema.ValidationResult {
	if plan == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "plan definition is nil")
		return r
	}

	result := structural(v.schema.ValidateDocument(plan))
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantic(plan, v.steps, v.conditions))
	if result.Valid() {
		result.Merge(validateGraph(plan))
	}
	return result
}

// ValidatePlan returns the aggregated errors as one VALIDATION_ERROR.
func (v *PlanValidator) ValidatePlan(plan *schema.PlanDefinition) error {
	return v.Validate(plan).ToError()
}

// ValidateInputs checks inputs against the plan's input schema, if any.
func (v *PlanValidator) ValidateInputs(plan *schema.PlanDefinition, inputs map[string]any) error {
	if plan == nil {
		return nil
	}
	return v.schema.ValidateInput(inputs, plan.InputSchema)
}

func structural(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}
	var oe *schema.OrchestraError
	if !errors.As(err, &oe) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := oe.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("/", schema.ErrCodeValidation, msg)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, oe.Message)
	return result
}
