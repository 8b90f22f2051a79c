package validation

import (
	"bytes"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rendis/orchestra/pkg/schema"
)

// LoadPlan decodes a plan document written in YAML or JSON and checks its
// structure. Semantic checks are left to ValidatePlan.
func (v *PlanValidator) LoadPlan(data []byte) (*schema.PlanDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan document is empty")
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan document is not valid YAML or JSON").WithCause(err)
	}
	if err := v.schema.ValidateDocument(doc); err != nil {
		return nil, err
	}

	var plan schema.PlanDefinition
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode plan definition").WithCause(err)
	}
	return &plan, nil
}

// LoadPlanFile reads and decodes the plan document at path.
func (v *PlanValidator) LoadPlanFile(path string) (*schema.PlanDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read plan file %s", path).WithCause(err)
	}
	return v.LoadPlan(data)
}
