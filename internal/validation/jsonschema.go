package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/orchestra/pkg/schema"
)

const planSchemaURL = "https://orchestra.dev/schemas/plan.json"

// planSchemaJSON is the JSON Schema of a plan definition document.
const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://orchestra.dev/schemas/plan.json",
  "type": "object",
  "required": ["plan_id", "root_node_id", "nodes"],
  "properties": {
    "plan_id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "root_node_id": { "type": "string", "minLength": 1 },
    "nodes": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": { "$ref": "#/$defs/node" }
    },
    "inputs": { "type": "object" },
    "input_schema": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "action": {
      "type": "string",
      "enum": ["MARK_AS_FAILED", "MANUAL_INTERVENTION", "RETRY", "IGNORE"]
    },
    "node": {
      "type": "object",
      "required": ["uuid", "identifier", "step_type"],
      "properties": {
        "uuid": { "type": "string", "minLength": 1 },
        "identifier": { "type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_-]*$" },
        "name": { "type": "string" },
        "step_type": {
          "type": "object",
          "required": ["type", "category"],
          "properties": {
            "type": { "type": "string", "minLength": 1 },
            "category": {
              "type": "string",
              "enum": ["PIPELINE", "STAGES", "STAGE", "STEP_GROUP", "STEP", "FORK"]
            }
          },
          "additionalProperties": false
        },
        "group": { "type": "string" },
        "step_parameters": { "type": "object" },
        "when": { "type": "string" },
        "next_id": { "type": "string" },
        "timeout": { "$ref": "#/$defs/duration" },
        "failure_strategy": { "$ref": "#/$defs/failure_strategy" }
      },
      "additionalProperties": false
    },
    "failure_strategy": {
      "type": "object",
      "required": ["action"],
      "properties": {
        "action": { "$ref": "#/$defs/action" },
        "retry_count": { "type": "integer", "minimum": 0 },
        "retry_interval": { "$ref": "#/$defs/duration" },
        "backoff": { "type": "string", "enum": ["constant", "linear", "exponential"] },
        "max_interval": { "$ref": "#/$defs/duration" },
        "on_retry_failure": { "$ref": "#/$defs/action" }
      },
      "additionalProperties": false
    }
  }
}`

// SchemaValidator checks plan documents and plan inputs against JSON Schema
// Draft 2020-12. It is safe for concurrent use.
type SchemaValidator struct {
	planSchema *jsonschema.Schema

	// mu guards the cache of compiled input schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator compiles the plan schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	if err := c.AddResource(planSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}
	planSchema, err := c.Compile(planSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return &SchemaValidator{
		planSchema: planSchema,
		cache:      make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument validates a plan document: a *schema.PlanDefinition or its
// decoded generic form.
func (v *SchemaValidator) ValidateDocument(doc any) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "plan definition is nil")
	}
	value, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize plan definition").WithCause(err)
	}
	if err := v.planSchema.Validate(value); err != nil {
		return toOrchestraError(err)
	}
	return nil
}

// ValidateInput validates input against a JSON Schema document. Compiled
// schemas are cached by their canonical JSON.
func (v *SchemaValidator) ValidateInput(input map[string]any, inputSchema map[string]any) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}
	raw, err := json.Marshal(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	compiled, err := v.getOrCompile(raw)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toOrchestraError(err)
	}
	return nil
}

func (v *SchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Fresh compiler and URL per schema so resources never collide.
	url := fmt.Sprintf("orchestra://input-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number, as
// the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toOrchestraError flattens a jsonschema.ValidationError into one message per
// violated leaf, kept in Details["violations"].
func toOrchestraError(err error) *schema.OrchestraError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
