package definition

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/droverhq/drover/pkg/schema"
)

// processSchemaJSON is the JSON Schema for process definition documents.
// Embedded as a constant to avoid filesystem dependencies. Step ids are
// lowercase-hyphen so they stay addressable in {{steps.<id>...}} paths.
const processSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://droverhq.dev/schemas/process.json",
  "type": "object",
  "required": ["name", "version", "steps"],
  "properties": {
    "name": {
      "type": "string",
      "pattern": "^[a-z][a-z0-9-]*$"
    },
    "version": {
      "type": "string",
      "pattern": "^[0-9A-Za-z][0-9A-Za-z_.-]*$"
    },
    "description": { "type": "string" },
    "triggers": {
      "type": "array",
      "items": { "$ref": "#/$defs/trigger" }
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "outputs": {
      "type": "array",
      "items": { "$ref": "#/$defs/output" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {
          "type": "string",
          "pattern": "^[a-z][a-z0-9-]*$"
        },
        "name": { "type": "string" },
        "type": {
          "type": "string",
          "enum": ["agent_task", "human_approval", "gateway", "timer"]
        },
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        },
        "condition": { "type": "string", "minLength": 1 },
        "on_dependency_failure": {
          "type": "string",
          "enum": ["fail", "proceed", "skip"]
        },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout": { "$ref": "#/$defs/duration" },
        "agent": { "type": "string" },
        "message": { "type": "string" },
        "title": { "type": "string" },
        "description": { "type": "string" },
        "timeout_action": {
          "type": "string",
          "enum": ["approve", "reject", "skip"]
        },
        "conditions": {
          "type": "array",
          "items": { "$ref": "#/$defs/gateway_condition" }
        },
        "duration": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "gateway_condition": {
      "type": "object",
      "required": ["next"],
      "properties": {
        "expression": { "type": "string" },
        "default": { "type": "boolean" },
        "next": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "max_attempts": {
          "type": "integer",
          "minimum": 1
        },
        "delay": { "$ref": "#/$defs/duration" },
        "backoff": {
          "type": "string",
          "enum": ["linear", "exponential"]
        },
        "retry_on_business": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "trigger": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["schedule", "manual"]
        },
        "cron": { "type": "string" },
        "timezone": { "type": "string" },
        "input": { "type": "object" }
      },
      "additionalProperties": false
    },
    "output": {
      "type": "object",
      "required": ["name", "value"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "value": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(d|h|m|s|ms))+$"
    }
  }
}`

// structuralValidator checks definitions against the embedded JSON Schema.
// Safe for concurrent use once constructed.
type structuralValidator struct {
	processSchema *jsonschema.Schema
}

func newStructuralValidator() (*structuralValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(processSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal process schema: %w", err)
	}
	if err := c.AddResource("https://droverhq.dev/schemas/process.json", doc); err != nil {
		return nil, fmt.Errorf("add process schema resource: %w", err)
	}

	compiled, err := c.Compile("https://droverhq.dev/schemas/process.json")
	if err != nil {
		return nil, fmt.Errorf("compile process schema: %w", err)
	}

	return &structuralValidator{processSchema: compiled}, nil
}

// validate runs the schema over the JSON form of the definition, one issue
// per violation with its instance location as the path.
func (v *structuralValidator) validate(def *schema.ProcessDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "definition does not serialize: "+err.Error())
		return result
	}

	err = v.processSchema.Validate(doc)
	if err == nil {
		return result
	}

	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	for _, viol := range collectViolations(verr) {
		result.AddError(viol.path, schema.ErrCodeValidation, viol.message)
	}
	return result
}

type violation struct {
	path    string
	message string
}

// collectViolations walks a ValidationError tree and keeps leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: loc, message: verr.Error()}}
	}

	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}
