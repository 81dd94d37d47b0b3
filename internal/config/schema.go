package config

import (
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// workflowSchema is the structural contract checked before field-level
// validation. It pins the shapes that strict decoding alone cannot express
// (map-valued checks, string-keyed env) while leaving provider-specific keys
// open.
const workflowSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["checks"],
  "properties": {
    "version": {"type": "integer"},
    "ai_model": {"type": "string"},
    "ai_provider": {"type": "string"},
    "max_parallelism": {"type": "integer"},
    "fail_fast": {"type": "boolean"},
    "routing_budget": {"type": "integer"},
    "env": {"type": "object", "additionalProperties": {"type": "string"}},
    "output": {"type": "object"},
    "failure_conditions": {"type": "object"},
    "checks": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": {"type": "string", "minLength": 1},
          "depends_on": {"type": "array", "items": {"type": "string"}},
          "on": {"type": "array", "items": {"type": "string"}},
          "on_files": {"type": "array", "items": {"type": "string"}},
          "forEach": {"type": "boolean"},
          "tags": {"type": "array", "items": {"type": "string"}},
          "timeout_ms": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func validateSchema(b []byte) error {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = jsonschema.CompileString("workflow.schema.json", workflowSchema)
	})
	if schemaErr != nil {
		return fmt.Errorf("compile workflow schema: %w", schemaErr)
	}
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return err
	}
	if err := compiledSchema.Validate(normalizeForSchema(doc)); err != nil {
		return fmt.Errorf("workflow schema: %w", err)
	}
	return nil
}

// normalizeForSchema rewrites yaml.v3's map[string]any trees into the
// JSON-shaped values the validator expects; non-string keys are stringified.
func normalizeForSchema(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeForSchema(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeForSchema(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeForSchema(val)
		}
		return out
	default:
		return v
	}
}
