package registry

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/tooldock/tooldock/pkg/apperror"
)

// compiledSchema wraps a resolved JSON Schema for argument validation.
// Schemas are compiled once at registration and reused on every call.
type compiledSchema struct {
	resolved *jsonschema.Resolved
}

// strictSchema returns a copy of raw with additionalProperties forced to
// false when the author left it unset. Unknown fields are always rejected.
func strictSchema(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw)+1)
	for k, v := range raw {
		out[k] = v
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	if _, ok := out["additionalProperties"]; !ok {
		out["additionalProperties"] = false
	}
	return out
}

func compileSchema(raw map[string]any) (*compiledSchema, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}

	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve schema: %w", err)
	}

	return &compiledSchema{resolved: resolved}, nil
}

// validate checks arguments against the schema, mapping failures to the
// validation_error taxonomy entry with the offending detail.
func (s *compiledSchema) validate(args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	if err := s.resolved.Validate(args); err != nil {
		return apperror.NewValidation("Arguments failed schema validation",
			map[string]any{"error": err.Error()})
	}
	return nil
}
