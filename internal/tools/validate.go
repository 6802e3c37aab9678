package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateArgs checks model-provided arguments against a tool's
// declared JSON schema, then enforces that required string fields are
// non-empty (schemas rarely say minLength but an empty path or command
// is always a model mistake).
func ValidateArgs(schema json.RawMessage, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	if len(schema) == 0 {
		return nil
	}

	compiled, err := jsonschema.CompileString("schema.json", string(schema))
	if err != nil {
		// A malformed schema is the tool author's bug, not the
		// model's; skip structural validation but still check
		// required strings below.
		compiled = nil
	}
	if compiled != nil {
		if err := compiled.Validate(normalizeForValidation(args)); err != nil {
			return fmt.Errorf("schema validation failed: %v", compactValidationError(err))
		}
	}

	var meta struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &meta); err == nil {
		for _, name := range meta.Required {
			if v, ok := args[name]; ok {
				if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
					return fmt.Errorf("required field %q is empty", name)
				}
			}
		}
	}
	return nil
}

// normalizeForValidation round-trips args through JSON so numeric
// types match what the validator expects.
func normalizeForValidation(args map[string]any) any {
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return args
	}
	return v
}

// compactValidationError flattens the validator's multi-line cause
// tree into one line for the model.
func compactValidationError(err error) string {
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
		if loc == "" {
			return leaf.Message
		}
		return fmt.Sprintf("%s: %s", loc, leaf.Message)
	}
	return err.Error()
}
