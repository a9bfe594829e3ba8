package graph

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaSource exposes the JSON schema of each registered node type.
type SchemaSource interface {
	ActionSchema(kind string) (map[string]any, bool)
}

// checkSchema validates config against a JSON schema and returns one message per violation.
func checkSchema(schema map[string]any, config map[string]any) ([]string, error) {
	if config == nil {
		config = map[string]any{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(config))
	if err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	if result.Valid() {
		return nil, nil
	}

	messages := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		messages = append(messages, strings.TrimPrefix(desc.String(), "(root): "))
	}

	return messages, nil
}

var conditionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"field":      map[string]any{"type": "string", "minLength": 1},
		"operator":   map[string]any{"type": "string", "enum": []any{"eq", "ne", "gt", "lt", "contains", "in"}},
		"expression": map[string]any{"type": "string", "minLength": 1},
		"match":      map[string]any{"type": "string", "enum": []any{"all", "any"}},
		"conditions": map[string]any{
			"type":     "array",
			"minItems": 1,
			"items": map[string]any{
				"type":     "object",
				"required": []any{"field", "operator"},
			},
		},
	},
}

var capabilitySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"prompt": map[string]any{"type": "string"},
		"target": map[string]any{"type": "string"},
	},
}
