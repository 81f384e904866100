package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"squadron/internal/domain"
)

// SchemaValidatingTool wraps a Tool with JSON Schema validation of its
// arguments. Invalid arguments become an error result the model can read
// and correct; the inner tool is not called.
type SchemaValidatingTool struct {
	inner  domain.Tool
	schema *jsonschema.Schema
}

// WithSchemaValidation wraps t. A tool without parameters is returned as is.
func WithSchemaValidation(t domain.Tool) (domain.Tool, error) {
	raw := t.Schema().Parameters
	if len(raw) == 0 || string(raw) == "null" {
		return t, nil
	}
	compiled, err := CompileSchema(raw)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", t.Name(), err)
	}
	return &SchemaValidatingTool{inner: t, schema: compiled}, nil
}

// CompileSchema compiles a JSON Schema document.
func CompileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	return jsonschema.NewCompiler().Compile([]byte(raw))
}

// ValidateValue checks a decoded JSON value against schema.
func ValidateValue(schema *jsonschema.Schema, v any) error {
	result := schema.Validate(v)
	if !result.IsValid() {
		return fmt.Errorf("%s", result.Error())
	}
	return nil
}

func (s *SchemaValidatingTool) Name() string              { return s.inner.Name() }
func (s *SchemaValidatingTool) Description() string       { return s.inner.Description() }
func (s *SchemaValidatingTool) Schema() domain.ToolSchema { return s.inner.Schema() }

func (s *SchemaValidatingTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	var v any
	if err := json.Unmarshal(params, &v); err != nil {
		return &domain.ToolResult{IsError: true, Content: fmt.Sprintf("invalid JSON: %v", err)}, nil
	}
	if err := ValidateValue(s.schema, v); err != nil {
		return &domain.ToolResult{IsError: true, Content: fmt.Sprintf("schema validation failed: %v", err)}, nil
	}
	return s.inner.Execute(ctx, params)
}
