package tool

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator checks tool arguments against a schema.
type Validator interface {
	Validate(params map[string]any, schema *JSONSchema) error
}

// SchemaValidator validates with JSON Schema. Compiled schemas are cached
// per *JSONSchema, so schemas must not be mutated after first use.
type SchemaValidator struct {
	mu       sync.Mutex
	compiled map[*JSONSchema]*jsonschema.Schema
}

// NewSchemaValidator returns an empty validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{compiled: make(map[*JSONSchema]*jsonschema.Schema)}
}

// Validate implements Validator.
func (v *SchemaValidator) Validate(params map[string]any, schema *JSONSchema) error {
	if schema == nil {
		return nil
	}
	compiled, err := v.compile(schema)
	if err != nil {
		return err
	}
	var payload any = params
	if params == nil {
		payload = map[string]any{}
	}
	return compiled.Validate(payload)
}

func (v *SchemaValidator) compile(schema *JSONSchema) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.compiled[schema]; ok {
		return s, nil
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.compiled[schema] = s
	return s, nil
}
