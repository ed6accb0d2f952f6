// Package tool holds caller-supplied functions and resolves pending tool
// calls against them.
package tool

import "context"

// Tool is a function the model may call while an operation is paused.
type Tool interface {
	Name() string
	Description() string
	// Schema describes the accepted arguments. Nil skips validation.
	Schema() *JSONSchema
	Execute(ctx context.Context, params map[string]any) (*ToolResult, error)
}

// JSONSchema is the parameter shape advertised for a tool.
type JSONSchema struct {
	Type                 string         `json:"type"`
	Properties           map[string]any `json:"properties,omitempty"`
	Required             []string       `json:"required,omitempty"`
	AdditionalProperties *bool          `json:"additionalProperties,omitempty"`
}

// ToolResult is what a tool produced. Data, when set, is serialized to JSON
// and takes precedence over Output.
type ToolResult struct {
	Success bool
	Output  string
	Data    any
}
