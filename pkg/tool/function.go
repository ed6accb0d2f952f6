package tool

import (
	"context"
	"errors"
)

// HandlerFunc receives decoded arguments and returns any JSON-serializable
// value. A string is used as the output verbatim.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// Function adapts a plain handler to Tool.
type Function struct {
	FuncName   string
	Desc       string
	Parameters *JSONSchema
	Handler    HandlerFunc
}

// NewFunction builds a Function tool.
func NewFunction(name, description string, params *JSONSchema, handler HandlerFunc) *Function {
	return &Function{FuncName: name, Desc: description, Parameters: params, Handler: handler}
}

func (f *Function) Name() string        { return f.FuncName }
func (f *Function) Description() string { return f.Desc }
func (f *Function) Schema() *JSONSchema { return f.Parameters }

func (f *Function) Execute(ctx context.Context, params map[string]any) (*ToolResult, error) {
	if f.Handler == nil {
		return nil, errors.New("function handler is nil")
	}
	v, err := f.Handler(ctx, params)
	if err != nil {
		return nil, err
	}
	switch val := v.(type) {
	case string:
		return &ToolResult{Success: true, Output: val}, nil
	case *ToolResult:
		return val, nil
	default:
		return &ToolResult{Success: true, Data: val}, nil
	}
}
