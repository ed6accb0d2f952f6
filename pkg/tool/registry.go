package tool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownTool is returned when a call names an unregistered tool.
	ErrUnknownTool = errors.New("tool not found")
	// ErrValidation wraps schema validation failures.
	ErrValidation = errors.New("validation failed")
)

// Registry keeps tools by name. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	validator Validator
}

// NewRegistry returns a registry that validates with SchemaValidator.
func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]Tool),
		validator: NewSchemaValidator(),
	}
}

// Register adds a tool. Names are unique.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return errors.New("tool is nil")
	}
	name := t.Name()
	if name == "" {
		return errors.New("tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = t
	return nil
}

// MustRegister registers every tool and panics on the first failure.
func (r *Registry) MustRegister(tools ...Tool) *Registry {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t, nil
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// SetValidator replaces the argument validator. Nil disables validation.
func (r *Registry) SetValidator(v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validator = v
}

// Execute validates params against the tool schema and runs it.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (*ToolResult, error) {
	t, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	validator := r.validator
	r.mu.RUnlock()

	if schema := t.Schema(); schema != nil && validator != nil {
		if err := validator.Validate(params, schema); err != nil {
			return nil, fmt.Errorf("tool %s: %w: %w", name, ErrValidation, err)
		}
	}
	return t.Execute(ctx, params)
}
