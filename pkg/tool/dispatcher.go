package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/streamsdk-go/pkg/snapshot"
	"github.com/cexll/streamsdk-go/pkg/telemetry"
)

var (
	// ErrArgumentParse marks arguments that are not a JSON object.
	ErrArgumentParse = errors.New("tool arguments are not valid JSON")
	// ErrToolPanic marks a handler that panicked.
	ErrToolPanic = errors.New("tool panicked")
	// ErrOutputMismatch is returned when outputs do not pair one-to-one
	// with the pending calls.
	ErrOutputMismatch = errors.New("tool outputs do not match pending calls")
)

// Dispatcher resolves pending tool calls against a Registry.
type Dispatcher struct {
	registry    *Registry
	concurrency int
	logger      *slog.Logger
	telemetry   *telemetry.Manager
}

// DispatchOption configures a Dispatcher.
type DispatchOption func(*Dispatcher)

// WithConcurrency caps how many calls run at once. Zero or less means one
// goroutine per call.
func WithConcurrency(n int) DispatchOption {
	return func(d *Dispatcher) { d.concurrency = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) DispatchOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithTelemetry records tool calls on m instead of the default manager.
func WithTelemetry(m *telemetry.Manager) DispatchOption {
	return func(d *Dispatcher) { d.telemetry = m }
}

// NewDispatcher returns a dispatcher over reg.
func NewDispatcher(reg *Registry, opts ...DispatchOption) *Dispatcher {
	d := &Dispatcher{
		registry:  reg,
		logger:    slog.Default(),
		telemetry: telemetry.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.registry == nil {
		d.registry = NewRegistry()
	}
	return d
}

// Registry returns the underlying registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// ResolveAction resolves the calls of a required action.
func (d *Dispatcher) ResolveAction(ctx context.Context, action *snapshot.RequiredAction) ([]snapshot.ToolOutput, error) {
	return d.Resolve(ctx, action.Calls())
}

// Resolve runs every call and returns one output per call in call order.
// Individual failures are reported in that call's output as an error
// payload and never abort the batch. The returned error is non-nil only
// when ctx ended before the batch finished; the outputs are then incomplete
// and must not be submitted.
func (d *Dispatcher) Resolve(ctx context.Context, calls []snapshot.ToolCall) (_ []snapshot.ToolOutput, err error) {
	if len(calls) == 0 {
		return nil, nil
	}
	ctx, span := d.telemetry.StartSpan(ctx, "tool.resolve", trace.WithAttributes(attribute.Int("tool.calls", len(calls))))
	defer func() { telemetry.EndSpan(span, err) }()

	type result struct {
		idx int
		out snapshot.ToolOutput
	}

	outputs := make([]snapshot.ToolOutput, len(calls))
	results := make(chan result, len(calls))
	limit := d.concurrency
	if limit <= 0 || limit > len(calls) {
		limit = len(calls)
	}
	sem := make(chan struct{}, limit)

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results <- result{idx: i, out: failed(call, ctx.Err())}
				return
			}
			defer func() { <-sem }()
			results <- result{idx: i, out: d.invoke(ctx, call)}
		}()
	}
	wg.Wait()
	close(results)

	var failures int
	for r := range results {
		outputs[r.idx] = r.out
		if r.out.Err != nil {
			failures++
		}
	}
	span.SetAttributes(attribute.Int("tool.failures", failures))

	if ctxErr := ctx.Err(); ctxErr != nil {
		return outputs, fmt.Errorf("tool: resolve interrupted: %w", ctxErr)
	}
	return outputs, nil
}

func (d *Dispatcher) invoke(ctx context.Context, call snapshot.ToolCall) (out snapshot.ToolOutput) {
	start := time.Now()
	name := call.Function.Name
	logger := d.logger.With("tool", name, "call_id", call.ID)

	defer func() {
		if r := recover(); r != nil {
			out = failed(call, fmt.Errorf("%w: %v", ErrToolPanic, r))
		}
		d.telemetry.RecordToolCall(ctx, telemetry.ToolData{
			Name:     name,
			CallID:   call.ID,
			Duration: time.Since(start),
			Error:    out.Err,
		})
		if out.Err != nil {
			logger.Warn("tool call failed", "error", out.Err)
			return
		}
		logger.Debug("tool call finished", "duration", time.Since(start))
	}()

	if _, err := d.registry.Get(name); err != nil {
		return failed(call, err)
	}
	params, err := parseArguments(call.Function.Arguments)
	if err != nil {
		return failed(call, err)
	}
	res, err := d.registry.Execute(ctx, name, params)
	if err != nil {
		return failed(call, err)
	}
	output, err := render(res)
	if err != nil {
		return failed(call, err)
	}
	return snapshot.ToolOutput{ToolCallID: call.ID, Output: output}
}

func failed(call snapshot.ToolCall, err error) snapshot.ToolOutput {
	return snapshot.ToolOutput{ToolCallID: call.ID, Output: snapshot.ErrorPayload(err), Err: err}
}

func parseArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArgumentParse, err)
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}

func render(res *ToolResult) (string, error) {
	if res == nil {
		return "", nil
	}
	if res.Data == nil {
		return res.Output, nil
	}
	b, err := json.Marshal(res.Data)
	if err != nil {
		return "", fmt.Errorf("encode tool result: %w", err)
	}
	return string(b), nil
}

// ValidateOutputs checks that every pending call has exactly one output and
// that no output names an unknown call.
func ValidateOutputs(calls []snapshot.ToolCall, outputs []snapshot.ToolOutput) error {
	pending := make(map[string]int, len(calls))
	for _, c := range calls {
		pending[c.ID] = 0
	}

	var errs []error
	for _, o := range outputs {
		n, ok := pending[o.ToolCallID]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: unexpected output for %q", ErrOutputMismatch, o.ToolCallID))
			continue
		}
		if n == 1 {
			errs = append(errs, fmt.Errorf("%w: duplicate output for %q", ErrOutputMismatch, o.ToolCallID))
		}
		pending[o.ToolCallID] = n + 1
	}
	for _, c := range calls {
		if pending[c.ID] == 0 {
			errs = append(errs, fmt.Errorf("%w: missing output for %q", ErrOutputMismatch, c.ID))
		}
	}
	return errors.Join(errs...)
}
