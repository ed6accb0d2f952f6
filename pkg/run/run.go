// Package run drives a paused operation to completion: it polls, answers
// tool calls from a registry, resubmits, and polls again.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/streamsdk-go/pkg/client"
	"github.com/cexll/streamsdk-go/pkg/config"
	"github.com/cexll/streamsdk-go/pkg/lifecycle"
	"github.com/cexll/streamsdk-go/pkg/snapshot"
	"github.com/cexll/streamsdk-go/pkg/sse"
	"github.com/cexll/streamsdk-go/pkg/stream"
	"github.com/cexll/streamsdk-go/pkg/telemetry"
	"github.com/cexll/streamsdk-go/pkg/tool"
)

// ErrMaxToolRounds is returned when the operation keeps asking for tool
// outputs past the configured number of rounds.
var ErrMaxToolRounds = errors.New("run: too many tool rounds")

// API is the server surface the Runner needs. *client.Client implements it.
type API interface {
	Retrieve(ctx context.Context, t client.Target) (*snapshot.Response, error)
	Cancel(ctx context.Context, t client.Target) (*snapshot.Response, error)
	SubmitToolOutputs(ctx context.Context, t client.Target, outputs []snapshot.ToolOutput) (*snapshot.Response, error)
	SubmitToolOutputsStream(ctx context.Context, t client.Target, outputs []snapshot.ToolOutput, dialect sse.Dialect) (*sse.Decoder, error)
}

// Runner is safe for concurrent use across operations.
type Runner struct {
	api         API
	dispatcher  *tool.Dispatcher
	maxRounds   int
	concurrency int
	pollOpts    []lifecycle.Option
	streamOpts  []stream.Option
	logger      *slog.Logger
	telemetry   *telemetry.Manager
}

// Option configures a Runner.
type Option func(*Runner)

// WithMaxToolRounds bounds how many times tool outputs are submitted.
func WithMaxToolRounds(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxRounds = n
		}
	}
}

// WithConcurrency caps concurrent tool calls within one round.
func WithConcurrency(n int) Option {
	return func(r *Runner) { r.concurrency = n }
}

// WithPollOptions appends lifecycle options used by every wait.
func WithPollOptions(opts ...lifecycle.Option) Option {
	return func(r *Runner) { r.pollOpts = append(r.pollOpts, opts...) }
}

// WithStreamOptions appends options for streamed resumes.
func WithStreamOptions(opts ...stream.Option) Option {
	return func(r *Runner) { r.streamOpts = append(r.streamOpts, opts...) }
}

// WithConfig applies the poll and tool sections of cfg.
func WithConfig(cfg *config.Settings) Option {
	return func(r *Runner) {
		if cfg == nil {
			return
		}
		WithMaxToolRounds(cfg.Tools.MaxRounds)(r)
		r.concurrency = cfg.Tools.Concurrency
		r.pollOpts = append(r.pollOpts,
			lifecycle.WithInterval(cfg.Poll.Interval),
			lifecycle.WithTimeout(cfg.Poll.Timeout),
			lifecycle.WithMaxPolls(cfg.Poll.MaxPolls),
		)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTelemetry records on m instead of the default manager.
func WithTelemetry(m *telemetry.Manager) Option {
	return func(r *Runner) { r.telemetry = m }
}

// New builds a Runner answering tool calls from reg.
func New(api API, reg *tool.Registry, opts ...Option) *Runner {
	r := &Runner{
		api:       api,
		maxRounds: config.DefaultMaxToolRound,
		logger:    slog.Default(),
		telemetry: telemetry.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.dispatcher = tool.NewDispatcher(reg,
		tool.WithConcurrency(r.concurrency),
		tool.WithLogger(r.logger),
		tool.WithTelemetry(r.telemetry),
	)
	r.pollOpts = append([]lifecycle.Option{lifecycle.WithLogger(r.logger), lifecycle.WithTelemetry(r.telemetry)}, r.pollOpts...)
	r.streamOpts = append([]stream.Option{stream.WithLogger(r.logger), stream.WithTelemetry(r.telemetry)}, r.streamOpts...)
	return r
}

// Dispatcher returns the tool dispatcher.
func (r *Runner) Dispatcher() *tool.Dispatcher { return r.dispatcher }

// Run polls t until it stops, answering tool calls along the way, and
// returns the final snapshot. A response target is followed across the
// new responses each submission creates.
func (r *Runner) Run(ctx context.Context, t client.Target) (_ *snapshot.Response, err error) {
	ctx, span := r.telemetry.StartSpan(ctx, "run.drive", trace.WithAttributes(
		attribute.String("run.kind", string(t.Kind)),
		attribute.String("run.target", t.String()),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	for round := 0; ; round++ {
		snap, err := lifecycle.WaitForTerminal(ctx, func(ctx context.Context) (*snapshot.Response, error) {
			return r.api.Retrieve(ctx, t)
		}, r.pollOpts...)
		if err != nil {
			return nil, err
		}
		if !needsTools(t.Kind, snap) {
			span.SetAttributes(attribute.Int("run.tool_rounds", round), attribute.String("run.status", string(snap.Status)))
			return snap, nil
		}
		if round >= r.maxRounds {
			return snap, fmt.Errorf("%w: %d", ErrMaxToolRounds, r.maxRounds)
		}

		outputs, err := r.Resolve(ctx, snap)
		if err != nil {
			return snap, err
		}
		next, err := r.api.SubmitToolOutputs(ctx, t, outputs)
		if err != nil {
			return snap, fmt.Errorf("run: submit tool outputs: %w", err)
		}
		if next != nil && next.ID != "" && next.ID != t.ID {
			r.logger.Debug("following continuation", "from", t.ID, "to", next.ID)
			t = t.WithID(next.ID)
		}
	}
}

// Resolve answers every pending call of snap and checks the outputs pair
// one-to-one with the calls.
func (r *Runner) Resolve(ctx context.Context, snap *snapshot.Response) ([]snapshot.ToolOutput, error) {
	calls := snap.PendingCalls()
	outputs, err := r.dispatcher.Resolve(ctx, calls)
	if err != nil {
		return nil, err
	}
	if err := tool.ValidateOutputs(calls, outputs); err != nil {
		return nil, err
	}
	r.logger.Info("tool outputs ready", "response_id", snap.ID, "calls", len(calls))
	return outputs, nil
}

// Cancel requests cancellation of t and waits for it to settle.
func (r *Runner) Cancel(ctx context.Context, t client.Target) (*snapshot.Response, error) {
	return lifecycle.CancelAndWait(ctx,
		func(ctx context.Context) (*snapshot.Response, error) { return r.api.Cancel(ctx, t) },
		func(ctx context.Context) (*snapshot.Response, error) { return r.api.Retrieve(ctx, t) },
		r.pollOpts...,
	)
}

// SubmitStream resumes t with outputs over the streaming endpoint and
// assembles the continuation. For runs the stream continues base; a
// response continuation starts from an empty snapshot.
func (r *Runner) SubmitStream(ctx context.Context, t client.Target, base *snapshot.Response, outputs []snapshot.ToolOutput) (*snapshot.Response, error) {
	opts := r.streamOpts
	dialect := client.DialectFor(t.Kind)
	if t.Kind == client.KindRun && base != nil {
		opts = append(append([]stream.Option(nil), opts...), stream.WithBase(base))
		dialect = sse.NewRunsFrom(base)
	}
	dec, err := r.api.SubmitToolOutputsStream(ctx, t, outputs, dialect)
	if err != nil {
		return nil, fmt.Errorf("run: submit tool outputs: %w", err)
	}
	return stream.Assemble(ctx, dec, opts...)
}

// ResumeStream keeps answering tool calls over streaming submissions until
// snap no longer needs tools.
func (r *Runner) ResumeStream(ctx context.Context, t client.Target, snap *snapshot.Response) (*snapshot.Response, error) {
	for round := 0; needsTools(t.Kind, snap); round++ {
		if round >= r.maxRounds {
			return snap, fmt.Errorf("%w: %d", ErrMaxToolRounds, r.maxRounds)
		}
		outputs, err := r.Resolve(ctx, snap)
		if err != nil {
			return snap, err
		}
		next, err := r.SubmitStream(ctx, t, snap, outputs)
		if err != nil {
			return snap, err
		}
		if next.ID != "" && next.ID != t.ID {
			t = t.WithID(next.ID)
		}
		snap = next
	}
	return snap, nil
}

// needsTools reports whether snap waits on tool outputs. Runs pause in
// requires_action; responses complete with unanswered function calls.
func needsTools(kind client.Kind, snap *snapshot.Response) bool {
	if snap == nil {
		return false
	}
	if snap.Status == snapshot.StatusRequiresAction {
		return len(snap.PendingCalls()) > 0
	}
	return kind == client.KindResponse && snap.Status == snapshot.StatusCompleted && len(snap.FunctionCalls()) > 0
}
