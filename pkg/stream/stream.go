// Package stream drains an event source into a merge accumulator.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/streamsdk-go/pkg/merge"
	"github.com/cexll/streamsdk-go/pkg/snapshot"
	"github.com/cexll/streamsdk-go/pkg/telemetry"
)

// Source yields merge events and io.EOF at the end. *sse.Decoder and
// *anthropic.Source satisfy it.
type Source interface {
	Next(ctx context.Context) (merge.Event, error)
	// Terminated reports whether the server signalled a clean end.
	Terminated() bool
	Dialect() string
	Close() error
}

// Stream is a pull iterator: every Next merges one event and the assembled
// snapshot is available at any point.
type Stream struct {
	id        string
	src       Source
	acc       *merge.Accumulator
	logger    *slog.Logger
	telemetry *telemetry.Manager
	base      *snapshot.Response
	onEvent   func(merge.Event, *merge.Accumulator)

	finished bool
	closed   bool
	err      error
}

// Option configures a Stream.
type Option func(*Stream)

// WithLogger sets the logger for the stream and its accumulator.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stream) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTelemetry records stream metrics on m instead of the default manager.
func WithTelemetry(m *telemetry.Manager) Option {
	return func(s *Stream) { s.telemetry = m }
}

// WithBase resumes assembly from an existing snapshot.
func WithBase(base *snapshot.Response) Option {
	return func(s *Stream) { s.base = base }
}

// WithID overrides the generated stream id.
func WithID(id string) Option {
	return func(s *Stream) {
		if id != "" {
			s.id = id
		}
	}
}

// OnEvent registers a callback run after each merged event.
func OnEvent(fn func(merge.Event, *merge.Accumulator)) Option {
	return func(s *Stream) { s.onEvent = fn }
}

// New wraps src.
func New(src Source, opts ...Option) *Stream {
	s := &Stream{id: uuid.NewString(), src: src, logger: slog.Default(), telemetry: telemetry.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("stream_id", s.id, "dialect", src.Dialect())
	s.acc = merge.NewAccumulatorFrom(s.base, merge.WithLogger(s.logger), merge.WithStreamID(s.id))
	return s
}

// ID identifies the stream in logs.
func (s *Stream) ID() string { return s.id }

// Next merges one event and returns it. At the end of the stream it seals
// the snapshot and returns io.EOF. Fatal merge errors discard the snapshot
// and close the source.
func (s *Stream) Next(ctx context.Context) (merge.Event, error) {
	if s.err != nil {
		return merge.Event{}, s.err
	}
	if s.finished {
		return merge.Event{}, io.EOF
	}
	ev, err := s.src.Next(ctx)
	if errors.Is(err, io.EOF) {
		s.finished = true
		if ferr := s.acc.Finish(s.src.Terminated()); ferr != nil {
			return merge.Event{}, s.fail(ctx, ferr)
		}
		s.record(ctx, nil)
		return merge.Event{}, io.EOF
	}
	if err != nil {
		return merge.Event{}, s.fail(ctx, err)
	}
	if err := s.acc.Apply(ev); err != nil {
		return merge.Event{}, s.fail(ctx, err)
	}
	if s.onEvent != nil {
		s.onEvent(ev, s.acc)
	}
	return ev, nil
}

func (s *Stream) fail(ctx context.Context, err error) error {
	s.err = err
	if cerr := s.Close(); cerr != nil {
		s.logger.Debug("close stream source", "error", cerr)
	}
	s.record(ctx, err)
	return err
}

func (s *Stream) record(ctx context.Context, err error) {
	s.telemetry.RecordStream(ctx, telemetry.StreamData{
		Dialect:  s.src.Dialect(),
		Events:   s.acc.Events(),
		Warnings: len(s.acc.Warnings()),
		Status:   string(s.acc.Status()),
		Error:    err,
	})
}

// Snapshot returns a copy of the assembled state, nil after a fatal error.
func (s *Stream) Snapshot() *snapshot.Response { return s.acc.Snapshot() }

// Warnings lists recoverable assembly problems.
func (s *Stream) Warnings() []merge.Warning { return s.acc.Warnings() }

// Err returns the error that stopped the stream, if any.
func (s *Stream) Err() error { return s.err }

// Close releases the source. Only the first call reaches it.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.src.Close()
}

// Assemble drains src and returns the sealed snapshot.
func Assemble(ctx context.Context, src Source, opts ...Option) (_ *snapshot.Response, err error) {
	s := New(src, opts...)
	ctx, span := s.telemetry.StartSpan(ctx, "stream.assemble",
		trace.WithAttributes(
			attribute.String("stream.id", s.id),
			attribute.String("stream.dialect", src.Dialect()),
		),
	)
	defer func() { telemetry.EndSpan(span, err) }()
	defer s.Close()

	for {
		if _, err = s.Next(ctx); err != nil {
			break
		}
	}
	if !errors.Is(err, io.EOF) {
		return nil, err
	}
	err = nil
	snap := s.Snapshot()
	span.SetAttributes(
		attribute.String("response.id", snap.ID),
		attribute.String("response.status", string(snap.Status)),
		attribute.Int("stream.warnings", len(s.Warnings())),
	)
	return snap, nil
}
