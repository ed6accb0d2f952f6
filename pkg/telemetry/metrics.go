package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	requests        metric.Int64Counter
	requestDuration metric.Float64Histogram
	toolCalls       metric.Int64Counter
	streamEvents    metric.Int64Counter
	streamWarnings  metric.Int64Counter
	polls           metric.Int64Counter
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	var (
		in  instruments
		err error
	)
	if in.requests, err = meter.Int64Counter("streamsdk.requests.total", metric.WithDescription("HTTP requests issued")); err != nil {
		return nil, err
	}
	if in.requestDuration, err = meter.Float64Histogram("streamsdk.request.duration", metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if in.toolCalls, err = meter.Int64Counter("streamsdk.tool.calls.total", metric.WithDescription("Tool calls dispatched")); err != nil {
		return nil, err
	}
	if in.streamEvents, err = meter.Int64Counter("streamsdk.stream.events.total", metric.WithDescription("Stream events merged")); err != nil {
		return nil, err
	}
	if in.streamWarnings, err = meter.Int64Counter("streamsdk.stream.warnings.total", metric.WithDescription("Recoverable assembly warnings")); err != nil {
		return nil, err
	}
	if in.polls, err = meter.Int64Counter("streamsdk.poll.fetches.total", metric.WithDescription("Lifecycle status fetches")); err != nil {
		return nil, err
	}
	return &in, nil
}

// RequestData describes one HTTP request.
type RequestData struct {
	Kind       string
	Method     string
	Path       string
	RequestID  string
	StatusCode int
	Duration   time.Duration
	Error      error
}

// RecordRequest counts a request and its latency.
func (m *Manager) RecordRequest(ctx context.Context, data RequestData) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(m.SanitizeAttributes(
		attribute.String("request.kind", data.Kind),
		attribute.String("http.method", data.Method),
		attribute.String("http.path", data.Path),
		attribute.Int("http.status_code", data.StatusCode),
		attribute.Bool("request.error", data.Error != nil),
	)...)
	m.metrics.requests.Add(ctx, 1, attrs)
	m.metrics.requestDuration.Record(ctx, float64(data.Duration)/float64(time.Millisecond), attrs)
}

// ToolData describes one dispatched tool call.
type ToolData struct {
	Name     string
	CallID   string
	Duration time.Duration
	Error    error
}

// RecordToolCall counts a tool invocation.
func (m *Manager) RecordToolCall(ctx context.Context, data ToolData) {
	if m == nil {
		return
	}
	m.metrics.toolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool.name", data.Name),
		attribute.Bool("tool.error", data.Error != nil),
	))
}

// StreamData summarizes one assembled stream.
type StreamData struct {
	Dialect  string
	Events   int
	Warnings int
	Status   string
	Error    error
}

// RecordStream counts merged events and warnings for a finished stream.
func (m *Manager) RecordStream(ctx context.Context, data StreamData) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("stream.dialect", data.Dialect),
		attribute.String("stream.status", data.Status),
		attribute.Bool("stream.error", data.Error != nil),
	)
	m.metrics.streamEvents.Add(ctx, int64(data.Events), attrs)
	if data.Warnings > 0 {
		m.metrics.streamWarnings.Add(ctx, int64(data.Warnings), attrs)
	}
}

// RecordPoll counts one lifecycle fetch and the status it returned.
func (m *Manager) RecordPoll(ctx context.Context, status string, err error) {
	if m == nil {
		return
	}
	m.metrics.polls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("poll.status", status),
		attribute.Bool("poll.error", err != nil),
	))
}
