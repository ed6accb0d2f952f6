// Package telemetry wires OpenTelemetry tracing and metrics for stream
// assembly, lifecycle polling and tool dispatch, and masks secrets before
// they reach span attributes.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/cexll/streamsdk-go"

// Config configures a Manager. Nil providers are created and owned by the
// Manager, which then shuts them down.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// OTLPEndpoint, when set, exports spans over OTLP/HTTP (host:port).
	// Ignored when TracerProvider is supplied.
	OTLPEndpoint string
	OTLPInsecure bool

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	Filter FilterConfig
}

// Manager owns the tracer, meter instruments and masking filter.
type Manager struct {
	tracer  trace.Tracer
	filter  *filter
	metrics *instruments

	ownedTracer *sdktrace.TracerProvider
	ownedMeter  *sdkmetric.MeterProvider
	exporter    *otlptrace.Exporter
}

var defaultManager atomic.Pointer[Manager]

// NewManager builds a Manager from cfg.
func NewManager(cfg Config) (*Manager, error) {
	f, err := newFilter(cfg.Filter)
	if err != nil {
		return nil, err
	}
	m := &Manager{filter: f}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)
	tp := cfg.TracerProvider
	if tp == nil {
		opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
		if cfg.OTLPEndpoint != "" {
			exp, err := newExporter(cfg)
			if err != nil {
				return nil, err
			}
			m.exporter = exp
			opts = append(opts, sdktrace.WithBatcher(exp))
		}
		m.ownedTracer = sdktrace.NewTracerProvider(opts...)
		tp = m.ownedTracer
	}
	mp := cfg.MeterProvider
	if mp == nil {
		m.ownedMeter = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		mp = m.ownedMeter
	}

	m.tracer = tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	m.metrics, err = newInstruments(mp.Meter(instrumentationName, metric.WithInstrumentationVersion(cfg.ServiceVersion)))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create instruments: %w", err)
	}
	return m, nil
}

func newExporter(cfg Config) (*otlptrace.Exporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create otlp exporter: %w", err)
	}
	return exp, nil
}

// Shutdown flushes and stops providers the Manager created.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	var errs []error
	if m.ownedTracer != nil {
		errs = append(errs, m.ownedTracer.Shutdown(ctx))
	}
	if m.ownedMeter != nil {
		errs = append(errs, m.ownedMeter.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// SetDefault installs m for the package-level helpers. Nil clears it.
func SetDefault(m *Manager) { defaultManager.Store(m) }

// Default returns the installed Manager, or nil.
func Default() *Manager { return defaultManager.Load() }

// StartSpan starts a span on m's tracer.
func (m *Manager) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if m == nil {
		return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
	}
	return m.tracer.Start(ctx, name, opts...)
}

// StartSpan starts a span on the default Manager, falling back to the
// global tracer provider.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Default().StartSpan(ctx, name, opts...)
}

// EndSpan records err on span and ends it.
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
