package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/cexll/streamsdk-go/pkg/merge"
	"github.com/cexll/streamsdk-go/pkg/snapshot"
	"github.com/cexll/streamsdk-go/pkg/sse"
	"github.com/cexll/streamsdk-go/pkg/telemetry"
)

func chatBody(chunks ...string) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString("data: " + c + "\n\n")
	}
	return b.String()
}

var helloChunks = []string{
	`{"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
	`{"id":"c1","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
	`{"id":"c1","choices":[{"index":0,"delta":{"content":"!"}}]}`,
	`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	`[DONE]`,
}

type closeTracker struct {
	*sse.Decoder
	closed int
}

func (c *closeTracker) Close() error {
	c.closed++
	return c.Decoder.Close()
}

func TestAssemble(t *testing.T) {
	src := sse.FromReader(strings.NewReader(chatBody(helloChunks...)), sse.NewChat())
	snap, err := Assemble(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, "c1", snap.ID)
	require.Equal(t, "Hello!", snap.OutputText())
	require.Equal(t, snapshot.StatusCompleted, snap.Status)
}

func TestNextExposesPartialSnapshots(t *testing.T) {
	s := New(sse.FromReader(strings.NewReader(chatBody(helloChunks...)), sse.NewChat()), WithID("stream-1"))
	require.Equal(t, "stream-1", s.ID())

	var texts []string
	for {
		ev, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if ev.Kind == merge.KindDelta {
			texts = append(texts, s.Snapshot().OutputText())
		}
	}
	require.Equal(t, []string{"Hel", "Hello", "Hello!"}, texts)
	_, err := s.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestFatalErrorDiscardsSnapshot(t *testing.T) {
	body := chatBody(
		`{"id":"c1","choices":[{"index":0,"delta":{"content":"a"}}]}`,
		`{"id":"c2","choices":[{"index":0,"delta":{"content":"b"}}]}`,
	)
	src := &closeTracker{Decoder: sse.FromReader(strings.NewReader(body), sse.NewChat())}
	snap, err := Assemble(context.Background(), src)
	require.ErrorIs(t, err, merge.ErrInvariantViolation)
	require.Nil(t, snap)
	require.Equal(t, 1, src.closed)
}

func TestCloseReachesSourceOnce(t *testing.T) {
	src := &closeTracker{Decoder: sse.FromReader(strings.NewReader(chatBody(helloChunks...)), sse.NewChat())}
	s := New(src)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.Equal(t, 1, src.closed)

	failing := &closeTracker{Decoder: sse.FromReader(strings.NewReader("event: error\ndata: {\"message\":\"boom\"}\n\n"), sse.Responses{})}
	_, err := Assemble(context.Background(), failing)
	require.Error(t, err)
	require.Equal(t, 1, failing.closed)
}

func TestTransportErrorPropagates(t *testing.T) {
	body := "event: error\ndata: {\"type\":\"error\",\"message\":\"boom\"}\n\n"
	_, err := Assemble(context.Background(), sse.FromReader(strings.NewReader(body), sse.Responses{}))
	var se *sse.StreamError
	require.ErrorAs(t, err, &se)
}

func TestResumeFromBase(t *testing.T) {
	base := &snapshot.Response{ID: "run_1", Object: "thread.run", Status: snapshot.StatusRequiresAction}
	body := "event: thread.run.in_progress\ndata: {\"id\":\"run_1\",\"status\":\"in_progress\"}\n\n" +
		"event: thread.run.completed\ndata: {\"id\":\"run_1\",\"status\":\"completed\"}\n\n" +
		"event: done\ndata: [DONE]\n\n"

	var kinds []merge.Kind
	snap, err := Assemble(context.Background(), sse.FromReader(strings.NewReader(body), sse.NewRuns()),
		WithBase(base),
		OnEvent(func(ev merge.Event, _ *merge.Accumulator) { kinds = append(kinds, ev.Kind) }),
	)
	require.NoError(t, err)
	require.Equal(t, snapshot.StatusCompleted, snap.Status)
	require.Equal(t, "thread.run", snap.Object)
	require.Equal(t, []merge.Kind{merge.KindAdded, merge.KindCompleted}, kinds)
	require.Equal(t, snapshot.StatusRequiresAction, base.Status, "base is not mutated")
}

func TestAssembleRecordsTelemetry(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	exporter := tracetest.NewInMemoryExporter()
	mgr, err := telemetry.NewManager(telemetry.Config{
		ServiceName:    "stream-test",
		MeterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter))),
	})
	require.NoError(t, err)

	src := sse.FromReader(strings.NewReader(chatBody(helloChunks...)), sse.NewChat())
	_, err = Assemble(context.Background(), src, WithTelemetry(mgr))
	require.NoError(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "stream.assemble", spans[0].Name)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var events int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name == "streamsdk.stream.events.total" {
				events = m.Data.(metricdata.Sum[int64]).DataPoints[0].Value
			}
		}
	}
	require.Greater(t, events, int64(0))
}
