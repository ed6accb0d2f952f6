package tool

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cexll/streamsdk-go/pkg/snapshot"
)

func call(id, name, args string) snapshot.ToolCall {
	return snapshot.ToolCall{ID: id, Type: "function", Function: snapshot.FunctionRef{Name: name, Arguments: args}}
}

func weatherTool() *Function {
	return NewFunction("get_weather", "current weather", citySchema(), func(_ context.Context, args map[string]any) (any, error) {
		return map[string]any{"city": args["city"], "temp_c": 21}, nil
	})
}

func errorMessage(t *testing.T, output string) string {
	t.Helper()
	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(output), &payload))
	return payload["error"]
}

func TestResolveMixedBatch(t *testing.T) {
	reg := NewRegistry().MustRegister(weatherTool())
	d := NewDispatcher(reg)

	action := &snapshot.RequiredAction{
		Type: snapshot.RequiredActionSubmitToolOutputs,
		SubmitToolOutputs: snapshot.SubmitToolOutputs{ToolCalls: []snapshot.ToolCall{
			call("call_1", "get_weather", `{"city":"Oslo"}`),
			call("call_2", "book_flight", `{"to":"SFO"}`),
		}},
	}

	outputs, err := d.ResolveAction(context.Background(), action)
	require.NoError(t, err)
	require.Len(t, outputs, 2)

	require.Equal(t, "call_1", outputs[0].ToolCallID)
	require.NoError(t, outputs[0].Err)
	require.JSONEq(t, `{"city":"Oslo","temp_c":21}`, outputs[0].Output)

	require.Equal(t, "call_2", outputs[1].ToolCallID)
	require.ErrorIs(t, outputs[1].Err, ErrUnknownTool)
	require.Contains(t, errorMessage(t, outputs[1].Output), "book_flight")

	require.NoError(t, ValidateOutputs(action.Calls(), outputs))
}

func TestResolveFailuresBecomePayloads(t *testing.T) {
	reg := NewRegistry().MustRegister(
		weatherTool(),
		NewFunction("explode", "", nil, func(context.Context, map[string]any) (any, error) {
			panic("kaboom")
		}),
		NewFunction("fail", "", nil, func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("upstream unavailable")
		}),
		NewFunction("echo", "", nil, func(_ context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		}),
	)
	d := NewDispatcher(reg)

	tests := []struct {
		name    string
		call    snapshot.ToolCall
		wantErr error
		wantMsg string
		want    string
	}{
		{name: "malformed arguments", call: call("c1", "get_weather", `{"city":`), wantErr: ErrArgumentParse},
		{name: "schema violation", call: call("c2", "get_weather", `{"days":3}`), wantErr: ErrValidation},
		{name: "panic captured", call: call("c3", "explode", `{}`), wantErr: ErrToolPanic, wantMsg: "kaboom"},
		{name: "handler error", call: call("c4", "fail", ``), wantMsg: "upstream unavailable"},
		{name: "string result verbatim", call: call("c5", "echo", `{"text":"hi"}`), want: "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outputs, err := d.Resolve(context.Background(), []snapshot.ToolCall{tt.call})
			require.NoError(t, err)
			require.Len(t, outputs, 1)
			out := outputs[0]
			require.Equal(t, tt.call.ID, out.ToolCallID)
			if tt.want != "" {
				require.NoError(t, out.Err)
				require.Equal(t, tt.want, out.Output)
				return
			}
			require.Error(t, out.Err)
			if tt.wantErr != nil {
				require.ErrorIs(t, out.Err, tt.wantErr)
			}
			if tt.wantMsg != "" {
				require.Contains(t, errorMessage(t, out.Output), tt.wantMsg)
			}
		})
	}
}

func TestResolveRunsConcurrentlyAndKeepsOrder(t *testing.T) {
	var running, peak atomic.Int32
	release := make(chan struct{})
	slow := NewFunction("slow", "", nil, func(ctx context.Context, args map[string]any) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer running.Add(-1)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return args["n"], nil
	})
	d := NewDispatcher(NewRegistry().MustRegister(slow), WithConcurrency(2))

	calls := []snapshot.ToolCall{
		call("a", "slow", `{"n":"1"}`),
		call("b", "slow", `{"n":"2"}`),
		call("c", "slow", `{"n":"3"}`),
	}
	go func() {
		for running.Load() < 2 {
			time.Sleep(time.Millisecond)
		}
		close(release)
	}()

	outputs, err := d.Resolve(context.Background(), calls)
	require.NoError(t, err)
	require.Equal(t, int32(2), peak.Load())
	for i, want := range []string{"1", "2", "3"} {
		require.Equal(t, calls[i].ID, outputs[i].ToolCallID)
		require.Equal(t, want, outputs[i].Output)
	}
}

func TestResolveCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	blocking := NewFunction("wait", "", nil, func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d := NewDispatcher(NewRegistry().MustRegister(blocking))

	outputs, err := d.Resolve(ctx, []snapshot.ToolCall{call("a", "wait", `{}`)})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, outputs, 1)
	require.ErrorIs(t, outputs[0].Err, context.Canceled)
}

func TestResolveEmpty(t *testing.T) {
	outputs, err := NewDispatcher(nil).ResolveAction(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, outputs)
}

func TestValidateOutputs(t *testing.T) {
	calls := []snapshot.ToolCall{call("a", "f", ""), call("b", "f", "")}
	tests := []struct {
		name    string
		outputs []snapshot.ToolOutput
		wantErr bool
	}{
		{name: "exact match", outputs: []snapshot.ToolOutput{{ToolCallID: "b"}, {ToolCallID: "a"}}},
		{name: "missing", outputs: []snapshot.ToolOutput{{ToolCallID: "a"}}, wantErr: true},
		{name: "duplicate", outputs: []snapshot.ToolOutput{{ToolCallID: "a"}, {ToolCallID: "a"}, {ToolCallID: "b"}}, wantErr: true},
		{name: "unknown id", outputs: []snapshot.ToolOutput{{ToolCallID: "a"}, {ToolCallID: "b"}, {ToolCallID: "z"}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOutputs(calls, tt.outputs)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrOutputMismatch)
		})
	}
}
