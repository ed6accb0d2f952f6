package run

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cexll/streamsdk-go/pkg/client"
	"github.com/cexll/streamsdk-go/pkg/config"
	"github.com/cexll/streamsdk-go/pkg/lifecycle"
	"github.com/cexll/streamsdk-go/pkg/snapshot"
	"github.com/cexll/streamsdk-go/pkg/sse"
	"github.com/cexll/streamsdk-go/pkg/tool"
)

func noSleep(context.Context, time.Duration) error { return nil }

func requiresAction(id string, calls ...snapshot.ToolCall) *snapshot.Response {
	return &snapshot.Response{
		ID:     id,
		Status: snapshot.StatusRequiresAction,
		RequiredAction: &snapshot.RequiredAction{
			Type:              snapshot.RequiredActionSubmitToolOutputs,
			SubmitToolOutputs: snapshot.SubmitToolOutputs{ToolCalls: calls},
		},
	}
}

func weatherCall(id, city string) snapshot.ToolCall {
	return snapshot.ToolCall{ID: id, Type: "function", Function: snapshot.FunctionRef{Name: "get_weather", Arguments: `{"city":"` + city + `"}`}}
}

func registry() *tool.Registry {
	return tool.NewRegistry().MustRegister(tool.NewFunction("get_weather", "", nil, func(_ context.Context, args map[string]any) (any, error) {
		return map[string]any{"city": args["city"], "temp_c": 21}, nil
	}))
}

type fakeAPI struct {
	mu        sync.Mutex
	script    map[string][]*snapshot.Response
	submitted [][]snapshot.ToolOutput
	targets   []client.Target
	next      *snapshot.Response
	stream    string
	cancelled bool
}

func (f *fakeAPI) Retrieve(_ context.Context, t client.Target) (*snapshot.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.script[t.ID]
	if len(queue) == 0 {
		return nil, errors.New("unexpected fetch of " + t.ID)
	}
	snap := queue[0]
	if len(queue) > 1 {
		f.script[t.ID] = queue[1:]
	}
	return snap.Clone(), nil
}

func (f *fakeAPI) Cancel(_ context.Context, t client.Target) (*snapshot.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return &snapshot.Response{ID: t.ID, Status: snapshot.StatusCancelling}, nil
}

func (f *fakeAPI) SubmitToolOutputs(_ context.Context, t client.Target, outputs []snapshot.ToolOutput) (*snapshot.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, outputs)
	f.targets = append(f.targets, t)
	if f.next != nil {
		return f.next, nil
	}
	return &snapshot.Response{ID: t.ID, Status: snapshot.StatusQueued}, nil
}

func (f *fakeAPI) SubmitToolOutputsStream(_ context.Context, t client.Target, outputs []snapshot.ToolOutput, dialect sse.Dialect) (*sse.Decoder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, outputs)
	f.targets = append(f.targets, t)
	return sse.FromReader(strings.NewReader(f.stream), dialect), nil
}

func TestRunResolvesRequiredAction(t *testing.T) {
	api := &fakeAPI{script: map[string][]*snapshot.Response{
		"run_1": {
			{ID: "run_1", Status: snapshot.StatusQueued},
			requiresAction("run_1", weatherCall("call_1", "Oslo"), weatherCall("call_2", "Lima")),
			{ID: "run_1", Status: snapshot.StatusInProgress},
			{ID: "run_1", Status: snapshot.StatusCompleted},
		},
	}}
	r := New(api, registry(), WithPollOptions(lifecycle.WithSleep(noSleep)))

	snap, err := r.Run(context.Background(), client.Run("thread_1", "run_1"))
	require.NoError(t, err)
	require.Equal(t, snapshot.StatusCompleted, snap.Status)
	require.Len(t, api.submitted, 1)
	require.Len(t, api.submitted[0], 2)
	require.Equal(t, "call_1", api.submitted[0][0].ToolCallID)
	require.JSONEq(t, `{"city":"Oslo","temp_c":21}`, api.submitted[0][0].Output)
	require.Equal(t, "call_2", api.submitted[0][1].ToolCallID)
}

func TestRunUnknownToolStillSubmits(t *testing.T) {
	api := &fakeAPI{script: map[string][]*snapshot.Response{
		"run_1": {
			requiresAction("run_1",
				weatherCall("call_1", "Oslo"),
				snapshot.ToolCall{ID: "call_2", Type: "function", Function: snapshot.FunctionRef{Name: "book_flight", Arguments: `{}`}},
			),
			{ID: "run_1", Status: snapshot.StatusCompleted},
		},
	}}
	r := New(api, registry(), WithPollOptions(lifecycle.WithSleep(noSleep)))

	snap, err := r.Run(context.Background(), client.Run("thread_1", "run_1"))
	require.NoError(t, err)
	require.Equal(t, snapshot.StatusCompleted, snap.Status)
	require.Len(t, api.submitted[0], 2)

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(api.submitted[0][1].Output), &payload))
	require.Contains(t, payload["error"], "book_flight")
}

func TestRunFollowsResponseContinuation(t *testing.T) {
	first := &snapshot.Response{
		ID:     "resp_1",
		Status: snapshot.StatusCompleted,
		Output: []snapshot.Item{&snapshot.FunctionCall{ID: "fc_1", CallID: "call_1", Name: "get_weather", Arguments: `{"city":"Oslo"}`, Status: snapshot.StatusCompleted}},
	}
	done := &snapshot.Response{
		ID:     "resp_2",
		Status: snapshot.StatusCompleted,
		Output: []snapshot.Item{&snapshot.Message{ID: "msg_1", Role: "assistant", Status: snapshot.StatusCompleted, Content: []snapshot.ContentPart{&snapshot.OutputText{Text: "21C in Oslo"}}}},
	}
	api := &fakeAPI{
		script: map[string][]*snapshot.Response{
			"resp_1": {first},
			"resp_2": {{ID: "resp_2", Status: snapshot.StatusInProgress}, done},
		},
		next: &snapshot.Response{ID: "resp_2", Status: snapshot.StatusQueued},
	}
	r := New(api, registry(), WithPollOptions(lifecycle.WithSleep(noSleep)))

	snap, err := r.Run(context.Background(), client.Response("resp_1"))
	require.NoError(t, err)
	require.Equal(t, "resp_2", snap.ID)
	require.Equal(t, "21C in Oslo", snap.OutputText())
	require.Equal(t, "call_1", api.submitted[0][0].ToolCallID)
	require.Equal(t, "resp_1", api.targets[0].ID)
}

func TestRunMaxToolRounds(t *testing.T) {
	api := &fakeAPI{script: map[string][]*snapshot.Response{
		"run_1": {requiresAction("run_1", weatherCall("call_1", "Oslo"))},
	}}
	r := New(api, registry(), WithMaxToolRounds(2), WithPollOptions(lifecycle.WithSleep(noSleep)))

	snap, err := r.Run(context.Background(), client.Run("thread_1", "run_1"))
	require.ErrorIs(t, err, ErrMaxToolRounds)
	require.Equal(t, snapshot.StatusRequiresAction, snap.Status)
	require.Len(t, api.submitted, 2)
}

func TestRunPropagatesAbort(t *testing.T) {
	api := &fakeAPI{script: map[string][]*snapshot.Response{
		"run_1": {{ID: "run_1", Status: snapshot.StatusInProgress}},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	sleep := func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	r := New(api, registry(), WithPollOptions(lifecycle.WithSleep(sleep)))

	_, err := r.Run(ctx, client.Run("thread_1", "run_1"))
	require.ErrorIs(t, err, lifecycle.ErrWaitAborted)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCancel(t *testing.T) {
	api := &fakeAPI{script: map[string][]*snapshot.Response{
		"run_1": {{ID: "run_1", Status: snapshot.StatusCancelling}, {ID: "run_1", Status: snapshot.StatusCancelled}},
	}}
	r := New(api, registry(), WithPollOptions(lifecycle.WithSleep(noSleep)))

	snap, err := r.Cancel(context.Background(), client.Run("thread_1", "run_1"))
	require.NoError(t, err)
	require.True(t, api.cancelled)
	require.Equal(t, snapshot.StatusCancelled, snap.Status)
}

func TestResumeStreamContinuesBase(t *testing.T) {
	api := &fakeAPI{stream: strings.Join([]string{
		"event: thread.run.queued\ndata: {\"id\":\"run_1\",\"object\":\"thread.run\",\"status\":\"queued\"}\n",
		"event: thread.message.created\ndata: {\"id\":\"msg_1\",\"run_id\":\"run_1\",\"role\":\"assistant\",\"content\":[]}\n",
		"event: thread.message.delta\ndata: {\"id\":\"msg_1\",\"delta\":{\"content\":[{\"index\":0,\"type\":\"text\",\"text\":{\"value\":\"21C\"}}]}}\n",
		"event: thread.message.completed\ndata: {\"id\":\"msg_1\",\"run_id\":\"run_1\",\"status\":\"completed\",\"content\":[{\"type\":\"text\",\"text\":{\"value\":\"21C\"}}]}\n",
		"event: thread.run.completed\ndata: {\"id\":\"run_1\",\"object\":\"thread.run\",\"status\":\"completed\"}\n",
		"data: [DONE]\n",
	}, "\n") + "\n"}
	base := requiresAction("run_1", weatherCall("call_1", "Oslo"))
	base.Object = "thread.run"
	r := New(api, registry())

	snap, err := r.ResumeStream(context.Background(), client.Run("thread_1", "run_1"), base)
	require.NoError(t, err)
	require.Equal(t, snapshot.StatusCompleted, snap.Status)
	require.Equal(t, "21C", snap.OutputText())
	require.Len(t, api.submitted, 1)
	require.Equal(t, snapshot.StatusRequiresAction, base.Status, "base snapshot must not be mutated")
}

func TestRunAgainstHTTPServer(t *testing.T) {
	var (
		mu     sync.Mutex
		polls  int
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/submit_tool_outputs"):
			body, _ := io.ReadAll(r.Body)
			bodies = append(bodies, string(body))
			_, _ = io.WriteString(w, `{"id":"run_1","status":"queued"}`)
		case r.Method == http.MethodGet:
			polls++
			if len(bodies) == 0 {
				_, _ = io.WriteString(w, `{"id":"run_1","status":"requires_action","required_action":{"type":"submit_tool_outputs","submit_tool_outputs":{"tool_calls":[{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"Oslo\"}"}}]}}}`)
				return
			}
			_, _ = io.WriteString(w, `{"id":"run_1","status":"completed"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.BaseURL = srv.URL
	cfg.Poll.Interval = time.Millisecond
	c, err := client.NewFromConfig(cfg)
	require.NoError(t, err)

	r := New(c, registry(), WithConfig(cfg))
	snap, err := r.Run(context.Background(), client.Run("thread_1", "run_1"))
	require.NoError(t, err)
	require.Equal(t, snapshot.StatusCompleted, snap.Status)
	require.Equal(t, 2, polls)
	require.Len(t, bodies, 1)
	require.JSONEq(t, `{"tool_outputs":[{"tool_call_id":"call_1","output":"{\"city\":\"Oslo\",\"temp_c\":21}"}]}`, bodies[0])
}
