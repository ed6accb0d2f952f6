package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cexll/streamsdk-go/pkg/config"
	"github.com/cexll/streamsdk-go/pkg/snapshot"
	"github.com/cexll/streamsdk-go/pkg/stream"
)

type recorded struct {
	Method string
	Path   string
	Header http.Header
	Body   string
}

type fakeServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recorded
}

func newFakeServer(t *testing.T, handler http.HandlerFunc) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fs.mu.Lock()
		fs.requests = append(fs.requests, recorded{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone(), Body: string(body)})
		fs.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) last() recorded {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.requests[len(fs.requests)-1]
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestRetrieveRun(t *testing.T) {
	srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{
			"id":"run_1","object":"thread.run","status":"requires_action",
			"required_action":{"type":"submit_tool_outputs","submit_tool_outputs":{"tool_calls":[
				{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"Oslo\"}"}}
			]}},
			"usage":{"prompt_tokens":10,"completion_tokens":2}
		}`)
	})
	c, err := New(WithBaseURL(srv.URL+"/v1"), WithAPIKey("sk-test"), WithHeader("OpenAI-Beta", "assistants=v2"))
	require.NoError(t, err)

	snap, err := c.Retrieve(context.Background(), Run("thread_1", "run_1"))
	require.NoError(t, err)
	require.Equal(t, snapshot.StatusRequiresAction, snap.Status)
	require.Len(t, snap.PendingCalls(), 1)
	require.Equal(t, int64(12), snap.Usage.TotalTokens)

	req := srv.last()
	require.Equal(t, http.MethodGet, req.Method)
	require.Equal(t, "/v1/threads/thread_1/runs/run_1", req.Path)
	require.Equal(t, "Bearer sk-test", req.Header.Get("Authorization"))
	require.Equal(t, "assistants=v2", req.Header.Get("OpenAI-Beta"))
	require.NotEmpty(t, req.Header.Get("X-Request-Id"))
}

func TestCancelResponse(t *testing.T) {
	srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"resp_1","object":"response","status":"cancelling","output":[]}`)
	})
	c, err := New(WithBaseURL(srv.URL))
	require.NoError(t, err)

	snap, err := c.Canceller(Response("resp_1"))(context.Background())
	require.NoError(t, err)
	require.Equal(t, snapshot.StatusCancelling, snap.Status)
	require.Equal(t, http.MethodPost, srv.last().Method)
	require.Equal(t, "/responses/resp_1/cancel", srv.last().Path)
	require.Empty(t, srv.last().Header.Get("Authorization"))
}

func TestSubmitToolOutputs(t *testing.T) {
	outputs := []snapshot.ToolOutput{
		{ToolCallID: "call_1", Output: `{"temp_c":21}`},
		{ToolCallID: "call_2", Output: `{"error":"tool not found: book_flight"}`, Err: errors.New("local only")},
	}

	t.Run("run resumes in place", func(t *testing.T) {
		srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"id":"run_1","status":"queued"}`)
		})
		c, err := New(WithBaseURL(srv.URL))
		require.NoError(t, err)

		snap, err := c.SubmitToolOutputs(context.Background(), Run("thread_1", "run_1"), outputs)
		require.NoError(t, err)
		require.Equal(t, snapshot.StatusQueued, snap.Status)
		require.Equal(t, "/threads/thread_1/runs/run_1/submit_tool_outputs", srv.last().Path)
		require.JSONEq(t, `{"tool_outputs":[
			{"tool_call_id":"call_1","output":"{\"temp_c\":21}"},
			{"tool_call_id":"call_2","output":"{\"error\":\"tool not found: book_flight\"}"}
		]}`, srv.last().Body)
	})

	t.Run("response chains a new response", func(t *testing.T) {
		srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"id":"resp_2","status":"queued","output":[]}`)
		})
		c, err := New(WithBaseURL(srv.URL))
		require.NoError(t, err)

		snap, err := c.SubmitToolOutputs(context.Background(), Response("resp_1"), outputs[:1])
		require.NoError(t, err)
		require.Equal(t, "resp_2", snap.ID)
		require.Equal(t, "/responses", srv.last().Path)
		require.JSONEq(t, `{"previous_response_id":"resp_1","background":true,"input":[
			{"type":"function_call_output","call_id":"call_1","output":"{\"temp_c\":21}"}
		]}`, srv.last().Body)
	})
}

func TestAPIError(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		notFound bool
		temp     bool
		contains string
	}{
		{name: "not found", status: 404, body: `{"error":{"type":"invalid_request_error","code":"not_found","message":"No run found"}}`, notFound: true, contains: "No run found"},
		{name: "rate limited", status: 429, body: `{"error":{"message":"slow down"}}`, temp: true, contains: "slow down"},
		{name: "plain body", status: 502, body: `bad gateway`, temp: true, contains: "bad gateway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Request-Id", "req_server")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			c, err := New(WithBaseURL(srv.URL))
			require.NoError(t, err)

			_, err = c.Retrieve(context.Background(), Response("resp_1"))
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			require.Equal(t, tt.status, apiErr.StatusCode)
			require.Equal(t, "req_server", apiErr.RequestID)
			require.Equal(t, tt.notFound, errors.Is(err, ErrNotFound))
			require.Equal(t, tt.temp, apiErr.Temporary())
			require.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestTargetValidation(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	for _, target := range []Target{{}, Response(""), {Kind: KindRun, ID: "run_1"}, {Kind: "batch", ID: "x"}} {
		_, err := c.Retrieve(context.Background(), target)
		require.Error(t, err, "target %+v", target)
	}
	_, err = New(WithBaseURL("not a url"))
	require.Error(t, err)
}

func TestRateLimitHonorsContext(t *testing.T) {
	srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"resp_1","status":"completed","output":[]}`)
	})
	c, err := New(WithBaseURL(srv.URL), WithRateLimit(0.5, 1))
	require.NoError(t, err)

	_, err = c.Retrieve(context.Background(), Response("resp_1"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Retrieve(ctx, Response("resp_1"))
	require.ErrorContains(t, err, "rate limit")
}

func TestNewFromConfig(t *testing.T) {
	srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"resp_1","status":"completed","output":[]}`)
	})
	cfg := config.Default()
	cfg.BaseURL = srv.URL
	cfg.APIKey = "sk-cfg"
	cfg.Headers["X-Team"] = "core"

	c, err := NewFromConfig(cfg)
	require.NoError(t, err)
	_, err = c.Retrieve(context.Background(), Response("resp_1"))
	require.NoError(t, err)
	require.Equal(t, "Bearer sk-cfg", srv.last().Header.Get("Authorization"))
	require.Equal(t, "core", srv.last().Header.Get("X-Team"))

	_, err = NewFromConfig(nil)
	require.Error(t, err)
}

func TestSubmitToolOutputsStream(t *testing.T) {
	frames := []string{
		`event: thread.run.queued` + "\n" + `data: {"id":"run_1","object":"thread.run","status":"queued"}`,
		`event: thread.run.in_progress` + "\n" + `data: {"id":"run_1","object":"thread.run","status":"in_progress"}`,
		`event: thread.message.created` + "\n" + `data: {"id":"msg_1","object":"thread.message","role":"assistant","status":"in_progress","content":[]}`,
		`event: thread.message.delta` + "\n" + `data: {"id":"msg_1","object":"thread.message.delta","delta":{"content":[{"index":0,"type":"text","text":{"value":"It is 21C"}}]}}`,
		`event: thread.message.completed` + "\n" + `data: {"id":"msg_1","object":"thread.message","role":"assistant","status":"completed","content":[{"type":"text","text":{"value":"It is 21C","annotations":[]}}]}`,
		`event: thread.run.completed` + "\n" + `data: {"id":"run_1","object":"thread.run","status":"completed"}`,
		`event: done` + "\n" + `data: [DONE]`,
	}
	srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprintf(w, "%s\n\n", f)
		}
	})
	c, err := New(WithBaseURL(srv.URL))
	require.NoError(t, err)

	dec, err := c.SubmitToolOutputsStream(context.Background(), Run("thread_1", "run_1"),
		[]snapshot.ToolOutput{{ToolCallID: "call_1", Output: "21"}}, nil)
	require.NoError(t, err)

	require.Equal(t, "text/event-stream", srv.last().Header.Get("Accept"))
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(srv.last().Body), &body))
	require.Equal(t, true, body["stream"])

	snap, err := stream.Assemble(context.Background(), dec)
	require.NoError(t, err)
	require.Equal(t, snapshot.StatusCompleted, snap.Status)
	require.Equal(t, "It is 21C", snap.OutputText())
	require.True(t, strings.HasPrefix(snap.ID, "run_"))
}
