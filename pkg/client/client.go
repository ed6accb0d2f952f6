// Package client talks to the operation endpoints over HTTP: it fetches and
// cancels background responses and runs, submits tool outputs, and opens
// event streams.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/cexll/streamsdk-go/pkg/config"
	"github.com/cexll/streamsdk-go/pkg/snapshot"
	"github.com/cexll/streamsdk-go/pkg/sse"
	"github.com/cexll/streamsdk-go/pkg/telemetry"
)

const maxErrorBody = 64 << 10

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	headers    http.Header
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	telemetry  *telemetry.Manager
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API root.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers.Set(key, value) }
}

// WithRateLimit allows rps requests per second with the given burst.
// Zero rps removes the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTelemetry records requests on m instead of the default manager.
func WithTelemetry(m *telemetry.Manager) Option {
	return func(c *Client) { c.telemetry = m }
}

// New builds a Client.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    config.DefaultBaseURL,
		headers:    http.Header{},
		httpClient: &http.Client{},
		logger:     slog.Default(),
		telemetry:  telemetry.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	u, err := url.Parse(c.baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("client: invalid base url %q", c.baseURL)
	}
	return c, nil
}

// NewFromConfig builds a Client from loaded settings. Later options win.
func NewFromConfig(cfg *config.Settings, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("client: config is nil")
	}
	base := []Option{
		WithBaseURL(cfg.BaseURL),
		WithAPIKey(cfg.APIKey),
		WithRateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
	}
	for k, v := range cfg.Headers {
		base = append(base, WithHeader(k, v))
	}
	return New(append(base, opts...)...)
}

// Retrieve fetches the current snapshot of t.
func (c *Client) Retrieve(ctx context.Context, t Target) (*snapshot.Response, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	var out snapshot.Response
	if err := c.doJSON(ctx, string(t.Kind), http.MethodGet, t.path(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Fetcher adapts Retrieve for lifecycle polling.
func (c *Client) Fetcher(t Target) func(context.Context) (*snapshot.Response, error) {
	return func(ctx context.Context) (*snapshot.Response, error) {
		return c.Retrieve(ctx, t)
	}
}

// Cancel asks the server to cancel t and returns its answer, usually a
// cancelling snapshot.
func (c *Client) Cancel(ctx context.Context, t Target) (*snapshot.Response, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	var out snapshot.Response
	if err := c.doJSON(ctx, string(t.Kind), http.MethodPost, t.path()+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Canceller adapts Cancel for lifecycle.CancelAndWait.
func (c *Client) Canceller(t Target) func(context.Context) (*snapshot.Response, error) {
	return func(ctx context.Context) (*snapshot.Response, error) {
		return c.Cancel(ctx, t)
	}
}

// SubmitToolOutputs resumes a paused operation. Runs resume in place;
// responses continue as a new response chained to t, whose id the returned
// snapshot carries.
func (c *Client) SubmitToolOutputs(ctx context.Context, t Target, outputs []snapshot.ToolOutput) (*snapshot.Response, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	path, body := c.submission(t, outputs, false)
	var out snapshot.Response
	if err := c.doJSON(ctx, string(t.Kind), http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitToolOutputsStream resumes t and returns the event stream of the
// continuation. A nil dialect selects DialectFor(t.Kind); resumed runs
// should pass sse.NewRunsFrom with the paused snapshot.
func (c *Client) SubmitToolOutputsStream(ctx context.Context, t Target, outputs []snapshot.ToolOutput, dialect sse.Dialect) (*sse.Decoder, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	if dialect == nil {
		dialect = DialectFor(t.Kind)
	}
	path, body := c.submission(t, outputs, true)
	return c.Stream(ctx, path, body, dialect)
}

// Stream posts body to path and decodes the event stream with dialect.
func (c *Client) Stream(ctx context.Context, path string, body any, dialect sse.Dialect) (*sse.Decoder, error) {
	res, err := c.do(ctx, "stream", http.MethodPost, path, body, "text/event-stream")
	if err != nil {
		return nil, err
	}
	dec, err := sse.FromResponse(res, dialect, sse.WithLogger(c.logger))
	if err != nil {
		res.Body.Close()
		return nil, err
	}
	return dec, nil
}

// DialectFor returns a fresh stream dialect for the API family.
func DialectFor(k Kind) sse.Dialect {
	if k == KindRun {
		return sse.NewRuns()
	}
	return sse.Responses{}
}

type responseInput struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type responseResume struct {
	PreviousResponseID string          `json:"previous_response_id"`
	Input              []responseInput `json:"input"`
	Background         bool            `json:"background,omitempty"`
	Stream             bool            `json:"stream,omitempty"`
}

func (c *Client) submission(t Target, outputs []snapshot.ToolOutput, stream bool) (string, any) {
	if t.Kind == KindRun {
		return t.path() + "/submit_tool_outputs", snapshot.SubmitToolOutputsRequest{ToolOutputs: outputs, Stream: stream}
	}
	body := responseResume{PreviousResponseID: t.ID, Background: !stream, Stream: stream}
	for _, o := range outputs {
		body.Input = append(body.Input, responseInput{Type: "function_call_output", CallID: o.ToolCallID, Output: o.Output})
	}
	return "/responses", body
}

func (c *Client) doJSON(ctx context.Context, kind, method, path string, body, out any) error {
	res, err := c.do(ctx, kind, method, path, body, "application/json")
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s %s: %w", method, path, err)
	}
	return nil
}

// do sends the request and returns a 2xx response with its body open.
func (c *Client) do(ctx context.Context, kind, method, path string, body any, accept string) (_ *http.Response, err error) {
	requestID := uuid.NewString()
	start := time.Now()
	status := 0
	defer func() {
		c.telemetry.RecordRequest(ctx, telemetry.RequestData{
			Kind:       kind,
			Method:     method,
			Path:       path,
			RequestID:  requestID,
			StatusCode: status,
			Duration:   time.Since(start),
			Error:      err,
		})
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("client: rate limit: %w", err)
		}
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("client: encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("client: create request: %w", err)
	}
	for k, vs := range c.headers {
		req.Header[k] = append([]string(nil), vs...)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("X-Request-Id", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	status = res.StatusCode
	c.logger.Debug("request finished", "method", method, "path", path, "status", status, "request_id", requestID)
	if status >= 200 && status < 300 {
		return res, nil
	}

	defer res.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	apiErr := newAPIError(res, method, path, payload)
	if apiErr.RequestID == "" {
		apiErr.RequestID = requestID
	}
	return nil, apiErr
}
