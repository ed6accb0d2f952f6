package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound matches an APIError with status 404.
var ErrNotFound = errors.New("client: not found")

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	RequestID  string
	Type       string
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Body
	}
	if e.Code != "" {
		return fmt.Sprintf("client: %s %s: %d %s: %s", e.Method, e.Path, e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("client: %s %s: %d: %s", e.Method, e.Path, e.StatusCode, msg)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

func newAPIError(res *http.Response, method, path string, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: res.StatusCode,
		Method:     method,
		Path:       path,
		RequestID:  res.Header.Get("X-Request-Id"),
		Body:       string(body),
	}
	var envelope struct {
		Error *struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil {
		apiErr.Type = envelope.Error.Type
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}
