package sse

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame wraps JSON payloads a dialect cannot decode.
var ErrMalformedFrame = errors.New("sse: malformed frame")

// StreamError is an error the server reported in-band.
type StreamError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

func (e *StreamError) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("sse: server error %s: %s", e.Code, e.Message)
	case e.Type != "":
		return fmt.Sprintf("sse: server error %s: %s", e.Type, e.Message)
	default:
		return "sse: server error: " + e.Message
	}
}

func malformed(eventType string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrMalformedFrame, eventType, err)
}

// ParseStreamError decodes an in-band error payload. Both a bare error
// object and one nested under an "error" key are accepted.
func ParseStreamError(data []byte) error {
	var wrapped struct {
		Error *StreamError `json:"error"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Error != nil {
		return wrapped.Error
	}
	var bare StreamError
	if err := json.Unmarshal(data, &bare); err != nil {
		return malformed("error", err)
	}
	if bare.Message == "" {
		bare.Message = string(data)
	}
	return &bare
}

