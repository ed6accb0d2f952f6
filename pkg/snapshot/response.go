// Package snapshot defines the assembled view of a streamed or polled
// response: the response envelope, its index-addressed output items, their
// content parts and the pending tool action.
package snapshot

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
)

// Response is the caller-visible snapshot. Output slots may be nil while a
// stream has announced later indexes before earlier ones.
type Response struct {
	ID                string             `json:"id,omitempty"`
	Object            string             `json:"object,omitempty"`
	Model             string             `json:"model,omitempty"`
	Status            Status             `json:"status,omitempty"`
	CreatedAt         int64              `json:"created_at,omitempty"`
	CompletedAt       int64              `json:"completed_at,omitempty"`
	Output            []Item             `json:"output"`
	Usage             *Usage             `json:"usage,omitempty"`
	Metadata          map[string]any     `json:"metadata,omitempty"`
	RequiredAction    *RequiredAction    `json:"required_action,omitempty"`
	LastError         *ErrorInfo         `json:"last_error,omitempty"`
	IncompleteDetails *IncompleteDetails `json:"incomplete_details,omitempty"`
}

// Usage reports token accounting. Both naming schemes servers use are
// accepted on decode.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64 `json:"cache_write_tokens,omitempty"`
}

func (u *Usage) UnmarshalJSON(data []byte) error {
	var aux struct {
		InputTokens      *int64 `json:"input_tokens"`
		OutputTokens     *int64 `json:"output_tokens"`
		TotalTokens      *int64 `json:"total_tokens"`
		PromptTokens     *int64 `json:"prompt_tokens"`
		CompletionTokens *int64 `json:"completion_tokens"`
		CacheReadTokens  int64  `json:"cache_read_tokens"`
		CacheWriteTokens int64  `json:"cache_write_tokens"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*u = Usage{
		InputTokens:      firstInt(aux.InputTokens, aux.PromptTokens),
		OutputTokens:     firstInt(aux.OutputTokens, aux.CompletionTokens),
		CacheReadTokens:  aux.CacheReadTokens,
		CacheWriteTokens: aux.CacheWriteTokens,
	}
	if aux.TotalTokens != nil {
		u.TotalTokens = *aux.TotalTokens
	} else {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return nil
}

func firstInt(vals ...*int64) int64 {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}

// ErrorInfo describes why a response failed.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *ErrorInfo) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// IncompleteDetails explains an incomplete response.
type IncompleteDetails struct {
	Reason string `json:"reason,omitempty"`
}

func (r *Response) UnmarshalJSON(data []byte) error {
	type alias Response
	aux := struct {
		*alias
		Output []json.RawMessage `json:"output"`
		Error  *ErrorInfo        `json:"error"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if r.LastError == nil {
		r.LastError = aux.Error
	}
	if aux.Output == nil {
		r.Output = nil
		return nil
	}
	r.Output = make([]Item, 0, len(aux.Output))
	for i, raw := range aux.Output {
		item, err := UnmarshalItem(raw)
		if err != nil {
			return fmt.Errorf("output[%d]: %w", i, err)
		}
		r.Output = append(r.Output, item)
	}
	return nil
}

// Clone returns a deep copy so callers can hold a snapshot while the
// producer keeps mutating its own.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Output != nil {
		cp.Output = make([]Item, len(r.Output))
		for i, it := range r.Output {
			if it != nil {
				cp.Output[i] = it.Clone()
			}
		}
	}
	if r.Usage != nil {
		u := *r.Usage
		cp.Usage = &u
	}
	if r.Metadata != nil {
		cp.Metadata = maps.Clone(r.Metadata)
	}
	cp.RequiredAction = r.RequiredAction.Clone()
	if r.LastError != nil {
		e := *r.LastError
		cp.LastError = &e
	}
	if r.IncompleteDetails != nil {
		d := *r.IncompleteDetails
		cp.IncompleteDetails = &d
	}
	return &cp
}

// OutputText concatenates the text of every message in output order.
func (r *Response) OutputText() string {
	var b strings.Builder
	for _, it := range r.Output {
		if m, ok := it.(*Message); ok && m != nil {
			b.WriteString(m.Text())
		}
	}
	return b.String()
}

// FunctionCalls lists every function call in output order, including calls
// nested inside messages.
func (r *Response) FunctionCalls() []*FunctionCall {
	var calls []*FunctionCall
	for _, it := range r.Output {
		switch v := it.(type) {
		case *FunctionCall:
			if v != nil {
				calls = append(calls, v)
			}
		case *Message:
			if v == nil {
				continue
			}
			for _, tc := range v.ToolCalls {
				if tc != nil {
					calls = append(calls, tc)
				}
			}
		}
	}
	return calls
}

// Placeholders counts output slots that were never filled.
func (r *Response) Placeholders() int {
	n := 0
	for _, it := range r.Output {
		if it == nil {
			n++
		}
	}
	return n
}
