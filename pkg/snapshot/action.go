package snapshot

import "encoding/json"

// RequiredActionSubmitToolOutputs is the only required action type.
const RequiredActionSubmitToolOutputs = "submit_tool_outputs"

// RequiredAction is present when a run paused in requires_action.
type RequiredAction struct {
	Type              string            `json:"type"`
	SubmitToolOutputs SubmitToolOutputs `json:"submit_tool_outputs"`
}

// SubmitToolOutputs lists the calls that need outputs.
type SubmitToolOutputs struct {
	ToolCalls []ToolCall `json:"tool_calls"`
}

// ToolCall is one pending call. ID is what ToolOutput.ToolCallID refers to.
type ToolCall struct {
	ID       string      `json:"id"`
	Type     string      `json:"type"`
	Function FunctionRef `json:"function"`
}

// FunctionRef names the function and its raw JSON arguments.
type FunctionRef struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Clone returns a deep copy.
func (a *RequiredAction) Clone() *RequiredAction {
	if a == nil {
		return nil
	}
	cp := *a
	cp.SubmitToolOutputs.ToolCalls = append([]ToolCall(nil), a.SubmitToolOutputs.ToolCalls...)
	return &cp
}

// Calls returns the pending calls, or nil when a is nil.
func (a *RequiredAction) Calls() []ToolCall {
	if a == nil {
		return nil
	}
	return a.SubmitToolOutputs.ToolCalls
}

// ToolOutput is the caller's answer to one ToolCall. Err is set locally when
// the handler failed; Output then carries the serialized error payload.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
	Err        error  `json:"-"`
}

// SubmitToolOutputsRequest is the body posted to resume a paused run.
type SubmitToolOutputsRequest struct {
	ToolOutputs []ToolOutput `json:"tool_outputs"`
	Stream      bool         `json:"stream,omitempty"`
}

// PendingCalls returns the calls awaiting outputs. For runs this is the
// required action; for responses that stop with function calls and no
// required action, the function call items are converted.
func (r *Response) PendingCalls() []ToolCall {
	if r.RequiredAction != nil {
		return r.RequiredAction.Calls()
	}
	var calls []ToolCall
	for _, fc := range r.FunctionCalls() {
		calls = append(calls, ToolCall{
			ID:       fc.CallRef(),
			Type:     "function",
			Function: FunctionRef{Name: fc.Name, Arguments: fc.Arguments},
		})
	}
	return calls
}

// ErrorPayload renders a handler failure the way tool outputs report errors.
func ErrorPayload(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}
