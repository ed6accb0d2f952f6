package snapshot

import (
	"encoding/json"
	"fmt"
)

// ItemType discriminates response output items.
type ItemType string

const (
	ItemMessage             ItemType = "message"
	ItemFunctionCall        ItemType = "function_call"
	ItemCodeInterpreterCall ItemType = "code_interpreter_call"
	ItemFileSearchCall      ItemType = "file_search_call"
	ItemWebSearchCall       ItemType = "web_search_call"
	ItemComputerCall        ItemType = "computer_call"
	ItemShellCall           ItemType = "local_shell_call"
	ItemMCPCall             ItemType = "mcp_call"
	ItemReasoning           ItemType = "reasoning"
	ItemReference           ItemType = "item_reference"
)

// Item is one slot of a response's output list.
type Item interface {
	ItemType() ItemType
	ItemID() string
	ItemStatus() Status
	Clone() Item
	isItem()
}

// Message is an assistant (or echoed user) message.
type Message struct {
	ID      string        `json:"id,omitempty"`
	Role    string        `json:"role,omitempty"`
	Status  Status        `json:"status,omitempty"`
	Content []ContentPart `json:"content"`
	// ToolCalls holds calls emitted inside a message by dialects that do not
	// model them as separate output items.
	ToolCalls []*FunctionCall `json:"tool_calls,omitempty"`
}

func (*Message) ItemType() ItemType   { return ItemMessage }
func (m *Message) ItemID() string     { return m.ID }
func (m *Message) ItemStatus() Status { return m.Status }
func (*Message) isItem()              {}

func (m *Message) Clone() Item {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Content = cloneParts(m.Content)
	if m.ToolCalls != nil {
		cp.ToolCalls = make([]*FunctionCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			if tc != nil {
				c := *tc
				cp.ToolCalls[i] = &c
			}
		}
	}
	return &cp
}

// Text concatenates every OutputText part.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Content {
		if t, ok := p.(*OutputText); ok && t != nil {
			out += t.Text
		}
	}
	return out
}

func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message
	if m.Content == nil {
		m.Content = []ContentPart{}
	}
	return json.Marshal(struct {
		Type ItemType `json:"type"`
		alias
	}{ItemMessage, alias(m)})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := struct {
		*alias
		Content []json.RawMessage `json:"content"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	parts, err := unmarshalParts(aux.Content)
	if err != nil {
		return err
	}
	m.Content = parts
	return nil
}

// FunctionCall is a request from the model to run a caller-defined tool.
// Arguments accumulates raw JSON text as it streams.
type FunctionCall struct {
	ID        string `json:"id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
	Status    Status `json:"status,omitempty"`
}

func (*FunctionCall) ItemType() ItemType   { return ItemFunctionCall }
func (f *FunctionCall) ItemID() string     { return f.ID }
func (f *FunctionCall) ItemStatus() Status { return f.Status }
func (*FunctionCall) isItem()              {}

func (f *FunctionCall) Clone() Item {
	if f == nil {
		return nil
	}
	cp := *f
	return &cp
}

// CallRef returns the identifier tool outputs must be keyed by.
func (f *FunctionCall) CallRef() string {
	if f.CallID != "" {
		return f.CallID
	}
	return f.ID
}

func (f FunctionCall) MarshalJSON() ([]byte, error) {
	type alias FunctionCall
	return json.Marshal(struct {
		Type ItemType `json:"type"`
		alias
	}{ItemFunctionCall, alias(f)})
}

// CodeInterpreterCall is a hosted code execution. Code accumulates deltas.
type CodeInterpreterCall struct {
	ID          string            `json:"id,omitempty"`
	Status      Status            `json:"status,omitempty"`
	Code        string            `json:"code"`
	ContainerID string            `json:"container_id,omitempty"`
	Outputs     []json.RawMessage `json:"outputs,omitempty"`
}

func (*CodeInterpreterCall) ItemType() ItemType   { return ItemCodeInterpreterCall }
func (c *CodeInterpreterCall) ItemID() string     { return c.ID }
func (c *CodeInterpreterCall) ItemStatus() Status { return c.Status }
func (*CodeInterpreterCall) isItem()              {}

func (c *CodeInterpreterCall) Clone() Item {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Outputs = cloneRawSlice(c.Outputs)
	return &cp
}

func (c CodeInterpreterCall) MarshalJSON() ([]byte, error) {
	type alias CodeInterpreterCall
	return json.Marshal(struct {
		Type ItemType `json:"type"`
		alias
	}{ItemCodeInterpreterCall, alias(c)})
}

// FileSearchCall is a hosted file search.
type FileSearchCall struct {
	ID      string          `json:"id,omitempty"`
	Status  Status          `json:"status,omitempty"`
	Queries []string        `json:"queries,omitempty"`
	Results json.RawMessage `json:"results,omitempty"`
}

func (*FileSearchCall) ItemType() ItemType   { return ItemFileSearchCall }
func (c *FileSearchCall) ItemID() string     { return c.ID }
func (c *FileSearchCall) ItemStatus() Status { return c.Status }
func (*FileSearchCall) isItem()              {}

func (c *FileSearchCall) Clone() Item {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Queries = append([]string(nil), c.Queries...)
	cp.Results = cloneRaw(c.Results)
	return &cp
}

func (c FileSearchCall) MarshalJSON() ([]byte, error) {
	type alias FileSearchCall
	return json.Marshal(struct {
		Type ItemType `json:"type"`
		alias
	}{ItemFileSearchCall, alias(c)})
}

// WebSearchCall is a hosted web search.
type WebSearchCall struct {
	ID     string          `json:"id,omitempty"`
	Status Status          `json:"status,omitempty"`
	Action json.RawMessage `json:"action,omitempty"`
}

func (*WebSearchCall) ItemType() ItemType   { return ItemWebSearchCall }
func (c *WebSearchCall) ItemID() string     { return c.ID }
func (c *WebSearchCall) ItemStatus() Status { return c.Status }
func (*WebSearchCall) isItem()              {}

func (c *WebSearchCall) Clone() Item {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Action = cloneRaw(c.Action)
	return &cp
}

func (c WebSearchCall) MarshalJSON() ([]byte, error) {
	type alias WebSearchCall
	return json.Marshal(struct {
		Type ItemType `json:"type"`
		alias
	}{ItemWebSearchCall, alias(c)})
}

// ComputerCall asks the caller to perform a computer-use action.
type ComputerCall struct {
	ID     string          `json:"id,omitempty"`
	CallID string          `json:"call_id,omitempty"`
	Status Status          `json:"status,omitempty"`
	Action json.RawMessage `json:"action,omitempty"`
}

func (*ComputerCall) ItemType() ItemType   { return ItemComputerCall }
func (c *ComputerCall) ItemID() string     { return c.ID }
func (c *ComputerCall) ItemStatus() Status { return c.Status }
func (*ComputerCall) isItem()              {}

func (c *ComputerCall) Clone() Item {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Action = cloneRaw(c.Action)
	return &cp
}

func (c ComputerCall) MarshalJSON() ([]byte, error) {
	type alias ComputerCall
	return json.Marshal(struct {
		Type ItemType `json:"type"`
		alias
	}{ItemComputerCall, alias(c)})
}

// ShellCall asks the caller to run a local shell command.
type ShellCall struct {
	ID     string          `json:"id,omitempty"`
	CallID string          `json:"call_id,omitempty"`
	Status Status          `json:"status,omitempty"`
	Action json.RawMessage `json:"action,omitempty"`
}

func (*ShellCall) ItemType() ItemType   { return ItemShellCall }
func (c *ShellCall) ItemID() string     { return c.ID }
func (c *ShellCall) ItemStatus() Status { return c.Status }
func (*ShellCall) isItem()              {}

func (c *ShellCall) Clone() Item {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Action = cloneRaw(c.Action)
	return &cp
}

func (c ShellCall) MarshalJSON() ([]byte, error) {
	type alias ShellCall
	return json.Marshal(struct {
		Type ItemType `json:"type"`
		alias
	}{ItemShellCall, alias(c)})
}

// MCPCall is a tool call routed through a remote MCP server. Arguments
// accumulates deltas.
type MCPCall struct {
	ID          string `json:"id,omitempty"`
	Status      Status `json:"status,omitempty"`
	ServerLabel string `json:"server_label,omitempty"`
	Name        string `json:"name,omitempty"`
	Arguments   string `json:"arguments"`
	Output      string `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (*MCPCall) ItemType() ItemType   { return ItemMCPCall }
func (c *MCPCall) ItemID() string     { return c.ID }
func (c *MCPCall) ItemStatus() Status { return c.Status }
func (*MCPCall) isItem()              {}

func (c *MCPCall) Clone() Item {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

func (c MCPCall) MarshalJSON() ([]byte, error) {
	type alias MCPCall
	return json.Marshal(struct {
		Type ItemType `json:"type"`
		alias
	}{ItemMCPCall, alias(c)})
}

// SummaryText is one reasoning summary slot.
type SummaryText struct {
	Text string `json:"text"`
}

func (s SummaryText) MarshalJSON() ([]byte, error) {
	type alias SummaryText
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{"summary_text", alias(s)})
}

// Reasoning carries the model's reasoning summary. Summary is index-addressed.
type Reasoning struct {
	ID               string         `json:"id,omitempty"`
	Status           Status         `json:"status,omitempty"`
	Summary          []*SummaryText `json:"summary"`
	EncryptedContent string         `json:"encrypted_content,omitempty"`
}

func (*Reasoning) ItemType() ItemType   { return ItemReasoning }
func (r *Reasoning) ItemID() string     { return r.ID }
func (r *Reasoning) ItemStatus() Status { return r.Status }
func (*Reasoning) isItem()              {}

func (r *Reasoning) Clone() Item {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Summary != nil {
		cp.Summary = make([]*SummaryText, len(r.Summary))
		for i, s := range r.Summary {
			if s != nil {
				c := *s
				cp.Summary[i] = &c
			}
		}
	}
	return &cp
}

func (r Reasoning) MarshalJSON() ([]byte, error) {
	type alias Reasoning
	if r.Summary == nil {
		r.Summary = []*SummaryText{}
	}
	return json.Marshal(struct {
		Type ItemType `json:"type"`
		alias
	}{ItemReasoning, alias(r)})
}

// Reference points at an item produced by an earlier response.
type Reference struct {
	ID string `json:"id"`
}

func (*Reference) ItemType() ItemType { return ItemReference }
func (r *Reference) ItemID() string   { return r.ID }
func (*Reference) ItemStatus() Status { return "" }
func (*Reference) isItem()            {}

func (r *Reference) Clone() Item {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

func (r Reference) MarshalJSON() ([]byte, error) {
	type alias Reference
	return json.Marshal(struct {
		Type ItemType `json:"type"`
		alias
	}{ItemReference, alias(r)})
}

// UnknownItem preserves item types this package does not model so newer
// servers do not break decoding.
type UnknownItem struct {
	Type   string
	ID     string
	Status Status
	Raw    json.RawMessage
}

func (u *UnknownItem) ItemType() ItemType { return ItemType(u.Type) }
func (u *UnknownItem) ItemID() string     { return u.ID }
func (u *UnknownItem) ItemStatus() Status { return u.Status }
func (*UnknownItem) isItem()              {}

func (u *UnknownItem) Clone() Item {
	if u == nil {
		return nil
	}
	cp := *u
	cp.Raw = cloneRaw(u.Raw)
	return &cp
}

func (u UnknownItem) MarshalJSON() ([]byte, error) {
	if len(u.Raw) > 0 {
		return u.Raw, nil
	}
	return json.Marshal(map[string]any{"type": u.Type, "id": u.ID, "status": u.Status})
}

// UnmarshalItem decodes a JSON object into a concrete Item. A JSON null
// decodes to a nil placeholder.
func UnmarshalItem(data []byte) (Item, error) {
	if isNull(data) {
		return nil, nil
	}
	var head struct {
		Type   string `json:"type"`
		ID     string `json:"id"`
		Status Status `json:"status"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	var item Item
	switch ItemType(head.Type) {
	case ItemMessage:
		item = &Message{}
	case ItemFunctionCall:
		item = &FunctionCall{}
	case ItemCodeInterpreterCall:
		item = &CodeInterpreterCall{}
	case ItemFileSearchCall:
		item = &FileSearchCall{}
	case ItemWebSearchCall:
		item = &WebSearchCall{}
	case ItemComputerCall:
		item = &ComputerCall{}
	case ItemShellCall:
		item = &ShellCall{}
	case ItemMCPCall:
		item = &MCPCall{}
	case ItemReasoning:
		item = &Reasoning{}
	case ItemReference:
		item = &Reference{}
	case "":
		return nil, fmt.Errorf("snapshot: output item without type")
	default:
		return &UnknownItem{Type: head.Type, ID: head.ID, Status: head.Status, Raw: cloneRaw(data)}, nil
	}
	if err := json.Unmarshal(data, item); err != nil {
		return nil, fmt.Errorf("snapshot: decode %s item: %w", head.Type, err)
	}
	return item, nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneRawSlice(raw []json.RawMessage) []json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make([]json.RawMessage, len(raw))
	for i, r := range raw {
		out[i] = cloneRaw(r)
	}
	return out
}
