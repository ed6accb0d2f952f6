package sse

import (
	"encoding/json"
	"maps"
	"slices"

	"github.com/cexll/streamsdk-go/pkg/merge"
	"github.com/cexll/streamsdk-go/pkg/snapshot"
)

// Chat decodes Chat Completions chunks. Chunks only carry choice and tool
// call indexes, so the dialect remembers which slots it already announced.
// Use one Chat per stream.
type Chat struct {
	started bool
	choices map[int]*chatChoice
}

type chatChoice struct {
	text      int
	refusal   int
	nextPart  int
	toolCalls map[int]bool
}

// NewChat returns a fresh Chat dialect.
func NewChat() *Chat {
	return &Chat{choices: make(map[int]*chatChoice)}
}

func (*Chat) Name() string { return "chat" }

type chatChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []chatChunkChoice `json:"choices"`
	Usage   *snapshot.Usage   `json:"usage"`
	Error   *StreamError      `json:"error"`
}

type chatChunkChoice struct {
	Index        int       `json:"index"`
	Delta        chatDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

type chatDelta struct {
	Role      string          `json:"role"`
	Content   *string         `json:"content"`
	Refusal   *string         `json:"refusal"`
	ToolCalls []chatToolDelta `json:"tool_calls"`
}

type chatToolDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func (c *Chat) Decode(_ string, data []byte) ([]merge.Event, error) {
	var chunk chatChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, malformed("chat.completion.chunk", err)
	}
	if chunk.Error != nil {
		return nil, chunk.Error
	}
	// Content filter frames arrive with an empty id and no choices.
	if chunk.ID == "" && len(chunk.Choices) == 0 && chunk.Usage == nil {
		return nil, nil
	}

	var events []merge.Event
	if !c.started {
		c.started = true
		events = append(events, merge.Event{
			Kind:    merge.KindAdded,
			Field:   merge.FieldResponse,
			Path:    merge.Root(),
			RawType: "chat.completion.chunk",
			Response: &snapshot.Response{
				ID:        chunk.ID,
				Object:    "chat.completion",
				Model:     chunk.Model,
				CreatedAt: chunk.Created,
				Status:    snapshot.StatusInProgress,
			},
		})
	}
	if chunk.Usage != nil {
		events = append(events, merge.Event{
			Kind:     merge.KindAdded,
			Field:    merge.FieldResponse,
			Path:     merge.Root(),
			RawType:  "chat.completion.usage",
			Response: &snapshot.Response{Usage: chunk.Usage},
		})
	}

	for _, choice := range chunk.Choices {
		events = append(events, c.choiceEvents(choice)...)
	}
	for i := range events {
		events[i].ResponseID = chunk.ID
	}
	return events, nil
}

func (c *Chat) choiceEvents(choice chatChunkChoice) []merge.Event {
	var events []merge.Event
	raw := "chat.completion.chunk"
	st, ok := c.choices[choice.Index]
	if !ok {
		st = &chatChoice{text: -1, refusal: -1, toolCalls: make(map[int]bool)}
		c.choices[choice.Index] = st
		role := choice.Delta.Role
		if role == "" {
			role = "assistant"
		}
		events = append(events, merge.Event{
			Kind: merge.KindAdded, Field: merge.FieldItem, Path: merge.ItemPath(choice.Index), RawType: raw,
			Item: &snapshot.Message{Role: role, Status: snapshot.StatusInProgress},
		})
	}

	if d := choice.Delta.Content; d != nil && *d != "" {
		if st.text < 0 {
			st.text = st.nextPart
			st.nextPart++
			events = append(events, merge.Event{
				Kind: merge.KindAdded, Field: merge.FieldPart, Path: merge.PartPath(choice.Index, st.text), RawType: raw,
				Part: &snapshot.OutputText{},
			})
		}
		events = append(events, merge.Event{
			Kind: merge.KindDelta, Field: merge.FieldText, Path: merge.PartPath(choice.Index, st.text), RawType: raw, Delta: *d,
		})
	}
	if d := choice.Delta.Refusal; d != nil && *d != "" {
		if st.refusal < 0 {
			st.refusal = st.nextPart
			st.nextPart++
			events = append(events, merge.Event{
				Kind: merge.KindAdded, Field: merge.FieldPart, Path: merge.PartPath(choice.Index, st.refusal), RawType: raw,
				Part: &snapshot.Refusal{},
			})
		}
		events = append(events, merge.Event{
			Kind: merge.KindDelta, Field: merge.FieldRefusal, Path: merge.PartPath(choice.Index, st.refusal), RawType: raw, Delta: *d,
		})
	}

	for _, tc := range choice.Delta.ToolCalls {
		path := merge.ToolCallPath(choice.Index, tc.Index)
		if !st.toolCalls[tc.Index] || tc.ID != "" || tc.Function.Name != "" {
			st.toolCalls[tc.Index] = true
			events = append(events, merge.Event{
				Kind: merge.KindAdded, Field: merge.FieldToolCall, Path: path, RawType: raw,
				ToolCall: &snapshot.FunctionCall{ID: tc.ID, CallID: tc.ID, Name: tc.Function.Name, Status: snapshot.StatusInProgress},
			})
		}
		if tc.Function.Arguments != "" {
			events = append(events, merge.Event{
				Kind: merge.KindDelta, Field: merge.FieldArguments, Path: path, RawType: raw, Delta: tc.Function.Arguments,
			})
		}
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		for _, idx := range slices.Sorted(maps.Keys(st.toolCalls)) {
			events = append(events, merge.Event{
				Kind: merge.KindDone, Field: merge.FieldToolCall, Path: merge.ToolCallPath(choice.Index, idx), RawType: raw,
			})
		}
		status := snapshot.StatusCompleted
		if *choice.FinishReason == "length" || *choice.FinishReason == "content_filter" {
			status = snapshot.StatusIncomplete
		}
		events = append(events, merge.Event{
			Kind: merge.KindDone, Field: merge.FieldItem, Path: merge.ItemPath(choice.Index), RawType: raw, Value: string(status),
		})
	}
	return events
}
