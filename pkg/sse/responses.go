package sse

import (
	"encoding/json"
	"strings"

	"github.com/cexll/streamsdk-go/pkg/merge"
	"github.com/cexll/streamsdk-go/pkg/snapshot"
)

// Responses decodes the Responses API event stream. Every frame carries its
// own indexes, so the dialect is stateless.
type Responses struct{}

func (Responses) Name() string { return "responses" }

type responsesFrame struct {
	Type            string          `json:"type"`
	OutputIndex     int             `json:"output_index"`
	ContentIndex    int             `json:"content_index"`
	SummaryIndex    int             `json:"summary_index"`
	AnnotationIndex int             `json:"annotation_index"`
	ItemID          string          `json:"item_id"`
	Delta           json.RawMessage `json:"delta"`
	Text            string          `json:"text"`
	Refusal         string          `json:"refusal"`
	Arguments       string          `json:"arguments"`
	Code            json.RawMessage `json:"code"`
	Response        json.RawMessage `json:"response"`
	Item            json.RawMessage `json:"item"`
	Part            json.RawMessage `json:"part"`
	Annotation      json.RawMessage `json:"annotation"`
}

func (Responses) Decode(eventType string, data []byte) ([]merge.Event, error) {
	var f responsesFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, malformed(eventType, err)
	}
	if f.Type == "" {
		f.Type = eventType
	}
	if f.Type == "" {
		// Keep-alive placeholders name no event at all.
		return nil, nil
	}
	if f.Type == "error" {
		return nil, ParseStreamError(data)
	}

	item := merge.ItemPath(f.OutputIndex)
	part := merge.PartPath(f.OutputIndex, f.ContentIndex)
	summary := merge.PartPath(f.OutputIndex, f.SummaryIndex)
	ev := merge.Event{RawType: f.Type, ItemID: f.ItemID}

	switch f.Type {
	case "response.created", "response.queued", "response.in_progress":
		return responseEvent(ev, merge.KindAdded, f)
	case "response.completed", "response.failed", "response.incomplete", "response.cancelled":
		return responseEvent(ev, merge.KindCompleted, f)

	case "response.output_item.added", "response.output_item.done":
		it, err := snapshot.UnmarshalItem(f.Item)
		if err != nil {
			return nil, malformed(f.Type, err)
		}
		ev.Kind, ev.Field, ev.Path, ev.Item = kindOf(f.Type), merge.FieldItem, item, it
		if it != nil && ev.ItemID == "" {
			ev.ItemID = it.ItemID()
		}
		return []merge.Event{ev}, nil

	case "response.content_part.added", "response.content_part.done":
		p, err := snapshot.UnmarshalPart(f.Part)
		if err != nil {
			return nil, malformed(f.Type, err)
		}
		ev.Kind, ev.Field, ev.Path, ev.Part = kindOf(f.Type), merge.FieldPart, part, p
		return []merge.Event{ev}, nil

	case "response.output_text.annotation.added":
		var ann snapshot.Annotation
		if err := json.Unmarshal(f.Annotation, &ann); err != nil {
			return nil, malformed(f.Type, err)
		}
		ev.Kind, ev.Field, ev.Annotation = merge.KindAdded, merge.FieldAnnotation, &ann
		ev.Path = merge.AnnotationPath(f.OutputIndex, f.ContentIndex, f.AnnotationIndex)
		return []merge.Event{ev}, nil

	case "response.output_text.delta", "response.output_text.done":
		return stringEvent(ev, merge.FieldText, part, f, f.Text)
	case "response.refusal.delta", "response.refusal.done":
		return stringEvent(ev, merge.FieldRefusal, part, f, f.Refusal)
	case "response.function_call_arguments.delta", "response.function_call_arguments.done",
		"response.mcp_call_arguments.delta", "response.mcp_call_arguments.done":
		return stringEvent(ev, merge.FieldArguments, item, f, f.Arguments)
	case "response.code_interpreter_call_code.delta", "response.code_interpreter_call_code.done":
		return stringEvent(ev, merge.FieldCode, item, f, rawString(f.Code))
	case "response.reasoning_summary_text.delta", "response.reasoning_summary_text.done":
		return stringEvent(ev, merge.FieldReasoningSummary, summary, f, f.Text)

	case "response.reasoning_summary_part.added":
		ev.Kind, ev.Field, ev.Path = merge.KindAdded, merge.FieldReasoningSummary, summary
		return []merge.Event{ev}, nil
	case "response.reasoning_summary_part.done":
		var p struct {
			Text string `json:"text"`
		}
		if len(f.Part) > 0 {
			if err := json.Unmarshal(f.Part, &p); err != nil {
				return nil, malformed(f.Type, err)
			}
		}
		ev.Kind, ev.Field, ev.Path, ev.Value = merge.KindDone, merge.FieldReasoningSummary, summary, p.Text
		return []merge.Event{ev}, nil
	}

	// Hosted tool progress: response.<tool>_call.<phase>.
	if strings.HasSuffix(f.Type, ".completed") || strings.HasSuffix(f.Type, ".failed") {
		if strings.Contains(f.Type, "_call.") {
			status := f.Type[strings.LastIndexByte(f.Type, '.')+1:]
			ev.Kind, ev.Field, ev.Path, ev.Value = merge.KindDone, merge.FieldItem, item, status
			return []merge.Event{ev}, nil
		}
	}
	if strings.Contains(f.Type, "_call.") {
		return nil, nil
	}

	ev.Kind, ev.Field, ev.Path = merge.Kind(""), merge.Field(""), merge.Root()
	return []merge.Event{ev}, nil
}

func responseEvent(ev merge.Event, kind merge.Kind, f responsesFrame) ([]merge.Event, error) {
	var resp snapshot.Response
	if err := json.Unmarshal(f.Response, &resp); err != nil {
		return nil, malformed(f.Type, err)
	}
	ev.Kind, ev.Field, ev.Path, ev.Response = kind, merge.FieldResponse, merge.Root(), &resp
	return []merge.Event{ev}, nil
}

func stringEvent(ev merge.Event, field merge.Field, path merge.Path, f responsesFrame, final string) ([]merge.Event, error) {
	ev.Field, ev.Path = field, path
	if strings.HasSuffix(f.Type, ".delta") {
		ev.Kind, ev.Delta = merge.KindDelta, rawString(f.Delta)
	} else {
		ev.Kind, ev.Value = merge.KindDone, final
	}
	return []merge.Event{ev}, nil
}

func kindOf(eventType string) merge.Kind {
	if strings.HasSuffix(eventType, ".done") {
		return merge.KindDone
	}
	return merge.KindAdded
}

// rawString decodes a JSON string, passing through anything else verbatim.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
