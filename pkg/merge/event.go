// Package merge applies partial-update events to a response snapshot.
//
// Every event names its own path, so interleaved output indexes and choices
// land in sibling slots without any notion of a current item. Merge is the
// pure form; Accumulator is the in-place builder used by streams.
package merge

import (
	"fmt"
	"strings"

	"github.com/cexll/streamsdk-go/pkg/snapshot"
)

// Kind is the event discriminant.
type Kind string

const (
	KindAdded     Kind = "added"
	KindDelta     Kind = "delta"
	KindDone      Kind = "done"
	KindCompleted Kind = "completed"
)

// Field names what the event path addresses.
type Field string

const (
	FieldResponse         Field = "response"
	FieldItem             Field = "item"
	FieldPart             Field = "part"
	FieldAnnotation       Field = "annotation"
	FieldText             Field = "text"
	FieldRefusal          Field = "refusal"
	FieldArguments        Field = "arguments"
	FieldReasoningSummary Field = "reasoning_summary"
	FieldCode             Field = "code"
	FieldToolCall         Field = "tool_call"
)

// Path addresses a slot. Negative components are absent.
//
// Item is the output (or choice) index. Part is the content index, or the
// summary index for reasoning. Sub is the annotation index inside a text part,
// or the tool call index inside a message.
type Path struct {
	Item int
	Part int
	Sub  int
}

// Root addresses the response itself.
func Root() Path { return Path{Item: -1, Part: -1, Sub: -1} }

// ItemPath addresses output[item].
func ItemPath(item int) Path { return Path{Item: item, Part: -1, Sub: -1} }

// PartPath addresses output[item].content[part].
func PartPath(item, part int) Path { return Path{Item: item, Part: part, Sub: -1} }

// AnnotationPath addresses output[item].content[part].annotations[sub].
func AnnotationPath(item, part, sub int) Path { return Path{Item: item, Part: part, Sub: sub} }

// ToolCallPath addresses output[item].tool_calls[sub].
func ToolCallPath(item, sub int) Path { return Path{Item: item, Part: -1, Sub: sub} }

func (p Path) String() string {
	if p.Item < 0 {
		return "response"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "output[%d]", p.Item)
	if p.Part >= 0 {
		fmt.Fprintf(&b, ".content[%d]", p.Part)
	}
	if p.Sub >= 0 {
		fmt.Fprintf(&b, ".sub[%d]", p.Sub)
	}
	return b.String()
}

// Event is one self-describing partial update.
type Event struct {
	Kind  Kind
	Field Field
	Path  Path

	// ResponseID and ItemID, when set, must match what the snapshot holds.
	ResponseID string
	ItemID     string

	// Delta is the fragment appended by delta events; Value is the
	// authoritative string carried by done events.
	Delta string
	Value string

	Item       snapshot.Item
	Part       snapshot.ContentPart
	Annotation *snapshot.Annotation
	ToolCall   *snapshot.FunctionCall
	Response   *snapshot.Response

	// RawType is the wire event name, kept for diagnostics.
	RawType string
}

func (e Event) describe() string {
	if e.RawType != "" {
		return e.RawType
	}
	return string(e.Field) + "." + string(e.Kind)
}
