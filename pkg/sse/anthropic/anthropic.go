// Package anthropic maps Anthropic Messages stream events to merge events.
//
// The whole message is one output item. Text blocks become content parts
// and tool_use blocks become message tool calls, both keyed by the block
// index, so blocks of the other kind leave placeholder gaps.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/cexll/streamsdk-go/pkg/merge"
	"github.com/cexll/streamsdk-go/pkg/snapshot"
	"github.com/cexll/streamsdk-go/pkg/sse"
)

const messageItem = 0

// Dialect converts Messages stream events. Use one Dialect per stream.
type Dialect struct {
	messageID  string
	blocks     map[int]string
	stopReason string
	usage      snapshot.Usage
}

// NewDialect returns a fresh Dialect.
func NewDialect() *Dialect {
	return &Dialect{blocks: make(map[int]string)}
}

func (*Dialect) Name() string { return "anthropic" }

// Decode implements sse.Dialect for raw event-stream bodies.
func (d *Dialect) Decode(eventType string, data []byte) ([]merge.Event, error) {
	switch eventType {
	case "error":
		return nil, sse.ParseStreamError(data)
	case "ping":
		return nil, nil
	}
	var ev anthropicsdk.MessageStreamEventUnion
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", sse.ErrMalformedFrame, eventType, err)
	}
	return d.Convert(ev), nil
}

// Convert maps one SDK stream event.
func (d *Dialect) Convert(event anthropicsdk.MessageStreamEventUnion) []merge.Event {
	raw := event.Type
	switch ev := event.AsAny().(type) {
	case anthropicsdk.MessageStartEvent:
		d.messageID = ev.Message.ID
		resp := &snapshot.Response{
			ID:     ev.Message.ID,
			Object: "message",
			Model:  string(ev.Message.Model),
			Status: snapshot.StatusInProgress,
			Usage:  d.addUsage(ev.Message.Usage.InputTokens, ev.Message.Usage.OutputTokens, ev.Message.Usage.CacheReadInputTokens, ev.Message.Usage.CacheCreationInputTokens),
		}
		return []merge.Event{
			{Kind: merge.KindAdded, Field: merge.FieldResponse, Path: merge.Root(), RawType: raw, Response: resp},
			{Kind: merge.KindAdded, Field: merge.FieldItem, Path: merge.ItemPath(messageItem), RawType: raw,
				Item: &snapshot.Message{ID: ev.Message.ID, Role: "assistant", Status: snapshot.StatusInProgress}},
		}

	case anthropicsdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		block := ev.ContentBlock
		d.blocks[idx] = block.Type
		switch block.Type {
		case "text":
			out := []merge.Event{d.event(merge.KindAdded, merge.FieldPart, merge.PartPath(messageItem, idx), raw, func(e *merge.Event) {
				e.Part = &snapshot.OutputText{}
			})}
			if block.Text != "" {
				out = append(out, d.event(merge.KindDelta, merge.FieldText, merge.PartPath(messageItem, idx), raw, func(e *merge.Event) {
					e.Delta = block.Text
				}))
			}
			return out
		case "tool_use", "server_tool_use":
			return []merge.Event{d.event(merge.KindAdded, merge.FieldToolCall, merge.ToolCallPath(messageItem, idx), raw, func(e *merge.Event) {
				e.ToolCall = &snapshot.FunctionCall{ID: block.ID, CallID: block.ID, Name: block.Name, Status: snapshot.StatusInProgress}
			})}
		}
		// Thinking and redacted blocks are not assembled.
		return nil

	case anthropicsdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch ev.Delta.Type {
		case "text_delta":
			return []merge.Event{d.event(merge.KindDelta, merge.FieldText, merge.PartPath(messageItem, idx), raw, func(e *merge.Event) {
				e.Delta = ev.Delta.Text
			})}
		case "input_json_delta":
			if ev.Delta.PartialJSON == "" {
				return nil
			}
			return []merge.Event{d.event(merge.KindDelta, merge.FieldArguments, merge.ToolCallPath(messageItem, idx), raw, func(e *merge.Event) {
				e.Delta = ev.Delta.PartialJSON
			})}
		}
		return nil

	case anthropicsdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		switch d.blocks[idx] {
		case "tool_use", "server_tool_use":
			return []merge.Event{d.event(merge.KindDone, merge.FieldToolCall, merge.ToolCallPath(messageItem, idx), raw, nil)}
		}
		return nil

	case anthropicsdk.MessageDeltaEvent:
		d.stopReason = string(ev.Delta.StopReason)
		resp := &snapshot.Response{
			Usage:    d.addUsage(ev.Usage.InputTokens, ev.Usage.OutputTokens, ev.Usage.CacheReadInputTokens, ev.Usage.CacheCreationInputTokens),
			Metadata: map[string]any{"stop_reason": d.stopReason},
		}
		return []merge.Event{{Kind: merge.KindAdded, Field: merge.FieldResponse, Path: merge.Root(), RawType: raw, Response: resp}}

	case anthropicsdk.MessageStopEvent:
		final := &snapshot.Response{Status: snapshot.StatusCompleted}
		if d.stopReason == "max_tokens" {
			final.Status = snapshot.StatusIncomplete
			final.IncompleteDetails = &snapshot.IncompleteDetails{Reason: "max_output_tokens"}
		}
		return []merge.Event{
			d.event(merge.KindDone, merge.FieldItem, merge.ItemPath(messageItem), raw, func(e *merge.Event) { e.Value = string(final.Status) }),
			{Kind: merge.KindCompleted, Field: merge.FieldResponse, Path: merge.Root(), RawType: raw, Response: final},
		}
	}
	return []merge.Event{{RawType: raw, Path: merge.Root()}}
}

func (d *Dialect) event(kind merge.Kind, field merge.Field, path merge.Path, raw string, fill func(*merge.Event)) merge.Event {
	e := merge.Event{Kind: kind, Field: field, Path: path, RawType: raw, ItemID: d.messageID}
	if fill != nil {
		fill(&e)
	}
	return e
}

// addUsage folds counts into the running usage. message_delta reports
// cumulative counts and may omit the input side, so zeros keep the
// previous value.
func (d *Dialect) addUsage(in, out, cacheRead, cacheWrite int64) *snapshot.Usage {
	if in != 0 {
		d.usage.InputTokens = in
	}
	if out != 0 {
		d.usage.OutputTokens = out
	}
	if cacheRead != 0 {
		d.usage.CacheReadTokens = cacheRead
	}
	if cacheWrite != 0 {
		d.usage.CacheWriteTokens = cacheWrite
	}
	d.usage.TotalTokens = d.usage.InputTokens + d.usage.OutputTokens
	u := d.usage
	return &u
}

// Source adapts an SDK stream so it can be assembled like a raw body.
type Source struct {
	stream  *ssestream.Stream[anthropicsdk.MessageStreamEventUnion]
	dialect *Dialect
	queue   []merge.Event
	stopped bool
}

// NewSource wraps stream, as returned by Messages.NewStreaming.
func NewSource(stream *ssestream.Stream[anthropicsdk.MessageStreamEventUnion]) *Source {
	return &Source{stream: stream, dialect: NewDialect()}
}

// Next returns the next merge event or io.EOF.
func (s *Source) Next(ctx context.Context) (merge.Event, error) {
	for len(s.queue) == 0 {
		if err := ctx.Err(); err != nil {
			return merge.Event{}, err
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return merge.Event{}, fmt.Errorf("anthropic: read stream: %w", err)
			}
			return merge.Event{}, io.EOF
		}
		ev := s.stream.Current()
		if _, ok := ev.AsAny().(anthropicsdk.MessageStopEvent); ok {
			s.stopped = true
		}
		s.queue = s.dialect.Convert(ev)
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, nil
}

// Terminated reports whether message_stop was seen.
func (s *Source) Terminated() bool { return s.stopped }

// Dialect returns the dialect name.
func (s *Source) Dialect() string { return s.dialect.Name() }

// Close releases the stream.
func (s *Source) Close() error { return s.stream.Close() }
