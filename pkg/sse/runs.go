package sse

import (
	"encoding/json"
	"strings"

	"github.com/cexll/streamsdk-go/pkg/merge"
	"github.com/cexll/streamsdk-go/pkg/snapshot"
)

// Runs decodes the assistant run event stream. The run object is the
// response; messages become output items in creation order. Use one Runs
// per stream.
type Runs struct {
	runID    string
	next     int
	messages map[string]int
	parts    map[string]map[int]bool
}

// NewRuns returns a fresh Runs dialect.
func NewRuns() *Runs {
	return &Runs{messages: make(map[string]int), parts: make(map[string]map[int]bool)}
}

// NewRunsFrom returns a Runs dialect continuing base: known messages keep
// their slots and new ones are appended after base's output.
func NewRunsFrom(base *snapshot.Response) *Runs {
	r := NewRuns()
	if base == nil {
		return r
	}
	r.runID = base.ID
	r.next = len(base.Output)
	for i, item := range base.Output {
		msg, ok := item.(*snapshot.Message)
		if !ok || msg.ID == "" {
			continue
		}
		r.messages[msg.ID] = i
		seen := make(map[int]bool, len(msg.Content))
		for j, part := range msg.Content {
			if part != nil {
				seen[j] = true
			}
		}
		r.parts[msg.ID] = seen
	}
	return r
}

func (*Runs) Name() string { return "runs" }

type runMessage struct {
	ID      string           `json:"id"`
	RunID   string           `json:"run_id"`
	Role    string           `json:"role"`
	Status  snapshot.Status  `json:"status"`
	Content []runContent     `json:"content"`
	Delta   *runMessageDelta `json:"delta"`
}

type runMessageDelta struct {
	Content []runContent `json:"content"`
}

type runContent struct {
	Index int    `json:"index"`
	Type  string `json:"type"`
	Text  *struct {
		Value       string          `json:"value"`
		Annotations []runAnnotation `json:"annotations"`
	} `json:"text"`
	Refusal   string `json:"refusal"`
	ImageFile *struct {
		FileID string `json:"file_id"`
		Detail string `json:"detail"`
	} `json:"image_file"`
	ImageURL *struct {
		URL    string `json:"url"`
		Detail string `json:"detail"`
	} `json:"image_url"`
}

type runAnnotation struct {
	Index        int    `json:"index"`
	Type         string `json:"type"`
	Text         string `json:"text"`
	StartIndex   int    `json:"start_index"`
	EndIndex     int    `json:"end_index"`
	FileCitation *struct {
		FileID string `json:"file_id"`
	} `json:"file_citation"`
	FilePath *struct {
		FileID string `json:"file_id"`
	} `json:"file_path"`
}

func (r *Runs) Decode(eventType string, data []byte) ([]merge.Event, error) {
	switch {
	case eventType == "":
		return nil, nil
	case eventType == "error":
		return nil, ParseStreamError(data)
	case strings.HasPrefix(eventType, "thread.run.step."):
		return nil, nil
	case strings.HasPrefix(eventType, "thread.run."):
		var run snapshot.Response
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, malformed(eventType, err)
		}
		if run.Object == "" {
			run.Object = "thread.run"
		}
		r.runID = run.ID
		kind := merge.KindAdded
		if run.Status.IsTerminal() {
			kind = merge.KindCompleted
		}
		return []merge.Event{{Kind: kind, Field: merge.FieldResponse, Path: merge.Root(), RawType: eventType, Response: &run}}, nil
	case strings.HasPrefix(eventType, "thread.message."):
		var msg runMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed(eventType, err)
		}
		return r.messageEvents(eventType, msg), nil
	case eventType == "thread.created", eventType == "done":
		return nil, nil
	}
	return []merge.Event{{RawType: eventType, Path: merge.Root()}}, nil
}

func (r *Runs) messageEvents(eventType string, msg runMessage) []merge.Event {
	var events []merge.Event
	idx, ok := r.messages[msg.ID]
	if !ok {
		idx = r.next
		r.next++
		r.messages[msg.ID] = idx
		r.parts[msg.ID] = make(map[int]bool)
		role := msg.Role
		if role == "" {
			role = "assistant"
		}
		events = append(events, merge.Event{
			Kind: merge.KindAdded, Field: merge.FieldItem, Path: merge.ItemPath(idx), RawType: eventType,
			Item: &snapshot.Message{ID: msg.ID, Role: role, Status: snapshot.StatusInProgress},
		})
	}

	switch eventType {
	case "thread.message.delta":
		if msg.Delta != nil {
			for _, c := range msg.Delta.Content {
				events = append(events, r.contentEvents(eventType, msg.ID, idx, c, true)...)
			}
		}
	case "thread.message.completed", "thread.message.incomplete":
		for i, c := range msg.Content {
			c.Index = i
			events = append(events, r.contentEvents(eventType, msg.ID, idx, c, false)...)
		}
		status := msg.Status
		if status == "" {
			status = snapshot.StatusCompleted
		}
		events = append(events, merge.Event{
			Kind: merge.KindDone, Field: merge.FieldItem, Path: merge.ItemPath(idx), RawType: eventType, Value: string(status),
		})
	}

	runID := msg.RunID
	if runID == "" {
		runID = r.runID
	}
	for i := range events {
		events[i].ItemID = msg.ID
		events[i].ResponseID = runID
	}
	return events
}

// contentEvents announces a content slot on first sight, then streams
// (delta) or finalizes (done) its text.
func (r *Runs) contentEvents(eventType, msgID string, item int, c runContent, delta bool) []merge.Event {
	var events []merge.Event
	path := merge.PartPath(item, c.Index)
	if !r.parts[msgID][c.Index] {
		r.parts[msgID][c.Index] = true
		var part snapshot.ContentPart
		switch c.Type {
		case "text":
			part = &snapshot.OutputText{}
		case "refusal":
			part = &snapshot.Refusal{}
		case "image_file":
			img := &snapshot.Image{}
			if c.ImageFile != nil {
				img.FileID, img.Detail = c.ImageFile.FileID, c.ImageFile.Detail
			}
			part = img
		case "image_url":
			img := &snapshot.Image{}
			if c.ImageURL != nil {
				img.ImageURL, img.Detail = c.ImageURL.URL, c.ImageURL.Detail
			}
			part = img
		default:
			return append(events, merge.Event{RawType: eventType + "." + c.Type, Path: path})
		}
		events = append(events, merge.Event{Kind: merge.KindAdded, Field: merge.FieldPart, Path: path, RawType: eventType, Part: part})
	}

	switch {
	case c.Type == "text" && c.Text != nil:
		if delta {
			if c.Text.Value != "" {
				events = append(events, merge.Event{Kind: merge.KindDelta, Field: merge.FieldText, Path: path, RawType: eventType, Delta: c.Text.Value})
			}
		} else {
			events = append(events, merge.Event{Kind: merge.KindDone, Field: merge.FieldText, Path: path, RawType: eventType, Value: c.Text.Value})
		}
		for i, a := range c.Text.Annotations {
			sub := a.Index
			if !delta {
				sub = i
			}
			ann := convertRunAnnotation(a)
			events = append(events, merge.Event{
				Kind: merge.KindAdded, Field: merge.FieldAnnotation, Path: merge.AnnotationPath(item, c.Index, sub), RawType: eventType, Annotation: &ann,
			})
		}
	case c.Type == "refusal":
		if delta {
			if c.Refusal != "" {
				events = append(events, merge.Event{Kind: merge.KindDelta, Field: merge.FieldRefusal, Path: path, RawType: eventType, Delta: c.Refusal})
			}
		} else {
			events = append(events, merge.Event{Kind: merge.KindDone, Field: merge.FieldRefusal, Path: path, RawType: eventType, Value: c.Refusal})
		}
	}
	return events
}

func convertRunAnnotation(a runAnnotation) snapshot.Annotation {
	ann := snapshot.Annotation{
		Type:       snapshot.AnnotationType(a.Type),
		Title:      a.Text,
		StartIndex: a.StartIndex,
		EndIndex:   a.EndIndex,
	}
	switch {
	case a.FileCitation != nil:
		ann.FileID = a.FileCitation.FileID
	case a.FilePath != nil:
		ann.FileID = a.FilePath.FileID
	}
	return ann
}
