package merge

import (
	"errors"
	"maps"
	"reflect"

	"github.com/cexll/streamsdk-go/pkg/snapshot"
	"github.com/cexll/streamsdk-go/pkg/sparse"
)

// Merge applies ev to a copy of snap and returns the copy. snap is never
// modified. A nil snap starts from an empty response.
func Merge(snap *snapshot.Response, ev Event) (*snapshot.Response, []Warning, error) {
	var next *snapshot.Response
	if snap == nil {
		next = &snapshot.Response{}
	} else {
		next = snap.Clone()
	}
	var warnings []Warning
	if err := apply(next, ev, &warnings); err != nil {
		return nil, warnings, err
	}
	return next, warnings, nil
}

// MergeAll folds events over snap, stopping at the first fatal error.
func MergeAll(snap *snapshot.Response, events ...Event) (*snapshot.Response, []Warning, error) {
	acc := NewAccumulatorFrom(snap)
	for _, ev := range events {
		if err := acc.Apply(ev); err != nil {
			return nil, acc.Warnings(), err
		}
	}
	return acc.Snapshot(), acc.Warnings(), nil
}

func apply(snap *snapshot.Response, ev Event, warnings *[]Warning) error {
	handler := lookup(ev)
	if handler == nil {
		*warnings = append(*warnings, Warning{Code: WarningUnknownEvent, Event: ev.describe(), Path: ev.Path})
		return nil
	}
	if snap.Status.IsTerminal() && !isTerminalRepeat(snap, ev) {
		return violation(ev, "snapshot sealed at status %q", snap.Status)
	}
	if ev.ResponseID != "" {
		if snap.ID != "" && snap.ID != ev.ResponseID {
			return violation(ev, "response id %q does not match %q", ev.ResponseID, snap.ID)
		}
		snap.ID = ev.ResponseID
	}
	return handler(snap, ev, warnings)
}

type handlerFunc func(*snapshot.Response, Event, *[]Warning) error

func lookup(ev Event) handlerFunc {
	switch ev.Field {
	case FieldResponse, "":
		switch ev.Kind {
		case KindAdded, KindDone, KindCompleted:
			return applyResponse
		}
	case FieldItem:
		switch ev.Kind {
		case KindAdded:
			return addItem
		case KindDone:
			return doneItem
		}
	case FieldPart:
		switch ev.Kind {
		case KindAdded:
			return addPart
		case KindDone:
			return donePart
		}
	case FieldAnnotation:
		if ev.Kind == KindAdded {
			return addAnnotation
		}
	case FieldToolCall:
		switch ev.Kind {
		case KindAdded:
			return addToolCall
		case KindDone:
			return doneToolCall
		}
	case FieldReasoningSummary:
		if ev.Kind == KindAdded {
			return addSummary
		}
		if ev.Kind == KindDelta || ev.Kind == KindDone {
			return accumulate
		}
	case FieldText, FieldRefusal, FieldArguments, FieldCode:
		if ev.Kind == KindDelta || ev.Kind == KindDone {
			return accumulate
		}
	}
	return nil
}

// isTerminalRepeat accepts a second terminal frame for the same response,
// which some servers send before closing.
func isTerminalRepeat(snap *snapshot.Response, ev Event) bool {
	if ev.Field != FieldResponse && ev.Field != "" {
		return false
	}
	if ev.Kind != KindCompleted || ev.Response == nil {
		return false
	}
	return ev.Response.Status == snap.Status && (ev.Response.ID == "" || ev.Response.ID == snap.ID)
}

// applyResponse replaces top-level scalars. Assembled output is kept; the
// event's output is only used for slots nothing was assembled into.
func applyResponse(snap *snapshot.Response, ev Event, warnings *[]Warning) error {
	src := ev.Response
	if src == nil {
		*warnings = append(*warnings, Warning{Code: WarningMissingPayload, Event: ev.describe(), Path: ev.Path})
		return nil
	}
	if src.ID != "" {
		if snap.ID != "" && snap.ID != src.ID {
			return violation(ev, "response id %q does not match %q", src.ID, snap.ID)
		}
		snap.ID = src.ID
	}
	if src.Object != "" {
		snap.Object = src.Object
	}
	if src.Model != "" {
		snap.Model = src.Model
	}
	if src.Status != "" {
		snap.Status = src.Status
		snap.RequiredAction = src.RequiredAction.Clone()
	} else if src.RequiredAction != nil {
		snap.RequiredAction = src.RequiredAction.Clone()
	}
	if src.CreatedAt != 0 {
		snap.CreatedAt = src.CreatedAt
	}
	if src.CompletedAt != 0 {
		snap.CompletedAt = src.CompletedAt
	}
	if src.Usage != nil {
		u := *src.Usage
		snap.Usage = &u
	}
	if src.Metadata != nil {
		snap.Metadata = maps.Clone(src.Metadata)
	}
	if src.LastError != nil {
		e := *src.LastError
		snap.LastError = &e
	}
	if src.IncompleteDetails != nil {
		d := *src.IncompleteDetails
		snap.IncompleteDetails = &d
	}
	for i, it := range src.Output {
		if isNil(it) {
			continue
		}
		var err error
		snap.Output, err = upsert(ev, snap.Output, i, it.Clone(), keepAssembled(ev, i))
		if err != nil {
			return err
		}
	}
	return nil
}

// keepAssembled keeps what was streamed into an occupied output slot, so a
// completed object only fills slots nothing was assembled into.
func keepAssembled(ev Event, i int) sparse.MergeFunc[snapshot.Item] {
	return func(existing, incoming snapshot.Item) (snapshot.Item, error) {
		if id := existing.ItemID(); id != "" && incoming.ItemID() != "" && id != incoming.ItemID() {
			return existing, violation(ev, "output[%d] id %q does not match %q", i, incoming.ItemID(), id)
		}
		return existing, nil
	}
}

// upsert is sparse.Upsert with negative indexes reported at the event's path.
func upsert[T any](ev Event, list []T, index int, value T, fn sparse.MergeFunc[T]) ([]T, error) {
	out, err := sparse.Upsert(list, index, value, fn)
	if errors.Is(err, sparse.ErrNegativeIndex) {
		return list, &PathError{Event: ev.describe(), Path: ev.Path, Err: err}
	}
	return out, err
}

func addItem(snap *snapshot.Response, ev Event, warnings *[]Warning) error {
	if isNil(ev.Item) {
		*warnings = append(*warnings, Warning{Code: WarningMissingPayload, Event: ev.describe(), Path: ev.Path})
		return nil
	}
	// Re-announcing an item keeps whatever was already assembled into it.
	out, err := upsert(ev, snap.Output, ev.Path.Item, ev.Item.Clone(), func(existing, incoming snapshot.Item) (snapshot.Item, error) {
		return existing, sameItem(ev, existing, incoming)
	})
	if err != nil {
		return err
	}
	snap.Output = out
	return nil
}

func doneItem(snap *snapshot.Response, ev Event, warnings *[]Warning) error {
	existing, err := itemAt(snap, ev)
	if err != nil {
		return err
	}
	if isNil(ev.Item) {
		status := snapshot.StatusCompleted
		if ev.Value != "" {
			status = snapshot.ParseStatus(ev.Value)
		}
		setItemStatus(existing, status)
		return nil
	}
	if err := sameItem(ev, existing, ev.Item); err != nil {
		return err
	}
	final := ev.Item.Clone()
	*warnings = append(*warnings, compareItem(ev, existing, final)...)
	snap.Output[ev.Path.Item] = final
	return nil
}

func addPart(snap *snapshot.Response, ev Event, warnings *[]Warning) error {
	if isNil(ev.Part) {
		*warnings = append(*warnings, Warning{Code: WarningMissingPayload, Event: ev.describe(), Path: ev.Path})
		return nil
	}
	msg, ok, err := partOwner(snap, ev, warnings)
	if err != nil || !ok {
		return err
	}
	content, err := upsert(ev, msg.Content, ev.Path.Part, ev.Part.Clone(), func(existing, incoming snapshot.ContentPart) (snapshot.ContentPart, error) {
		if existing.PartType() != incoming.PartType() {
			return existing, violation(ev, "slot holds %s part, event adds %s", existing.PartType(), incoming.PartType())
		}
		return existing, nil
	})
	if err != nil {
		return err
	}
	msg.Content = content
	return nil
}

func donePart(snap *snapshot.Response, ev Event, warnings *[]Warning) error {
	msg, ok, err := partOwner(snap, ev, warnings)
	if err != nil || !ok {
		return err
	}
	existing, ok := sparse.Get(msg.Content, ev.Path.Part)
	if !ok {
		return notFound(ev, "content part not added")
	}
	if isNil(ev.Part) {
		*warnings = append(*warnings, Warning{Code: WarningMissingPayload, Event: ev.describe(), Path: ev.Path})
		return nil
	}
	if existing.PartType() != ev.Part.PartType() {
		return violation(ev, "slot holds %s part, event completes %s", existing.PartType(), ev.Part.PartType())
	}
	final := ev.Part.Clone()
	if w, ok := mismatch(ev, ev.Path, partText(existing), partText(final)); ok {
		*warnings = append(*warnings, w)
	}
	msg.Content[ev.Path.Part] = final
	return nil
}

func addAnnotation(snap *snapshot.Response, ev Event, warnings *[]Warning) error {
	if ev.Annotation == nil {
		*warnings = append(*warnings, Warning{Code: WarningMissingPayload, Event: ev.describe(), Path: ev.Path})
		return nil
	}
	text, err := textAt(snap, ev)
	if err != nil {
		return err
	}
	anns, err := upsert(ev, text.Annotations, ev.Path.Sub, *ev.Annotation, nil)
	if err != nil {
		return err
	}
	text.Annotations = anns
	return nil
}

func addToolCall(snap *snapshot.Response, ev Event, warnings *[]Warning) error {
	if ev.ToolCall == nil {
		*warnings = append(*warnings, Warning{Code: WarningMissingPayload, Event: ev.describe(), Path: ev.Path})
		return nil
	}
	msg, err := messageAt(snap, ev)
	if err != nil {
		return err
	}
	tc := *ev.ToolCall
	calls, err := upsert(ev, msg.ToolCalls, ev.Path.Sub, &tc, func(existing, incoming *snapshot.FunctionCall) (*snapshot.FunctionCall, error) {
		if existing.ID != "" && incoming.ID != "" && existing.ID != incoming.ID {
			return existing, violation(ev, "tool call id %q does not match %q", incoming.ID, existing.ID)
		}
		if existing.Name == "" {
			existing.Name = incoming.Name
		}
		if existing.ID == "" {
			existing.ID = incoming.ID
		}
		return existing, nil
	})
	if err != nil {
		return err
	}
	msg.ToolCalls = calls
	return nil
}

func doneToolCall(snap *snapshot.Response, ev Event, warnings *[]Warning) error {
	msg, err := messageAt(snap, ev)
	if err != nil {
		return err
	}
	existing, ok := sparse.Get(msg.ToolCalls, ev.Path.Sub)
	if !ok {
		return notFound(ev, "tool call not added")
	}
	if ev.ToolCall == nil {
		existing.Status = snapshot.StatusCompleted
		return nil
	}
	if existing.ID != "" && ev.ToolCall.ID != "" && existing.ID != ev.ToolCall.ID {
		return violation(ev, "tool call id %q does not match %q", ev.ToolCall.ID, existing.ID)
	}
	if w, ok := mismatch(ev, ev.Path, existing.Arguments, ev.ToolCall.Arguments); ok {
		*warnings = append(*warnings, w)
	}
	tc := *ev.ToolCall
	msg.ToolCalls[ev.Path.Sub] = &tc
	return nil
}

func addSummary(snap *snapshot.Response, ev Event, _ *[]Warning) error {
	rs, err := reasoningAt(snap, ev)
	if err != nil {
		return err
	}
	summary, err := upsert(ev, rs.Summary, ev.Path.Part, &snapshot.SummaryText{Text: ev.Value}, func(existing, _ *snapshot.SummaryText) (*snapshot.SummaryText, error) {
		return existing, nil
	})
	if err != nil {
		return err
	}
	rs.Summary = summary
	return nil
}

// accumulate handles every append-string field. Delta appends, done
// overwrites with the authoritative value.
func accumulate(snap *snapshot.Response, ev Event, warnings *[]Warning) error {
	target, err := stringAt(snap, ev)
	if err != nil {
		return err
	}
	switch ev.Kind {
	case KindDelta:
		*target += ev.Delta
	case KindDone:
		if w, ok := mismatch(ev, ev.Path, *target, ev.Value); ok {
			*warnings = append(*warnings, w)
		}
		*target = ev.Value
	}
	return nil
}

// stringAt resolves the accumulating string an event addresses.
func stringAt(snap *snapshot.Response, ev Event) (*string, error) {
	switch ev.Field {
	case FieldText:
		text, err := textAt(snap, ev)
		if err != nil {
			return nil, err
		}
		return &text.Text, nil
	case FieldRefusal:
		msg, err := messageAt(snap, ev)
		if err != nil {
			return nil, err
		}
		part, ok := sparse.Get(msg.Content, ev.Path.Part)
		if !ok {
			return nil, notFound(ev, "content part not added")
		}
		ref, ok := part.(*snapshot.Refusal)
		if !ok {
			return nil, notFound(ev, "content part is %s, not refusal", part.PartType())
		}
		return &ref.Refusal, nil
	case FieldArguments:
		if ev.Path.Sub >= 0 {
			msg, err := messageAt(snap, ev)
			if err != nil {
				return nil, err
			}
			tc, ok := sparse.Get(msg.ToolCalls, ev.Path.Sub)
			if !ok {
				return nil, notFound(ev, "tool call not added")
			}
			return &tc.Arguments, nil
		}
		it, err := itemAt(snap, ev)
		if err != nil {
			return nil, err
		}
		switch v := it.(type) {
		case *snapshot.FunctionCall:
			return &v.Arguments, nil
		case *snapshot.MCPCall:
			return &v.Arguments, nil
		}
		return nil, notFound(ev, "%s item has no arguments", it.ItemType())
	case FieldCode:
		it, err := itemAt(snap, ev)
		if err != nil {
			return nil, err
		}
		ci, ok := it.(*snapshot.CodeInterpreterCall)
		if !ok {
			return nil, notFound(ev, "%s item has no code", it.ItemType())
		}
		return &ci.Code, nil
	case FieldReasoningSummary:
		rs, err := reasoningAt(snap, ev)
		if err != nil {
			return nil, err
		}
		s, ok := sparse.Get(rs.Summary, ev.Path.Part)
		if !ok {
			return nil, notFound(ev, "summary part not added")
		}
		return &s.Text, nil
	}
	return nil, notFound(ev, "field %q is not a string", ev.Field)
}

func itemAt(snap *snapshot.Response, ev Event) (snapshot.Item, error) {
	it, ok := sparse.Get(snap.Output, ev.Path.Item)
	if !ok {
		return nil, notFound(ev, "output item not added")
	}
	if ev.ItemID != "" && it.ItemID() != "" && it.ItemID() != ev.ItemID {
		return nil, violation(ev, "item id %q does not match %q", ev.ItemID, it.ItemID())
	}
	return it, nil
}

func messageAt(snap *snapshot.Response, ev Event) (*snapshot.Message, error) {
	it, err := itemAt(snap, ev)
	if err != nil {
		return nil, err
	}
	msg, ok := it.(*snapshot.Message)
	if !ok {
		return nil, notFound(ev, "output item is %s, not message", it.ItemType())
	}
	return msg, nil
}

// partOwner resolves the message whose content an event addresses. Parts
// of other item kinds are not modeled: ok is false and the event is
// reported as unknown.
func partOwner(snap *snapshot.Response, ev Event, warnings *[]Warning) (*snapshot.Message, bool, error) {
	it, err := itemAt(snap, ev)
	if err != nil {
		return nil, false, err
	}
	msg, ok := it.(*snapshot.Message)
	if !ok {
		*warnings = append(*warnings, Warning{Code: WarningUnknownEvent, Event: ev.describe(), Path: ev.Path})
		return nil, false, nil
	}
	return msg, true, nil
}

func textAt(snap *snapshot.Response, ev Event) (*snapshot.OutputText, error) {
	msg, err := messageAt(snap, ev)
	if err != nil {
		return nil, err
	}
	part, ok := sparse.Get(msg.Content, ev.Path.Part)
	if !ok {
		return nil, notFound(ev, "content part not added")
	}
	text, ok := part.(*snapshot.OutputText)
	if !ok {
		return nil, notFound(ev, "content part is %s, not output_text", part.PartType())
	}
	return text, nil
}

func reasoningAt(snap *snapshot.Response, ev Event) (*snapshot.Reasoning, error) {
	it, err := itemAt(snap, ev)
	if err != nil {
		return nil, err
	}
	rs, ok := it.(*snapshot.Reasoning)
	if !ok {
		return nil, notFound(ev, "output item is %s, not reasoning", it.ItemType())
	}
	return rs, nil
}

func sameItem(ev Event, existing, incoming snapshot.Item) error {
	if existing.ItemType() != incoming.ItemType() {
		return violation(ev, "slot holds %s item, event carries %s", existing.ItemType(), incoming.ItemType())
	}
	if existing.ItemID() != "" && incoming.ItemID() != "" && existing.ItemID() != incoming.ItemID() {
		return violation(ev, "item id %q does not match %q", incoming.ItemID(), existing.ItemID())
	}
	if ev.ItemID != "" && existing.ItemID() != "" && ev.ItemID != existing.ItemID() {
		return violation(ev, "item id %q does not match %q", ev.ItemID, existing.ItemID())
	}
	return nil
}

// mismatch reports a done value that disagrees with non-empty accumulated
// deltas. An empty accumulation means the server skipped deltas for this
// field, which is not a disagreement.
func mismatch(ev Event, path Path, accumulated, final string) (Warning, bool) {
	if accumulated == "" || accumulated == final {
		return Warning{}, false
	}
	return Warning{Code: WarningDoneMismatch, Event: ev.describe(), Path: path, Accumulated: accumulated, Final: final}, true
}

func compareItem(ev Event, existing, final snapshot.Item) []Warning {
	var out []Warning
	check := func(path Path, a, b string) {
		if w, ok := mismatch(ev, path, a, b); ok {
			out = append(out, w)
		}
	}
	switch old := existing.(type) {
	case *snapshot.Message:
		next := final.(*snapshot.Message)
		for i, part := range old.Content {
			if isNil(part) || i >= len(next.Content) || isNil(next.Content[i]) {
				continue
			}
			check(PartPath(ev.Path.Item, i), partText(part), partText(next.Content[i]))
		}
		for i, tc := range old.ToolCalls {
			if tc == nil || i >= len(next.ToolCalls) || next.ToolCalls[i] == nil {
				continue
			}
			check(ToolCallPath(ev.Path.Item, i), tc.Arguments, next.ToolCalls[i].Arguments)
		}
	case *snapshot.FunctionCall:
		check(ev.Path, old.Arguments, final.(*snapshot.FunctionCall).Arguments)
	case *snapshot.MCPCall:
		check(ev.Path, old.Arguments, final.(*snapshot.MCPCall).Arguments)
	case *snapshot.CodeInterpreterCall:
		check(ev.Path, old.Code, final.(*snapshot.CodeInterpreterCall).Code)
	case *snapshot.Reasoning:
		next := final.(*snapshot.Reasoning)
		for i, s := range old.Summary {
			if s == nil || i >= len(next.Summary) || next.Summary[i] == nil {
				continue
			}
			check(Path{Item: ev.Path.Item, Part: i, Sub: -1}, s.Text, next.Summary[i].Text)
		}
	}
	return out
}

func partText(p snapshot.ContentPart) string {
	switch v := p.(type) {
	case *snapshot.OutputText:
		return v.Text
	case *snapshot.Refusal:
		return v.Refusal
	}
	return ""
}

func setItemStatus(it snapshot.Item, status snapshot.Status) {
	switch v := it.(type) {
	case *snapshot.Message:
		v.Status = status
	case *snapshot.FunctionCall:
		v.Status = status
	case *snapshot.CodeInterpreterCall:
		v.Status = status
	case *snapshot.FileSearchCall:
		v.Status = status
	case *snapshot.WebSearchCall:
		v.Status = status
	case *snapshot.ComputerCall:
		v.Status = status
	case *snapshot.ShellCall:
		v.Status = status
	case *snapshot.MCPCall:
		v.Status = status
	case *snapshot.Reasoning:
		v.Status = status
	case *snapshot.UnknownItem:
		v.Status = status
	}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

// IsFatal reports whether err came from a merge invariant rather than an
// unrelated failure.
func IsFatal(err error) bool {
	return errors.Is(err, ErrPathNotFound) || errors.Is(err, ErrInvariantViolation) || errors.Is(err, sparse.ErrNegativeIndex)
}
