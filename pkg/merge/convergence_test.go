package merge

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/cexll/streamsdk-go/pkg/snapshot"
)

func finalResponse(texts []string) *snapshot.Response {
	resp := &snapshot.Response{
		ID:     "resp_prop",
		Object: "response",
		Status: snapshot.StatusCompleted,
		Usage:  &snapshot.Usage{InputTokens: 5, OutputTokens: int64(len(texts)), TotalTokens: 5 + int64(len(texts))},
	}
	for i, text := range texts {
		if i%2 == 0 {
			resp.Output = append(resp.Output, &snapshot.Message{
				ID:      fmt.Sprintf("msg_%d", i),
				Role:    "assistant",
				Status:  snapshot.StatusCompleted,
				Content: []snapshot.ContentPart{&snapshot.OutputText{Text: text}},
			})
			continue
		}
		resp.Output = append(resp.Output, &snapshot.FunctionCall{
			ID:        fmt.Sprintf("fc_%d", i),
			CallID:    fmt.Sprintf("call_%d", i),
			Name:      "lookup",
			Arguments: text,
			Status:    snapshot.StatusCompleted,
		})
	}
	return resp
}

func chunks(rng *rand.Rand, s string) []string {
	var out []string
	for len(s) > 0 {
		n := 1 + rng.Intn(len(s))
		out = append(out, s[:n])
		s = s[n:]
	}
	return out
}

// streamEvents explodes final into added/delta/done events and interleaves
// the per-item sequences randomly while keeping each item's own order.
func streamEvents(final *snapshot.Response, rng *rand.Rand, withDone bool) []Event {
	queues := make([][]Event, len(final.Output))
	for i, it := range final.Output {
		var q []Event
		switch v := it.(type) {
		case *snapshot.Message:
			shell := &snapshot.Message{ID: v.ID, Role: v.Role, Status: v.Status}
			q = append(q,
				Event{Kind: KindAdded, Field: FieldItem, Path: ItemPath(i), Item: shell},
				Event{Kind: KindAdded, Field: FieldPart, Path: PartPath(i, 0), ItemID: v.ID, Part: &snapshot.OutputText{}},
			)
			text := v.Content[0].(*snapshot.OutputText).Text
			for _, c := range chunks(rng, text) {
				q = append(q, Event{Kind: KindDelta, Field: FieldText, Path: PartPath(i, 0), ItemID: v.ID, Delta: c})
			}
			if withDone && rng.Intn(2) == 0 {
				q = append(q, Event{Kind: KindDone, Field: FieldText, Path: PartPath(i, 0), ItemID: v.ID, Value: text})
			}
		case *snapshot.FunctionCall:
			shell := &snapshot.FunctionCall{ID: v.ID, CallID: v.CallID, Name: v.Name, Status: v.Status}
			q = append(q, Event{Kind: KindAdded, Field: FieldItem, Path: ItemPath(i), Item: shell})
			for _, c := range chunks(rng, v.Arguments) {
				q = append(q, Event{Kind: KindDelta, Field: FieldArguments, Path: ItemPath(i), ItemID: v.ID, Delta: c})
			}
			if withDone && rng.Intn(2) == 0 {
				q = append(q, Event{Kind: KindDone, Field: FieldArguments, Path: ItemPath(i), ItemID: v.ID, Value: v.Arguments})
			}
		}
		if withDone && rng.Intn(2) == 0 {
			q = append(q, Event{Kind: KindDone, Field: FieldItem, Path: ItemPath(i), Item: it})
		}
		queues[i] = q
	}

	events := []Event{{Kind: KindAdded, Field: FieldResponse, Path: Root(), Response: &snapshot.Response{ID: final.ID, Object: final.Object, Status: snapshot.StatusInProgress}}}
	for {
		var live []int
		for i, q := range queues {
			if len(q) > 0 {
				live = append(live, i)
			}
		}
		if len(live) == 0 {
			break
		}
		pick := live[rng.Intn(len(live))]
		events = append(events, queues[pick][0])
		queues[pick] = queues[pick][1:]
	}
	scalars := &snapshot.Response{ID: final.ID, Object: final.Object, Status: final.Status, Usage: final.Usage}
	return append(events, Event{Kind: KindCompleted, Field: FieldResponse, Path: Root(), Response: scalars})
}

func TestConvergenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("streamed events converge to the completed object", prop.ForAll(
		func(texts []string, seed int64, withDone bool) bool {
			final := finalResponse(texts)
			streamed, warnings, err := MergeAll(nil, streamEvents(final, rand.New(rand.NewSource(seed)), withDone)...)
			if err != nil || len(warnings) > 0 {
				t.Logf("stream merge: err=%v warnings=%v", err, warnings)
				return false
			}
			whole, _, err := Merge(nil, Event{Kind: KindCompleted, Field: FieldResponse, Path: Root(), Response: final})
			if err != nil {
				return false
			}
			a, _ := json.Marshal(streamed)
			b, _ := json.Marshal(whole)
			return string(a) == string(b)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.Int64(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
