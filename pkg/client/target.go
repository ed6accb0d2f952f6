package client

import (
	"fmt"
	"net/url"
)

// Kind selects which API family an operation belongs to.
type Kind string

const (
	KindResponse Kind = "response"
	KindRun      Kind = "run"
)

// Target identifies a long-running operation on the server.
type Target struct {
	Kind     Kind
	ID       string
	ThreadID string
}

// Response targets a background response.
func Response(id string) Target { return Target{Kind: KindResponse, ID: id} }

// Run targets an assistants run inside a thread.
func Run(threadID, runID string) Target {
	return Target{Kind: KindRun, ID: runID, ThreadID: threadID}
}

// WithID returns a copy of t pointing at another operation id. Resuming a
// response creates a new response, so callers follow its id.
func (t Target) WithID(id string) Target {
	t.ID = id
	return t
}

func (t Target) validate() error {
	if t.ID == "" {
		return fmt.Errorf("client: target id is empty")
	}
	switch t.Kind {
	case KindResponse:
		return nil
	case KindRun:
		if t.ThreadID == "" {
			return fmt.Errorf("client: run %s has no thread id", t.ID)
		}
		return nil
	default:
		return fmt.Errorf("client: unknown target kind %q", t.Kind)
	}
}

func (t Target) path() string {
	if t.Kind == KindRun {
		return "/threads/" + url.PathEscape(t.ThreadID) + "/runs/" + url.PathEscape(t.ID)
	}
	return "/responses/" + url.PathEscape(t.ID)
}

func (t Target) String() string {
	if t.Kind == KindRun {
		return t.ThreadID + "/" + t.ID
	}
	return t.ID
}
