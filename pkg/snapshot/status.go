package snapshot

import "strings"

// Status is the lifecycle state shared by responses, runs and output items.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusInProgress     Status = "in_progress"
	StatusRequiresAction Status = "requires_action"
	StatusCancelling     Status = "cancelling"
	StatusCancelled      Status = "cancelled"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusExpired        Status = "expired"
	StatusIncomplete     Status = "incomplete"
)

// IsTerminal reports whether the lifecycle stops at s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired, StatusIncomplete:
		return true
	default:
		return false
	}
}

// ParseStatus normalizes the spellings servers use for the same state.
func ParseStatus(raw string) Status {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "canceled":
		return StatusCancelled
	case "canceling":
		return StatusCancelling
	default:
		return Status(s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	*s = ParseStatus(string(text))
	return nil
}

// StatusSet is a small membership set over statuses.
type StatusSet map[Status]struct{}

// NewStatusSet builds a set from the given statuses.
func NewStatusSet(statuses ...Status) StatusSet {
	set := make(StatusSet, len(statuses))
	for _, s := range statuses {
		set[s] = struct{}{}
	}
	return set
}

// Has reports membership.
func (s StatusSet) Has(status Status) bool {
	_, ok := s[status]
	return ok
}

// Slice lists the members in no particular order.
func (s StatusSet) Slice() []Status {
	out := make([]Status, 0, len(s))
	for st := range s {
		out = append(out, st)
	}
	return out
}
