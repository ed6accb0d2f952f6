package merge

import (
	"errors"
	"fmt"
)

var (
	// ErrPathNotFound reports an event addressing a slot that was never added.
	ErrPathNotFound = errors.New("merge: path not found")
	// ErrInvariantViolation reports cross-wired streams or writes to a sealed snapshot.
	ErrInvariantViolation = errors.New("merge: invariant violation")
	// ErrPoisoned is returned by an Accumulator after a fatal error.
	ErrPoisoned = errors.New("merge: accumulator poisoned by earlier error")
)

// PathError carries the event and path a fatal merge failure occurred at.
type PathError struct {
	Event string
	Path  Path
	Err   error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("merge: %s at %s: %v", e.Event, e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

func notFound(ev Event, format string, args ...any) error {
	return &PathError{Event: ev.describe(), Path: ev.Path, Err: fmt.Errorf("%w: "+format, append([]any{ErrPathNotFound}, args...)...)}
}

func violation(ev Event, format string, args ...any) error {
	return &PathError{Event: ev.describe(), Path: ev.Path, Err: fmt.Errorf("%w: "+format, append([]any{ErrInvariantViolation}, args...)...)}
}

// WarningCode classifies a recoverable assembly problem.
type WarningCode string

const (
	// WarningDoneMismatch means a done value differed from the accumulated deltas.
	WarningDoneMismatch WarningCode = "done_mismatch"
	// WarningUnknownEvent means the event kind or field is not understood.
	WarningUnknownEvent WarningCode = "unknown_event"
	// WarningMissingPayload means an event arrived without the object it announces.
	WarningMissingPayload WarningCode = "missing_payload"
)

// Warning is a non-fatal assembly diagnostic. The merge kept going.
type Warning struct {
	Code        WarningCode
	Event       string
	Path        Path
	Accumulated string
	Final       string
}

func (w Warning) String() string {
	switch w.Code {
	case WarningDoneMismatch:
		return fmt.Sprintf("%s at %s: final value (%d bytes) differs from accumulated deltas (%d bytes)", w.Event, w.Path, len(w.Final), len(w.Accumulated))
	default:
		return fmt.Sprintf("%s: %s at %s", w.Code, w.Event, w.Path)
	}
}
