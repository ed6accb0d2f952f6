package merge

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cexll/streamsdk-go/pkg/snapshot"
)

// Accumulator assembles one stream in place. It is not safe for concurrent
// use; a stream has exactly one consumer.
type Accumulator struct {
	snap     *snapshot.Response
	warnings []Warning
	err      error
	events   int
	logger   *slog.Logger
	streamID string
}

// Option configures an Accumulator.
type Option func(*Accumulator)

// WithLogger sets the logger warnings are reported to.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Accumulator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithStreamID tags log records with the stream id.
func WithStreamID(id string) Option {
	return func(a *Accumulator) { a.streamID = id }
}

// NewAccumulator starts from an empty response.
func NewAccumulator(opts ...Option) *Accumulator {
	return NewAccumulatorFrom(nil, opts...)
}

// NewAccumulatorFrom starts from a copy of base, typically a fetched
// snapshot a resumed stream continues.
func NewAccumulatorFrom(base *snapshot.Response, opts ...Option) *Accumulator {
	a := &Accumulator{snap: &snapshot.Response{}, logger: slog.Default()}
	if base != nil {
		a.snap = base.Clone()
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply merges ev. After the first fatal error the partial snapshot is
// discarded and every later call fails with ErrPoisoned.
func (a *Accumulator) Apply(ev Event) error {
	if a.err != nil {
		return fmt.Errorf("%w: %w", ErrPoisoned, a.err)
	}
	a.events++
	var warnings []Warning
	if err := apply(a.snap, ev, &warnings); err != nil {
		a.err = err
		a.snap = nil
		a.logger.Error("merge failed", "stream_id", a.streamID, "event", ev.describe(), "path", ev.Path.String(), "error", err)
		return err
	}
	for _, w := range warnings {
		a.logger.Warn("stream assembly warning", "stream_id", a.streamID, "code", string(w.Code), "event", w.Event, "path", w.Path.String(), "detail", w.String())
	}
	a.warnings = append(a.warnings, warnings...)
	return nil
}

// Snapshot returns a deep copy of the current state, or nil once poisoned.
func (a *Accumulator) Snapshot() *snapshot.Response {
	if a.snap == nil {
		return nil
	}
	return a.snap.Clone()
}

// Status is the current response status without copying the snapshot.
func (a *Accumulator) Status() snapshot.Status {
	if a.snap == nil {
		return ""
	}
	return a.snap.Status
}

// Sealed reports whether the response reached a terminal status.
func (a *Accumulator) Sealed() bool { return a.Status().IsTerminal() }

// Warnings lists every recoverable problem seen so far.
func (a *Accumulator) Warnings() []Warning {
	return append([]Warning(nil), a.warnings...)
}

// Err returns the fatal error that poisoned the accumulator, if any.
func (a *Accumulator) Err() error { return a.err }

// Events counts the events applied, including ignored ones.
func (a *Accumulator) Events() int { return a.events }

// Finish seals a stream that ended without a terminal frame. Status becomes
// completed when the server signalled a clean end, incomplete otherwise. A
// run paused in requires_action is left paused.
func (a *Accumulator) Finish(clean bool) error {
	if a.err != nil {
		return fmt.Errorf("%w: %w", ErrPoisoned, a.err)
	}
	if a.snap.Status.IsTerminal() || a.snap.Status == snapshot.StatusRequiresAction {
		return nil
	}
	final := &snapshot.Response{Status: snapshot.StatusCompleted}
	if !clean {
		final.Status = snapshot.StatusIncomplete
		final.IncompleteDetails = &snapshot.IncompleteDetails{Reason: "stream_closed"}
	}
	return a.Apply(Event{Kind: KindCompleted, Field: FieldResponse, Path: Root(), Response: final, RawType: "stream.end"})
}

// IsPoisoned reports whether err was returned by a poisoned accumulator.
func IsPoisoned(err error) bool { return errors.Is(err, ErrPoisoned) }
