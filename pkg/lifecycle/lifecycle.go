// Package lifecycle polls asynchronous operations until they leave a set of
// pending statuses.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/streamsdk-go/pkg/snapshot"
	"github.com/cexll/streamsdk-go/pkg/telemetry"
)

const (
	DefaultInterval = time.Second
	// defaultCancelPolls bounds CancelAndWait so a stalled cancellation
	// comes back to the caller.
	defaultCancelPolls = 20
)

var (
	// ErrWaitAborted wraps context.Canceled when the caller cancelled or the
	// timeout fired. Both look the same on purpose.
	ErrWaitAborted = errors.New("lifecycle: wait aborted")
	// ErrNilSnapshot is returned when a fetch succeeds without a snapshot.
	ErrNilSnapshot = errors.New("lifecycle: fetch returned nil snapshot")
)

// FetchFunc retrieves the latest snapshot of the operation.
type FetchFunc func(ctx context.Context) (*snapshot.Response, error)

// CancelFunc asks the server to cancel the operation and returns the
// snapshot it answered with.
type CancelFunc func(ctx context.Context) (*snapshot.Response, error)

// SleepFunc suspends for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type options struct {
	pending   snapshot.StatusSet
	interval  time.Duration
	timeout   time.Duration
	maxPolls  int
	schedule  Schedule
	sleep     SleepFunc
	logger    *slog.Logger
	telemetry *telemetry.Manager
	onPoll    func(attempt int, snap *snapshot.Response)
}

// Option configures a wait.
type Option func(*options)

// DefaultPending is the pending set used when none is given.
func DefaultPending() snapshot.StatusSet {
	return snapshot.NewStatusSet(snapshot.StatusQueued, snapshot.StatusInProgress)
}

// WithPending replaces the pending set.
func WithPending(statuses ...snapshot.Status) Option {
	return func(o *options) { o.pending = snapshot.NewStatusSet(statuses...) }
}

// WithInterval sets the delay between fetches.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithTimeout bounds the whole wait. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// Schedule reports the current poll interval and overall timeout. Zero
// values fall back to the static options.
type Schedule func() (interval, timeout time.Duration)

// WithSchedule consults fn before every sleep, so a wait follows poll
// settings that change while it runs. A scheduled timeout counts from the
// start of the wait and aborts it like WithTimeout does.
func WithSchedule(fn Schedule) Option {
	return func(o *options) { o.schedule = fn }
}

// WithMaxPolls bounds the number of fetches. When exhausted the last
// snapshot is returned as-is, still pending.
func WithMaxPolls(n int) Option {
	return func(o *options) { o.maxPolls = n }
}

// WithSleep replaces the timer-based delay.
func WithSleep(fn SleepFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTelemetry records polls on m instead of the default manager.
func WithTelemetry(m *telemetry.Manager) Option {
	return func(o *options) { o.telemetry = m }
}

// OnPoll registers a callback run after every successful fetch.
func OnPoll(fn func(attempt int, snap *snapshot.Response)) Option {
	return func(o *options) { o.onPoll = fn }
}

func newOptions(opts []Option) options {
	o := options{
		pending:   DefaultPending(),
		interval:  DefaultInterval,
		sleep:     sleepContext,
		logger:    slog.Default(),
		telemetry: telemetry.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WaitForTerminal fetches immediately, then sleeps and fetches again for as
// long as the status is pending. A canceled context or an expired timeout
// aborts without a final fetch and returns an error matching both
// ErrWaitAborted and context.Canceled.
func WaitForTerminal(ctx context.Context, fetch FetchFunc, opts ...Option) (*snapshot.Response, error) {
	o := newOptions(opts)
	return wait(ctx, fetch, o)
}

func wait(ctx context.Context, fetch FetchFunc, o options) (_ *snapshot.Response, err error) {
	ctx, span := o.telemetry.StartSpan(ctx, "lifecycle.wait",
		trace.WithAttributes(
			attribute.StringSlice("lifecycle.pending", statusStrings(o.pending)),
			attribute.Int64("lifecycle.interval_ms", o.interval.Milliseconds()),
		),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	start := time.Now()
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			delay, ok := o.next(start)
			if !ok {
				return nil, aborted(ctx, context.DeadlineExceeded)
			}
			if err := o.sleep(ctx, delay); err != nil {
				return nil, aborted(ctx, err)
			}
			if _, ok := o.next(start); !ok {
				return nil, aborted(ctx, context.DeadlineExceeded)
			}
		}
		if ctx.Err() != nil {
			return nil, aborted(ctx, ctx.Err())
		}

		snap, err := fetch(ctx)
		o.telemetry.RecordPoll(ctx, string(statusOf(snap)), err)
		if err != nil {
			if ctx.Err() != nil {
				return nil, aborted(ctx, err)
			}
			return nil, fmt.Errorf("lifecycle: fetch attempt %d: %w", attempt, err)
		}
		if snap == nil {
			return nil, fmt.Errorf("lifecycle: fetch attempt %d: %w", attempt, ErrNilSnapshot)
		}
		o.logger.Debug("operation polled", "response_id", snap.ID, "status", string(snap.Status), "attempt", attempt)
		if o.onPoll != nil {
			o.onPoll(attempt, snap)
		}

		if !o.pending.Has(snap.Status) {
			span.SetAttributes(attribute.String("lifecycle.status", string(snap.Status)), attribute.Int("lifecycle.polls", attempt))
			return snap, nil
		}
		if o.maxPolls > 0 && attempt >= o.maxPolls {
			o.logger.Warn("operation still pending after max polls", "response_id", snap.ID, "status", string(snap.Status), "polls", attempt)
			span.SetAttributes(attribute.String("lifecycle.status", string(snap.Status)), attribute.Int("lifecycle.polls", attempt))
			return snap, nil
		}
	}
}

// CancelAndWait requests cancellation, then waits while the operation is
// cancelling or has not yet noticed the request. Only a terminal cancel
// reply is returned without polling. A cancellation that stalls comes back
// as the last pending snapshot; callers decide whether to retry.
func CancelAndWait(ctx context.Context, cancel CancelFunc, fetch FetchFunc, opts ...Option) (*snapshot.Response, error) {
	o := newOptions(append([]Option{WithMaxPolls(defaultCancelPolls)}, opts...))
	o.pending = snapshot.NewStatusSet(snapshot.StatusCancelling, snapshot.StatusQueued, snapshot.StatusInProgress)

	snap, err := cancel(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, aborted(ctx, err)
		}
		return nil, fmt.Errorf("lifecycle: cancel: %w", err)
	}
	if snap != nil && snap.Status.IsTerminal() {
		return snap, nil
	}
	return wait(ctx, fetch, o)
}

// next returns the delay before the following fetch. It reports false once
// the scheduled timeout has passed.
func (o *options) next(start time.Time) (time.Duration, bool) {
	if o.schedule == nil {
		return o.interval, true
	}
	interval, timeout := o.schedule()
	if interval <= 0 {
		interval = o.interval
	}
	if timeout <= 0 {
		return interval, true
	}
	remaining := timeout - time.Since(start)
	if remaining <= 0 {
		return 0, false
	}
	return min(interval, remaining), true
}

func aborted(ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = err
	}
	return fmt.Errorf("%w: %w (%v)", ErrWaitAborted, context.Canceled, cause)
}

func statusOf(snap *snapshot.Response) snapshot.Status {
	if snap == nil {
		return ""
	}
	return snap.Status
}

func statusStrings(set snapshot.StatusSet) []string {
	out := make([]string, 0, len(set))
	for _, s := range set.Slice() {
		out = append(out, string(s))
	}
	return out
}
