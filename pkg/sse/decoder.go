// Package sse turns a server-sent-event body into merge events.
//
// Framing is handled by the openai-go ssestream decoder; a Dialect maps each
// frame's JSON payload to zero or more self-describing merge events.
package sse

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/openai/openai-go/v3/packages/ssestream"

	"github.com/cexll/streamsdk-go/pkg/merge"
)

var doneSentinel = []byte("[DONE]")

// Dialect maps one frame to merge events. Returning no events skips the frame.
type Dialect interface {
	Name() string
	Decode(eventType string, data []byte) ([]merge.Event, error)
}

// Decoder is a pull iterator over merge events.
type Decoder struct {
	src     ssestream.Decoder
	dialect Dialect
	logger  *slog.Logger

	queue   []merge.Event
	done    bool
	err     error
	frames  int
	skipped int
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithLogger sets the logger skipped frames are reported to.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Decoder) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDecoder wraps an ssestream decoder.
func NewDecoder(src ssestream.Decoder, dialect Dialect, opts ...Option) *Decoder {
	d := &Decoder{src: src, dialect: dialect, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// FromResponse decodes an HTTP response body. The caller's request context
// bounds reads; Close releases the body.
func FromResponse(res *http.Response, dialect Dialect, opts ...Option) (*Decoder, error) {
	src := ssestream.NewDecoder(res)
	if src == nil {
		return nil, fmt.Errorf("sse: response has no body")
	}
	return NewDecoder(src, dialect, opts...), nil
}

// FromReader decodes a raw event-stream body.
func FromReader(r io.Reader, dialect Dialect, opts ...Option) *Decoder {
	rc, ok := r.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(r)
	}
	res := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       rc,
	}
	return NewDecoder(ssestream.NewDecoder(res), dialect, opts...)
}

// Next returns the next event. It returns io.EOF once the stream ended,
// either on the [DONE] sentinel or on connection close; Terminated tells
// the two apart.
func (d *Decoder) Next(ctx context.Context) (merge.Event, error) {
	for len(d.queue) == 0 {
		if d.err != nil {
			return merge.Event{}, d.err
		}
		if err := ctx.Err(); err != nil {
			return merge.Event{}, err
		}
		if d.done {
			return merge.Event{}, io.EOF
		}
		d.fill()
	}
	ev := d.queue[0]
	d.queue = d.queue[1:]
	return ev, nil
}

func (d *Decoder) fill() {
	if !d.src.Next() {
		if err := d.src.Err(); err != nil {
			d.err = fmt.Errorf("sse: read stream: %w", err)
			return
		}
		d.err = io.EOF
		return
	}
	frame := d.src.Event()
	d.frames++
	data := bytes.TrimSpace(frame.Data)
	if bytes.Equal(data, doneSentinel) {
		d.done = true
		return
	}
	if len(data) == 0 {
		d.skipped++
		return
	}
	events, err := d.dialect.Decode(frame.Type, data)
	if err != nil {
		d.err = err
		return
	}
	if len(events) == 0 {
		d.skipped++
		d.logger.Debug("sse frame skipped", "dialect", d.dialect.Name(), "event", frame.Type)
		return
	}
	d.queue = events
}

// Terminated reports whether the [DONE] sentinel was seen.
func (d *Decoder) Terminated() bool { return d.done }

// Frames counts frames read, including skipped ones.
func (d *Decoder) Frames() int { return d.frames }

// Skipped counts frames that produced no events.
func (d *Decoder) Skipped() int { return d.skipped }

// Dialect returns the dialect name.
func (d *Decoder) Dialect() string { return d.dialect.Name() }

// Close releases the underlying body.
func (d *Decoder) Close() error { return d.src.Close() }
