// Package stt defines the streaming speech-recognition surface the gate
// layer drives: a backend opens per-speaker streams, streams accept PCM and
// emit transcript events with times relative to the first audio write.
package stt

import (
	"context"
	"time"
)

// Event is one transcript result from a backend stream. Start and End are
// offsets relative to the stream's first-write anchor; the consumer converts
// them to absolute time. ResultID is the backend's identifier for the result
// when it provides one, empty otherwise.
type Event struct {
	Text         string
	Confidence   float64
	Final        bool
	ResultID     string
	SpeakerLabel string
	Start        time.Duration
	End          time.Duration
}

// Handler receives a stream's callbacks. OnEvent may be invoked from a
// backend goroutine at any time between open and close. OnUnexpectedClose
// fires at most once, and only when the backend tore the stream down without
// Close being called.
type Handler struct {
	OnEvent           func(Event)
	OnUnexpectedClose func(error)
}

// Stream is one live recognition connection for one (speaker, sequence)
// pair.
type Stream interface {
	// Write sends resampled PCM. The first successful Write stamps the
	// stream's time anchor.
	Write(pcm []byte) error
	// FirstWriteAt returns the anchor, or false before any audio was
	// written. Event offsets are measured from this instant, not from
	// stream construction — connection handshake time would skew every
	// timestamp on the stream.
	FirstWriteAt() (time.Time, bool)
	IsOpen() bool
	// Close is idempotent.
	Close() error
}

// Backend opens recognition streams. Implementations are safe for use by
// multiple gates concurrently.
type Backend interface {
	OpenStream(ctx context.Context, speakerID string, seq int, h Handler) (Stream, error)
	Close() error
}
