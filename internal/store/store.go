// Package store defines the narrow persistence interface the recording core
// writes through, plus Postgres and in-memory implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TrackState is the lifecycle state of a persisted track.
type TrackState string

const (
	TrackActive TrackState = "active"
	TrackClosed TrackState = "closed"

	// TrackErrored marks a track that was still active at process startup.
	// No process can be writing to it anymore, so it is reconciled to this
	// terminal state before normal operation resumes.
	TrackErrored TrackState = "errored"
)

// Track is one continuous recording of one speaker within one session.
type Track struct {
	ID           uuid.UUID
	SessionID    string
	SpeakerID    string
	Seq          int // distinguishes rejoin tracks for the same speaker
	Path         string
	State        TrackState
	CreatedAt    time.Time
	FirstFrameAt *time.Time // wall clock of first real audio, nil until seen
	EndedAt      *time.Time
}

// Burst is a contiguous span of detected speech within one track.
type Burst struct {
	ID         uuid.UUID
	TrackID    uuid.UUID
	StartedAt  time.Time
	EndedAt    *time.Time // nil while open
	StartFrame int64
	EndFrame   *int64 // nil while open
}

// Transcript is one reconciled transcript event. When ResultID is non-empty,
// (SessionID, TrackID, SpeakerID, StreamSeq, ResultID) is the idempotent
// upsert key; a final event is never overwritten by an interim one for the
// same key.
type Transcript struct {
	SessionID    string
	TrackID      uuid.UUID
	SpeakerID    string
	SpeakerLabel string // diarized mode, may be empty
	StreamSeq    int
	ResultID     string // backend result id, empty when the backend gives none
	StartAt      time.Time
	EndAt        time.Time
	Text         string
	Confidence   float64
	Final        bool
}

// ErrNotFound is returned by lookups that match nothing.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence surface consumed by the recording core and the
// hydration tool. All writes are append-only or idempotent upserts.
type Store interface {
	CreateTrack(ctx context.Context, t *Track) error
	MarkTrackFirstFrame(ctx context.Context, trackID uuid.UUID, at time.Time) error
	// CloseTrack is idempotent: closing an already-terminal track is a no-op.
	CloseTrack(ctx context.Context, trackID uuid.UUID, endedAt time.Time) error

	OpenBurst(ctx context.Context, b *Burst) error
	// CloseBurst is idempotent: closing an already-closed burst is a no-op.
	CloseBurst(ctx context.Context, burstID uuid.UUID, endedAt time.Time, endFrame int64) error

	UpsertTranscript(ctx context.Context, t *Transcript) error

	TracksOfSession(ctx context.Context, sessionID string) ([]Track, error)
	// BurstsOfTrack returns the track's bursts ordered by start time.
	BurstsOfTrack(ctx context.Context, trackID uuid.UUID) ([]Burst, error)

	// RecoverStale reconciles any track left active by an unclean shutdown to
	// the errored state and returns how many were touched.
	RecoverStale(ctx context.Context) (int, error)
}
