// Package burst derives utterance boundaries from voice-activity edges and
// records them as frame-offset spans against the track recorder's counter.
package burst

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/user/discord-scribe/internal/metrics"
	"github.com/user/discord-scribe/internal/record"
	"github.com/user/discord-scribe/internal/store"
	"github.com/user/discord-scribe/internal/voice"
)

// Tracker maintains at most one open burst per speaker track. It subscribes
// to the shared speaking-edge emitter; tearing the tracker down revokes only
// its own registration.
type Tracker struct {
	sessionID   string
	store       store.Store
	recorder    *record.Recorder
	maxDuration time.Duration
	sub         *voice.Subscription

	mu        sync.Mutex
	open      map[string]*openBurst
	destroyed bool
}

// openBurst is one in-flight burst. The watchdog timer is owned by the burst
// it guards: every path that closes the burst stops the timer first, so it
// can never fire against freed state.
type openBurst struct {
	rec      store.Burst
	watchdog *time.Timer
}

// NewTracker subscribes to the emitter and starts consuming edges.
// maxDuration bounds a single burst; longer speech is force-split.
func NewTracker(sessionID string, st store.Store, rec *record.Recorder, emitter *voice.Emitter, maxDuration time.Duration) *Tracker {
	t := &Tracker{
		sessionID:   sessionID,
		store:       st,
		recorder:    rec,
		maxDuration: maxDuration,
		sub:         emitter.Subscribe(),
		open:        make(map[string]*openBurst),
	}
	go t.run()
	return t
}

func (t *Tracker) run() {
	for edge := range t.sub.C {
		if edge.Speaking {
			t.openForSpeaker(edge.SpeakerID, edge.At)
		} else {
			t.closeForSpeaker(edge.SpeakerID, edge.At)
		}
	}
}

// openForSpeaker starts a burst on voice-activity start. No-op when no track
// exists for the speaker or a burst is already open.
func (t *Tracker) openForSpeaker(speakerID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.destroyed {
		return
	}
	if _, ok := t.open[speakerID]; ok {
		return
	}
	trackID, ok := t.recorder.TrackID(speakerID)
	if !ok {
		log.Debug().
			Str("session_id", t.sessionID).
			Str("user_id", speakerID).
			Msg("Speaking start without open track")
		return
	}

	t.openLocked(speakerID, trackID, at, t.recorder.FrameCount(speakerID))
}

// openLocked creates and persists a burst record and arms its watchdog.
// Must be called with t.mu held.
func (t *Tracker) openLocked(speakerID string, trackID uuid.UUID, at time.Time, startFrame int64) {
	b := &openBurst{
		rec: store.Burst{
			ID:         uuid.New(),
			TrackID:    trackID,
			StartedAt:  at,
			StartFrame: startFrame,
		},
	}
	b.watchdog = time.AfterFunc(t.maxDuration, func() {
		t.onWatchdog(speakerID, b.rec.ID)
	})
	t.open[speakerID] = b

	if err := t.store.OpenBurst(context.Background(), &b.rec); err != nil {
		log.Error().
			Err(err).
			Str("burst_id", b.rec.ID.String()).
			Msg("Failed to persist burst open")
	}
	metrics.Default.BurstsOpened.Inc()

	log.Debug().
		Str("session_id", t.sessionID).
		Str("user_id", speakerID).
		Str("burst_id", b.rec.ID.String()).
		Int64("start_frame", startFrame).
		Msg("Opened burst")
}

// closeForSpeaker ends the speaker's open burst, if any. Idempotent.
func (t *Tracker) closeForSpeaker(speakerID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked(speakerID, at)
}

// closeLocked stops the watchdog, reads the end offset at the same logical
// point as the frame counter, and persists the close. Must be called with
// t.mu held.
func (t *Tracker) closeLocked(speakerID string, at time.Time) (endFrame int64, closed bool) {
	b, ok := t.open[speakerID]
	if !ok {
		return 0, false
	}
	delete(t.open, speakerID)
	b.watchdog.Stop()

	endFrame = t.recorder.FrameCount(speakerID)
	if endFrame < b.rec.StartFrame {
		// A straggler burst can close after its track is already gone, when
		// the counter reads zero; never persist end < start.
		endFrame = b.rec.StartFrame
	}
	if err := t.store.CloseBurst(context.Background(), b.rec.ID, at, endFrame); err != nil {
		log.Error().
			Err(err).
			Str("burst_id", b.rec.ID.String()).
			Msg("Failed to persist burst close")
	}
	metrics.Default.BurstsClosed.Inc()

	log.Debug().
		Str("session_id", t.sessionID).
		Str("user_id", speakerID).
		Str("burst_id", b.rec.ID.String()).
		Int64("end_frame", endFrame).
		Msg("Closed burst")
	return endFrame, true
}

// onWatchdog fires when a burst exceeds the maximum duration: close it at
// the current offset and immediately open a successor with no offset gap.
// Unbounded bursts would mean unbounded de-duplication windows downstream.
func (t *Tracker) onWatchdog(speakerID string, burstID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.open[speakerID]
	if !ok || b.rec.ID != burstID || t.destroyed {
		// The burst closed (or was replaced) while the timer was in flight.
		return
	}

	trackID := b.rec.TrackID
	endFrame, closed := t.closeLocked(speakerID, time.Now())
	if !closed {
		return
	}
	metrics.Default.WatchdogReopens.Inc()
	log.Info().
		Str("session_id", t.sessionID).
		Str("user_id", speakerID).
		Dur("max_duration", t.maxDuration).
		Msg("Burst hit max duration, splitting")

	t.openLocked(speakerID, trackID, time.Now(), endFrame)
}

// CloseUserBurst ends the speaker's burst without reopening, e.g. on leave
// or disconnect.
func (t *Tracker) CloseUserBurst(speakerID string) {
	t.closeForSpeaker(speakerID, time.Now())
}

// Destroy closes all open bursts and detaches from the edge source. Other
// subscribers on the same emitter are unaffected. Idempotent.
func (t *Tracker) Destroy() {
	t.sub.Cancel()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return
	}
	t.destroyed = true
	for speakerID := range t.open {
		t.closeLocked(speakerID, time.Now())
	}
}
