// Package sttgate gates recognition streams on voice activity. A gate owns
// the STT stream lifecycle for one speaker: open on speech start, rotate
// after a cumulative-speech threshold with a dual-stream overlap window,
// close after a silence timeout, and reopen after backend failures with a
// cooldown.
package sttgate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/user/discord-scribe/internal/metrics"
	"github.com/user/discord-scribe/internal/resample"
	"github.com/user/discord-scribe/internal/store"
	"github.com/user/discord-scribe/internal/stt"
)

// dedupWindow is the span around the successor stream's first result within
// which retired-stream events are treated as duplicates of the same speech.
const dedupWindow = 2 * time.Second

// pumpChunk is 20ms of 48 kHz mono s16le, the resampler's output format.
const pumpChunk = 3840

// Config carries the gate timing knobs.
type Config struct {
	SilenceTimeout    time.Duration
	RotationThreshold time.Duration
	RotationCheck     time.Duration
	OverlapWindow     time.Duration
	ReopenCooldown    time.Duration
}

func (c Config) withDefaults() Config {
	if c.SilenceTimeout == 0 {
		c.SilenceTimeout = 8 * time.Second
	}
	if c.RotationThreshold == 0 {
		c.RotationThreshold = 4 * time.Minute
	}
	if c.RotationCheck == 0 {
		c.RotationCheck = 30 * time.Second
	}
	if c.OverlapWindow == 0 {
		c.OverlapWindow = 2 * time.Second
	}
	if c.ReopenCooldown == 0 {
		c.ReopenCooldown = 5 * time.Second
	}
	return c
}

// boundStream pairs a live stream with its sequence number.
type boundStream struct {
	stream stt.Stream
	seq    int
}

type closeOp struct {
	stream stt.Stream
	reason string
}

// Gate binds one speaker's resampler output to recognition streams. The
// binding to the resampler process is fixed at construction: if the process
// is replaced, the gate must be rebuilt, not repointed.
type Gate struct {
	sessionID string
	speakerID string
	trackID   uuid.UUID
	backend   stt.Backend
	store     store.Store
	proc      *resample.Process
	cfg       Config

	mu        sync.Mutex
	destroyed bool
	nextSeq   int
	current   *boundStream
	old       *boundStream

	overlapTimer     *time.Timer
	pendingOld       []store.Transcript
	newFirstResultAt time.Time

	speaking    bool
	speechStart time.Time
	cumSpeech   time.Duration

	silenceTimer  *time.Timer
	rotationTimer *time.Timer
	reopenTimer   *time.Timer
	cooldownUntil time.Time

	// closes accumulates streams to shut down after mu is released: stream
	// Close can synchronously emit a trailing final event, which re-enters
	// the gate.
	closes []closeOp
}

// NewGate starts the audio pump immediately. startSeq seeds the stream
// sequence counter, letting a rebuilt gate continue its predecessor's
// numbering.
func NewGate(sessionID, speakerID string, trackID uuid.UUID, proc *resample.Process, backend stt.Backend, st store.Store, cfg Config, startSeq int) *Gate {
	g := &Gate{
		sessionID: sessionID,
		speakerID: speakerID,
		trackID:   trackID,
		backend:   backend,
		store:     st,
		proc:      proc,
		cfg:       cfg.withDefaults(),
		nextSeq:   startSeq,
	}
	go g.pump()
	return g
}

// Proc returns the resampler process this gate was bound to at construction.
func (g *Gate) Proc() *resample.Process { return g.proc }

// NextSeq returns the next stream sequence number, for handoff to a
// replacement gate.
func (g *Gate) NextSeq() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nextSeq
}

// pump copies resampled PCM into whichever streams are writable. It exits
// when the bound process's output closes, i.e. when the resampler dies or
// is killed.
func (g *Gate) pump() {
	buf := make([]byte, pumpChunk)
	for {
		n, err := g.proc.PCM().Read(buf)
		if n > 0 {
			g.writeAudio(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// writeAudio snapshots the writable streams under the lock and writes
// outside it: backend writes can synchronously emit events that re-enter
// the gate.
func (g *Gate) writeAudio(b []byte) {
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return
	}
	var cur, old stt.Stream
	if g.current != nil {
		cur = g.current.stream
	}
	if g.old != nil {
		old = g.old.stream
	}
	g.mu.Unlock()

	// Write errors surface through the unexpected-close callback.
	if cur != nil {
		_ = cur.Write(b)
	}
	if old != nil {
		_ = old.Write(b)
	}
}

// OnSpeakingStart opens a stream if none is live, deferring behind an
// active cooldown, and arms the periodic rotation check so uninterrupted
// speech still rotates at the threshold.
func (g *Gate) OnSpeakingStart(at time.Time) {
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return
	}
	stopTimer(g.silenceTimer)
	g.speaking = true
	g.speechStart = at

	if g.current == nil {
		if wait := time.Until(g.cooldownUntil); wait > 0 {
			g.armReopenLocked(wait)
		} else {
			g.openStreamLocked()
		}
	}
	g.armRotationCheckLocked()
	ops := g.takeCloses()
	g.mu.Unlock()
	g.closeStreams(ops)
}

// OnSpeakingEnd accumulates the elapsed speech time, rotates immediately if
// the threshold was crossed, and arms the silence-close timer.
func (g *Gate) OnSpeakingEnd(at time.Time) {
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return
	}
	stopTimer(g.rotationTimer)
	stopTimer(g.reopenTimer) // a cooldown reopen only applies mid-speech
	if g.speaking {
		g.cumSpeech += at.Sub(g.speechStart)
		g.speaking = false
	}
	if g.current != nil && g.cumSpeech >= g.cfg.RotationThreshold {
		g.rotateLocked()
	}
	if g.current != nil {
		stopTimer(g.silenceTimer)
		g.silenceTimer = time.AfterFunc(g.cfg.SilenceTimeout, g.onSilence)
	}
	ops := g.takeCloses()
	g.mu.Unlock()
	g.closeStreams(ops)
}

func (g *Gate) onSilence() {
	g.mu.Lock()
	if g.destroyed || g.speaking {
		g.mu.Unlock()
		return
	}
	g.closeCurrentLocked("silence")
	ops := g.takeCloses()
	g.mu.Unlock()
	g.closeStreams(ops)
}

func (g *Gate) onRotationCheck() {
	g.mu.Lock()
	if g.destroyed || !g.speaking || g.current == nil {
		g.mu.Unlock()
		return
	}
	if g.cumSpeech+time.Since(g.speechStart) >= g.cfg.RotationThreshold {
		g.rotateLocked()
	}
	g.armRotationCheckLocked()
	ops := g.takeCloses()
	g.mu.Unlock()
	g.closeStreams(ops)
}

func (g *Gate) armRotationCheckLocked() {
	stopTimer(g.rotationTimer)
	g.rotationTimer = time.AfterFunc(g.cfg.RotationCheck, g.onRotationCheck)
}

func (g *Gate) armReopenLocked(wait time.Duration) {
	stopTimer(g.reopenTimer)
	g.reopenTimer = time.AfterFunc(wait, g.onCooldownExpired)
}

func (g *Gate) onCooldownExpired() {
	g.mu.Lock()
	if g.destroyed || !g.speaking || g.current != nil {
		g.mu.Unlock()
		return
	}
	g.openStreamLocked()
	g.mu.Unlock()
}

// openStreamLocked dials a stream at the next sequence number and resets
// the cumulative-speech counter. On failure it starts a cooldown and, if
// the speaker is mid-speech, schedules a deferred retry.
func (g *Gate) openStreamLocked() {
	seq := g.nextSeq
	g.nextSeq++

	h := stt.Handler{
		OnEvent:           func(ev stt.Event) { g.onEvent(seq, ev) },
		OnUnexpectedClose: func(err error) { g.onUnexpectedClose(seq, err) },
	}
	s, err := g.backend.OpenStream(context.Background(), g.speakerID, seq, h)
	if err != nil {
		log.Error().
			Err(err).
			Str("session_id", g.sessionID).
			Str("user_id", g.speakerID).
			Int("stream_seq", seq).
			Msg("Failed to open STT stream")
		g.cooldownUntil = time.Now().Add(g.cfg.ReopenCooldown)
		if g.speaking {
			g.armReopenLocked(g.cfg.ReopenCooldown)
		}
		return
	}

	g.current = &boundStream{stream: s, seq: seq}
	g.cumSpeech = 0
	if g.speaking {
		g.speechStart = time.Now()
	}
	metrics.Default.StreamsOpened.Inc()
	log.Debug().
		Str("session_id", g.sessionID).
		Str("user_id", g.speakerID).
		Int("stream_seq", seq).
		Msg("Opened STT stream")
}

// rotateLocked retires the current stream into the overlap window and opens
// a successor. A still-overlapping predecessor is force-closed first so at
// most one retired stream ever exists.
func (g *Gate) rotateLocked() {
	if g.current == nil {
		return
	}
	if g.old != nil {
		g.endOverlapLocked("rotation_forced")
	}

	g.old = g.current
	g.current = nil
	g.pendingOld = nil
	g.newFirstResultAt = time.Time{}
	g.overlapTimer = time.AfterFunc(g.cfg.OverlapWindow, g.onOverlapEnd)

	g.openStreamLocked()
	metrics.Default.StreamsRotated.Inc()
	log.Info().
		Str("session_id", g.sessionID).
		Str("user_id", g.speakerID).
		Int("retired_seq", g.old.seq).
		Msg("Rotated STT stream")
}

func (g *Gate) onOverlapEnd() {
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return
	}
	g.endOverlapLocked("rotation")
	ops := g.takeCloses()
	g.mu.Unlock()
	g.closeStreams(ops)
}

// endOverlapLocked flushes the retired stream's held events through the
// de-duplication filter and schedules its close.
func (g *Gate) endOverlapLocked(reason string) {
	if g.old == nil {
		return
	}
	stopTimer(g.overlapTimer)
	g.flushPendingLocked()
	g.closes = append(g.closes, closeOp{stream: g.old.stream, reason: reason})
	g.old = nil
}

// flushPendingLocked persists the retired stream's events held during the
// overlap, dropping those within the de-duplication window around the
// successor's first result.
func (g *Gate) flushPendingLocked() {
	for _, tr := range g.pendingOld {
		if !g.newFirstResultAt.IsZero() {
			d := tr.StartAt.Sub(g.newFirstResultAt)
			if d < 0 {
				d = -d
			}
			if d <= dedupWindow {
				log.Debug().
					Str("user_id", g.speakerID).
					Int("stream_seq", tr.StreamSeq).
					Str("text", tr.Text).
					Msg("Dropped duplicate transcript from retired stream")
				continue
			}
		}
		g.upsert(tr)
	}
	g.pendingOld = nil
}

func (g *Gate) closeCurrentLocked(reason string) {
	if g.current == nil {
		return
	}
	g.closes = append(g.closes, closeOp{stream: g.current.stream, reason: reason})
	g.current = nil
}

// onEvent converts a stream event to a transcript using the stream's
// first-write anchor. Current-stream events persist immediately;
// retired-stream events are held for de-duplication; events from already
// closed streams (trailing flushes) persist subject to the same filter.
func (g *Gate) onEvent(seq int, ev stt.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroyed {
		return
	}

	var src stt.Stream
	switch {
	case g.current != nil && seq == g.current.seq:
		src = g.current.stream
	case g.old != nil && seq == g.old.seq:
		src = g.old.stream
	}

	anchor := time.Now()
	if src != nil {
		if a, ok := src.FirstWriteAt(); ok {
			anchor = a
		}
	}
	tr := store.Transcript{
		SessionID:    g.sessionID,
		TrackID:      g.trackID,
		SpeakerID:    g.speakerID,
		SpeakerLabel: ev.SpeakerLabel,
		StreamSeq:    seq,
		ResultID:     ev.ResultID,
		StartAt:      anchor.Add(ev.Start),
		EndAt:        anchor.Add(ev.End),
		Text:         ev.Text,
		Confidence:   ev.Confidence,
		Final:        ev.Final,
	}
	metrics.Default.TranscriptEvents.WithLabelValues(finality(ev.Final)).Inc()

	switch {
	case g.current != nil && seq == g.current.seq:
		if g.old != nil && g.newFirstResultAt.IsZero() {
			g.newFirstResultAt = tr.StartAt
		}
		g.upsert(tr)
	case g.old != nil && seq == g.old.seq:
		g.pendingOld = append(g.pendingOld, tr)
	default:
		// Trailing flush from a stream already being closed.
		if !g.newFirstResultAt.IsZero() {
			d := tr.StartAt.Sub(g.newFirstResultAt)
			if d < 0 {
				d = -d
			}
			if d <= dedupWindow {
				return
			}
		}
		g.upsert(tr)
	}
}

func (g *Gate) upsert(tr store.Transcript) {
	if err := g.store.UpsertTranscript(context.Background(), &tr); err != nil {
		log.Error().
			Err(err).
			Str("session_id", g.sessionID).
			Str("user_id", g.speakerID).
			Int("stream_seq", tr.StreamSeq).
			Msg("Failed to persist transcript")
	}
}

// onUnexpectedClose handles a backend-initiated stream teardown: start a
// cooldown, and reopen after it only if the speaker is still mid-speech.
func (g *Gate) onUnexpectedClose(seq int, err error) {
	g.mu.Lock()
	switch {
	case g.destroyed:
	case g.old != nil && seq == g.old.seq:
		g.endOverlapLocked("backend")
	case g.current != nil && seq == g.current.seq:
		log.Warn().
			Err(err).
			Str("session_id", g.sessionID).
			Str("user_id", g.speakerID).
			Int("stream_seq", seq).
			Msg("STT stream closed unexpectedly")
		g.closeCurrentLocked("backend")
		g.cooldownUntil = time.Now().Add(g.cfg.ReopenCooldown)
		if g.speaking {
			g.armReopenLocked(g.cfg.ReopenCooldown)
		}
	}
	ops := g.takeCloses()
	g.mu.Unlock()
	g.closeStreams(ops)
}

// Destroy flushes accrued speech time for usage accounting, cancels every
// timer, and closes all streams. Idempotent.
func (g *Gate) Destroy() {
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return
	}
	g.destroyed = true

	if g.speaking {
		g.cumSpeech += time.Since(g.speechStart)
		g.speaking = false
	}
	stopTimer(g.silenceTimer)
	stopTimer(g.rotationTimer)
	stopTimer(g.reopenTimer)
	stopTimer(g.overlapTimer)

	g.flushPendingLocked()
	if g.old != nil {
		g.closes = append(g.closes, closeOp{stream: g.old.stream, reason: "teardown"})
		g.old = nil
	}
	g.closeCurrentLocked("teardown")

	speech := g.cumSpeech
	ops := g.takeCloses()
	g.mu.Unlock()
	g.closeStreams(ops)

	log.Info().
		Str("session_id", g.sessionID).
		Str("user_id", g.speakerID).
		Dur("speech", speech).
		Msg("Destroyed gate")
}

func (g *Gate) takeCloses() []closeOp {
	ops := g.closes
	g.closes = nil
	return ops
}

// closeStreams runs outside the lock; see the closes field.
func (g *Gate) closeStreams(ops []closeOp) {
	for _, op := range ops {
		if err := op.stream.Close(); err != nil {
			log.Warn().Err(err).Str("user_id", g.speakerID).Msg("Failed to close STT stream")
		}
		metrics.Default.StreamsClosed.WithLabelValues(op.reason).Inc()
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func finality(final bool) string {
	if final {
		return "final"
	}
	return "interim"
}
