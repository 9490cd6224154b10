// Package record owns one streaming container writer per (session, speaker)
// and the per-track frame counter that burst offsets are measured against.
package record

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/user/discord-scribe/internal/metrics"
	"github.com/user/discord-scribe/internal/ogg"
	"github.com/user/discord-scribe/internal/resample"
	"github.com/user/discord-scribe/internal/store"
)

// expectedFrameDuration is the fixed frame duration of the wire codec
// profile. Frames that disagree are still recorded, but flagged: offset math
// downstream counts frames, so a mismatch is an investigation signal.
const expectedFrameDuration = 20 * time.Millisecond

// Recorder manages the open tracks of one session.
type Recorder struct {
	sessionID string
	dir       string
	store     store.Store
	registry  *resample.Registry // may be nil when no STT pipeline is attached

	mu     sync.Mutex
	tracks map[string]*track
	seqs   map[string]int
}

// track is one open recording. All fields are guarded by Recorder.mu.
type track struct {
	rec        store.Track
	file       *os.File
	muxer      *ogg.Muxer
	frames     int64
	firstFrame bool
	closed     bool
}

func NewRecorder(sessionID, dir string, st store.Store, registry *resample.Registry) *Recorder {
	return &Recorder{
		sessionID: sessionID,
		dir:       dir,
		store:     st,
		registry:  registry,
		tracks:    make(map[string]*track),
		seqs:      make(map[string]int),
	}
}

// Subscribe opens a new track for the speaker. Idempotent while a track is
// already open; a speaker who left and rejoined gets a fresh track with the
// next sequence number.
func (r *Recorder) Subscribe(ctx context.Context, speakerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tracks[speakerID]; ok {
		return nil
	}

	seq := r.seqs[speakerID]
	r.seqs[speakerID] = seq + 1

	dir := filepath.Join(r.dir, r.sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.ogg", speakerID, seq))

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create track file: %w", err)
	}
	muxer, err := ogg.NewMuxer(file)
	if err != nil {
		file.Close()
		return fmt.Errorf("open muxer: %w", err)
	}

	rec := store.Track{
		ID:        uuid.New(),
		SessionID: r.sessionID,
		SpeakerID: speakerID,
		Seq:       seq,
		Path:      path,
		State:     store.TrackActive,
		CreatedAt: time.Now(),
	}
	if err := r.store.CreateTrack(ctx, &rec); err != nil {
		file.Close()
		return fmt.Errorf("persist track: %w", err)
	}

	r.tracks[speakerID] = &track{rec: rec, file: file, muxer: muxer}
	metrics.Default.TracksOpen.Inc()

	log.Info().
		Str("session_id", r.sessionID).
		Str("user_id", speakerID).
		Str("track_id", rec.ID.String()).
		Int("seq", seq).
		Str("path", path).
		Msg("Opened track")
	return nil
}

// OnFrame records one encoded frame: bump the counter, stamp the first-frame
// time exactly once, write through the muxer, and forward a copy to the
// speaker's resampler if one is live. Frames for speakers without an open
// track are dropped.
func (r *Recorder) OnFrame(ctx context.Context, speakerID string, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tr, ok := r.tracks[speakerID]
	if !ok || tr.closed {
		log.Debug().
			Str("session_id", r.sessionID).
			Str("user_id", speakerID).
			Msg("Frame for speaker without open track")
		return
	}

	tr.frames++
	metrics.Default.FramesWritten.Inc()

	if !tr.firstFrame {
		tr.firstFrame = true
		now := time.Now()
		tr.rec.FirstFrameAt = &now
		if err := r.store.MarkTrackFirstFrame(ctx, tr.rec.ID, now); err != nil {
			log.Error().
				Err(err).
				Str("track_id", tr.rec.ID.String()).
				Msg("Failed to persist first-frame time")
		}
	}

	if d := packetDuration(frame); d != expectedFrameDuration {
		// Data-quality anomaly, not a rejection reason: the frame is still
		// written, but burst offset math now carries a known skew.
		metrics.Default.FrameAnomalies.Inc()
		log.Warn().
			Str("session_id", r.sessionID).
			Str("user_id", speakerID).
			Str("track_id", tr.rec.ID.String()).
			Dur("frame_duration", d).
			Int64("frame", tr.frames).
			Msg("Non-standard frame duration")
	}

	if err := tr.muxer.WriteFrame(frame); err != nil {
		log.Error().
			Err(err).
			Str("track_id", tr.rec.ID.String()).
			Msg("Failed to write frame")
	}

	if r.registry != nil {
		r.registry.Write(resample.Key{SessionID: r.sessionID, SpeakerID: speakerID}, frame)
	}
}

// FrameCount returns the track's current frame counter, or 0 when no track
// is open. Burst boundaries must be read through this method so the offset
// and the counter are taken at the same logical point.
func (r *Recorder) FrameCount(speakerID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tr, ok := r.tracks[speakerID]; ok {
		return tr.frames
	}
	return 0
}

// TrackID returns the open track's id for the speaker, if any.
func (r *Recorder) TrackID(speakerID string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tr, ok := r.tracks[speakerID]; ok && !tr.closed {
		return tr.rec.ID, true
	}
	return uuid.UUID{}, false
}

// Close ends the speaker's track: finalize the container, close the sink,
// persist the end time. Terminal and idempotent.
func (r *Recorder) Close(ctx context.Context, speakerID string) {
	r.mu.Lock()
	tr, ok := r.tracks[speakerID]
	if ok {
		delete(r.tracks, speakerID)
	}
	r.mu.Unlock()

	if !ok || tr.closed {
		return
	}
	r.closeTrack(ctx, tr, speakerID)
}

// CloseAll ends every open track in the session.
func (r *Recorder) CloseAll(ctx context.Context) {
	r.mu.Lock()
	open := make(map[string]*track, len(r.tracks))
	for speakerID, tr := range r.tracks {
		open[speakerID] = tr
		delete(r.tracks, speakerID)
	}
	r.mu.Unlock()

	for speakerID, tr := range open {
		r.closeTrack(ctx, tr, speakerID)
	}
}

func (r *Recorder) closeTrack(ctx context.Context, tr *track, speakerID string) {
	tr.closed = true

	if err := tr.muxer.Finalize(); err != nil {
		log.Error().Err(err).Str("track_id", tr.rec.ID.String()).Msg("Failed to finalize container")
	}
	if err := tr.file.Sync(); err != nil {
		log.Warn().Err(err).Str("track_id", tr.rec.ID.String()).Msg("Failed to sync track file")
	}
	if err := tr.file.Close(); err != nil {
		log.Warn().Err(err).Str("track_id", tr.rec.ID.String()).Msg("Failed to close track file")
	}
	if err := r.store.CloseTrack(ctx, tr.rec.ID, time.Now()); err != nil {
		log.Error().Err(err).Str("track_id", tr.rec.ID.String()).Msg("Failed to persist track close")
	}
	metrics.Default.TracksOpen.Dec()

	log.Info().
		Str("session_id", r.sessionID).
		Str("user_id", speakerID).
		Str("track_id", tr.rec.ID.String()).
		Int64("frames", tr.frames).
		Msg("Closed track")
}
