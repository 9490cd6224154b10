// Package hydrate reconstructs continuous, time-aligned audio from the
// speech-only track recordings, using stored burst timestamps to reinsert
// the silence the recorder never wrote.
package hydrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/user/discord-scribe/internal/store"
)

// Decoded stream geometry: 48 kHz, stereo, 16-bit.
const (
	bytesPerSecond = 48000 * 2 * 2
	frameBytes     = 960 * 2 * 2 // one 20ms container frame
)

// DefaultMaxGap clamps a single inserted silence span. A burst recorded
// hours after the previous one would otherwise balloon the output.
const DefaultMaxGap = 300 * time.Second

var (
	ErrNoTracks = errors.New("hydrate: session has no tracks")
	ErrNoBursts = errors.New("hydrate: session has no bursts")
)

// Codec is the external decode/encode tool surface, separated so tests can
// run without ffmpeg.
type Codec interface {
	// Decode returns the track's raw samples as 48 kHz stereo s16le, with
	// the codec's pre-skip reinstated so container frame offsets line up.
	Decode(ctx context.Context, path string) ([]byte, error)
	// Encode writes raw samples to a compressed output file.
	Encode(ctx context.Context, pcm []byte, outPath string) error
	// Mix combines several encoded files into one normalized output.
	Mix(ctx context.Context, inputs []string, outPath string) error
}

// Config controls reconstruction.
type Config struct {
	// MaxGap clamps any single silence insertion; zero means DefaultMaxGap.
	MaxGap time.Duration
	// NoClamp disables the gap clamp entirely, for research use.
	NoClamp bool
}

// Reconstructor hydrates the tracks of a session.
type Reconstructor struct {
	store store.Store
	codec Codec
	cfg   Config
}

func NewReconstructor(st store.Store, codec Codec, cfg Config) *Reconstructor {
	if cfg.MaxGap == 0 {
		cfg.MaxGap = DefaultMaxGap
	}
	return &Reconstructor{store: st, codec: codec, cfg: cfg}
}

// HydrateSession reconstructs every track of the session into outDir and
// returns the written file paths. With mix set, all reconstructed tracks
// are additionally combined into one file.
func (r *Reconstructor) HydrateSession(ctx context.Context, sessionID, outDir string, mix bool) ([]string, error) {
	tracks, err := r.store.TracksOfSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load tracks: %w", err)
	}
	if len(tracks) == 0 {
		return nil, ErrNoTracks
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	type job struct {
		track   store.Track
		bursts  []store.Burst
		outPath string
	}
	var jobs []job
	totalBursts := 0
	for _, track := range tracks {
		bursts, err := r.store.BurstsOfTrack(ctx, track.ID)
		if err != nil {
			return nil, fmt.Errorf("load bursts of track %s: %w", track.ID, err)
		}
		totalBursts += len(bursts)
		if len(bursts) == 0 {
			log.Warn().Str("track_id", track.ID.String()).Msg("Track has no bursts, skipping")
			continue
		}
		if track.FirstFrameAt == nil {
			log.Warn().Str("track_id", track.ID.String()).Msg("Track has no first-frame time, skipping")
			continue
		}
		jobs = append(jobs, job{
			track:   track,
			bursts:  bursts,
			outPath: filepath.Join(outDir, fmt.Sprintf("%s-%d-hydrated.ogg", track.SpeakerID, track.Seq)),
		})
	}
	if totalBursts == 0 {
		return nil, ErrNoBursts
	}

	// Tracks are independent decode/encode pipelines, so run them together.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, j := range jobs {
		g.Go(func() error {
			if err := r.hydrateTrack(gctx, j.track, j.bursts, j.outPath); err != nil {
				return fmt.Errorf("hydrate track %s: %w", j.track.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	outputs := make([]string, 0, len(jobs))
	for _, j := range jobs {
		outputs = append(outputs, j.outPath)
	}

	if mix && len(outputs) > 1 {
		mixPath := filepath.Join(outDir, "session-mix.ogg")
		if err := r.codec.Mix(ctx, outputs, mixPath); err != nil {
			return nil, fmt.Errorf("mixdown: %w", err)
		}
		outputs = append(outputs, mixPath)
	}
	return outputs, nil
}

func (r *Reconstructor) hydrateTrack(ctx context.Context, track store.Track, bursts []store.Burst, outPath string) error {
	decoded, err := r.codec.Decode(ctx, track.Path)
	if err != nil {
		return fmt.Errorf("decode %s: %w", track.Path, err)
	}

	maxGap := r.cfg.MaxGap
	if r.cfg.NoClamp {
		maxGap = 0
	}
	pcm := assemble(decoded, *track.FirstFrameAt, bursts, maxGap)

	if err := r.codec.Encode(ctx, pcm, outPath); err != nil {
		return fmt.Errorf("encode %s: %w", outPath, err)
	}
	log.Info().
		Str("track_id", track.ID.String()).
		Str("path", outPath).
		Dur("duration", time.Duration(len(pcm)/frameBytes)*20*time.Millisecond).
		Int("bursts", len(bursts)).
		Msg("Hydrated track")
	return nil
}

// assemble lays each burst at its absolute position, computed from the
// burst's wall-clock start anchored to the track's first-frame time. The
// silence before a burst is the gap between that target and the current
// write position, so an earlier misplaced burst corrects rather than shifts
// everything after it. maxGap of zero disables the clamp.
func assemble(decoded []byte, firstFrame time.Time, bursts []store.Burst, maxGap time.Duration) []byte {
	var out []byte
	for _, b := range bursts {
		if b.EndFrame == nil {
			log.Warn().Str("burst_id", b.ID.String()).Msg("Burst never closed, skipping")
			continue
		}

		target := b.StartedAt.Sub(firstFrame).Nanoseconds() * bytesPerSecond / int64(time.Second)
		target -= target % frameBytes
		if target < 0 {
			target = 0
		}

		gap := target - int64(len(out))
		if gap < 0 {
			gap = 0
		}
		if maxGap > 0 {
			if limit := maxGap.Nanoseconds() * bytesPerSecond / int64(time.Second); gap > limit {
				log.Warn().
					Str("burst_id", b.ID.String()).
					Dur("clamped_to", maxGap).
					Msg("Silence gap exceeds clamp")
				gap = limit - limit%frameBytes
			}
		}

		start := b.StartFrame * frameBytes
		end := *b.EndFrame * frameBytes
		if end > int64(len(decoded)) {
			// Offsets past the decoded length signal upstream tracking
			// drift; salvage what exists.
			log.Warn().
				Str("burst_id", b.ID.String()).
				Int64("end_offset", end).
				Int("decoded_len", len(decoded)).
				Msg("Burst offsets exceed decoded audio")
			end = int64(len(decoded))
		}
		if start > end {
			start = end
		}

		out = append(out, make([]byte, gap)...)
		out = append(out, decoded[start:end]...)
	}
	return out
}
