package hydrate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/user/discord-scribe/internal/store"
)

func closedBurst(trackID uuid.UUID, startedAt time.Time, startFrame, endFrame int64) store.Burst {
	end := startedAt.Add(time.Duration(endFrame-startFrame) * 20 * time.Millisecond)
	return store.Burst{
		ID:         uuid.New(),
		TrackID:    trackID,
		StartedAt:  startedAt,
		EndedAt:    &end,
		StartFrame: startFrame,
		EndFrame:   &endFrame,
	}
}

// pattern fills n frames with a recognizable non-zero byte.
func pattern(frames int) []byte {
	b := make([]byte, frames*frameBytes)
	for i := range b {
		b[i] = 0x5A
	}
	return b
}

func TestAssembleInsertsAnchoredSilence(t *testing.T) {
	t0 := time.Now()
	decoded := pattern(100)
	bursts := []store.Burst{closedBurst(uuid.New(), t0.Add(5*time.Second), 0, 100)}

	out := assemble(decoded, t0, bursts, DefaultMaxGap)

	wantLen := 5*bytesPerSecond + 100*frameBytes
	if len(out) != wantLen {
		t.Fatalf("output length = %d, want %d (5s silence + 100 frames)", len(out), wantLen)
	}
	// Within one frame period of 7 seconds total.
	total := time.Duration(len(out)) * time.Second / bytesPerSecond
	if diff := total - 7*time.Second; diff < -20*time.Millisecond || diff > 20*time.Millisecond {
		t.Errorf("total duration = %v, want 7s within one frame period", total)
	}
	if out[0] != 0 || out[5*bytesPerSecond-1] != 0 {
		t.Error("leading gap is not silence")
	}
	if out[5*bytesPerSecond] != 0x5A {
		t.Error("burst audio does not follow the silence")
	}
}

func TestAssembleCorrectsFromAnchorNotCumulativeGaps(t *testing.T) {
	t0 := time.Now()
	decoded := pattern(100)
	trackID := uuid.New()
	bursts := []store.Burst{
		closedBurst(trackID, t0, 0, 50),
		closedBurst(trackID, t0.Add(3*time.Second), 50, 100),
	}

	out := assemble(decoded, t0, bursts, DefaultMaxGap)

	// The second burst lands at exactly 3s regardless of what came before.
	wantLen := 3*bytesPerSecond + 50*frameBytes
	if len(out) != wantLen {
		t.Fatalf("output length = %d, want %d", len(out), wantLen)
	}
	if out[3*bytesPerSecond-1] != 0 {
		t.Error("expected silence right before the second burst's target")
	}
	if out[3*bytesPerSecond] != 0x5A {
		t.Error("second burst not at its anchored position")
	}
}

func TestAssembleClampsPathologicalGaps(t *testing.T) {
	t0 := time.Now()
	decoded := pattern(10)
	bursts := []store.Burst{closedBurst(uuid.New(), t0.Add(time.Hour), 0, 10)}

	out := assemble(decoded, t0, bursts, time.Second)
	wantLen := 1*bytesPerSecond + 10*frameBytes
	if len(out) != wantLen {
		t.Errorf("output length = %d, want gap clamped to 1s: %d", len(out), wantLen)
	}

	// Clamp disabled: the full gap is written.
	out = assemble(decoded, t0, bursts, 0)
	if len(out) <= wantLen {
		t.Error("disabled clamp still truncated the gap")
	}
}

func TestAssembleSalvagesOutOfBoundsOffsets(t *testing.T) {
	t0 := time.Now()
	decoded := pattern(40) // shorter than the recorded offsets claim
	bursts := []store.Burst{closedBurst(uuid.New(), t0, 0, 100)}

	out := assemble(decoded, t0, bursts, DefaultMaxGap)
	if len(out) != 40*frameBytes {
		t.Errorf("output length = %d, want the 40 decodable frames", len(out))
	}
}

func TestAssembleSkipsOpenBursts(t *testing.T) {
	t0 := time.Now()
	decoded := pattern(10)
	open := store.Burst{ID: uuid.New(), StartedAt: t0, StartFrame: 0}

	out := assemble(decoded, t0, []store.Burst{open}, DefaultMaxGap)
	if len(out) != 0 {
		t.Error("open burst contributed audio")
	}
}

// ---- session-level reconstruction with a fake codec ----

type fakeCodec struct {
	mu        sync.Mutex
	decoded   []byte
	decodeErr error
	encoded   map[string][]byte
	mixInputs []string
}

func newFakeCodec(decoded []byte) *fakeCodec {
	return &fakeCodec{decoded: decoded, encoded: make(map[string][]byte)}
}

func (f *fakeCodec) Decode(context.Context, string) ([]byte, error) {
	return f.decoded, f.decodeErr
}

func (f *fakeCodec) Encode(_ context.Context, pcm []byte, outPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.encoded[outPath] = pcm
	return nil
}

func (f *fakeCodec) Mix(_ context.Context, inputs []string, outPath string) error {
	f.mixInputs = inputs
	return nil
}

func seedTrack(t *testing.T, st *store.Memory, sessionID, speakerID string, seq int, firstFrame *time.Time, bursts int) store.Track {
	t.Helper()
	ctx := context.Background()
	track := store.Track{
		ID:        uuid.New(),
		SessionID: sessionID,
		SpeakerID: speakerID,
		Seq:       seq,
		Path:      "/recordings/" + speakerID + ".ogg",
		State:     store.TrackClosed,
		CreatedAt: time.Now(),
	}
	if err := st.CreateTrack(ctx, &track); err != nil {
		t.Fatalf("CreateTrack: %v", err)
	}
	if firstFrame != nil {
		if err := st.MarkTrackFirstFrame(ctx, track.ID, *firstFrame); err != nil {
			t.Fatalf("MarkTrackFirstFrame: %v", err)
		}
		track.FirstFrameAt = firstFrame
	}
	for i := 0; i < bursts; i++ {
		b := closedBurst(track.ID, firstFrameOr(firstFrame).Add(time.Duration(i)*time.Second), int64(i*10), int64(i*10+10))
		if err := st.OpenBurst(ctx, &b); err != nil {
			t.Fatalf("OpenBurst: %v", err)
		}
		if err := st.CloseBurst(ctx, b.ID, *b.EndedAt, *b.EndFrame); err != nil {
			t.Fatalf("CloseBurst: %v", err)
		}
	}
	return track
}

func firstFrameOr(t *time.Time) time.Time {
	if t != nil {
		return *t
	}
	return time.Now()
}

func TestHydrateSessionNoTracks(t *testing.T) {
	r := NewReconstructor(store.NewMemory(), newFakeCodec(nil), Config{})
	_, err := r.HydrateSession(context.Background(), "missing", t.TempDir(), false)
	if !errors.Is(err, ErrNoTracks) {
		t.Errorf("err = %v, want ErrNoTracks", err)
	}
}

func TestHydrateSessionNoBursts(t *testing.T) {
	st := store.NewMemory()
	now := time.Now()
	seedTrack(t, st, "sess", "u1", 0, &now, 0)

	r := NewReconstructor(st, newFakeCodec(pattern(10)), Config{})
	_, err := r.HydrateSession(context.Background(), "sess", t.TempDir(), false)
	if !errors.Is(err, ErrNoBursts) {
		t.Errorf("err = %v, want ErrNoBursts", err)
	}
}

func TestHydrateSessionWritesPerTrackOutputs(t *testing.T) {
	st := store.NewMemory()
	now := time.Now()
	seedTrack(t, st, "sess", "u1", 0, &now, 2)
	seedTrack(t, st, "sess", "u2", 0, &now, 1)

	codec := newFakeCodec(pattern(100))
	r := NewReconstructor(st, codec, Config{})
	outputs, err := r.HydrateSession(context.Background(), "sess", t.TempDir(), false)
	if err != nil {
		t.Fatalf("HydrateSession: %v", err)
	}
	if len(outputs) != 2 {
		t.Fatalf("got %d outputs, want 2", len(outputs))
	}
	if len(codec.encoded) != 2 {
		t.Errorf("encoded %d tracks, want 2", len(codec.encoded))
	}
	if codec.mixInputs != nil {
		t.Error("mix ran without being requested")
	}
}

func TestHydrateSessionMixCombinesOutputs(t *testing.T) {
	st := store.NewMemory()
	now := time.Now()
	seedTrack(t, st, "sess", "u1", 0, &now, 1)
	seedTrack(t, st, "sess", "u2", 0, &now, 1)

	codec := newFakeCodec(pattern(100))
	r := NewReconstructor(st, codec, Config{})
	outputs, err := r.HydrateSession(context.Background(), "sess", t.TempDir(), true)
	if err != nil {
		t.Fatalf("HydrateSession: %v", err)
	}
	if len(codec.mixInputs) != 2 {
		t.Errorf("mix got %d inputs, want 2", len(codec.mixInputs))
	}
	if len(outputs) != 3 {
		t.Errorf("got %d outputs, want 2 tracks + 1 mix", len(outputs))
	}
}

func TestHydrateSessionSkipsTrackWithoutFirstFrame(t *testing.T) {
	st := store.NewMemory()
	now := time.Now()
	seedTrack(t, st, "sess", "u1", 0, &now, 1)
	seedTrack(t, st, "sess", "u2", 0, nil, 1) // subscribed but never spoke a frame

	codec := newFakeCodec(pattern(100))
	r := NewReconstructor(st, codec, Config{})
	outputs, err := r.HydrateSession(context.Background(), "sess", t.TempDir(), false)
	if err != nil {
		t.Fatalf("HydrateSession: %v", err)
	}
	if len(outputs) != 1 {
		t.Errorf("got %d outputs, want 1", len(outputs))
	}
}
