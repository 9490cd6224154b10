package burst

import (
	"context"
	"testing"
	"time"

	"github.com/user/discord-scribe/internal/record"
	"github.com/user/discord-scribe/internal/store"
	"github.com/user/discord-scribe/internal/voice"
)

func frame() []byte { return []byte{0xF8, 0x01, 0x02, 0x03} }

type fixture struct {
	st      *store.Memory
	rec     *record.Recorder
	emitter *voice.Emitter
	tracker *Tracker
}

func newFixture(t *testing.T, maxDuration time.Duration) *fixture {
	t.Helper()
	st := store.NewMemory()
	rec := record.NewRecorder("sess-1", t.TempDir(), st, nil)
	emitter := voice.NewEmitter()
	tracker := NewTracker("sess-1", st, rec, emitter, maxDuration)
	t.Cleanup(tracker.Destroy)
	return &fixture{st: st, rec: rec, emitter: emitter, tracker: tracker}
}

func (f *fixture) feedFrames(t *testing.T, speaker string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		f.rec.OnFrame(context.Background(), speaker, frame())
	}
}

func (f *fixture) bursts(t *testing.T, speaker string) []store.Burst {
	t.Helper()
	id, ok := f.rec.TrackID(speaker)
	if !ok {
		t.Fatal("no open track")
	}
	bursts, err := f.st.BurstsOfTrack(context.Background(), id)
	if err != nil {
		t.Fatalf("BurstsOfTrack: %v", err)
	}
	return bursts
}

func TestNoBurstWithoutTrack(t *testing.T) {
	f := newFixture(t, time.Minute)

	f.tracker.openForSpeaker("ghost", time.Now())

	f.tracker.mu.Lock()
	defer f.tracker.mu.Unlock()
	if len(f.tracker.open) != 0 {
		t.Error("burst opened for speaker without a track")
	}
}

func TestBurstBoundariesMatchFrameCounter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	_ = f.rec.Subscribe(ctx, "u1")

	f.feedFrames(t, "u1", 10)
	f.tracker.openForSpeaker("u1", time.Now())
	f.feedFrames(t, "u1", 5)
	f.tracker.closeForSpeaker("u1", time.Now())

	bursts := f.bursts(t, "u1")
	if len(bursts) != 1 {
		t.Fatalf("got %d bursts, want 1", len(bursts))
	}
	b := bursts[0]
	if b.StartFrame != 10 {
		t.Errorf("start frame = %d, want 10", b.StartFrame)
	}
	if b.EndFrame == nil || *b.EndFrame != 15 {
		t.Errorf("end frame = %v, want 15", b.EndFrame)
	}
	if b.EndedAt == nil {
		t.Error("burst not closed")
	}
}

func TestBurstsDoNotOverlap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	_ = f.rec.Subscribe(ctx, "u1")

	for i := 0; i < 3; i++ {
		f.feedFrames(t, "u1", 4)
		f.tracker.openForSpeaker("u1", time.Now())
		f.feedFrames(t, "u1", 7)
		f.tracker.closeForSpeaker("u1", time.Now())
	}

	bursts := f.bursts(t, "u1")
	if len(bursts) != 3 {
		t.Fatalf("got %d bursts, want 3", len(bursts))
	}
	for i, b := range bursts {
		if b.EndFrame == nil || b.StartFrame > *b.EndFrame {
			t.Fatalf("burst %d has invalid range", i)
		}
		if i > 0 && b.StartFrame < *bursts[i-1].EndFrame {
			t.Errorf("burst %d overlaps burst %d", i, i-1)
		}
	}
}

func TestWatchdogSplitsWithoutOffsetGap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 40*time.Millisecond)
	_ = f.rec.Subscribe(ctx, "u1")

	f.feedFrames(t, "u1", 3)
	f.tracker.openForSpeaker("u1", time.Now())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.bursts(t, "u1")) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	bursts := f.bursts(t, "u1")
	if len(bursts) < 2 {
		t.Fatal("watchdog did not split the burst")
	}
	first, second := bursts[0], bursts[1]
	if first.EndedAt == nil || first.EndFrame == nil {
		t.Fatal("first burst not closed by watchdog")
	}
	if second.StartFrame != *first.EndFrame {
		t.Errorf("offset gap between split bursts: %d -> %d", *first.EndFrame, second.StartFrame)
	}
}

func TestBurstClosedAfterTrackKeepsOffsetsOrdered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	_ = f.rec.Subscribe(ctx, "u1")

	f.feedFrames(t, "u1", 10)
	f.tracker.openForSpeaker("u1", time.Now())
	trackID, _ := f.rec.TrackID("u1")

	// A queued speaking edge can leave the burst open past the track's
	// close, after which the frame counter reads zero.
	f.rec.Close(ctx, "u1")
	f.tracker.closeForSpeaker("u1", time.Now())

	bursts, err := f.st.BurstsOfTrack(ctx, trackID)
	if err != nil {
		t.Fatalf("BurstsOfTrack: %v", err)
	}
	if len(bursts) != 1 {
		t.Fatalf("got %d bursts, want 1", len(bursts))
	}
	b := bursts[0]
	if b.EndFrame == nil {
		t.Fatal("burst not closed")
	}
	if *b.EndFrame != b.StartFrame {
		t.Errorf("end frame = %d, want clamp to start frame %d", *b.EndFrame, b.StartFrame)
	}
}

func TestCloseUserBurstDoesNotReopen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	_ = f.rec.Subscribe(ctx, "u1")

	f.tracker.openForSpeaker("u1", time.Now())
	f.tracker.CloseUserBurst("u1")
	f.tracker.CloseUserBurst("u1") // idempotent

	bursts := f.bursts(t, "u1")
	if len(bursts) != 1 {
		t.Fatalf("got %d bursts, want 1", len(bursts))
	}
	if bursts[0].EndedAt == nil {
		t.Error("burst left open after CloseUserBurst")
	}
}

func TestDestroyClosesBurstsAndDetaches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	_ = f.rec.Subscribe(ctx, "u1")
	trackID, _ := f.rec.TrackID("u1")

	other := f.emitter.Subscribe()
	defer other.Cancel()

	f.tracker.openForSpeaker("u1", time.Now())
	f.tracker.Destroy()
	f.tracker.Destroy() // idempotent

	bursts, _ := f.st.BurstsOfTrack(ctx, trackID)
	if len(bursts) != 1 || bursts[0].EndedAt == nil {
		t.Error("Destroy did not close the open burst")
	}

	// The shared emitter still serves other subscribers.
	f.emitter.Emit(voice.Edge{SpeakerID: "u1", Speaking: true})
	select {
	case <-other.C:
	case <-time.After(time.Second):
		t.Error("co-subscriber lost its registration on tracker destroy")
	}
}

func TestEdgesDriveBurstsThroughEmitter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	_ = f.rec.Subscribe(ctx, "u1")

	f.emitter.Emit(voice.Edge{SpeakerID: "u1", Speaking: true, At: time.Now()})

	deadline := time.Now().Add(5 * time.Second)
	var open []store.Burst
	for time.Now().Before(deadline) {
		open = f.bursts(t, "u1")
		if len(open) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(open) != 1 {
		t.Fatal("speaking edge did not open a burst")
	}

	f.emitter.Emit(voice.Edge{SpeakerID: "u1", Speaking: false, At: time.Now()})
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if b := f.bursts(t, "u1"); b[0].EndedAt != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("silence edge did not close the burst")
}
