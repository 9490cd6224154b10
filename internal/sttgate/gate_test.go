package sttgate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/user/discord-scribe/internal/resample"
	"github.com/user/discord-scribe/internal/store"
	"github.com/user/discord-scribe/internal/stt"
)

type fakeBackend struct {
	mu      sync.Mutex
	streams []*fakeStream
	openErr error
}

func (b *fakeBackend) OpenStream(_ context.Context, _ string, seq int, h stt.Handler) (stt.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	s := &fakeStream{seq: seq, handler: h, anchor: time.Now()}
	b.streams = append(b.streams, s)
	return s, nil
}

func (b *fakeBackend) Close() error { return nil }

func (b *fakeBackend) opened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

func (b *fakeBackend) stream(i int) *fakeStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[i]
}

type fakeStream struct {
	seq     int
	handler stt.Handler
	anchor  time.Time

	mu     sync.Mutex
	writes int
	closes int
}

func (s *fakeStream) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closes > 0 {
		return errors.New("closed")
	}
	s.writes++
	return nil
}

func (s *fakeStream) FirstWriteAt() (time.Time, bool) { return s.anchor, true }

func (s *fakeStream) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes == 0
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testConfig() Config {
	return Config{
		SilenceTimeout:    40 * time.Millisecond,
		RotationThreshold: 100 * time.Millisecond,
		RotationCheck:     20 * time.Millisecond,
		OverlapWindow:     40 * time.Millisecond,
		ReopenCooldown:    30 * time.Millisecond,
	}
}

func testGate(t *testing.T, cfg Config) (*Gate, *fakeBackend, *store.Memory) {
	t.Helper()
	reg := resample.NewRegistry(resample.Config{Path: "cat", Args: []string{"-"}})
	t.Cleanup(func() { reg.KillAll("test done") })
	proc := reg.Spawn(resample.Key{SessionID: "s", SpeakerID: "u1"})
	if proc == nil {
		t.Fatal("failed to spawn resampler stand-in")
	}

	backend := &fakeBackend{}
	st := store.NewMemory()
	g := NewGate("s", "u1", uuid.New(), proc, backend, st, cfg, 0)
	t.Cleanup(g.Destroy)
	return g, backend, st
}

func TestStreamOpensOnSpeechClosesAfterSilence(t *testing.T) {
	g, backend, _ := testGate(t, testConfig())

	g.OnSpeakingStart(time.Now())
	if backend.opened() != 1 {
		t.Fatalf("opened %d streams, want 1", backend.opened())
	}

	g.OnSpeakingEnd(time.Now())
	waitFor(t, func() bool { return backend.stream(0).closeCount() > 0 },
		"silence timeout did not close the stream")
}

func TestNewSpeechCancelsSilenceClose(t *testing.T) {
	g, backend, _ := testGate(t, testConfig())

	g.OnSpeakingStart(time.Now())
	g.OnSpeakingEnd(time.Now())
	g.OnSpeakingStart(time.Now())

	time.Sleep(100 * time.Millisecond)
	if backend.stream(0).closeCount() != 0 {
		t.Error("stream closed although speech resumed before the timeout")
	}
	if backend.opened() != 1 {
		t.Errorf("opened %d streams, want the original 1", backend.opened())
	}
}

func TestRotationAtThresholdOnSpeechEnd(t *testing.T) {
	cfg := testConfig()
	cfg.RotationCheck = time.Hour // only the end-of-speech path rotates here
	g, backend, _ := testGate(t, cfg)

	base := time.Now()
	g.OnSpeakingStart(base)
	g.OnSpeakingEnd(base.Add(150 * time.Millisecond))

	if backend.opened() != 2 {
		t.Fatalf("opened %d streams, want 2 after rotation", backend.opened())
	}
	if backend.stream(1).seq != 1 {
		t.Errorf("successor seq = %d, want 1", backend.stream(1).seq)
	}
	// The retired stream stays writable for the overlap window, then closes.
	if backend.stream(0).closeCount() != 0 {
		t.Error("retired stream closed before the overlap window elapsed")
	}
	waitFor(t, func() bool { return backend.stream(0).closeCount() == 1 },
		"retired stream not closed after the overlap window")
}

func TestRotationCheckRotatesUninterruptedSpeech(t *testing.T) {
	g, backend, _ := testGate(t, testConfig())

	g.OnSpeakingStart(time.Now())
	waitFor(t, func() bool { return backend.opened() >= 2 },
		"uninterrupted speech never rotated")
	g.OnSpeakingEnd(time.Now())
}

func TestSecondRotationForceClosesOverlappingStream(t *testing.T) {
	cfg := testConfig()
	cfg.RotationCheck = time.Hour
	cfg.OverlapWindow = time.Hour // the window never expires on its own
	g, backend, _ := testGate(t, cfg)

	base := time.Now()
	g.OnSpeakingStart(base)
	g.OnSpeakingEnd(base.Add(150 * time.Millisecond)) // rotation 1
	g.OnSpeakingStart(base.Add(200 * time.Millisecond))
	g.OnSpeakingEnd(base.Add(350 * time.Millisecond)) // rotation 2

	if backend.opened() != 3 {
		t.Fatalf("opened %d streams, want 3", backend.opened())
	}
	if backend.stream(0).closeCount() != 1 {
		t.Error("first retired stream not force-closed by the second rotation")
	}
	if backend.stream(1).closeCount() != 0 {
		t.Error("second stream closed while its overlap window is active")
	}
}

func TestOverlapDedupDropsRetiredDuplicates(t *testing.T) {
	cfg := testConfig()
	cfg.RotationCheck = time.Hour
	g, backend, st := testGate(t, cfg)

	base := time.Now()
	g.OnSpeakingStart(base)
	g.OnSpeakingEnd(base.Add(150 * time.Millisecond)) // rotate: stream 0 retired

	fresh, retired := backend.stream(1), backend.stream(0)

	// Successor's first result anchors the de-duplication window.
	fresh.handler.OnEvent(stt.Event{Text: "hello there", Final: true, ResultID: "a", Start: 0, End: time.Second})
	// Retired events inside the window are duplicates, outside it they keep.
	retired.handler.OnEvent(stt.Event{Text: "hello", Final: true, ResultID: "b", Start: 0, End: time.Second})
	retired.handler.OnEvent(stt.Event{Text: "earlier words", Final: true, ResultID: "c", Start: -10 * time.Second, End: -9 * time.Second})

	waitFor(t, func() bool { return retired.closeCount() == 1 },
		"overlap window never ended")

	texts := map[string]bool{}
	for _, tr := range st.Transcripts() {
		texts[tr.Text] = true
	}
	if !texts["hello there"] || !texts["earlier words"] {
		t.Errorf("expected kept transcripts missing: %v", texts)
	}
	if texts["hello"] {
		t.Error("duplicate retired-stream transcript was persisted")
	}
}

func TestTranscriptTimesUseFirstWriteAnchor(t *testing.T) {
	g, backend, st := testGate(t, testConfig())

	g.OnSpeakingStart(time.Now())
	s := backend.stream(0)
	s.handler.OnEvent(stt.Event{Text: "anchored", Final: true, ResultID: "r1", Start: 3 * time.Second, End: 4 * time.Second})

	trs := st.Transcripts()
	if len(trs) != 1 {
		t.Fatalf("got %d transcripts, want 1", len(trs))
	}
	want := s.anchor.Add(3 * time.Second)
	if !trs[0].StartAt.Equal(want) {
		t.Errorf("StartAt = %v, want %v", trs[0].StartAt, want)
	}
	g.OnSpeakingEnd(time.Now())
}

func TestUnexpectedCloseReopensAfterCooldownMidSpeech(t *testing.T) {
	g, backend, _ := testGate(t, testConfig())

	g.OnSpeakingStart(time.Now())
	backend.stream(0).handler.OnUnexpectedClose(errors.New("backend went away"))

	if backend.opened() != 1 {
		t.Fatal("reopened before the cooldown elapsed")
	}
	waitFor(t, func() bool { return backend.opened() == 2 },
		"no reopen after the cooldown while mid-speech")
}

func TestUnexpectedCloseDoesNotReopenAfterSpeechEnd(t *testing.T) {
	g, backend, _ := testGate(t, testConfig())

	g.OnSpeakingStart(time.Now())
	backend.stream(0).handler.OnUnexpectedClose(errors.New("backend went away"))
	g.OnSpeakingEnd(time.Now())

	time.Sleep(120 * time.Millisecond)
	if backend.opened() != 1 {
		t.Errorf("opened %d streams, want no reopen once speech ended", backend.opened())
	}
}

func TestDestroyClosesEverythingAndIsIdempotent(t *testing.T) {
	cfg := testConfig()
	cfg.RotationCheck = time.Hour
	cfg.OverlapWindow = time.Hour
	g, backend, _ := testGate(t, cfg)

	base := time.Now()
	g.OnSpeakingStart(base)
	g.OnSpeakingEnd(base.Add(150 * time.Millisecond)) // leaves a retired stream

	g.Destroy()
	g.Destroy()

	for i := 0; i < backend.opened(); i++ {
		if got := backend.stream(i).closeCount(); got != 1 {
			t.Errorf("stream %d closed %d times, want exactly 1", i, got)
		}
	}

	g.OnSpeakingStart(time.Now())
	if backend.opened() != 2 {
		t.Error("destroyed gate opened a new stream")
	}
}
