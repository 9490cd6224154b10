package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// transcriptKey identifies a reconcilable transcript event.
type transcriptKey struct {
	sessionID string
	trackID   uuid.UUID
	speakerID string
	streamSeq int
	resultID  string
}

// Memory is an in-memory Store used by tests and by hydration unit tests.
// Safe for concurrent use.
type Memory struct {
	mu          sync.Mutex
	tracks      map[uuid.UUID]*Track
	bursts      map[uuid.UUID]*Burst
	keyed       map[transcriptKey]*Transcript
	unkeyed     []*Transcript
	trackCloses map[uuid.UUID]int // close attempts that actually wrote, for tests
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		tracks:      make(map[uuid.UUID]*Track),
		bursts:      make(map[uuid.UUID]*Burst),
		keyed:       make(map[transcriptKey]*Transcript),
		trackCloses: make(map[uuid.UUID]int),
	}
}

func (m *Memory) CreateTrack(_ context.Context, t *Track) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tracks[t.ID] = &cp
	return nil
}

func (m *Memory) MarkTrackFirstFrame(_ context.Context, trackID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracks[trackID]
	if !ok {
		return ErrNotFound
	}
	if t.FirstFrameAt == nil {
		t.FirstFrameAt = &at
	}
	return nil
}

func (m *Memory) CloseTrack(_ context.Context, trackID uuid.UUID, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracks[trackID]
	if !ok {
		return ErrNotFound
	}
	if t.State != TrackActive {
		return nil
	}
	t.State = TrackClosed
	t.EndedAt = &endedAt
	m.trackCloses[trackID]++
	return nil
}

func (m *Memory) OpenBurst(_ context.Context, b *Burst) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.bursts[b.ID] = &cp
	return nil
}

func (m *Memory) CloseBurst(_ context.Context, burstID uuid.UUID, endedAt time.Time, endFrame int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bursts[burstID]
	if !ok {
		return ErrNotFound
	}
	if b.EndedAt != nil {
		return nil
	}
	b.EndedAt = &endedAt
	b.EndFrame = &endFrame
	return nil
}

func (m *Memory) UpsertTranscript(_ context.Context, t *Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *t
	if t.ResultID == "" {
		// No backend result id: nothing to reconcile against, plain append.
		m.unkeyed = append(m.unkeyed, &cp)
		return nil
	}

	key := transcriptKey{t.SessionID, t.TrackID, t.SpeakerID, t.StreamSeq, t.ResultID}
	if prev, ok := m.keyed[key]; ok && prev.Final && !t.Final {
		// A final result is never downgraded by a late interim.
		return nil
	}
	m.keyed[key] = &cp
	return nil
}

func (m *Memory) TracksOfSession(_ context.Context, sessionID string) ([]Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Track
	for _, t := range m.tracks {
		if t.SessionID == sessionID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SpeakerID != out[j].SpeakerID {
			return out[i].SpeakerID < out[j].SpeakerID
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (m *Memory) BurstsOfTrack(_ context.Context, trackID uuid.UUID) ([]Burst, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Burst
	for _, b := range m.bursts {
		if b.TrackID == trackID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *Memory) RecoverStale(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tracks {
		if t.State == TrackActive {
			t.State = TrackErrored
			n++
		}
	}
	return n, nil
}

// Transcripts returns every stored transcript event. Test helper.
func (m *Memory) Transcripts() []Transcript {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transcript, 0, len(m.keyed)+len(m.unkeyed))
	for _, t := range m.keyed {
		out = append(out, *t)
	}
	for _, t := range m.unkeyed {
		out = append(out, *t)
	}
	return out
}

// TrackCloseWrites returns how many close operations actually wrote for the
// given track. Test helper for close idempotence.
func (m *Memory) TrackCloseWrites(trackID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trackCloses[trackID]
}
