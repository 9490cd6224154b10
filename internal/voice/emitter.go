// Package voice provides the speaking-edge fan-out shared by the burst
// tracker and the STT gates, plus a local VAD detector for transports whose
// native speaking signals are unreliable.
package voice

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Edge is one voice-activity transition for one speaker.
type Edge struct {
	SpeakerID string
	Speaking  bool
	At        time.Time
}

// Emitter broadcasts speaking edges to any number of subscribers. Each
// subscriber holds a revocable handle; cancelling it removes only that
// registration, never the others — the emitter may outlive any subscriber.
type Emitter struct {
	mu     sync.Mutex
	subs   map[int]chan Edge
	nextID int
}

func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[int]chan Edge)}
}

// Subscription is a revocable registration on an Emitter.
type Subscription struct {
	C <-chan Edge

	once    sync.Once
	emitter *Emitter
	id      int
}

// Cancel removes this subscription from the emitter and closes its channel.
// Idempotent.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.emitter.mu.Lock()
		defer s.emitter.mu.Unlock()
		if ch, ok := s.emitter.subs[s.id]; ok {
			delete(s.emitter.subs, s.id)
			close(ch)
		}
	})
}

// Subscribe registers a new edge consumer.
func (e *Emitter) Subscribe() *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	ch := make(chan Edge, 16)
	e.subs[id] = ch
	return &Subscription{C: ch, emitter: e, id: id}
}

// Emit delivers an edge to every live subscriber. A subscriber that has
// fallen behind has the edge dropped rather than blocking the source.
func (e *Emitter) Emit(edge Edge) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, ch := range e.subs {
		select {
		case ch <- edge:
		default:
			log.Warn().
				Int("subscriber", id).
				Str("user_id", edge.SpeakerID).
				Msg("Edge subscriber full, dropping edge")
		}
	}
}

// Close cancels every remaining subscription. Used at session teardown when
// the emitter itself is going away.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
}
