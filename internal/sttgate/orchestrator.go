package sttgate

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/user/discord-scribe/internal/metrics"
	"github.com/user/discord-scribe/internal/record"
	"github.com/user/discord-scribe/internal/resample"
	"github.com/user/discord-scribe/internal/store"
	"github.com/user/discord-scribe/internal/stt"
	"github.com/user/discord-scribe/internal/voice"
)

// Orchestrator manages one gate per active speaker of a session. It
// subscribes to the shared speaking-edge emitter, enforces the concurrent
// gate cap, and rebuilds a gate whose resampler process has died: the gate's
// process binding is fixed at construction, so replacement means
// reconstruction, never pointer substitution.
type Orchestrator struct {
	sessionID string
	store     store.Store
	recorder  *record.Recorder
	registry  *resample.Registry
	backend   stt.Backend
	cfg       Config
	maxGates  int
	sub       *voice.Subscription

	mu        sync.Mutex
	gates     map[string]*Gate
	destroyed bool
}

func NewOrchestrator(sessionID string, st store.Store, rec *record.Recorder, reg *resample.Registry, backend stt.Backend, emitter *voice.Emitter, cfg Config, maxGates int) *Orchestrator {
	if maxGates <= 0 {
		maxGates = 8
	}
	o := &Orchestrator{
		sessionID: sessionID,
		store:     st,
		recorder:  rec,
		registry:  reg,
		backend:   backend,
		cfg:       cfg,
		maxGates:  maxGates,
		sub:       emitter.Subscribe(),
		gates:     make(map[string]*Gate),
	}
	go o.run()
	return o
}

func (o *Orchestrator) run() {
	for edge := range o.sub.C {
		if edge.Speaking {
			o.onSpeakingStart(edge.SpeakerID, edge.At)
		} else {
			o.onSpeakingEnd(edge.SpeakerID, edge.At)
		}
	}
}

// onSpeakingStart resolves the speaker's gate, creating or rebuilding it as
// needed, then delegates the edge.
func (o *Orchestrator) onSpeakingStart(speakerID string, at time.Time) {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return
	}

	key := resample.Key{SessionID: o.sessionID, SpeakerID: speakerID}
	g, ok := o.gates[speakerID]
	if ok {
		if proc := o.registry.Get(key); proc == nil || proc != g.Proc() {
			g = o.rebuildGateLocked(speakerID, key, g)
		}
	} else {
		g = o.createGateLocked(speakerID, key)
	}
	o.mu.Unlock()

	if g != nil {
		g.OnSpeakingStart(at)
	}
}

func (o *Orchestrator) onSpeakingEnd(speakerID string, at time.Time) {
	o.mu.Lock()
	g := o.gates[speakerID]
	o.mu.Unlock()
	if g != nil {
		g.OnSpeakingEnd(at)
	}
}

// createGateLocked spawns or reuses the speaker's resampler and builds a
// fresh gate, respecting the gate cap. Returns nil when refused.
func (o *Orchestrator) createGateLocked(speakerID string, key resample.Key) *Gate {
	if len(o.gates) >= o.maxGates {
		log.Warn().
			Str("session_id", o.sessionID).
			Str("user_id", speakerID).
			Int("max_gates", o.maxGates).
			Msg("Refusing gate, session at concurrent stream cap")
		return nil
	}
	trackID, ok := o.recorder.TrackID(speakerID)
	if !ok {
		log.Debug().
			Str("session_id", o.sessionID).
			Str("user_id", speakerID).
			Msg("Speaking start without open track, no gate")
		return nil
	}

	proc := o.registry.Get(key)
	if proc == nil {
		proc = o.registry.Spawn(key)
	}
	if proc == nil {
		// Breaker open or spawn failed.
		return nil
	}

	g := NewGate(o.sessionID, speakerID, trackID, proc, o.backend, o.store, o.cfg, 0)
	o.gates[speakerID] = g
	metrics.Default.GatesActive.Inc()
	log.Info().
		Str("session_id", o.sessionID).
		Str("user_id", speakerID).
		Msg("Created gate")
	return g
}

// rebuildGateLocked replaces a gate whose resampler died: respawn the
// process and construct a successor gate that continues the stream sequence
// numbering. Returns nil when the respawn is refused.
func (o *Orchestrator) rebuildGateLocked(speakerID string, key resample.Key, stale *Gate) *Gate {
	nextSeq := stale.NextSeq()
	stale.Destroy()
	delete(o.gates, speakerID)
	metrics.Default.GatesActive.Dec()

	proc := o.registry.Spawn(key)
	if proc == nil {
		return nil
	}
	trackID, ok := o.recorder.TrackID(speakerID)
	if !ok {
		return nil
	}

	g := NewGate(o.sessionID, speakerID, trackID, proc, o.backend, o.store, o.cfg, nextSeq)
	o.gates[speakerID] = g
	metrics.Default.GatesActive.Inc()
	log.Info().
		Str("session_id", o.sessionID).
		Str("user_id", speakerID).
		Msg("Rebuilt gate after resampler death")
	return g
}

// RemoveSpeaker tears down the speaker's gate and resampler, e.g. on leave.
func (o *Orchestrator) RemoveSpeaker(speakerID string) {
	o.mu.Lock()
	g, ok := o.gates[speakerID]
	if ok {
		delete(o.gates, speakerID)
	}
	o.mu.Unlock()

	if ok {
		g.Destroy()
		metrics.Default.GatesActive.Dec()
	}
	o.registry.Kill(resample.Key{SessionID: o.sessionID, SpeakerID: speakerID}, "leave")
}

// Destroy detaches from the edge source and tears down every gate.
// Idempotent; other emitter subscribers are unaffected.
func (o *Orchestrator) Destroy() {
	o.sub.Cancel()

	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return
	}
	o.destroyed = true
	gates := o.gates
	o.gates = make(map[string]*Gate)
	o.mu.Unlock()

	for _, g := range gates {
		g.Destroy()
		metrics.Default.GatesActive.Dec()
	}
}
