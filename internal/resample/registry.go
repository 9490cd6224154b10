// Package resample supervises one external resampling subprocess per
// (session, speaker): spawn with a circuit breaker, backpressured writes, an
// idle watchdog, and graceful-then-hard kill.
package resample

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/user/discord-scribe/internal/metrics"
)

// Key identifies one resampler. A structured composite key rather than a
// concatenated string, so session-scoped and legacy lookups cannot collide.
type Key struct {
	SessionID string
	SpeakerID string
}

// Config holds the subprocess command line and timing knobs.
type Config struct {
	// Path is the resampler binary, normally ffmpeg.
	Path string
	// Args is the full fixed argument list. Defaults to Ogg-Opus on stdin,
	// s16le 48 kHz mono on stdout.
	Args []string
	// IdleTimeout force-kills a process that has received no writes for this
	// long. Defaults to one hour.
	IdleTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Path == "" {
		out.Path = "ffmpeg"
	}
	if len(out.Args) == 0 {
		out.Args = []string{
			"-hide_banner", "-loglevel", "warning",
			"-f", "ogg", "-i", "pipe:0",
			"-f", "s16le", "-ar", "48000", "-ac", "1",
			"pipe:1",
		}
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = time.Hour
	}
	return out
}

// Registry owns every resampler process. Processes are exclusively owned
// here; callers get handles via Get and must never share one handle between
// two consumers.
type Registry struct {
	cfg Config

	mu        sync.Mutex
	processes map[Key]*Process
	breakers  map[Key]*failureWindow
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:       cfg.withDefaults(),
		processes: make(map[Key]*Process),
		breakers:  make(map[Key]*failureWindow),
	}
}

// Spawn starts a fresh resampler for key, killing any existing one first.
// While the circuit breaker for the key is open the spawn is refused and nil
// is returned.
func (r *Registry) Spawn(key Key) *Process {
	r.mu.Lock()
	breaker, ok := r.breakers[key]
	if !ok {
		breaker = &failureWindow{}
		r.breakers[key] = breaker
	}
	existing := r.processes[key]
	r.mu.Unlock()

	now := time.Now()
	if breaker.tripped(now) {
		metrics.Default.BreakerRefusals.Inc()
		log.Warn().
			Str("session_id", key.SessionID).
			Str("user_id", key.SpeakerID).
			Msg("Resampler spawn refused by circuit breaker")
		return nil
	}

	if existing != nil {
		existing.Kill("respawn")
	}

	onEarlyExit := func() {
		breaker.record(time.Now())
		metrics.Default.ResamplerFailures.Inc()
	}
	proc, err := startProcess(key, r.cfg.Path, r.cfg.Args, r.cfg.IdleTimeout, onEarlyExit)
	if err != nil {
		breaker.record(time.Now())
		metrics.Default.ResamplerFailures.Inc()
		log.Error().
			Err(err).
			Str("session_id", key.SessionID).
			Str("user_id", key.SpeakerID).
			Msg("Failed to spawn resampler")
		return nil
	}

	metrics.Default.ResamplerSpawns.Inc()
	log.Info().
		Str("session_id", key.SessionID).
		Str("user_id", key.SpeakerID).
		Msg("Spawned resampler process")

	r.mu.Lock()
	r.processes[key] = proc
	r.mu.Unlock()
	return proc
}

// Get returns the live process for key, or nil if there is none. Dead
// entries are evicted lazily here.
func (r *Registry) Get(key Key) *Process {
	r.mu.Lock()
	defer r.mu.Unlock()

	proc, ok := r.processes[key]
	if !ok {
		return nil
	}
	if !proc.Alive() {
		delete(r.processes, key)
		return nil
	}
	return proc
}

// Write forwards one encoded frame to the resampler for key, if one is live.
func (r *Registry) Write(key Key, frame []byte) {
	if proc := r.Get(key); proc != nil {
		proc.Write(frame)
	}
}

// Kill terminates and removes the process for key. Idempotent.
func (r *Registry) Kill(key Key, reason string) {
	r.mu.Lock()
	proc, ok := r.processes[key]
	if ok {
		delete(r.processes, key)
	}
	r.mu.Unlock()

	if ok {
		proc.Kill(reason)
	}
}

// KillAll terminates every process, e.g. at session stop.
func (r *Registry) KillAll(reason string) {
	r.mu.Lock()
	procs := make([]*Process, 0, len(r.processes))
	for key, proc := range r.processes {
		procs = append(procs, proc)
		delete(r.processes, key)
	}
	r.mu.Unlock()

	for _, proc := range procs {
		proc.Kill(reason)
	}
}
