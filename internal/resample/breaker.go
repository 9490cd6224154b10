package resample

import (
	"sync"
	"time"
)

const (
	breakerThreshold = 3
	breakerWindow    = 60 * time.Second
)

// failureWindow is a rolling-window spawn circuit breaker. Once it has seen
// breakerThreshold failures inside breakerWindow, further spawns for the key
// are refused until the oldest failure ages out.
type failureWindow struct {
	mu       sync.Mutex
	failures []time.Time
}

// record adds a failure at t, pruning entries that have aged out.
func (w *failureWindow) record(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(t)
	w.failures = append(w.failures, t)
}

// tripped reports whether the breaker refuses spawns at time now.
func (w *failureWindow) tripped(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return len(w.failures) >= breakerThreshold
}

// prune drops failures older than the window. Must be called with w.mu held.
func (w *failureWindow) prune(now time.Time) {
	cutoff := now.Add(-breakerWindow)
	kept := w.failures[:0]
	for _, f := range w.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	w.failures = kept
}
