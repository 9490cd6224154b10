package stt

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Factory constructs a backend on first acquire of a key.
type Factory func() (Backend, error)

// Pool shares one backend client per (engine, mode) key across sessions.
// Backends like a locally loaded recognition model are expensive to build,
// so sessions acquire a refcounted handle and the client is destroyed only
// when the last reference is released.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	backend Backend
	refs    int
}

func NewPool() *Pool {
	return &Pool{entries: make(map[string]*poolEntry)}
}

// Acquire returns the shared backend for key, constructing it via factory if
// no live reference exists.
func (p *Pool) Acquire(key string, factory Factory) (Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[key]; ok {
		e.refs++
		return e.backend, nil
	}

	backend, err := factory()
	if err != nil {
		return nil, fmt.Errorf("construct backend %q: %w", key, err)
	}
	p.entries[key] = &poolEntry{backend: backend, refs: 1}
	log.Info().Str("backend", key).Msg("Constructed shared STT backend")
	return backend, nil
}

// Release drops one reference. The backend is closed at zero references,
// never on a single session's teardown. Releasing an unknown key is a no-op.
func (p *Pool) Release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	delete(p.entries, key)
	if err := e.backend.Close(); err != nil {
		log.Warn().Err(err).Str("backend", key).Msg("Failed to close STT backend")
	}
	log.Info().Str("backend", key).Msg("Destroyed shared STT backend")
}
