package stt

import (
	"context"
	"errors"
	"testing"
)

type fakeBackend struct {
	closes int
}

func (f *fakeBackend) OpenStream(context.Context, string, int, Handler) (Stream, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBackend) Close() error {
	f.closes++
	return nil
}

func TestPoolSharesBackendAcrossAcquires(t *testing.T) {
	p := NewPool()
	built := 0
	factory := func() (Backend, error) {
		built++
		return &fakeBackend{}, nil
	}

	a, err := p.Acquire("vosk/en", factory)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b, err := p.Acquire("vosk/en", factory)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if a != b {
		t.Error("second acquire returned a different backend")
	}
	if built != 1 {
		t.Errorf("factory ran %d times, want 1", built)
	}
}

func TestPoolClosesOnlyAtZeroReferences(t *testing.T) {
	p := NewPool()
	fb := &fakeBackend{}
	factory := func() (Backend, error) { return fb, nil }

	_, _ = p.Acquire("dg/live", factory)
	_, _ = p.Acquire("dg/live", factory)

	p.Release("dg/live")
	if fb.closes != 0 {
		t.Fatal("backend closed while references remain")
	}
	p.Release("dg/live")
	if fb.closes != 1 {
		t.Fatalf("backend closed %d times, want 1", fb.closes)
	}

	p.Release("dg/live") // unknown key now, no-op
	if fb.closes != 1 {
		t.Error("release after zero refs closed the backend again")
	}
}

func TestPoolRebuildsAfterFullRelease(t *testing.T) {
	p := NewPool()
	built := 0
	factory := func() (Backend, error) {
		built++
		return &fakeBackend{}, nil
	}

	_, _ = p.Acquire("k", factory)
	p.Release("k")
	_, _ = p.Acquire("k", factory)
	if built != 2 {
		t.Errorf("factory ran %d times, want 2", built)
	}
}

func TestPoolFactoryErrorLeavesNoEntry(t *testing.T) {
	p := NewPool()
	wantErr := errors.New("model missing")
	_, err := p.Acquire("bad", func() (Backend, error) { return nil, wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want wrapped %v", err, wantErr)
	}

	ok := 0
	_, err = p.Acquire("bad", func() (Backend, error) { ok++; return &fakeBackend{}, nil })
	if err != nil || ok != 1 {
		t.Error("failed construction poisoned the key")
	}
}
