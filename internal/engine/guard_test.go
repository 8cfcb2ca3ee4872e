package engine

import (
	"testing"
	"time"
)

func TestGuardSingleFlight(t *testing.T) {
	g := &Guard{}
	now := time.Now()

	token, ok := g.TryAcquire(now)
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}
	if _, ok := g.TryAcquire(now); ok {
		t.Fatal("expected second acquire to fail while held")
	}

	if !g.Release(token) {
		t.Error("expected release with valid token to succeed")
	}
	if _, ok := g.TryAcquire(now); !ok {
		t.Error("expected acquire after release to succeed")
	}
}

func TestGuardForceRelease(t *testing.T) {
	g := &Guard{}
	start := time.Now()

	g.TryAcquire(start)

	if g.ForceRelease(start.Add(3*time.Second), 5*time.Second) {
		t.Error("must not force release before the timeout")
	}
	if !g.ForceRelease(start.Add(6*time.Second), 5*time.Second) {
		t.Error("expected force release after the timeout")
	}
	if _, held := g.HeldFor(start.Add(6 * time.Second)); held {
		t.Error("guard still held after force release")
	}
}

func TestGuardStaleTokenIsNoOp(t *testing.T) {
	g := &Guard{}
	start := time.Now()

	stale, _ := g.TryAcquire(start)
	g.ForceRelease(start.Add(10*time.Second), 5*time.Second)

	// A new holder takes over; the old holder's release must not free
	// the guard out from under it.
	fresh, ok := g.TryAcquire(start.Add(11 * time.Second))
	if !ok {
		t.Fatal("expected acquire after force release")
	}
	if g.Release(stale) {
		t.Error("stale token release must be a no-op")
	}
	if _, held := g.HeldFor(start.Add(11 * time.Second)); !held {
		t.Fatal("guard lost despite stale release")
	}
	if !g.Release(fresh) {
		t.Error("fresh token release failed")
	}
}

func TestGuardHeldFor(t *testing.T) {
	g := &Guard{}
	start := time.Now()

	if _, held := g.HeldFor(start); held {
		t.Error("new guard reports held")
	}

	g.TryAcquire(start)
	d, held := g.HeldFor(start.Add(2 * time.Second))
	if !held || d != 2*time.Second {
		t.Errorf("expected held for 2s, got %v held=%v", d, held)
	}
}
