package engine

import (
	"sync"
	"time"
)

// Guard enforces single-flight arbitration for one trading pair: at most
// one arbitration-to-execution pipeline may be in progress at a time.
// Acquisition hands out a generation token; Release with a stale token is
// a no-op, so a holder that was force-released by the watchdog cannot
// free a guard somebody else has since acquired. Not persisted; every
// process start begins unlocked.
type Guard struct {
	mu    sync.Mutex
	held  bool
	since time.Time
	gen   uint64
}

// TryAcquire attempts to take the guard without blocking. On success it
// returns the release token.
func (g *Guard) TryAcquire(now time.Time) (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.held {
		return 0, false
	}
	g.held = true
	g.since = now
	g.gen++
	return g.gen, true
}

// Release frees the guard if token matches the current generation.
// Returns false for a stale token.
func (g *Guard) Release(token uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.held || g.gen != token {
		return false
	}
	g.held = false
	return true
}

// ForceRelease frees a guard that has been held longer than maxHold.
// Returns true when a release happened. Called by the out-of-band
// watchdog, never from the tick path.
func (g *Guard) ForceRelease(now time.Time, maxHold time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.held || now.Sub(g.since) <= maxHold {
		return false
	}
	g.held = false
	return true
}

// HeldFor reports whether the guard is held and for how long.
func (g *Guard) HeldFor(now time.Time) (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.held {
		return 0, false
	}
	return now.Sub(g.since), true
}
