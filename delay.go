package devicecheck

import (
	"sync"
	"time"
)

// graceTimer delivers a callback after a delay unless cancelled first.
// Arming while armed replaces the pending callback. A fire that races a
// Cancel or re-Arm is suppressed, so callers never observe a stale signal.
type graceTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
	armed bool
}

// Arm schedules fn to run after d. Any previously pending callback is
// dropped. fn runs on the timer goroutine.
func (g *graceTimer) Arm(d time.Duration, fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.timer != nil {
		g.timer.Stop()
	}
	g.gen++
	g.armed = true
	gen := g.gen
	g.timer = time.AfterFunc(d, func() {
		g.mu.Lock()
		if g.gen != gen || !g.armed {
			g.mu.Unlock()
			return
		}
		g.armed = false
		g.mu.Unlock()
		fn()
	})
}

// Cancel drops any pending callback.
func (g *graceTimer) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
	}
	g.armed = false
	g.gen++
}

// Armed reports whether a callback is pending.
func (g *graceTimer) Armed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.armed
}
