package peercache

import (
	"sync"
	"time"
)

// idleState tracks how long it has been since the temp-store TTL sweep
// last ran, so OnIdle (invoked roughly every second by the HTTP acceptor)
// only runs the expensive directory walk once per configured window
// (§4.7 "Idle hook").
type idleState struct {
	mu       sync.Mutex
	lastSwept time.Time
	now      func() time.Time
}

func newIdleState() *idleState {
	return &idleState{now: time.Now}
}

func (s *idleState) dueForSweep(window time.Duration) bool {
	if window <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.now().Sub(s.lastSwept) < window {
		return false
	}
	s.lastSwept = s.now()
	return true
}

// OnIdle rotates both the UDP-level and HTTP-level ban sets every call, and
// once per configured cache-temp-max-minutes window deletes temp-store
// entries older than that same window (§4.7 "Idle hook"). The HTTP
// acceptor calls it about once a second.
func (c *Coordinator) OnIdle() {
	c.disc.RotateBans()
	if c.httpban != nil {
		c.httpban.Rotate()
	}

	window := time.Duration(c.settings.Limits.CacheTempMaxMinutes) * time.Minute
	if !c.idle.dueForSweep(window) {
		return
	}
	removed, err := c.store.ExpireOlderThan(window)
	if err != nil {
		c.log.Errorf("peercache: expiring stale temp-store entries: %v", err)
		return
	}
	if removed > 0 {
		c.log.Debugf("peercache: idle sweep removed %d stale temp-store entries", removed)
	}
}
