// Package progress throttles per-byte progress callbacks during a peer
// download, generalized from the teacher's OCI-layer-pull progress
// reporter to a plain byte counter (no v1.Update/v1.Layer coupling: a
// peer fetch has no manifest or layer list, just a content length).
package progress

import (
	"sync"
	"time"
)

// UpdateInterval bounds how often a Tracker invokes its callback on elapsed
// time alone, mirroring the teacher's own throttle constant.
const UpdateInterval = 100 * time.Millisecond

// MinBytesForUpdate is the byte-count threshold that forces an update even
// within UpdateInterval, so a fast transfer still reports steadily.
const MinBytesForUpdate = 1024 * 1024

// Tracker accumulates bytes transferred and reports to onUpdate at most
// once per UpdateInterval, or immediately once MinBytesForUpdate new bytes
// have arrived, whichever comes first (§9 "Cached file" download
// observability — ambient stack, carried regardless of spec.md's Non-goals
// since it's a logging concern, not a feature).
type Tracker struct {
	mu           sync.Mutex
	total        int64
	current      int64
	lastUpdate   time.Time
	lastReported int64
	onUpdate     func(current, total int64)
	now          func() time.Time
}

// New constructs a Tracker for a transfer of the given total size (0 if
// unknown). onUpdate may be nil, in which case Add/Done are no-ops.
func New(total int64, onUpdate func(current, total int64)) *Tracker {
	return &Tracker{total: total, onUpdate: onUpdate, now: time.Now, lastUpdate: time.Now()}
}

// Add records n additional bytes transferred and invokes onUpdate if the
// throttle window has elapsed.
func (t *Tracker) Add(n int64) {
	if t.onUpdate == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current += n
	now := t.now()
	incremental := t.current - t.lastReported
	if now.Sub(t.lastUpdate) >= UpdateInterval || incremental >= MinBytesForUpdate {
		t.onUpdate(t.current, t.total)
		t.lastUpdate = now
		t.lastReported = t.current
	}
}

// Done reports the final byte count unconditionally, bypassing the
// throttle so a transfer's completion is never silently dropped.
func (t *Tracker) Done() {
	if t.onUpdate == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onUpdate(t.current, t.total)
}
