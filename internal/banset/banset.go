// Package banset implements the time-bucketed IP ban set used at both the
// UDP (C9) and HTTP (C5) layers (§3 "IP ban set", §5 "IP ban sets").
package banset

import (
	"net"
	"sync"
	"time"
)

// Set is a bucketed set of (ip, expiry-second) pairs. Rotation advances
// buckets once per second, driven externally by the accept thread or the
// coordinator's idle hook (§5 "rotation is single-writer driven by the
// accept thread").
type Set struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]int64 // ip -> expiry unix second
	now     func() time.Time
}

// New constructs a Set whose entries expire ttl after they are added.
func New(ttl time.Duration) *Set {
	return &Set{
		ttl:     ttl,
		entries: make(map[string]int64),
		now:     time.Now,
	}
}

// Ban adds or refreshes ip's expiry to now+ttl.
func (s *Set) Ban(ip net.IP) {
	key := ip.String()
	s.mu.Lock()
	s.entries[key] = s.now().Unix() + int64(s.ttl/time.Second)
	s.mu.Unlock()
}

// Banned reports whether ip is currently banned. An expired entry is lazily
// evicted on lookup in addition to periodic Rotate calls.
func (s *Set) Banned(ip net.IP) bool {
	key := ip.String()
	now := s.now().Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.entries[key]
	if !ok {
		return false
	}
	if exp <= now {
		delete(s.entries, key)
		return false
	}
	return true
}

// Rotate evicts every entry whose expiry has passed. It is safe to call
// more often than once per second; the effect is idempotent.
func (s *Set) Rotate() {
	now := s.now().Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, exp := range s.entries {
		if exp <= now {
			delete(s.entries, k)
		}
	}
}

// Len reports the current number of (possibly stale) entries, useful for
// metrics exposition.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
