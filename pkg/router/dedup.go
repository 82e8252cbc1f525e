package router

import (
	"sync"
	"time"
)

// dedupWindow remembers invocation ids for a bounded time so duplicate
// deliveries of the same invocation are dropped.
type dedupWindow struct {
	mu        sync.Mutex
	ttl       time.Duration
	seen      map[string]time.Time
	lastSweep time.Time
	now       func() time.Time
}

func newDedupWindow(ttl time.Duration) *dedupWindow {
	return &dedupWindow{ttl: ttl, seen: make(map[string]time.Time), now: time.Now}
}

// admit records id and reports whether it was not seen within the window.
func (d *dedupWindow) admit(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if now.Sub(d.lastSweep) > d.ttl/2 {
		for k, at := range d.seen {
			if now.Sub(at) >= d.ttl {
				delete(d.seen, k)
			}
		}
		d.lastSweep = now
	}
	if at, ok := d.seen[id]; ok && now.Sub(at) < d.ttl {
		return false
	}
	d.seen[id] = now
	return true
}

func (d *dedupWindow) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
