package router

import (
	"sync"
	"time"
)

// Deduper remembers message ids for a window so at-least-once consumers can drop repeats.
type Deduper struct {
	TTL time.Duration
	Now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// First reports whether id has not been seen within the window, and marks it seen.
func (d *Deduper) First(id string) bool {
	now := time.Now()
	if d.Now != nil {
		now = d.Now()
	}
	ttl := d.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = map[string]time.Time{}
	}
	if at, ok := d.seen[id]; ok && now.Sub(at) < ttl {
		return false
	}
	d.seen[id] = now
	if len(d.seen) > 4096 {
		for k, at := range d.seen {
			if now.Sub(at) >= ttl {
				delete(d.seen, k)
			}
		}
	}
	return true
}

// Forget drops id so a later redelivery is processed again.
func (d *Deduper) Forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
}
