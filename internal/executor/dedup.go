package executor

import (
	"context"
	"sync"
	"time"
)

// Dedup rejects replays of the same request key within a time-to-live
// window. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // request key -> first seen
	ttl  time.Duration
	mu   sync.Mutex
}

// NewDedup creates a Dedup that treats a key as a replay if it was claimed
// within ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// Claim records key and reports whether the caller is the first to use it
// within the TTL window.
func (d *Dedup) Claim(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if ts, ok := d.seen[key]; ok && now.Sub(ts) < d.ttl {
		return false
	}
	d.seen[key] = now
	return true
}

// Release forgets key so that a request that failed validation can be
// retried with the same key.
func (d *Dedup) Release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

// Cleanup removes expired keys.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for key, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, key)
		}
	}
}

// Run calls Cleanup every interval until ctx is cancelled.
func (d *Dedup) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Cleanup()
		}
	}
}
