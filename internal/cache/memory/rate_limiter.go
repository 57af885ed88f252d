package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// RateLimiter keeps one token bucket per key. A bucket refills limit tokens
// per window and holds at most limit.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter creates an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{limiters: make(map[string]*rate.Limiter)}
}

// Allow reports whether one more request for key fits within limit per window.
func (r *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	bucket := fmt.Sprintf("%s|%d|%s", key, limit, window)

	r.mu.Lock()
	l, ok := r.limiters[bucket]
	if !ok {
		l = rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
		r.limiters[bucket] = l
	}
	r.mu.Unlock()
	return l.Allow(), nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
