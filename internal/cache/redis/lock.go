package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// unlockLua deletes the lock only if it still carries the caller's token, so
// a holder whose lease expired cannot release the next holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager implements domain.LockManager with SET NX PX leases.
type LockManager struct {
	c        *Client
	unlockSc *redis.Script
	logger   func(key string, err error)
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{c: c, unlockSc: redis.NewScript(unlockLua)}
}

// OnUnlockError registers a hook for unlock failures; the lease still expires
// on its own.
func (lm *LockManager) OnUnlockError(fn func(key string, err error)) {
	lm.logger = fn
}

// Acquire takes key for ttl or returns domain.ErrLockHeld. The returned
// unlock is safe to call more than once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lm.c.key("lock:", key)

	ok, err := lm.c.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled.
			uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lm.unlockSc.Run(uctx, lm.c.rdb, []string{lk}, token).Err(); err != nil && lm.logger != nil {
				lm.logger(key, err)
			}
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
