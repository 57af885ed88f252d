// Package memory provides in-process implementations of the cache and bus
// interfaces for single-node deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

type lease struct {
	token   string
	expires time.Time
}

// LockManager hands out leases on keys within one process.
type LockManager struct {
	mu     sync.Mutex
	leases map[string]lease
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{leases: make(map[string]lease)}
}

// Acquire takes key for ttl or fails immediately with ErrLockHeld.
func (m *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if l, ok := m.leases[key]; ok && now.Before(l.expires) {
		return nil, domain.ErrLockHeld
	}
	token := uuid.NewString()
	m.leases[key] = lease{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if l, ok := m.leases[key]; ok && l.token == token {
				delete(m.leases, key)
			}
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
