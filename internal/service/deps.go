// Package service holds the orchestration layer: the only code that mutates
// pools, positions and balances together. Every mutation runs under the
// market and user locks inside a journaled saga, and side effects that must
// not gate correctness (events, audit, alerts) run after commit, best effort.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/playmarket/internal/domain"
	"github.com/alanyoungcy/playmarket/internal/executor"
	"github.com/alanyoungcy/playmarket/internal/ledger"
	"github.com/alanyoungcy/playmarket/internal/matching"
	"github.com/alanyoungcy/playmarket/internal/metrics"
	"github.com/alanyoungcy/playmarket/internal/position"
	"github.com/alanyoungcy/playmarket/internal/settlement"
)

// Alerter delivers operator alerts (the notify package implements it).
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Deps bundles the collaborators shared by the services. Cache, Archiver,
// Alerter and Metrics are optional.
type Deps struct {
	Stores     domain.Stores
	Ledger     *ledger.Ledger
	Positions  *position.Tracker
	Executor   *executor.Executor
	Matching   *matching.Engine
	Settlement *settlement.Engine
	Locks      domain.LockManager
	Limiter    domain.RateLimiter
	Publisher  *Publisher
	Cache      domain.MarketCache
	Archiver   domain.Archiver
	Alerter    Alerter
	Metrics    *metrics.Metrics
	Dedup      *executor.Dedup
}

// Config carries the trading rules.
type Config struct {
	InitialLiquidity float64
	DefaultMode      domain.MarketMode
	MinBuyCents      int64
	MinBetCents      int64
	SellAfterClose   bool
	SellCloseWindow  time.Duration
	LockTTL          time.Duration
	LockWait         time.Duration
	RateLimit        int
	RateWindow       time.Duration
	ArchiveOnResolve bool
}

// DefaultConfig returns the rules the engine ships with.
func DefaultConfig() Config {
	return Config{
		InitialLiquidity: 10000,
		DefaultMode:      domain.MarketModeAMM,
		MinBuyCents:      100,
		MinBetCents:      100,
		LockTTL:          10 * time.Second,
		LockWait:         3 * time.Second,
		RateLimit:        30,
		RateWindow:       time.Minute,
	}
}

const lockRetryInterval = 25 * time.Millisecond

func marketLock(id string) string { return domain.MarketLockKey(id) }
func userLock(id string) string   { return "user:" + id }

// acquire takes keys in order, retrying each until wait elapses. The returned
// func releases everything taken, in reverse.
func acquire(ctx context.Context, locks domain.LockManager, ttl, wait time.Duration, keys ...string) (func(), error) {
	var held []func()
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	deadline := time.Now().Add(wait)
	for _, key := range keys {
		for {
			unlock, err := locks.Acquire(ctx, key, ttl)
			if err == nil {
				held = append(held, unlock)
				break
			}
			if !errors.Is(err, domain.ErrLockHeld) {
				release()
				return nil, fmt.Errorf("service: lock %s: %w", key, err)
			}
			if time.Now().After(deadline) {
				release()
				return nil, domain.ErrLockHeld
			}
			select {
			case <-ctx.Done():
				release()
				return nil, ctx.Err()
			case <-time.After(lockRetryInterval):
			}
		}
	}
	return release, nil
}

// allow applies the per-user rate limit. Limiter errors fail open.
func allow(ctx context.Context, limiter domain.RateLimiter, cfg Config, key string, logger *slog.Logger) error {
	if limiter == nil || cfg.RateLimit <= 0 {
		return nil
	}
	ok, err := limiter.Allow(ctx, key, cfg.RateLimit, cfg.RateWindow)
	if err != nil {
		logger.WarnContext(ctx, "service: rate limiter unavailable", slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		return domain.ErrRateLimited
	}
	return nil
}

// auditLog writes an audit entry, logging rather than returning failures.
func auditLog(ctx context.Context, store domain.AuditStore, logger *slog.Logger, event string, detail map[string]any) {
	if store == nil {
		return
	}
	if err := store.Log(ctx, event, detail); err != nil {
		logger.WarnContext(ctx, "service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// rollbackFailed raises everything an operator needs for a trade that could
// not be compensated.
func rollbackFailed(ctx context.Context, d Deps, logger *slog.Logger, operation, userID, marketID string, err error) {
	d.Metrics.Rollback(false)
	auditLog(ctx, d.Stores.Audit, logger, domain.EventRollbackFailed, map[string]any{
		"operation": operation,
		"user_id":   userID,
		"market_id": marketID,
		"error":     err.Error(),
	})
	if d.Alerter != nil {
		msg := fmt.Sprintf("%s by %s on market %s could not be rolled back: %v", operation, userID, marketID, err)
		if aerr := d.Alerter.Notify(context.WithoutCancel(ctx), domain.EventRollbackFailed, "Rollback failed", msg); aerr != nil {
			logger.WarnContext(ctx, "service: rollback alert failed", slog.String("error", aerr.Error()))
		}
	}
}
