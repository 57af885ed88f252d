package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

const defaultRecoverLockTTL = 10 * time.Second

var (
	errInterrupted    = errors.New("saga interrupted before commit")
	errMarketResolved = errors.New("market resolved before the saga was compensated")
)

// Recover compensates a journaled saga that never committed. Steps are
// undone in reverse journal order; steps that never ran are no-ops. The
// caller holds the saga's market lock.
//
// A saga that touched the pool, positions or order fills of a market that
// has since resolved is not undone: settlement has already paid on those
// positions, so reversing the debit and the pool would pay the user twice.
// It is marked failed and reported as ErrRollbackFailed for manual
// reconciliation. Sagas that only moved money are still refunded.
func (e *Executor) Recover(ctx context.Context, rec domain.SagaRecord) error {
	if e.journal != nil {
		cur, err := e.journal.Get(ctx, rec.ID)
		switch {
		case err == nil:
			rec = cur
		case !errors.Is(err, domain.ErrNotFound):
			return fmt.Errorf("executor: reload saga %s: %w", rec.ID, err)
		}
	}
	if rec.Status != domain.SagaPending {
		return nil
	}

	if rec.MarketID != "" && e.markets != nil && touchesSettlement(rec.Steps) {
		m, err := e.markets.GetByID(ctx, rec.MarketID)
		switch {
		case err == nil && m.Resolved:
			return e.escalate(ctx, rec)
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return fmt.Errorf("executor: recover saga %s: load market: %w", rec.ID, err)
		}
	}

	journaled := append([]domain.SagaStep(nil), rec.Steps...)
	sort.SliceStable(journaled, func(i, j int) bool { return journaled[i].Seq < journaled[j].Seq })

	steps := make([]Step, 0, len(journaled))
	for _, js := range journaled {
		st, err := e.decodeStep(js)
		if err != nil {
			return fmt.Errorf("%w: saga %s: %w", domain.ErrRollbackFailed, rec.ID, err)
		}
		steps = append(steps, st)
	}
	return e.compensate(ctx, rec.ID, steps, errInterrupted)
}

// touchesSettlement reports whether any step changed state that settlement
// pays out on.
func touchesSettlement(steps []domain.SagaStep) bool {
	for _, st := range steps {
		switch st.Kind {
		case domain.StepPool, domain.StepPosition, domain.StepOrderFill:
			return true
		}
	}
	return false
}

func (e *Executor) escalate(ctx context.Context, rec domain.SagaRecord) error {
	cause := errMarketResolved
	if e.journal != nil {
		if err := e.journal.Finish(ctx, rec.ID, domain.SagaFailed); err != nil {
			cause = errors.Join(cause, fmt.Errorf("journal: %w", err))
		}
	}
	e.logger.ErrorContext(ctx, "executor: saga left on a resolved market, manual reconciliation required",
		slog.String("saga_id", rec.ID),
		slog.String("operation", rec.Operation),
		slog.String("user_id", rec.UserID),
		slog.String("market_id", rec.MarketID),
		slog.Int("steps", len(rec.Steps)),
	)
	return fmt.Errorf("%w: saga %s: %w", domain.ErrRollbackFailed, rec.ID, cause)
}

// RecoverMarket compensates every pending saga of a market. The caller holds
// the market lock, so no live trade owns any of them. It returns the number
// of sagas rolled back and the joined failures.
func (e *Executor) RecoverMarket(ctx context.Context, marketID string) (int, error) {
	if e.journal == nil {
		return 0, nil
	}
	pending, err := e.journal.ListPendingByMarket(ctx, marketID)
	if err != nil {
		return 0, fmt.Errorf("executor: list pending sagas of %s: %w", marketID, err)
	}
	return e.recoverAll(ctx, pending, false)
}

// RecoverStale compensates every pending saga last touched before olderThan.
// Each saga is compensated under its market lock; a saga whose market is
// busy is left for the next pass. It returns the number of sagas rolled back
// and the joined failures.
func (e *Executor) RecoverStale(ctx context.Context, olderThan time.Time) (int, error) {
	if e.journal == nil {
		return 0, nil
	}
	pending, err := e.journal.ListPending(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("executor: list pending sagas: %w", err)
	}
	return e.recoverAll(ctx, pending, true)
}

func (e *Executor) recoverAll(ctx context.Context, pending []domain.SagaRecord, lock bool) (int, error) {
	var (
		recovered int
		failed    []error
	)
	for _, rec := range pending {
		ok, err := e.recoverOne(ctx, rec, lock)
		if err != nil {
			failed = append(failed, err)
			continue
		}
		if !ok {
			continue
		}
		recovered++
		e.logger.InfoContext(ctx, "executor: recovered saga",
			slog.String("saga_id", rec.ID),
			slog.String("operation", rec.Operation),
			slog.Int("steps", len(rec.Steps)),
		)
	}
	return recovered, errors.Join(failed...)
}

// recoverOne reports false when the saga was skipped because its market
// lock is held.
func (e *Executor) recoverOne(ctx context.Context, rec domain.SagaRecord, lock bool) (bool, error) {
	if lock && e.locks != nil && rec.MarketID != "" {
		ttl := e.lockTTL
		if ttl <= 0 {
			ttl = defaultRecoverLockTTL
		}
		unlock, err := e.locks.Acquire(ctx, domain.MarketLockKey(rec.MarketID), ttl)
		if errors.Is(err, domain.ErrLockHeld) {
			e.logger.DebugContext(ctx, "executor: market busy, saga left for the next pass",
				slog.String("saga_id", rec.ID),
				slog.String("market_id", rec.MarketID),
			)
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("executor: lock market %s: %w", rec.MarketID, err)
		}
		defer unlock()
	}
	if err := e.Recover(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}
