// Package executor runs multi-step trades as journaled sagas. Each forward
// step's intent is written to the journal before the step runs, and every
// step knows how to undo itself idempotently, so a trade that fails halfway
// (or a process that dies halfway) can always be rolled back.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/playmarket/internal/domain"
	"github.com/alanyoungcy/playmarket/internal/ledger"
	"github.com/alanyoungcy/playmarket/internal/position"
)

const (
	undoAttempts = 3
	undoTimeout  = 10 * time.Second
)

// Step is one forward action of a saga together with its compensation.
// Undo must be safe to call whether or not Do ran or completed.
type Step interface {
	Kind() string
	Do(ctx context.Context) error
	Undo(ctx context.Context) error
}

// Executor binds the stores that saga steps act on.
type Executor struct {
	ledger    *ledger.Ledger
	positions *position.Tracker
	markets   domain.MarketStore
	orders    domain.OrderStore
	bets      domain.BetStore
	journal   domain.SagaStore
	locks     domain.LockManager
	lockTTL   time.Duration
	logger    *slog.Logger
}

// Deps lists what an Executor needs. Journal may be nil to run without
// crash recovery. When Locks is set, RecoverStale holds each saga's market
// lock while compensating it.
type Deps struct {
	Ledger    *ledger.Ledger
	Positions *position.Tracker
	Markets   domain.MarketStore
	Orders    domain.OrderStore
	Bets      domain.BetStore
	Journal   domain.SagaStore
	Locks     domain.LockManager
	LockTTL   time.Duration
}

// New creates an Executor.
func New(d Deps, logger *slog.Logger) *Executor {
	return &Executor{
		ledger:    d.Ledger,
		positions: d.Positions,
		markets:   d.Markets,
		orders:    d.Orders,
		bets:      d.Bets,
		journal:   d.Journal,
		locks:     d.Locks,
		lockTTL:   d.LockTTL,
		logger:    logger.With(slog.String("component", "executor")),
	}
}

// Saga is one in-flight journaled trade. It is not safe for concurrent use;
// callers serialise a saga under the market and user locks.
type Saga struct {
	id      string
	exec    *Executor
	started []Step
	done    bool
}

// Begin opens a saga for operation on behalf of user in market.
func (e *Executor) Begin(ctx context.Context, operation, userID, marketID string) (*Saga, error) {
	s := &Saga{id: uuid.NewString(), exec: e}
	if e.journal != nil {
		err := e.journal.Begin(ctx, domain.SagaRecord{
			ID:        s.id,
			Operation: operation,
			UserID:    userID,
			MarketID:  marketID,
			Status:    domain.SagaPending,
		})
		if err != nil {
			return nil, fmt.Errorf("executor: begin %s: %w", operation, err)
		}
	}
	return s, nil
}

// ID returns the saga id.
func (s *Saga) ID() string { return s.id }

// Key derives a deterministic idempotency key for a step of this saga.
func (s *Saga) Key(parts ...string) string {
	k := s.id
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Run journals step and then executes it. A step whose journal write fails
// is not executed. Either way the step counts as started, so Compensate will
// try to undo it.
func (s *Saga) Run(ctx context.Context, step Step) error {
	if s.done {
		return errors.New("executor: saga already finished")
	}
	if s.exec.journal != nil {
		payload, err := json.Marshal(step)
		if err != nil {
			return fmt.Errorf("executor: encode %s: %w", step.Kind(), err)
		}
		err = s.exec.journal.AppendStep(ctx, s.id, domain.SagaStep{
			Seq:     len(s.started) + 1,
			Kind:    step.Kind(),
			Payload: payload,
		})
		if err != nil {
			return fmt.Errorf("executor: journal %s: %w", step.Kind(), err)
		}
	}
	s.started = append(s.started, step)
	if err := step.Do(ctx); err != nil {
		return fmt.Errorf("executor: %s: %w", step.Kind(), err)
	}
	return nil
}

// Commit marks the saga complete. A journal failure here is logged only:
// every step has applied, and a recovery pass compensating a committed trade
// would be worse than a stale journal row.
func (s *Saga) Commit(ctx context.Context) {
	s.done = true
	if s.exec.journal == nil {
		return
	}
	if err := s.exec.journal.Finish(ctx, s.id, domain.SagaCommitted); err != nil {
		s.exec.logger.ErrorContext(ctx, "executor: commit journal failed",
			slog.String("saga_id", s.id),
			slog.String("error", err.Error()),
		)
	}
}

// Compensate undoes every started step in reverse order. It returns nil when
// the rollback completed and an error wrapping ErrRollbackFailed otherwise.
// Compensation ignores cancellation of ctx.
func (s *Saga) Compensate(ctx context.Context, cause error) error {
	s.done = true
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), undoTimeout)
	defer cancel()
	return s.exec.compensate(ctx, s.id, s.started, cause)
}

func (e *Executor) compensate(ctx context.Context, sagaID string, steps []Step, cause error) error {
	log := e.logger.With(slog.String("saga_id", sagaID))
	causeText := ""
	if cause != nil {
		causeText = cause.Error()
	}
	log.WarnContext(ctx, "executor: compensating",
		slog.Int("steps", len(steps)),
		slog.String("cause", causeText),
	)

	var failed []error
	for i := len(steps) - 1; i >= 0; i-- {
		if err := undoWithRetry(ctx, steps[i]); err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", steps[i].Kind(), err))
		}
	}

	status := domain.SagaCompensated
	if len(failed) > 0 {
		status = domain.SagaFailed
	}
	if e.journal != nil {
		if err := e.journal.Finish(ctx, sagaID, status); err != nil {
			failed = append(failed, fmt.Errorf("journal: %w", err))
		}
	}
	if len(failed) > 0 {
		err := errors.Join(failed...)
		log.ErrorContext(ctx, "executor: rollback failed, manual reconciliation required",
			slog.String("cause", causeText),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: saga %s: %w", domain.ErrRollbackFailed, sagaID, err)
	}
	return nil
}

func undoWithRetry(ctx context.Context, step Step) error {
	var err error
	for attempt := 1; attempt <= undoAttempts; attempt++ {
		if err = step.Undo(ctx); err == nil || attempt == undoAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(time.Duration(attempt) * 20 * time.Millisecond):
		}
	}
	return err
}
