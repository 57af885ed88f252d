package executor_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachemem "github.com/alanyoungcy/playmarket/internal/cache/memory"
	"github.com/alanyoungcy/playmarket/internal/domain"
	"github.com/alanyoungcy/playmarket/internal/executor"
	"github.com/alanyoungcy/playmarket/internal/settlement"
)

// lockedExecutor returns an executor over the fixture's stores that takes
// market locks while recovering.
func (f *fixture) lockedExecutor(locks domain.LockManager) *executor.Executor {
	return executor.New(executor.Deps{
		Ledger:    f.ledger,
		Positions: f.pos,
		Markets:   f.stores.Markets,
		Orders:    f.stores.Orders,
		Bets:      f.stores.Bets,
		Journal:   f.stores.Sagas,
		Locks:     locks,
		LockTTL:   time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// interruptedBuy leaves a buy that debited, moved the pool and granted
// shares without committing.
func (f *fixture) interruptedBuy(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	s, err := f.exec.Begin(ctx, "trade", "u1", "m1")
	require.NoError(t, err)
	f.buyHalf(t, s)
	_, err = s.ApplyPosition(ctx, "position", "u1", "m1", domain.SideYes, 909.09)
	require.NoError(t, err)
	return s.ID()
}

func TestRecoverAfterResolutionEscalates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	sagaID := f.interruptedBuy(t)

	engine := settlement.NewEngine(f.stores.Markets, f.stores.Orders, f.ledger, f.pos, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := engine.Resolve(ctx, "m1", domain.SideYes, "admin")
	require.NoError(t, err)

	bal, err := f.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(9909), bal)

	n, err := f.exec.RecoverStale(ctx, time.Now().Add(time.Hour))
	require.ErrorIs(t, err, domain.ErrRollbackFailed)
	assert.Zero(t, n)

	// The paid-out position keeps its cost: no refund on top of the payout.
	bal, err = f.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(9909), bal)

	m, err := f.stores.Markets.GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 9090.9, m.YesPool)

	rec, err := f.stores.Sagas.Get(ctx, sagaID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaFailed, rec.Status)

	n, err = f.exec.RecoverStale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecoverAfterResolutionRefundsDebitOnlySaga(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	s, err := f.exec.Begin(ctx, "trade", "u1", "m1")
	require.NoError(t, err)
	_, err = s.Debit(ctx, "debit", "u1", 700, domain.ReasonTradeBuy, "m1")
	require.NoError(t, err)
	_, err = f.stores.Markets.MarkResolved(ctx, "m1", domain.SideNo, "admin", time.Now())
	require.NoError(t, err)

	n, err := f.exec.RecoverStale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	bal, err := f.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), bal)
}

func TestRecoverMarketCompensatesPendingSagas(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	sagaID := f.interruptedBuy(t)

	require.NoError(t, f.stores.Markets.Create(ctx, domain.Market{ID: "m2", YesPool: 10000, NoPool: 10000, Mode: domain.MarketModeAMM}))
	other, err := f.exec.Begin(ctx, "trade", "u1", "m2")
	require.NoError(t, err)
	_, err = other.Debit(ctx, "debit", "u1", 300, domain.ReasonTradeBuy, "m2")
	require.NoError(t, err)

	// Freshly interrupted sagas are recovered regardless of age.
	n, err := f.exec.RecoverMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := f.stores.Sagas.Get(ctx, sagaID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompensated, rec.Status)

	rec, err = f.stores.Sagas.Get(ctx, other.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.SagaPending, rec.Status)

	bal, err := f.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(9700), bal)

	m, err := f.stores.Markets.GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 10000.0, m.YesPool)
	assert.Zero(t, m.Collateral)
}

func TestRecoverStaleSkipsBusyMarket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	sagaID := f.interruptedBuy(t)

	locks := cachemem.NewLockManager()
	exec := f.lockedExecutor(locks)

	unlock, err := locks.Acquire(ctx, domain.MarketLockKey("m1"), time.Minute)
	require.NoError(t, err)

	n, err := exec.RecoverStale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	rec, err := f.stores.Sagas.Get(ctx, sagaID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaPending, rec.Status)

	unlock()
	n, err = exec.RecoverStale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.assertUntouched(t)
}

func TestRecoverIgnoresFinishedSaga(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	sagaID := f.interruptedBuy(t)

	rec, err := f.stores.Sagas.Get(ctx, sagaID)
	require.NoError(t, err)
	require.NoError(t, f.exec.Recover(ctx, rec))

	// A stale copy of the record must not roll back a second time.
	require.NoError(t, f.exec.Recover(ctx, rec))
	f.assertUntouched(t)
}
