package sqlite_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/playmarket/internal/domain"
	"github.com/alanyoungcy/playmarket/internal/executor"
	"github.com/alanyoungcy/playmarket/internal/ledger"
	"github.com/alanyoungcy/playmarket/internal/position"
	"github.com/alanyoungcy/playmarket/internal/store/sqlite"
)

func openStores(t *testing.T) domain.Stores {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "playmarket.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Ping(context.Background()))
	return db.Stores()
}

func newMarket(t *testing.T, s domain.Stores, id string) {
	t.Helper()
	require.NoError(t, s.Markets.Create(context.Background(), domain.Market{
		ID: id, ChannelID: "general", Title: "Will it rain?", Mode: domain.MarketModeAMM,
		YesPool: 10000, NoPool: 10000, CreatedBy: "admin",
	}))
}

func TestLedgerEntriesAreKeyed(t *testing.T) {
	ctx := context.Background()
	s := openStores(t)

	acct, created, err := s.Ledger.EnsureAccount(ctx, "u1", 10000)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(10000), acct.Balance)

	_, created, err = s.Ledger.EnsureAccount(ctx, "u1", 10000)
	require.NoError(t, err)
	assert.False(t, created)

	e, err := s.Ledger.Apply(ctx, domain.LedgerEntry{ID: "k1", UserID: "u1", Amount: -2500, Reason: domain.ReasonTradeBuy})
	require.NoError(t, err)
	assert.Equal(t, int64(7500), e.BalanceAfter)

	_, err = s.Ledger.Apply(ctx, domain.LedgerEntry{ID: "k1", UserID: "u1", Amount: -2500, Reason: domain.ReasonTradeBuy})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = s.Ledger.Apply(ctx, domain.LedgerEntry{ID: "k2", UserID: "u1", Amount: -7501, Reason: domain.ReasonTradeBuy})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = s.Ledger.Apply(ctx, domain.LedgerEntry{ID: "k3", UserID: "ghost", Amount: 1, Reason: domain.ReasonPayout})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got, err := s.Ledger.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(7500), got.Balance)

	entries, err := s.Ledger.ListEntries(ctx, "u1", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "k1", entries[0].ID)
	assert.Equal(t, domain.ReasonInitialGrant, entries[1].Reason)
}

func TestPoolUpdateAndRevert(t *testing.T) {
	ctx := context.Background()
	s := openStores(t)
	newMarket(t, s, "m1")

	m, err := s.Markets.UpdatePool(ctx, domain.PoolUpdate{ID: "p1", MarketID: "m1", FromVersion: 0, YesPool: 9090.9, NoPool: 11000, CollateralDelta: 1000})
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Version)
	assert.Equal(t, int64(1000), m.Collateral)

	_, err = s.Markets.UpdatePool(ctx, domain.PoolUpdate{ID: "p2", MarketID: "m1", FromVersion: 0, YesPool: 1, NoPool: 1})
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	require.NoError(t, s.Markets.RevertPool(ctx, "p1"))
	require.NoError(t, s.Markets.RevertPool(ctx, "p1"))
	require.NoError(t, s.Markets.RevertPool(ctx, "unknown"))

	m, err = s.Markets.GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 10000.0, m.YesPool)
	assert.Equal(t, 10000.0, m.NoPool)
	assert.Zero(t, m.Collateral)
	assert.Equal(t, int64(2), m.Version)
}

func TestRevertKeepsLaterReserves(t *testing.T) {
	ctx := context.Background()
	s := openStores(t)
	newMarket(t, s, "m1")

	_, err := s.Markets.UpdatePool(ctx, domain.PoolUpdate{ID: "p1", MarketID: "m1", FromVersion: 0, YesPool: 9000, NoPool: 11000, CollateralDelta: 1000})
	require.NoError(t, err)
	_, err = s.Markets.UpdatePool(ctx, domain.PoolUpdate{ID: "p2", MarketID: "m1", FromVersion: 1, YesPool: 8000, NoPool: 12000, CollateralDelta: 1000})
	require.NoError(t, err)

	require.NoError(t, s.Markets.RevertPool(ctx, "p1"))
	m, err := s.Markets.GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 8000.0, m.YesPool)
	assert.Equal(t, int64(1000), m.Collateral)
}

func TestResolveOnce(t *testing.T) {
	ctx := context.Background()
	s := openStores(t)
	newMarket(t, s, "m1")
	at := time.Now().UTC().Truncate(time.Microsecond)

	m, err := s.Markets.MarkResolved(ctx, "m1", domain.SideYes, "admin", at)
	require.NoError(t, err)
	assert.True(t, m.Resolved)
	assert.Equal(t, domain.SideYes, m.Outcome)
	require.NotNil(t, m.ResolvedAt)
	assert.True(t, at.Equal(*m.ResolvedAt))

	_, err = s.Markets.MarkResolved(ctx, "m1", domain.SideNo, "admin", at)
	assert.ErrorIs(t, err, domain.ErrMarketResolved)

	_, err = s.Markets.UpdatePool(ctx, domain.PoolUpdate{ID: "p1", MarketID: "m1", YesPool: 1, NoPool: 1})
	assert.ErrorIs(t, err, domain.ErrMarketResolved)

	pending, err := s.Markets.ListUnsettled(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.Markets.MarkSettled(ctx, "m1", at))
	pending, err = s.Markets.ListUnsettled(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPositionsNeverGoNegative(t *testing.T) {
	ctx := context.Background()
	s := openStores(t)

	p, err := s.Positions.Apply(ctx, domain.PositionOp{ID: "op1", UserID: "u1", MarketID: "m1", YesDelta: 100})
	require.NoError(t, err)
	assert.Equal(t, 100.0, p.YesShares)

	_, err = s.Positions.Apply(ctx, domain.PositionOp{ID: "op1", UserID: "u1", MarketID: "m1", YesDelta: 100})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = s.Positions.Apply(ctx, domain.PositionOp{ID: "op2", UserID: "u1", MarketID: "m1", YesDelta: -101})
	assert.ErrorIs(t, err, domain.ErrInsufficientShares)

	holders, err := s.Positions.ListByMarket(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, holders, 1)
	assert.Equal(t, 100.0, holders[0].YesShares)
}

func TestOrderFillUnfillAndCancel(t *testing.T) {
	ctx := context.Background()
	s := openStores(t)

	require.NoError(t, s.Orders.Create(ctx, domain.Order{ID: "o1", UserID: "u1", MarketID: "m1", Side: domain.SideNo, Price: 50, Amount: 3000}))
	require.NoError(t, s.Orders.Create(ctx, domain.Order{ID: "o2", UserID: "u2", MarketID: "m1", Side: domain.SideNo, Price: 50, Amount: 1000}))

	book, err := s.Orders.ListPending(ctx, "m1", domain.SideNo)
	require.NoError(t, err)
	require.Len(t, book, 2)
	assert.Equal(t, "o1", book[0].ID)

	o, err := s.Orders.Fill(ctx, domain.OrderFill{ID: "f1", OrderID: "o1", ExpectFilled: 0, Amount: 3000})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)

	_, err = s.Orders.Fill(ctx, domain.OrderFill{ID: "f2", OrderID: "o1", ExpectFilled: 0, Amount: 1})
	assert.ErrorIs(t, err, domain.ErrOrderNotPending)

	require.NoError(t, s.Orders.Unfill(ctx, "f1"))
	require.NoError(t, s.Orders.Unfill(ctx, "f1"))
	o, err = s.Orders.GetByID(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, o.Status)
	assert.Zero(t, o.FilledAmount)

	_, err = s.Orders.Cancel(ctx, "o1", "u2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	o, err = s.Orders.Cancel(ctx, "o1", "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, o.Status)

	n, err := s.Orders.CancelPendingByMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSagaJournal(t *testing.T) {
	ctx := context.Background()
	s := openStores(t)

	require.NoError(t, s.Sagas.Begin(ctx, domain.SagaRecord{ID: "s1", Operation: "trade", UserID: "u1", MarketID: "m1"}))
	assert.ErrorIs(t, s.Sagas.Begin(ctx, domain.SagaRecord{ID: "s1", Operation: "trade", UserID: "u1"}), domain.ErrAlreadyExists)

	require.NoError(t, s.Sagas.AppendStep(ctx, "s1", domain.SagaStep{Seq: 1, Kind: domain.StepLedger, Payload: []byte(`{"key":"a"}`)}))
	require.NoError(t, s.Sagas.AppendStep(ctx, "s1", domain.SagaStep{Seq: 2, Kind: domain.StepPool, Payload: []byte(`{"id":"b"}`)}))
	assert.ErrorIs(t, s.Sagas.AppendStep(ctx, "nope", domain.SagaStep{Seq: 1, Kind: domain.StepBet, Payload: []byte(`{}`)}), domain.ErrNotFound)

	rec, err := s.Sagas.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaPending, rec.Status)
	require.Len(t, rec.Steps, 2)
	assert.Equal(t, domain.StepPool, rec.Steps[1].Kind)
	assert.JSONEq(t, `{"key":"a"}`, string(rec.Steps[0].Payload))

	pending, err := s.Sagas.ListPending(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Len(t, pending[0].Steps, 2)

	require.NoError(t, s.Sagas.Finish(ctx, "s1", domain.SagaCommitted))
	pending, err = s.Sagas.ListPending(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAuditLog(t *testing.T) {
	ctx := context.Background()
	s := openStores(t)

	require.NoError(t, s.Audit.Log(ctx, "market_created", map[string]any{"market_id": "m1"}))
	require.NoError(t, s.Audit.Log(ctx, "market_resolved", map[string]any{"outcome": "YES"}))

	entries, err := s.Audit.List(ctx, domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "market_resolved", entries[0].Event)
	assert.Equal(t, "YES", entries[0].Detail["outcome"])
}

// A crashed trade journaled in SQLite is rolled back by recovery.
func TestExecutorRecoversOnSQLite(t *testing.T) {
	ctx := context.Background()
	s := openStores(t)
	newMarket(t, s, "m1")

	l := ledger.New(s.Ledger, 10000)
	pos := position.NewTracker(s.Positions)
	exec := executor.New(executor.Deps{
		Ledger: l, Positions: pos, Markets: s.Markets,
		Orders: s.Orders, Bets: s.Bets, Journal: s.Sagas,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := l.Ensure(ctx, "u1")
	require.NoError(t, err)

	saga, err := exec.Begin(ctx, "trade", "u1", "m1")
	require.NoError(t, err)
	_, err = saga.Debit(ctx, "debit", "u1", 1000, domain.ReasonTradeBuy, "m1")
	require.NoError(t, err)
	_, err = saga.UpdatePool(ctx, "pool", domain.PoolUpdate{MarketID: "m1", FromVersion: 0, YesPool: 9090.9, NoPool: 11000, CollateralDelta: 1000})
	require.NoError(t, err)
	_, err = saga.ApplyPosition(ctx, "position", "u1", "m1", domain.SideYes, 909.09)
	require.NoError(t, err)

	n, err := exec.RecoverStale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	bal, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), bal)

	m, err := s.Markets.GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 10000.0, m.YesPool)
	assert.Zero(t, m.Collateral)

	p, err := pos.Get(ctx, "u1", "m1")
	require.NoError(t, err)
	assert.Zero(t, p.YesShares)
}

func TestPendingSagasByMarket(t *testing.T) {
	ctx := context.Background()
	s := openStores(t)
	now := time.Now().UTC()

	for _, rec := range []domain.SagaRecord{
		{ID: "s1", Operation: "trade", UserID: "u1", MarketID: "m1"},
		{ID: "s2", Operation: "trade", UserID: "u2", MarketID: "m2"},
		{ID: "s3", Operation: "bet", UserID: "u1", MarketID: "m1"},
	} {
		rec.Status = domain.SagaPending
		rec.CreatedAt, rec.UpdatedAt = now, now
		require.NoError(t, s.Sagas.Begin(ctx, rec))
	}
	require.NoError(t, s.Sagas.Finish(ctx, "s3", domain.SagaCommitted))

	got, err := s.Sagas.ListPendingByMarket(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].ID)

	got, err = s.Sagas.ListPendingByMarket(ctx, "m3")
	require.NoError(t, err)
	assert.Empty(t, got)
}
