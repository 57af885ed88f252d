package matching_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/playmarket/internal/domain"
	"github.com/alanyoungcy/playmarket/internal/executor"
	"github.com/alanyoungcy/playmarket/internal/ledger"
	"github.com/alanyoungcy/playmarket/internal/matching"
	"github.com/alanyoungcy/playmarket/internal/position"
	"github.com/alanyoungcy/playmarket/internal/store/memory"
)

type book struct {
	stores domain.Stores
	ledger *ledger.Ledger
	pos    *position.Tracker
	exec   *executor.Executor
	engine *matching.Engine
	t0     time.Time
}

func newBook(t *testing.T) *book {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stores := memory.New()
	b := &book{stores: stores, t0: time.Now().UTC().Add(-time.Hour)}
	b.ledger = ledger.New(stores.Ledger, 10000)
	b.pos = position.NewTracker(stores.Positions)
	b.exec = executor.New(executor.Deps{
		Ledger: b.ledger, Positions: b.pos, Markets: stores.Markets,
		Orders: stores.Orders, Bets: stores.Bets, Journal: stores.Sagas,
	}, logger)
	b.engine = matching.NewEngine(stores.Orders, b.ledger, 50, logger)
	require.NoError(t, stores.Markets.Create(context.Background(), domain.Market{
		ID: "m1", Mode: domain.MarketModeOrderbook, YesPool: 10000, NoPool: 10000,
	}))
	return b
}

func (b *book) rest(t *testing.T, id, user string, side domain.Side, amount int64, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	_, err := b.ledger.Ensure(ctx, user)
	require.NoError(t, err)
	require.NoError(t, b.stores.Orders.Create(ctx, domain.Order{
		ID: id, UserID: user, MarketID: "m1", Side: side, Price: 50, Amount: amount,
		Status: domain.OrderStatusPending, CreatedAt: b.t0.Add(age),
	}))
}

func (b *book) match(t *testing.T, user string, side domain.Side, amount int64) (matching.Result, error) {
	t.Helper()
	ctx := context.Background()
	_, err := b.ledger.Ensure(ctx, user)
	require.NoError(t, err)
	m, err := b.stores.Markets.GetByID(ctx, "m1")
	require.NoError(t, err)
	saga, err := b.exec.Begin(ctx, "bet", user, "m1")
	require.NoError(t, err)
	res, err := b.engine.Match(ctx, saga, m, matching.Taker{UserID: user, MarketID: "m1", Side: side, Amount: amount})
	if err != nil {
		require.NoError(t, saga.Compensate(ctx, err))
		return res, err
	}
	saga.Commit(ctx)
	return res, nil
}

func TestFillsOldestFirst(t *testing.T) {
	ctx := context.Background()
	b := newBook(t)
	b.rest(t, "o2", "bob", domain.SideNo, 3000, 2*time.Minute)
	b.rest(t, "o1", "alice", domain.SideNo, 3000, time.Minute)

	res, err := b.match(t, "carol", domain.SideYes, 4000)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), res.Filled)
	assert.Zero(t, res.Remaining)
	assert.Nil(t, res.RestingOrder)
	require.Len(t, res.Fills, 2)
	assert.Equal(t, "o1", res.Fills[0].OrderID)
	assert.Equal(t, int64(3000), res.Fills[0].Amount)
	assert.Equal(t, "o2", res.Fills[1].OrderID)
	assert.Equal(t, int64(1000), res.Fills[1].Amount)

	o1, err := b.stores.Orders.GetByID(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, o1.Status)
	o2, err := b.stores.Orders.GetByID(ctx, "o2")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, o2.Status)
	assert.Equal(t, int64(2000), o2.Remaining())

	for user, want := range map[string]int64{"alice": 7000, "bob": 9000, "carol": 6000} {
		bal, err := b.ledger.Balance(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, want, bal, user)
	}

	p, err := b.pos.Get(ctx, "carol", "m1")
	require.NoError(t, err)
	assert.InDelta(t, 8000, p.YesShares, 1e-9)
	p, err = b.pos.Get(ctx, "alice", "m1")
	require.NoError(t, err)
	assert.InDelta(t, 6000, p.NoShares, 1e-9)

	m, err := b.stores.Markets.GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(8000), m.Collateral)

	bets, err := b.stores.Bets.ListByMarket(ctx, "m1", domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, bets, 4)
	for _, bet := range bets {
		assert.Equal(t, domain.BetTypeMatch, bet.Type)
	}
}

func TestRemainderRestsWithoutDebit(t *testing.T) {
	ctx := context.Background()
	b := newBook(t)

	res, err := b.match(t, "carol", domain.SideYes, 2500)
	require.NoError(t, err)
	assert.Zero(t, res.Filled)
	require.NotNil(t, res.RestingOrder)
	assert.Equal(t, int64(2500), res.RestingOrder.Amount)
	assert.Equal(t, int64(50), res.RestingOrder.Price)

	bal, err := b.ledger.Balance(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), bal)
}

func TestSkipsSelfMatch(t *testing.T) {
	b := newBook(t)
	b.rest(t, "mine", "carol", domain.SideNo, 1000, time.Minute)
	b.rest(t, "theirs", "dave", domain.SideNo, 1000, 2*time.Minute)

	res, err := b.match(t, "carol", domain.SideYes, 1000)
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, "theirs", res.Fills[0].OrderID)
}

func TestInsolventCounterpartyIsCancelled(t *testing.T) {
	ctx := context.Background()
	b := newBook(t)
	b.rest(t, "broke", "erin", domain.SideNo, 5000, time.Minute)
	b.rest(t, "good", "frank", domain.SideNo, 5000, 2*time.Minute)
	_, err := b.ledger.Debit(ctx, "drain", "erin", 9000, domain.ReasonTradeBuy, "")
	require.NoError(t, err)

	res, err := b.match(t, "carol", domain.SideYes, 3000)
	require.NoError(t, err)
	assert.Equal(t, []string{"broke"}, res.CancelledOrders)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, "good", res.Fills[0].OrderID)

	o, err := b.stores.Orders.GetByID(ctx, "broke")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, o.Status)
	bal, err := b.ledger.Balance(ctx, "erin")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal)
}

func TestTakerMustCoverWholeAmountUpFront(t *testing.T) {
	ctx := context.Background()
	b := newBook(t)
	b.rest(t, "o1", "alice", domain.SideNo, 1000, time.Minute)

	_, err := b.match(t, "carol", domain.SideYes, 10001)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	o, err := b.stores.Orders.GetByID(ctx, "o1")
	require.NoError(t, err)
	assert.Zero(t, o.FilledAmount)
	pending, err := b.stores.Orders.ListPending(ctx, "m1", domain.SideYes)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSharesFor(t *testing.T) {
	assert.Equal(t, 200.0, matching.SharesFor(100, 50))
	assert.Equal(t, 400.0, matching.SharesFor(100, 25))
}
