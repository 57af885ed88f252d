package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachemem "github.com/alanyoungcy/playmarket/internal/cache/memory"
	"github.com/alanyoungcy/playmarket/internal/domain"
	"github.com/alanyoungcy/playmarket/internal/executor"
	"github.com/alanyoungcy/playmarket/internal/ledger"
	"github.com/alanyoungcy/playmarket/internal/matching"
	"github.com/alanyoungcy/playmarket/internal/metrics"
	"github.com/alanyoungcy/playmarket/internal/position"
	"github.com/alanyoungcy/playmarket/internal/settlement"
	"github.com/alanyoungcy/playmarket/internal/store/memory"
)

var (
	admin = domain.Identity{UserID: "admin", Role: domain.RoleAdmin}
	alice = domain.Identity{UserID: "alice", Role: domain.RoleMember}
	bob   = domain.Identity{UserID: "bob", Role: domain.RoleMember}
)

type env struct {
	d        Deps
	cfg      Config
	trades   *TradeService
	markets  *MarketService
	orders   *OrderService
	accounts *AccountService
	recovery *RecoveryService
	alerts   *recordingAlerter
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAlerter) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAlerter) seen() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

func newEnv(t *testing.T, mutate func(*domain.Stores), tweak func(*Config)) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stores := memory.New()
	if mutate != nil {
		mutate(&stores)
	}
	cfg := DefaultConfig()
	cfg.RateLimit = 0
	cfg.LockWait = 200 * time.Millisecond
	if tweak != nil {
		tweak(&cfg)
	}

	l := ledger.New(stores.Ledger, 10000)
	pos := position.NewTracker(stores.Positions)
	bus := cachemem.NewSignalBus(100)
	alerts := &recordingAlerter{}
	locks := cachemem.NewLockManager()
	d := Deps{
		Stores:    stores,
		Ledger:    l,
		Positions: pos,
		Executor: executor.New(executor.Deps{
			Ledger: l, Positions: pos, Markets: stores.Markets,
			Orders: stores.Orders, Bets: stores.Bets, Journal: stores.Sagas,
			Locks: locks, LockTTL: cfg.LockTTL,
		}, logger),
		Matching:   matching.NewEngine(stores.Orders, l, matching.DefaultOrderPrice, logger),
		Settlement: settlement.NewEngine(stores.Markets, stores.Orders, l, pos, logger),
		Locks:      locks,
		Limiter:    cachemem.NewRateLimiter(),
		Publisher:  NewPublisher(bus, nil, logger),
		Alerter:    alerts,
		Metrics:    metrics.New(),
		Dedup:      executor.NewDedup(time.Minute),
	}
	t.Cleanup(d.Publisher.Wait)

	return &env{
		d:        d,
		cfg:      cfg,
		trades:   NewTradeService(d, cfg, logger),
		markets:  NewMarketService(d, cfg, logger),
		orders:   NewOrderService(d, cfg, logger),
		accounts: NewAccountService(d, cfg, logger),
		recovery: NewRecoveryService(d, time.Minute, logger),
		alerts:   alerts,
	}
}

func (e *env) market(t *testing.T, mode domain.MarketMode) string {
	t.Helper()
	m, err := e.markets.Create(context.Background(), admin, CreateMarketRequest{
		ChannelID: "general", Title: "Will it rain?", Mode: mode,
	})
	require.NoError(t, err)
	return m.ID
}

func (e *env) buy(t *testing.T, id domain.Identity, marketID string, side domain.Side, cents float64) TradeResult {
	t.Helper()
	res, err := e.trades.Trade(context.Background(), id, TradeRequest{
		MarketID: marketID, Action: domain.BetTypeBuy, Side: side, Amount: cents,
	})
	require.NoError(t, err)
	return res
}

func (e *env) balance(t *testing.T, user string) int64 {
	t.Helper()
	bal, err := e.d.Ledger.Balance(context.Background(), user)
	require.NoError(t, err)
	return bal
}

func (e *env) load(t *testing.T, id string) domain.Market {
	t.Helper()
	m, err := e.d.Stores.Markets.GetByID(context.Background(), id)
	require.NoError(t, err)
	return m
}

// assertPristine checks that a rejected trade left no trace.
func (e *env) assertPristine(t *testing.T, marketID, user string) {
	t.Helper()
	ctx := context.Background()
	assert.Equal(t, int64(10000), e.balance(t, user))
	m := e.load(t, marketID)
	assert.InDelta(t, 10000, m.YesPool, 1e-9)
	assert.InDelta(t, 10000, m.NoPool, 1e-9)
	assert.Zero(t, m.Collateral)
	p, err := e.d.Positions.Get(ctx, user, marketID)
	require.NoError(t, err)
	assert.Zero(t, p.YesShares)
	assert.Zero(t, p.NoShares)
	bets, err := e.d.Stores.Bets.ListByMarket(ctx, marketID, domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, bets)
}

func TestBuyMovesPoolBalanceAndPosition(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	id := e.market(t, domain.MarketModeAMM)

	res := e.buy(t, alice, id, domain.SideYes, 1000)

	assert.InDelta(t, 909.0909, res.Shares, 1e-3)
	assert.Equal(t, int64(1000), res.Cost)
	assert.Equal(t, int64(9000), res.NewBalance)
	assert.InDelta(t, 909.0909, res.Position.YesShares, 1e-3)
	assert.InDelta(t, 11000.0/(11000+100_000_000.0/11000), res.YesPrice, 1e-9)
	assert.InDelta(t, 1, res.YesPrice+res.NoPrice, 1e-12)

	m := e.load(t, id)
	assert.InDelta(t, 11000, m.NoPool, 1e-9)
	assert.InDelta(t, 100_000_000.0/11000, m.YesPool, 1e-6)
	assert.InDelta(t, 100_000_000, m.YesPool*m.NoPool, 1e-3)
	assert.Equal(t, int64(1000), m.Collateral)
	assert.Equal(t, int64(1), m.Version)

	bets, err := e.markets.Bets(ctx, id, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, bets, 1)
	assert.Equal(t, domain.BetTypeBuy, bets[0].Type)
	assert.Equal(t, "alice", bets[0].UserID)
}

func TestBuyThenSellNeverProfits(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	id := e.market(t, domain.MarketModeAMM)

	bought := e.buy(t, alice, id, domain.SideNo, 2500)
	sold, err := e.trades.Trade(ctx, alice, TradeRequest{
		MarketID: id, Action: domain.BetTypeSell, Side: domain.SideNo, Amount: bought.Shares,
	})
	require.NoError(t, err)

	assert.LessOrEqual(t, sold.Cost, int64(2500))
	assert.Equal(t, 10000-2500+sold.Cost, sold.NewBalance)
	assert.InDelta(t, 0, sold.Position.NoShares, domain.ShareEpsilon)
	assert.Equal(t, 2500-sold.Cost, e.load(t, id).Collateral)
}

func TestDustSellReturnsSharesWithoutPayout(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	id := e.market(t, domain.MarketModeAMM)

	bought := e.buy(t, alice, id, domain.SideYes, 1000)
	before := e.load(t, id)

	sold, err := e.trades.Trade(ctx, alice, TradeRequest{
		MarketID: id, Action: domain.BetTypeSell, Side: domain.SideYes, Amount: 0.5,
	})
	require.NoError(t, err)
	assert.Zero(t, sold.Cost)
	assert.Equal(t, int64(9000), sold.NewBalance)
	assert.Equal(t, int64(9000), e.balance(t, alice.UserID))
	assert.InDelta(t, bought.Shares-0.5, sold.Position.YesShares, 1e-9)

	after := e.load(t, id)
	assert.Equal(t, before.Collateral, after.Collateral)
	assert.InDelta(t, before.YesPool+0.5, after.YesPool, 1e-9)

	bets, err := e.d.Stores.Bets.ListByMarket(ctx, id, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, bets, 2)
}

func TestRejectedTradesLeaveNoTrace(t *testing.T) {
	tests := []struct {
		name string
		req  TradeRequest
		want error
		msg  string
	}{
		{
			name: "insufficient funds",
			req:  TradeRequest{Action: domain.BetTypeBuy, Side: domain.SideYes, Amount: 20000},
			want: domain.ErrInsufficientFunds,
		},
		{
			name: "sell without position",
			req:  TradeRequest{Action: domain.BetTypeSell, Side: domain.SideYes, Amount: 10},
			want: domain.ErrInsufficientShares,
			msg:  "You only have 0.00 YES shares",
		},
		{
			name: "below minimum",
			req:  TradeRequest{Action: domain.BetTypeBuy, Side: domain.SideYes, Amount: 99},
			want: domain.ErrBelowMinimum,
		},
		{
			name: "bad side",
			req:  TradeRequest{Action: domain.BetTypeBuy, Side: "MAYBE", Amount: 500},
			want: domain.ErrInvalidSide,
		},
		{
			name: "bad amount",
			req:  TradeRequest{Action: domain.BetTypeBuy, Side: domain.SideNo, Amount: -5},
			want: domain.ErrInvalidAmount,
		},
		{
			name: "amount beyond int64 cents",
			req:  TradeRequest{Action: domain.BetTypeBuy, Side: domain.SideNo, Amount: 1e19},
			want: domain.ErrInvalidAmount,
		},
		{
			name: "share count beyond bound",
			req:  TradeRequest{Action: domain.BetTypeSell, Side: domain.SideNo, Amount: 1e19},
			want: domain.ErrInvalidAmount,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e := newEnv(t, nil, nil)
			id := e.market(t, domain.MarketModeAMM)
			_, err := e.d.Ledger.Ensure(ctx, alice.UserID)
			require.NoError(t, err)

			tt.req.MarketID = id
			_, err = e.trades.Trade(ctx, alice, tt.req)
			require.ErrorIs(t, err, tt.want)
			if tt.msg != "" {
				assert.Equal(t, tt.msg, domain.PublicMessage(err))
			}
			e.assertPristine(t, id, alice.UserID)
		})
	}
}

type failingPositions struct {
	domain.PositionStore
}

func (failingPositions) Apply(context.Context, domain.PositionOp) (domain.Position, error) {
	return domain.Position{}, errors.New("connection reset")
}

func TestTradeRollsBackWhenAStepFails(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, func(s *domain.Stores) { s.Positions = failingPositions{s.Positions} }, nil)
	id := e.market(t, domain.MarketModeAMM)

	_, err := e.trades.Trade(ctx, alice, TradeRequest{
		MarketID: id, Action: domain.BetTypeBuy, Side: domain.SideYes, Amount: 1000,
	})
	require.ErrorIs(t, err, domain.ErrTradeFailed)
	assert.Equal(t, "trade failed", domain.PublicMessage(err))

	e.assertPristine(t, id, alice.UserID)
	assert.Empty(t, e.alerts.seen())
}

type brokenBets struct {
	domain.BetStore
}

func (brokenBets) Insert(context.Context, domain.Bet) error { return errors.New("disk full") }
func (brokenBets) Delete(context.Context, string) error     { return errors.New("disk gone") }

func TestUnrecoverableRollbackIsEscalated(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, func(s *domain.Stores) { s.Bets = brokenBets{s.Bets} }, nil)
	id := e.market(t, domain.MarketModeAMM)

	_, err := e.trades.Trade(ctx, alice, TradeRequest{
		MarketID: id, Action: domain.BetTypeBuy, Side: domain.SideYes, Amount: 1000, IdempotencyKey: "k1",
	})
	require.ErrorIs(t, err, domain.ErrRollbackFailed)
	assert.Contains(t, e.alerts.seen(), domain.EventRollbackFailed)

	// The steps that could be undone were.
	assert.Equal(t, int64(10000), e.balance(t, alice.UserID))
	assert.Zero(t, e.load(t, id).Collateral)

	// The key stays claimed so a retry cannot double up on a half-undone trade.
	_, err = e.trades.Trade(ctx, alice, TradeRequest{
		MarketID: id, Action: domain.BetTypeBuy, Side: domain.SideYes, Amount: 1000, IdempotencyKey: "k1",
	})
	require.ErrorIs(t, err, domain.ErrDuplicateRequest)
}

func TestMarketModeIsEnforced(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	ammID := e.market(t, domain.MarketModeAMM)
	bookID := e.market(t, domain.MarketModeOrderbook)

	_, err := e.trades.Trade(ctx, alice, TradeRequest{
		MarketID: bookID, Action: domain.BetTypeBuy, Side: domain.SideYes, Amount: 1000,
	})
	require.ErrorIs(t, err, domain.ErrWrongMarketMode)

	_, err = e.trades.Bet(ctx, alice, BetRequest{MarketID: ammID, Side: domain.SideYes, Amount: decimal.NewFromInt(5)})
	require.ErrorIs(t, err, domain.ErrWrongMarketMode)

	_, err = e.markets.Quote(ctx, bookID, domain.BetTypeBuy, domain.SideYes, 1000)
	require.ErrorIs(t, err, domain.ErrWrongMarketMode)
}

func TestAdminsCannotTrade(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	ammID := e.market(t, domain.MarketModeAMM)
	bookID := e.market(t, domain.MarketModeOrderbook)

	_, err := e.trades.Trade(ctx, admin, TradeRequest{
		MarketID: ammID, Action: domain.BetTypeBuy, Side: domain.SideYes, Amount: 1000,
	})
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = e.trades.Bet(ctx, admin, BetRequest{MarketID: bookID, Side: domain.SideYes, Amount: decimal.NewFromInt(5)})
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = e.trades.Trade(ctx, domain.Identity{}, TradeRequest{
		MarketID: ammID, Action: domain.BetTypeBuy, Side: domain.SideYes, Amount: 1000,
	})
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestClosedMarketRules(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, func(c *Config) { c.SellCloseWindow = 10 * time.Minute })
	closes := time.Now().UTC().Add(5 * time.Minute)
	m, err := e.markets.Create(ctx, admin, CreateMarketRequest{
		ChannelID: "general", Title: "Soon", CloseTime: &closes,
	})
	require.NoError(t, err)

	// Buys are open until close, but sells are already inside the window.
	bought := e.buy(t, alice, m.ID, domain.SideYes, 1000)
	_, err = e.trades.Trade(ctx, alice, TradeRequest{
		MarketID: m.ID, Action: domain.BetTypeSell, Side: domain.SideYes, Amount: bought.Shares,
	})
	require.ErrorIs(t, err, domain.ErrMarketClosed)

	e.trades.now = func() time.Time { return closes.Add(time.Second) }
	_, err = e.trades.Trade(ctx, alice, TradeRequest{
		MarketID: m.ID, Action: domain.BetTypeBuy, Side: domain.SideYes, Amount: 1000,
	})
	require.ErrorIs(t, err, domain.ErrMarketClosed)
}

func TestSellAfterCloseWhenAllowed(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, func(c *Config) { c.SellAfterClose = true })
	closes := time.Now().UTC().Add(time.Hour)
	m, err := e.markets.Create(ctx, admin, CreateMarketRequest{
		ChannelID: "general", Title: "Later", CloseTime: &closes,
	})
	require.NoError(t, err)
	bought := e.buy(t, alice, m.ID, domain.SideNo, 1000)

	e.trades.now = func() time.Time { return closes.Add(time.Minute) }
	_, err = e.trades.Trade(ctx, alice, TradeRequest{
		MarketID: m.ID, Action: domain.BetTypeSell, Side: domain.SideNo, Amount: bought.Shares / 2,
	})
	require.NoError(t, err)
}

func TestIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	id := e.market(t, domain.MarketModeAMM)

	req := TradeRequest{MarketID: id, Action: domain.BetTypeBuy, Side: domain.SideYes, Amount: 1000, IdempotencyKey: "req-1"}
	_, err := e.trades.Trade(ctx, alice, req)
	require.NoError(t, err)
	_, err = e.trades.Trade(ctx, alice, req)
	require.ErrorIs(t, err, domain.ErrDuplicateRequest)
	assert.Equal(t, int64(9000), e.balance(t, alice.UserID))

	// Keys are scoped per user.
	_, err = e.trades.Trade(ctx, bob, req)
	require.NoError(t, err)

	// A rejected request frees its key for a corrected retry.
	bad := TradeRequest{MarketID: id, Action: domain.BetTypeBuy, Side: domain.SideYes, Amount: 50000, IdempotencyKey: "req-2"}
	_, err = e.trades.Trade(ctx, alice, bad)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	bad.Amount = 500
	_, err = e.trades.Trade(ctx, alice, bad)
	require.NoError(t, err)
}

func TestConcurrentBuysNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, func(c *Config) { c.LockWait = 5 * time.Second })
	id := e.market(t, domain.MarketModeAMM)
	_, err := e.d.Ledger.Ensure(ctx, alice.UserID)
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.trades.Trade(ctx, alice, TradeRequest{
				MarketID: id, Action: domain.BetTypeBuy, Side: domain.SideYes, Amount: 1000,
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Zero(t, e.balance(t, alice.UserID))
	assert.Equal(t, int64(10000), e.load(t, id).Collateral)
}

func TestLockContentionSurfaces(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, func(c *Config) { c.LockWait = 60 * time.Millisecond })
	id := e.market(t, domain.MarketModeAMM)

	unlock, err := e.d.Locks.Acquire(ctx, marketLock(id), time.Minute)
	require.NoError(t, err)
	defer unlock()

	_, err = e.trades.Trade(ctx, alice, TradeRequest{
		MarketID: id, Action: domain.BetTypeBuy, Side: domain.SideYes, Amount: 1000,
	})
	require.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestRateLimit(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, func(c *Config) { c.RateLimit = 2; c.RateWindow = time.Hour })
	id := e.market(t, domain.MarketModeAMM)

	e.buy(t, alice, id, domain.SideYes, 100)
	e.buy(t, alice, id, domain.SideYes, 100)
	_, err := e.trades.Trade(ctx, alice, TradeRequest{
		MarketID: id, Action: domain.BetTypeBuy, Side: domain.SideYes, Amount: 100,
	})
	require.ErrorIs(t, err, domain.ErrRateLimited)
	e.buy(t, bob, id, domain.SideYes, 100)
}

func TestMoneyIsConserved(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	id := e.market(t, domain.MarketModeAMM)
	carol := domain.Identity{UserID: "carol"}

	e.buy(t, alice, id, domain.SideYes, 3000)
	b := e.buy(t, bob, id, domain.SideNo, 1700)
	e.buy(t, carol, id, domain.SideYes, 999)
	_, err := e.trades.Trade(ctx, bob, TradeRequest{
		MarketID: id, Action: domain.BetTypeSell, Side: domain.SideNo, Amount: b.Shares / 3,
	})
	require.NoError(t, err)
	e.buy(t, alice, id, domain.SideNo, 250)

	total := func() int64 {
		var sum int64
		for _, u := range []string{"alice", "bob", "carol"} {
			sum += e.balance(t, u)
		}
		return sum + e.load(t, id).Collateral
	}
	assert.Equal(t, int64(30000), total())

	res, err := e.markets.Resolve(ctx, admin, id, domain.SideYes)
	require.NoError(t, err)
	assert.LessOrEqual(t, res.TotalPaid, e.load(t, id).Collateral)

	var sum int64
	for _, u := range []string{"alice", "bob", "carol"} {
		sum += e.balance(t, u)
	}
	assert.LessOrEqual(t, sum, int64(30000))
	assert.Equal(t, int64(30000)-e.load(t, id).Collateral+res.TotalPaid, sum)
}

func TestResolvePaysOnceAndLocksTheMarket(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	id := e.market(t, domain.MarketModeAMM)

	a := e.buy(t, alice, id, domain.SideYes, 1000)
	e.buy(t, bob, id, domain.SideNo, 500)

	_, err := e.markets.Resolve(ctx, alice, id, domain.SideYes)
	require.ErrorIs(t, err, domain.ErrForbidden)
	_, err = e.markets.Resolve(ctx, admin, id, "MAYBE")
	require.ErrorIs(t, err, domain.ErrInvalidOutcome)

	res, err := e.markets.Resolve(ctx, admin, id, domain.SideYes)
	require.NoError(t, err)
	require.Len(t, res.Payouts, 1)
	assert.Equal(t, "alice", res.Payouts[0].UserID)
	assert.Equal(t, int64(a.Shares), res.Payouts[0].Amount)
	assert.Equal(t, 9000+int64(a.Shares), e.balance(t, alice.UserID))
	assert.Equal(t, int64(9500), e.balance(t, bob.UserID))

	_, err = e.markets.Resolve(ctx, admin, id, domain.SideNo)
	require.ErrorIs(t, err, domain.ErrMarketResolved)
	assert.Equal(t, 9000+int64(a.Shares), e.balance(t, alice.UserID))

	_, err = e.trades.Trade(ctx, bob, TradeRequest{
		MarketID: id, Action: domain.BetTypeBuy, Side: domain.SideNo, Amount: 1000,
	})
	require.ErrorIs(t, err, domain.ErrMarketResolved)
	assert.Contains(t, e.alerts.seen(), domain.EventMarketResolved)

	m := e.load(t, id)
	assert.True(t, m.Resolved)
	assert.NotNil(t, m.SettledAt)
}

func TestResolveCompensatesInterruptedTrades(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	id := e.market(t, domain.MarketModeAMM)
	a := e.buy(t, alice, id, domain.SideYes, 1000)
	before := e.load(t, id)

	// Bob's buy dies after debiting, moving the pool and granting shares.
	_, err := e.d.Ledger.Ensure(ctx, bob.UserID)
	require.NoError(t, err)
	saga, err := e.d.Executor.Begin(ctx, "trade", bob.UserID, id)
	require.NoError(t, err)
	_, err = saga.Debit(ctx, "debit", bob.UserID, 1000, domain.ReasonTradeBuy, id)
	require.NoError(t, err)
	_, err = saga.UpdatePool(ctx, "pool", domain.PoolUpdate{
		MarketID: id, FromVersion: before.Version,
		YesPool: before.YesPool - 800, NoPool: before.NoPool + 1000, CollateralDelta: 1000,
	})
	require.NoError(t, err)
	_, err = saga.ApplyPosition(ctx, "position", bob.UserID, id, domain.SideYes, 800)
	require.NoError(t, err)

	res, err := e.markets.Resolve(ctx, admin, id, domain.SideYes)
	require.NoError(t, err)
	require.Len(t, res.Payouts, 1)
	assert.Equal(t, alice.UserID, res.Payouts[0].UserID)

	assert.Equal(t, int64(10000), e.balance(t, bob.UserID))
	assert.Equal(t, 9000+int64(a.Shares), e.balance(t, alice.UserID))

	rec, err := e.d.Stores.Sagas.Get(ctx, saga.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompensated, rec.Status)

	// Nothing is left for the recovery worker to reverse.
	e.recovery.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	require.NoError(t, e.recovery.RunOnce(ctx))
	assert.Equal(t, int64(10000), e.balance(t, bob.UserID))
	assert.Equal(t, before.Collateral, e.load(t, id).Collateral)
	assert.InDelta(t, before.YesPool, e.load(t, id).YesPool, 1e-9)
}

func TestBetMatchesRestingOrderFirst(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	id := e.market(t, domain.MarketModeOrderbook)

	rest, err := e.trades.Bet(ctx, bob, BetRequest{MarketID: id, Side: domain.SideNo, Amount: decimal.RequireFromString("30")})
	require.NoError(t, err)
	assert.Equal(t, "$30.00 on NO, waiting for a counterparty", rest.Message)
	assert.NotEmpty(t, rest.OrderID)
	assert.Equal(t, int64(10000), rest.NewBalance)

	hit, err := e.trades.Bet(ctx, alice, BetRequest{MarketID: id, Side: domain.SideYes, Amount: decimal.RequireFromString("10")})
	require.NoError(t, err)
	assert.Equal(t, "Bet placed: $10.00 on YES", hit.Message)
	assert.Equal(t, int64(1000), hit.Filled)
	assert.Zero(t, hit.Remaining)
	assert.Equal(t, int64(9000), hit.NewBalance)

	assert.Equal(t, int64(9000), e.balance(t, bob.UserID))
	assert.Equal(t, int64(2000), e.load(t, id).Collateral)
	o, err := e.d.Stores.Orders.GetByID(ctx, rest.OrderID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), o.Remaining())

	partial, err := e.trades.Bet(ctx, alice, BetRequest{MarketID: id, Side: domain.SideYes, Amount: decimal.RequireFromString("25.509")})
	require.NoError(t, err)
	assert.Equal(t, "$20.00 matched on YES, $5.50 waiting for a counterparty", partial.Message)

	_, err = e.trades.Bet(ctx, alice, BetRequest{MarketID: id, Side: domain.SideYes, Amount: decimal.RequireFromString("0.99")})
	require.ErrorIs(t, err, domain.ErrBelowMinimum)
	assert.Equal(t, "Minimum bet is $1.00", domain.PublicMessage(err))
}

func TestCancelOrder(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	id := e.market(t, domain.MarketModeOrderbook)

	res, err := e.trades.Bet(ctx, bob, BetRequest{MarketID: id, Side: domain.SideNo, Amount: decimal.NewFromInt(12)})
	require.NoError(t, err)

	_, err = e.orders.Cancel(ctx, alice, res.OrderID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	mine, err := e.orders.ListMine(ctx, bob, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, mine, 1)

	o, err := e.orders.Cancel(ctx, bob, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, o.Status)

	_, err = e.orders.Cancel(ctx, bob, res.OrderID)
	require.ErrorIs(t, err, domain.ErrOrderNotPending)
	assert.Equal(t, int64(10000), e.balance(t, bob.UserID))
}

func TestAccountView(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	ammID := e.market(t, domain.MarketModeAMM)
	bookID := e.market(t, domain.MarketModeOrderbook)

	fresh, err := e.accounts.Me(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), fresh.Balance)
	assert.Empty(t, fresh.Positions)

	res := e.buy(t, bob, ammID, domain.SideYes, 1000)
	_, err = e.trades.Bet(ctx, bob, BetRequest{MarketID: bookID, Side: domain.SideNo, Amount: decimal.NewFromInt(4)})
	require.NoError(t, err)

	me, err := e.accounts.Me(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(9000), me.Balance)
	require.Len(t, me.Positions, 1)
	assert.InDelta(t, res.Shares*res.YesPrice, me.Positions[0].MarkValue, 1e-6)
	require.Len(t, me.PendingOrders, 1)
	assert.Equal(t, int64(400), me.PendingOrders[0].Amount)

	history, err := e.accounts.History(ctx, bob, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, history, 1)

	_, err = e.accounts.Me(ctx, domain.Identity{})
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestQuoteAndPriceHistory(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	id := e.market(t, domain.MarketModeAMM)

	q, err := e.markets.Quote(ctx, id, domain.BetTypeBuy, domain.SideYes, 1000)
	require.NoError(t, err)
	assert.InDelta(t, 909.0909, q.Shares, 1e-3)
	assert.Equal(t, 0.5, q.PriceBefore)
	assert.Greater(t, q.PriceAfter, 0.5)
	assert.Zero(t, e.load(t, id).Version)

	_, err = e.markets.Quote(ctx, id, domain.BetTypeBuy, domain.SideYes, 1000.5)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	_, err = e.trades.Trade(ctx, alice, TradeRequest{
		MarketID: id, Action: domain.BetTypeBuy, Side: domain.SideYes, Amount: 1000.5,
	})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	_, err = e.markets.Quote(ctx, id, domain.BetTypeBuy, domain.SideYes, 1e19)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	res := e.buy(t, alice, id, domain.SideYes, 1000)

	points, err := e.markets.PriceHistory(ctx, id, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, 0.5, points[0].YesPrice)
	assert.InDelta(t, res.YesPrice, points[1].YesPrice, 1e-12)
}

func TestCreateMarketValidation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	closes := time.Now().Add(time.Hour)
	early := closes.Add(-time.Minute)

	_, err := e.markets.Create(ctx, alice, CreateMarketRequest{ChannelID: "c", Title: "t"})
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = e.markets.Create(ctx, admin, CreateMarketRequest{ChannelID: "c"})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = e.markets.Create(ctx, admin, CreateMarketRequest{
		ChannelID: "c", Title: "t", CloseTime: &closes, ExpectedResolutionTime: &early,
	})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	m, err := e.markets.Create(ctx, admin, CreateMarketRequest{ChannelID: "c", Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, domain.MarketModeAMM, m.Mode)
	assert.Equal(t, 0.5, m.YesPrice)
	assert.Equal(t, 10000.0, m.YesPool)

	list, err := e.markets.List(ctx, domain.MarketFilter{ChannelID: "c"}, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRecoveryCompensatesAndSettles(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	id := e.market(t, domain.MarketModeAMM)
	a := e.buy(t, alice, id, domain.SideYes, 2000)

	// A trade interrupted after its debit.
	saga, err := e.d.Executor.Begin(ctx, "trade", bob.UserID, id)
	require.NoError(t, err)
	_, err = e.d.Ledger.Ensure(ctx, bob.UserID)
	require.NoError(t, err)
	_, err = saga.Debit(ctx, "debit", bob.UserID, 700, domain.ReasonTradeBuy, id)
	require.NoError(t, err)

	// A market resolved but never settled.
	_, err = e.d.Stores.Markets.MarkResolved(ctx, id, domain.SideYes, admin.UserID, time.Now().UTC())
	require.NoError(t, err)

	e.recovery.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	require.NoError(t, e.recovery.RunOnce(ctx))

	assert.Equal(t, int64(10000), e.balance(t, bob.UserID))
	assert.Equal(t, 8000+int64(a.Shares), e.balance(t, alice.UserID))
	assert.NotNil(t, e.load(t, id).SettledAt)

	// Nothing left to do on a second pass.
	require.NoError(t, e.recovery.RunOnce(ctx))
	assert.Equal(t, 8000+int64(a.Shares), e.balance(t, alice.UserID))
}
