// Package settlement resolves markets exactly once and pays the winners.
// Resolution is a compare-and-swap on the resolved flag; everything after it
// is keyed by market and user so that an interrupted settlement can be
// resumed without paying anyone twice.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/playmarket/internal/domain"
	"github.com/alanyoungcy/playmarket/internal/ledger"
	"github.com/alanyoungcy/playmarket/internal/position"
)

// PayoutKey is the ledger key of a user's payout in a market.
func PayoutKey(marketID, userID string) string {
	return "settle:" + marketID + ":" + userID
}

// Result describes a completed settlement.
type Result struct {
	MarketID        string        `json:"market_id"`
	Outcome         domain.Side   `json:"outcome"`
	Payouts         []Payout      `json:"payouts"`
	TotalPaid       int64         `json:"total_paid"`
	CancelledOrders int64         `json:"cancelled_orders"`
	Market          domain.Market `json:"-"`
}

// Engine settles markets.
type Engine struct {
	markets   domain.MarketStore
	orders    domain.OrderStore
	ledger    *ledger.Ledger
	positions *position.Tracker
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates a settlement Engine.
func NewEngine(markets domain.MarketStore, orders domain.OrderStore, l *ledger.Ledger, positions *position.Tracker, logger *slog.Logger) *Engine {
	return &Engine{
		markets:   markets,
		orders:    orders,
		ledger:    l,
		positions: positions,
		logger:    logger.With(slog.String("component", "settlement")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Resolve fixes the market's outcome and settles it. A market can be
// resolved once; later calls fail with ErrMarketResolved and move no money.
func (e *Engine) Resolve(ctx context.Context, marketID string, outcome domain.Side, resolverID string) (Result, error) {
	if outcome != domain.SideYes && outcome != domain.SideNo {
		return Result{}, domain.ErrInvalidOutcome
	}
	m, err := e.markets.MarkResolved(ctx, marketID, outcome, resolverID, e.now())
	if err != nil {
		return Result{}, fmt.Errorf("settlement: resolve %s: %w", marketID, err)
	}
	e.logger.InfoContext(ctx, "settlement: market resolved",
		slog.String("market_id", marketID),
		slog.String("outcome", string(outcome)),
		slog.String("resolved_by", resolverID),
	)
	return e.settle(ctx, m)
}

// Resume finishes settling a market that was resolved but not settled.
// Payouts already credited are skipped.
func (e *Engine) Resume(ctx context.Context, marketID string) (Result, error) {
	m, err := e.markets.GetByID(ctx, marketID)
	if err != nil {
		return Result{}, fmt.Errorf("settlement: resume %s: %w", marketID, err)
	}
	if !m.Resolved {
		return Result{}, domain.ErrMarketNotResolved
	}
	return e.settle(ctx, m)
}

// Preview computes the payouts a resolution would produce without moving
// any money.
func (e *Engine) Preview(ctx context.Context, m domain.Market, outcome domain.Side) ([]Payout, error) {
	holders, err := e.positions.ListByMarket(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	return ComputePayouts(holders, outcome, m.Collateral), nil
}

func (e *Engine) settle(ctx context.Context, m domain.Market) (Result, error) {
	res := Result{MarketID: m.ID, Outcome: m.Outcome, Market: m}

	cancelled, err := e.orders.CancelPendingByMarket(ctx, m.ID)
	if err != nil {
		return res, fmt.Errorf("settlement: cancel orders %s: %w", m.ID, err)
	}
	res.CancelledOrders = cancelled

	payouts, err := e.Preview(ctx, m, m.Outcome)
	if err != nil {
		return res, fmt.Errorf("settlement: positions %s: %w", m.ID, err)
	}

	for _, p := range payouts {
		_, err := e.ledger.Credit(ctx, PayoutKey(m.ID, p.UserID), p.UserID, p.Amount, domain.ReasonPayout, m.ID)
		if errors.Is(err, domain.ErrAlreadyExists) {
			e.logger.DebugContext(ctx, "settlement: payout already credited",
				slog.String("market_id", m.ID),
				slog.String("user_id", p.UserID),
			)
		} else if err != nil {
			return res, fmt.Errorf("settlement: pay %s in %s: %w", p.UserID, m.ID, err)
		}
	}
	res.Payouts = payouts
	res.TotalPaid = Total(payouts)

	at := e.now()
	if err := e.markets.MarkSettled(ctx, m.ID, at); err != nil {
		return res, fmt.Errorf("settlement: mark settled %s: %w", m.ID, err)
	}
	res.Market.SettledAt = &at

	e.logger.InfoContext(ctx, "settlement: market settled",
		slog.String("market_id", m.ID),
		slog.Int("winners", len(payouts)),
		slog.Int64("total_paid", res.TotalPaid),
		slog.Int64("cancelled_orders", cancelled),
	)
	return res, nil
}
