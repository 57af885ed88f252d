// Package matching implements the FIFO order-book path: incoming notional is
// matched dollar for dollar against resting opposite-side orders, oldest
// first. Resting orders hold no funds; both sides pay when a fill happens.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/alanyoungcy/playmarket/internal/domain"
	"github.com/alanyoungcy/playmarket/internal/executor"
	"github.com/alanyoungcy/playmarket/internal/ledger"
)

// DefaultOrderPrice is the nominal price in cents per share of a resting order.
const DefaultOrderPrice = 50

// Taker is an incoming request to buy Amount cents of Side.
type Taker struct {
	UserID   string
	MarketID string
	Side     domain.Side
	Amount   int64
}

// Fill is one match against a resting order.
type Fill struct {
	OrderID        string  `json:"order_id"`
	CounterpartyID string  `json:"counterparty_id"`
	Amount         int64   `json:"amount"`
	Shares         float64 `json:"shares"`
}

// Result summarises a Match call.
type Result struct {
	Filled          int64         `json:"filled"`
	Remaining       int64         `json:"remaining"`
	Fills           []Fill        `json:"fills"`
	RestingOrder    *domain.Order `json:"resting_order,omitempty"`
	CancelledOrders []string      `json:"cancelled_orders,omitempty"`
	Market          domain.Market `json:"-"`
}

// Engine matches takers against the resting book of one market at a time.
// Callers must hold the market lock for the whole Match call.
type Engine struct {
	orders domain.OrderStore
	ledger *ledger.Ledger
	price  int64
	logger *slog.Logger
}

// NewEngine creates an Engine resting unmatched remainders at price cents
// per share.
func NewEngine(orders domain.OrderStore, l *ledger.Ledger, price int64, logger *slog.Logger) *Engine {
	if price <= 0 || price >= 100 {
		price = DefaultOrderPrice
	}
	return &Engine{
		orders: orders,
		ledger: l,
		price:  price,
		logger: logger.With(slog.String("component", "matching")),
	}
}

// SharesFor converts a filled notional into shares at price cents per share.
func SharesFor(amount, price int64) float64 {
	return float64(amount) * 100 / float64(price)
}

// Match fills t against market's resting orders inside saga. Every fill is
// journaled: both debits, the order fill, both positions, two trade records
// and the collateral increase. The unmatched remainder rests as a new order.
func (e *Engine) Match(ctx context.Context, saga *executor.Saga, market domain.Market, t Taker) (Result, error) {
	res := Result{Remaining: t.Amount, Market: market}
	if t.Amount <= 0 {
		return res, domain.ErrInvalidAmount
	}

	bal, err := e.ledger.Balance(ctx, t.UserID)
	if err != nil {
		return res, fmt.Errorf("matching: taker balance: %w", err)
	}
	if bal < t.Amount {
		return res, domain.ErrInsufficientFunds
	}

	book, err := e.orders.ListPending(ctx, market.ID, t.Side.Opposite())
	if err != nil {
		return res, fmt.Errorf("matching: list resting orders: %w", err)
	}

	for _, o := range book {
		if res.Remaining == 0 {
			break
		}
		if o.UserID == t.UserID || o.Remaining() == 0 {
			continue
		}
		fill := min(res.Remaining, o.Remaining())

		solvent, err := e.counterpartyCovers(ctx, o, fill)
		if err != nil {
			return res, err
		}
		if !solvent {
			e.cancelInsolvent(ctx, o, &res)
			continue
		}

		f, err := e.fillOne(ctx, saga, &res.Market, t, o, fill)
		if errors.Is(err, domain.ErrInsufficientFunds) && f.CounterpartyID == "" {
			// The counterparty spent the balance between the check and the debit.
			e.cancelInsolvent(ctx, o, &res)
			continue
		}
		if err != nil {
			return res, err
		}
		res.Fills = append(res.Fills, f)
		res.Filled += fill
		res.Remaining -= fill
	}

	if res.Remaining > 0 {
		rest := domain.Order{
			ID:       uuid.NewString(),
			UserID:   t.UserID,
			MarketID: market.ID,
			Side:     t.Side,
			Price:    e.price,
			Amount:   res.Remaining,
			Status:   domain.OrderStatusPending,
		}
		if err := e.orders.Create(ctx, rest); err != nil {
			return res, fmt.Errorf("matching: rest remainder: %w", err)
		}
		res.RestingOrder = &rest
	}
	return res, nil
}

func (e *Engine) counterpartyCovers(ctx context.Context, o domain.Order, fill int64) (bool, error) {
	bal, err := e.ledger.Balance(ctx, o.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("matching: counterparty balance: %w", err)
	}
	return bal >= fill, nil
}

func (e *Engine) cancelInsolvent(ctx context.Context, o domain.Order, res *Result) {
	if _, err := e.orders.Cancel(ctx, o.ID, ""); err != nil {
		e.logger.WarnContext(ctx, "matching: cancel insolvent order failed",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	res.CancelledOrders = append(res.CancelledOrders, o.ID)
	e.logger.InfoContext(ctx, "matching: cancelled order of insolvent counterparty",
		slog.String("order_id", o.ID),
		slog.String("user_id", o.UserID),
	)
}

// fillOne journals a single match. The returned Fill has CounterpartyID set
// once the counterparty has been debited.
func (e *Engine) fillOne(ctx context.Context, saga *executor.Saga, market *domain.Market, t Taker, o domain.Order, amount int64) (Fill, error) {
	price := o.Price
	if price <= 0 || price >= 100 {
		price = e.price
	}
	shares := SharesFor(amount, price)
	yesPrice := float64(price) / 100
	if o.Side == domain.SideNo {
		yesPrice = 1 - yesPrice
	}

	if _, err := saga.Debit(ctx, "maker:"+o.ID, o.UserID, amount, domain.ReasonMatch, market.ID); err != nil {
		return Fill{}, err
	}
	f := Fill{OrderID: o.ID, CounterpartyID: o.UserID, Amount: amount, Shares: shares}

	if _, err := saga.Debit(ctx, "taker:"+o.ID, t.UserID, amount, domain.ReasonMatch, market.ID); err != nil {
		return f, err
	}
	if _, err := saga.FillOrder(ctx, "fill:"+o.ID, domain.OrderFill{
		OrderID:      o.ID,
		ExpectFilled: o.FilledAmount,
		Amount:       amount,
	}); err != nil {
		return f, err
	}
	if _, err := saga.ApplyPosition(ctx, "pos:maker:"+o.ID, o.UserID, market.ID, o.Side, shares); err != nil {
		return f, err
	}
	if _, err := saga.ApplyPosition(ctx, "pos:taker:"+o.ID, t.UserID, market.ID, t.Side, shares); err != nil {
		return f, err
	}
	for _, leg := range []struct {
		user string
		side domain.Side
		tag  string
	}{{o.UserID, o.Side, "maker"}, {t.UserID, t.Side, "taker"}} {
		err := saga.RecordBet(ctx, domain.Bet{
			ID:       saga.Key("bet", leg.tag, o.ID),
			UserID:   leg.user,
			MarketID: market.ID,
			Side:     leg.side,
			Type:     domain.BetTypeMatch,
			Amount:   amount,
			Shares:   shares,
			YesPrice: yesPrice,
			OrderID:  o.ID,
		})
		if err != nil {
			return f, err
		}
	}
	updated, err := saga.UpdatePool(ctx, "collateral:"+o.ID, domain.PoolUpdate{
		MarketID:        market.ID,
		FromVersion:     market.Version,
		YesPool:         market.YesPool,
		NoPool:          market.NoPool,
		CollateralDelta: 2 * amount,
	})
	if err != nil {
		return f, err
	}
	*market = updated
	return f, nil
}
