package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// LedgerStep moves Amount cents (negative for a debit) under Key.
type LedgerStep struct {
	Key    string `json:"key"`
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
	Ref    string `json:"ref,omitempty"`

	Entry domain.LedgerEntry `json:"-"`
	e     *Executor
}

func (st *LedgerStep) Kind() string { return domain.StepLedger }

func (st *LedgerStep) Do(ctx context.Context) error {
	var err error
	if st.Amount < 0 {
		st.Entry, err = st.e.ledger.Debit(ctx, st.Key, st.UserID, -st.Amount, st.Reason, st.Ref)
	} else {
		st.Entry, err = st.e.ledger.Credit(ctx, st.Key, st.UserID, st.Amount, st.Reason, st.Ref)
	}
	return err
}

func (st *LedgerStep) Undo(ctx context.Context) error { return st.e.ledger.Reverse(ctx, st.Key) }

// PoolStep writes new reserves with a version compare-and-swap.
type PoolStep struct {
	Update domain.PoolUpdate `json:"update"`

	Market domain.Market `json:"-"`
	e      *Executor
}

func (st *PoolStep) Kind() string { return domain.StepPool }

func (st *PoolStep) Do(ctx context.Context) error {
	m, err := st.e.markets.UpdatePool(ctx, st.Update)
	st.Market = m
	return err
}

func (st *PoolStep) Undo(ctx context.Context) error {
	return st.e.markets.RevertPool(ctx, st.Update.ID)
}

// PositionStep changes one side of a position by Delta shares.
type PositionStep struct {
	OpID     string      `json:"op_id"`
	UserID   string      `json:"user_id"`
	MarketID string      `json:"market_id"`
	Side     domain.Side `json:"side"`
	Delta    float64     `json:"delta"`

	Position domain.Position `json:"-"`
	e        *Executor
}

func (st *PositionStep) Kind() string { return domain.StepPosition }

func (st *PositionStep) Do(ctx context.Context) error {
	p, err := st.e.positions.ApplyTrade(ctx, st.OpID, st.UserID, st.MarketID, st.Side, st.Delta)
	st.Position = p
	return err
}

func (st *PositionStep) Undo(ctx context.Context) error { return st.e.positions.Revert(ctx, st.OpID) }

// BetStep appends a trade record.
type BetStep struct {
	Bet domain.Bet `json:"bet"`
	e   *Executor
}

func (st *BetStep) Kind() string { return domain.StepBet }

func (st *BetStep) Do(ctx context.Context) error { return st.e.bets.Insert(ctx, st.Bet) }

func (st *BetStep) Undo(ctx context.Context) error { return st.e.bets.Delete(ctx, st.Bet.ID) }

// OrderFillStep fills part of a resting order with a compare-and-swap on its
// filled amount.
type OrderFillStep struct {
	Fill domain.OrderFill `json:"fill"`

	Order domain.Order `json:"-"`
	e     *Executor
}

func (st *OrderFillStep) Kind() string { return domain.StepOrderFill }

func (st *OrderFillStep) Do(ctx context.Context) error {
	o, err := st.e.orders.Fill(ctx, st.Fill)
	st.Order = o
	return err
}

func (st *OrderFillStep) Undo(ctx context.Context) error { return st.e.orders.Unfill(ctx, st.Fill.ID) }

// Debit runs a journaled debit keyed by name within the saga.
func (s *Saga) Debit(ctx context.Context, name, userID string, cents int64, reason, ref string) (domain.LedgerEntry, error) {
	st := &LedgerStep{Key: s.Key(name), UserID: userID, Amount: -cents, Reason: reason, Ref: ref, e: s.exec}
	err := s.Run(ctx, st)
	return st.Entry, err
}

// Credit runs a journaled credit keyed by name within the saga.
func (s *Saga) Credit(ctx context.Context, name, userID string, cents int64, reason, ref string) (domain.LedgerEntry, error) {
	st := &LedgerStep{Key: s.Key(name), UserID: userID, Amount: cents, Reason: reason, Ref: ref, e: s.exec}
	err := s.Run(ctx, st)
	return st.Entry, err
}

// UpdatePool runs a journaled pool compare-and-swap keyed by name.
func (s *Saga) UpdatePool(ctx context.Context, name string, u domain.PoolUpdate) (domain.Market, error) {
	u.ID = s.Key(name)
	st := &PoolStep{Update: u, e: s.exec}
	err := s.Run(ctx, st)
	return st.Market, err
}

// ApplyPosition runs a journaled position change keyed by name.
func (s *Saga) ApplyPosition(ctx context.Context, name, userID, marketID string, side domain.Side, delta float64) (domain.Position, error) {
	st := &PositionStep{OpID: s.Key(name), UserID: userID, MarketID: marketID, Side: side, Delta: delta, e: s.exec}
	err := s.Run(ctx, st)
	return st.Position, err
}

// RecordBet runs a journaled trade-record insert.
func (s *Saga) RecordBet(ctx context.Context, b domain.Bet) error {
	return s.Run(ctx, &BetStep{Bet: b, e: s.exec})
}

// FillOrder runs a journaled order fill keyed by name.
func (s *Saga) FillOrder(ctx context.Context, name string, f domain.OrderFill) (domain.Order, error) {
	f.ID = s.Key(name)
	st := &OrderFillStep{Fill: f, e: s.exec}
	err := s.Run(ctx, st)
	return st.Order, err
}

// decodeStep rebuilds a journaled step bound to e.
func (e *Executor) decodeStep(rec domain.SagaStep) (Step, error) {
	var st Step
	switch rec.Kind {
	case domain.StepLedger:
		st = &LedgerStep{e: e}
	case domain.StepPool:
		st = &PoolStep{e: e}
	case domain.StepPosition:
		st = &PositionStep{e: e}
	case domain.StepBet:
		st = &BetStep{e: e}
	case domain.StepOrderFill:
		st = &OrderFillStep{e: e}
	default:
		return nil, fmt.Errorf("executor: unknown step kind %q", rec.Kind)
	}
	if err := json.Unmarshal(rec.Payload, st); err != nil {
		return nil, fmt.Errorf("executor: decode %s step %d: %w", rec.Kind, rec.Seq, err)
	}
	return st, nil
}
