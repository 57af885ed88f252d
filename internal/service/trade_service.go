package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/playmarket/internal/amm"
	"github.com/alanyoungcy/playmarket/internal/domain"
	"github.com/alanyoungcy/playmarket/internal/executor"
	"github.com/alanyoungcy/playmarket/internal/matching"
)

// TradeRequest is an AMM buy or sell. Amount is cents for a buy and shares
// for a sell.
type TradeRequest struct {
	MarketID       string
	Action         domain.BetType
	Side           domain.Side
	Amount         float64
	IdempotencyKey string
}

// TradeResult reports a committed AMM trade. Cost is the cents paid on a buy
// or received on a sell.
type TradeResult struct {
	MarketID   string          `json:"market_id"`
	BetID      string          `json:"bet_id"`
	Action     domain.BetType  `json:"action"`
	Side       domain.Side     `json:"side"`
	Shares     float64         `json:"shares"`
	Cost       int64           `json:"cost"`
	NewBalance int64           `json:"new_balance"`
	Position   domain.Position `json:"position"`
	YesPrice   float64         `json:"yes_price"`
	NoPrice    float64         `json:"no_price"`
}

// BetRequest is a FIFO bet of Amount dollars.
type BetRequest struct {
	MarketID       string
	Side           domain.Side
	Amount         decimal.Decimal
	IdempotencyKey string
}

// BetResult reports a committed FIFO bet. Amounts are cents.
type BetResult struct {
	MarketID        string          `json:"market_id"`
	Side            domain.Side     `json:"side"`
	Filled          int64           `json:"filled"`
	Remaining       int64           `json:"remaining"`
	OrderID         string          `json:"order_id,omitempty"`
	Fills           []matching.Fill `json:"fills"`
	CancelledOrders []string        `json:"cancelled_orders,omitempty"`
	NewBalance      int64           `json:"new_balance"`
	Message         string          `json:"message"`
}

// TradeService is the transactional entry point for AMM trades and FIFO bets.
type TradeService struct {
	d      Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewTradeService creates a TradeService.
func NewTradeService(d Deps, cfg Config, logger *slog.Logger) *TradeService {
	return &TradeService{
		d:      d,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "trade_service")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Trade executes an AMM buy or sell all-or-nothing.
func (s *TradeService) Trade(ctx context.Context, id domain.Identity, req TradeRequest) (res TradeResult, err error) {
	defer func() { s.observeFailure(err) }()

	if err := s.validateTrade(id, req); err != nil {
		return TradeResult{}, err
	}
	if err := allow(ctx, s.d.Limiter, s.cfg, "trade:"+id.UserID, s.logger); err != nil {
		return TradeResult{}, err
	}
	release, err := s.claim(id, req.IdempotencyKey)
	if err != nil {
		return TradeResult{}, err
	}
	defer func() { release(err) }()

	unlock, err := acquire(ctx, s.d.Locks, s.cfg.LockTTL, s.cfg.LockWait, marketLock(req.MarketID), userLock(id.UserID))
	if err != nil {
		return TradeResult{}, err
	}
	defer unlock()

	m, err := s.d.Stores.Markets.GetByID(ctx, req.MarketID)
	if err != nil {
		return TradeResult{}, fmt.Errorf("trade_service: load market: %w", err)
	}
	if err := s.checkTradable(m, req.Action); err != nil {
		return TradeResult{}, err
	}
	account, err := s.d.Ledger.Ensure(ctx, id.UserID)
	if err != nil {
		return TradeResult{}, err
	}

	pool := amm.Pool{Yes: m.YesPool, No: m.NoPool}.Effective(s.cfg.InitialLiquidity)
	var fill amm.Fill
	if req.Action == domain.BetTypeBuy {
		cents := int64(req.Amount)
		if account.Balance < cents {
			return TradeResult{}, domain.ErrInsufficientFunds
		}
		if fill, err = amm.Buy(pool, req.Side, cents); err != nil {
			return TradeResult{}, err
		}
	} else {
		held, err := s.d.Positions.Get(ctx, id.UserID, m.ID)
		if err != nil {
			return TradeResult{}, err
		}
		shares := req.Amount
		have := held.Shares(req.Side)
		if shares > have+domain.ShareEpsilon {
			return TradeResult{}, domain.Detail(domain.ErrInsufficientShares,
				fmt.Sprintf("You only have %.2f %s shares", have, req.Side))
		}
		if shares > have {
			shares = have
		}
		if fill, err = amm.Sell(pool, req.Side, shares); err != nil {
			return TradeResult{}, err
		}
	}

	saga, err := s.d.Executor.Begin(ctx, "trade", id.UserID, m.ID)
	if err != nil {
		return TradeResult{}, err
	}
	res, err = s.applyTrade(ctx, saga, id, m, req, fill)
	if err != nil {
		return TradeResult{}, s.abort(ctx, saga, "trade", id.UserID, m.ID, err)
	}
	saga.Commit(ctx)

	s.afterTrade(ctx, id, res)
	return res, nil
}

func (s *TradeService) applyTrade(ctx context.Context, saga *executor.Saga, id domain.Identity, m domain.Market, req TradeRequest, fill amm.Fill) (TradeResult, error) {
	var (
		entry      domain.LedgerEntry
		err        error
		delta      = fill.Shares
		collateral = fill.Amount
	)
	if req.Action == domain.BetTypeBuy {
		entry, err = saga.Debit(ctx, "debit", id.UserID, fill.Amount, domain.ReasonTradeBuy, m.ID)
	} else {
		delta, collateral = -fill.Shares, -fill.Amount
		if fill.Amount > 0 {
			entry, err = saga.Credit(ctx, "credit", id.UserID, fill.Amount, domain.ReasonTradeSell, m.ID)
		} else {
			// A dust sale floors to nothing: the shares go back to the pool unpaid.
			entry.BalanceAfter, err = s.d.Ledger.Balance(ctx, id.UserID)
		}
	}
	if err != nil {
		return TradeResult{}, err
	}

	updated, err := saga.UpdatePool(ctx, "pool", domain.PoolUpdate{
		MarketID:        m.ID,
		FromVersion:     m.Version,
		YesPool:         fill.After.Yes,
		NoPool:          fill.After.No,
		CollateralDelta: collateral,
	})
	if err != nil {
		return TradeResult{}, err
	}

	pos, err := saga.ApplyPosition(ctx, "position", id.UserID, m.ID, req.Side, delta)
	if err != nil {
		return TradeResult{}, err
	}

	bet := domain.Bet{
		ID:       uuid.NewString(),
		UserID:   id.UserID,
		MarketID: m.ID,
		Side:     req.Side,
		Type:     req.Action,
		Amount:   fill.Amount,
		Shares:   fill.Shares,
		YesPrice: fill.After.YesPrice(),
	}
	if err := saga.RecordBet(ctx, bet); err != nil {
		return TradeResult{}, err
	}

	return TradeResult{
		MarketID:   updated.ID,
		BetID:      bet.ID,
		Action:     req.Action,
		Side:       req.Side,
		Shares:     fill.Shares,
		Cost:       fill.Amount,
		NewBalance: entry.BalanceAfter,
		Position:   pos,
		YesPrice:   fill.After.YesPrice(),
		NoPrice:    fill.After.NoPrice(),
	}, nil
}

func (s *TradeService) afterTrade(ctx context.Context, id domain.Identity, res TradeResult) {
	s.invalidate(ctx, res.MarketID)
	s.d.Metrics.TradeCommitted(string(domain.MarketModeAMM), string(res.Action), string(res.Side), res.Cost)
	s.d.Publisher.Publish(ctx, domain.Event{
		Type:     domain.EventTrade,
		MarketID: res.MarketID,
		UserID:   id.UserID,
		Data:     res,
	}, StreamBets, domain.ChannelBets, domain.MarketChannel(res.MarketID))
	auditLog(ctx, s.d.Stores.Audit, s.logger, domain.EventTrade, map[string]any{
		"market_id": res.MarketID,
		"user_id":   id.UserID,
		"action":    string(res.Action),
		"side":      string(res.Side),
		"shares":    res.Shares,
		"cost":      res.Cost,
	})
	s.logger.InfoContext(ctx, "trade_service: trade committed",
		slog.String("market_id", res.MarketID),
		slog.String("user_id", id.UserID),
		slog.String("action", string(res.Action)),
		slog.String("side", string(res.Side)),
		slog.Float64("shares", res.Shares),
		slog.Int64("cost", res.Cost),
	)
}

// Bet places a FIFO bet: it matches against resting opposite-side orders and
// rests the remainder.
func (s *TradeService) Bet(ctx context.Context, id domain.Identity, req BetRequest) (res BetResult, err error) {
	defer func() { s.observeFailure(err) }()

	if id.UserID == "" {
		return BetResult{}, domain.ErrUnauthorized
	}
	if id.IsAdmin() {
		return BetResult{}, domain.Detail(domain.ErrForbidden, "admins cannot place bets")
	}
	if req.Side != domain.SideYes && req.Side != domain.SideNo {
		return BetResult{}, domain.ErrInvalidSide
	}
	cents := req.Amount.Shift(2).Floor().IntPart()
	if !req.Amount.IsPositive() {
		return BetResult{}, domain.ErrInvalidAmount
	}
	if cents < s.cfg.MinBetCents {
		return BetResult{}, domain.Detail(domain.ErrBelowMinimum, "Minimum bet is "+formatCents(s.cfg.MinBetCents))
	}
	if err := allow(ctx, s.d.Limiter, s.cfg, "bet:"+id.UserID, s.logger); err != nil {
		return BetResult{}, err
	}
	release, err := s.claim(id, req.IdempotencyKey)
	if err != nil {
		return BetResult{}, err
	}
	defer func() { release(err) }()

	unlock, err := acquire(ctx, s.d.Locks, s.cfg.LockTTL, s.cfg.LockWait, marketLock(req.MarketID), userLock(id.UserID))
	if err != nil {
		return BetResult{}, err
	}
	defer unlock()

	m, err := s.d.Stores.Markets.GetByID(ctx, req.MarketID)
	if err != nil {
		return BetResult{}, fmt.Errorf("trade_service: load market: %w", err)
	}
	switch {
	case m.Mode != domain.MarketModeOrderbook:
		return BetResult{}, domain.ErrWrongMarketMode
	case m.Resolved:
		return BetResult{}, domain.ErrMarketResolved
	case m.Closed(s.now()):
		return BetResult{}, domain.ErrMarketClosed
	}
	if _, err := s.d.Ledger.Ensure(ctx, id.UserID); err != nil {
		return BetResult{}, err
	}

	saga, err := s.d.Executor.Begin(ctx, "bet", id.UserID, m.ID)
	if err != nil {
		return BetResult{}, err
	}
	match, err := s.d.Matching.Match(ctx, saga, m, matching.Taker{
		UserID:   id.UserID,
		MarketID: m.ID,
		Side:     req.Side,
		Amount:   cents,
	})
	if err != nil {
		return BetResult{}, s.abort(ctx, saga, "bet", id.UserID, m.ID, err)
	}
	saga.Commit(ctx)

	res = BetResult{
		MarketID:        m.ID,
		Side:            req.Side,
		Filled:          match.Filled,
		Remaining:       match.Remaining,
		Fills:           match.Fills,
		CancelledOrders: match.CancelledOrders,
		Message:         betMessage(req.Side, match.Filled, match.Remaining),
	}
	if match.RestingOrder != nil {
		res.OrderID = match.RestingOrder.ID
	}
	if bal, err := s.d.Ledger.Balance(ctx, id.UserID); err == nil {
		res.NewBalance = bal
	}

	s.afterBet(ctx, id, res)
	return res, nil
}

func (s *TradeService) afterBet(ctx context.Context, id domain.Identity, res BetResult) {
	s.invalidate(ctx, res.MarketID)
	if res.Filled > 0 {
		s.d.Metrics.TradeCommitted(string(domain.MarketModeOrderbook), string(domain.BetTypeMatch), string(res.Side), 2*res.Filled)
	}
	channels := []string{domain.ChannelBets, domain.MarketChannel(res.MarketID)}
	if res.OrderID != "" || len(res.CancelledOrders) > 0 {
		channels = append(channels, domain.ChannelOrders)
	}
	s.d.Publisher.Publish(ctx, domain.Event{
		Type:     domain.EventBet,
		MarketID: res.MarketID,
		UserID:   id.UserID,
		Data:     res,
	}, StreamBets, channels...)
	auditLog(ctx, s.d.Stores.Audit, s.logger, domain.EventBet, map[string]any{
		"market_id": res.MarketID,
		"user_id":   id.UserID,
		"side":      string(res.Side),
		"filled":    res.Filled,
		"remaining": res.Remaining,
		"order_id":  res.OrderID,
	})
	s.logger.InfoContext(ctx, "trade_service: bet committed",
		slog.String("market_id", res.MarketID),
		slog.String("user_id", id.UserID),
		slog.String("side", string(res.Side)),
		slog.Int64("filled", res.Filled),
		slog.Int64("remaining", res.Remaining),
	)
}

func (s *TradeService) validateTrade(id domain.Identity, req TradeRequest) error {
	if id.UserID == "" {
		return domain.ErrUnauthorized
	}
	if id.IsAdmin() {
		return domain.Detail(domain.ErrForbidden, "admins cannot trade")
	}
	if req.Side != domain.SideYes && req.Side != domain.SideNo {
		return domain.ErrInvalidSide
	}
	if req.Action != domain.BetTypeBuy && req.Action != domain.BetTypeSell {
		return domain.ErrInvalidAction
	}
	if !validAmount(req.Amount) {
		return domain.ErrInvalidAmount
	}
	if req.Action == domain.BetTypeBuy {
		if err := checkWholeCents(req.Amount); err != nil {
			return err
		}
		if int64(req.Amount) < s.cfg.MinBuyCents {
			return domain.Detail(domain.ErrBelowMinimum, "Minimum trade is "+formatCents(s.cfg.MinBuyCents))
		}
	}
	return nil
}

// maxAmount bounds trade amounts well inside int64 cents.
const maxAmount = float64(math.MaxInt64 / 2)

func validAmount(v float64) bool {
	return v > 0 && v <= maxAmount
}

func checkWholeCents(v float64) error {
	if v != math.Trunc(v) {
		return domain.Invalid("buy amount must be whole cents")
	}
	return nil
}

func (s *TradeService) checkTradable(m domain.Market, action domain.BetType) error {
	now := s.now()
	switch {
	case m.Mode != domain.MarketModeAMM:
		return domain.ErrWrongMarketMode
	case m.Resolved:
		return domain.ErrMarketResolved
	case action == domain.BetTypeBuy:
		if m.Closed(now) {
			return domain.ErrMarketClosed
		}
	case m.CloseTime != nil:
		if m.Closed(now) && !s.cfg.SellAfterClose {
			return domain.ErrMarketClosed
		}
		if !m.Closed(now) && s.cfg.SellCloseWindow > 0 && !now.Before(m.CloseTime.Add(-s.cfg.SellCloseWindow)) {
			return domain.Detail(domain.ErrMarketClosed, "sells are disabled this close to the market close")
		}
	}
	return nil
}

// claim reserves the request's idempotency key. The returned func releases
// the key again if the request failed without side effects.
func (s *TradeService) claim(id domain.Identity, key string) (func(error), error) {
	if key == "" || s.d.Dedup == nil {
		return func(error) {}, nil
	}
	full := id.UserID + ":" + key
	if !s.d.Dedup.Claim(full) {
		return nil, domain.ErrDuplicateRequest
	}
	return func(err error) {
		if err != nil && !errors.Is(err, domain.ErrRollbackFailed) {
			s.d.Dedup.Release(full)
		}
	}, nil
}

// abort compensates saga and translates cause for the caller. State
// conflicts surface as they are; anything else becomes ErrTradeFailed.
func (s *TradeService) abort(ctx context.Context, saga *executor.Saga, op, userID, marketID string, cause error) error {
	if cerr := saga.Compensate(ctx, cause); cerr != nil {
		rollbackFailed(ctx, s.d, s.logger, op, userID, marketID, cerr)
		return cerr
	}
	s.d.Metrics.Rollback(true)
	if domain.KindOf(cause) != domain.KindInternal {
		return cause
	}
	s.logger.ErrorContext(ctx, "trade_service: "+op+" failed and was rolled back",
		slog.String("market_id", marketID),
		slog.String("user_id", userID),
		slog.String("error", cause.Error()),
	)
	return fmt.Errorf("%w: %w", domain.ErrTradeFailed, cause)
}

func (s *TradeService) invalidate(ctx context.Context, marketID string) {
	if s.d.Cache == nil {
		return
	}
	if err := s.d.Cache.Invalidate(ctx, marketID); err != nil {
		s.logger.WarnContext(ctx, "trade_service: cache invalidate failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *TradeService) observeFailure(err error) {
	if err != nil {
		s.d.Metrics.TradeFailed(string(domain.KindOf(err)))
	}
}

func betMessage(side domain.Side, filled, remaining int64) string {
	switch {
	case filled > 0 && remaining > 0:
		return fmt.Sprintf("%s matched on %s, %s waiting for a counterparty", formatCents(filled), side, formatCents(remaining))
	case filled > 0:
		return fmt.Sprintf("Bet placed: %s on %s", formatCents(filled), side)
	default:
		return fmt.Sprintf("%s on %s, waiting for a counterparty", formatCents(remaining), side)
	}
}

func formatCents(cents int64) string {
	return "$" + decimal.New(cents, -2).StringFixed(2)
}
