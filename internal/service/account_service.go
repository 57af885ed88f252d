package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/playmarket/internal/amm"
	"github.com/alanyoungcy/playmarket/internal/domain"
)

// PositionView is a holding valued at the market's current prices.
type PositionView struct {
	domain.Position
	Title     string  `json:"title"`
	Resolved  bool    `json:"resolved"`
	MarkValue float64 `json:"mark_value"`
}

// AccountView is what a user sees of their own account.
type AccountView struct {
	UserID        string         `json:"user_id"`
	Balance       int64          `json:"balance"`
	Positions     []PositionView `json:"positions"`
	PendingOrders []domain.Order `json:"pending_orders"`
}

// AccountService serves read-only views of a user's money and holdings.
type AccountService struct {
	d      Deps
	cfg    Config
	logger *slog.Logger
}

// NewAccountService creates an AccountService.
func NewAccountService(d Deps, cfg Config, logger *slog.Logger) *AccountService {
	return &AccountService{
		d:      d,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "account_service")),
	}
}

// Me returns the caller's balance, positions and pending orders. The first
// call grants the starting balance.
func (s *AccountService) Me(ctx context.Context, id domain.Identity) (AccountView, error) {
	if id.UserID == "" {
		return AccountView{}, domain.ErrUnauthorized
	}
	acct, err := s.d.Ledger.Ensure(ctx, id.UserID)
	if err != nil {
		return AccountView{}, err
	}
	view := AccountView{UserID: id.UserID, Balance: acct.Balance, Positions: []PositionView{}, PendingOrders: []domain.Order{}}

	positions, err := s.d.Positions.ListByUser(ctx, id.UserID)
	if err != nil {
		return AccountView{}, err
	}
	for _, p := range positions {
		if p.YesShares <= domain.ShareEpsilon && p.NoShares <= domain.ShareEpsilon {
			continue
		}
		m, err := s.d.Stores.Markets.GetByID(ctx, p.MarketID)
		if err != nil {
			return AccountView{}, fmt.Errorf("account_service: market %s: %w", p.MarketID, err)
		}
		view.Positions = append(view.Positions, PositionView{
			Position:  p,
			Title:     m.Title,
			Resolved:  m.Resolved,
			MarkValue: s.markValue(m, p),
		})
	}

	orders, err := s.d.Stores.Orders.ListByUser(ctx, id.UserID, domain.ListOpts{})
	if err != nil {
		return AccountView{}, fmt.Errorf("account_service: orders: %w", err)
	}
	for _, o := range orders {
		if o.Status == domain.OrderStatusPending {
			view.PendingOrders = append(view.PendingOrders, o)
		}
	}
	return view, nil
}

// History returns the caller's trade records, newest first.
func (s *AccountService) History(ctx context.Context, id domain.Identity, opts domain.ListOpts) ([]domain.Bet, error) {
	if id.UserID == "" {
		return nil, domain.ErrUnauthorized
	}
	bets, err := s.d.Stores.Bets.ListByUser(ctx, id.UserID, opts)
	if err != nil {
		return nil, fmt.Errorf("account_service: history: %w", err)
	}
	return bets, nil
}

// Ledger returns the caller's balance movements, newest first.
func (s *AccountService) Ledger(ctx context.Context, id domain.Identity, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	if id.UserID == "" {
		return nil, domain.ErrUnauthorized
	}
	return s.d.Ledger.History(ctx, id.UserID, opts)
}

// markValue is the cents a position is worth: its payout once resolved,
// otherwise shares at the current price.
func (s *AccountService) markValue(m domain.Market, p domain.Position) float64 {
	if m.Resolved {
		return p.Shares(m.Outcome)
	}
	pool := amm.Pool{Yes: m.YesPool, No: m.NoPool}.Effective(s.cfg.InitialLiquidity)
	return p.YesShares*pool.YesPrice() + p.NoShares*pool.NoPrice()
}
