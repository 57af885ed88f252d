package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/playmarket/internal/amm"
	"github.com/alanyoungcy/playmarket/internal/domain"
	"github.com/alanyoungcy/playmarket/internal/settlement"
)

// CreateMarketRequest carries the fields an admin supplies for a new market.
type CreateMarketRequest struct {
	ChannelID              string
	Title                  string
	Description            string
	Rules                  string
	ResolutionSource       string
	Mode                   domain.MarketMode
	CloseTime              *time.Time
	ExpectedResolutionTime *time.Time
}

// MarketView is a market with its current prices.
type MarketView struct {
	domain.Market
	YesPrice float64 `json:"yes_price"`
	NoPrice  float64 `json:"no_price"`
}

// Quote previews the economics of a trade without executing it.
type Quote struct {
	MarketID    string         `json:"market_id"`
	Action      domain.BetType `json:"action"`
	Side        domain.Side    `json:"side"`
	Amount      float64        `json:"amount"`
	Shares      float64        `json:"shares"`
	Cost        int64          `json:"cost"`
	AvgPrice    float64        `json:"avg_price"`
	PriceBefore float64        `json:"price_before"`
	PriceAfter  float64        `json:"price_after"`
}

// MarketService creates, reads and resolves markets.
type MarketService struct {
	d      Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewMarketService creates a MarketService.
func NewMarketService(d Deps, cfg Config, logger *slog.Logger) *MarketService {
	return &MarketService{
		d:      d,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "market_service")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create opens a new market. Only admins may create markets.
func (s *MarketService) Create(ctx context.Context, id domain.Identity, req CreateMarketRequest) (MarketView, error) {
	if !id.IsAdmin() {
		return MarketView{}, domain.Detail(domain.ErrForbidden, "Admin only")
	}
	req.ChannelID = strings.TrimSpace(req.ChannelID)
	req.Title = strings.TrimSpace(req.Title)
	if req.ChannelID == "" || req.Title == "" {
		return MarketView{}, domain.Invalid("channel id and title are required")
	}
	if req.CloseTime != nil && req.ExpectedResolutionTime != nil && req.ExpectedResolutionTime.Before(*req.CloseTime) {
		return MarketView{}, domain.Invalid("expected resolution time must be at or after close time")
	}
	mode := req.Mode
	if mode == "" {
		mode = s.cfg.DefaultMode
	}
	if mode != domain.MarketModeAMM && mode != domain.MarketModeOrderbook {
		return MarketView{}, domain.Invalid("mode must be amm or orderbook")
	}

	now := s.now()
	m := domain.Market{
		ID:                     uuid.NewString(),
		ChannelID:              req.ChannelID,
		Title:                  req.Title,
		Description:            req.Description,
		Rules:                  req.Rules,
		ResolutionSource:       req.ResolutionSource,
		Mode:                   mode,
		YesPool:                s.cfg.InitialLiquidity,
		NoPool:                 s.cfg.InitialLiquidity,
		CloseTime:              req.CloseTime,
		ExpectedResolutionTime: req.ExpectedResolutionTime,
		CreatedBy:              id.UserID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.d.Stores.Markets.Create(ctx, m); err != nil {
		return MarketView{}, fmt.Errorf("market_service: create: %w", err)
	}

	view := s.view(m)
	s.d.Publisher.Publish(ctx, domain.Event{Type: domain.EventMarketCreated, MarketID: m.ID, UserID: id.UserID, Data: view},
		"", domain.ChannelMarkets)
	auditLog(ctx, s.d.Stores.Audit, s.logger, domain.EventMarketCreated, map[string]any{
		"market_id":  m.ID,
		"channel_id": m.ChannelID,
		"mode":       string(m.Mode),
		"created_by": id.UserID,
	})
	s.logger.InfoContext(ctx, "market_service: market created",
		slog.String("market_id", m.ID),
		slog.String("title", m.Title),
		slog.String("mode", string(m.Mode)),
	)
	return view, nil
}

// Get returns a market with prices, reading through the cache when one is
// configured.
func (s *MarketService) Get(ctx context.Context, marketID string) (MarketView, error) {
	if s.d.Cache != nil {
		if m, err := s.d.Cache.Get(ctx, marketID); err == nil {
			return s.view(m), nil
		}
	}
	m, err := s.d.Stores.Markets.GetByID(ctx, marketID)
	if err != nil {
		return MarketView{}, fmt.Errorf("market_service: get %s: %w", marketID, err)
	}
	if s.d.Cache != nil {
		if err := s.d.Cache.Set(ctx, m); err != nil {
			s.logger.WarnContext(ctx, "market_service: cache set failed",
				slog.String("market_id", marketID),
				slog.String("error", err.Error()),
			)
		}
	}
	return s.view(m), nil
}

// List returns markets matching filter, newest first.
func (s *MarketService) List(ctx context.Context, filter domain.MarketFilter, opts domain.ListOpts) ([]MarketView, error) {
	ms, err := s.d.Stores.Markets.List(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list: %w", err)
	}
	out := make([]MarketView, 0, len(ms))
	for _, m := range ms {
		out = append(out, s.view(m))
	}
	return out, nil
}

// Quote prices a buy of amount cents or a sell of amount shares against the
// market's current pool.
func (s *MarketService) Quote(ctx context.Context, marketID string, action domain.BetType, side domain.Side, amount float64) (Quote, error) {
	m, err := s.d.Stores.Markets.GetByID(ctx, marketID)
	if err != nil {
		return Quote{}, fmt.Errorf("market_service: quote %s: %w", marketID, err)
	}
	if m.Mode != domain.MarketModeAMM {
		return Quote{}, domain.ErrWrongMarketMode
	}
	if !validAmount(amount) {
		return Quote{}, domain.ErrInvalidAmount
	}
	pool := s.pool(m)
	q := Quote{MarketID: m.ID, Action: action, Side: side, Amount: amount, PriceBefore: pool.Price(side)}

	var fill amm.Fill
	switch action {
	case domain.BetTypeBuy:
		if err = checkWholeCents(amount); err == nil {
			fill, err = amm.Buy(pool, side, int64(amount))
		}
	case domain.BetTypeSell:
		fill, err = amm.Sell(pool, side, amount)
	default:
		err = domain.ErrInvalidAction
	}
	if err != nil {
		return Quote{}, err
	}
	q.Shares = fill.Shares
	q.Cost = fill.Amount
	q.PriceAfter = fill.After.Price(side)
	if fill.Shares > 0 {
		q.AvgPrice = float64(fill.Amount) / fill.Shares
	}
	return q, nil
}

// PriceHistory returns the YES price series of a market, starting with the
// opening price.
func (s *MarketService) PriceHistory(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.PricePoint, error) {
	m, err := s.d.Stores.Markets.GetByID(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("market_service: history %s: %w", marketID, err)
	}
	bets, err := s.d.Stores.Bets.ListByMarket(ctx, marketID, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: history %s: %w", marketID, err)
	}
	opening := amm.Pool{Yes: s.cfg.InitialLiquidity, No: s.cfg.InitialLiquidity}.YesPrice()
	points := make([]domain.PricePoint, 0, len(bets)+1)
	points = append(points, domain.PricePoint{At: m.CreatedAt, YesPrice: opening})
	for _, b := range bets {
		points = append(points, domain.PricePoint{At: b.CreatedAt, YesPrice: b.YesPrice})
	}
	return points, nil
}

// Bets lists a market's trade records, oldest first.
func (s *MarketService) Bets(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Bet, error) {
	if _, err := s.d.Stores.Markets.GetByID(ctx, marketID); err != nil {
		return nil, fmt.Errorf("market_service: bets %s: %w", marketID, err)
	}
	bets, err := s.d.Stores.Bets.ListByMarket(ctx, marketID, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: bets %s: %w", marketID, err)
	}
	return bets, nil
}

// Resolve fixes the outcome of a market and pays its winners. Only admins
// may resolve, and a market resolves once.
func (s *MarketService) Resolve(ctx context.Context, id domain.Identity, marketID string, outcome domain.Side) (settlement.Result, error) {
	if !id.IsAdmin() {
		return settlement.Result{}, domain.Detail(domain.ErrForbidden, "Admin only")
	}
	if outcome != domain.SideYes && outcome != domain.SideNo {
		return settlement.Result{}, domain.ErrInvalidOutcome
	}
	unlock, err := acquire(ctx, s.d.Locks, s.cfg.LockTTL, s.cfg.LockWait, marketLock(marketID))
	if err != nil {
		return settlement.Result{}, err
	}
	defer unlock()

	m, err := s.d.Stores.Markets.GetByID(ctx, marketID)
	if err != nil {
		return settlement.Result{}, fmt.Errorf("market_service: resolve %s: %w", marketID, err)
	}
	if m.Resolved {
		return settlement.Result{}, domain.Detail(domain.ErrMarketResolved, "Already resolved")
	}

	// Trades interrupted on this market must be undone before their shares
	// can be paid out.
	n, err := s.d.Executor.RecoverMarket(ctx, marketID)
	s.d.Metrics.Recovered("saga", n)
	if err != nil {
		rollbackFailed(ctx, s.d, s.logger, "resolve", id.UserID, marketID, err)
		return settlement.Result{}, fmt.Errorf("market_service: resolve %s: compensate pending trades: %w", marketID, err)
	}
	if n > 0 {
		s.logger.WarnContext(ctx, "market_service: compensated interrupted trades before resolving",
			slog.String("market_id", marketID),
			slog.Int("sagas", n),
		)
	}

	res, err := s.d.Settlement.Resolve(ctx, marketID, outcome, id.UserID)
	if errors.Is(err, domain.ErrMarketResolved) {
		return settlement.Result{}, domain.Detail(domain.ErrMarketResolved, "Already resolved")
	}
	if err != nil {
		// The recovery worker resumes a market left resolved but unsettled.
		s.logger.ErrorContext(ctx, "market_service: settlement incomplete",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
		s.invalidate(ctx, marketID)
		return settlement.Result{}, err
	}
	s.afterSettle(ctx, res, id.UserID)
	return res, nil
}

// afterSettle publishes, audits and alerts on a settled market, then
// archives it when configured.
func (s *MarketService) afterSettle(ctx context.Context, res settlement.Result, by string) {
	s.invalidate(ctx, res.MarketID)
	s.d.Metrics.Settled(res.TotalPaid)
	s.d.Publisher.Publish(ctx, domain.Event{
		Type:     domain.EventMarketResolved,
		MarketID: res.MarketID,
		UserID:   by,
		Data:     res,
	}, "", domain.ChannelMarkets, domain.MarketChannel(res.MarketID))
	auditLog(ctx, s.d.Stores.Audit, s.logger, domain.EventMarketResolved, map[string]any{
		"market_id":        res.MarketID,
		"outcome":          string(res.Outcome),
		"resolved_by":      by,
		"winners":          len(res.Payouts),
		"total_paid":       res.TotalPaid,
		"cancelled_orders": res.CancelledOrders,
	})
	if s.d.Alerter != nil {
		msg := fmt.Sprintf("%q resolved %s: %d winners paid %s", res.Market.Title, res.Outcome, len(res.Payouts), formatCents(res.TotalPaid))
		if err := s.d.Alerter.Notify(ctx, domain.EventMarketResolved, "Market resolved", msg); err != nil {
			s.logger.WarnContext(ctx, "market_service: notify failed", slog.String("error", err.Error()))
		}
	}
	s.logger.InfoContext(ctx, "market_service: market resolved",
		slog.String("market_id", res.MarketID),
		slog.String("outcome", string(res.Outcome)),
		slog.Int64("total_paid", res.TotalPaid),
	)

	if s.cfg.ArchiveOnResolve && s.d.Archiver != nil {
		go func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			defer cancel()
			n, err := s.d.Archiver.ArchiveMarket(ctx, res.MarketID)
			if err != nil {
				s.logger.WarnContext(ctx, "market_service: archive failed",
					slog.String("market_id", res.MarketID),
					slog.String("error", err.Error()),
				)
				return
			}
			s.logger.InfoContext(ctx, "market_service: market archived",
				slog.String("market_id", res.MarketID),
				slog.Int64("bets", n),
			)
		}(context.WithoutCancel(ctx))
	}
}

func (s *MarketService) pool(m domain.Market) amm.Pool {
	return amm.Pool{Yes: m.YesPool, No: m.NoPool}.Effective(s.cfg.InitialLiquidity)
}

func (s *MarketService) view(m domain.Market) MarketView {
	p := s.pool(m)
	return MarketView{Market: m, YesPrice: p.YesPrice(), NoPrice: p.NoPrice()}
}

func (s *MarketService) invalidate(ctx context.Context, marketID string) {
	if s.d.Cache == nil {
		return
	}
	if err := s.d.Cache.Invalidate(ctx, marketID); err != nil {
		s.logger.WarnContext(ctx, "market_service: cache invalidate failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
}
