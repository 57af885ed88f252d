package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/playmarket/internal/domain"
	"github.com/alanyoungcy/playmarket/internal/service"
	"github.com/alanyoungcy/playmarket/internal/settlement"
)

// MarketService defines the methods that the market handler requires from the
// service layer. It is declared locally so the handler package does not depend
// on the concrete service implementation.
type MarketService interface {
	Create(ctx context.Context, id domain.Identity, req service.CreateMarketRequest) (service.MarketView, error)
	Get(ctx context.Context, marketID string) (service.MarketView, error)
	List(ctx context.Context, filter domain.MarketFilter, opts domain.ListOpts) ([]service.MarketView, error)
	Quote(ctx context.Context, marketID string, action domain.BetType, side domain.Side, amount float64) (service.Quote, error)
	PriceHistory(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.PricePoint, error)
	Bets(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Bet, error)
	Resolve(ctx context.Context, id domain.Identity, marketID string, outcome domain.Side) (settlement.Result, error)
}

// TradeService executes AMM trades and FIFO bets.
type TradeService interface {
	Trade(ctx context.Context, id domain.Identity, req service.TradeRequest) (service.TradeResult, error)
	Bet(ctx context.Context, id domain.Identity, req service.BetRequest) (service.BetResult, error)
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	markets MarketService
	trades  TradeService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given services and logger.
func NewMarketHandler(markets MarketService, trades TradeService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		trades:  trades,
		logger:  logHandler(logger, "market"),
	}
}

type listMarketsResponse struct {
	Markets []service.MarketView `json:"markets"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
}

// ListMarkets returns markets with pagination.
// GET /api/markets?channel_id=&resolved=&limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	filter := domain.MarketFilter{ChannelID: strings.TrimSpace(r.URL.Query().Get("channel_id"))}
	if v := r.URL.Query().Get("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, h.logger, domain.Invalid("resolved must be true or false"))
			return
		}
		filter.Resolved = &b
	}

	markets, err := h.markets.List(r.Context(), filter, opts)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if markets == nil {
		markets = []service.MarketView{}
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{Markets: markets, Limit: opts.Limit, Offset: opts.Offset})
}

type createMarketBody struct {
	ChannelID              string     `json:"channel_id" validate:"required"`
	Title                  string     `json:"title" validate:"required,max=300"`
	Description            string     `json:"description"`
	Rules                  string     `json:"rules"`
	ResolutionSource       string     `json:"resolution_source"`
	Mode                   string     `json:"mode" validate:"omitempty,oneof=amm orderbook"`
	CloseTime              *time.Time `json:"close_time"`
	ExpectedResolutionTime *time.Time `json:"expected_resolution_time"`
}

// CreateMarket opens a new market. Admin only.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var body createMarketBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	mode, err := domain.ParseMarketMode(body.Mode)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	view, err := h.markets.Create(r.Context(), id, service.CreateMarketRequest{
		ChannelID:              body.ChannelID,
		Title:                  body.Title,
		Description:            body.Description,
		Rules:                  body.Rules,
		ResolutionSource:       body.ResolutionSource,
		Mode:                   mode,
		CloseTime:              body.CloseTime,
		ExpectedResolutionTime: body.ExpectedResolutionTime,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// GetMarket returns a single market with its current prices.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	view, err := h.markets.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Quote previews a trade.
// GET /api/markets/{id}/quote?action=buy&side=YES&amount=500
func (h *MarketHandler) Quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	action := domain.BetTypeBuy
	if v := q.Get("action"); v != "" {
		a, err := domain.ParseAction(v)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		action = a
	}
	side, err := domain.ParseSide(q.Get("side"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	amount, err := strconv.ParseFloat(q.Get("amount"), 64)
	if err != nil || amount <= 0 {
		writeError(w, r, h.logger, domain.ErrInvalidAmount)
		return
	}

	quote, err := h.markets.Quote(r.Context(), r.PathValue("id"), action, side, amount)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// History returns the market's YES price series.
// GET /api/markets/{id}/history
func (h *MarketHandler) History(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, h.logger, domain.Invalid("since must be an RFC 3339 timestamp"))
			return
		}
		opts.Since = &t
	}
	points, err := h.markets.PriceHistory(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if points == nil {
		points = []domain.PricePoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"market_id": r.PathValue("id"), "points": points})
}

// Bets returns the trade records of a market.
// GET /api/markets/{id}/bets
func (h *MarketHandler) Bets(w http.ResponseWriter, r *http.Request) {
	bets, err := h.markets.Bets(r.Context(), r.PathValue("id"), parseListOpts(r))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if bets == nil {
		bets = []domain.Bet{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bets": bets})
}

type tradeBody struct {
	Action         string  `json:"action" validate:"required"`
	Side           string  `json:"side" validate:"required"`
	Amount         float64 `json:"amount" validate:"gt=0"`
	IdempotencyKey string  `json:"idempotency_key"`
}

// Trade executes an AMM buy or sell. Amount is cents for a buy and shares
// for a sell.
// POST /api/markets/{id}/trade
func (h *MarketHandler) Trade(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var body tradeBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	action, err := domain.ParseAction(body.Action)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	side, err := domain.ParseSide(body.Side)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	res, err := h.trades.Trade(r.Context(), id, service.TradeRequest{
		MarketID:       r.PathValue("id"),
		Action:         action,
		Side:           side,
		Amount:         body.Amount,
		IdempotencyKey: idempotencyKey(r, body.IdempotencyKey),
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type betBody struct {
	Side           string          `json:"side" validate:"required"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Bet places a FIFO bet of amount dollars.
// POST /api/markets/{id}/bet
func (h *MarketHandler) Bet(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var body betBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	side, err := domain.ParseSide(body.Side)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	res, err := h.trades.Bet(r.Context(), id, service.BetRequest{
		MarketID:       r.PathValue("id"),
		Side:           side,
		Amount:         body.Amount,
		IdempotencyKey: idempotencyKey(r, body.IdempotencyKey),
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type resolveBody struct {
	Outcome string `json:"outcome" validate:"required"`
}

// Resolve fixes a market's outcome and pays the winners. Admin only.
// POST /api/markets/{id}/resolve
func (h *MarketHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var body resolveBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	outcome, err := domain.ParseSide(body.Outcome)
	if err != nil {
		writeError(w, r, h.logger, domain.ErrInvalidOutcome)
		return
	}

	res, err := h.markets.Resolve(r.Context(), id, r.PathValue("id"), outcome)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "handler: market resolved",
		slog.String("market_id", res.MarketID),
		slog.String("outcome", string(res.Outcome)),
		slog.Int64("total_paid", res.TotalPaid),
	)
	writeJSON(w, http.StatusOK, res)
}
