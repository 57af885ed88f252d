package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachemem "github.com/alanyoungcy/playmarket/internal/cache/memory"
	"github.com/alanyoungcy/playmarket/internal/domain"
	"github.com/alanyoungcy/playmarket/internal/executor"
	"github.com/alanyoungcy/playmarket/internal/ledger"
	"github.com/alanyoungcy/playmarket/internal/matching"
	"github.com/alanyoungcy/playmarket/internal/metrics"
	"github.com/alanyoungcy/playmarket/internal/position"
	"github.com/alanyoungcy/playmarket/internal/server"
	"github.com/alanyoungcy/playmarket/internal/server/handler"
	"github.com/alanyoungcy/playmarket/internal/server/middleware"
	"github.com/alanyoungcy/playmarket/internal/service"
	"github.com/alanyoungcy/playmarket/internal/settlement"
	"github.com/alanyoungcy/playmarket/internal/store/memory"
)

const secret = "test-secret"

var (
	admin = domain.Identity{UserID: "admin", Role: domain.RoleAdmin}
	alice = domain.Identity{UserID: "alice", Role: domain.RoleMember}
	bob   = domain.Identity{UserID: "bob", Role: domain.RoleMember}
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type api struct {
	t   *testing.T
	srv *httptest.Server
}

func newAPI(t *testing.T, checks map[string]handler.Pinger) *api {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stores := memory.New()
	l := ledger.New(stores.Ledger, 10000)
	pos := position.NewTracker(stores.Positions)
	d := service.Deps{
		Stores:    stores,
		Ledger:    l,
		Positions: pos,
		Executor: executor.New(executor.Deps{
			Ledger: l, Positions: pos, Markets: stores.Markets,
			Orders: stores.Orders, Bets: stores.Bets, Journal: stores.Sagas,
		}, logger),
		Matching:   matching.NewEngine(stores.Orders, l, matching.DefaultOrderPrice, logger),
		Settlement: settlement.NewEngine(stores.Markets, stores.Orders, l, pos, logger),
		Locks:      cachemem.NewLockManager(),
		Limiter:    cachemem.NewRateLimiter(),
		Publisher:  service.NewPublisher(cachemem.NewSignalBus(100), nil, logger),
		Metrics:    metrics.New(),
		Dedup:      executor.NewDedup(time.Minute),
	}
	t.Cleanup(d.Publisher.Wait)

	cfg := service.DefaultConfig()
	cfg.RateLimit = 0
	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(checks, logger),
		Markets:  handler.NewMarketHandler(service.NewMarketService(d, cfg, logger), service.NewTradeService(d, cfg, logger), logger),
		Orders:   handler.NewOrderHandler(service.NewOrderService(d, cfg, logger), logger),
		Accounts: handler.NewAccountHandler(service.NewAccountService(d, cfg, logger), logger),
	}
	h := server.NewHandler(server.Config{JWTSecret: secret}, handlers, server.Extras{Metrics: d.Metrics}, logger)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &api{t: t, srv: srv}
}

// do sends a request as who (nil for anonymous) and decodes the JSON answer
// into out when out is non-nil.
func (a *api) do(method, path string, who *domain.Identity, body string, out any) int {
	a.t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rdr)
	require.NoError(a.t, err)
	req.Header.Set("Content-Type", "application/json")
	if who != nil {
		tok, err := middleware.SignToken([]byte(secret), *who, time.Hour)
		require.NoError(a.t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(a.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type errBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (a *api) createMarket(mode string) string {
	a.t.Helper()
	var m struct {
		ID       string  `json:"id"`
		YesPrice float64 `json:"yes_price"`
	}
	code := a.do(http.MethodPost, "/api/markets", &admin,
		`{"channel_id":"general","title":"Will it rain?","mode":"`+mode+`"}`, &m)
	require.Equal(a.t, http.StatusCreated, code)
	require.NotEmpty(a.t, m.ID)
	assert.InDelta(a.t, 0.5, m.YesPrice, 1e-9)
	return m.ID
}

func TestHealth(t *testing.T) {
	a := newAPI(t, map[string]handler.Pinger{"store": pinger{}})
	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/api/health", nil, "", &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "up", body.Components["store"])

	a = newAPI(t, map[string]handler.Pinger{"redis": pinger{err: errors.New("refused")}})
	assert.Equal(t, http.StatusServiceUnavailable, a.do(http.MethodGet, "/api/health", nil, "", &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "down", body.Components["redis"])
}

func TestCreateMarketRequiresAdmin(t *testing.T) {
	a := newAPI(t, nil)
	body := `{"channel_id":"general","title":"Q"}`

	var e errBody
	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodPost, "/api/markets", nil, body, &e))
	assert.Equal(t, "unauthorized", e.Kind)

	assert.Equal(t, http.StatusForbidden, a.do(http.MethodPost, "/api/markets", &alice, body, &e))
	assert.Equal(t, "forbidden", e.Kind)

	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPost, "/api/markets", &admin, `{"title":"Q"}`, &e))
	assert.Equal(t, "validation", e.Kind)

	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPost, "/api/markets", &admin, `{not json`, &e))
}

func TestInvalidTokenIsRejected(t *testing.T) {
	a := newAPI(t, nil)
	req, err := http.NewRequest(http.MethodGet, a.srv.URL+"/api/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	forged, err := middleware.SignToken([]byte("other-secret"), admin, time.Hour)
	require.NoError(t, err)
	_, err = middleware.ParseToken([]byte(secret), forged)
	assert.Error(t, err)

	expired, err := middleware.SignToken([]byte(secret), alice, -time.Minute)
	require.NoError(t, err)
	_, err = middleware.ParseToken([]byte(secret), expired)
	assert.Error(t, err)
}

func TestTradeLifecycle(t *testing.T) {
	a := newAPI(t, nil)
	id := a.createMarket("amm")

	var res struct {
		Shares     float64 `json:"shares"`
		Cost       int64   `json:"cost"`
		NewBalance int64   `json:"new_balance"`
		YesPrice   float64 `json:"yes_price"`
	}
	code := a.do(http.MethodPost, "/api/markets/"+id+"/trade", &alice,
		`{"action":"buy","side":"YES","amount":500}`, &res)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(500), res.Cost)
	assert.Equal(t, int64(9500), res.NewBalance)
	assert.Greater(t, res.Shares, 0.0)
	assert.Greater(t, res.YesPrice, 0.5)

	var me service.AccountView
	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/api/me", &alice, "", &me))
	assert.Equal(t, int64(9500), me.Balance)
	require.Len(t, me.Positions, 1)
	assert.InDelta(t, res.Shares, me.Positions[0].YesShares, 1e-9)

	var bets struct {
		Bets []domain.Bet `json:"bets"`
	}
	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/api/markets/"+id+"/bets", nil, "", &bets))
	assert.Len(t, bets.Bets, 1)
	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/api/me/bets", &alice, "", &bets))
	assert.Len(t, bets.Bets, 1)

	var quote service.Quote
	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/api/markets/"+id+"/quote?side=NO&amount=200", nil, "", &quote))
	assert.Equal(t, int64(200), quote.Cost)
	assert.Greater(t, quote.Shares, 0.0)

	var e errBody
	assert.Equal(t, http.StatusForbidden, a.do(http.MethodPost, "/api/markets/"+id+"/resolve", &alice, `{"outcome":"YES"}`, &e))

	var settled settlement.Result
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/api/markets/"+id+"/resolve", &admin, `{"outcome":"YES"}`, &settled))
	assert.Equal(t, domain.SideYes, settled.Outcome)
	require.Len(t, settled.Payouts, 1)
	assert.Equal(t, "alice", settled.Payouts[0].UserID)

	assert.Equal(t, http.StatusConflict, a.do(http.MethodPost, "/api/markets/"+id+"/resolve", &admin, `{"outcome":"NO"}`, &e))
	assert.Equal(t, http.StatusConflict, a.do(http.MethodPost, "/api/markets/"+id+"/trade", &alice,
		`{"action":"buy","side":"YES","amount":500}`, &e))
	assert.Equal(t, "conflict", e.Kind)

	var entries struct {
		Entries []domain.LedgerEntry `json:"entries"`
	}
	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/api/me/ledger", &alice, "", &entries))
	assert.Len(t, entries.Entries, 3)
}

func TestTradeValidation(t *testing.T) {
	a := newAPI(t, nil)
	id := a.createMarket("amm")

	var e errBody
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPost, "/api/markets/"+id+"/trade", &alice,
		`{"action":"buy","side":"YES","amount":0}`, &e))
	assert.Equal(t, "validation", e.Kind)

	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPost, "/api/markets/"+id+"/trade", &alice,
		`{"action":"hold","side":"YES","amount":100}`, &e))

	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPost, "/api/markets/"+id+"/trade", &alice,
		`{"action":"buy","side":"MAYBE","amount":100}`, &e))
	assert.Equal(t, domain.ErrInvalidSide.Message, e.Error)

	assert.Equal(t, http.StatusConflict, a.do(http.MethodPost, "/api/markets/"+id+"/trade", &alice,
		`{"action":"buy","side":"YES","amount":20000}`, &e))
	assert.Equal(t, domain.ErrInsufficientFunds.Message, e.Error)

	assert.Equal(t, http.StatusNotFound, a.do(http.MethodPost, "/api/markets/missing/trade", &alice,
		`{"action":"buy","side":"YES","amount":100}`, &e))

	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/api/markets/missing", nil, "", &e))
	assert.Equal(t, "not_found", e.Kind)
}

func TestBetAndCancel(t *testing.T) {
	a := newAPI(t, nil)
	id := a.createMarket("orderbook")

	var res service.BetResult
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/api/markets/"+id+"/bet", &alice,
		`{"side":"YES","amount":"5"}`, &res))
	assert.Equal(t, int64(0), res.Filled)
	assert.Equal(t, int64(500), res.Remaining)
	require.NotEmpty(t, res.OrderID)

	var orders struct {
		Orders []domain.Order `json:"orders"`
	}
	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/api/orders", &alice, "", &orders))
	require.Len(t, orders.Orders, 1)

	var e errBody
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodDelete, "/api/orders/"+res.OrderID, &bob, "", &e))

	var cancelled domain.Order
	require.Equal(t, http.StatusOK, a.do(http.MethodDelete, "/api/orders/"+res.OrderID, &alice, "", &cancelled))
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)

	assert.Equal(t, http.StatusConflict, a.do(http.MethodDelete, "/api/orders/"+res.OrderID, &alice, "", &e))

	assert.Equal(t, http.StatusConflict, a.do(http.MethodPost, "/api/markets/"+id+"/trade", &alice,
		`{"action":"buy","side":"YES","amount":500}`, &e))
}

func TestListMarketsFilters(t *testing.T) {
	a := newAPI(t, nil)
	a.createMarket("amm")
	a.createMarket("orderbook")

	var list struct {
		Markets []service.MarketView `json:"markets"`
		Limit   int                  `json:"limit"`
	}
	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/api/markets?channel_id=general&resolved=false", nil, "", &list))
	assert.Len(t, list.Markets, 2)
	assert.Equal(t, 50, list.Limit)

	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/api/markets?channel_id=other", nil, "", &list))
	assert.Empty(t, list.Markets)

	var e errBody
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodGet, "/api/markets?resolved=maybe", nil, "", &e))
}

func TestCORSAndMetrics(t *testing.T) {
	a := newAPI(t, nil)
	id := a.createMarket("amm")
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/api/markets/"+id+"/trade", &alice,
		`{"action":"buy","side":"YES","amount":500}`, nil))

	req, err := http.NewRequest(http.MethodOptions, a.srv.URL+"/api/markets", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, err = http.Get(a.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "playmarket_trades_total")
	assert.Contains(t, string(raw), `route="POST /api/markets/{id}/trade"`)
}
