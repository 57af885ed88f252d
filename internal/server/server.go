package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/playmarket/internal/domain"
	"github.com/alanyoungcy/playmarket/internal/metrics"
	"github.com/alanyoungcy/playmarket/internal/server/handler"
	"github.com/alanyoungcy/playmarket/internal/server/middleware"
	"github.com/alanyoungcy/playmarket/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	JWTSecret   string
	RateLimit   int
	RateWindow  time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health   *handler.HealthHandler
	Markets  *handler.MarketHandler
	Orders   *handler.OrderHandler
	Accounts *handler.AccountHandler
}

// Extras are the optional collaborators of the server. Nil fields disable
// the corresponding route or middleware.
type Extras struct {
	Hub     *ws.Hub
	Metrics *metrics.Metrics
	Limiter domain.RateLimiter
}

// Server is the HTTP + WebSocket API of the market engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
func NewServer(cfg Config, handlers Handlers, extras Extras, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, extras, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed and middleware-wrapped handler. It is exposed
// for tests that serve it with httptest.
func NewHandler(cfg Config, handlers Handlers, extras Extras, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if extras.Metrics != nil {
		mux.Handle("GET /metrics", extras.Metrics.Handler())
	}
	if extras.Hub != nil {
		mux.HandleFunc("GET /ws", extras.Hub.HandleWS)
	}

	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("POST /api/markets", handlers.Markets.CreateMarket)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/quote", handlers.Markets.Quote)
	mux.HandleFunc("GET /api/markets/{id}/history", handlers.Markets.History)
	mux.HandleFunc("GET /api/markets/{id}/bets", handlers.Markets.Bets)
	mux.HandleFunc("POST /api/markets/{id}/trade", handlers.Markets.Trade)
	mux.HandleFunc("POST /api/markets/{id}/bet", handlers.Markets.Bet)
	mux.HandleFunc("POST /api/markets/{id}/resolve", handlers.Markets.Resolve)

	mux.HandleFunc("GET /api/orders", handlers.Orders.ListOrders)
	mux.HandleFunc("DELETE /api/orders/{id}", handlers.Orders.CancelOrder)

	mux.HandleFunc("GET /api/me", handlers.Accounts.Me)
	mux.HandleFunc("GET /api/me/bets", handlers.Accounts.Bets)
	mux.HandleFunc("GET /api/me/ledger", handlers.Accounts.Ledger)

	// Outermost first: CORS, logging, metrics, rate limit, identify.
	var h http.Handler = mux
	h = middleware.Identify([]byte(cfg.JWTSecret))(h)
	h = middleware.RateLimit(extras.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	h = middleware.Metrics(extras.Metrics, mux)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
