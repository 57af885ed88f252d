package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/playmarket/internal/amm"
	"github.com/alanyoungcy/playmarket/internal/domain"
	"github.com/alanyoungcy/playmarket/internal/report"
	"github.com/alanyoungcy/playmarket/internal/server"
	"github.com/alanyoungcy/playmarket/internal/server/handler"
	"github.com/alanyoungcy/playmarket/internal/server/ws"
)

const dedupSweepInterval = time.Minute

// ServerMode runs the HTTP API, the websocket hub, the recovery worker and
// the idempotency sweeper until ctx is cancelled.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "server mode: starting")

	g, ctx := errgroup.WithContext(ctx)

	hub := ws.NewHub(deps.Bus, a.logger)
	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("server mode: %w", err)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		JWTSecret:   a.cfg.Auth.JWTSecret,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:   handler.NewHealthHandler(deps.Pingers, a.logger),
		Markets:  handler.NewMarketHandler(deps.Markets, deps.Trades, a.logger),
		Orders:   handler.NewOrderHandler(deps.Orders, a.logger),
		Accounts: handler.NewAccountHandler(deps.Accounts, a.logger),
	}, server.Extras{
		Hub:     hub,
		Metrics: deps.Metrics,
		Limiter: deps.Limiter,
	}, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	g.Go(func() error {
		return deps.Recovery.Run(ctx, a.cfg.Recovery.Interval.Duration)
	})
	g.Go(func() error {
		return deps.Dedup.Run(ctx, dedupSweepInterval)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server mode: %w", err)
	}
	a.logger.Info("server mode: stopped")
	return nil
}

// RecoverMode runs a single recovery pass and exits.
func (a *App) RecoverMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "recover mode: starting")
	if err := deps.Recovery.RunOnce(ctx); err != nil {
		return fmt.Errorf("recover mode: %w", err)
	}
	a.logger.InfoContext(ctx, "recover mode: done")
	return nil
}

// ArchiveMode archives every market resolved before the retention cutoff.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return errors.New("archive mode: s3 is not enabled")
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)
	a.logger.InfoContext(ctx, "archive mode: starting", slog.Time("before", cutoff))

	n, err := deps.Archiver.ArchiveResolvedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	a.logger.InfoContext(ctx, "archive mode: done", slog.Int64("markets", n))
	return nil
}

// ReportMode prints the market table to stdout.
func (a *App) ReportMode(ctx context.Context, deps *Dependencies) error {
	return a.writeReport(ctx, deps.Stores, os.Stdout)
}

func (a *App) writeReport(ctx context.Context, stores domain.Stores, w io.Writer) error {
	floor := a.cfg.Market.InitialLiquidity
	if floor <= 0 {
		floor = amm.DefaultLiquidity
	}
	rows, sum, err := report.NewBuilder(stores, floor).Build(ctx, domain.MarketFilter{})
	if err != nil {
		return fmt.Errorf("report mode: %w", err)
	}
	return report.Render(w, rows, sum, time.Now().UTC())
}
