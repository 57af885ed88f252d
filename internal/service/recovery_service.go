package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// RecoveryService finishes work a crash left behind: sagas that never
// committed are compensated and resolved markets that were never settled are
// settled.
type RecoveryService struct {
	d        Deps
	staleAge time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewRecoveryService creates a RecoveryService. Sagas untouched for staleAge
// are treated as abandoned.
func NewRecoveryService(d Deps, staleAge time.Duration, logger *slog.Logger) *RecoveryService {
	return &RecoveryService{
		d:        d,
		staleAge: staleAge,
		logger:   logger.With(slog.String("component", "recovery")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce performs a single recovery sweep.
func (s *RecoveryService) RunOnce(ctx context.Context) error {
	var errs []error

	n, err := s.d.Executor.RecoverStale(ctx, s.now().Add(-s.staleAge))
	s.d.Metrics.Recovered("saga", n)
	if err != nil {
		errs = append(errs, err)
		s.alert(ctx, "Saga recovery failed", err)
	}

	markets, err := s.d.Stores.Markets.ListUnsettled(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("recovery: list unsettled: %w", err))
	}
	settled := 0
	for _, m := range markets {
		res, err := s.d.Settlement.Resume(ctx, m.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("recovery: settle %s: %w", m.ID, err))
			s.alert(ctx, "Settlement resume failed", err)
			continue
		}
		settled++
		if s.d.Cache != nil {
			_ = s.d.Cache.Invalidate(ctx, m.ID)
		}
		s.d.Metrics.Settled(res.TotalPaid)
		s.d.Publisher.Publish(ctx, domain.Event{Type: domain.EventMarketSettled, MarketID: m.ID, Data: res},
			"", domain.ChannelMarkets, domain.MarketChannel(m.ID))
		s.logger.InfoContext(ctx, "recovery: market settled",
			slog.String("market_id", m.ID),
			slog.Int64("total_paid", res.TotalPaid),
		)
	}
	s.d.Metrics.Recovered("settlement", settled)

	if n > 0 || settled > 0 {
		s.logger.InfoContext(ctx, "recovery: sweep complete",
			slog.Int("sagas", n),
			slog.Int("markets", settled),
		)
	}
	return errors.Join(errs...)
}

// Run sweeps every interval until ctx is cancelled.
func (s *RecoveryService) Run(ctx context.Context, interval time.Duration) error {
	if err := s.RunOnce(ctx); err != nil {
		s.logger.WarnContext(ctx, "recovery: sweep failed", slog.String("error", err.Error()))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.WarnContext(ctx, "recovery: sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *RecoveryService) alert(ctx context.Context, title string, err error) {
	if s.d.Alerter == nil {
		return
	}
	if aerr := s.d.Alerter.Notify(ctx, domain.EventRollbackFailed, title, err.Error()); aerr != nil {
		s.logger.WarnContext(ctx, "recovery: alert failed", slog.String("error", aerr.Error()))
	}
}
