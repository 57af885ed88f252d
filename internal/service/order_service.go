package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// OrderService manages a user's resting FIFO orders.
type OrderService struct {
	d      Deps
	cfg    Config
	logger *slog.Logger
}

// NewOrderService creates an OrderService.
func NewOrderService(d Deps, cfg Config, logger *slog.Logger) *OrderService {
	return &OrderService{
		d:      d,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "order_service")),
	}
}

// Cancel withdraws a pending order owned by the caller. Orders owned by
// someone else are reported as not found.
func (s *OrderService) Cancel(ctx context.Context, id domain.Identity, orderID string) (domain.Order, error) {
	if id.UserID == "" {
		return domain.Order{}, domain.ErrUnauthorized
	}
	o, err := s.d.Stores.Orders.GetByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: get %s: %w", orderID, err)
	}
	if o.UserID != id.UserID {
		return domain.Order{}, domain.Detail(domain.ErrNotFound, "Order not found")
	}

	unlock, err := acquire(ctx, s.d.Locks, s.cfg.LockTTL, s.cfg.LockWait, marketLock(o.MarketID))
	if err != nil {
		return domain.Order{}, err
	}
	defer unlock()

	cancelled, err := s.d.Stores.Orders.Cancel(ctx, orderID, id.UserID)
	if errors.Is(err, domain.ErrOrderNotPending) {
		return domain.Order{}, domain.Detail(domain.ErrOrderNotPending, "Order is no longer pending")
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: cancel %s: %w", orderID, err)
	}

	s.d.Publisher.Publish(ctx, domain.Event{
		Type:     domain.EventOrderCancelled,
		MarketID: cancelled.MarketID,
		UserID:   id.UserID,
		Data:     cancelled,
	}, "", domain.ChannelOrders, domain.MarketChannel(cancelled.MarketID))
	auditLog(ctx, s.d.Stores.Audit, s.logger, domain.EventOrderCancelled, map[string]any{
		"order_id":  cancelled.ID,
		"market_id": cancelled.MarketID,
		"user_id":   id.UserID,
		"remaining": cancelled.Remaining(),
	})
	s.logger.InfoContext(ctx, "order_service: order cancelled",
		slog.String("order_id", cancelled.ID),
		slog.String("user_id", id.UserID),
	)
	return cancelled, nil
}

// ListMine returns the caller's orders, newest first.
func (s *OrderService) ListMine(ctx context.Context, id domain.Identity, opts domain.ListOpts) ([]domain.Order, error) {
	if id.UserID == "" {
		return nil, domain.ErrUnauthorized
	}
	orders, err := s.d.Stores.Orders.ListByUser(ctx, id.UserID, opts)
	if err != nil {
		return nil, fmt.Errorf("order_service: list: %w", err)
	}
	return orders, nil
}
