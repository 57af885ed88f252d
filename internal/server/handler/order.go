package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// OrderService defines the methods that the order handler requires from the
// service layer.
type OrderService interface {
	Cancel(ctx context.Context, id domain.Identity, orderID string) (domain.Order, error)
	ListMine(ctx context.Context, id domain.Identity, opts domain.ListOpts) ([]domain.Order, error)
}

// OrderHandler serves resting-order endpoints of the matching path.
type OrderHandler struct {
	orders OrderService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given service and logger.
func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders: orders,
		logger: logHandler(logger, "order"),
	}
}

type listOrdersResponse struct {
	Orders []domain.Order `json:"orders"`
}

// ListOrders returns the caller's pending orders.
// GET /api/orders?limit=50&offset=0
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	orders, err := h.orders.ListMine(r.Context(), id, parseListOpts(r))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: orders})
}

// CancelOrder cancels one of the caller's pending orders.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	order, err := h.orders.Cancel(r.Context(), id, r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}
