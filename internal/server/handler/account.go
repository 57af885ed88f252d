package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/playmarket/internal/domain"
	"github.com/alanyoungcy/playmarket/internal/service"
)

// AccountService serves the caller's own money and holdings.
type AccountService interface {
	Me(ctx context.Context, id domain.Identity) (service.AccountView, error)
	History(ctx context.Context, id domain.Identity, opts domain.ListOpts) ([]domain.Bet, error)
	Ledger(ctx context.Context, id domain.Identity, opts domain.ListOpts) ([]domain.LedgerEntry, error)
}

// AccountHandler serves /api/me endpoints.
type AccountHandler struct {
	accounts AccountService
	logger   *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(accounts AccountService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, logger: logHandler(logger, "account")}
}

// Me returns the caller's balance, positions and pending orders.
// GET /api/me
func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	view, err := h.accounts.Me(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Bets returns the caller's trade history, newest first.
// GET /api/me/bets
func (h *AccountHandler) Bets(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	bets, err := h.accounts.History(r.Context(), id, parseListOpts(r))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if bets == nil {
		bets = []domain.Bet{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bets": bets})
}

// Ledger returns the caller's ledger entries, newest first.
// GET /api/me/ledger
func (h *AccountHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	entries, err := h.accounts.Ledger(r.Context(), id, parseListOpts(r))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
