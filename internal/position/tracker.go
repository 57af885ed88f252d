// Package position is the single source of truth for share holdings.
package position

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// RevertKey is the op id that undoes opID.
func RevertKey(opID string) string { return opID + ":rev" }

// Tracker applies keyed share changes to positions.
type Tracker struct {
	store domain.PositionStore
}

// NewTracker creates a Tracker over store.
func NewTracker(store domain.PositionStore) *Tracker {
	return &Tracker{store: store}
}

// Get returns the user's holdings in the market, zero when none exist.
func (t *Tracker) Get(ctx context.Context, userID, marketID string) (domain.Position, error) {
	p, err := t.store.Get(ctx, userID, marketID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Position{UserID: userID, MarketID: marketID}, nil
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("position: get %s/%s: %w", userID, marketID, err)
	}
	return p, nil
}

// ApplyTrade adds delta shares (negative to remove) on side. A result below
// zero is rejected with ErrInsufficientShares and changes nothing.
func (t *Tracker) ApplyTrade(ctx context.Context, opID, userID, marketID string, side domain.Side, delta float64) (domain.Position, error) {
	op := domain.PositionOp{ID: opID, UserID: userID, MarketID: marketID}
	switch side {
	case domain.SideYes:
		op.YesDelta = delta
	case domain.SideNo:
		op.NoDelta = delta
	default:
		return domain.Position{}, domain.ErrInvalidSide
	}
	p, err := t.store.Apply(ctx, op)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position: apply %s: %w", opID, err)
	}
	return p, nil
}

// Revert undoes op opID exactly once. Unknown ops are a no-op.
func (t *Tracker) Revert(ctx context.Context, opID string) error {
	op, err := t.store.GetOp(ctx, opID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("position: revert %s: %w", opID, err)
	}
	_, err = t.store.Apply(ctx, domain.PositionOp{
		ID:       RevertKey(opID),
		UserID:   op.UserID,
		MarketID: op.MarketID,
		YesDelta: -op.YesDelta,
		NoDelta:  -op.NoDelta,
	})
	if err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return fmt.Errorf("position: revert %s: %w", opID, err)
	}
	return nil
}

// ListByMarket returns every holder of the market.
func (t *Tracker) ListByMarket(ctx context.Context, marketID string) ([]domain.Position, error) {
	ps, err := t.store.ListByMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("position: list market %s: %w", marketID, err)
	}
	return ps, nil
}

// ListByUser returns every market the user holds shares in.
func (t *Tracker) ListByUser(ctx context.Context, userID string) ([]domain.Position, error) {
	ps, err := t.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("position: list user %s: %w", userID, err)
	}
	return ps, nil
}
