// Package ledger owns user balances. Every movement is a keyed entry applied
// atomically by the store, so balances never go negative and a replayed key
// never moves money twice.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// ReversalKey is the entry id that undoes key.
func ReversalKey(key string) string { return key + ":rev" }

// Ledger moves play money between users and the house.
type Ledger struct {
	store   domain.LedgerStore
	initial int64
}

// New creates a Ledger granting initialBalance cents to new accounts.
func New(store domain.LedgerStore, initialBalance int64) *Ledger {
	return &Ledger{store: store, initial: initialBalance}
}

// Ensure returns the user's account, creating it with the initial grant on
// first use.
func (l *Ledger) Ensure(ctx context.Context, userID string) (domain.Account, error) {
	if userID == "" {
		return domain.Account{}, domain.Invalid("user id is required")
	}
	a, _, err := l.store.EnsureAccount(ctx, userID, l.initial)
	if err != nil {
		return domain.Account{}, fmt.Errorf("ledger: ensure %s: %w", userID, err)
	}
	return a, nil
}

// Balance returns the user's balance in cents.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	a, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("ledger: balance %s: %w", userID, err)
	}
	return a.Balance, nil
}

// Debit takes cents from the user. It fails with ErrInsufficientFunds
// without changing anything when the balance does not cover it.
func (l *Ledger) Debit(ctx context.Context, key, userID string, cents int64, reason, ref string) (domain.LedgerEntry, error) {
	if cents <= 0 {
		return domain.LedgerEntry{}, domain.ErrInvalidAmount
	}
	return l.apply(ctx, domain.LedgerEntry{ID: key, UserID: userID, Amount: -cents, Reason: reason, Ref: ref})
}

// Credit gives cents to the user.
func (l *Ledger) Credit(ctx context.Context, key, userID string, cents int64, reason, ref string) (domain.LedgerEntry, error) {
	if cents <= 0 {
		return domain.LedgerEntry{}, domain.ErrInvalidAmount
	}
	return l.apply(ctx, domain.LedgerEntry{ID: key, UserID: userID, Amount: cents, Reason: reason, Ref: ref})
}

// Reverse applies the opposite of entry key exactly once. Reversing an
// entry that was never applied, or was already reversed, is a no-op.
func (l *Ledger) Reverse(ctx context.Context, key string) error {
	e, err := l.store.GetEntry(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledger: reverse %s: %w", key, err)
	}
	_, err = l.store.Apply(ctx, domain.LedgerEntry{
		ID:     ReversalKey(key),
		UserID: e.UserID,
		Amount: -e.Amount,
		Reason: domain.ReasonReversal,
		Ref:    key,
	})
	if err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return fmt.Errorf("ledger: reverse %s: %w", key, err)
	}
	return nil
}

// History lists the user's entries, newest first.
func (l *Ledger) History(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	entries, err := l.store.ListEntries(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("ledger: history %s: %w", userID, err)
	}
	return entries, nil
}

func (l *Ledger) apply(ctx context.Context, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	if e.ID == "" {
		return domain.LedgerEntry{}, domain.Invalid("ledger entry key is required")
	}
	out, err := l.store.Apply(ctx, e)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("ledger: apply %s: %w", e.ID, err)
	}
	return out, nil
}
