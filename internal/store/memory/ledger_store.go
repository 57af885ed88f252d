package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// LedgerStore keeps balances and the entries that moved them. Every mutation
// happens under one mutex, so a balance check and its debit are atomic.
type LedgerStore struct {
	mu       sync.Mutex
	accounts map[string]domain.Account
	entries  map[string]domain.LedgerEntry
	byUser   map[string][]string
}

// NewLedgerStore creates an empty LedgerStore.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		accounts: make(map[string]domain.Account),
		entries:  make(map[string]domain.LedgerEntry),
		byUser:   make(map[string][]string),
	}
}

func (s *LedgerStore) EnsureAccount(_ context.Context, userID string, initial int64) (domain.Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[userID]; ok {
		return a, false, nil
	}
	ts := now()
	a := domain.Account{UserID: userID, Balance: initial, CreatedAt: ts, UpdatedAt: ts}
	s.accounts[userID] = a
	id := "grant:" + userID
	s.entries[id] = domain.LedgerEntry{
		ID: id, UserID: userID, Amount: initial, Reason: domain.ReasonInitialGrant,
		BalanceAfter: initial, CreatedAt: ts,
	}
	s.byUser[userID] = append(s.byUser[userID], id)
	return a, true, nil
}

func (s *LedgerStore) GetAccount(_ context.Context, userID string) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	return a, nil
}

func (s *LedgerStore) Apply(_ context.Context, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.ID]; ok {
		return domain.LedgerEntry{}, domain.ErrAlreadyExists
	}
	a, ok := s.accounts[e.UserID]
	if !ok {
		return domain.LedgerEntry{}, domain.ErrNotFound
	}
	if a.Balance+e.Amount < 0 {
		return domain.LedgerEntry{}, domain.ErrInsufficientFunds
	}
	ts := now()
	a.Balance += e.Amount
	a.UpdatedAt = ts
	s.accounts[e.UserID] = a
	e.BalanceAfter = a.Balance
	if e.CreatedAt.IsZero() {
		e.CreatedAt = ts
	}
	s.entries[e.ID] = e
	s.byUser[e.UserID] = append(s.byUser[e.UserID], e.ID)
	return e, nil
}

func (s *LedgerStore) GetEntry(_ context.Context, id string) (domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return domain.LedgerEntry{}, domain.ErrNotFound
	}
	return e, nil
}

func (s *LedgerStore) ListEntries(_ context.Context, userID string, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	ids := s.byUser[userID]
	out := make([]domain.LedgerEntry, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, s.entries[ids[i]])
	}
	s.mu.Unlock()
	return page(out, func(e domain.LedgerEntry) time.Time { return e.CreatedAt }, opts), nil
}

var _ domain.LedgerStore = (*LedgerStore)(nil)
