package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// BetStore keeps trade records in insertion order.
type BetStore struct {
	mu   sync.Mutex
	bets []domain.Bet
}

// NewBetStore creates an empty BetStore.
func NewBetStore() *BetStore { return &BetStore{} }

func (s *BetStore) Insert(_ context.Context, b domain.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.bets {
		if existing.ID == b.ID {
			return domain.ErrAlreadyExists
		}
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now()
	}
	s.bets = append(s.bets, b)
	return nil
}

func (s *BetStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range s.bets {
		if b.ID == id {
			s.bets = append(s.bets[:i], s.bets[i+1:]...)
			return nil
		}
	}
	return nil
}

// ListByMarket returns a market's trades oldest first, the order charts
// replay them in.
func (s *BetStore) ListByMarket(_ context.Context, marketID string, opts domain.ListOpts) ([]domain.Bet, error) {
	return s.list(func(b domain.Bet) bool { return b.MarketID == marketID }, false, opts), nil
}

// ListByUser returns a user's trades newest first.
func (s *BetStore) ListByUser(_ context.Context, userID string, opts domain.ListOpts) ([]domain.Bet, error) {
	return s.list(func(b domain.Bet) bool { return b.UserID == userID }, true, opts), nil
}

func (s *BetStore) list(match func(domain.Bet) bool, newest bool, opts domain.ListOpts) []domain.Bet {
	s.mu.Lock()
	var out []domain.Bet
	for _, b := range s.bets {
		if match(b) {
			out = append(out, b)
		}
	}
	s.mu.Unlock()
	if newest {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return page(out, func(b domain.Bet) time.Time { return b.CreatedAt }, opts)
}

var _ domain.BetStore = (*BetStore)(nil)
