package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

type poolOp struct {
	update   domain.PoolUpdate
	before   domain.Market
	reverted bool
}

// MarketStore keeps markets and their keyed pool updates.
type MarketStore struct {
	mu      sync.Mutex
	markets map[string]domain.Market
	order   []string
	ops     map[string]*poolOp
}

// NewMarketStore creates an empty MarketStore.
func NewMarketStore() *MarketStore {
	return &MarketStore{
		markets: make(map[string]domain.Market),
		ops:     make(map[string]*poolOp),
	}
}

func (s *MarketStore) Create(_ context.Context, m domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.ID]; ok {
		return domain.ErrAlreadyExists
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	s.markets[m.ID] = m
	s.order = append(s.order, m.ID)
	return nil
}

func (s *MarketStore) GetByID(_ context.Context, id string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *MarketStore) List(_ context.Context, filter domain.MarketFilter, opts domain.ListOpts) ([]domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Market, 0, len(s.order))
	for _, id := range s.order {
		m := s.markets[id]
		if filter.ChannelID != "" && m.ChannelID != filter.ChannelID {
			continue
		}
		if filter.Resolved != nil && m.Resolved != *filter.Resolved {
			continue
		}
		out = append(out, m)
	}
	at := func(m domain.Market) time.Time { return m.CreatedAt }
	newestFirst(out, at)
	return page(out, at, opts), nil
}

func (s *MarketStore) UpdatePool(_ context.Context, u domain.PoolUpdate) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[u.ID]; ok {
		return domain.Market{}, domain.ErrAlreadyExists
	}
	m, ok := s.markets[u.MarketID]
	switch {
	case !ok:
		return domain.Market{}, domain.ErrNotFound
	case m.Resolved:
		return domain.Market{}, domain.ErrMarketResolved
	case m.Version != u.FromVersion:
		return domain.Market{}, domain.ErrVersionConflict
	}
	before := m
	m.YesPool = u.YesPool
	m.NoPool = u.NoPool
	m.Collateral += u.CollateralDelta
	m.Version++
	m.UpdatedAt = now()
	s.markets[m.ID] = m
	s.ops[u.ID] = &poolOp{update: u, before: before}
	return m, nil
}

func (s *MarketStore) RevertPool(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok || op.reverted {
		return nil
	}
	m, ok := s.markets[op.update.MarketID]
	if !ok {
		return domain.ErrNotFound
	}
	if m.Version == op.update.FromVersion+1 {
		m.YesPool = op.before.YesPool
		m.NoPool = op.before.NoPool
	}
	m.Collateral -= op.update.CollateralDelta
	m.Version++
	m.UpdatedAt = now()
	s.markets[m.ID] = m
	op.reverted = true
	return nil
}

func (s *MarketStore) MarkResolved(_ context.Context, id string, outcome domain.Side, by string, at time.Time) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	if m.Resolved {
		return domain.Market{}, domain.ErrMarketResolved
	}
	m.Resolved = true
	m.Outcome = outcome
	m.ResolvedBy = by
	m.ResolvedAt = &at
	m.UpdatedAt = at
	s.markets[id] = m
	return m, nil
}

func (s *MarketStore) MarkSettled(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !m.Resolved {
		return domain.ErrMarketNotResolved
	}
	if m.SettledAt == nil {
		m.SettledAt = &at
		m.UpdatedAt = at
		s.markets[id] = m
	}
	return nil
}

func (s *MarketStore) ListUnsettled(_ context.Context) ([]domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Market
	for _, id := range s.order {
		if m := s.markets[id]; m.Resolved && m.SettledAt == nil {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MarketStore) ListResolvedBefore(_ context.Context, before time.Time) ([]domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Market
	for _, id := range s.order {
		m := s.markets[id]
		if m.Resolved && m.ResolvedAt != nil && m.ResolvedAt.Before(before) {
			out = append(out, m)
		}
	}
	return out, nil
}

var _ domain.MarketStore = (*MarketStore)(nil)
