package memory

import (
	"context"
	"sync"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

type positionKey struct{ user, market string }

// PositionStore keeps holdings and the keyed ops applied to them.
type PositionStore struct {
	mu        sync.Mutex
	positions map[positionKey]domain.Position
	order     []positionKey
	ops       map[string]domain.PositionOp
}

// NewPositionStore creates an empty PositionStore.
func NewPositionStore() *PositionStore {
	return &PositionStore{
		positions: make(map[positionKey]domain.Position),
		ops:       make(map[string]domain.PositionOp),
	}
}

func (s *PositionStore) Get(_ context.Context, userID, marketID string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[positionKey{userID, marketID}]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *PositionStore) Apply(_ context.Context, op domain.PositionOp) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[op.ID]; ok {
		return domain.Position{}, domain.ErrAlreadyExists
	}
	key := positionKey{op.UserID, op.MarketID}
	p, ok := s.positions[key]
	if !ok {
		p = domain.Position{UserID: op.UserID, MarketID: op.MarketID}
	}
	yes := p.YesShares + op.YesDelta
	no := p.NoShares + op.NoDelta
	if yes < -domain.ShareEpsilon || no < -domain.ShareEpsilon {
		return domain.Position{}, domain.ErrInsufficientShares
	}
	p.YesShares = max(yes, 0)
	p.NoShares = max(no, 0)
	ts := now()
	p.UpdatedAt = ts
	if op.CreatedAt.IsZero() {
		op.CreatedAt = ts
	}
	if !ok {
		s.order = append(s.order, key)
	}
	s.positions[key] = p
	s.ops[op.ID] = op
	return p, nil
}

func (s *PositionStore) GetOp(_ context.Context, id string) (domain.PositionOp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return domain.PositionOp{}, domain.ErrNotFound
	}
	return op, nil
}

func (s *PositionStore) ListByMarket(_ context.Context, marketID string) ([]domain.Position, error) {
	return s.filter(func(k positionKey) bool { return k.market == marketID }), nil
}

func (s *PositionStore) ListByUser(_ context.Context, userID string) ([]domain.Position, error) {
	return s.filter(func(k positionKey) bool { return k.user == userID }), nil
}

func (s *PositionStore) filter(match func(positionKey) bool) []domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, k := range s.order {
		if match(k) {
			out = append(out, s.positions[k])
		}
	}
	return out
}

var _ domain.PositionStore = (*PositionStore)(nil)
