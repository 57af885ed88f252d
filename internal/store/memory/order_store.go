package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

type fillOp struct {
	fill     domain.OrderFill
	reverted bool
}

// OrderStore keeps FIFO orders. seq breaks creation-time ties so that the
// queue order is total.
type OrderStore struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	seq    map[string]int
	next   int
	fills  map[string]*fillOp
}

// NewOrderStore creates an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders: make(map[string]domain.Order),
		seq:    make(map[string]int),
		fills:  make(map[string]*fillOp),
	}
}

func (s *OrderStore) Create(_ context.Context, o domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return domain.ErrAlreadyExists
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now()
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	if o.Status == "" {
		o.Status = domain.OrderStatusPending
	}
	s.orders[o.ID] = o
	s.next++
	s.seq[o.ID] = s.next
	return nil
}

func (s *OrderStore) GetByID(_ context.Context, id string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *OrderStore) ListPending(_ context.Context, marketID string, side domain.Side) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.MarketID == marketID && o.Side == side && o.Status == domain.OrderStatusPending {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return s.seq[out[i].ID] < s.seq[out[j].ID]
	})
	return out, nil
}

func (s *OrderStore) ListByUser(_ context.Context, userID string, opts domain.ListOpts) ([]domain.Order, error) {
	s.mu.Lock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] > s.seq[out[j].ID] })
	s.mu.Unlock()
	return page(out, func(o domain.Order) time.Time { return o.CreatedAt }, opts), nil
}

func (s *OrderStore) Fill(_ context.Context, f domain.OrderFill) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fills[f.ID]; ok {
		return domain.Order{}, domain.ErrAlreadyExists
	}
	o, ok := s.orders[f.OrderID]
	switch {
	case !ok:
		return domain.Order{}, domain.ErrNotFound
	case o.Status != domain.OrderStatusPending:
		return domain.Order{}, domain.ErrOrderNotPending
	case o.FilledAmount != f.ExpectFilled:
		return domain.Order{}, domain.ErrVersionConflict
	case f.Amount <= 0 || o.FilledAmount+f.Amount > o.Amount:
		return domain.Order{}, domain.ErrInvalidAmount
	}
	o.FilledAmount += f.Amount
	if o.FilledAmount == o.Amount {
		o.Status = domain.OrderStatusFilled
	}
	o.UpdatedAt = now()
	s.orders[o.ID] = o
	s.fills[f.ID] = &fillOp{fill: f}
	return o, nil
}

func (s *OrderStore) Unfill(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.fills[id]
	if !ok || op.reverted {
		return nil
	}
	o, ok := s.orders[op.fill.OrderID]
	if !ok {
		return domain.ErrNotFound
	}
	o.FilledAmount -= op.fill.Amount
	if o.Status == domain.OrderStatusFilled {
		o.Status = domain.OrderStatusPending
	}
	o.UpdatedAt = now()
	s.orders[o.ID] = o
	op.reverted = true
	return nil
}

func (s *OrderStore) Cancel(_ context.Context, id, userID string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || (userID != "" && o.UserID != userID) {
		return domain.Order{}, domain.ErrNotFound
	}
	if o.Status != domain.OrderStatusPending {
		return domain.Order{}, domain.ErrOrderNotPending
	}
	o.Status = domain.OrderStatusCancelled
	o.UpdatedAt = now()
	s.orders[id] = o
	return o, nil
}

func (s *OrderStore) CancelPendingByMarket(_ context.Context, marketID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	ts := now()
	for id, o := range s.orders {
		if o.MarketID == marketID && o.Status == domain.OrderStatusPending {
			o.Status = domain.OrderStatusCancelled
			o.UpdatedAt = ts
			s.orders[id] = o
			n++
		}
	}
	return n, nil
}

var _ domain.OrderStore = (*OrderStore)(nil)
