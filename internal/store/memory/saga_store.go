package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// SagaStore keeps the trade journal in memory. A process restart loses it,
// which is acceptable only because the memory stores lose everything else too.
type SagaStore struct {
	mu    sync.Mutex
	sagas map[string]domain.SagaRecord
}

// NewSagaStore creates an empty SagaStore.
func NewSagaStore() *SagaStore {
	return &SagaStore{sagas: make(map[string]domain.SagaRecord)}
}

func (s *SagaStore) Begin(_ context.Context, r domain.SagaRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sagas[r.ID]; ok {
		return domain.ErrAlreadyExists
	}
	ts := now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = ts
	}
	r.UpdatedAt = ts
	if r.Status == "" {
		r.Status = domain.SagaPending
	}
	r.Steps = slices.Clone(r.Steps)
	s.sagas[r.ID] = r
	return nil
}

func (s *SagaStore) AppendStep(_ context.Context, sagaID string, step domain.SagaStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sagas[sagaID]
	if !ok {
		return domain.ErrNotFound
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = now()
	}
	r.Steps = append(slices.Clone(r.Steps), step)
	r.UpdatedAt = step.CreatedAt
	s.sagas[sagaID] = r
	return nil
}

func (s *SagaStore) Finish(_ context.Context, sagaID string, status domain.SagaStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sagas[sagaID]
	if !ok {
		return domain.ErrNotFound
	}
	r.Status = status
	r.UpdatedAt = now()
	s.sagas[sagaID] = r
	return nil
}

func (s *SagaStore) Get(_ context.Context, sagaID string) (domain.SagaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sagas[sagaID]
	if !ok {
		return domain.SagaRecord{}, domain.ErrNotFound
	}
	r.Steps = slices.Clone(r.Steps)
	return r, nil
}

func (s *SagaStore) ListPending(_ context.Context, olderThan time.Time) ([]domain.SagaRecord, error) {
	return s.pending(func(r domain.SagaRecord) bool { return r.UpdatedAt.Before(olderThan) }), nil
}

func (s *SagaStore) ListPendingByMarket(_ context.Context, marketID string) ([]domain.SagaRecord, error) {
	return s.pending(func(r domain.SagaRecord) bool { return r.MarketID == marketID }), nil
}

func (s *SagaStore) pending(match func(domain.SagaRecord) bool) []domain.SagaRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SagaRecord
	for _, r := range s.sagas {
		if r.Status == domain.SagaPending && match(r) {
			r.Steps = slices.Clone(r.Steps)
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b domain.SagaRecord) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

var _ domain.SagaStore = (*SagaStore)(nil)
