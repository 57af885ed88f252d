package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

const sagaColumns = `id, operation, user_id, market_id, status, steps, created_at, updated_at`

// SagaStore implements domain.SagaStore using PostgreSQL. Steps live in a
// JSONB array that AppendStep extends in place.
type SagaStore struct {
	pool *pgxpool.Pool
}

// NewSagaStore creates a new SagaStore backed by the given connection pool.
func NewSagaStore(pool *pgxpool.Pool) *SagaStore {
	return &SagaStore{pool: pool}
}

func (s *SagaStore) Begin(ctx context.Context, r domain.SagaRecord) error {
	if r.Status == "" {
		r.Status = domain.SagaPending
	}
	if r.Steps == nil {
		r.Steps = []domain.SagaStep{}
	}
	steps, err := json.Marshal(r.Steps)
	if err != nil {
		return fmt.Errorf("postgres: marshal saga steps: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sagas (id, operation, user_id, market_id, status, steps)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.Operation, r.UserID, r.MarketID, string(r.Status), steps)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("postgres: begin saga %s: %w", r.ID, err)
	}
	return nil
}

func (s *SagaStore) AppendStep(ctx context.Context, sagaID string, step domain.SagaStep) error {
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	one, err := json.Marshal([]domain.SagaStep{step})
	if err != nil {
		return fmt.Errorf("postgres: marshal saga step: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sagas SET steps = steps || $2::jsonb, updated_at = NOW()
		WHERE id = $1`, sagaID, one)
	if err != nil {
		return fmt.Errorf("postgres: append saga step %s: %w", sagaID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SagaStore) Finish(ctx context.Context, sagaID string, status domain.SagaStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sagas SET status = $2, updated_at = NOW() WHERE id = $1`, sagaID, string(status))
	if err != nil {
		return fmt.Errorf("postgres: finish saga %s: %w", sagaID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SagaStore) Get(ctx context.Context, sagaID string) (domain.SagaRecord, error) {
	r, err := scanSaga(s.pool.QueryRow(ctx, `SELECT `+sagaColumns+` FROM sagas WHERE id = $1`, sagaID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SagaRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SagaRecord{}, fmt.Errorf("postgres: get saga %s: %w", sagaID, err)
	}
	return r, nil
}

func (s *SagaStore) ListPending(ctx context.Context, olderThan time.Time) ([]domain.SagaRecord, error) {
	return s.listPending(ctx, `updated_at < $1`, olderThan)
}

func (s *SagaStore) ListPendingByMarket(ctx context.Context, marketID string) ([]domain.SagaRecord, error) {
	return s.listPending(ctx, `market_id = $1`, marketID)
}

func (s *SagaStore) listPending(ctx context.Context, filter string, arg any) ([]domain.SagaRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sagaColumns+` FROM sagas
		WHERE status = 'pending' AND `+filter+`
		ORDER BY created_at`, arg)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending sagas: %w", err)
	}
	defer rows.Close()

	var out []domain.SagaRecord
	for rows.Next() {
		r, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan saga: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list pending sagas rows: %w", err)
	}
	return out, nil
}

func scanSaga(row pgx.Row) (domain.SagaRecord, error) {
	var (
		r      domain.SagaRecord
		status string
		steps  []byte
	)
	if err := row.Scan(&r.ID, &r.Operation, &r.UserID, &r.MarketID, &status, &steps, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return domain.SagaRecord{}, err
	}
	r.Status = domain.SagaStatus(status)
	if err := json.Unmarshal(steps, &r.Steps); err != nil {
		return domain.SagaRecord{}, fmt.Errorf("decode steps: %w", err)
	}
	return r, nil
}

var _ domain.SagaStore = (*SagaStore)(nil)
