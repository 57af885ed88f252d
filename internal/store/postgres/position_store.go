package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionColumns = `user_id, market_id, yes_shares, no_shares, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	err := row.Scan(&p.UserID, &p.MarketID, &p.YesShares, &p.NoShares, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, err
}

func (s *PositionStore) Get(ctx context.Context, userID, marketID string) (domain.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND market_id = $2`, userID, marketID))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Position{}, fmt.Errorf("postgres: get position %s/%s: %w", userID, marketID, err)
	}
	return p, err
}

func (s *PositionStore) Apply(ctx context.Context, op domain.PositionOp) (domain.Position, error) {
	var out domain.Position
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO position_ops (id, user_id, market_id, yes_delta, no_delta)
			VALUES ($1, $2, $3, $4, $5)`,
			op.ID, op.UserID, op.MarketID, op.YesDelta, op.NoDelta)
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO positions (user_id, market_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			op.UserID, op.MarketID); err != nil {
			return err
		}
		cur, err := scanPosition(tx.QueryRow(ctx,
			`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND market_id = $2 FOR UPDATE`,
			op.UserID, op.MarketID))
		if err != nil {
			return err
		}
		yes, no := cur.YesShares+op.YesDelta, cur.NoShares+op.NoDelta
		if yes < -domain.ShareEpsilon || no < -domain.ShareEpsilon {
			return domain.ErrInsufficientShares
		}
		out, err = scanPosition(tx.QueryRow(ctx, `
			UPDATE positions SET yes_shares = $3, no_shares = $4, updated_at = NOW()
			WHERE user_id = $1 AND market_id = $2
			RETURNING `+positionColumns,
			op.UserID, op.MarketID, max(yes, 0), max(no, 0)))
		return err
	})
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			return domain.Position{}, err
		}
		return domain.Position{}, fmt.Errorf("postgres: apply position op %s: %w", op.ID, err)
	}
	return out, nil
}

func (s *PositionStore) GetOp(ctx context.Context, id string) (domain.PositionOp, error) {
	var op domain.PositionOp
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, market_id, yes_delta, no_delta, created_at FROM position_ops WHERE id = $1`, id,
	).Scan(&op.ID, &op.UserID, &op.MarketID, &op.YesDelta, &op.NoDelta, &op.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PositionOp{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.PositionOp{}, fmt.Errorf("postgres: get position op %s: %w", id, err)
	}
	return op, nil
}

func (s *PositionStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Position, error) {
	return s.list(ctx, `SELECT `+positionColumns+` FROM positions WHERE market_id = $1 ORDER BY seq`, marketID)
}

func (s *PositionStore) ListByUser(ctx context.Context, userID string) ([]domain.Position, error) {
	return s.list(ctx, `SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY seq`, userID)
}

func (s *PositionStore) list(ctx context.Context, query string, arg string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions rows: %w", err)
	}
	return out, nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
