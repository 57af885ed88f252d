package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

const betColumns = `id, user_id, market_id, side, type, amount, shares, yes_price, order_id, created_at`

// BetStore implements domain.BetStore using PostgreSQL.
type BetStore struct {
	pool *pgxpool.Pool
}

// NewBetStore creates a new BetStore backed by the given connection pool.
func NewBetStore(pool *pgxpool.Pool) *BetStore {
	return &BetStore{pool: pool}
}

func (s *BetStore) Insert(ctx context.Context, b domain.Bet) error {
	var created *time.Time
	if !b.CreatedAt.IsZero() {
		created = &b.CreatedAt
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bets (id, user_id, market_id, side, type, amount, shares, yes_price, order_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()))`,
		b.ID, b.UserID, b.MarketID, string(b.Side), string(b.Type), b.Amount, b.Shares, b.YesPrice, b.OrderID, created)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("postgres: insert bet %s: %w", b.ID, err)
	}
	return nil
}

func (s *BetStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM bets WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete bet %s: %w", id, err)
	}
	return nil
}

func (s *BetStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Bet, error) {
	query, args := listClause(`SELECT `+betColumns+` FROM bets WHERE market_id = $1`,
		"created_at", []any{marketID}, opts, "seq")
	return s.list(ctx, query, args...)
}

func (s *BetStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Bet, error) {
	query, args := listClause(`SELECT `+betColumns+` FROM bets WHERE user_id = $1`,
		"created_at", []any{userID}, opts, "seq DESC")
	return s.list(ctx, query, args...)
}

func (s *BetStore) list(ctx context.Context, query string, args ...any) ([]domain.Bet, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets: %w", err)
	}
	defer rows.Close()

	var out []domain.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bet: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list bets rows: %w", err)
	}
	return out, nil
}

func scanBet(row pgx.Row) (domain.Bet, error) {
	var (
		b        domain.Bet
		side, tp string
	)
	err := row.Scan(&b.ID, &b.UserID, &b.MarketID, &side, &tp, &b.Amount, &b.Shares, &b.YesPrice, &b.OrderID, &b.CreatedAt)
	b.Side = domain.Side(side)
	b.Type = domain.BetType(tp)
	return b, err
}

var _ domain.BetStore = (*BetStore)(nil)
