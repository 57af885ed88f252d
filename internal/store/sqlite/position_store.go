package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// PositionStore implements domain.PositionStore on SQLite.
type PositionStore struct {
	db *sql.DB
}

const positionColumns = `user_id, market_id, yes_shares, no_shares, updated_at`

func scanPosition(row rowScanner) (domain.Position, error) {
	var (
		p       domain.Position
		updated int64
	)
	err := row.Scan(&p.UserID, &p.MarketID, &p.YesShares, &p.NoShares, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Position{}, domain.ErrNotFound
	}
	p.UpdatedAt = fromTS(updated)
	return p, err
}

func (s *PositionStore) Get(ctx context.Context, userID, marketID string) (domain.Position, error) {
	p, err := scanPosition(s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = ? AND market_id = ?`, userID, marketID))
	return p, wrap(err, "get position %s/%s", userID, marketID)
}

func (s *PositionStore) Apply(ctx context.Context, op domain.PositionOp) (domain.Position, error) {
	var out domain.Position
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		seen, err := exists(ctx, tx, `SELECT 1 FROM position_ops WHERE id = ?`, op.ID)
		if err != nil {
			return err
		}
		if seen {
			return domain.ErrAlreadyExists
		}
		cur, err := scanPosition(tx.QueryRowContext(ctx,
			`SELECT `+positionColumns+` FROM positions WHERE user_id = ? AND market_id = ?`, op.UserID, op.MarketID))
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		yes, no := cur.YesShares+op.YesDelta, cur.NoShares+op.NoDelta
		if yes < -domain.ShareEpsilon || no < -domain.ShareEpsilon {
			return domain.ErrInsufficientShares
		}
		t := now()
		if op.CreatedAt.IsZero() {
			op.CreatedAt = t
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO position_ops (id, user_id, market_id, yes_delta, no_delta, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			op.ID, op.UserID, op.MarketID, op.YesDelta, op.NoDelta, ts(op.CreatedAt)); err != nil {
			return err
		}
		out = domain.Position{UserID: op.UserID, MarketID: op.MarketID, YesShares: max(yes, 0), NoShares: max(no, 0), UpdatedAt: t}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO positions (user_id, market_id, yes_shares, no_shares, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (user_id, market_id) DO UPDATE SET
				yes_shares = excluded.yes_shares,
				no_shares  = excluded.no_shares,
				updated_at = excluded.updated_at`,
			out.UserID, out.MarketID, out.YesShares, out.NoShares, ts(t))
		return err
	})
	if err != nil {
		return domain.Position{}, wrap(err, "apply position op %s", op.ID)
	}
	return out, nil
}

func (s *PositionStore) GetOp(ctx context.Context, id string) (domain.PositionOp, error) {
	var (
		op      domain.PositionOp
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, market_id, yes_delta, no_delta, created_at FROM position_ops WHERE id = ?`, id,
	).Scan(&op.ID, &op.UserID, &op.MarketID, &op.YesDelta, &op.NoDelta, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PositionOp{}, domain.ErrNotFound
	}
	op.CreatedAt = fromTS(created)
	return op, wrap(err, "get position op %s", id)
}

func (s *PositionStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Position, error) {
	return s.list(ctx, `SELECT `+positionColumns+` FROM positions WHERE market_id = ? ORDER BY seq`, marketID)
}

func (s *PositionStore) ListByUser(ctx context.Context, userID string) ([]domain.Position, error) {
	return s.list(ctx, `SELECT `+positionColumns+` FROM positions WHERE user_id = ? ORDER BY seq`, userID)
}

func (s *PositionStore) list(ctx context.Context, query, arg string) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, wrap(err, "list positions")
	}
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, wrap(err, "scan position")
		}
		out = append(out, p)
	}
	return out, wrap(rows.Err(), "list positions rows")
}

var _ domain.PositionStore = (*PositionStore)(nil)
