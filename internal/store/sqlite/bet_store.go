package sqlite

import (
	"context"
	"database/sql"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// BetStore implements domain.BetStore on SQLite.
type BetStore struct {
	db *sql.DB
}

const betColumns = `id, user_id, market_id, side, type, amount, shares, yes_price, order_id, created_at`

func (s *BetStore) Insert(ctx context.Context, b domain.Bet) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO bets (id, user_id, market_id, side, type, amount, shares, yes_price, order_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.UserID, b.MarketID, string(b.Side), string(b.Type), b.Amount, b.Shares, b.YesPrice, b.OrderID, tsOrNow(b.CreatedAt))
	if err != nil {
		return wrap(err, "insert bet %s", b.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (s *BetStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bets WHERE id = ?`, id)
	return wrap(err, "delete bet %s", id)
}

func (s *BetStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Bet, error) {
	query, args := listClause(`SELECT `+betColumns+` FROM bets WHERE market_id = ?`,
		"created_at", []any{marketID}, opts, "seq")
	return s.list(ctx, query, args...)
}

func (s *BetStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Bet, error) {
	query, args := listClause(`SELECT `+betColumns+` FROM bets WHERE user_id = ?`,
		"created_at", []any{userID}, opts, "seq DESC")
	return s.list(ctx, query, args...)
}

func (s *BetStore) list(ctx context.Context, query string, args ...any) ([]domain.Bet, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err, "list bets")
	}
	defer rows.Close()
	var out []domain.Bet
	for rows.Next() {
		var (
			b        domain.Bet
			side, tp string
			created  int64
		)
		if err := rows.Scan(&b.ID, &b.UserID, &b.MarketID, &side, &tp, &b.Amount, &b.Shares, &b.YesPrice, &b.OrderID, &created); err != nil {
			return nil, wrap(err, "scan bet")
		}
		b.Side, b.Type, b.CreatedAt = domain.Side(side), domain.BetType(tp), fromTS(created)
		out = append(out, b)
	}
	return out, wrap(rows.Err(), "list bets rows")
}

var _ domain.BetStore = (*BetStore)(nil)
