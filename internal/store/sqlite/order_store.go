package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// OrderStore implements domain.OrderStore on SQLite.
type OrderStore struct {
	db *sql.DB
}

const orderColumns = `id, user_id, market_id, side, price, amount, filled_amount, status, created_at, updated_at`

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		o                domain.Order
		side, status     string
		created, updated int64
	)
	err := row.Scan(&o.ID, &o.UserID, &o.MarketID, &side, &o.Price, &o.Amount, &o.FilledAmount, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	o.Side = domain.Side(side)
	o.Status = domain.OrderStatus(status)
	o.CreatedAt, o.UpdatedAt = fromTS(created), fromTS(updated)
	return o, err
}

func getOrder(ctx context.Context, q queryer, id string) (domain.Order, error) {
	return scanOrder(q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
}

func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	if o.Status == "" {
		o.Status = domain.OrderStatusPending
	}
	created := tsOrNow(o.CreatedAt)
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO orders (id, user_id, market_id, side, price, amount, filled_amount, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.MarketID, string(o.Side), o.Price, o.Amount, o.FilledAmount, string(o.Status), created, created)
	if err != nil {
		return wrap(err, "create order %s", o.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	o, err := getOrder(ctx, s.db, id)
	return o, wrap(err, "get order %s", id)
}

func (s *OrderStore) ListPending(ctx context.Context, marketID string, side domain.Side) ([]domain.Order, error) {
	return s.list(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE market_id = ? AND side = ? AND status = 'pending'
		ORDER BY created_at, seq`, marketID, string(side))
}

func (s *OrderStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Order, error) {
	query, args := listClause(`SELECT `+orderColumns+` FROM orders WHERE user_id = ?`,
		"created_at", []any{userID}, opts, "seq DESC")
	return s.list(ctx, query, args...)
}

func (s *OrderStore) list(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err, "list orders")
	}
	defer rows.Close()
	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, wrap(err, "scan order")
		}
		out = append(out, o)
	}
	return out, wrap(rows.Err(), "list orders rows")
}

func (s *OrderStore) Fill(ctx context.Context, f domain.OrderFill) (domain.Order, error) {
	var out domain.Order
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		seen, err := exists(ctx, tx, `SELECT 1 FROM order_fills WHERE id = ?`, f.ID)
		if err != nil {
			return err
		}
		if seen {
			return domain.ErrAlreadyExists
		}
		o, err := getOrder(ctx, tx, f.OrderID)
		if err != nil {
			return err
		}
		switch {
		case o.Status != domain.OrderStatusPending:
			return domain.ErrOrderNotPending
		case o.FilledAmount != f.ExpectFilled:
			return domain.ErrVersionConflict
		case f.Amount <= 0 || o.FilledAmount+f.Amount > o.Amount:
			return domain.ErrInvalidAmount
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO order_fills (id, order_id, amount) VALUES (?, ?, ?)`,
			f.ID, f.OrderID, f.Amount); err != nil {
			return err
		}
		o.FilledAmount += f.Amount
		if o.FilledAmount == o.Amount {
			o.Status = domain.OrderStatusFilled
		}
		o.UpdatedAt = now()
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET filled_amount = ?, status = ?, updated_at = ? WHERE id = ?`,
			o.FilledAmount, string(o.Status), ts(o.UpdatedAt), o.ID); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return domain.Order{}, wrap(err, "fill order %s", f.OrderID)
	}
	return out, nil
}

func (s *OrderStore) Unfill(ctx context.Context, id string) error {
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		var (
			orderID  string
			amount   int64
			reverted bool
		)
		err := tx.QueryRowContext(ctx, `SELECT order_id, amount, reverted FROM order_fills WHERE id = ?`, id).
			Scan(&orderID, &amount, &reverted)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && reverted) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE order_fills SET reverted = 1 WHERE id = ?`, id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE orders
			SET filled_amount = filled_amount - ?,
			    status = CASE WHEN status = 'filled' THEN 'pending' ELSE status END,
			    updated_at = ?
			WHERE id = ?`, amount, ts(now()), orderID)
		return err
	})
	return wrap(err, "unfill %s", id)
}

func (s *OrderStore) Cancel(ctx context.Context, id, userID string) (domain.Order, error) {
	var out domain.Order
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		o, err := getOrder(ctx, tx, id)
		if err != nil {
			return err
		}
		if userID != "" && o.UserID != userID {
			return domain.ErrNotFound
		}
		if o.Status != domain.OrderStatusPending {
			return domain.ErrOrderNotPending
		}
		o.Status = domain.OrderStatusCancelled
		o.UpdatedAt = now()
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`,
			string(o.Status), ts(o.UpdatedAt), id); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return domain.Order{}, wrap(err, "cancel order %s", id)
	}
	return out, nil
}

func (s *OrderStore) CancelPendingByMarket(ctx context.Context, marketID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = 'cancelled', updated_at = ? WHERE market_id = ? AND status = 'pending'`,
		ts(now()), marketID)
	if err != nil {
		return 0, wrap(err, "cancel orders of %s", marketID)
	}
	return res.RowsAffected()
}

var _ domain.OrderStore = (*OrderStore)(nil)
