package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

const orderColumns = `id, user_id, market_id, side, price, amount, filled_amount, status, created_at, updated_at`

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o      domain.Order
		side   string
		status string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.MarketID, &side, &o.Price, &o.Amount, &o.FilledAmount, &status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	o.Side = domain.Side(side)
	o.Status = domain.OrderStatus(status)
	return o, err
}

// Create inserts a new order.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	if o.Status == "" {
		o.Status = domain.OrderStatusPending
	}
	var created *time.Time
	if !o.CreatedAt.IsZero() {
		created = &o.CreatedAt
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orders (id, user_id, market_id, side, price, amount, filled_amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()), COALESCE($9, NOW()))`,
		o.ID, o.UserID, o.MarketID, string(o.Side), o.Price, o.Amount, o.FilledAmount, string(o.Status), created)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

// GetByID returns a single order.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, err
}

// ListPending returns one side of a market's book, oldest first.
func (s *OrderStore) ListPending(ctx context.Context, marketID string, side domain.Side) ([]domain.Order, error) {
	return s.list(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE market_id = $1 AND side = $2 AND status = 'pending'
		ORDER BY created_at, seq`, marketID, string(side))
}

// ListByUser returns a user's orders, newest first.
func (s *OrderStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Order, error) {
	query, args := listClause(`SELECT `+orderColumns+` FROM orders WHERE user_id = $1`,
		"created_at", []any{userID}, opts, "seq DESC")
	return s.list(ctx, query, args...)
}

func (s *OrderStore) list(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list orders rows: %w", err)
	}
	return out, nil
}

// Fill applies a keyed compare-and-swap fill.
func (s *OrderStore) Fill(ctx context.Context, f domain.OrderFill) (domain.Order, error) {
	var out domain.Order
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		o, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, f.OrderID))
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
		_, err = tx.Exec(ctx, `INSERT INTO order_fills (id, order_id, amount) VALUES ($1, $2, $3)`,
			f.ID, f.OrderID, f.Amount)
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		if err != nil {
			return err
		}
		out, err = scanOrder(tx.QueryRow(ctx, `
			UPDATE orders
			SET filled_amount = filled_amount + $2,
			    status = CASE WHEN filled_amount + $2 = amount THEN 'filled' ELSE status END,
			    updated_at = NOW()
			WHERE id = $1
			RETURNING `+orderColumns, f.OrderID, f.Amount))
		return err
	})
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			return domain.Order{}, err
		}
		return domain.Order{}, fmt.Errorf("postgres: fill order %s: %w", f.OrderID, err)
	}
	return out, nil
}

// Unfill reverses the fill keyed id once.
func (s *OrderStore) Unfill(ctx context.Context, id string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			orderID string
			amount  int64
		)
		err := tx.QueryRow(ctx, `
			UPDATE order_fills SET reverted = TRUE
			WHERE id = $1 AND NOT reverted
			RETURNING order_id, amount`, id).Scan(&orderID, &amount)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE orders
			SET filled_amount = filled_amount - $2,
			    status = CASE WHEN status = 'filled' THEN 'pending' ELSE status END,
			    updated_at = NOW()
			WHERE id = $1`, orderID, amount)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: unfill %s: %w", id, err)
	}
	return nil
}

// Cancel moves a pending order to cancelled. A non-empty userID must own it.
func (s *OrderStore) Cancel(ctx context.Context, id, userID string) (domain.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `
		UPDATE orders SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND ($2 = '' OR user_id = $2) AND status = 'pending'
		RETURNING `+orderColumns, id, userID))
	if errors.Is(err, domain.ErrNotFound) {
		cur, gerr := s.GetByID(ctx, id)
		if gerr != nil {
			return domain.Order{}, gerr
		}
		if userID != "" && cur.UserID != userID {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, domain.ErrOrderNotPending
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("postgres: cancel order %s: %w", id, err)
	}
	return o, nil
}

// CancelPendingByMarket cancels every pending order of a market.
func (s *OrderStore) CancelPendingByMarket(ctx context.Context, marketID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders SET status = 'cancelled', updated_at = NOW()
		WHERE market_id = $1 AND status = 'pending'`, marketID)
	if err != nil {
		return 0, fmt.Errorf("postgres: cancel orders of %s: %w", marketID, err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.OrderStore = (*OrderStore)(nil)
