package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// LedgerStore implements domain.LedgerStore using PostgreSQL. The balance
// column carries a CHECK (balance >= 0) so that no code path can overdraw.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

func (s *LedgerStore) EnsureAccount(ctx context.Context, userID string, initial int64) (domain.Account, bool, error) {
	var (
		acct    domain.Account
		created bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO accounts (user_id, balance) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING`,
			userID, initial)
		if err != nil {
			return err
		}
		if created = tag.RowsAffected() == 1; created {
			_, err = tx.Exec(ctx, `
				INSERT INTO ledger_entries (id, user_id, amount, reason, balance_after)
				VALUES ($1, $2, $3, $4, $3)`,
				"grant:"+userID, userID, initial, domain.ReasonInitialGrant)
			if err != nil {
				return err
			}
		}
		return tx.QueryRow(ctx,
			`SELECT user_id, balance, created_at, updated_at FROM accounts WHERE user_id = $1`, userID,
		).Scan(&acct.UserID, &acct.Balance, &acct.CreatedAt, &acct.UpdatedAt)
	})
	if err != nil {
		return domain.Account{}, false, fmt.Errorf("postgres: ensure account %s: %w", userID, err)
	}
	return acct, created, nil
}

func (s *LedgerStore) GetAccount(ctx context.Context, userID string) (domain.Account, error) {
	var a domain.Account
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, balance, created_at, updated_at FROM accounts WHERE user_id = $1`, userID,
	).Scan(&a.UserID, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("postgres: get account %s: %w", userID, err)
	}
	return a, nil
}

func (s *LedgerStore) Apply(ctx context.Context, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var seen bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE id = $1)`, e.ID).Scan(&seen); err != nil {
			return err
		}
		if seen {
			return domain.ErrAlreadyExists
		}
		err := tx.QueryRow(ctx, `
			UPDATE accounts SET balance = balance + $2, updated_at = NOW()
			WHERE user_id = $1 AND balance + $2 >= 0
			RETURNING balance`, e.UserID, e.Amount,
		).Scan(&e.BalanceAfter)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM accounts WHERE user_id = $1)`, e.UserID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return domain.ErrNotFound
			}
			return domain.ErrInsufficientFunds
		}
		if err != nil {
			return err
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO ledger_entries (id, user_id, amount, reason, ref, balance_after)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING created_at`,
			e.ID, e.UserID, e.Amount, e.Reason, e.Ref, e.BalanceAfter,
		).Scan(&e.CreatedAt)
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return err
	})
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			return domain.LedgerEntry{}, err
		}
		return domain.LedgerEntry{}, fmt.Errorf("postgres: apply ledger entry %s: %w", e.ID, err)
	}
	return e, nil
}

const entryColumns = `id, user_id, amount, reason, ref, balance_after, created_at`

func scanEntry(row pgx.Row) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := row.Scan(&e.ID, &e.UserID, &e.Amount, &e.Reason, &e.Ref, &e.BalanceAfter, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LedgerEntry{}, domain.ErrNotFound
	}
	return e, err
}

func (s *LedgerStore) GetEntry(ctx context.Context, id string) (domain.LedgerEntry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.LedgerEntry{}, fmt.Errorf("postgres: get ledger entry %s: %w", id, err)
	}
	return e, err
}

func (s *LedgerStore) ListEntries(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	query, args := listClause(`SELECT `+entryColumns+` FROM ledger_entries WHERE user_id = $1`,
		"created_at", []any{userID}, opts, "seq DESC")
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list ledger entries rows: %w", err)
	}
	return out, nil
}

var _ domain.LedgerStore = (*LedgerStore)(nil)
