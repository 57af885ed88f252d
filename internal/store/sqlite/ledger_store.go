package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// LedgerStore implements domain.LedgerStore on SQLite.
type LedgerStore struct {
	db *sql.DB
}

func (s *LedgerStore) EnsureAccount(ctx context.Context, userID string, initial int64) (domain.Account, bool, error) {
	var (
		acct    domain.Account
		created bool
	)
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		t := ts(now())
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO accounts (user_id, balance, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			userID, initial, t, t)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			created = true
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO ledger_entries (id, user_id, amount, reason, balance_after, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				"grant:"+userID, userID, initial, domain.ReasonInitialGrant, initial, t); err != nil {
				return err
			}
		}
		acct, err = scanAccount(tx.QueryRowContext(ctx, accountQuery, userID))
		return err
	})
	return acct, created, wrap(err, "ensure account %s", userID)
}

const accountQuery = `SELECT user_id, balance, created_at, updated_at FROM accounts WHERE user_id = ?`

func scanAccount(row rowScanner) (domain.Account, error) {
	var (
		a                domain.Account
		created, updated int64
	)
	err := row.Scan(&a.UserID, &a.Balance, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, domain.ErrNotFound
	}
	a.CreatedAt, a.UpdatedAt = fromTS(created), fromTS(updated)
	return a, err
}

func (s *LedgerStore) GetAccount(ctx context.Context, userID string) (domain.Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, accountQuery, userID))
	return a, wrap(err, "get account %s", userID)
}

func (s *LedgerStore) Apply(ctx context.Context, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		seen, err := exists(ctx, tx, `SELECT 1 FROM ledger_entries WHERE id = ?`, e.ID)
		if err != nil {
			return err
		}
		if seen {
			return domain.ErrAlreadyExists
		}
		a, err := scanAccount(tx.QueryRowContext(ctx, accountQuery, e.UserID))
		if err != nil {
			return err
		}
		if a.Balance+e.Amount < 0 {
			return domain.ErrInsufficientFunds
		}
		t := now()
		if e.CreatedAt.IsZero() {
			e.CreatedAt = t
		}
		e.BalanceAfter = a.Balance + e.Amount
		if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = ?, updated_at = ? WHERE user_id = ?`,
			e.BalanceAfter, ts(t), e.UserID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, user_id, amount, reason, ref, balance_after, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.UserID, e.Amount, e.Reason, e.Ref, e.BalanceAfter, ts(e.CreatedAt))
		return err
	})
	if err != nil {
		return domain.LedgerEntry{}, wrap(err, "apply ledger entry %s", e.ID)
	}
	return e, nil
}

const entryColumns = `id, user_id, amount, reason, ref, balance_after, created_at`

func scanEntry(row rowScanner) (domain.LedgerEntry, error) {
	var (
		e       domain.LedgerEntry
		created int64
	)
	err := row.Scan(&e.ID, &e.UserID, &e.Amount, &e.Reason, &e.Ref, &e.BalanceAfter, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LedgerEntry{}, domain.ErrNotFound
	}
	e.CreatedAt = fromTS(created)
	return e, err
}

func (s *LedgerStore) GetEntry(ctx context.Context, id string) (domain.LedgerEntry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, id))
	return e, wrap(err, "get ledger entry %s", id)
}

func (s *LedgerStore) ListEntries(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	query, args := listClause(`SELECT `+entryColumns+` FROM ledger_entries WHERE user_id = ?`,
		"created_at", []any{userID}, opts, "seq DESC")
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err, "list ledger entries")
	}
	defer rows.Close()
	var out []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, wrap(err, "scan ledger entry")
		}
		out = append(out, e)
	}
	return out, wrap(rows.Err(), "list ledger entries rows")
}

var _ domain.LedgerStore = (*LedgerStore)(nil)
