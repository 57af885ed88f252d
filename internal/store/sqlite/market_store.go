package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

const marketColumns = `id, channel_id, title, description, rules, resolution_source, mode,
	yes_pool, no_pool, collateral, version, resolved, outcome,
	resolved_at, resolved_by, settled_at, close_time, expected_resolution_time,
	created_by, created_at, updated_at`

// MarketStore implements domain.MarketStore on SQLite.
type MarketStore struct {
	db *sql.DB
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarket(row rowScanner) (domain.Market, error) {
	var (
		m                                     domain.Market
		mode, outcome                         string
		resolvedAt, settledAt, closeAt, expAt sql.NullInt64
		createdAt, updatedAt                  int64
	)
	err := row.Scan(
		&m.ID, &m.ChannelID, &m.Title, &m.Description, &m.Rules, &m.ResolutionSource, &mode,
		&m.YesPool, &m.NoPool, &m.Collateral, &m.Version, &m.Resolved, &outcome,
		&resolvedAt, &m.ResolvedBy, &settledAt, &closeAt, &expAt,
		&m.CreatedBy, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Market{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Market{}, err
	}
	m.Mode = domain.MarketMode(mode)
	m.Outcome = domain.Side(outcome)
	m.ResolvedAt = fromNullTS(resolvedAt)
	m.SettledAt = fromNullTS(settledAt)
	m.CloseTime = fromNullTS(closeAt)
	m.ExpectedResolutionTime = fromNullTS(expAt)
	m.CreatedAt = fromTS(createdAt)
	m.UpdatedAt = fromTS(updatedAt)
	return m, nil
}

func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	created := tsOrNow(m.CreatedAt)
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO markets (
			id, channel_id, title, description, rules, resolution_source, mode,
			yes_pool, no_pool, close_time, expected_resolution_time, created_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChannelID, m.Title, m.Description, m.Rules, m.ResolutionSource, string(m.Mode),
		m.YesPool, m.NoPool, nullTS(m.CloseTime), nullTS(m.ExpectedResolutionTime), m.CreatedBy, created, created)
	if err != nil {
		return wrap(err, "create market %s", m.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	m, err := scanMarket(s.db.QueryRowContext(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = ?`, id))
	return m, wrap(err, "get market %s", id)
}

func (s *MarketStore) List(ctx context.Context, filter domain.MarketFilter, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketColumns + ` FROM markets WHERE 1=1`
	var args []any
	if filter.ChannelID != "" {
		query += " AND channel_id = ?"
		args = append(args, filter.ChannelID)
	}
	if filter.Resolved != nil {
		query += " AND resolved = ?"
		args = append(args, *filter.Resolved)
	}
	query, args = listClause(query, "created_at", args, opts, "created_at DESC, rowid DESC")
	return s.query(ctx, query, args...)
}

func (s *MarketStore) query(ctx context.Context, query string, args ...any) ([]domain.Market, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err, "list markets")
	}
	defer rows.Close()
	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, wrap(err, "scan market")
		}
		out = append(out, m)
	}
	return out, wrap(rows.Err(), "list markets rows")
}

func (s *MarketStore) UpdatePool(ctx context.Context, u domain.PoolUpdate) (domain.Market, error) {
	var out domain.Market
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		seen, err := exists(ctx, tx, `SELECT 1 FROM pool_ops WHERE id = ?`, u.ID)
		if err != nil {
			return err
		}
		if seen {
			return domain.ErrAlreadyExists
		}
		m, err := scanMarket(tx.QueryRowContext(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = ?`, u.MarketID))
		if err != nil {
			return err
		}
		switch {
		case m.Resolved:
			return domain.ErrMarketResolved
		case m.Version != u.FromVersion:
			return domain.ErrVersionConflict
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pool_ops (id, market_id, from_version, before_yes, before_no, collateral_delta)
			VALUES (?, ?, ?, ?, ?, ?)`,
			u.ID, u.MarketID, u.FromVersion, m.YesPool, m.NoPool, u.CollateralDelta); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE markets
			SET yes_pool = ?, no_pool = ?, collateral = collateral + ?, version = version + 1, updated_at = ?
			WHERE id = ?`,
			u.YesPool, u.NoPool, u.CollateralDelta, ts(now()), u.MarketID); err != nil {
			return err
		}
		out, err = scanMarket(tx.QueryRowContext(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = ?`, u.MarketID))
		return err
	})
	return out, wrap(err, "update pool %s", u.MarketID)
}

func (s *MarketStore) RevertPool(ctx context.Context, id string) error {
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		var (
			marketID            string
			fromVersion, delta  int64
			beforeYes, beforeNo float64
			reverted            bool
		)
		err := tx.QueryRowContext(ctx, `
			SELECT market_id, from_version, before_yes, before_no, collateral_delta, reverted
			FROM pool_ops WHERE id = ?`, id,
		).Scan(&marketID, &fromVersion, &beforeYes, &beforeNo, &delta, &reverted)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && reverted) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE pool_ops SET reverted = 1 WHERE id = ?`, id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE markets
			SET yes_pool = CASE WHEN version = ? THEN ? ELSE yes_pool END,
			    no_pool  = CASE WHEN version = ? THEN ? ELSE no_pool END,
			    collateral = collateral - ?,
			    version = version + 1,
			    updated_at = ?
			WHERE id = ?`,
			fromVersion+1, beforeYes, fromVersion+1, beforeNo, delta, ts(now()), marketID)
		return err
	})
	return wrap(err, "revert pool op %s", id)
}

func (s *MarketStore) MarkResolved(ctx context.Context, id string, outcome domain.Side, by string, at time.Time) (domain.Market, error) {
	var out domain.Market
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		m, err := scanMarket(tx.QueryRowContext(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = ?`, id))
		if err != nil {
			return err
		}
		if m.Resolved {
			return domain.ErrMarketResolved
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE markets SET resolved = 1, outcome = ?, resolved_by = ?, resolved_at = ?, updated_at = ?
			WHERE id = ?`, string(outcome), by, ts(at), ts(at), id); err != nil {
			return err
		}
		out, err = scanMarket(tx.QueryRowContext(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = ?`, id))
		return err
	})
	return out, wrap(err, "resolve market %s", id)
}

func (s *MarketStore) MarkSettled(ctx context.Context, id string, at time.Time) error {
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		m, err := scanMarket(tx.QueryRowContext(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = ?`, id))
		if err != nil {
			return err
		}
		if !m.Resolved {
			return domain.ErrMarketNotResolved
		}
		if m.SettledAt != nil {
			return nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE markets SET settled_at = ?, updated_at = ? WHERE id = ?`, ts(at), ts(at), id)
		return err
	})
	return wrap(err, "settle market %s", id)
}

func (s *MarketStore) ListUnsettled(ctx context.Context) ([]domain.Market, error) {
	return s.query(ctx, `SELECT `+marketColumns+` FROM markets WHERE resolved = 1 AND settled_at IS NULL ORDER BY resolved_at`)
}

func (s *MarketStore) ListResolvedBefore(ctx context.Context, before time.Time) ([]domain.Market, error) {
	return s.query(ctx, `SELECT `+marketColumns+` FROM markets WHERE resolved = 1 AND resolved_at < ? ORDER BY resolved_at`, ts(before))
}

var _ domain.MarketStore = (*MarketStore)(nil)
