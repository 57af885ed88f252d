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

const marketColumns = `
	id, channel_id, title, description, rules, resolution_source, mode,
	yes_pool, no_pool, collateral, version, resolved, outcome,
	resolved_at, resolved_by, settled_at, close_time, expected_resolution_time,
	created_by, created_at, updated_at`

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m       domain.Market
		mode    string
		outcome string
	)
	err := row.Scan(
		&m.ID, &m.ChannelID, &m.Title, &m.Description, &m.Rules, &m.ResolutionSource, &mode,
		&m.YesPool, &m.NoPool, &m.Collateral, &m.Version, &m.Resolved, &outcome,
		&m.ResolvedAt, &m.ResolvedBy, &m.SettledAt, &m.CloseTime, &m.ExpectedResolutionTime,
		&m.CreatedBy, &m.CreatedAt, &m.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Market{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Market{}, err
	}
	m.Mode = domain.MarketMode(mode)
	m.Outcome = domain.Side(outcome)
	return m, nil
}

func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, channel_id, title, description, rules, resolution_source, mode,
			yes_pool, no_pool, close_time, expected_resolution_time, created_by,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, COALESCE($13, NOW()), COALESCE($13, NOW()))`
	var created *time.Time
	if !m.CreatedAt.IsZero() {
		created = &m.CreatedAt
	}
	_, err := s.pool.Exec(ctx, query,
		m.ID, m.ChannelID, m.Title, m.Description, m.Rules, m.ResolutionSource, string(m.Mode),
		m.YesPool, m.NoPool, m.CloseTime, m.ExpectedResolutionTime, m.CreatedBy, created,
	)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	return nil
}

func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, err
}

func (s *MarketStore) List(ctx context.Context, filter domain.MarketFilter, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketColumns + ` FROM markets WHERE 1=1`
	var args []any
	if filter.ChannelID != "" {
		args = append(args, filter.ChannelID)
		query += fmt.Sprintf(" AND channel_id = $%d", len(args))
	}
	if filter.Resolved != nil {
		args = append(args, *filter.Resolved)
		query += fmt.Sprintf(" AND resolved = $%d", len(args))
	}
	query, args = listClause(query, "created_at", args, opts, "created_at DESC")
	return s.query(ctx, "list markets", query, args...)
}

func (s *MarketStore) query(ctx context.Context, what, query string, args ...any) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", what, err)
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", what, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", what, err)
	}
	return out, nil
}

func (s *MarketStore) UpdatePool(ctx context.Context, u domain.PoolUpdate) (domain.Market, error) {
	var out domain.Market
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		m, err := scanMarket(tx.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1 FOR UPDATE`, u.MarketID))
		if err != nil {
			return err
		}
		switch {
		case m.Resolved:
			return domain.ErrMarketResolved
		case m.Version != u.FromVersion:
			return domain.ErrVersionConflict
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO pool_ops (id, market_id, from_version, before_yes, before_no, collateral_delta)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			u.ID, u.MarketID, u.FromVersion, m.YesPool, m.NoPool, u.CollateralDelta)
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		if err != nil {
			return err
		}
		out, err = scanMarket(tx.QueryRow(ctx, `
			UPDATE markets
			SET yes_pool = $2, no_pool = $3, collateral = collateral + $4,
			    version = version + 1, updated_at = NOW()
			WHERE id = $1
			RETURNING `+marketColumns,
			u.MarketID, u.YesPool, u.NoPool, u.CollateralDelta))
		return err
	})
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			return domain.Market{}, err
		}
		return domain.Market{}, fmt.Errorf("postgres: update pool %s: %w", u.MarketID, err)
	}
	return out, nil
}

func (s *MarketStore) RevertPool(ctx context.Context, id string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			marketID            string
			fromVersion, delta  int64
			beforeYes, beforeNo float64
		)
		err := tx.QueryRow(ctx, `
			UPDATE pool_ops SET reverted = TRUE
			WHERE id = $1 AND NOT reverted
			RETURNING market_id, from_version, before_yes, before_no, collateral_delta`, id,
		).Scan(&marketID, &fromVersion, &beforeYes, &beforeNo, &delta)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		// Reserves roll back only if nothing moved the pool since; collateral
		// always does.
		_, err = tx.Exec(ctx, `
			UPDATE markets
			SET yes_pool = CASE WHEN version = $2 THEN $3 ELSE yes_pool END,
			    no_pool  = CASE WHEN version = $2 THEN $4 ELSE no_pool END,
			    collateral = collateral - $5,
			    version = version + 1,
			    updated_at = NOW()
			WHERE id = $1`,
			marketID, fromVersion+1, beforeYes, beforeNo, delta)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: revert pool op %s: %w", id, err)
	}
	return nil
}

func (s *MarketStore) MarkResolved(ctx context.Context, id string, outcome domain.Side, by string, at time.Time) (domain.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx, `
		UPDATE markets
		SET resolved = TRUE, outcome = $2, resolved_by = $3, resolved_at = $4, updated_at = $4
		WHERE id = $1 AND NOT resolved
		RETURNING `+marketColumns,
		id, string(outcome), by, at))
	if errors.Is(err, domain.ErrNotFound) {
		if _, gerr := s.GetByID(ctx, id); gerr != nil {
			return domain.Market{}, gerr
		}
		return domain.Market{}, domain.ErrMarketResolved
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: resolve market %s: %w", id, err)
	}
	return m, nil
}

func (s *MarketStore) MarkSettled(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE markets SET settled_at = COALESCE(settled_at, $2), updated_at = $2
		WHERE id = $1 AND resolved`, id, at)
	if err != nil {
		return fmt.Errorf("postgres: settle market %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
		return domain.ErrMarketNotResolved
	}
	return nil
}

func (s *MarketStore) ListUnsettled(ctx context.Context) ([]domain.Market, error) {
	return s.query(ctx, "list unsettled markets",
		`SELECT `+marketColumns+` FROM markets WHERE resolved AND settled_at IS NULL ORDER BY resolved_at`)
}

func (s *MarketStore) ListResolvedBefore(ctx context.Context, before time.Time) ([]domain.Market, error) {
	return s.query(ctx, "list resolved markets",
		`SELECT `+marketColumns+` FROM markets WHERE resolved AND resolved_at < $1 ORDER BY resolved_at`, before)
}

var _ domain.MarketStore = (*MarketStore)(nil)
