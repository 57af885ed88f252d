// Package sqlite implements the domain stores on an embedded SQLite database
// (modernc.org/sqlite, no cgo). The pool holds a single connection, so every
// transaction is serialised and a check followed by a write is atomic.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// Timestamps are stored as UTC unix nanoseconds so that they order and
// compare as integers.
const schema = `
CREATE TABLE IF NOT EXISTS markets (
    id                       TEXT PRIMARY KEY,
    channel_id               TEXT    NOT NULL,
    title                    TEXT    NOT NULL,
    description              TEXT    NOT NULL DEFAULT '',
    rules                    TEXT    NOT NULL DEFAULT '',
    resolution_source        TEXT    NOT NULL DEFAULT '',
    mode                     TEXT    NOT NULL,
    yes_pool                 REAL    NOT NULL,
    no_pool                  REAL    NOT NULL,
    collateral               INTEGER NOT NULL DEFAULT 0,
    version                  INTEGER NOT NULL DEFAULT 0,
    resolved                 INTEGER NOT NULL DEFAULT 0,
    outcome                  TEXT    NOT NULL DEFAULT '',
    resolved_at              INTEGER,
    resolved_by              TEXT    NOT NULL DEFAULT '',
    settled_at               INTEGER,
    close_time               INTEGER,
    expected_resolution_time INTEGER,
    created_by               TEXT    NOT NULL DEFAULT '',
    created_at               INTEGER NOT NULL,
    updated_at               INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_markets_channel ON markets(channel_id, created_at DESC);

CREATE TABLE IF NOT EXISTS pool_ops (
    id               TEXT PRIMARY KEY,
    market_id        TEXT    NOT NULL,
    from_version     INTEGER NOT NULL,
    before_yes       REAL    NOT NULL,
    before_no        REAL    NOT NULL,
    collateral_delta INTEGER NOT NULL,
    reverted         INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS accounts (
    user_id    TEXT PRIMARY KEY,
    balance    INTEGER NOT NULL CHECK (balance >= 0),
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    seq           INTEGER PRIMARY KEY AUTOINCREMENT,
    id            TEXT    NOT NULL UNIQUE,
    user_id       TEXT    NOT NULL,
    amount        INTEGER NOT NULL,
    reason        TEXT    NOT NULL,
    ref           TEXT    NOT NULL DEFAULT '',
    balance_after INTEGER NOT NULL,
    created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger_entries(user_id, seq DESC);

CREATE TABLE IF NOT EXISTS positions (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id    TEXT    NOT NULL,
    market_id  TEXT    NOT NULL,
    yes_shares REAL    NOT NULL DEFAULT 0,
    no_shares  REAL    NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL,
    UNIQUE (user_id, market_id)
);

CREATE TABLE IF NOT EXISTS position_ops (
    id         TEXT PRIMARY KEY,
    user_id    TEXT    NOT NULL,
    market_id  TEXT    NOT NULL,
    yes_delta  REAL    NOT NULL,
    no_delta   REAL    NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
    seq           INTEGER PRIMARY KEY AUTOINCREMENT,
    id            TEXT    NOT NULL UNIQUE,
    user_id       TEXT    NOT NULL,
    market_id     TEXT    NOT NULL,
    side          TEXT    NOT NULL,
    price         INTEGER NOT NULL,
    amount        INTEGER NOT NULL,
    filled_amount INTEGER NOT NULL DEFAULT 0,
    status        TEXT    NOT NULL,
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_book ON orders(market_id, side, status, created_at, seq);
CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, seq DESC);

CREATE TABLE IF NOT EXISTS order_fills (
    id       TEXT PRIMARY KEY,
    order_id TEXT    NOT NULL,
    amount   INTEGER NOT NULL,
    reverted INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS bets (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT    NOT NULL UNIQUE,
    user_id    TEXT    NOT NULL,
    market_id  TEXT    NOT NULL,
    side       TEXT    NOT NULL,
    type       TEXT    NOT NULL,
    amount     INTEGER NOT NULL,
    shares     REAL    NOT NULL,
    yes_price  REAL    NOT NULL,
    order_id   TEXT    NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bets_market ON bets(market_id, seq);
CREATE INDEX IF NOT EXISTS idx_bets_user   ON bets(user_id, seq DESC);

CREATE TABLE IF NOT EXISTS audit_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    event      TEXT    NOT NULL,
    detail     TEXT,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sagas (
    id         TEXT PRIMARY KEY,
    operation  TEXT    NOT NULL,
    user_id    TEXT    NOT NULL,
    market_id  TEXT    NOT NULL DEFAULT '',
    status     TEXT    NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sagas_status ON sagas(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_sagas_market ON sagas(market_id, status);

CREATE TABLE IF NOT EXISTS saga_steps (
    saga_id    TEXT    NOT NULL,
    seq        INTEGER NOT NULL,
    kind       TEXT    NOT NULL,
    payload    TEXT    NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (saga_id, seq)
);
`

// DB is an open SQLite database.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema. Use
// ":memory:" for a throwaway database.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Stores returns every store backed by this database.
func (d *DB) Stores() domain.Stores {
	return domain.Stores{
		Markets:   &MarketStore{db: d.db},
		Ledger:    &LedgerStore{db: d.db},
		Positions: &PositionStore{db: d.db},
		Orders:    &OrderStore{db: d.db},
		Bets:      &BetStore{db: d.db},
		Audit:     &AuditStore{db: d.db},
		Sagas:     &SagaStore{db: d.db},
	}
}

// Ping checks the database for health probes.
func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

// inTx runs fn in a transaction, committing on nil and rolling back
// otherwise.
func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// wrap annotates infrastructure errors and passes domain errors through.
func wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return fmt.Errorf("sqlite: "+format+": %w", append(args, err)...)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func exists(ctx context.Context, q queryer, query string, args ...any) (bool, error) {
	var ok bool
	err := q.QueryRowContext(ctx, "SELECT EXISTS("+query+")", args...).Scan(&ok)
	return ok, err
}

func now() time.Time { return time.Now().UTC() }

func ts(t time.Time) int64 { return t.UTC().UnixNano() }

func fromTS(n int64) time.Time { return time.Unix(0, n).UTC() }

func tsOrNow(t time.Time) int64 {
	if t.IsZero() {
		return ts(now())
	}
	return ts(t)
}

func nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func fromNullTS(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromTS(n.Int64)
	return &t
}

// listClause appends the time window and paging of opts to query.
func listClause(query, column string, args []any, opts domain.ListOpts, order string) (string, []any) {
	if opts.Since != nil {
		query += " AND " + column + " >= ?"
		args = append(args, ts(*opts.Since))
	}
	if opts.Until != nil {
		query += " AND " + column + " < ?"
		args = append(args, ts(*opts.Until))
	}
	query += " ORDER BY " + order
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, opts.Offset)
	}
	return query, args
}
