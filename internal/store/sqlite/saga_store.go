package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// SagaStore implements domain.SagaStore on SQLite with one row per step.
type SagaStore struct {
	db *sql.DB
}

func (s *SagaStore) Begin(ctx context.Context, r domain.SagaRecord) error {
	if r.Status == "" {
		r.Status = domain.SagaPending
	}
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		t := ts(now())
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO sagas (id, operation, user_id, market_id, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Operation, r.UserID, r.MarketID, string(r.Status), tsOrNow(r.CreatedAt), t)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrAlreadyExists
		}
		for _, st := range r.Steps {
			if err := insertStep(ctx, tx, r.ID, st); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap(err, "begin saga %s", r.ID)
}

func insertStep(ctx context.Context, tx *sql.Tx, sagaID string, st domain.SagaStep) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO saga_steps (saga_id, seq, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		sagaID, st.Seq, st.Kind, string(st.Payload), tsOrNow(st.CreatedAt))
	return err
}

func (s *SagaStore) AppendStep(ctx context.Context, sagaID string, step domain.SagaStep) error {
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE sagas SET updated_at = ? WHERE id = ?`, ts(now()), sagaID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound
		}
		return insertStep(ctx, tx, sagaID, step)
	})
	return wrap(err, "append saga step %s", sagaID)
}

func (s *SagaStore) Finish(ctx context.Context, sagaID string, status domain.SagaStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sagas SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), ts(now()), sagaID)
	if err != nil {
		return wrap(err, "finish saga %s", sagaID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SagaStore) Get(ctx context.Context, sagaID string) (domain.SagaRecord, error) {
	var out domain.SagaRecord
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		r, err := scanSaga(tx.QueryRowContext(ctx, sagaQuery+` WHERE id = ?`, sagaID))
		if err != nil {
			return err
		}
		out, err = withSteps(ctx, tx, r)
		return err
	})
	return out, wrap(err, "get saga %s", sagaID)
}

func (s *SagaStore) ListPending(ctx context.Context, olderThan time.Time) ([]domain.SagaRecord, error) {
	out, err := s.listPending(ctx, ` AND updated_at < ?`, ts(olderThan))
	return out, wrap(err, "list pending sagas")
}

func (s *SagaStore) ListPendingByMarket(ctx context.Context, marketID string) ([]domain.SagaRecord, error) {
	out, err := s.listPending(ctx, ` AND market_id = ?`, marketID)
	return out, wrap(err, "list pending sagas by market")
}

func (s *SagaStore) listPending(ctx context.Context, filter string, args ...any) ([]domain.SagaRecord, error) {
	var out []domain.SagaRecord
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, sagaQuery+` WHERE status = 'pending'`+filter+` ORDER BY created_at`, args...)
		if err != nil {
			return err
		}
		var recs []domain.SagaRecord
		for rows.Next() {
			r, err := scanSaga(rows)
			if err != nil {
				rows.Close()
				return err
			}
			recs = append(recs, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, r := range recs {
			full, err := withSteps(ctx, tx, r)
			if err != nil {
				return err
			}
			out = append(out, full)
		}
		return nil
	})
	return out, err
}

const sagaQuery = `SELECT id, operation, user_id, market_id, status, created_at, updated_at FROM sagas`

func scanSaga(row rowScanner) (domain.SagaRecord, error) {
	var (
		r                domain.SagaRecord
		status           string
		created, updated int64
	)
	err := row.Scan(&r.ID, &r.Operation, &r.UserID, &r.MarketID, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SagaRecord{}, domain.ErrNotFound
	}
	r.Status = domain.SagaStatus(status)
	r.CreatedAt, r.UpdatedAt = fromTS(created), fromTS(updated)
	return r, err
}

func withSteps(ctx context.Context, tx *sql.Tx, r domain.SagaRecord) (domain.SagaRecord, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT seq, kind, payload, created_at FROM saga_steps WHERE saga_id = ? ORDER BY seq`, r.ID)
	if err != nil {
		return r, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			st      domain.SagaStep
			payload string
			created int64
		)
		if err := rows.Scan(&st.Seq, &st.Kind, &payload, &created); err != nil {
			return r, err
		}
		st.Payload = []byte(payload)
		st.CreatedAt = fromTS(created)
		r.Steps = append(r.Steps, st)
	}
	return r, rows.Err()
}

var _ domain.SagaStore = (*SagaStore)(nil)
