package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// AuditStore implements domain.AuditStore on SQLite; detail is JSON text.
type AuditStore struct {
	db *sql.DB
}

func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return wrap(err, "marshal audit detail")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO audit_log (event, detail, created_at) VALUES (?, ?, ?)`,
		event, string(raw), ts(now()))
	return wrap(err, "log audit event %s", event)
}

func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query, args := listClause(`SELECT id, event, detail, created_at FROM audit_log WHERE 1=1`,
		"created_at", nil, opts, "id DESC")
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err, "list audit entries")
	}
	defer rows.Close()
	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e       domain.AuditEntry
			detail  sql.NullString
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Event, &detail, &created); err != nil {
			return nil, wrap(err, "scan audit entry")
		}
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, wrap(err, "unmarshal audit detail")
			}
		}
		e.CreatedAt = fromTS(created)
		out = append(out, e)
	}
	return out, wrap(rows.Err(), "list audit entries rows")
}

var _ domain.AuditStore = (*AuditStore)(nil)
