package hipaa

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/medaccess/internal/platform/db"
)

// AuditLogger writes audit entries to the access_audit table. Appends made
// with a transaction in the context commit or roll back with it.
type AuditLogger struct {
	pool *pgxpool.Pool
}

func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

const auditCols = `id, entity_type, entity_id, patient_id, user_id, user_role,
	action, outcome, reason_code, request_id, recorded_at`

func (a *AuditLogger) Append(ctx context.Context, e *AuditEntry) error {
	prepare(ctx, e)
	_, err := db.Conn(ctx, a.pool).Exec(ctx, `
		INSERT INTO access_audit (`+auditCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.EntityType, e.EntityID, e.PatientID, e.UserID, e.Role,
		e.Action, e.Outcome, e.ReasonCode, e.RequestID, e.Timestamp)
	if err != nil {
		return fmt.Errorf("hipaa audit: insert: %w", err)
	}
	return nil
}

func (a *AuditLogger) ListByEntity(ctx context.Context, entityType string, entityID uuid.UUID) ([]*AuditEntry, error) {
	rows, err := db.Conn(ctx, a.pool).Query(ctx, `SELECT `+auditCols+` FROM access_audit
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY recorded_at ASC, id`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: list by entity: %w", err)
	}
	return collect(rows)
}

func (a *AuditLogger) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*AuditEntry, int, error) {
	q := db.Conn(ctx, a.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM access_audit WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("hipaa audit: count by user: %w", err)
	}
	rows, err := q.Query(ctx, `SELECT `+auditCols+` FROM access_audit
		WHERE user_id = $1 ORDER BY recorded_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("hipaa audit: list by user: %w", err)
	}
	entries, err := collect(rows)
	return entries, total, err
}

func collect(rows pgx.Rows) ([]*AuditEntry, error) {
	defer rows.Close()
	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.PatientID, &e.UserID, &e.Role,
			&e.Action, &e.Outcome, &e.ReasonCode, &e.RequestID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("hipaa audit: scan: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
