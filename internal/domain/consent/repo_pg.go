package consent

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/medaccess/internal/platform/apperr"
	"github.com/ehr/medaccess/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const consentCols = `id, patient_id, doctor_id, consent_type, status,
	requested_at, requested_by, granted_at, granted_by, expiry_date,
	revoked_at, revoked_by, revocation_reason, denied_at, denied_by, denial_reason,
	note, version_id, created_at, updated_at`

func scanConsent(row pgx.Row) (*Consent, error) {
	var c Consent
	err := row.Scan(&c.ID, &c.PatientID, &c.DoctorID, &c.Type, &c.Status,
		&c.RequestedAt, &c.RequestedBy, &c.GrantedAt, &c.GrantedBy, &c.ExpiryDate,
		&c.RevokedAt, &c.RevokedBy, &c.RevocationReason, &c.DeniedAt, &c.DeniedBy, &c.DenialReason,
		&c.Note, &c.VersionID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repoPG) Create(ctx context.Context, c *Consent) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO consent (id, patient_id, doctor_id, consent_type, status,
			requested_at, requested_by, granted_at, granted_by, expiry_date,
			note, version_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,1,COALESCE($12, NOW()),COALESCE($12, NOW()))
		RETURNING version_id, created_at, updated_at`,
		c.ID, c.PatientID, c.DoctorID, c.Type, c.Status,
		c.RequestedAt, c.RequestedBy, c.GrantedAt, c.GrantedBy, c.ExpiryDate,
		c.Note, createdAtArg(c),
	).Scan(&c.VersionID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert consent: %w", err)
	}
	return nil
}

func createdAtArg(c *Consent) any {
	if c.CreatedAt.IsZero() {
		return nil
	}
	return c.CreatedAt
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Consent, error) {
	c, err := scanConsent(r.conn(ctx).QueryRow(ctx, `SELECT `+consentCols+` FROM consent WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("consent %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get consent %s: %w", id, err)
	}
	return c, nil
}

func (r *repoPG) Update(ctx context.Context, c *Consent, expectedVersion int) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE consent SET status=$3, granted_at=$4, granted_by=$5, expiry_date=$6,
			revoked_at=$7, revoked_by=$8, revocation_reason=$9,
			denied_at=$10, denied_by=$11, denial_reason=$12, note=$13,
			version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND version_id = $2
		RETURNING version_id, updated_at`,
		c.ID, expectedVersion, c.Status, c.GrantedAt, c.GrantedBy, c.ExpiryDate,
		c.RevokedAt, c.RevokedBy, c.RevocationReason,
		c.DeniedAt, c.DeniedBy, c.DenialReason, c.Note,
	).Scan(&c.VersionID, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := r.GetByID(ctx, c.ID); gerr != nil {
			return gerr
		}
		return apperr.Conflict("consent %s changed since version %d", c.ID, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("update consent %s: %w", c.ID, err)
	}
	return nil
}

func (r *repoPG) ListByKey(ctx context.Context, patientID uuid.UUID, t Type) ([]*Consent, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+consentCols+` FROM consent
		WHERE patient_id = $1 AND consent_type = $2
		ORDER BY created_at DESC`, patientID, t)
	if err != nil {
		return nil, fmt.Errorf("list consent by key: %w", err)
	}
	return collect(rows)
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Consent, int, error) {
	return r.list(ctx, `patient_id = $1`, patientID, limit, offset)
}

func (r *repoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Consent, int, error) {
	return r.list(ctx, `doctor_id = $1`, doctorID, limit, offset)
}

func (r *repoPG) list(ctx context.Context, where string, id uuid.UUID, limit, offset int) ([]*Consent, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM consent WHERE `+where, id).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count consent: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+consentCols+` FROM consent WHERE `+where+`
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, id, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list consent: %w", err)
	}
	items, err := collect(rows)
	return items, total, err
}

// LockKey takes a transaction-scoped advisory lock, released on commit or
// rollback. Outside a transaction there is nothing to hold it and it is a
// no-op.
func (r *repoPG) LockKey(ctx context.Context, patientID uuid.UUID, doctorID *uuid.UUID, t Type) (func(), error) {
	tx := db.TxFromContext(ctx)
	if tx == nil {
		return func() {}, nil
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, keyString(patientID, doctorID, t)); err != nil {
		return nil, fmt.Errorf("lock consent key: %w", err)
	}
	return func() {}, nil
}

func collect(rows pgx.Rows) ([]*Consent, error) {
	defer rows.Close()
	var items []*Consent
	for rows.Next() {
		c, err := scanConsent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan consent: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}
