package record

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/medaccess/internal/platform/apperr"
	"github.com/ehr/medaccess/internal/platform/db"
)

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store { return &storePG{pool: pool} }

func (s *storePG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, s.pool)
}

const fragmentCols = `record_id, patient_id, doctor_id, is_private, authorized_users,
	shared_with, version_id, created_at, updated_at`

func scanFragment(row pgx.Row) (*AccessFragment, error) {
	var f AccessFragment
	err := row.Scan(&f.RecordID, &f.PatientID, &f.DoctorID, &f.AccessControl.IsPrivate,
		&f.AccessControl.AuthorizedUsers, &f.SharedWith, &f.Version, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func nonNil(f *AccessFragment) ([]uuid.UUID, []ShareGrant) {
	users := f.AccessControl.AuthorizedUsers
	if users == nil {
		users = []uuid.UUID{}
	}
	grants := f.SharedWith
	if grants == nil {
		grants = []ShareGrant{}
	}
	return users, grants
}

func (s *storePG) Create(ctx context.Context, f *AccessFragment) error {
	if f.RecordID == uuid.Nil {
		f.RecordID = uuid.New()
	}
	users, grants := nonNil(f)
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO record_access (record_id, patient_id, doctor_id, is_private,
			authorized_users, shared_with, version_id)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
		RETURNING version_id, created_at, updated_at`,
		f.RecordID, f.PatientID, f.DoctorID, f.AccessControl.IsPrivate, users, grants,
	).Scan(&f.Version, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperr.Conflict("record %s already registered", f.RecordID)
		}
		return fmt.Errorf("insert record_access: %w", err)
	}
	return nil
}

func (s *storePG) Load(ctx context.Context, recordID uuid.UUID) (*AccessFragment, error) {
	f, err := scanFragment(s.conn(ctx).QueryRow(ctx,
		`SELECT `+fragmentCols+` FROM record_access WHERE record_id = $1`, recordID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("record %s", recordID)
	}
	if err != nil {
		return nil, fmt.Errorf("load record_access %s: %w", recordID, err)
	}
	return f, nil
}

func (s *storePG) Save(ctx context.Context, f *AccessFragment, expectedVersion int) error {
	users, grants := nonNil(f)
	err := s.conn(ctx).QueryRow(ctx, `
		UPDATE record_access
		SET is_private = $3, authorized_users = $4, shared_with = $5,
			version_id = version_id + 1, updated_at = NOW()
		WHERE record_id = $1 AND version_id = $2
		RETURNING version_id, updated_at`,
		f.RecordID, expectedVersion, f.AccessControl.IsPrivate, users, grants,
	).Scan(&f.Version, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if qerr := s.conn(ctx).QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM record_access WHERE record_id = $1)`, f.RecordID,
		).Scan(&exists); qerr != nil {
			return fmt.Errorf("check record_access %s: %w", f.RecordID, qerr)
		}
		if !exists {
			return apperr.NotFound("record %s", f.RecordID)
		}
		return apperr.Conflict("record %s changed since version %d", f.RecordID, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("update record_access %s: %w", f.RecordID, err)
	}
	return nil
}

func (s *storePG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*AccessFragment, int, error) {
	var total int
	if err := s.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM record_access WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count record_access: %w", err)
	}
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+fragmentCols+` FROM record_access
		WHERE patient_id = $1 ORDER BY created_at LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list record_access: %w", err)
	}
	items, err := collect(rows)
	return items, total, err
}

func (s *storePG) ListExpiredGrants(ctx context.Context, cutoff time.Time, limit int) ([]*AccessFragment, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+fragmentCols+` FROM record_access r
		WHERE EXISTS (
			SELECT 1 FROM jsonb_array_elements(r.shared_with) g
			WHERE (g->>'expiry_date')::timestamptz <= $1
		)
		ORDER BY updated_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired grants: %w", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]*AccessFragment, error) {
	defer rows.Close()
	var items []*AccessFragment
	for rows.Next() {
		f, err := scanFragment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record_access: %w", err)
		}
		items = append(items, f)
	}
	return items, rows.Err()
}
