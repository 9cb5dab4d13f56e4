package consent

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists consent rows. Update is compare-and-swap on VersionID
// and fails with apperr.ErrConflict when the stored version moved on.
type Repository interface {
	Create(ctx context.Context, c *Consent) error
	GetByID(ctx context.Context, id uuid.UUID) (*Consent, error)
	Update(ctx context.Context, c *Consent, expectedVersion int) error
	// ListByKey returns every row for the patient and type, general and
	// doctor-specific, newest first.
	ListByKey(ctx context.Context, patientID uuid.UUID, t Type) ([]*Consent, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Consent, int, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Consent, int, error)
	// LockKey serializes writers of one (patient, doctor, type) key so that
	// at most one row per key is in effect. The returned func releases it.
	LockKey(ctx context.Context, patientID uuid.UUID, doctorID *uuid.UUID, t Type) (func(), error)
}

func keyString(patientID uuid.UUID, doctorID *uuid.UUID, t Type) string {
	doc := "*"
	if doctorID != nil {
		doc = doctorID.String()
	}
	return patientID.String() + "/" + doc + "/" + string(t)
}
