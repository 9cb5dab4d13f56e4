package record

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists access fragments. Save is compare-and-swap on Version and
// fails with apperr.ErrConflict when the stored version moved on.
type Store interface {
	Create(ctx context.Context, f *AccessFragment) error
	Load(ctx context.Context, recordID uuid.UUID) (*AccessFragment, error)
	Save(ctx context.Context, f *AccessFragment, expectedVersion int) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*AccessFragment, int, error)
	// ListExpiredGrants returns fragments holding at least one grant that
	// expired at or before cutoff.
	ListExpiredGrants(ctx context.Context, cutoff time.Time, limit int) ([]*AccessFragment, error)
}
