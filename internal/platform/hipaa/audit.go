package hipaa

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Action string

const (
	ActionView        Action = "view"
	ActionRegister    Action = "register"
	ActionGrant       Action = "grant"
	ActionRevoke      Action = "revoke"
	ActionDeny        Action = "deny"
	ActionRequest     Action = "request"
	ActionAuthorize   Action = "authorize"
	ActionDeauthorize Action = "deauthorize"
	ActionPrivacy     Action = "privacy"
	ActionAuditQuery  Action = "audit_query"
)

type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeDeny  Outcome = "deny"
)

// Entity types recorded in EntityType.
const (
	EntityMedicalRecord = "medical_record"
	EntityConsent       = "consent"
	EntityUser          = "user"
)

// AuditEntry is one append-only line of the access audit trail.
type AuditEntry struct {
	ID         uuid.UUID `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   uuid.UUID `json:"entity_id"`
	PatientID  uuid.UUID `json:"patient_id"`
	UserID     uuid.UUID `json:"user_id"`
	Role       string    `json:"role"`
	Action     Action    `json:"action"`
	Outcome    Outcome   `json:"outcome"`
	ReasonCode string    `json:"reason_code"`
	RequestID  string    `json:"request_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// AuditLog stores audit entries. Entries are never updated or deleted.
type AuditLog interface {
	Append(ctx context.Context, e *AuditEntry) error
	// ListByEntity returns the trail of one entity, oldest first.
	ListByEntity(ctx context.Context, entityType string, entityID uuid.UUID) ([]*AuditEntry, error)
	// ListByUser returns what one user did, newest first.
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*AuditEntry, int, error)
}

type requestIDKey struct{}

// WithRequestID stores the request id that Append copies onto entries that
// do not carry one.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func prepare(ctx context.Context, e *AuditEntry) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}
}
