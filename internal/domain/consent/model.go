package consent

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeMedicalRecords Type = "medical_records"
	TypeTelemedicine   Type = "telemedicine"
	TypeResearch       Type = "research"
	TypeCommunications Type = "communications"
	TypeHIPAA          Type = "hipaa"
	TypeTreatment      Type = "treatment"
	TypeDataSharing    Type = "data_sharing"
	TypeAppointment    Type = "appointment"
)

var validTypes = map[Type]bool{
	TypeMedicalRecords: true,
	TypeTelemedicine:   true,
	TypeResearch:       true,
	TypeCommunications: true,
	TypeHIPAA:          true,
	TypeTreatment:      true,
	TypeDataSharing:    true,
	TypeAppointment:    true,
}

func (t Type) Valid() bool { return validTypes[t] }

type Status string

const (
	StatusRequested Status = "requested"
	StatusGranted   Status = "granted"
	StatusDenied    Status = "denied"
	StatusRevoked   Status = "revoked"
	// StatusExpired is never stored. It is derived from a granted row whose
	// expiry has passed.
	StatusExpired Status = "expired"
)

// Consent is one row of the consent ledger. Rows are never deleted; a new
// request or grant after a terminal state creates a new row.
type Consent struct {
	ID               uuid.UUID  `json:"id"`
	PatientID        uuid.UUID  `json:"patient_id"`
	DoctorID         *uuid.UUID `json:"doctor_id,omitempty"`
	Type             Type       `json:"type"`
	Status           Status     `json:"status"`
	RequestedAt      *time.Time `json:"requested_at,omitempty"`
	RequestedBy      *uuid.UUID `json:"requested_by,omitempty"`
	GrantedAt        *time.Time `json:"granted_at,omitempty"`
	GrantedBy        *uuid.UUID `json:"granted_by,omitempty"`
	ExpiryDate       *time.Time `json:"expiry_date,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevokedBy        *uuid.UUID `json:"revoked_by,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
	DeniedAt         *time.Time `json:"denied_at,omitempty"`
	DeniedBy         *uuid.UUID `json:"denied_by,omitempty"`
	DenialReason     string     `json:"denial_reason,omitempty"`
	Note             string     `json:"note,omitempty"`
	VersionID        int        `json:"version_id"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (c *Consent) GetVersionID() int  { return c.VersionID }
func (c *Consent) SetVersionID(v int) { c.VersionID = v }

// InEffect reports whether the consent is granted and unexpired at now.
func (c *Consent) InEffect(now time.Time) bool {
	return c.Status == StatusGranted && c.ExpiryDate != nil && c.ExpiryDate.After(now)
}

// EffectiveStatus returns the stored status, with a lapsed grant reported as
// expired.
func (c *Consent) EffectiveStatus(now time.Time) Status {
	if c.Status == StatusGranted && !c.InEffect(now) {
		return StatusExpired
	}
	return c.Status
}

// IsGeneral reports whether the consent applies to any doctor.
func (c *Consent) IsGeneral() bool { return c.DoctorID == nil }

// ForDoctor reports whether the row is specific to doctorID.
func (c *Consent) ForDoctor(doctorID uuid.UUID) bool {
	return c.DoctorID != nil && *c.DoctorID == doctorID
}

func (c *Consent) sameKey(doctorID *uuid.UUID) bool {
	if doctorID == nil {
		return c.DoctorID == nil
	}
	return c.ForDoctor(*doctorID)
}

// View is the read representation returned to callers.
type View struct {
	*Consent
	Effective Status `json:"effective_status"`
}

func (c *Consent) View(now time.Time) View {
	return View{Consent: c, Effective: c.EffectiveStatus(now)}
}

func (c *Consent) clone() *Consent {
	cp := *c
	return &cp
}
