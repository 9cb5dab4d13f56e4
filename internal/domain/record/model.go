package record

import (
	"time"

	"github.com/google/uuid"
)

// AccessControl is the explicit authorization block of a medical record.
// The owning patient and the authoring doctor are implicitly authorized and
// never appear in AuthorizedUsers.
type AccessControl struct {
	IsPrivate       bool        `json:"is_private"`
	AuthorizedUsers []uuid.UUID `json:"authorized_users"`
}

// ShareGrant is a time-bounded read grant on one record. A grant whose
// ExpiryDate is not after now is inert.
type ShareGrant struct {
	UserID     uuid.UUID `json:"user_id"`
	SharedBy   uuid.UUID `json:"shared_by"`
	SharedAt   time.Time `json:"shared_at"`
	ExpiryDate time.Time `json:"expiry_date"`
	// Linked marks a grant that also placed UserID in AuthorizedUsers because
	// the record was private when it was shared. That membership lives and
	// dies with the grant.
	Linked bool `json:"linked,omitempty"`
}

func (g ShareGrant) Active(now time.Time) bool {
	return g.ExpiryDate.After(now)
}

// AccessFragment is the access-relevant slice of a medical record. Clinical
// content lives elsewhere and is never loaded here.
type AccessFragment struct {
	RecordID      uuid.UUID     `json:"record_id"`
	PatientID     uuid.UUID     `json:"patient_id"`
	DoctorID      uuid.UUID     `json:"doctor_id"`
	AccessControl AccessControl `json:"access_control"`
	SharedWith    []ShareGrant  `json:"shared_with"`
	Version       int           `json:"version"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// IsOwnerOrAuthor reports whether id is the patient or the authoring doctor.
func (f *AccessFragment) IsOwnerOrAuthor(id uuid.UUID) bool {
	return id == f.PatientID || id == f.DoctorID
}

func (f *AccessFragment) inAuthorizedUsers(id uuid.UUID) bool {
	for _, u := range f.AccessControl.AuthorizedUsers {
		if u == id {
			return true
		}
	}
	return false
}

// ExplicitlyAuthorized reports membership in AuthorizedUsers that was not
// placed there by a share grant.
func (f *AccessFragment) ExplicitlyAuthorized(id uuid.UUID) bool {
	if !f.inAuthorizedUsers(id) {
		return false
	}
	for _, g := range f.SharedWith {
		if g.UserID == id && g.Linked {
			return false
		}
	}
	return true
}

// ActiveGrant returns the unexpired grant for userID, if any.
func (f *AccessFragment) ActiveGrant(userID uuid.UUID, now time.Time) (ShareGrant, bool) {
	for _, g := range f.SharedWith {
		if g.UserID == userID && g.Active(now) {
			return g, true
		}
	}
	return ShareGrant{}, false
}

// Grant returns the grant for userID preferring an active one over an inert
// one.
func (f *AccessFragment) Grant(userID uuid.UUID, now time.Time) (ShareGrant, bool) {
	if g, ok := f.ActiveGrant(userID, now); ok {
		return g, true
	}
	for _, g := range f.SharedWith {
		if g.UserID == userID {
			return g, true
		}
	}
	return ShareGrant{}, false
}

// ActiveGrants returns the grants that are in effect at now.
func (f *AccessFragment) ActiveGrants(now time.Time) []ShareGrant {
	var out []ShareGrant
	for _, g := range f.SharedWith {
		if g.Active(now) {
			out = append(out, g)
		}
	}
	return out
}

// Clone returns a deep copy so callers can mutate without touching a value
// held by a store.
func (f *AccessFragment) Clone() *AccessFragment {
	cp := *f
	cp.AccessControl.AuthorizedUsers = append([]uuid.UUID(nil), f.AccessControl.AuthorizedUsers...)
	cp.SharedWith = append([]ShareGrant(nil), f.SharedWith...)
	return &cp
}
