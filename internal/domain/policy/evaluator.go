// Package policy decides whether a requester may read a medical record and
// who may change a record's access settings. It is pure: no storage, no
// clock, no consent lookups.
package policy

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medaccess/internal/domain/record"
)

type Reason string

const (
	ReasonAdminOverride         Reason = "admin_override"
	ReasonOwnerPatient          Reason = "owner_patient"
	ReasonOwnerDoctor           Reason = "owner_doctor"
	ReasonRoleDefaultNonPrivate Reason = "role_default_nonprivate"
	ReasonExplicitAuthorization Reason = "explicit_authorization"
	ReasonShareGrant            Reason = "share_grant"
	ReasonNoMatchingRule        Reason = "no_matching_rule"
)

// Decision is the outcome of an access check. Denials are values, not errors.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason Reason `json:"reason"`
}

func allow(r Reason) Decision { return Decision{Allow: true, Reason: r} }

var nonPrivateReaders = map[Role]bool{
	RoleDoctor: true,
	RoleNurse:  true,
	RoleLab:    true,
}

// Evaluate applies the access rules in order and returns the first match.
func Evaluate(f *record.AccessFragment, req Requester, now time.Time) Decision {
	switch {
	case req.IsAdmin():
		return allow(ReasonAdminOverride)
	case req.ID == f.PatientID:
		return allow(ReasonOwnerPatient)
	case req.ID == f.DoctorID:
		return allow(ReasonOwnerDoctor)
	case !f.AccessControl.IsPrivate && nonPrivateReaders[req.Role]:
		return allow(ReasonRoleDefaultNonPrivate)
	case f.ExplicitlyAuthorized(req.ID):
		return allow(ReasonExplicitAuthorization)
	}
	if _, ok := f.ActiveGrant(req.ID, now); ok {
		return allow(ReasonShareGrant)
	}
	return Decision{Allow: false, Reason: ReasonNoMatchingRule}
}

// CanManage reports whether req may change the access-control block or read
// the audit trail of the record: the owner, the author, or an admin.
func CanManage(f *record.AccessFragment, req Requester) bool {
	return req.IsAdmin() || f.IsOwnerOrAuthor(req.ID)
}

// CanShare reports whether req may create share grants: the owning patient or
// an admin.
func CanShare(f *record.AccessFragment, req Requester) bool {
	return req.IsAdmin() || req.ID == f.PatientID
}

// CanRevokeShare reports whether req may remove grantee's share: the owning
// patient, an admin, or whoever created the grant.
func CanRevokeShare(f *record.AccessFragment, grantee uuid.UUID, req Requester, now time.Time) bool {
	if CanShare(f, req) {
		return true
	}
	g, ok := f.Grant(grantee, now)
	return ok && g.SharedBy == req.ID
}

// CanRegister reports whether req may register a new record fragment for the
// given author: the authoring doctor or an admin.
func CanRegister(authorID uuid.UUID, req Requester) bool {
	return req.IsAdmin() || (req.Role == RoleDoctor && req.ID == authorID)
}
