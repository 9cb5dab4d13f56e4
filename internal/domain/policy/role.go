package policy

import (
	"strings"

	"github.com/google/uuid"
)

// Role is one of the fixed, flat roles. There is no hierarchy between them.
type Role string

const (
	RolePatient  Role = "patient"
	RoleDoctor   Role = "doctor"
	RoleNurse    Role = "nurse"
	RoleAdmin    Role = "admin"
	RoleLab      Role = "lab"
	RolePharmacy Role = "pharmacy"
)

var knownRoles = map[Role]bool{
	RolePatient:  true,
	RoleDoctor:   true,
	RoleNurse:    true,
	RoleAdmin:    true,
	RoleLab:      true,
	RolePharmacy: true,
}

// ParseRole accepts a role name case-insensitively.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	return r, knownRoles[r]
}

func (r Role) Valid() bool { return knownRoles[r] }

// Requester is an authenticated identity as supplied by the identity
// provider. The engine trusts it as given.
type Requester struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
}

func (r Requester) IsAdmin() bool { return r.Role == RoleAdmin }
