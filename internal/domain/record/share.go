package record

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medaccess/internal/platform/apperr"
)

// The functions in this file mutate a fragment in place. Who may call them is
// decided by the policy package before the mutation is applied.

// GrantShare gives grantee read access for ttlDays. An unexpired grant for
// the same grantee is extended instead of duplicated, and inert grants for
// the grantee are replaced. On a private record the grantee is also placed in
// AuthorizedUsers, linked to the grant.
func GrantShare(f *AccessFragment, grantee, sharedBy uuid.UUID, ttlDays int, now time.Time) (ShareGrant, error) {
	if grantee == uuid.Nil {
		return ShareGrant{}, apperr.InvalidArgument("grantee is required")
	}
	if ttlDays < 1 {
		return ShareGrant{}, apperr.InvalidArgument("ttl must be at least one day, got %d", ttlDays)
	}
	if f.IsOwnerOrAuthor(grantee) {
		return ShareGrant{}, apperr.InvalidArgument("user %s already owns or authored record %s", grantee, f.RecordID)
	}

	expiry := now.AddDate(0, 0, ttlDays)

	for i := range f.SharedWith {
		g := &f.SharedWith[i]
		if g.UserID != grantee || !g.Active(now) {
			continue
		}
		if expiry.After(g.ExpiryDate) {
			g.ExpiryDate = expiry
		}
		if f.AccessControl.IsPrivate && !f.inAuthorizedUsers(grantee) {
			f.addAuthorized(grantee)
			g.Linked = true
		}
		if f.hasInertLinked(grantee, now) {
			g.Linked = true
		}
		out := *g
		f.dropInert(grantee, now)
		return out, nil
	}

	f.removeGrants(grantee)

	g := ShareGrant{
		UserID:     grantee,
		SharedBy:   sharedBy,
		SharedAt:   now,
		ExpiryDate: expiry,
	}
	if f.AccessControl.IsPrivate && !f.inAuthorizedUsers(grantee) {
		f.addAuthorized(grantee)
		g.Linked = true
	}
	f.SharedWith = append(f.SharedWith, g)
	return g, nil
}

// RevokeShare removes every grant for grantee and the grantee's entry in
// AuthorizedUsers. It returns the grant that was in force, preferring an
// active one.
func RevokeShare(f *AccessFragment, grantee uuid.UUID, now time.Time) (ShareGrant, error) {
	g, ok := f.Grant(grantee, now)
	if !ok {
		return ShareGrant{}, apperr.NotFound("no share grant for user %s on record %s", grantee, f.RecordID)
	}
	f.removeGrants(grantee)
	if !f.IsOwnerOrAuthor(grantee) {
		f.removeAuthorized(grantee)
	}
	return g, nil
}

// PurgeExpired drops grants that expired at or before cutoff and returns how
// many were removed.
func PurgeExpired(f *AccessFragment, cutoff time.Time) int {
	kept := f.SharedWith[:0]
	removed := 0
	for _, g := range f.SharedWith {
		if g.ExpiryDate.After(cutoff) {
			kept = append(kept, g)
			continue
		}
		if g.Linked {
			f.removeAuthorized(g.UserID)
		}
		removed++
	}
	f.SharedWith = kept
	return removed
}

// SetPrivacy sets the private flag and reports whether it changed.
func SetPrivacy(f *AccessFragment, private bool) bool {
	if f.AccessControl.IsPrivate == private {
		return false
	}
	f.AccessControl.IsPrivate = private
	return true
}

// Authorize adds user to AuthorizedUsers as an explicit member. A membership
// previously held through a linked share grant becomes explicit.
func Authorize(f *AccessFragment, user uuid.UUID) (bool, error) {
	if user == uuid.Nil {
		return false, apperr.InvalidArgument("user is required")
	}
	if f.IsOwnerOrAuthor(user) {
		return false, apperr.InvalidArgument("owner and author are implicitly authorized")
	}
	changed := f.unlink(user)
	if !f.inAuthorizedUsers(user) {
		f.addAuthorized(user)
		changed = true
	}
	return changed, nil
}

// Deauthorize removes user from AuthorizedUsers together with any linked
// share grant. Grants made while the record was not private stay in place.
func Deauthorize(f *AccessFragment, user uuid.UUID) error {
	if f.IsOwnerOrAuthor(user) {
		return apperr.InvalidArgument("owner and author cannot be deauthorized")
	}
	if !f.inAuthorizedUsers(user) {
		return apperr.NotFound("user %s is not authorized on record %s", user, f.RecordID)
	}
	f.removeAuthorized(user)
	f.dropLinked(user)
	return nil
}

func (f *AccessFragment) addAuthorized(id uuid.UUID) {
	if !f.inAuthorizedUsers(id) {
		f.AccessControl.AuthorizedUsers = append(f.AccessControl.AuthorizedUsers, id)
	}
}

func (f *AccessFragment) removeAuthorized(id uuid.UUID) {
	users := f.AccessControl.AuthorizedUsers[:0]
	for _, u := range f.AccessControl.AuthorizedUsers {
		if u != id {
			users = append(users, u)
		}
	}
	f.AccessControl.AuthorizedUsers = users
}

// removeGrants drops all grants for id. A linked membership goes with them.
func (f *AccessFragment) removeGrants(id uuid.UUID) {
	kept := f.SharedWith[:0]
	for _, g := range f.SharedWith {
		if g.UserID != id {
			kept = append(kept, g)
			continue
		}
		if g.Linked {
			f.removeAuthorized(id)
		}
	}
	f.SharedWith = kept
}

func (f *AccessFragment) dropInert(id uuid.UUID, now time.Time) {
	kept := f.SharedWith[:0]
	for _, g := range f.SharedWith {
		if g.UserID == id && !g.Active(now) {
			continue
		}
		kept = append(kept, g)
	}
	f.SharedWith = kept
}

func (f *AccessFragment) dropLinked(id uuid.UUID) {
	kept := f.SharedWith[:0]
	for _, g := range f.SharedWith {
		if g.UserID == id && g.Linked {
			continue
		}
		kept = append(kept, g)
	}
	f.SharedWith = kept
}

func (f *AccessFragment) hasInertLinked(id uuid.UUID, now time.Time) bool {
	for _, g := range f.SharedWith {
		if g.UserID == id && g.Linked && !g.Active(now) {
			return true
		}
	}
	return false
}

func (f *AccessFragment) unlink(id uuid.UUID) bool {
	changed := false
	for i := range f.SharedWith {
		if f.SharedWith[i].UserID == id && f.SharedWith[i].Linked {
			f.SharedWith[i].Linked = false
			changed = true
		}
	}
	return changed
}
