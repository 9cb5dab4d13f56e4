package record

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medaccess/internal/platform/apperr"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newFragment(private bool) *AccessFragment {
	return &AccessFragment{
		RecordID:      uuid.New(),
		PatientID:     uuid.New(),
		DoctorID:      uuid.New(),
		AccessControl: AccessControl{IsPrivate: private},
		Version:       1,
	}
}

func TestGrantShare_New(t *testing.T) {
	f := newFragment(false)
	grantee := uuid.New()

	g, err := GrantShare(f, grantee, f.PatientID, 30, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !g.ExpiryDate.Equal(t0.AddDate(0, 0, 30)) {
		t.Errorf("expiry = %v", g.ExpiryDate)
	}
	if g.SharedBy != f.PatientID || !g.SharedAt.Equal(t0) {
		t.Errorf("unexpected grant %+v", g)
	}
	if len(f.SharedWith) != 1 {
		t.Fatalf("expected 1 grant, got %d", len(f.SharedWith))
	}
	if len(f.AccessControl.AuthorizedUsers) != 0 {
		t.Error("non-private record must not gain authorized users")
	}
}

func TestGrantShare_PrivateAddsLinkedMembership(t *testing.T) {
	f := newFragment(true)
	grantee := uuid.New()

	g, err := GrantShare(f, grantee, f.PatientID, 30, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !g.Linked {
		t.Error("expected grant to be linked")
	}
	if len(f.AccessControl.AuthorizedUsers) != 1 || f.AccessControl.AuthorizedUsers[0] != grantee {
		t.Errorf("authorized users = %v", f.AccessControl.AuthorizedUsers)
	}
	if f.ExplicitlyAuthorized(grantee) {
		t.Error("linked membership must not count as explicit authorization")
	}
}

func TestGrantShare_ExtendsActiveGrant(t *testing.T) {
	f := newFragment(false)
	grantee := uuid.New()

	if _, err := GrantShare(f, grantee, f.PatientID, 10, t0); err != nil {
		t.Fatal(err)
	}
	g, err := GrantShare(f, grantee, f.PatientID, 30, t0.AddDate(0, 0, 5))
	if err != nil {
		t.Fatal(err)
	}
	if len(f.SharedWith) != 1 {
		t.Fatalf("expected a single grant after re-share, got %d", len(f.SharedWith))
	}
	want := t0.AddDate(0, 0, 35)
	if !g.ExpiryDate.Equal(want) || !f.SharedWith[0].ExpiryDate.Equal(want) {
		t.Errorf("expiry = %v, want %v", g.ExpiryDate, want)
	}
	if !g.SharedAt.Equal(t0) {
		t.Error("extension must keep the original SharedAt")
	}
}

func TestGrantShare_NeverShortens(t *testing.T) {
	f := newFragment(false)
	grantee := uuid.New()

	if _, err := GrantShare(f, grantee, f.PatientID, 90, t0); err != nil {
		t.Fatal(err)
	}
	g, err := GrantShare(f, grantee, f.PatientID, 1, t0)
	if err != nil {
		t.Fatal(err)
	}
	if !g.ExpiryDate.Equal(t0.AddDate(0, 0, 90)) {
		t.Errorf("expiry shortened to %v", g.ExpiryDate)
	}
}

func TestGrantShare_ReplacesInertGrant(t *testing.T) {
	f := newFragment(false)
	grantee := uuid.New()

	if _, err := GrantShare(f, grantee, f.PatientID, 1, t0); err != nil {
		t.Fatal(err)
	}
	later := t0.AddDate(0, 0, 10)
	g, err := GrantShare(f, grantee, f.PatientID, 5, later)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.SharedWith) != 1 {
		t.Fatalf("expected inert grant to be replaced, got %d grants", len(f.SharedWith))
	}
	if !g.SharedAt.Equal(later) {
		t.Errorf("expected fresh grant, got %+v", g)
	}
}

func TestGrantShare_Validation(t *testing.T) {
	f := newFragment(false)

	tests := []struct {
		name    string
		grantee uuid.UUID
		ttl     int
	}{
		{"nil grantee", uuid.Nil, 10},
		{"zero ttl", uuid.New(), 0},
		{"negative ttl", uuid.New(), -3},
		{"owner", f.PatientID, 10},
		{"author", f.DoctorID, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := GrantShare(f, tt.grantee, f.PatientID, tt.ttl, t0)
			if !errors.Is(err, apperr.ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
	if len(f.SharedWith) != 0 {
		t.Error("rejected shares must not mutate the fragment")
	}
}

func TestAtMostOneActiveGrantPerGrantee(t *testing.T) {
	f := newFragment(true)
	grantee := uuid.New()
	now := t0
	for i := 0; i < 20; i++ {
		if _, err := GrantShare(f, grantee, f.PatientID, 1+i%4, now); err != nil {
			t.Fatal(err)
		}
		now = now.Add(13 * time.Hour)

		active := 0
		for _, g := range f.SharedWith {
			if g.UserID == grantee && g.Active(now) {
				active++
			}
		}
		if active > 1 {
			t.Fatalf("iteration %d: %d active grants", i, active)
		}
		if len(f.AccessControl.AuthorizedUsers) > 1 {
			t.Fatalf("iteration %d: authorized users not deduplicated: %v", i, f.AccessControl.AuthorizedUsers)
		}
	}
}

func TestRevokeShare_RemovesGrantAndMembership(t *testing.T) {
	f := newFragment(true)
	grantee := uuid.New()
	if _, err := GrantShare(f, grantee, f.PatientID, 30, t0); err != nil {
		t.Fatal(err)
	}

	g, err := RevokeShare(f, grantee, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.UserID != grantee {
		t.Errorf("returned grant for %s", g.UserID)
	}
	if len(f.SharedWith) != 0 {
		t.Error("expected grant removed")
	}
	if len(f.AccessControl.AuthorizedUsers) != 0 {
		t.Error("expected grantee removed from authorized users")
	}
}

func TestRevokeShare_RemovesExplicitMembershipToo(t *testing.T) {
	f := newFragment(false)
	grantee := uuid.New()
	if _, err := Authorize(f, grantee); err != nil {
		t.Fatal(err)
	}
	if _, err := GrantShare(f, grantee, f.PatientID, 30, t0); err != nil {
		t.Fatal(err)
	}
	if _, err := RevokeShare(f, grantee, t0); err != nil {
		t.Fatal(err)
	}
	if len(f.AccessControl.AuthorizedUsers) != 0 {
		t.Errorf("authorized users = %v", f.AccessControl.AuthorizedUsers)
	}
}

func TestRevokeShare_NotFound(t *testing.T) {
	f := newFragment(false)
	_, err := RevokeShare(f, uuid.New(), t0)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPurgeExpired(t *testing.T) {
	f := newFragment(true)
	old, fresh := uuid.New(), uuid.New()
	if _, err := GrantShare(f, old, f.PatientID, 1, t0); err != nil {
		t.Fatal(err)
	}
	if _, err := GrantShare(f, fresh, f.PatientID, 365, t0); err != nil {
		t.Fatal(err)
	}

	n := PurgeExpired(f, t0.AddDate(0, 0, 100))
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
	if len(f.SharedWith) != 1 || f.SharedWith[0].UserID != fresh {
		t.Errorf("remaining grants = %+v", f.SharedWith)
	}
	if len(f.AccessControl.AuthorizedUsers) != 1 || f.AccessControl.AuthorizedUsers[0] != fresh {
		t.Errorf("authorized users = %v", f.AccessControl.AuthorizedUsers)
	}
}

func TestAuthorize(t *testing.T) {
	f := newFragment(true)
	user := uuid.New()

	changed, err := Authorize(f, user)
	if err != nil || !changed {
		t.Fatalf("changed=%v err=%v", changed, err)
	}
	changed, err = Authorize(f, user)
	if err != nil || changed {
		t.Errorf("second authorize: changed=%v err=%v", changed, err)
	}
	if !f.ExplicitlyAuthorized(user) {
		t.Error("expected explicit authorization")
	}

	if _, err := Authorize(f, f.PatientID); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for owner, got %v", err)
	}
}

func TestAuthorize_PromotesLinkedMembership(t *testing.T) {
	f := newFragment(true)
	user := uuid.New()
	if _, err := GrantShare(f, user, f.PatientID, 1, t0); err != nil {
		t.Fatal(err)
	}
	changed, err := Authorize(f, user)
	if err != nil || !changed {
		t.Fatalf("changed=%v err=%v", changed, err)
	}
	if !f.ExplicitlyAuthorized(user) {
		t.Error("expected membership to become explicit")
	}
	if n := PurgeExpired(f, t0.AddDate(0, 0, 10)); n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
	if !f.ExplicitlyAuthorized(user) {
		t.Error("explicit membership must survive purge of the old grant")
	}
}

func TestDeauthorize(t *testing.T) {
	f := newFragment(true)
	user := uuid.New()
	if _, err := Authorize(f, user); err != nil {
		t.Fatal(err)
	}
	if err := Deauthorize(f, user); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.ExplicitlyAuthorized(user) {
		t.Error("expected user removed")
	}
	if err := Deauthorize(f, user); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := Deauthorize(f, f.DoctorID); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for author, got %v", err)
	}
}

func TestDeauthorize_DropsLinkedGrant(t *testing.T) {
	f := newFragment(true)
	user := uuid.New()
	if _, err := GrantShare(f, user, f.PatientID, 30, t0); err != nil {
		t.Fatal(err)
	}
	if err := Deauthorize(f, user); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.SharedWith) != 0 {
		t.Errorf("expected linked grant removed, got %+v", f.SharedWith)
	}
	if _, ok := f.ActiveGrant(user, t0.Add(time.Hour)); ok {
		t.Error("user must not keep an active grant")
	}
	if len(f.AccessControl.AuthorizedUsers) != 0 {
		t.Errorf("authorized users = %v", f.AccessControl.AuthorizedUsers)
	}
}

func TestDeauthorize_KeepsUnlinkedGrant(t *testing.T) {
	f := newFragment(false)
	user := uuid.New()
	if _, err := GrantShare(f, user, f.PatientID, 30, t0); err != nil {
		t.Fatal(err)
	}
	if _, err := Authorize(f, user); err != nil {
		t.Fatal(err)
	}
	if err := Deauthorize(f, user); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := f.ActiveGrant(user, t0.Add(time.Hour)); !ok {
		t.Error("grant made on a non-private record should survive deauthorize")
	}
}

func TestSetPrivacy(t *testing.T) {
	f := newFragment(false)
	if !SetPrivacy(f, true) {
		t.Error("expected change")
	}
	if SetPrivacy(f, true) {
		t.Error("expected no change")
	}
	if !f.AccessControl.IsPrivate {
		t.Error("expected private")
	}
}

func TestClone_IsDeep(t *testing.T) {
	f := newFragment(true)
	if _, err := GrantShare(f, uuid.New(), f.PatientID, 3, t0); err != nil {
		t.Fatal(err)
	}
	cp := f.Clone()
	cp.SharedWith[0].ExpiryDate = t0
	cp.AccessControl.AuthorizedUsers[0] = uuid.Nil
	if f.SharedWith[0].ExpiryDate.Equal(t0) || f.AccessControl.AuthorizedUsers[0] == uuid.Nil {
		t.Error("clone shares backing arrays with the original")
	}
}
