package policy

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medaccess/internal/domain/record"
)

var now = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func fragment(private bool) *record.AccessFragment {
	return &record.AccessFragment{
		RecordID:      uuid.New(),
		PatientID:     uuid.New(),
		DoctorID:      uuid.New(),
		AccessControl: record.AccessControl{IsPrivate: private},
	}
}

func TestEvaluate_Rules(t *testing.T) {
	pub := fragment(false)
	priv := fragment(true)
	stranger := uuid.New()

	tests := []struct {
		name string
		f    *record.AccessFragment
		req  Requester
		want Decision
	}{
		{"admin on private", priv, Requester{ID: stranger, Role: RoleAdmin}, Decision{true, ReasonAdminOverride}},
		{"patient owner", priv, Requester{ID: priv.PatientID, Role: RolePatient}, Decision{true, ReasonOwnerPatient}},
		{"author doctor", priv, Requester{ID: priv.DoctorID, Role: RoleDoctor}, Decision{true, ReasonOwnerDoctor}},
		{"doctor non-private", pub, Requester{ID: stranger, Role: RoleDoctor}, Decision{true, ReasonRoleDefaultNonPrivate}},
		{"nurse non-private", pub, Requester{ID: stranger, Role: RoleNurse}, Decision{true, ReasonRoleDefaultNonPrivate}},
		{"lab non-private", pub, Requester{ID: stranger, Role: RoleLab}, Decision{true, ReasonRoleDefaultNonPrivate}},
		{"pharmacy non-private", pub, Requester{ID: stranger, Role: RolePharmacy}, Decision{false, ReasonNoMatchingRule}},
		{"other patient non-private", pub, Requester{ID: stranger, Role: RolePatient}, Decision{false, ReasonNoMatchingRule}},
		{"doctor private", priv, Requester{ID: stranger, Role: RoleDoctor}, Decision{false, ReasonNoMatchingRule}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(tt.f, tt.req, now); got != tt.want {
				t.Errorf("Evaluate = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestEvaluate_OrderFirstMatchWins(t *testing.T) {
	f := fragment(false)
	// The patient is also an admin-role caller: rule 1 fires first.
	if got := Evaluate(f, Requester{ID: f.PatientID, Role: RoleAdmin}, now); got.Reason != ReasonAdminOverride {
		t.Errorf("reason = %s", got.Reason)
	}
	// A doctor on a non-private record who is also explicitly authorized and
	// holds a grant is reported through rule 4.
	doc := uuid.New()
	if _, err := record.Authorize(f, doc); err != nil {
		t.Fatal(err)
	}
	if _, err := record.GrantShare(f, doc, f.PatientID, 10, now); err != nil {
		t.Fatal(err)
	}
	if got := Evaluate(f, Requester{ID: doc, Role: RoleDoctor}, now); got.Reason != ReasonRoleDefaultNonPrivate {
		t.Errorf("reason = %s", got.Reason)
	}
	// The same person as pharmacy falls through to explicit authorization.
	if got := Evaluate(f, Requester{ID: doc, Role: RolePharmacy}, now); got.Reason != ReasonExplicitAuthorization {
		t.Errorf("reason = %s", got.Reason)
	}
}

func TestEvaluate_ExplicitAuthorizationToggle(t *testing.T) {
	f := fragment(true)
	req := Requester{ID: uuid.New(), Role: RoleDoctor}

	if got := Evaluate(f, req, now); got.Allow {
		t.Fatalf("expected deny before authorization, got %+v", got)
	}
	if _, err := record.Authorize(f, req.ID); err != nil {
		t.Fatal(err)
	}
	if got := Evaluate(f, req, now); got != (Decision{true, ReasonExplicitAuthorization}) {
		t.Fatalf("expected explicit authorization, got %+v", got)
	}
	if err := record.Deauthorize(f, req.ID); err != nil {
		t.Fatal(err)
	}
	if got := Evaluate(f, req, now); got != (Decision{false, ReasonNoMatchingRule}) {
		t.Fatalf("expected deny after removal, got %+v", got)
	}
}

func TestEvaluate_ShareGrantExpiryIsMonotone(t *testing.T) {
	f := fragment(true)
	req := Requester{ID: uuid.New(), Role: RoleDoctor}
	g, err := record.GrantShare(f, req.ID, f.PatientID, 30, now)
	if err != nil {
		t.Fatal(err)
	}

	if got := Evaluate(f, req, now); got != (Decision{true, ReasonShareGrant}) {
		t.Fatalf("expected share grant, got %+v", got)
	}
	if got := Evaluate(f, req, g.ExpiryDate.Add(-time.Nanosecond)); !got.Allow {
		t.Errorf("expected allow just before expiry, got %+v", got)
	}

	for _, at := range []time.Time{
		g.ExpiryDate,
		g.ExpiryDate.Add(time.Second),
		g.ExpiryDate.AddDate(0, 0, 1),
		g.ExpiryDate.AddDate(2, 0, 0),
	} {
		if got := Evaluate(f, req, at); got != (Decision{false, ReasonNoMatchingRule}) {
			t.Errorf("at %v: expected deny, got %+v", at, got)
		}
	}
}

func TestEvaluate_ShareThenRevoke(t *testing.T) {
	f := fragment(true)
	req := Requester{ID: uuid.New(), Role: RoleLab}
	before := Evaluate(f, req, now)

	if _, err := record.GrantShare(f, req.ID, f.PatientID, 5, now); err != nil {
		t.Fatal(err)
	}
	if got := Evaluate(f, req, now); !got.Allow {
		t.Fatalf("expected allow after share, got %+v", got)
	}
	if _, err := record.RevokeShare(f, req.ID, now); err != nil {
		t.Fatal(err)
	}
	if got := Evaluate(f, req, now); got != before {
		t.Errorf("share then revoke = %+v, want %+v", got, before)
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	f := fragment(true)
	req := Requester{ID: uuid.New(), Role: RoleNurse}
	if _, err := record.GrantShare(f, req.ID, f.PatientID, 2, now); err != nil {
		t.Fatal(err)
	}
	first := Evaluate(f, req, now)
	for i := 0; i < 50; i++ {
		if got := Evaluate(f, req, now); got != first {
			t.Fatalf("iteration %d: %+v != %+v", i, got, first)
		}
	}
}

func TestCanManage(t *testing.T) {
	f := fragment(false)
	if !CanManage(f, Requester{ID: f.PatientID, Role: RolePatient}) {
		t.Error("patient should manage")
	}
	if !CanManage(f, Requester{ID: f.DoctorID, Role: RoleDoctor}) {
		t.Error("author should manage")
	}
	if !CanManage(f, Requester{ID: uuid.New(), Role: RoleAdmin}) {
		t.Error("admin should manage")
	}
	if CanManage(f, Requester{ID: uuid.New(), Role: RoleDoctor}) {
		t.Error("unrelated doctor must not manage")
	}
}

func TestCanShareAndRevoke(t *testing.T) {
	f := fragment(false)
	author := Requester{ID: f.DoctorID, Role: RoleDoctor}
	if CanShare(f, author) {
		t.Error("author must not create share grants")
	}
	if !CanShare(f, Requester{ID: f.PatientID, Role: RolePatient}) {
		t.Error("patient should share")
	}

	admin := Requester{ID: uuid.New(), Role: RoleAdmin}
	grantee := uuid.New()
	if _, err := record.GrantShare(f, grantee, admin.ID, 3, now); err != nil {
		t.Fatal(err)
	}
	if !CanRevokeShare(f, grantee, Requester{ID: admin.ID, Role: RoleDoctor}, now) {
		t.Error("original sharer should revoke")
	}
	if CanRevokeShare(f, grantee, author, now) {
		t.Error("author did not create the grant and must not revoke it")
	}
}

func TestCanRegister(t *testing.T) {
	doc := uuid.New()
	if !CanRegister(doc, Requester{ID: doc, Role: RoleDoctor}) {
		t.Error("author should register")
	}
	if CanRegister(doc, Requester{ID: uuid.New(), Role: RoleDoctor}) {
		t.Error("other doctor must not register on behalf of the author")
	}
	if CanRegister(doc, Requester{ID: doc, Role: RoleNurse}) {
		t.Error("nurse must not register")
	}
}

func TestParseRole(t *testing.T) {
	if r, ok := ParseRole(" Doctor "); !ok || r != RoleDoctor {
		t.Errorf("ParseRole = %q, %v", r, ok)
	}
	if _, ok := ParseRole("superuser"); ok {
		t.Error("unknown role accepted")
	}
}
