package consent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medaccess/internal/domain/policy"
	"github.com/ehr/medaccess/internal/platform/apperr"
)

const DefaultTTL = 365 * 24 * time.Hour

type ResolutionReason string

const (
	ReasonInEffect ResolutionReason = "consent_in_effect"
	ReasonExpired  ResolutionReason = "consent_expired"
	ReasonRevoked  ResolutionReason = "consent_revoked"
	ReasonDenied   ResolutionReason = "consent_denied"
	ReasonPending  ResolutionReason = "consent_pending"
	ReasonMissing  ResolutionReason = "consent_missing"
)

// Resolution explains whether consent is in effect for a key and which row
// decided it.
type Resolution struct {
	InEffect bool             `json:"in_effect"`
	Reason   ResolutionReason `json:"reason"`
	Consent  *Consent         `json:"consent,omitempty"`
}

// Ledger owns the consent state machine:
//
//	requested -> granted | denied
//	granted   -> revoked  (or expired once ExpiryDate passes)
//
// denied, revoked and expired are terminal.
type Ledger struct {
	repo       Repository
	defaultTTL time.Duration
	now        func() time.Time
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithDefaultTTL(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.defaultTTL = d
		}
	}
}

func NewLedger(repo Repository, opts ...Option) *Ledger {
	l := &Ledger{repo: repo, defaultTTL: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) clock() time.Time { return l.now().UTC() }

// RequestConsent records a doctor's request for a patient's consent.
func (l *Ledger) RequestConsent(ctx context.Context, actor policy.Requester, patientID, doctorID uuid.UUID, t Type, note string) (*Consent, error) {
	if !t.Valid() {
		return nil, apperr.InvalidArgument("unknown consent type %q", t)
	}
	if patientID == uuid.Nil || doctorID == uuid.Nil {
		return nil, apperr.InvalidArgument("patient_id and doctor_id are required")
	}
	if actor.Role != policy.RoleDoctor || actor.ID != doctorID {
		return nil, apperr.Forbidden("only the named doctor may request consent")
	}

	doc := doctorID
	unlock, err := l.repo.LockKey(ctx, patientID, &doc, t)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := l.clock()
	rows, err := l.repo.ListByKey(ctx, patientID, t)
	if err != nil {
		return nil, err
	}
	for _, c := range rows {
		if !c.ForDoctor(doctorID) {
			continue
		}
		if c.InEffect(now) {
			return nil, apperr.Conflict("consent %s is already granted until %s", c.ID, c.ExpiryDate.Format(time.RFC3339))
		}
		if c.Status == StatusRequested {
			return nil, apperr.Conflict("consent request %s is still pending", c.ID)
		}
	}

	by := actor.ID
	c := &Consent{
		PatientID:   patientID,
		DoctorID:    &doc,
		Type:        t,
		Status:      StatusRequested,
		RequestedAt: &now,
		RequestedBy: &by,
		Note:        note,
		CreatedAt:   now,
	}
	if err := l.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Grant approves a pending request. expiry defaults to now plus the ledger's
// default TTL.
func (l *Ledger) Grant(ctx context.Context, actor policy.Requester, id uuid.UUID, expiry *time.Time) (*Consent, error) {
	c, err := l.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && actor.ID != c.PatientID {
		return nil, apperr.Forbidden("only the patient or an admin may grant consent %s", id)
	}
	if c.Status != StatusRequested {
		return nil, apperr.InvalidState("consent %s is %s, not requested", id, c.EffectiveStatus(l.clock()))
	}

	now := l.clock()
	exp, err := l.expiry(expiry, now)
	if err != nil {
		return nil, err
	}
	unlock, err := l.repo.LockKey(ctx, c.PatientID, c.DoctorID, c.Type)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := l.ensureNoneInEffect(ctx, c.PatientID, c.DoctorID, c.Type, now); err != nil {
		return nil, err
	}
	by := actor.ID
	expected := c.VersionID
	c.Status = StatusGranted
	c.GrantedAt = &now
	c.GrantedBy = &by
	c.ExpiryDate = &exp
	if err := l.repo.Update(ctx, c, expected); err != nil {
		return nil, err
	}
	return c, nil
}

// DirectGrant describes a consent created already granted, without a prior
// request.
type DirectGrant struct {
	PatientID uuid.UUID
	DoctorID  *uuid.UUID
	Type      Type
	Expiry    *time.Time
	Note      string
}

// GrantDirect creates a granted row. The patient or an admin may do so for
// any doctor or for general consent; the named doctor may record consent
// given to them in person.
func (l *Ledger) GrantDirect(ctx context.Context, actor policy.Requester, in DirectGrant) (*Consent, error) {
	if !in.Type.Valid() {
		return nil, apperr.InvalidArgument("unknown consent type %q", in.Type)
	}
	if in.PatientID == uuid.Nil {
		return nil, apperr.InvalidArgument("patient_id is required")
	}
	selfService := in.DoctorID != nil && actor.Role == policy.RoleDoctor && actor.ID == *in.DoctorID
	if !actor.IsAdmin() && actor.ID != in.PatientID && !selfService {
		return nil, apperr.Forbidden("not allowed to grant consent for patient %s", in.PatientID)
	}

	now := l.clock()
	exp, err := l.expiry(in.Expiry, now)
	if err != nil {
		return nil, err
	}
	unlock, err := l.repo.LockKey(ctx, in.PatientID, in.DoctorID, in.Type)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := l.ensureNoneInEffect(ctx, in.PatientID, in.DoctorID, in.Type, now); err != nil {
		return nil, err
	}

	var doc *uuid.UUID
	if in.DoctorID != nil {
		d := *in.DoctorID
		doc = &d
	}
	by := actor.ID
	c := &Consent{
		PatientID:  in.PatientID,
		DoctorID:   doc,
		Type:       in.Type,
		Status:     StatusGranted,
		GrantedAt:  &now,
		GrantedBy:  &by,
		ExpiryDate: &exp,
		Note:       in.Note,
		CreatedAt:  now,
	}
	if err := l.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Deny rejects a pending request.
func (l *Ledger) Deny(ctx context.Context, actor policy.Requester, id uuid.UUID, reason string) (*Consent, error) {
	c, err := l.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && actor.ID != c.PatientID {
		return nil, apperr.Forbidden("only the patient or an admin may deny consent %s", id)
	}
	if c.Status != StatusRequested {
		return nil, apperr.InvalidState("consent %s is %s, not requested", id, c.EffectiveStatus(l.clock()))
	}

	now := l.clock()
	by := actor.ID
	expected := c.VersionID
	c.Status = StatusDenied
	c.DeniedAt = &now
	c.DeniedBy = &by
	c.DenialReason = reason
	if err := l.repo.Update(ctx, c, expected); err != nil {
		return nil, err
	}
	return c, nil
}

// Revoke withdraws an unexpired grant. Revoking an already revoked row
// returns it unchanged with changed=false.
func (l *Ledger) Revoke(ctx context.Context, actor policy.Requester, id uuid.UUID, reason string) (c *Consent, changed bool, err error) {
	c, err = l.repo.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	namedDoctor := c.DoctorID != nil && *c.DoctorID == actor.ID
	if !actor.IsAdmin() && actor.ID != c.PatientID && !namedDoctor {
		return nil, false, apperr.Forbidden("not allowed to revoke consent %s", id)
	}
	if c.Status == StatusRevoked {
		return c, false, nil
	}
	now := l.clock()
	if c.Status != StatusGranted {
		return nil, false, apperr.InvalidState("consent %s is %s, not granted", id, c.Status)
	}
	if !c.InEffect(now) {
		return nil, false, apperr.InvalidState("consent %s has expired", id)
	}

	by := actor.ID
	expected := c.VersionID
	c.Status = StatusRevoked
	c.RevokedAt = &now
	c.RevokedBy = &by
	c.RevocationReason = reason
	if err := l.repo.Update(ctx, c, expected); err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// Resolve decides whether consent of type t is in effect between the patient
// and doctorID at now. Doctor-specific rows take precedence over general
// ones once the patient has answered one of them. A doctor whose specific
// rows are all pending falls back to general consent. A nil doctorID only
// considers general consent.
func (l *Ledger) Resolve(ctx context.Context, patientID uuid.UUID, doctorID *uuid.UUID, t Type, now time.Time) (Resolution, error) {
	rows, err := l.repo.ListByKey(ctx, patientID, t)
	if err != nil {
		return Resolution{}, err
	}

	var specific, general []*Consent
	for _, c := range rows {
		switch {
		case c.IsGeneral():
			general = append(general, c)
		case doctorID != nil && c.ForDoctor(*doctorID):
			specific = append(specific, c)
		}
	}
	if len(specific) > 0 && (answered(specific) || len(general) == 0) {
		return resolve(specific, now), nil
	}
	return resolve(general, now), nil
}

func answered(rows []*Consent) bool {
	for _, c := range rows {
		if c.Status != StatusRequested {
			return true
		}
	}
	return false
}

// resolve expects rows newest first.
func resolve(rows []*Consent, now time.Time) Resolution {
	if len(rows) == 0 {
		return Resolution{Reason: ReasonMissing}
	}
	for _, c := range rows {
		if c.InEffect(now) {
			return Resolution{InEffect: true, Reason: ReasonInEffect, Consent: c}
		}
	}
	latest := rows[0]
	var reason ResolutionReason
	switch latest.EffectiveStatus(now) {
	case StatusExpired:
		reason = ReasonExpired
	case StatusRevoked:
		reason = ReasonRevoked
	case StatusDenied:
		reason = ReasonDenied
	case StatusRequested:
		reason = ReasonPending
	default:
		reason = ReasonMissing
	}
	return Resolution{Reason: reason, Consent: latest}
}

// IsInEffect reports whether a granted, unexpired consent covers the key.
func (l *Ledger) IsInEffect(ctx context.Context, patientID uuid.UUID, doctorID *uuid.UUID, t Type, now time.Time) (bool, error) {
	res, err := l.Resolve(ctx, patientID, doctorID, t, now)
	if err != nil {
		return false, err
	}
	return res.InEffect, nil
}

func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*Consent, error) {
	return l.repo.GetByID(ctx, id)
}

func (l *Ledger) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Consent, int, error) {
	return l.repo.ListByPatient(ctx, patientID, limit, offset)
}

func (l *Ledger) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Consent, int, error) {
	return l.repo.ListByDoctor(ctx, doctorID, limit, offset)
}

func (l *Ledger) ensureNoneInEffect(ctx context.Context, patientID uuid.UUID, doctorID *uuid.UUID, t Type, now time.Time) error {
	rows, err := l.repo.ListByKey(ctx, patientID, t)
	if err != nil {
		return err
	}
	for _, c := range rows {
		if c.sameKey(doctorID) && c.InEffect(now) {
			return apperr.Conflict("consent %s is already granted until %s", c.ID, c.ExpiryDate.Format(time.RFC3339))
		}
	}
	return nil
}

func (l *Ledger) expiry(requested *time.Time, now time.Time) (time.Time, error) {
	if requested == nil {
		return now.Add(l.defaultTTL), nil
	}
	if !requested.After(now) {
		return time.Time{}, apperr.InvalidArgument("expiry %s is not in the future", requested.Format(time.RFC3339))
	}
	return requested.UTC(), nil
}
