package access

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medaccess/internal/domain/consent"
	"github.com/ehr/medaccess/internal/domain/policy"
	"github.com/ehr/medaccess/internal/platform/apperr"
	"github.com/ehr/medaccess/internal/platform/hipaa"
	"github.com/ehr/medaccess/internal/platform/notification"
)

// consentOp runs one ledger transition with its audit entry in a single
// transaction. Forbidden attempts are audited as denials against whatever
// consent row could be identified.
func (a *Authorizer) consentOp(ctx context.Context, req policy.Requester, action hipaa.Action, reason string, target func() (uuid.UUID, uuid.UUID), fn func(ctx context.Context) (*consent.Consent, error)) (*consent.Consent, error) {
	var out *consent.Consent
	err := a.retry(ctx, "consent", func(ctx context.Context) error {
		c, err := fn(ctx)
		if err != nil {
			return storeErr("consent ledger", err)
		}
		if c == nil {
			return nil
		}
		if err := a.appendAudit(ctx, a.entry(hipaa.EntityConsent, c.ID, c.PatientID, req, action, true, reason)); err != nil {
			return err
		}
		out = c
		return nil
	})
	if errors.Is(err, apperr.ErrForbidden) {
		entityID, patientID := target()
		a.recordDecision(ctx, a.entry(hipaa.EntityConsent, entityID, patientID, req, action, false, ReasonNotPermitted))
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// byID identifies a consent row for a denial audit entry.
func (a *Authorizer) byID(ctx context.Context, id uuid.UUID) func() (uuid.UUID, uuid.UUID) {
	return func() (uuid.UUID, uuid.UUID) {
		c, err := a.consents.Get(ctx, id)
		if err != nil {
			return id, uuid.Nil
		}
		return c.ID, c.PatientID
	}
}

func consentData(c *consent.Consent) map[string]string {
	data := map[string]string{
		"consent_id":   c.ID.String(),
		"consent_type": string(c.Type),
		"patient_id":   c.PatientID.String(),
	}
	if c.DoctorID != nil {
		data["doctor_id"] = c.DoctorID.String()
	}
	if c.ExpiryDate != nil {
		data["expiry_date"] = c.ExpiryDate.Format(time.RFC3339)
	}
	return data
}

// counterpart is who hears about a consent change made by actor: the doctor
// when the patient side acted, the patient when the doctor acted, and the
// admins for general consent.
func counterpart(c *consent.Consent, actor uuid.UUID) notification.Target {
	if c.DoctorID == nil {
		if actor == c.PatientID {
			return notification.Broadcast(notification.ScopeAdmins)
		}
		return notification.Recipient(c.PatientID)
	}
	if actor == *c.DoctorID {
		return notification.Recipient(c.PatientID)
	}
	return notification.Recipient(*c.DoctorID)
}

// RequestConsent records a doctor's request and notifies the patient.
func (a *Authorizer) RequestConsent(ctx context.Context, req policy.Requester, patientID, doctorID uuid.UUID, t consent.Type, note string) (*consent.Consent, error) {
	c, err := a.consentOp(ctx, req, hipaa.ActionRequest, "consent_requested",
		func() (uuid.UUID, uuid.UUID) { return uuid.Nil, patientID },
		func(ctx context.Context) (*consent.Consent, error) {
			return a.consents.RequestConsent(ctx, req, patientID, doctorID, t, note)
		})
	if err != nil {
		return nil, err
	}
	a.metrics.ConsentTransition(string(consent.StatusRequested))
	a.notify(ctx, notification.Recipient(c.PatientID), notification.EventConsentRequested, consentData(c))
	return c, nil
}

// GrantConsent approves a pending request.
func (a *Authorizer) GrantConsent(ctx context.Context, req policy.Requester, id uuid.UUID, expiry *time.Time) (*consent.Consent, error) {
	c, err := a.consentOp(ctx, req, hipaa.ActionGrant, "consent_granted", a.byID(ctx, id),
		func(ctx context.Context) (*consent.Consent, error) {
			return a.consents.Grant(ctx, req, id, expiry)
		})
	if err != nil {
		return nil, err
	}
	a.metrics.ConsentTransition(string(consent.StatusGranted))
	a.notify(ctx, counterpart(c, req.ID), notification.EventConsentGranted, consentData(c))
	return c, nil
}

// GrantConsentDirect records consent given without a prior request.
func (a *Authorizer) GrantConsentDirect(ctx context.Context, req policy.Requester, in consent.DirectGrant) (*consent.Consent, error) {
	c, err := a.consentOp(ctx, req, hipaa.ActionGrant, "consent_granted_direct",
		func() (uuid.UUID, uuid.UUID) { return uuid.Nil, in.PatientID },
		func(ctx context.Context) (*consent.Consent, error) {
			return a.consents.GrantDirect(ctx, req, in)
		})
	if err != nil {
		return nil, err
	}
	a.metrics.ConsentTransition(string(consent.StatusGranted))
	a.notify(ctx, counterpart(c, req.ID), notification.EventConsentGranted, consentData(c))
	return c, nil
}

// DenyConsent rejects a pending request and tells the requesting doctor.
func (a *Authorizer) DenyConsent(ctx context.Context, req policy.Requester, id uuid.UUID, reason string) (*consent.Consent, error) {
	c, err := a.consentOp(ctx, req, hipaa.ActionDeny, "consent_denied", a.byID(ctx, id),
		func(ctx context.Context) (*consent.Consent, error) {
			return a.consents.Deny(ctx, req, id, reason)
		})
	if err != nil {
		return nil, err
	}
	a.metrics.ConsentTransition(string(consent.StatusDenied))
	a.notify(ctx, counterpart(c, req.ID), notification.EventConsentDenied, consentData(c))
	return c, nil
}

// RevokeConsent withdraws a grant. Revoking an already revoked row returns
// it unchanged and writes nothing.
func (a *Authorizer) RevokeConsent(ctx context.Context, req policy.Requester, id uuid.UUID, reason string) (*consent.Consent, error) {
	var unchanged *consent.Consent
	c, err := a.consentOp(ctx, req, hipaa.ActionRevoke, "consent_revoked", a.byID(ctx, id),
		func(ctx context.Context) (*consent.Consent, error) {
			c, changed, err := a.consents.Revoke(ctx, req, id, reason)
			if err != nil {
				return nil, err
			}
			if !changed {
				unchanged = c
				return nil, nil
			}
			return c, nil
		})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return unchanged, nil
	}
	a.metrics.ConsentTransition(string(consent.StatusRevoked))
	a.notify(ctx, counterpart(c, req.ID), notification.EventConsentRevoked, consentData(c))
	return c, nil
}

// canSeeConsent allows the patient, the named doctor and admins.
func canSeeConsent(req policy.Requester, patientID uuid.UUID, doctorID *uuid.UUID) bool {
	return req.IsAdmin() || req.ID == patientID || (doctorID != nil && *doctorID == req.ID)
}

// GetConsent returns one consent row with its effective status.
func (a *Authorizer) GetConsent(ctx context.Context, req policy.Requester, id uuid.UUID) (consent.View, error) {
	c, err := a.consents.Get(ctx, id)
	if err != nil {
		return consent.View{}, storeErr("get consent", err)
	}
	if !canSeeConsent(req, c.PatientID, c.DoctorID) {
		return consent.View{}, apperr.Forbidden("not allowed to read consent %s", id)
	}
	return c.View(a.clock()), nil
}

// ListPatientConsents pages through a patient's consent rows, newest first.
func (a *Authorizer) ListPatientConsents(ctx context.Context, req policy.Requester, patientID uuid.UUID, limit, offset int) ([]consent.View, int, error) {
	if !req.IsAdmin() && req.ID != patientID {
		return nil, 0, apperr.Forbidden("only the patient or an admin may list consents of patient %s", patientID)
	}
	rows, total, err := a.consents.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, storeErr("list consents", err)
	}
	return a.views(rows), total, nil
}

// ListDoctorConsents pages through the consent rows naming a doctor.
func (a *Authorizer) ListDoctorConsents(ctx context.Context, req policy.Requester, doctorID uuid.UUID, limit, offset int) ([]consent.View, int, error) {
	if !req.IsAdmin() && req.ID != doctorID {
		return nil, 0, apperr.Forbidden("only the doctor or an admin may list consents of doctor %s", doctorID)
	}
	rows, total, err := a.consents.ListByDoctor(ctx, doctorID, limit, offset)
	if err != nil {
		return nil, 0, storeErr("list consents", err)
	}
	return a.views(rows), total, nil
}

func (a *Authorizer) views(rows []*consent.Consent) []consent.View {
	now := a.clock()
	out := make([]consent.View, len(rows))
	for i, c := range rows {
		out[i] = c.View(now)
	}
	return out
}

// CheckConsent tells the patient, the doctor concerned or an admin whether
// consent of type t is in effect, and why.
func (a *Authorizer) CheckConsent(ctx context.Context, req policy.Requester, patientID uuid.UUID, doctorID *uuid.UUID, t consent.Type) (consent.Resolution, error) {
	if !t.Valid() {
		return consent.Resolution{}, apperr.InvalidArgument("unknown consent type %q", t)
	}
	if !canSeeConsent(req, patientID, doctorID) {
		return consent.Resolution{}, apperr.Forbidden("not allowed to check consent of patient %s", patientID)
	}
	res, err := a.consents.Resolve(ctx, patientID, doctorID, t, a.clock())
	return res, storeErr("resolve consent", err)
}
