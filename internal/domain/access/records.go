package access

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medaccess/internal/domain/policy"
	"github.com/ehr/medaccess/internal/domain/record"
	"github.com/ehr/medaccess/internal/platform/apperr"
	"github.com/ehr/medaccess/internal/platform/hipaa"
	"github.com/ehr/medaccess/internal/platform/notification"
)

// CanAccess decides whether req may read the record and audits the decision.
func (a *Authorizer) CanAccess(ctx context.Context, recordID uuid.UUID, req policy.Requester) (policy.Decision, error) {
	f, err := a.records.Load(ctx, recordID)
	if err != nil {
		reason := ReasonDependencyFailure
		if errors.Is(err, apperr.ErrNotFound) {
			reason = ReasonRecordNotFound
		}
		a.metrics.Decision(false, reason)
		a.recordDecision(ctx, a.entry(hipaa.EntityMedicalRecord, recordID, uuid.Nil, req, hipaa.ActionView, false, reason))
		return policy.Decision{}, storeErr("load record", err)
	}

	d := policy.Evaluate(f, req, a.clock())
	a.metrics.Decision(d.Allow, string(d.Reason))
	a.recordDecision(ctx, a.entry(hipaa.EntityMedicalRecord, f.RecordID, f.PatientID, req, hipaa.ActionView, d.Allow, string(d.Reason)))
	return d, nil
}

// Registration describes a newly documented record.
type Registration struct {
	RecordID        uuid.UUID   `json:"record_id"`
	PatientID       uuid.UUID   `json:"patient_id"`
	DoctorID        uuid.UUID   `json:"doctor_id"`
	IsPrivate       bool        `json:"is_private"`
	AuthorizedUsers []uuid.UUID `json:"authorized_users"`
}

// RegisterRecord stores the access fragment of a record the authoring doctor
// just documented.
func (a *Authorizer) RegisterRecord(ctx context.Context, in Registration, req policy.Requester) (*record.AccessFragment, error) {
	if in.PatientID == uuid.Nil || in.DoctorID == uuid.Nil {
		return nil, apperr.InvalidArgument("patient_id and doctor_id are required")
	}
	if in.PatientID == in.DoctorID {
		return nil, apperr.InvalidArgument("patient and author must differ")
	}
	if in.RecordID == uuid.Nil {
		in.RecordID = uuid.New()
	}
	if !policy.CanRegister(in.DoctorID, req) {
		a.recordDecision(ctx, a.entry(hipaa.EntityMedicalRecord, in.RecordID, in.PatientID, req, hipaa.ActionRegister, false, ReasonNotPermitted))
		return nil, apperr.Forbidden("only the authoring doctor or an admin may register record %s", in.RecordID)
	}

	f := &record.AccessFragment{
		RecordID:      in.RecordID,
		PatientID:     in.PatientID,
		DoctorID:      in.DoctorID,
		AccessControl: record.AccessControl{IsPrivate: in.IsPrivate},
	}
	for _, u := range in.AuthorizedUsers {
		if u == uuid.Nil || f.IsOwnerOrAuthor(u) {
			continue
		}
		if _, err := record.Authorize(f, u); err != nil {
			return nil, err
		}
	}

	err := a.tx.InTx(ctx, func(ctx context.Context) error {
		if err := a.records.Create(ctx, f); err != nil {
			return storeErr("create record", err)
		}
		return a.appendAudit(ctx, a.entry(hipaa.EntityMedicalRecord, f.RecordID, f.PatientID, req, hipaa.ActionRegister, true, "record_registered"))
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info().Str("record_id", f.RecordID.String()).Str("user_id", req.ID.String()).Msg("record registered")
	return f, nil
}

// mutation changes a loaded fragment. It returns the audit reason and
// whether anything changed.
type mutation func(f *record.AccessFragment, now time.Time) (reason string, changed bool, err error)

// mutate applies fn to the current fragment and saves it with its audit
// entry in one transaction, retrying once on a version conflict. Forbidden
// attempts are audited as denials.
func (a *Authorizer) mutate(ctx context.Context, recordID uuid.UUID, req policy.Requester, action hipaa.Action, fn mutation) (*record.AccessFragment, error) {
	var out *record.AccessFragment
	var patientID uuid.UUID

	err := a.retry(ctx, "record", func(ctx context.Context) error {
		f, err := a.records.Load(ctx, recordID)
		if err != nil {
			return storeErr("load record", err)
		}
		patientID = f.PatientID
		expected := f.Version

		reason, changed, err := fn(f, a.clock())
		if err != nil {
			return err
		}
		if changed {
			if err := a.records.Save(ctx, f, expected); err != nil {
				return storeErr("save record", err)
			}
		}
		if err := a.appendAudit(ctx, a.entry(hipaa.EntityMedicalRecord, f.RecordID, f.PatientID, req, action, true, reason)); err != nil {
			return err
		}
		out = f
		return nil
	})
	if errors.Is(err, apperr.ErrForbidden) {
		a.recordDecision(ctx, a.entry(hipaa.EntityMedicalRecord, recordID, patientID, req, action, false, ReasonNotPermitted))
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GrantShare gives grantee read access to the record for ttlDays. Only the
// owning patient or an admin may share.
func (a *Authorizer) GrantShare(ctx context.Context, recordID, grantee uuid.UUID, ttlDays int, req policy.Requester) (record.ShareGrant, error) {
	if ttlDays > a.maxShareDays {
		return record.ShareGrant{}, apperr.InvalidArgument("ttl of %d days exceeds the maximum of %d", ttlDays, a.maxShareDays)
	}
	var grant record.ShareGrant
	_, err := a.mutate(ctx, recordID, req, hipaa.ActionGrant, func(f *record.AccessFragment, now time.Time) (string, bool, error) {
		if !policy.CanShare(f, req) {
			return "", false, apperr.Forbidden("only the patient or an admin may share record %s", f.RecordID)
		}
		g, err := record.GrantShare(f, grantee, req.ID, ttlDays, now)
		if err != nil {
			return "", false, err
		}
		grant = g
		return "share_granted", true, nil
	})
	if err != nil {
		return record.ShareGrant{}, err
	}

	a.notify(ctx, notification.Recipient(grantee), notification.EventShareGranted, map[string]string{
		"record_id":   recordID.String(),
		"expiry_date": grant.ExpiryDate.Format(time.RFC3339),
	})
	return grant, nil
}

// RevokeShare removes grantee's share grant and the membership it implied.
func (a *Authorizer) RevokeShare(ctx context.Context, recordID, grantee uuid.UUID, req policy.Requester) (record.ShareGrant, error) {
	var grant record.ShareGrant
	_, err := a.mutate(ctx, recordID, req, hipaa.ActionRevoke, func(f *record.AccessFragment, now time.Time) (string, bool, error) {
		if !policy.CanRevokeShare(f, grantee, req, now) {
			return "", false, apperr.Forbidden("not allowed to revoke shares on record %s", f.RecordID)
		}
		g, err := record.RevokeShare(f, grantee, now)
		if err != nil {
			return "", false, err
		}
		grant = g
		return "share_revoked", true, nil
	})
	if err != nil {
		return record.ShareGrant{}, err
	}

	a.notify(ctx, notification.Recipient(grantee), notification.EventShareRevoked, map[string]string{
		"record_id": recordID.String(),
	})
	return grant, nil
}

// SetPrivacy sets the record's private flag.
func (a *Authorizer) SetPrivacy(ctx context.Context, recordID uuid.UUID, private bool, req policy.Requester) (*record.AccessFragment, error) {
	return a.mutate(ctx, recordID, req, hipaa.ActionPrivacy, func(f *record.AccessFragment, _ time.Time) (string, bool, error) {
		if !policy.CanManage(f, req) {
			return "", false, apperr.Forbidden("not allowed to change privacy of record %s", f.RecordID)
		}
		changed := record.SetPrivacy(f, private)
		if private {
			return "privacy_set", changed, nil
		}
		return "privacy_cleared", changed, nil
	})
}

// AuthorizeUser adds user to the record's explicit authorization list.
func (a *Authorizer) AuthorizeUser(ctx context.Context, recordID, user uuid.UUID, req policy.Requester) (*record.AccessFragment, error) {
	return a.mutate(ctx, recordID, req, hipaa.ActionAuthorize, func(f *record.AccessFragment, _ time.Time) (string, bool, error) {
		if !policy.CanManage(f, req) {
			return "", false, apperr.Forbidden("not allowed to authorize users on record %s", f.RecordID)
		}
		changed, err := record.Authorize(f, user)
		return "user_authorized", changed, err
	})
}

// DeauthorizeUser removes user from the record's explicit authorization list.
func (a *Authorizer) DeauthorizeUser(ctx context.Context, recordID, user uuid.UUID, req policy.Requester) (*record.AccessFragment, error) {
	return a.mutate(ctx, recordID, req, hipaa.ActionDeauthorize, func(f *record.AccessFragment, _ time.Time) (string, bool, error) {
		if !policy.CanManage(f, req) {
			return "", false, apperr.Forbidden("not allowed to deauthorize users on record %s", f.RecordID)
		}
		if err := record.Deauthorize(f, user); err != nil {
			return "", false, err
		}
		return "user_deauthorized", true, nil
	})
}

// ListPatientRecords pages through the access fragments of a patient's
// records. Only the patient or an admin may list them.
func (a *Authorizer) ListPatientRecords(ctx context.Context, patientID uuid.UUID, req policy.Requester, limit, offset int) ([]*record.AccessFragment, int, error) {
	if !req.IsAdmin() && req.ID != patientID {
		return nil, 0, apperr.Forbidden("only the patient or an admin may list records of patient %s", patientID)
	}
	items, total, err := a.records.ListByPatient(ctx, patientID, limit, offset)
	return items, total, storeErr("list records", err)
}

// AuditTrail returns the record's audit entries oldest first. The owner, the
// author and admins may read it; the query is itself audited.
func (a *Authorizer) AuditTrail(ctx context.Context, recordID uuid.UUID, req policy.Requester) ([]*hipaa.AuditEntry, error) {
	f, err := a.records.Load(ctx, recordID)
	if err != nil {
		return nil, storeErr("load record", err)
	}
	if !policy.CanManage(f, req) {
		a.recordDecision(ctx, a.entry(hipaa.EntityMedicalRecord, f.RecordID, f.PatientID, req, hipaa.ActionAuditQuery, false, ReasonNotPermitted))
		return nil, apperr.Forbidden("not allowed to read the audit trail of record %s", recordID)
	}

	entries, err := a.audit.ListByEntity(ctx, hipaa.EntityMedicalRecord, recordID)
	if err != nil {
		return nil, apperr.Dependency("list audit entries", err)
	}
	a.recordDecision(ctx, a.entry(hipaa.EntityMedicalRecord, f.RecordID, f.PatientID, req, hipaa.ActionAuditQuery, true, "audit_trail_read"))
	return entries, nil
}

// AuditByUser pages through everything one user did, newest first. Admins
// only.
func (a *Authorizer) AuditByUser(ctx context.Context, userID uuid.UUID, req policy.Requester, limit, offset int) ([]*hipaa.AuditEntry, int, error) {
	if !req.IsAdmin() {
		a.recordDecision(ctx, a.entry(hipaa.EntityUser, userID, uuid.Nil, req, hipaa.ActionAuditQuery, false, ReasonNotPermitted))
		return nil, 0, apperr.Forbidden("only admins may query the audit log by user")
	}
	entries, total, err := a.audit.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, apperr.Dependency("list audit entries", err)
	}
	a.recordDecision(ctx, a.entry(hipaa.EntityUser, userID, uuid.Nil, req, hipaa.ActionAuditQuery, true, "user_audit_read"))
	return entries, total, nil
}
