package access

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ehr/medaccess/internal/domain/consent"
	"github.com/ehr/medaccess/internal/domain/policy"
	"github.com/ehr/medaccess/internal/platform/apperr"
	"github.com/ehr/medaccess/internal/platform/hipaa"
)

const MaxBulkRecords = 100

// BulkDecision is the outcome for one record of a bulk request.
type BulkDecision struct {
	RecordID uuid.UUID `json:"record_id"`
	Allow    bool      `json:"allow"`
	Reason   string    `json:"reason"`
}

// BulkResult carries the per-record decisions. Consent is set when the
// requester is a doctor and the consent ledger was consulted.
type BulkResult struct {
	PatientID uuid.UUID           `json:"patient_id"`
	Consent   *consent.Resolution `json:"consent,omitempty"`
	Decisions []BulkDecision      `json:"decisions"`
}

// BulkPatientAccess decides access to several records of one patient. A
// doctor first needs medical_records consent from the patient; without it
// every record is denied with the consent reason. Otherwise, and for every
// other role, each record goes through the evaluator. All decisions are
// audited.
func (a *Authorizer) BulkPatientAccess(ctx context.Context, req policy.Requester, patientID uuid.UUID, recordIDs []uuid.UUID) (*BulkResult, error) {
	if patientID == uuid.Nil {
		return nil, apperr.InvalidArgument("patient_id is required")
	}
	if len(recordIDs) == 0 {
		return nil, apperr.InvalidArgument("record_ids must not be empty")
	}
	if len(recordIDs) > MaxBulkRecords {
		return nil, apperr.InvalidArgument("at most %d records per request, got %d", MaxBulkRecords, len(recordIDs))
	}

	now := a.clock()
	out := &BulkResult{PatientID: patientID, Decisions: make([]BulkDecision, 0, len(recordIDs))}

	if req.Role == policy.RoleDoctor {
		doctorID := req.ID
		res, err := a.consents.Resolve(ctx, patientID, &doctorID, consent.TypeMedicalRecords, now)
		if err != nil {
			return nil, storeErr("resolve consent", err)
		}
		out.Consent = &res
		if !res.InEffect {
			for _, id := range recordIDs {
				out.Decisions = append(out.Decisions, a.bulkDecide(ctx, req, id, patientID, false, string(res.Reason)))
			}
			return out, nil
		}
	}

	for _, id := range recordIDs {
		f, err := a.records.Load(ctx, id)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			out.Decisions = append(out.Decisions, a.bulkDecide(ctx, req, id, patientID, false, ReasonRecordNotFound))
			continue
		case err != nil:
			a.bulkDecide(ctx, req, id, patientID, false, ReasonDependencyFailure)
			return nil, storeErr("load record", err)
		}
		if f.PatientID != patientID {
			out.Decisions = append(out.Decisions, a.bulkDecide(ctx, req, id, patientID, false, ReasonPatientMismatch))
			continue
		}
		d := policy.Evaluate(f, req, now)
		out.Decisions = append(out.Decisions, a.bulkDecide(ctx, req, id, patientID, d.Allow, string(d.Reason)))
	}
	return out, nil
}

func (a *Authorizer) bulkDecide(ctx context.Context, req policy.Requester, recordID, patientID uuid.UUID, allowed bool, reason string) BulkDecision {
	a.metrics.Decision(allowed, reason)
	a.recordDecision(ctx, a.entry(hipaa.EntityMedicalRecord, recordID, patientID, req, hipaa.ActionView, allowed, reason))
	return BulkDecision{RecordID: recordID, Allow: allowed, Reason: reason}
}
