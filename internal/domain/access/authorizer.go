// Package access is the single entry point collaborators use to ask whether
// a medical record may be read and to change who may read it. Every
// decision and every change is written to the audit log.
package access

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/medaccess/internal/domain/consent"
	"github.com/ehr/medaccess/internal/domain/policy"
	"github.com/ehr/medaccess/internal/domain/record"
	"github.com/ehr/medaccess/internal/platform/apperr"
	"github.com/ehr/medaccess/internal/platform/db"
	"github.com/ehr/medaccess/internal/platform/hipaa"
	"github.com/ehr/medaccess/internal/platform/metrics"
	"github.com/ehr/medaccess/internal/platform/notification"
)

const DefaultMaxShareDays = 365

// Audit reason codes for outcomes that are not evaluator reasons.
const (
	ReasonRecordNotFound    = "record_not_found"
	ReasonPatientMismatch   = "patient_mismatch"
	ReasonNotPermitted      = "not_permitted"
	ReasonDependencyFailure = "dependency_failure"
)

// Authorizer composes the record store, the consent ledger, the evaluator
// and the audit log.
type Authorizer struct {
	records      record.Store
	consents     *consent.Ledger
	audit        hipaa.AuditLog
	tx           db.Transactor
	notifier     notification.Notifier
	templates    *notification.TemplateEngine
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	now          func() time.Time
	maxShareDays int
}

type Option func(*Authorizer)

// WithTransactor sets how a write and its audit entry are made atomic. The
// default suits the in-memory stores.
func WithTransactor(tx db.Transactor) Option {
	return func(a *Authorizer) { a.tx = tx }
}

func WithNotifier(n notification.Notifier) Option {
	return func(a *Authorizer) { a.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Authorizer) { a.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(a *Authorizer) { a.logger = l.With().Str("component", "access").Logger() }
}

func WithClock(now func() time.Time) Option {
	return func(a *Authorizer) { a.now = now }
}

// WithMaxShareDays caps the lifetime of a share grant.
func WithMaxShareDays(days int) Option {
	return func(a *Authorizer) {
		if days > 0 {
			a.maxShareDays = days
		}
	}
}

func New(records record.Store, consents *consent.Ledger, audit hipaa.AuditLog, opts ...Option) *Authorizer {
	a := &Authorizer{
		records:      records,
		consents:     consents,
		audit:        audit,
		tx:           db.MemoryTransactor{},
		templates:    notification.NewTemplateEngine(),
		logger:       zerolog.Nop(),
		now:          time.Now,
		maxShareDays: DefaultMaxShareDays,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Authorizer) clock() time.Time { return a.now().UTC() }

// storeErr passes domain errors through and marks anything else as a
// dependency failure.
func storeErr(what string, err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{
		apperr.ErrForbidden, apperr.ErrInvalidState, apperr.ErrNotFound,
		apperr.ErrConflict, apperr.ErrInvalidArgument, apperr.ErrDependencyFailure,
	} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return apperr.Dependency(what, err)
}

func (a *Authorizer) entry(entityType string, entityID, patientID uuid.UUID, req policy.Requester, action hipaa.Action, allowed bool, reason string) *hipaa.AuditEntry {
	outcome := hipaa.OutcomeDeny
	if allowed {
		outcome = hipaa.OutcomeAllow
	}
	return &hipaa.AuditEntry{
		EntityType: entityType,
		EntityID:   entityID,
		PatientID:  patientID,
		UserID:     req.ID,
		Role:       string(req.Role),
		Action:     action,
		Outcome:    outcome,
		ReasonCode: reason,
		Timestamp:  a.clock(),
	}
}

// appendAudit writes an entry that is part of a mutation. A failure aborts
// the surrounding transaction.
func (a *Authorizer) appendAudit(ctx context.Context, e *hipaa.AuditEntry) error {
	if err := a.audit.Append(ctx, e); err != nil {
		a.metrics.AuditFailure()
		a.logger.Error().Err(err).
			Str("entity_id", e.EntityID.String()).
			Str("action", string(e.Action)).
			Msg("audit append failed, rolling back")
		return apperr.Dependency("append audit entry", err)
	}
	return nil
}

// recordDecision writes an entry for a decision that has already been made.
// A failure is logged and counted but never changes the decision.
func (a *Authorizer) recordDecision(ctx context.Context, e *hipaa.AuditEntry) {
	if err := a.audit.Append(ctx, e); err != nil {
		a.metrics.AuditFailure()
		a.logger.Error().Err(err).
			Str("request_id", hipaa.RequestIDFromContext(ctx)).
			Str("entity_id", e.EntityID.String()).
			Str("user_id", e.UserID.String()).
			Str("action", string(e.Action)).
			Str("outcome", string(e.Outcome)).
			Str("reason", e.ReasonCode).
			Msg("audit append failed")
	}
}

// retry runs fn in a transaction and runs it once more in a fresh
// transaction when it fails with a version conflict.
func (a *Authorizer) retry(ctx context.Context, entity string, fn func(ctx context.Context) error) error {
	err := a.tx.InTx(ctx, fn)
	if errors.Is(err, apperr.ErrConflict) {
		a.metrics.ConflictRetry(entity)
		a.logger.Debug().Str("entity", entity).Err(err).Msg("version conflict, retrying")
		err = a.tx.InTx(ctx, fn)
	}
	return err
}

func (a *Authorizer) notify(ctx context.Context, target notification.Target, event notification.Event, data map[string]string) {
	if a.notifier == nil {
		return
	}
	msg, err := a.templates.Build(target, event, data)
	if err == nil {
		err = a.notifier.Notify(ctx, msg)
	}
	if err != nil {
		a.metrics.NotificationFailure()
		a.logger.Warn().Err(err).
			Str("target", target.String()).
			Str("event", string(event)).
			Msg("notification failed")
	}
}
