package access

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/medaccess/internal/domain/consent"
	"github.com/ehr/medaccess/internal/domain/policy"
	"github.com/ehr/medaccess/internal/platform/apperr"
	"github.com/ehr/medaccess/internal/platform/auth"
	"github.com/ehr/medaccess/pkg/pagination"
)

type Handler struct {
	authz *Authorizer
}

func NewHandler(authz *Authorizer) *Handler {
	return &Handler{authz: authz}
}

// RegisterRoutes mounts the access API on api. api must already carry an
// authentication middleware.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/records", h.RegisterRecord, auth.RequireRole(policy.RoleDoctor))
	api.GET("/records/:id/access", h.CanAccess)
	api.GET("/records/:id/access-log", h.AuditTrail)
	api.POST("/records/:id/shares", h.GrantShare)
	api.DELETE("/records/:id/shares/:userId", h.RevokeShare)
	api.PUT("/records/:id/privacy", h.SetPrivacy)
	api.POST("/records/:id/authorized-users", h.AuthorizeUser)
	api.DELETE("/records/:id/authorized-users/:userId", h.DeauthorizeUser)

	api.GET("/patients/:id/records", h.ListPatientRecords)
	api.POST("/patients/:id/records/access", h.BulkPatientAccess)
	api.GET("/patients/:id/consents", h.ListPatientConsents)
	api.GET("/doctors/:id/consents", h.ListDoctorConsents)

	api.POST("/consents", h.RequestConsent, auth.RequireRole(policy.RoleDoctor))
	api.POST("/consents/direct", h.GrantConsentDirect)
	api.GET("/consents/check", h.CheckConsent)
	api.GET("/consents/:id", h.GetConsent)
	api.POST("/consents/:id/grant", h.GrantConsent)
	api.POST("/consents/:id/deny", h.DenyConsent)
	api.POST("/consents/:id/revoke", h.RevokeConsent)

	api.GET("/audit/users/:id", h.AuditByUser, auth.RequireRole(policy.RoleAdmin))
}

func requester(c echo.Context) (policy.Requester, error) {
	req, err := auth.RequesterFromContext(c.Request().Context())
	if err != nil {
		return policy.Requester{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return req, nil
}

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

// -- Record Handlers --

func (h *Handler) RegisterRecord(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return err
	}
	var in Registration
	if err := bind(c, &in); err != nil {
		return err
	}
	f, err := h.authz.RegisterRecord(c.Request().Context(), in, req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, f)
}

type accessResponse struct {
	RecordID uuid.UUID     `json:"record_id"`
	Allow    bool          `json:"allow"`
	Reason   policy.Reason `json:"reason"`
}

// CanAccess answers 200 for both outcomes; the decision is in the body.
func (h *Handler) CanAccess(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	d, err := h.authz.CanAccess(c.Request().Context(), id, req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, accessResponse{RecordID: id, Allow: d.Allow, Reason: d.Reason})
}

func (h *Handler) AuditTrail(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	entries, err := h.authz.AuditTrail(c.Request().Context(), id, req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"record_id": id, "entries": entries})
}

type shareRequest struct {
	UserID  uuid.UUID `json:"user_id"`
	TTLDays int       `json:"ttl_days"`
}

func (h *Handler) GrantShare(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var body shareRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	g, err := h.authz.GrantShare(c.Request().Context(), id, body.UserID, body.TTLDays, req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, g)
}

func (h *Handler) RevokeShare(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	userID, err := uuidParam(c, "userId")
	if err != nil {
		return err
	}
	if _, err := h.authz.RevokeShare(c.Request().Context(), id, userID, req); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type privacyRequest struct {
	IsPrivate *bool `json:"is_private"`
}

func (h *Handler) SetPrivacy(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var body privacyRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	if body.IsPrivate == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "is_private is required")
	}
	f, err := h.authz.SetPrivacy(c.Request().Context(), id, *body.IsPrivate, req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, f)
}

type userRequest struct {
	UserID uuid.UUID `json:"user_id"`
}

func (h *Handler) AuthorizeUser(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var body userRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	f, err := h.authz.AuthorizeUser(c.Request().Context(), id, body.UserID, req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) DeauthorizeUser(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	userID, err := uuidParam(c, "userId")
	if err != nil {
		return err
	}
	f, err := h.authz.DeauthorizeUser(c.Request().Context(), id, userID, req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, f)
}

// -- Patient Handlers --

func (h *Handler) ListPatientRecords(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.authz.ListPatientRecords(c.Request().Context(), id, req, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

type bulkRequest struct {
	RecordIDs []uuid.UUID `json:"record_ids"`
}

func (h *Handler) BulkPatientAccess(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var body bulkRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	res, err := h.authz.BulkPatientAccess(c.Request().Context(), req, id, body.RecordIDs)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ListPatientConsents(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.authz.ListPatientConsents(c.Request().Context(), req, id, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) ListDoctorConsents(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.authz.ListDoctorConsents(c.Request().Context(), req, id, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

// -- Consent Handlers --

type consentRequest struct {
	PatientID  uuid.UUID    `json:"patient_id"`
	DoctorID   *uuid.UUID   `json:"doctor_id"`
	Type       consent.Type `json:"type"`
	ExpiryDate *time.Time   `json:"expiry_date"`
	Note       string       `json:"note"`
}

func (h *Handler) RequestConsent(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return err
	}
	var body consentRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	if body.DoctorID == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "doctor_id is required")
	}
	row, err := h.authz.RequestConsent(c.Request().Context(), req, body.PatientID, *body.DoctorID, body.Type, body.Note)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, row.View(h.authz.clock()))
}

func (h *Handler) GrantConsentDirect(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return err
	}
	var body consentRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	row, err := h.authz.GrantConsentDirect(c.Request().Context(), req, consent.DirectGrant{
		PatientID: body.PatientID,
		DoctorID:  body.DoctorID,
		Type:      body.Type,
		Expiry:    body.ExpiryDate,
		Note:      body.Note,
	})
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, row.View(h.authz.clock()))
}

type transitionRequest struct {
	ExpiryDate *time.Time `json:"expiry_date"`
	Reason     string     `json:"reason"`
}

func (h *Handler) GrantConsent(c echo.Context) error {
	return h.transition(c, func(c echo.Context, req policy.Requester, id uuid.UUID, body transitionRequest) (*consent.Consent, error) {
		return h.authz.GrantConsent(c.Request().Context(), req, id, body.ExpiryDate)
	})
}

func (h *Handler) DenyConsent(c echo.Context) error {
	return h.transition(c, func(c echo.Context, req policy.Requester, id uuid.UUID, body transitionRequest) (*consent.Consent, error) {
		return h.authz.DenyConsent(c.Request().Context(), req, id, body.Reason)
	})
}

func (h *Handler) RevokeConsent(c echo.Context) error {
	return h.transition(c, func(c echo.Context, req policy.Requester, id uuid.UUID, body transitionRequest) (*consent.Consent, error) {
		return h.authz.RevokeConsent(c.Request().Context(), req, id, body.Reason)
	})
}

func (h *Handler) transition(c echo.Context, fn func(echo.Context, policy.Requester, uuid.UUID, transitionRequest) (*consent.Consent, error)) error {
	req, err := requester(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var body transitionRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	row, err := fn(c, req, id, body)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, row.View(h.authz.clock()))
}

func (h *Handler) GetConsent(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	v, err := h.authz.GetConsent(c.Request().Context(), req, id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) CheckConsent(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return err
	}
	patientID, err := uuid.Parse(c.QueryParam("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	var doctorID *uuid.UUID
	if raw := c.QueryParam("doctor_id"); raw != "" {
		d, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid doctor_id")
		}
		doctorID = &d
	}
	t := consent.Type(c.QueryParam("type"))
	if t == "" {
		t = consent.TypeMedicalRecords
	}
	res, err := h.authz.CheckConsent(c.Request().Context(), req, patientID, doctorID, t)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- Audit Handlers --

func (h *Handler) AuditByUser(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	entries, total, err := h.authz.AuditByUser(c.Request().Context(), id, req, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, pg))
}
