package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/medaccess/internal/domain/policy"
)

func TestRevocationStore_ByJTI(t *testing.T) {
	store := NewTokenRevocationStore()
	store.Revoke("jti-1", time.Now().Add(time.Hour))

	if !store.IsRevoked(&Claims{RegisteredClaims: jwt.RegisteredClaims{ID: "jti-1"}}) {
		t.Error("expected jti-1 to be revoked")
	}
	if store.IsRevoked(&Claims{RegisteredClaims: jwt.RegisteredClaims{ID: "jti-2"}}) {
		t.Error("jti-2 should not be revoked")
	}
}

func TestRevocationStore_UserCutoff(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewTokenRevocationStore()
	store.now = func() time.Time { return now }
	user := uuid.New()
	store.RevokeUser(user, time.Hour)

	claims := func(iat time.Time) *Claims {
		return &Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:  user.String(),
			IssuedAt: jwt.NewNumericDate(iat),
		}}
	}
	if !store.IsRevoked(claims(now.Add(-time.Minute))) {
		t.Error("token issued before the cutoff should be revoked")
	}
	if store.IsRevoked(claims(now.Add(time.Minute))) {
		t.Error("token issued after the cutoff should pass")
	}
	if !store.IsRevoked(&Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: user.String()}}) {
		t.Error("token without iat should be revoked")
	}
	if store.IsRevoked(&Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: uuid.NewString()}}) {
		t.Error("other users are unaffected")
	}
}

func TestRevocationStore_Cleanup(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewTokenRevocationStore()
	store.now = func() time.Time { return now }

	store.Revoke("old", now.Add(time.Minute))
	store.Revoke("new", now.Add(2*time.Hour))
	store.RevokeUser(uuid.New(), 30*time.Minute)
	if store.Count() != 3 {
		t.Fatalf("count = %d", store.Count())
	}

	now = now.Add(time.Hour)
	store.cleanup()
	if store.Count() != 1 {
		t.Errorf("count after cleanup = %d, want 1", store.Count())
	}
	if len(store.Entries()) != 1 || store.Entries()[0].JTI != "new" {
		t.Errorf("entries = %+v", store.Entries())
	}
}

func adminRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req.WithContext(WithRequester(req.Context(), policy.Requester{ID: uuid.New(), Role: policy.RoleAdmin}))
}

func TestRevocationRoutes(t *testing.T) {
	e := echo.New()
	store := NewTokenRevocationStore()
	RegisterRevocationRoutes(e.Group("/api/v1"), store, time.Hour)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/v1/auth/revoke", `{"jti":"abc"}`))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/v1/auth/revoke", `{}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing jti status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/v1/auth/revoke-user", `{"user_id":"`+uuid.NewString()+`"}`))
	if rec.Code != http.StatusNoContent {
		t.Errorf("revoke-user status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, adminRequest(http.MethodGet, "/api/v1/auth/revocations", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var resp revocationListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
}

func TestRevocationRoutes_AdminOnly(t *testing.T) {
	e := echo.New()
	RegisterRevocationRoutes(e.Group("/api/v1"), NewTokenRevocationStore(), time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/revocations", nil)
	req = req.WithContext(WithRequester(req.Context(), policy.Requester{ID: uuid.New(), Role: policy.RoleDoctor}))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}
