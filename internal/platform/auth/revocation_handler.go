package auth

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/medaccess/internal/domain/policy"
)

type revokeTokenRequest struct {
	JTI       string    `json:"jti"`
	ExpiresAt time.Time `json:"expires_at"`
}

type revokeUserRequest struct {
	UserID uuid.UUID `json:"user_id"`
}

type revocationListResponse struct {
	Count   int              `json:"count"`
	Entries []RevocationInfo `json:"entries"`
}

// RegisterRevocationRoutes mounts the admin-only token revocation endpoints.
// maxTokenTTL bounds how long a user cutoff is kept.
func RegisterRevocationRoutes(g *echo.Group, store *TokenRevocationStore, maxTokenTTL time.Duration) {
	authGroup := g.Group("/auth", RequireRole(policy.RoleAdmin))

	authGroup.POST("/revoke", handleRevokeToken(store))
	authGroup.POST("/revoke-user", handleRevokeUser(store, maxTokenTTL))
	authGroup.GET("/revocations", handleListRevocations(store))
}

func handleRevokeToken(store *TokenRevocationStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req revokeTokenRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if req.JTI == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "jti is required")
		}
		if req.ExpiresAt.IsZero() {
			req.ExpiresAt = time.Now().Add(1 * time.Hour)
		}
		store.Revoke(req.JTI, req.ExpiresAt)
		return c.NoContent(http.StatusNoContent)
	}
}

func handleRevokeUser(store *TokenRevocationStore, maxTokenTTL time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req revokeUserRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if req.UserID == uuid.Nil {
			return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
		}
		store.RevokeUser(req.UserID, maxTokenTTL)
		return c.NoContent(http.StatusNoContent)
	}
}

func handleListRevocations(store *TokenRevocationStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		entries := store.Entries()
		return c.JSON(http.StatusOK, revocationListResponse{
			Count:   len(entries),
			Entries: entries,
		})
	}
}
