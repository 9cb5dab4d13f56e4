package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/medaccess/internal/domain/policy"
)

// RequireRole rejects requesters holding none of roles. Admins always pass.
func RequireRole(roles ...policy.Role) echo.MiddlewareFunc {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req, err := RequesterFromContext(c.Request().Context())
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			if req.IsAdmin() {
				return next(c)
			}
			for _, r := range roles {
				if req.Role == r {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "required role: "+strings.Join(names, " or "))
		}
	}
}
