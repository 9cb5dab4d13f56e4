package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/medaccess/internal/platform/hipaa"
)

const RequestIDHeader = "X-Request-ID"

// RequestID reuses the caller's X-Request-ID or generates one. The id is
// stored on the echo context, echoed in the response and carried on the
// request context so audit entries pick it up.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" || len(rid) > 128 {
				rid = uuid.NewString()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			c.SetRequest(c.Request().WithContext(hipaa.WithRequestID(c.Request().Context(), rid)))
			return next(c)
		}
	}
}
