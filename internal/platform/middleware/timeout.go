package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on the request context. A handler still
// running at the deadline is answered with 504; repositories observe the
// cancelled context and abandon their queries.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				if errors.Is(err, context.DeadlineExceeded) {
					return errTimeout
				}
				return err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return errTimeout
				}
				return ctx.Err()
			}
		}
	}
}

var errTimeout = echo.NewHTTPError(http.StatusGatewayTimeout, "request processing exceeded the allowed time limit")
