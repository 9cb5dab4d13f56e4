package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// Check tests one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

// PoolCheck pings the database.
func PoolCheck(pool *pgxpool.Pool) Check {
	return func(ctx context.Context) error { return pool.Ping(ctx) }
}

// HealthHandler runs every check with a shared timeout and reports 503 when
// any of them fails.
func HealthHandler(checks map[string]Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}

		overall := "healthy"
		if status != http.StatusOK {
			overall = "unhealthy"
		}
		return c.JSON(status, map[string]interface{}{
			"status": overall,
			"checks": results,
		})
	}
}
