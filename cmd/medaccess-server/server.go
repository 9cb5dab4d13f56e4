package main

import (
	"context"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ehr/medaccess/internal/config"
	"github.com/ehr/medaccess/internal/domain/access"
	"github.com/ehr/medaccess/internal/domain/consent"
	"github.com/ehr/medaccess/internal/domain/record"
	"github.com/ehr/medaccess/internal/platform/auth"
	"github.com/ehr/medaccess/internal/platform/db"
	"github.com/ehr/medaccess/internal/platform/hipaa"
	"github.com/ehr/medaccess/internal/platform/metrics"
	"github.com/ehr/medaccess/internal/platform/middleware"
	"github.com/ehr/medaccess/internal/platform/notification"
)

// backend bundles the stores of one storage backend with the transactor
// that makes their writes atomic.
type backend struct {
	records  record.Store
	consents consent.Repository
	audit    hipaa.AuditLog
	tx       db.Transactor
	checks   map[string]db.Check
	pool     *pgxpool.Pool
}

func (b *backend) Close() {
	if b.pool != nil {
		b.pool.Close()
	}
}

func memoryBackend() *backend {
	return &backend{
		records:  record.NewMemoryStore(),
		consents: consent.NewMemoryRepo(),
		audit:    hipaa.NewMemoryAuditLog(),
		tx:       db.MemoryTransactor{},
		checks:   map[string]db.Check{},
	}
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	if cfg.StorageBackend == config.BackendMemory {
		return memoryBackend(), nil
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	return &backend{
		records:  record.NewStorePG(pool),
		consents: consent.NewRepoPG(pool),
		audit:    hipaa.NewAuditLogger(pool),
		tx:       db.NewTransactor(pool),
		checks:   map[string]db.Check{"database": db.PoolCheck(pool)},
		pool:     pool,
	}, nil
}

// openNotifier publishes to Redis when REDIS_URL is set and logs otherwise.
// The Redis connection is added to the backend's health checks.
func openNotifier(cfg *config.Config, logger zerolog.Logger, b *backend) (notification.Notifier, func(), error) {
	if cfg.RedisURL == "" {
		logger.Info().Msg("REDIS_URL not set, notifications are logged only")
		return notification.NewLogNotifier(logger), func() {}, nil
	}
	rn, err := notification.NewRedisNotifier(cfg.RedisURL, cfg.NotifyChannel)
	if err != nil {
		return nil, nil, err
	}
	b.checks["redis"] = rn.Check
	return rn, func() { _ = rn.Close() }, nil
}

type server struct {
	echo        *echo.Echo
	authz       *access.Authorizer
	revocations *auth.TokenRevocationStore
}

func newServer(cfg *config.Config, logger zerolog.Logger, b *backend, notifier notification.Notifier, m *metrics.Metrics, reg *prometheus.Registry) *server {
	ledger := consent.NewLedger(b.consents, consent.WithDefaultTTL(cfg.ConsentDefaultTTL()))
	authz := access.New(b.records, ledger, b.audit,
		access.WithTransactor(b.tx),
		access.WithNotifier(notifier),
		access.WithMetrics(m),
		access.WithLogger(logger),
		access.WithMaxShareDays(cfg.ShareMaxTTLDays),
	)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.HeaderUserID, auth.HeaderUserRole},
	}))

	// Auth middleware
	var revocations *auth.TokenRevocationStore
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		revocations = auth.NewTokenRevocationStore()
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:      cfg.AuthIssuer,
			Audience:    cfg.AuthAudience,
			SigningKey:  []byte(cfg.AuthSigningKey),
			Skipper:     auth.AuthSkipper,
			Revocations: revocations,
		}))
	}

	e.GET("/health", db.HealthHandler(b.checks))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	apiV1 := e.Group("/api/v1")
	access.NewHandler(authz).RegisterRoutes(apiV1)
	if revocations != nil {
		auth.RegisterRevocationRoutes(apiV1, revocations, cfg.TokenMaxTTL)
	}

	return &server{echo: e, authz: authz, revocations: revocations}
}
