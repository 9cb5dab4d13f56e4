//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/medaccess/internal/domain/access"
	"github.com/ehr/medaccess/internal/domain/consent"
	"github.com/ehr/medaccess/internal/domain/record"
	"github.com/ehr/medaccess/internal/platform/db"
	"github.com/ehr/medaccess/internal/platform/hipaa"
	"github.com/ehr/medaccess/migrations"
)

// globalPool is the migrated database shared by every test. Tests isolate
// themselves with fresh ids rather than separate schemas.
var globalPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr, cleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres: %v\n", err)
		os.Exit(1)
	}

	pool, err := db.NewPool(ctx, connStr, 10, 2)
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "failed to open pool: %v\n", err)
		os.Exit(1)
	}
	if _, err := db.NewMigrator(pool, migrations.FS).Up(ctx); err != nil {
		pool.Close()
		cleanup()
		fmt.Fprintf(os.Stderr, "failed to migrate: %v\n", err)
		os.Exit(1)
	}

	globalPool = pool
	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

type stack struct {
	records  record.Store
	consents consent.Repository
	audit    *hipaa.AuditLogger
	authz    *access.Authorizer
}

func newStack(t *testing.T) *stack {
	t.Helper()
	s := &stack{
		records:  record.NewStorePG(globalPool),
		consents: consent.NewRepoPG(globalPool),
		audit:    hipaa.NewAuditLogger(globalPool),
	}
	s.authz = access.New(s.records, consent.NewLedger(s.consents), s.audit,
		access.WithTransactor(db.NewTransactor(globalPool)),
		access.WithLogger(zerolog.Nop()),
	)
	return s
}
