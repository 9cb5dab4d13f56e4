package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// applicationName tags the service's sessions in pg_stat_activity.
const applicationName = "medaccess"

// NewPool opens a pgx pool against databaseURL sized between minConns and
// maxConns and pings it once. The record store, consent repository, audit
// log and migrator all share the pool it returns.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := poolConfig(databaseURL, maxConns, minConns)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func poolConfig(databaseURL string, maxConns, minConns int32) (*pgxpool.Config, error) {
	if maxConns < 1 {
		return nil, fmt.Errorf("max connections must be at least 1, got %d", maxConns)
	}
	if minConns < 0 || minConns > maxConns {
		return nil, fmt.Errorf("min connections %d outside [0, %d]", minConns, maxConns)
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	if _, set := cfg.ConnConfig.RuntimeParams["application_name"]; !set {
		cfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	return cfg, nil
}
