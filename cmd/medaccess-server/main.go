package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/medaccess/internal/config"
	"github.com/ehr/medaccess/internal/domain/record"
	"github.com/ehr/medaccess/internal/platform/db"
	"github.com/ehr/medaccess/internal/platform/metrics"
	"github.com/ehr/medaccess/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "medaccess-server",
		Short: "Medical record access-control API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the access-control API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

// sweepCmd purges until nothing is left, for deployments that schedule it
// externally with SWEEP_INTERVAL=0.
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Purge all long-expired share grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.StorageBackend != config.BackendPostgres {
				return errors.New("sweep needs STORAGE_BACKEND=postgres")
			}
			logger := newLogger(cfg)
			ctx := cmd.Context()

			b, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			n, err := record.NewSweeper(b.records, cfg.GrantPurgeAfter(), logger).SweepAll(ctx)
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			fmt.Printf("Purged %d expired share grant(s).\n", n)
			return nil
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	b, err := openBackend(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StorageBackend).Msg("failed to open storage")
	}
	defer b.Close()
	logger.Info().Str("backend", cfg.StorageBackend).Msg("storage ready")

	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		logger.Warn().Msg("AUTH_MODE=development: identities are taken from X-User-ID and X-User-Role headers. Do NOT use in production.")
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	notifier, closeNotifier, err := openNotifier(cfg, logger, b)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer closeNotifier()

	srv := newServer(cfg, logger, b, notifier, m, reg)

	if cfg.SweepInterval > 0 {
		sweeper := record.NewSweeper(b.records, cfg.GrantPurgeAfter(), logger)
		sweeper.OnPurge(m.Purged)
		go sweeper.Run(ctx, cfg.SweepInterval)
	}
	if srv.revocations != nil {
		go srv.revocations.Run(ctx, time.Minute)
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = srv.echo.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.echo.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
