package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"

	AuthModeDevelopment = "development"
	AuthModeJWT         = "jwt"
)

type Config struct {
	Port                  string        `mapstructure:"PORT"`
	Env                   string        `mapstructure:"ENV"`
	LogLevel              string        `mapstructure:"LOG_LEVEL"`
	AuthMode              string        `mapstructure:"AUTH_MODE"`
	StorageBackend        string        `mapstructure:"STORAGE_BACKEND"`
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL              string        `mapstructure:"REDIS_URL"`
	NotifyChannel         string        `mapstructure:"NOTIFY_CHANNEL"`
	AuthIssuer            string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience          string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey        string        `mapstructure:"AUTH_SIGNING_KEY"`
	TokenMaxTTL           time.Duration `mapstructure:"TOKEN_MAX_TTL"`
	CORSOrigins           []string      `mapstructure:"CORS_ORIGINS"`
	ConsentDefaultTTLDays int           `mapstructure:"CONSENT_DEFAULT_TTL_DAYS"`
	ShareMaxTTLDays       int           `mapstructure:"SHARE_MAX_TTL_DAYS"`
	GrantPurgeAfterDays   int           `mapstructure:"GRANT_PURGE_AFTER_DAYS"`
	SweepInterval         time.Duration `mapstructure:"SWEEP_INTERVAL"`
	RequestTimeout        time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit             string        `mapstructure:"BODY_LIMIT"`
	TLSEnabled            bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile           string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile            string        `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "AUTH_MODE", "STORAGE_BACKEND",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "NOTIFY_CHANNEL",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "TOKEN_MAX_TTL",
	"CORS_ORIGINS",
	"CONSENT_DEFAULT_TTL_DAYS", "SHARE_MAX_TTL_DAYS", "GRANT_PURGE_AFTER_DAYS", "SWEEP_INTERVAL",
	"REQUEST_TIMEOUT", "BODY_LIMIT",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("STORAGE_BACKEND", BackendPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("NOTIFY_CHANNEL", "medaccess.notifications")
	v.SetDefault("AUTH_AUDIENCE", "medaccess")
	v.SetDefault("TOKEN_MAX_TTL", "1h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("CONSENT_DEFAULT_TTL_DAYS", 365)
	v.SetDefault("SHARE_MAX_TTL_DAYS", 365)
	v.SetDefault("GRANT_PURGE_AFTER_DAYS", 90)
	v.SetDefault("SWEEP_INTERVAL", "1h")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.StorageBackend = strings.ToLower(cfg.StorageBackend)

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise development
// environments trust the X-User-* headers and everything else verifies
// bearer tokens.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDevelopment
	}
	return AuthModeJWT
}

func (c *Config) ConsentDefaultTTL() time.Duration {
	return time.Duration(c.ConsentDefaultTTLDays) * 24 * time.Hour
}

func (c *Config) GrantPurgeAfter() time.Duration {
	return time.Duration(c.GrantPurgeAfterDays) * 24 * time.Hour
}

// Validate checks that the configuration is safe to run. Header-based
// identity is refused in production, and the jwt mode needs an issuer and a
// signing key of at least 32 bytes.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_BACKEND is %q", BackendPostgres)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, c.StorageBackend)
	}

	switch mode := c.ResolvedAuthMode(); mode {
	case AuthModeDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE %q is not allowed when ENV=production", mode)
		}
	case AuthModeJWT:
		if c.AuthIssuer == "" {
			return fmt.Errorf("AUTH_ISSUER must be set when AUTH_MODE is %q (current ENV=%q)", mode, c.Env)
		}
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
		}
		if c.TokenMaxTTL <= 0 {
			return fmt.Errorf("TOKEN_MAX_TTL must be positive")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeDevelopment, AuthModeJWT, mode)
	}

	if c.ConsentDefaultTTLDays < 1 {
		return fmt.Errorf("CONSENT_DEFAULT_TTL_DAYS must be at least 1, got %d", c.ConsentDefaultTTLDays)
	}
	if c.ShareMaxTTLDays < 1 {
		return fmt.Errorf("SHARE_MAX_TTL_DAYS must be at least 1, got %d", c.ShareMaxTTLDays)
	}
	if c.GrantPurgeAfterDays < 0 {
		return fmt.Errorf("GRANT_PURGE_AFTER_DAYS must not be negative, got %d", c.GrantPurgeAfterDays)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("SWEEP_INTERVAL must not be negative, got %s", c.SweepInterval)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
