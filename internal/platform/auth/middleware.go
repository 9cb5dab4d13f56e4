package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/medaccess/internal/domain/policy"
)

type contextKey string

const (
	UserIDKey   contextKey = "user_id"
	UserRoleKey contextKey = "user_role"
)

// Development headers trusted by DevAuthMiddleware.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

var ErrUnauthenticated = errors.New("no authenticated requester in context")

// Claims are the bearer token claims. The subject is the user UUID. Role
// wins over Roles when both are present.
type Claims struct {
	jwt.RegisteredClaims
	Role  string   `json:"role,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

func (c *Claims) accessRole() (policy.Role, bool) {
	if c.Role != "" {
		return policy.ParseRole(c.Role)
	}
	for _, r := range c.Roles {
		if role, ok := policy.ParseRole(r); ok {
			return role, true
		}
	}
	return "", false
}

type JWTConfig struct {
	Issuer   string
	Audience string
	// SigningKey is the HS256 secret shared with the identity provider.
	SigningKey  []byte
	Skipper     func(c echo.Context) bool
	Revocations *TokenRevocationStore
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	keyFunc := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if cfg.Revocations != nil && cfg.Revocations.IsRevoked(claims) {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has been revoked")
			}

			userID, err := uuid.Parse(claims.Subject)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "token subject is not a user id")
			}
			role, ok := claims.accessRole()
			if !ok {
				return echo.NewHTTPError(http.StatusForbidden, "token carries no recognized role")
			}

			ctx := WithRequester(c.Request().Context(), policy.Requester{ID: userID, Role: role})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// DevAuthMiddleware trusts the X-User-ID and X-User-Role headers. It must
// only be mounted when ENV=development.
func DevAuthMiddleware(skipper func(c echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}
			h := c.Request().Header
			userID, err := uuid.Parse(h.Get(HeaderUserID))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid "+HeaderUserID+" header")
			}
			role, ok := policy.ParseRole(h.Get(HeaderUserRole))
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid "+HeaderUserRole+" header")
			}
			ctx := WithRequester(c.Request().Context(), policy.Requester{ID: userID, Role: role})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// WithRequester stores an authenticated identity in ctx.
func WithRequester(ctx context.Context, r policy.Requester) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, r.ID)
	return context.WithValue(ctx, UserRoleKey, r.Role)
}

// RequesterFromContext returns the identity placed by the auth middleware.
func RequesterFromContext(ctx context.Context) (policy.Requester, error) {
	id, ok := ctx.Value(UserIDKey).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return policy.Requester{}, ErrUnauthenticated
	}
	role, ok := ctx.Value(UserRoleKey).(policy.Role)
	if !ok || !role.Valid() {
		return policy.Requester{}, ErrUnauthenticated
	}
	return policy.Requester{ID: id, Role: role}, nil
}
