// Package auth validates bearer tokens and carries the caller's identity,
// roles and clinic on the request.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

// Claims is the token body. ClinicID scopes every eligibility operation the
// caller performs.
type Claims struct {
	jwt.RegisteredClaims
	ClinicID string   `json:"clinic_id"`
	Roles    []string `json:"roles"`
}

// JWTConfig configures HS256 token validation.
type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
}

func (cfg JWTConfig) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return opts
}

// ParseToken validates tokenStr and returns its claims.
func ParseToken(cfg JWTConfig, tokenStr string) (*Claims, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, errors.New("no signing key configured")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return cfg.SigningKey, nil
	}, cfg.parserOptions()...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// IssueToken signs a token for subject. It backs the CLI's token command and
// tests.
func IssueToken(cfg JWTConfig, subject, clinicID string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ClinicID: clinicID,
		Roles:    roles,
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.SigningKey)
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// websocket upgrades, so those may pass the token as ?access_token=.
func bearerToken(c echo.Context) (string, error) {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" && c.IsWebSocket() {
		if tok := c.QueryParam("access_token"); tok != "" {
			return tok, nil
		}
	}
	if authHeader == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return token, nil
}

// JWTMiddleware rejects requests without a valid bearer token.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenStr, err := bearerToken(c)
			if err != nil {
				return err
			}
			claims, err := ParseToken(cfg, tokenStr)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			setIdentity(c, claims.Subject, claims.ClinicID, claims.Roles)
			return next(c)
		}
	}
}

// DevAuthMiddleware lets unauthenticated requests through as an admin dev
// user. A request that does carry a token is still validated when a signing
// key is configured.
func DevAuthMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	strict := JWTMiddleware(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		validated := strict(next)
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") != "" && len(cfg.SigningKey) > 0 {
				return validated(c)
			}
			setIdentity(c, "dev-user", "", []string{"admin"})
			return next(c)
		}
	}
}

func setIdentity(c echo.Context, userID, clinicID string, roles []string) {
	if clinicID != "" {
		c.Set("jwt_clinic_id", clinicID)
	}
	ctx := c.Request().Context()
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, UserRolesKey, roles)
	c.SetRequest(c.Request().WithContext(ctx))
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

// WithRoles is used by tests and background jobs that act on behalf of a
// role without a token.
func WithRoles(ctx context.Context, userID string, roles ...string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, UserRolesKey, roles)
}
