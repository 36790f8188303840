// Package auth resolves the owner of a request. Identity is issued elsewhere;
// this package only verifies it.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Supported modes.
const (
	ModeNone   = "none"
	ModeHeader = "header"
	ModeJWT    = "jwt"
)

const (
	// DefaultDevOwner is the owner used when auth is disabled.
	DefaultDevOwner = "dev-user"
	// DefaultOwnerHeader is read in header mode.
	DefaultOwnerHeader = "X-Owner-ID"
	// SessionCookie carries the session token for browser EventSource clients.
	SessionCookie = "__session"
)

// ErrUnauthenticated is returned when no valid identity is present.
var ErrUnauthenticated = errors.New("unauthenticated")

// Config selects and tunes the authenticator.
type Config struct {
	Mode         string `mapstructure:"mode"`
	DevOwner     string `mapstructure:"dev_owner"`
	Header       string `mapstructure:"header"`
	JWTSecret    string `mapstructure:"jwt_secret"`
	JWTPublicKey string `mapstructure:"jwt_public_key"`
	Issuer       string `mapstructure:"issuer"`
	Audience     string `mapstructure:"audience"`
}

// Authenticator extracts the owner id from a request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// New builds the Authenticator for cfg.Mode.
func New(cfg Config) (Authenticator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", ModeNone:
		owner := cfg.DevOwner
		if owner == "" {
			owner = DefaultDevOwner
		}
		return staticAuth(owner), nil
	case ModeHeader:
		name := cfg.Header
		if name == "" {
			name = DefaultOwnerHeader
		}
		return headerAuth(http.CanonicalHeaderKey(name)), nil
	case ModeJWT:
		return newJWTAuth(cfg)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

type staticAuth string

func (s staticAuth) Authenticate(*http.Request) (string, error) {
	return string(s), nil
}

type headerAuth string

func (h headerAuth) Authenticate(r *http.Request) (string, error) {
	owner := strings.TrimSpace(r.Header.Get(string(h)))
	if owner == "" {
		return "", ErrUnauthenticated
	}
	return owner, nil
}

type jwtAuth struct {
	key     any
	methods []string
	opts    []jwt.ParserOption
}

func newJWTAuth(cfg Config) (*jwtAuth, error) {
	a := &jwtAuth{}
	switch {
	case cfg.JWTPublicKey != "":
		key, err := parseRSAPublicKey(cfg.JWTPublicKey)
		if err != nil {
			return nil, err
		}
		a.key = key
		a.methods = []string{"RS256", "RS384", "RS512"}
	case cfg.JWTSecret != "":
		a.key = []byte(cfg.JWTSecret)
		a.methods = []string{"HS256", "HS384", "HS512"}
	default:
		return nil, errors.New("jwt mode requires jwt_secret or jwt_public_key")
	}
	a.opts = []jwt.ParserOption{
		jwt.WithValidMethods(a.methods),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		a.opts = append(a.opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		a.opts = append(a.opts, jwt.WithAudience(cfg.Audience))
	}
	return a, nil
}

func parseRSAPublicKey(pem string) (*rsa.PublicKey, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
	if err != nil {
		return nil, fmt.Errorf("parse jwt public key: %w", err)
	}
	return key, nil
}

func (a *jwtAuth) Authenticate(r *http.Request) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		return "", ErrUnauthenticated
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.key, nil
	}, a.opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return claims.Subject, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

type ownerKey struct{}

// WithOwner stores the owner id on ctx.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFrom returns the owner id stored by Middleware.
func OwnerFrom(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey{}).(string)
	return owner, ok && owner != ""
}

// Middleware rejects unauthenticated requests with 401 and stores the owner
// on the request context otherwise.
func Middleware(a Authenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner, err := a.Authenticate(r)
			if err != nil {
				logger.Debug("authentication failed", zap.String("path", r.URL.Path), zap.Error(err))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}
