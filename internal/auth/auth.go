// Package auth issues and verifies the bearer tokens guarding the admin API.
// The drone-facing SSE/tool plane is unauthenticated by design; it is reached
// over a trusted network.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hivemesh/hivehub/internal/config"
)

// Roles carried in token claims.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

var (
	ErrBadCredentials = errors.New("invalid username or password")
	ErrNoSecret       = errors.New("HIVEHUB_JWT_SECRET is not set")
	ErrInvalidToken   = errors.New("invalid or expired token")
)

// Authenticator validates admin credentials and signs HS256 bearer tokens.
type Authenticator struct {
	users    []config.AuthUser
	secret   []byte
	tokenTTL time.Duration
	now      func() time.Time
}

// New builds an authenticator from config. Login fails with ErrNoSecret until
// the signing secret is present in the environment.
func New(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{
		users:    cfg.Users,
		secret:   []byte(cfg.JWTSecret),
		tokenTTL: cfg.TokenTTL(),
		now:      time.Now,
	}
}

// Claims is the token payload.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Login checks a credential pair and returns a signed token. Password hashes
// are compared in constant time.
func (a *Authenticator) Login(username, password string) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrNoSecret
	}

	sum := sha256.Sum256([]byte(password))
	digest := hex.EncodeToString(sum[:])

	var matched *config.AuthUser
	for i := range a.users {
		u := &a.users[i]
		nameOK := subtle.ConstantTimeCompare([]byte(u.Username), []byte(username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(strings.ToLower(u.PasswordHash)), []byte(digest)) == 1
		if nameOK && passOK {
			matched = u
		}
	}
	if matched == nil {
		slog.Warn("auth.login_failed", "username", username)
		return "", ErrBadCredentials
	}

	now := a.now()
	claims := Claims{
		Role: matched.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   matched.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	slog.Info("auth.login", "username", matched.Username, "role", matched.Role)
	return token, nil
}

// Verify parses and validates a bearer token, returning its claims.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, ErrNoSecret
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return a.now() }))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// HashPassword returns the sha-256 hex digest stored in config files.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}
