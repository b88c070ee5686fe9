// Package auth resolves the current principal for the Authenticated Factory
// of SPEC_FULL.md §4.7. It is adapted from the teacher's own authn service:
// the same {issuer, subject, role} credential shape the teacher's
// authn/cookies.go models, but verified as a golang-jwt bearer token
// supplied by the host application rather than minted from an OAuth cookie
// session (this module is a client-side library, not a web backend).
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated identity under which a provider operates,
// or the distinguished Anonymous value.
type Principal struct {
	UserID string
	Role   string
}

// Anonymous is the fail-closed principal: no privilege escalation. The
// backing store's row-level policies are solely responsible for deciding
// what an anonymous principal may do.
var Anonymous = Principal{}

// IsAnonymous reports whether p is the distinguished anonymous principal.
func (p Principal) IsAnonymous() bool { return p == Anonymous }

// claims is the JWT payload shape this package expects, mirroring the
// teacher's credential.Ext fields relevant to collaboration (role, not the
// full OAuth profile).
type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Source resolves a bearer token into a Principal. Resolve should return a
// non-nil error for any verification failure (expired, malformed, wrong
// signature, missing); the caller (Factory) treats every such error as
// anonymous, never as a fatal construction error.
type Source interface {
	Resolve(ctx context.Context, bearerToken string) (Principal, error)
}

// ErrNoToken is returned by Resolve when no bearer token was supplied.
var ErrNoToken = errors.New("auth: no bearer token")

// JWTSource verifies HMAC-signed JWTs, the shape the teacher's
// authn/main.go cmdToken command mints.
type JWTSource struct {
	secret []byte
}

// NewJWTSource returns a Source that verifies tokens signed with secret.
func NewJWTSource(secret []byte) *JWTSource {
	return &JWTSource{secret: secret}
}

func (s *JWTSource) Resolve(_ context.Context, bearerToken string) (Principal, error) {
	if bearerToken == "" {
		return Anonymous, ErrNoToken
	}

	var c claims
	_, err := jwt.ParseWithClaims(bearerToken, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Method.Alg())
		}
		return s.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return Anonymous, fmt.Errorf("auth: verifying token: %w", err)
	}

	return Principal{UserID: c.Subject, Role: c.Role}, nil
}

// Mint issues a new HMAC-signed token for the given principal, valid for
// ttl. Used by cmd/collab-token and by tests; never used by production
// Resolve paths, mirroring the teacher's split between the authn service
// (which mints) and consuming applications (which only verify).
func (s *JWTSource) Mint(p Principal, ttl time.Duration) (string, error) {
	var now = time.Now()
	var c = claims{
		Role: p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	var tok = jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}
