package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/watchvote/server/internal/domain"
)

// Resolver maps a presented bearer token to a user identity.
type Resolver interface {
	Resolve(token string) (string, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(token string) (string, error)

func (f ResolverFunc) Resolve(token string) (string, error) { return f(token) }

// JWTResolver verifies HS256 bearer tokens and returns the subject claim.
type JWTResolver struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

func NewJWTResolver(secret, issuer, audience string) *JWTResolver {
	return &JWTResolver{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
}

func (r *JWTResolver) Resolve(token string) (string, error) {
	if token == "" {
		return "", domain.ErrAuth
	}

	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return r.secret, nil
	},
		jwt.WithIssuer(r.issuer),
		jwt.WithAudience(r.audience),
		jwt.WithTimeFunc(r.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAuth, err)
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", domain.ErrAuth
	}
	return claims.Subject, nil
}
