package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/watchvote/server/internal/domain"
)

const testSecret = "test-secret"

func issueToken(t *testing.T, secret, issuer, audience, subject string, expiresIn time.Duration) string {
	t.Helper()
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Audience:  jwt.ClaimStrings{audience},
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestResolve(t *testing.T) {
	resolver := NewJWTResolver(testSecret, "watchvote", "watchvote-clients")

	cases := []struct {
		name    string
		token   string
		want    string
		wantErr bool
	}{
		{
			name:  "valid token",
			token: issueToken(t, testSecret, "watchvote", "watchvote-clients", "alice", time.Hour),
			want:  "alice",
		},
		{
			name:    "empty token",
			token:   "",
			wantErr: true,
		},
		{
			name:    "garbage token",
			token:   "not.a.jwt",
			wantErr: true,
		},
		{
			name:    "expired",
			token:   issueToken(t, testSecret, "watchvote", "watchvote-clients", "alice", -time.Hour),
			wantErr: true,
		},
		{
			name:    "wrong secret",
			token:   issueToken(t, "other-secret", "watchvote", "watchvote-clients", "alice", time.Hour),
			wantErr: true,
		},
		{
			name:    "wrong issuer",
			token:   issueToken(t, testSecret, "someone-else", "watchvote-clients", "alice", time.Hour),
			wantErr: true,
		},
		{
			name:    "wrong audience",
			token:   issueToken(t, testSecret, "watchvote", "other-app", "alice", time.Hour),
			wantErr: true,
		},
		{
			name:    "missing subject",
			token:   issueToken(t, testSecret, "watchvote", "watchvote-clients", "", time.Hour),
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolver.Resolve(tc.token)
			if tc.wantErr {
				if !errors.Is(err, domain.ErrAuth) {
					t.Fatalf("want ErrAuth, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
