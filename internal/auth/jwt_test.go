package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return signed
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	v, err := NewJWTVerifier("secret", time.Second)
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	v.WithClock(func() time.Time { return now })

	token := signToken(t, "secret", jwt.RegisteredClaims{
		Subject:   "client-1",
		Audience:  jwt.ClaimStrings{"broker"},
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})

	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "client-1" {
		t.Fatalf("expected subject client-1, got %q", claims.Subject)
	}
	if claims.Audience != "broker" {
		t.Fatalf("expected audience broker, got %q", claims.Audience)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v, err := NewJWTVerifier("secret", 0)
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	v.WithClock(func() time.Time { return now })

	token := signToken(t, "secret", jwt.RegisteredClaims{
		Subject:   "client-1",
		ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
	})

	if _, err := v.Verify(token); err != ErrExpiredToken {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v, err := NewJWTVerifier("secret", 0)
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}

	token := signToken(t, "other-secret", jwt.RegisteredClaims{
		Subject:   "client-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	if _, err := v.Verify(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsMissingSubject(t *testing.T) {
	v, err := NewJWTVerifier("secret", 0)
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}

	token := signToken(t, "secret", jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	if _, err := v.Verify(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for missing subject, got %v", err)
	}
}

func TestVerifyRejectsEmptyToken(t *testing.T) {
	v, err := NewJWTVerifier("secret", 0)
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	if _, err := v.Verify("  "); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for blank token, got %v", err)
	}
}

func TestNewJWTVerifierRejectsEmptySecret(t *testing.T) {
	if _, err := NewJWTVerifier("  ", 0); err == nil {
		t.Fatal("expected an error for an empty secret")
	}
}
