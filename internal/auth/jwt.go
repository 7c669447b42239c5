// Package auth validates the bearer tokens WebSocket clients present during
// the upgrade handshake when BROKER_WS_AUTH_MODE=jwt.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken indicates the token failed signature or structural checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
)

// TokenClaims captures the claims the broker relies on for WebSocket auth.
type TokenClaims struct {
	Subject   string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Audience  string
}

// JWTVerifier validates compact JWTs signed with HS256 against a shared secret.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewJWTVerifier constructs a verifier for the supplied shared secret and
// clock skew allowance.
func NewJWTVerifier(secret string, leeway time.Duration) (*JWTVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &JWTVerifier{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

// Verify parses the token and validates its signature and expiry, returning
// the embedded claims.
func (v *JWTVerifier) Verify(token string) (*TokenClaims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("verifier not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}

	var audience string
	if len(claims.Audience) > 0 {
		audience = claims.Audience[0]
	}
	var issuedAt time.Time
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}

	return &TokenClaims{
		Subject:   claims.Subject,
		ExpiresAt: claims.ExpiresAt.Time,
		IssuedAt:  issuedAt,
		Audience:  audience,
	}, nil
}

// WithClock overrides the verifier clock, enabling deterministic unit tests.
func (v *JWTVerifier) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	v.now = clock
}
