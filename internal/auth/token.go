// Package auth mints and validates worker session tokens.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carried by a worker session token.
type Claims struct {
	WorkerID string `json:"workerId"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies worker tokens with an HMAC secret. A nil
// service means no secret is configured and agent auth is disabled; all
// methods tolerate the nil receiver.
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenService returns nil when secret is empty.
func NewTokenService(secret string) *TokenService {
	if secret == "" {
		return nil
	}
	return &TokenService{
		secret: []byte(secret),
		issuer: "gridrun",
		ttl:    30 * 24 * time.Hour,
	}
}

// Enabled reports whether tokens are enforced.
func (s *TokenService) Enabled() bool { return s != nil }

// Mint issues a session token for a registered worker.
func (s *TokenService) Mint(workerID string) (string, error) {
	if s == nil {
		return "", nil
	}
	now := time.Now()
	claims := Claims{
		WorkerID: workerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Subject:   workerID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Validate parses the token and returns its claims.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	if s == nil {
		return nil, ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.WorkerID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
