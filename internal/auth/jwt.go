package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by an access token. Role must name one of the roles in
// roles.go.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Token validation errors.
var (
	ErrEmptyToken  = errors.New("auth: empty token")
	ErrBadClaims   = errors.New("auth: token claims incomplete")
	ErrInvalidRole = errors.New("auth: invalid role")
)

// ParseJWT validates an HS256 token against the shared secret and returns
// its claims. Tokens signed with any other method are rejected outright.
func ParseJWT(raw string, secret []byte) (*Claims, error) {
	if raw == "" {
		return nil, ErrEmptyToken
	}
	if len(secret) == 0 {
		return nil, errors.New("auth: empty secret")
	}

	claims := &Claims{}
	token, err := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	).ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	if claims.ExpiresAt != nil && time.Now().After(claims.ExpiresAt.Time) {
		return nil, errors.New("auth: token expired")
	}
	if claims.UserID == "" {
		return nil, ErrBadClaims
	}
	if _, ok := NormalizeRole(claims.Role); !ok {
		return nil, ErrInvalidRole
	}
	return claims, nil
}
