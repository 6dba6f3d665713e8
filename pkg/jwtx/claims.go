// Package jwtx reads claims out of the back-office access token.
//
// The client never holds the signing keys, so tokens are parsed without
// signature verification. The result is only ever used for scheduling hints
// and display, never for authorization decisions.
package jwtx

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoExpiry is returned when a token carries no exp claim.
var ErrNoExpiry = errors.New("jwtx: token has no exp claim")

// Claims mirrors what the back-office API puts in its access tokens.
type Claims struct {
	jwt.RegisteredClaims

	UserID string `json:"userId,omitempty"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
}

// ParseUnverified decodes the claims of a compact JWT without checking its
// signature. Opaque (non-JWT) tokens yield an error.
func ParseUnverified(token string) (*Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("jwtx: parse token: %w", err)
	}
	return &claims, nil
}

// ExpiresAt returns the exp claim of token.
func ExpiresAt(token string) (time.Time, error) {
	claims, err := ParseUnverified(token)
	if err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}
	return claims.ExpiresAt.Time, nil
}

// RefreshDelay returns how long to wait before renewing token so that the
// renewal happens lead before expiry, bounded above by max. It returns max
// for opaque tokens or tokens without exp, and never less than zero.
func RefreshDelay(token string, now time.Time, lead, max time.Duration) time.Duration {
	exp, err := ExpiresAt(token)
	if err != nil {
		return max
	}

	d := exp.Sub(now) - lead
	switch {
	case d < 0:
		return 0
	case d > max:
		return max
	default:
		return d
	}
}
