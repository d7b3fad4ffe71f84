package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload of a session token.
type Claims struct {
	Email      string `json:"email,omitempty"`
	Name       string `json:"name,omitempty"`
	Role       string `json:"role,omitempty"`
	Department string `json:"department,omitempty"`
	jwt.RegisteredClaims
}

// TokenInfo is what the client can learn from a token without the signing key.
type TokenInfo struct {
	Subject   string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the token carries an exp claim that has passed.
func (i TokenInfo) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// Inspect decodes a JWT without verifying its signature. ok is false for
// opaque tokens; the server stays the authority on validity.
func Inspect(token string) (TokenInfo, bool) {
	token = strings.TrimSpace(token)
	if strings.Count(token, ".") != 2 {
		return TokenInfo{}, false
	}
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return TokenInfo{}, false
	}
	info := TokenInfo{Subject: claims.Subject, Role: claims.Role}
	if claims.IssuedAt != nil {
		info.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, true
}
