package auth

import (
	"errors"

	"github.com/haasonsaas/wardlink/internal/api"
)

var (
	// ErrAuthInvalid means the server rejected the session token. It forces
	// a logout and is never retried.
	ErrAuthInvalid = errors.New("auth: token rejected")

	// ErrInvalidCredentials means a login was refused.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrInvalidToken is returned by JWTService for tokens it cannot accept.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrAuthDisabled is returned by a JWTService without a secret.
	ErrAuthDisabled = errors.New("auth: disabled")
)

// IsAuthInvalid reports whether err means the session token is no longer
// accepted, either as ErrAuthInvalid or as a raw 401/403 answer.
func IsAuthInvalid(err error) bool {
	return errors.Is(err, ErrAuthInvalid) || api.IsUnauthorized(err)
}
