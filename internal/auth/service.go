// Package auth talks to the hospital auth service and inspects or issues
// session tokens.
package auth

import (
	"context"

	"github.com/haasonsaas/wardlink/pkg/models"
)

// VerifyResult is the answer to a token verification.
type VerifyResult struct {
	Valid bool         `json:"valid"`
	User  *models.User `json:"user,omitempty"`
}

// LoginResult is a successful login.
type LoginResult struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

// Service is the auth backend as seen by the session manager.
type Service interface {
	VerifyToken(ctx context.Context, token string) (VerifyResult, error)
	Login(ctx context.Context, creds models.Credentials) (LoginResult, error)
	Logout(ctx context.Context, token string) error
}
