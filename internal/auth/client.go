package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/haasonsaas/wardlink/internal/api"
	"github.com/haasonsaas/wardlink/pkg/models"
)

// Client implements Service over HTTP.
type Client struct {
	api *api.Client
}

// NewClient wraps an api.Client.
func NewClient(c *api.Client) *Client {
	return &Client{api: c}
}

// VerifyToken calls GET /auth/verify. A 401/403 answer is reported as a
// result with Valid false and ErrAuthInvalid.
func (c *Client) VerifyToken(ctx context.Context, token string) (VerifyResult, error) {
	if strings.TrimSpace(token) == "" {
		return VerifyResult{}, ErrAuthInvalid
	}
	var res VerifyResult
	err := c.api.Do(ctx, http.MethodGet, "/auth/verify", token, nil, &res)
	if api.IsUnauthorized(err) {
		return VerifyResult{}, fmt.Errorf("%w: %v", ErrAuthInvalid, err)
	}
	if err != nil {
		return VerifyResult{}, fmt.Errorf("verify token: %w", err)
	}
	if res.User != nil {
		res.User.Role = models.NormalizeRole(string(res.User.Role))
	}
	if res.Valid && !res.User.Valid() {
		return VerifyResult{}, fmt.Errorf("%w: verify response missing user", ErrAuthInvalid)
	}
	return res, nil
}

// Login calls POST /auth/login.
func (c *Client) Login(ctx context.Context, creds models.Credentials) (LoginResult, error) {
	var res LoginResult
	err := c.api.Do(ctx, http.MethodPost, "/auth/login", "", creds, &res)
	if err != nil {
		switch api.StatusCode(err) {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return LoginResult{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}
		return LoginResult{}, fmt.Errorf("login: %w", err)
	}
	if strings.TrimSpace(res.Token) == "" {
		return LoginResult{}, errors.New("login: response missing token")
	}
	if res.User != nil {
		res.User.Role = models.NormalizeRole(string(res.User.Role))
	}
	if !res.User.Valid() {
		return LoginResult{}, errors.New("login: response missing user")
	}
	return res, nil
}

// Logout calls POST /auth/logout.
func (c *Client) Logout(ctx context.Context, token string) error {
	if err := c.api.Do(ctx, http.MethodPost, "/auth/logout", token, nil, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}
