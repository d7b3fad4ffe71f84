package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/haasonsaas/wardlink/internal/api"
	"github.com/haasonsaas/wardlink/pkg/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(api.New([]string{srv.URL + "/api"}))
}

func TestClientVerifyToken(t *testing.T) {
	tests := []struct {
		name        string
		handler     http.HandlerFunc
		wantValid   bool
		wantInvalid bool
		wantErr     bool
	}{
		{
			name: "valid",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/auth/verify" {
					t.Errorf("path = %s", r.URL.Path)
				}
				_ = json.NewEncoder(w).Encode(VerifyResult{Valid: true, User: &models.User{ID: "u1", Role: "doctor"}})
			},
			wantValid: true,
		},
		{
			name: "rejected",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			wantInvalid: true,
			wantErr:     true,
		},
		{
			name: "valid without user",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"valid":true}`))
			},
			wantInvalid: true,
			wantErr:     true,
		},
		{
			name: "server down",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newTestClient(t, tt.handler).VerifyToken(context.Background(), "tok")
			if (err != nil) != tt.wantErr {
				t.Fatalf("VerifyToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if IsAuthInvalid(err) != tt.wantInvalid {
				t.Errorf("IsAuthInvalid() = %v, want %v", IsAuthInvalid(err), tt.wantInvalid)
			}
			if res.Valid != tt.wantValid {
				t.Errorf("Valid = %v, want %v", res.Valid, tt.wantValid)
			}
			if tt.wantValid && res.User.Role != models.RoleDoctor {
				t.Errorf("Role = %q, want normalized DOCTOR", res.User.Role)
			}
		})
	}
}

func TestClientLogin(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var creds models.Credentials
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds.Password != "correct" {
			http.Error(w, `{"message":"Invalid credentials"}`, http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(LoginResult{Token: "tok", User: &models.User{ID: "u1", Role: models.RoleNurse}})
	})

	res, err := c.Login(context.Background(), models.Credentials{Email: "n@h.test", Password: "correct"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if res.Token != "tok" || res.User.ID != "u1" {
		t.Errorf("Login() = %+v", res)
	}

	_, err = c.Login(context.Background(), models.Credentials{Email: "n@h.test", Password: "wrong"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Login() error = %v, want ErrInvalidCredentials", err)
	}
}

func TestClientLogout(t *testing.T) {
	var gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	})
	if err := c.Logout(context.Background(), "tok"); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}
