package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/wardlink/pkg/models"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Session.IdleTimeout != 30*time.Minute {
		t.Errorf("IdleTimeout = %v, want 30m", cfg.Session.IdleTimeout)
	}
	if cfg.Connection.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.Connection.MaxRetries)
	}
	if len(cfg.Session.ActivitySignals) != len(DefaultActivitySignals) {
		t.Errorf("ActivitySignals = %v", cfg.Session.ActivitySignals)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "wardlink.yaml", `
server:
  api_base_urls: [http://h/api/v1, http://h/api]
  socket_url: ws://h/ws
session:
  idle_timeout: 10m
  warning_window: 1m
  redirects:
    DOCTOR: /clinic
connection:
  max_retries: 3
  backoff:
    initial: 500ms
    max: 4s
notifications:
  toast_capacity: 3
  defaults:
    SYSTEM: {enabled: false}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Server.APIBaseURLs) != 2 {
		t.Errorf("APIBaseURLs = %v", cfg.Server.APIBaseURLs)
	}
	if cfg.Session.IdleTimeout != 10*time.Minute || cfg.Session.WarningWindow != time.Minute {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Connection.Backoff.Initial != 500*time.Millisecond || cfg.Connection.Backoff.Factor != 2 {
		t.Errorf("backoff = %+v", cfg.Connection.Backoff)
	}
	if got := cfg.Session.RedirectFor(models.RoleDoctor); got != "/clinic" {
		t.Errorf("RedirectFor(DOCTOR) = %q, want /clinic", got)
	}
	if got := cfg.Session.RedirectFor(models.RoleNurse); got != "/nurse/dashboard" {
		t.Errorf("RedirectFor(NURSE) = %q", got)
	}
	settings := cfg.Notifications.NotificationDefaults()
	if settings.For(models.CategorySystem).Enabled {
		t.Error("SYSTEM should be disabled by config")
	}
	if !settings.For(models.CategoryEmergency).Sound {
		t.Error("EMERGENCY default should keep sound")
	}
}

func TestLoadJSON5WithEnvAndInclude(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(base, []byte("storage:\n  backend: memory\nlogging:\n  level: debug\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("WARDLINK_TEST_SOCKET", "wss://example.test/ws")
	main := filepath.Join(dir, "wardlink.json5")
	contents := `{
  // comments are allowed
  "$include": "base.yaml",
  server: { socket_url: "${WARDLINK_TEST_SOCKET}" },
  logging: { format: "text" },
}`
	if err := os.WriteFile(main, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.SocketURL != "wss://example.test/ws" {
		t.Errorf("SocketURL = %q", cfg.Server.SocketURL)
	}
	if cfg.Storage.Backend != "memory" || cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("merged config = storage %+v logging %+v", cfg.Storage, cfg.Logging)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(a)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("Load() error = %v, want include cycle", err)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "wardlink.yaml", `
session:
  idle_timeout: 5m
  extra: true
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "warning window longer than timeout",
			body:    "session:\n  idle_timeout: 1m\n  warning_window: 2m\n",
			wantErr: "warning_window",
		},
		{
			name:    "bad socket scheme",
			body:    "server:\n  socket_url: http://h/ws\n",
			wantErr: "socket_url",
		},
		{
			name:    "bad storage backend",
			body:    "storage:\n  backend: s3\n",
			wantErr: "storage.backend",
		},
		{
			name:    "lower-case category",
			body:    "notifications:\n  defaults:\n    system: {enabled: false}\n",
			wantErr: "upper-case",
		},
		{
			name:    "newer version",
			body:    "version: 9\n",
			wantErr: "newer than this build",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "wardlink.yaml", tt.body))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error = %T, want *ValidationError", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected %s error, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaultRedirect(t *testing.T) {
	tests := map[models.Role]string{
		models.RoleAdmin:        "/admin/dashboard",
		models.RoleDoctor:       "/doctor/dashboard",
		models.RoleNurse:        "/nurse/dashboard",
		models.RoleReceptionist: "/receptionist/dashboard",
		models.RolePatient:      "/patient/dashboard",
		models.Role("JANITOR"):  "/dashboard",
	}
	for role, want := range tests {
		if got := DefaultRedirect(role); got != want {
			t.Errorf("DefaultRedirect(%s) = %q, want %q", role, got, want)
		}
	}
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
