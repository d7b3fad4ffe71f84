package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/wardlink/internal/backoff"
	"github.com/haasonsaas/wardlink/pkg/models"
)

// Config is the main configuration structure for wardlink.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Session       SessionConfig       `yaml:"session"`
	Connection    ConnectionConfig    `yaml:"connection"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Storage       StorageConfig       `yaml:"storage"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Tracing       TracingConfig       `yaml:"tracing"`
	DevServer     DevServerConfig     `yaml:"devserver"`
}

// ServerConfig points the client at the hospital backend.
type ServerConfig struct {
	// APIBaseURLs are tried in order; see api.Client.
	APIBaseURLs    []string      `yaml:"api_base_urls"`
	SocketURL      string        `yaml:"socket_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// SessionConfig controls verification and the idle timeout.
type SessionConfig struct {
	IdleTimeout     time.Duration     `yaml:"idle_timeout"`
	WarningWindow   time.Duration     `yaml:"warning_window"`
	CheckInterval   time.Duration     `yaml:"check_interval"`
	ActivitySignals []string          `yaml:"activity_signals"`
	Redirects       map[string]string `yaml:"redirects"`
	LogoutTimeout   time.Duration     `yaml:"logout_timeout"`
}

// ConnectionConfig controls the realtime channel.
type ConnectionConfig struct {
	ConnectTimeout time.Duration  `yaml:"connect_timeout"`
	MaxRetries     int            `yaml:"max_retries"`
	Backoff        backoff.Policy `yaml:"backoff"`
	PingInterval   time.Duration  `yaml:"ping_interval"`
	WriteTimeout   time.Duration  `yaml:"write_timeout"`
}

// NotificationsConfig controls the toast feed and inbox.
type NotificationsConfig struct {
	ToastCapacity        int           `yaml:"toast_capacity"`
	DefaultToastDuration time.Duration `yaml:"default_toast_duration"`
	// ReconcileSchedule is a cron expression; empty disables reconciliation.
	ReconcileSchedule string                             `yaml:"reconcile_schedule"`
	InboxLimit        int                                `yaml:"inbox_limit"`
	Defaults          map[string]models.CategorySettings `yaml:"defaults"`
}

// StorageConfig selects where client state is persisted.
type StorageConfig struct {
	// Backend is one of file, keyring or memory.
	Backend     string `yaml:"backend"`
	Dir         string `yaml:"dir"`
	ServiceName string `yaml:"service_name"`
	// InboxDB is the SQLite path for the inbox cache; empty keeps it in memory.
	InboxDB string `yaml:"inbox_db"`
	Watch   bool   `yaml:"watch"`
}

type LoggingConfig struct {
	Level     string   `yaml:"level"`
	Format    string   `yaml:"format"`
	AddSource bool     `yaml:"add_source"`
	Redact    []string `yaml:"redact"`
}

// MetricsConfig toggles Prometheus collection.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Addr      string `yaml:"addr"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	SamplingRate   float64           `yaml:"sampling_rate"`
	Insecure       bool              `yaml:"insecure"`
	Attributes     map[string]string `yaml:"attributes"`
}

// DevServerConfig configures the emulated backend.
type DevServerConfig struct {
	Addr        string          `yaml:"addr"`
	JWTSecret   string          `yaml:"jwt_secret"`
	TokenExpiry time.Duration   `yaml:"token_expiry"`
	Users       []DevServerUser `yaml:"users"`
}

// DevServerUser is a seeded account on the emulated backend.
type DevServerUser struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Email      string `yaml:"email"`
	Password   string `yaml:"password"`
	Role       string `yaml:"role"`
	Department string `yaml:"department"`
}

// DefaultActivitySignals are the user-input events that reset the idle timer.
var DefaultActivitySignals = []string{"mousedown", "mousemove", "keypress", "keydown", "scroll", "touchstart", "click"}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if len(cfg.Server.APIBaseURLs) == 0 {
		cfg.Server.APIBaseURLs = []string{"http://localhost:5000/api"}
	}
	if cfg.Server.SocketURL == "" {
		cfg.Server.SocketURL = "ws://localhost:5000/ws"
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 10 * time.Second
	}

	if cfg.Session.IdleTimeout == 0 {
		cfg.Session.IdleTimeout = 30 * time.Minute
	}
	if cfg.Session.WarningWindow == 0 {
		cfg.Session.WarningWindow = 5 * time.Minute
	}
	if cfg.Session.CheckInterval == 0 {
		cfg.Session.CheckInterval = time.Second
	}
	if len(cfg.Session.ActivitySignals) == 0 {
		cfg.Session.ActivitySignals = append([]string(nil), DefaultActivitySignals...)
	}
	if cfg.Session.LogoutTimeout == 0 {
		cfg.Session.LogoutTimeout = 5 * time.Second
	}

	if cfg.Connection.ConnectTimeout == 0 {
		cfg.Connection.ConnectTimeout = 20 * time.Second
	}
	if cfg.Connection.MaxRetries == 0 {
		cfg.Connection.MaxRetries = 5
	}
	cfg.Connection.Backoff = cfg.Connection.Backoff.Normalize()
	if cfg.Connection.PingInterval == 0 {
		cfg.Connection.PingInterval = 25 * time.Second
	}
	if cfg.Connection.WriteTimeout == 0 {
		cfg.Connection.WriteTimeout = 10 * time.Second
	}

	if cfg.Notifications.ToastCapacity == 0 {
		cfg.Notifications.ToastCapacity = 5
	}
	if cfg.Notifications.DefaultToastDuration == 0 {
		cfg.Notifications.DefaultToastDuration = 5 * time.Second
	}
	if cfg.Notifications.InboxLimit == 0 {
		cfg.Notifications.InboxLimit = 100
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "file"
	}
	if cfg.Storage.ServiceName == "" {
		cfg.Storage.ServiceName = "wardlink"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "wardlink"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "wardlink"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1
	}

	if cfg.DevServer.Addr == "" {
		cfg.DevServer.Addr = "127.0.0.1:5000"
	}
	if cfg.DevServer.TokenExpiry == 0 {
		cfg.DevServer.TokenExpiry = 24 * time.Hour
	}
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	var issues []string

	if err := ValidateVersion(c.Version); err != nil {
		issues = append(issues, err.Error())
	}
	for i, u := range c.Server.APIBaseURLs {
		if strings.TrimSpace(u) == "" {
			issues = append(issues, fmt.Sprintf("server.api_base_urls[%d] is empty", i))
		}
	}
	if !strings.HasPrefix(c.Server.SocketURL, "ws://") && !strings.HasPrefix(c.Server.SocketURL, "wss://") {
		issues = append(issues, "server.socket_url must use ws:// or wss://")
	}
	if c.Session.IdleTimeout <= 0 {
		issues = append(issues, "session.idle_timeout must be positive")
	}
	if c.Session.WarningWindow < 0 || c.Session.WarningWindow >= c.Session.IdleTimeout {
		issues = append(issues, "session.warning_window must be shorter than session.idle_timeout")
	}
	if c.Session.CheckInterval <= 0 {
		issues = append(issues, "session.check_interval must be positive")
	}
	if c.Connection.MaxRetries < 0 {
		issues = append(issues, "connection.max_retries must not be negative")
	}
	if c.Notifications.ToastCapacity < 1 {
		issues = append(issues, "notifications.toast_capacity must be at least 1")
	}
	for name := range c.Notifications.Defaults {
		if models.NormalizeCategory(name) != models.Category(name) {
			issues = append(issues, fmt.Sprintf("notifications.defaults: category %q must be upper-case", name))
		}
	}
	switch c.Storage.Backend {
	case "file", "keyring", "memory":
	default:
		issues = append(issues, fmt.Sprintf("storage.backend %q must be file, keyring or memory", c.Storage.Backend))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q must be json or text", c.Logging.Format))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		issues = append(issues, "tracing.sampling_rate must be between 0 and 1")
	}
	for i, u := range c.DevServer.Users {
		if strings.TrimSpace(u.Email) == "" || strings.TrimSpace(u.Role) == "" {
			issues = append(issues, fmt.Sprintf("devserver.users[%d] needs email and role", i))
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// ValidationError aggregates config validation issues.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "config validation failed"
	}
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

// RedirectFor returns the post-login path for a role.
func (c SessionConfig) RedirectFor(role models.Role) string {
	if path, ok := c.Redirects[string(role)]; ok && path != "" {
		return path
	}
	return DefaultRedirect(role)
}

// DefaultRedirect maps each role to its dashboard.
func DefaultRedirect(role models.Role) string {
	switch role {
	case models.RoleAdmin:
		return "/admin/dashboard"
	case models.RoleDoctor:
		return "/doctor/dashboard"
	case models.RoleNurse:
		return "/nurse/dashboard"
	case models.RoleReceptionist:
		return "/receptionist/dashboard"
	case models.RolePatient:
		return "/patient/dashboard"
	default:
		return "/dashboard"
	}
}

// NotificationDefaults merges configured category defaults over the built-in ones.
func (c NotificationsConfig) NotificationDefaults() models.NotificationSettings {
	s := models.DefaultNotificationSettings()
	for name, cs := range c.Defaults {
		s.Categories[models.NormalizeCategory(name)] = cs
	}
	return s
}
