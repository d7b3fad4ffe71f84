package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/wardlink/pkg/models"
)

// Persisted keys.
const (
	KeyAuthToken            = "auth_token"
	KeyAuthUser             = "auth_user"
	KeyNotificationSettings = "notification_settings"
	KeyPreferences          = "preferences"
)

// AllKeys lists every key the client persists.
var AllKeys = []string{KeyAuthToken, KeyAuthUser, KeyNotificationSettings, KeyPreferences}

// Store is the typed view over a Backend. Each key is read independently;
// absent or corrupt values yield safe defaults.
type Store struct {
	backend Backend
	logger  *slog.Logger
}

// New wraps backend. A nil logger uses slog.Default().
func New(backend Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: backend, logger: logger.With("component", "tokenstore")}
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend { return s.backend }

// IsAbsent reports whether a raw stored value means "nothing stored".
// Serialized undefined/null markers from older clients count as absent.
func IsAbsent(raw string) bool {
	switch strings.TrimSpace(raw) {
	case "", "undefined", "null":
		return true
	default:
		return false
	}
}

func (s *Store) raw(key string) (string, bool) {
	v, err := s.backend.Get(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("token store read failed", "key", key, "error", err)
		}
		return "", false
	}
	if IsAbsent(v) {
		return "", false
	}
	return v, true
}

// Token returns the stored auth token.
func (s *Store) Token() (string, bool) {
	v, ok := s.raw(KeyAuthToken)
	return strings.TrimSpace(v), ok
}

// SetToken persists the auth token.
func (s *Store) SetToken(token string) error {
	return s.backend.Set(KeyAuthToken, token)
}

// User returns the cached user. Absent yields (nil, nil); a record that
// does not decode or lacks an id/role is deleted and ErrInvalidData returned.
func (s *Store) User() (*models.User, error) {
	v, ok := s.raw(KeyAuthUser)
	if !ok {
		return nil, nil
	}
	var user models.User
	if err := json.Unmarshal([]byte(v), &user); err != nil {
		s.discard(KeyAuthUser)
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidData, KeyAuthUser, err)
	}
	user.Role = models.NormalizeRole(string(user.Role))
	if !user.Valid() {
		s.discard(KeyAuthUser)
		return nil, fmt.Errorf("%w: %s: missing id or role", ErrInvalidData, KeyAuthUser)
	}
	return &user, nil
}

// SetUser persists the user record.
func (s *Store) SetUser(user *models.User) error {
	if user == nil {
		return s.backend.Delete(KeyAuthUser)
	}
	return s.setJSON(KeyAuthUser, user)
}

// NotificationSettings returns stored settings layered over defaults.
func (s *Store) NotificationSettings(defaults models.NotificationSettings) models.NotificationSettings {
	out := defaults.Clone()
	v, ok := s.raw(KeyNotificationSettings)
	if !ok {
		return out
	}
	var stored models.NotificationSettings
	if err := json.Unmarshal([]byte(v), &stored); err != nil {
		s.logger.Warn("discarding corrupt notification settings", "error", err)
		s.discard(KeyNotificationSettings)
		return out
	}
	for c, cs := range stored.Categories {
		out.Categories[models.NormalizeCategory(string(c))] = cs
	}
	return out
}

// SetNotificationSettings persists settings.
func (s *Store) SetNotificationSettings(settings models.NotificationSettings) error {
	return s.setJSON(KeyNotificationSettings, settings)
}

// Preferences returns stored preferences, defaulting missing fields.
func (s *Store) Preferences() models.Preferences {
	def := models.DefaultPreferences()
	v, ok := s.raw(KeyPreferences)
	if !ok {
		return def
	}
	var prefs models.Preferences
	if err := json.Unmarshal([]byte(v), &prefs); err != nil {
		s.logger.Warn("discarding corrupt preferences", "error", err)
		s.discard(KeyPreferences)
		return def
	}
	if prefs.Theme == "" {
		prefs.Theme = def.Theme
	}
	if prefs.Language == "" {
		prefs.Language = def.Language
	}
	return prefs
}

// SetPreferences persists preferences.
func (s *Store) SetPreferences(prefs models.Preferences) error {
	return s.setJSON(KeyPreferences, prefs)
}

// ClearAuth removes the token and cached user.
func (s *Store) ClearAuth() error {
	return s.deleteKeys(KeyAuthToken, KeyAuthUser)
}

// ClearAll removes every persisted key.
func (s *Store) ClearAll() error {
	return s.deleteKeys(AllKeys...)
}

func (s *Store) deleteKeys(keys ...string) error {
	var errs []error
	for _, k := range keys {
		if err := s.backend.Delete(k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) setJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("tokenstore: encode %s: %w", key, err)
	}
	return s.backend.Set(key, string(data))
}

func (s *Store) discard(key string) {
	if err := s.backend.Delete(key); err != nil {
		s.logger.Warn("token store delete failed", "key", key, "error", err)
	}
}
