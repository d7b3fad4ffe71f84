package models

import (
	"strings"
	"time"
)

// Category classifies a server notification.
type Category string

const (
	CategoryAppointment   Category = "APPOINTMENT"
	CategoryMessage       Category = "MESSAGE"
	CategorySystem        Category = "SYSTEM"
	CategoryEmergency     Category = "EMERGENCY"
	CategoryQueue         Category = "QUEUE"
	CategoryPatientStatus Category = "PATIENT_STATUS"
	CategoryGeneral       Category = "GENERAL"
)

// NormalizeCategory upper-cases a category and maps empty to GENERAL.
func NormalizeCategory(c string) Category {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return CategoryGeneral
	}
	return Category(strings.ReplaceAll(c, "-", "_"))
}

// Notification is a persisted inbox entry.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Category  Category  `json:"category"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
}

// InboundNotification is the routed subset of a "notification" event payload.
type InboundNotification struct {
	ID         string    `json:"id,omitempty"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Category   string    `json:"category,omitempty"`
	Type       string    `json:"type,omitempty"`
	CreatedAt  time.Time `json:"createdAt,omitempty"`
	DurationMs *int64    `json:"duration,omitempty"`
	Priority   string    `json:"priority,omitempty"`
}

// ResolvedCategory prefers Category and falls back to Type.
func (n InboundNotification) ResolvedCategory() Category {
	if strings.TrimSpace(n.Category) != "" {
		return NormalizeCategory(n.Category)
	}
	return NormalizeCategory(n.Type)
}

// ToastType is the visual severity of a toast.
type ToastType string

const (
	ToastSuccess ToastType = "success"
	ToastError   ToastType = "error"
	ToastWarning ToastType = "warning"
	ToastInfo    ToastType = "info"
)

// Toast is an ephemeral feed entry. A zero TTL marks it persistent.
type Toast struct {
	ID        string        `json:"id"`
	Type      ToastType     `json:"type"`
	Title     string        `json:"title,omitempty"`
	Message   string        `json:"message"`
	CreatedAt time.Time     `json:"createdAt"`
	TTL       time.Duration `json:"ttl"`
	Dismissed bool          `json:"dismissed"`
}

// Persistent reports whether the toast requires an explicit dismiss.
func (t Toast) Persistent() bool { return t.TTL == 0 }

// CategorySettings gates delivery for one category.
type CategorySettings struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Sound   bool `json:"sound" yaml:"sound"`
	Desktop bool `json:"desktop" yaml:"desktop"`
	Toast   bool `json:"toast" yaml:"toast"`
}

// DefaultCategorySettings applies to categories with no stored entry.
func DefaultCategorySettings() CategorySettings {
	return CategorySettings{Enabled: true, Toast: true}
}

// NotificationSettings maps categories to their delivery settings.
type NotificationSettings struct {
	Categories map[Category]CategorySettings `json:"categories"`
}

// DefaultNotificationSettings returns the settings used on first run.
func DefaultNotificationSettings() NotificationSettings {
	s := NotificationSettings{Categories: map[Category]CategorySettings{}}
	for _, c := range []Category{
		CategoryAppointment, CategoryMessage, CategorySystem,
		CategoryQueue, CategoryPatientStatus, CategoryGeneral,
	} {
		s.Categories[c] = DefaultCategorySettings()
	}
	s.Categories[CategoryEmergency] = CategorySettings{Enabled: true, Sound: true, Desktop: true, Toast: true}
	return s
}

// For returns the settings for a category, defaulting unknown ones.
func (s NotificationSettings) For(c Category) CategorySettings {
	if cs, ok := s.Categories[c]; ok {
		return cs
	}
	return DefaultCategorySettings()
}

// Clone returns a deep copy.
func (s NotificationSettings) Clone() NotificationSettings {
	out := NotificationSettings{Categories: make(map[Category]CategorySettings, len(s.Categories))}
	for k, v := range s.Categories {
		out.Categories[k] = v
	}
	return out
}

// CategoryPatch is a partial update for one category; nil fields are left alone.
type CategoryPatch struct {
	Enabled *bool `json:"enabled,omitempty"`
	Sound   *bool `json:"sound,omitempty"`
	Desktop *bool `json:"desktop,omitempty"`
	Toast   *bool `json:"toast,omitempty"`
}

// SettingsPatch is a partial settings update keyed by category.
type SettingsPatch map[Category]CategoryPatch

// Merge applies patch to a copy of s.
func (s NotificationSettings) Merge(patch SettingsPatch) NotificationSettings {
	out := s.Clone()
	for c, p := range patch {
		cs := out.For(c)
		if p.Enabled != nil {
			cs.Enabled = *p.Enabled
		}
		if p.Sound != nil {
			cs.Sound = *p.Sound
		}
		if p.Desktop != nil {
			cs.Desktop = *p.Desktop
		}
		if p.Toast != nil {
			cs.Toast = *p.Toast
		}
		out.Categories[c] = cs
	}
	return out
}
