package models

import "time"

// SessionState is a state of the authentication state machine.
type SessionState string

const (
	SessionAnonymous     SessionState = "anonymous"
	SessionVerifying     SessionState = "verifying"
	SessionAuthenticated SessionState = "authenticated"
	SessionExpiring      SessionState = "expiring"
	SessionLoggedOut     SessionState = "logged_out"
)

// Active reports whether the state carries a usable token.
// Expiring still counts: the user may extend the session.
func (s SessionState) Active() bool {
	return s == SessionAuthenticated || s == SessionExpiring
}

// Session is the authenticated session record.
type Session struct {
	ID             string       `json:"id"`
	UserID         string       `json:"user_id"`
	Role           Role         `json:"role"`
	Token          string       `json:"-"`
	IssuedAt       time.Time    `json:"issued_at"`
	LastActivityAt time.Time    `json:"last_activity_at"`
	State          SessionState `json:"state"`
}

// LogoutReason records why a session ended.
type LogoutReason string

const (
	LogoutExplicit        LogoutReason = "explicit"
	LogoutIdleTimeout     LogoutReason = "idle_timeout"
	LogoutAuthRejected    LogoutReason = "auth_rejected"
	LogoutVerifyFailed    LogoutReason = "verify_failed"
	LogoutExternalStorage LogoutReason = "external_storage"
)

// SessionTransition describes one state change.
type SessionTransition struct {
	From   SessionState
	To     SessionState
	Reason LogoutReason
	At     time.Time
}
