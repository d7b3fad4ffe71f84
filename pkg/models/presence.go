package models

// PresenceStatus is a user's online status.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
	// PresenceUnknown is returned for ids the tracker has never seen.
	PresenceUnknown PresenceStatus = "unknown"
)

// PresenceEntry is one user's presence.
type PresenceEntry struct {
	UserID string         `json:"userId"`
	Status PresenceStatus `json:"status"`
}
