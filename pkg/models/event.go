package models

import "encoding/json"

// Event names dispatched by the connection manager. The first four are
// lifecycle events raised locally; the rest arrive from the server.
const (
	EventConnect             = "connect"
	EventDisconnect          = "disconnect"
	EventConnectError        = "connect_error"
	EventReconnect           = "reconnect"
	EventNotification        = "notification"
	EventMessage             = "message"
	EventAppointmentUpdate   = "appointment-update"
	EventPatientStatusUpdate = "patient-status-update"
	EventQueueUpdate         = "queue-update"
	EventEmergencyAlert      = "emergency-alert"
	EventOnlineUsers         = "online-users"
	EventUserStatusChange    = "user-status-change"
	EventSystemUpdate        = "system-update"
)

// ApplicationEvents lists the server-pushed event names.
func ApplicationEvents() []string {
	return []string{
		EventNotification, EventMessage, EventAppointmentUpdate,
		EventPatientStatusUpdate, EventQueueUpdate, EventEmergencyAlert,
		EventOnlineUsers, EventUserStatusChange, EventSystemUpdate,
	}
}

// Event is a dispatched event with its raw JSON payload.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(e.Payload, v)
}
