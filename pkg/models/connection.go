package models

import (
	"sort"
	"strings"
)

// ConnectionStatus represents the event-channel connection status.
type ConnectionStatus string

const (
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusReconnecting ConnectionStatus = "reconnecting"
	ConnectionStatusFailed       ConnectionStatus = "failed"
)

// ConnectionSnapshot is a read-only copy of the connection state.
type ConnectionSnapshot struct {
	Status      ConnectionStatus `json:"status"`
	Endpoint    string           `json:"endpoint"`
	RetryCount  int              `json:"retry_count"`
	JoinedRooms []string         `json:"joined_rooms"`
	LastError   error            `json:"-"`
}

// InRoom reports whether room is part of the snapshot's joined set.
func (s ConnectionSnapshot) InRoom(room string) bool {
	for _, r := range s.JoinedRooms {
		if r == room {
			return true
		}
	}
	return false
}

// Room prefixes used by the server to scope broadcasts.
const (
	userRoomPrefix       = "user_"
	roleRoomPrefix       = "role_"
	departmentRoomPrefix = "department_"
)

// UserRoom returns the per-user room id.
func UserRoom(userID string) string { return userRoomPrefix + userID }

// RoleRoom returns the per-role room id.
func RoleRoom(role Role) string { return roleRoomPrefix + string(role) }

// DepartmentRoom returns the per-department room id.
func DepartmentRoom(department string) string { return departmentRoomPrefix + department }

// SessionRooms lists the rooms a connection joins for the given user:
// user_{id}, role_{role} and, when the user has one, department_{dept}.
func SessionRooms(user *User) []string {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return nil
	}
	rooms := []string{UserRoom(user.ID)}
	if user.Role != "" {
		rooms = append(rooms, RoleRoom(user.Role))
	}
	if dept := strings.TrimSpace(user.Department); dept != "" {
		rooms = append(rooms, DepartmentRoom(dept))
	}
	return rooms
}

// SortedRooms returns the keys of a room set in lexical order.
func SortedRooms(set map[string]struct{}) []string {
	rooms := make([]string, 0, len(set))
	for room := range set {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}
