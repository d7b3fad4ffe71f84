package models

import "strings"

// Role is the hospital role attached to a user account.
type Role string

const (
	RoleAdmin        Role = "ADMIN"
	RoleDoctor       Role = "DOCTOR"
	RoleNurse        Role = "NURSE"
	RoleReceptionist Role = "RECEPTIONIST"
	RolePatient      Role = "PATIENT"
)

// NormalizeRole upper-cases and trims a role string.
func NormalizeRole(role string) Role {
	return Role(strings.ToUpper(strings.TrimSpace(role)))
}

// User is the cached user record returned by the auth service.
type User struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	Role       Role   `json:"role"`
	Department string `json:"department,omitempty"`
}

// Valid reports whether the record carries the fields a session needs.
func (u *User) Valid() bool {
	return u != nil && strings.TrimSpace(u.ID) != "" && strings.TrimSpace(string(u.Role)) != ""
}

// Credentials are the login form values.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Preferences holds client-side display preferences.
type Preferences struct {
	Theme    string `json:"theme"`
	Language string `json:"language"`
}

// DefaultPreferences returns the preferences used when none are stored.
func DefaultPreferences() Preferences {
	return Preferences{Theme: "light", Language: "en"}
}
