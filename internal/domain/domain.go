// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"fmt"
	"strings"
)

// Role is the single role a user holds for the duration of a session.
type Role string

const (
	RoleAnalyst Role = "Analyst"
	RoleManager Role = "Manager"
)

// Roles lists the closed set of known roles.
var Roles = []Role{RoleAnalyst, RoleManager}

// ParseRole converts a case-insensitive role name to a Role.
func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if strings.EqualFold(string(r), strings.TrimSpace(s)) {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// User is the acting identity. Users are swapped wholesale on "switch user",
// never mutated in place.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// String renders the user as "Name(Role)", the form used in logs and audits.
func (u User) String() string {
	name := u.Name
	if name == "" {
		name = u.ID
	}
	return fmt.Sprintf("%s(%s)", name, u.Role)
}

// ModelRef identifies the model the live backend should reason with.
// The local orchestrator only records it.
type ModelRef struct {
	Provider string `json:"provider,omitempty"`
	Name     string `json:"name,omitempty"`
}

func (m ModelRef) String() string {
	if m.Provider == "" {
		return m.Name
	}
	return m.Provider + "/" + m.Name
}
