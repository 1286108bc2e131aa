package model

import "strings"

// Role is the single role carried by an authenticated identity. The set of
// roles is closed; anything else parses to RoleUnknown.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleWarehouse Role = "warehouse"
	RoleDriver    Role = "driver"

	// RoleUnknown marks a missing or unrecognised role string. The capability
	// resolver decides what it maps to.
	RoleUnknown Role = ""
)

// Roles returns the known roles in declaration order.
func Roles() []Role {
	return []Role{RoleAdmin, RoleWarehouse, RoleDriver}
}

// ParseRole normalises a role string as emitted by the backend. Case is
// ignored and a Spring-style "ROLE_" prefix is stripped, so "ROLE_DRIVER",
// "Driver" and "driver" all parse to RoleDriver.
func ParseRole(s string) Role {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "role_")
	switch Role(s) {
	case RoleAdmin, RoleWarehouse, RoleDriver:
		return Role(s)
	}
	return RoleUnknown
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return ParseRole(string(r)) == r && r != RoleUnknown
}

func (r Role) String() string {
	if r == RoleUnknown {
		return "unknown"
	}
	return string(r)
}
