package auth

import (
	"fmt"
	"strings"
)

// Role is the closed set of roles a principal can hold.
type Role string

const (
	RoleUser    Role = "USER"
	RoleAnalyst Role = "ANALYST"
	RoleAdmin   Role = "ADMIN"
)

// AllRoles lists every valid role, least privileged first.
var AllRoles = []Role{RoleUser, RoleAnalyst, RoleAdmin}

// ParseRole converts a role name to a Role. Names are case-insensitive and may
// carry a "ROLE_" prefix. Anything outside the enumeration is rejected.
func ParseRole(s string) (Role, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	name = strings.TrimPrefix(name, "ROLE_")
	switch Role(name) {
	case RoleUser, RoleAnalyst, RoleAdmin:
		return Role(name), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// ParseRoles parses a list of role names, failing on the first invalid entry.
func ParseRoles(names []string) ([]Role, error) {
	roles := make([]Role, 0, len(names))
	for _, n := range names {
		r, err := ParseRole(n)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, nil
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAnalyst, RoleAdmin:
		return true
	}
	return false
}

func (r Role) String() string { return string(r) }
