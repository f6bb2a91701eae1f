package auth

import (
	"errors"
	"fmt"
)

// Role represents an authorisation tier.
type Role string

const (
	// RoleViewer can read devices, state and history.
	RoleViewer Role = "viewer"

	// RoleOperator can additionally send commands to paired devices.
	RoleOperator Role = "operator"

	// RoleAdmin can additionally manage bindings and run pairing.
	RoleAdmin Role = "admin"
)

// ValidRoles is the set of valid roles.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole returns true if r is a known role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// ParseRole parses a role name.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !IsValidRole(r) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}

// Credential types recorded on a Principal.
const (
	MethodToken  = "token"
	MethodAPIKey = "api_key"
	MethodNone   = "none"
)

// Principal is an authenticated caller.
type Principal struct {
	Subject string `json:"subject"`
	Role    Role   `json:"role"`
	Method  string `json:"method"`
}

// Can reports whether the principal holds perm.
func (p Principal) Can(perm Permission) bool {
	return HasPermission(p.Role, perm)
}

// Sentinel errors for auth operations.
var (
	ErrNoCredentials = errors.New("auth: no credentials")
	ErrTokenExpired  = errors.New("auth: token has expired")
	ErrTokenInvalid  = errors.New("auth: invalid token")
	ErrAPIKeyInvalid = errors.New("auth: invalid API key")
	ErrInvalidRole   = errors.New("auth: invalid role")
	ErrForbidden     = errors.New("auth: insufficient permissions")
)
