package auth

import (
	"errors"
	"slices"
)

// Role represents an authorisation tier.
type Role string

const (
	// RoleViewer can read status and history but cannot cause the
	// registry server to start.
	RoleViewer Role = "viewer"

	// RoleOperator can additionally query the registry, run discovery
	// and stop the server.
	RoleOperator Role = "operator"
)

// ValidRoles lists every role a token may carry.
var ValidRoles = []Role{RoleViewer, RoleOperator}

// IsValidRole reports whether r is a known role.
func IsValidRole(r Role) bool {
	return slices.Contains(ValidRoles, r)
}

// Permission represents a named capability.
type Permission string

// Permission constants.
const (
	PermStatusRead       Permission = "status:read"
	PermHistoryRead      Permission = "history:read"
	PermEventsRead       Permission = "events:read"
	PermRegistryQuery    Permission = "registry:query"
	PermRegistryDiscover Permission = "registry:discover"
	PermSupervisorStop   Permission = "supervisor:stop"
)

// rolePermissions is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermStatusRead,
		PermHistoryRead,
		PermEventsRead,
	},
	RoleOperator: {
		PermStatusRead,
		PermHistoryRead,
		PermEventsRead,
		PermRegistryQuery,
		PermRegistryDiscover,
		PermSupervisorStop,
	},
}

// HasPermission reports whether role grants perm.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}

// Auth errors.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrInvalidRole  = errors.New("invalid role")
	ErrNoSecret     = errors.New("no signing secret configured")
	ErrForbidden    = errors.New("insufficient permissions")
)
