package auth

// Permission represents a named capability.
type Permission string

// Permission constants.
const (
	PermDeviceRead    Permission = "device:read"
	PermDeviceCommand Permission = "device:command"
	PermDeviceManage  Permission = "device:manage"
	PermPairing       Permission = "pairing:manage"
	PermSystemRead    Permission = "system:read"
)

// rolePermissions maps each role to its granted permissions.
// This is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermDeviceRead,
		PermSystemRead,
	},
	RoleOperator: {
		PermDeviceRead,
		PermDeviceCommand,
		PermSystemRead,
	},
	RoleAdmin: {
		PermDeviceRead,
		PermDeviceCommand,
		PermDeviceManage,
		PermPairing,
		PermSystemRead,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// PermissionsForRole returns all permissions granted to a role.
// Returns nil for unknown roles.
func PermissionsForRole(role Role) []Permission {
	perms := rolePermissions[role]
	if perms == nil {
		return nil
	}
	result := make([]Permission, len(perms))
	copy(result, perms)
	return result
}
