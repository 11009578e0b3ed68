// Package rbac holds the closed role/module/action enumerations, the
// compiled-in default permission table, and the resolver that combines
// explicit grant rows with those defaults.
package rbac

import "strings"

// Role is the identity class of a session. It is fixed for the life of the
// session.
type Role string

const (
	RoleUnknown    Role = ""
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleDoctor     Role = "doctor"
	RoleNurse      Role = "nurse"
	RoleOPDManager Role = "opd_manager"
	RolePatient    Role = "patient"
	RoleLab        Role = "lab"
	RolePharmacy   Role = "pharmacy"
)

var allRoles = []Role{
	RoleSuperAdmin, RoleAdmin, RoleDoctor, RoleNurse,
	RoleOPDManager, RolePatient, RoleLab, RolePharmacy,
}

var roleAliases = map[string]Role{
	"superadmin":   RoleSuperAdmin,
	"front_desk":   RoleOPDManager,
	"receptionist": RoleOPDManager,
	"opd":          RoleOPDManager,
	"laboratory":   RoleLab,
	"pharmacist":   RolePharmacy,
}

// Roles returns every known role in display order.
func Roles() []Role {
	out := make([]Role, len(allRoles))
	copy(out, allRoles)
	return out
}

// ParseRole maps user input onto a known role. Case, surrounding space and
// '-' or ' ' separators are ignored.
func ParseRole(s string) (Role, bool) {
	key := normalize(s)
	for _, r := range allRoles {
		if string(r) == key {
			return r, true
		}
	}
	if r, ok := roleAliases[key]; ok {
		return r, true
	}
	return RoleUnknown, false
}

// Valid reports whether r is a member of the enumeration.
func (r Role) Valid() bool {
	for _, known := range allRoles {
		if r == known {
			return true
		}
	}
	return false
}

func (r Role) String() string { return string(r) }

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	return strings.ReplaceAll(s, " ", "_")
}
