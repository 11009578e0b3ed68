package permission

import (
	"time"

	"github.com/hospital/hms/pkg/rbac"
)

// GrantRow is a persisted override of the default actions for one
// (role, module) pair.
type GrantRow struct {
	Role      rbac.Role      `json:"role"`
	Module    rbac.Module    `json:"module"`
	Actions   rbac.ActionSet `json:"actions"`
	UpdatedBy string         `json:"updated_by,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Grant converts the row to the resolver's representation.
func (g *GrantRow) Grant() rbac.Grant {
	return rbac.Grant{Role: g.Role, Module: g.Module, Actions: g.Actions}
}

func toGrants(rows []*GrantRow) []rbac.Grant {
	out := make([]rbac.Grant, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Grant())
	}
	return out
}

// MeResponse is the grant-fetch payload: the caller's role, its explicit
// grant rows and the resulting effective matrix.
type MeResponse struct {
	Role   rbac.Role                      `json:"role"`
	Grants []*GrantRow                    `json:"grants"`
	Matrix map[rbac.Module]rbac.ActionSet `json:"matrix"`
}

// Catalog lists the closed enumerations.
type Catalog struct {
	Roles   []rbac.Role   `json:"roles"`
	Modules []rbac.Module `json:"modules"`
	Actions []rbac.Action `json:"actions"`
}

// CurrentCatalog returns the enumerations compiled into this build.
func CurrentCatalog() Catalog {
	return Catalog{Roles: rbac.Roles(), Modules: rbac.Modules(), Actions: rbac.Actions()}
}
