package rbac

// Grant is an explicit, persisted override of the default actions for one
// (role, module) pair.
type Grant struct {
	Role    Role      `json:"role"`
	Module  Module    `json:"module"`
	Actions ActionSet `json:"actions"`
}

type grantKey struct {
	role   Role
	module Module
}

// Resolver answers permission questions from a fixed set of grant rows and a
// default table. It performs no I/O and is safe for concurrent use; build a
// new Resolver when the grant rows change.
type Resolver struct {
	grants   map[grantKey]ActionSet
	defaults Table
}

// NewResolver builds a resolver over grants, falling back to the compiled-in
// defaults. When two grants name the same (role, module) the later one wins.
func NewResolver(grants []Grant) *Resolver {
	return NewResolverWithDefaults(grants, defaultTable)
}

// NewResolverWithDefaults is NewResolver with an explicit default table.
// A nil table means no defaults.
func NewResolverWithDefaults(grants []Grant, defaults Table) *Resolver {
	r := &Resolver{
		grants:   make(map[grantKey]ActionSet, len(grants)),
		defaults: defaults.Clone(),
	}
	for _, g := range grants {
		if !g.Role.Valid() || !g.Module.Valid() {
			continue
		}
		r.grants[grantKey{g.Role, g.Module}] = g.Actions
	}
	return r
}

// DefaultsOnly returns a resolver with no grant rows.
func DefaultsOnly() *Resolver { return NewResolver(nil) }

// Resolve returns the effective permission for (role, module, action).
//
// super_admin is always allowed. Otherwise an explicit grant row for
// (role, module) decides, then the default table, then false. Values outside
// the enumerations are denied.
func (r *Resolver) Resolve(role Role, module Module, action Action) bool {
	if role == RoleSuperAdmin {
		return true
	}
	if r == nil || !role.Valid() || !module.Valid() || !action.Valid() {
		return false
	}
	if set, ok := r.grants[grantKey{role, module}]; ok {
		return set.Has(action)
	}
	if set, ok := r.defaults.Lookup(role, module); ok {
		return set.Has(action)
	}
	return false
}

// ResolveString parses the three inputs and resolves them, denying anything
// that does not parse.
func (r *Resolver) ResolveString(role, module, action string) bool {
	ro, ok := ParseRole(role)
	if !ok {
		return false
	}
	if ro == RoleSuperAdmin {
		return true
	}
	m, ok := ParseModule(module)
	if !ok {
		return false
	}
	a, ok := ParseAction(action)
	if !ok {
		return false
	}
	return r.Resolve(ro, m, a)
}

// AnyOf reports whether at least one of actions is allowed.
func (r *Resolver) AnyOf(role Role, module Module, actions ...Action) bool {
	for _, a := range actions {
		if r.Resolve(role, module, a) {
			return true
		}
	}
	return false
}

// AllOf reports whether every one of actions is allowed. An empty list is
// not allowed.
func (r *Resolver) AllOf(role Role, module Module, actions ...Action) bool {
	if len(actions) == 0 {
		return false
	}
	for _, a := range actions {
		if !r.Resolve(role, module, a) {
			return false
		}
	}
	return true
}

// Effective returns the resolved action set for (role, module).
func (r *Resolver) Effective(role Role, module Module) ActionSet {
	var s ActionSet
	for _, a := range allActions {
		if r.Resolve(role, module, a) {
			s = s.With(a)
		}
	}
	return s
}

// Matrix returns the effective action set for every module.
func (r *Resolver) Matrix(role Role) map[Module]ActionSet {
	out := make(map[Module]ActionSet, len(allModules))
	for _, m := range allModules {
		out[m] = r.Effective(role, m)
	}
	return out
}

// Grants returns the grant rows held by r.
func (r *Resolver) Grants() []Grant {
	if r == nil {
		return nil
	}
	out := make([]Grant, 0, len(r.grants))
	for _, role := range allRoles {
		for _, m := range allModules {
			if set, ok := r.grants[grantKey{role, m}]; ok {
				out = append(out, Grant{Role: role, Module: m, Actions: set})
			}
		}
	}
	return out
}
