package rbac

// Table maps (role, module) to the actions that role may perform.
type Table map[Role]map[Module]ActionSet

// Lookup returns the actions for (role, module) and whether an entry exists.
func (t Table) Lookup(role Role, module Module) (ActionSet, bool) {
	mods, ok := t[role]
	if !ok {
		return 0, false
	}
	set, ok := mods[module]
	return set, ok
}

// Clone returns a deep copy of t.
func (t Table) Clone() Table {
	out := make(Table, len(t))
	for role, mods := range t {
		cp := make(map[Module]ActionSet, len(mods))
		for m, s := range mods {
			cp[m] = s
		}
		out[role] = cp
	}
	return out
}

var (
	viewOnly = NewActionSet(ActionView)
	viewEdit = NewActionSet(ActionView, ActionEdit)
	crud     = NewActionSet(ActionView, ActionCreate, ActionEdit, ActionDelete)
	crudx    = crud.With(ActionExport)
	manage   = AllActions()
)

// defaultTable is the fallback tier used when no grant row exists. Anything
// absent here resolves to false.
var defaultTable = Table{
	RoleAdmin: {
		ModuleDashboard:       viewOnly,
		ModuleUsers:           crudx.With(ActionLock, ActionUnlock),
		ModulePatients:        crudx,
		ModuleAppointments:    crudx,
		ModuleOPD:             crudx,
		ModuleIPD:             crudx,
		ModuleBilling:         manage,
		ModuleStock:           manage,
		ModulePharmacy:        crudx,
		ModuleLaboratory:      crudx,
		ModuleOxygen:          crudx,
		ModuleBiomedicalWaste: crudx.With(ActionApprove),
		ModuleReports:         NewActionSet(ActionView, ActionExport),
		ModuleNotifications:   crud,
		ModulePermissions:     NewActionSet(ActionView, ActionEdit, ActionDelete),
		ModuleSettings:        viewEdit,
	},
	RoleDoctor: {
		ModuleDashboard:     viewOnly,
		ModulePatients:      NewActionSet(ActionView, ActionCreate, ActionEdit),
		ModuleAppointments:  viewEdit.With(ActionApprove),
		ModuleOPD:           viewEdit,
		ModuleIPD:           viewEdit,
		ModuleLaboratory:    NewActionSet(ActionView, ActionCreate),
		ModulePharmacy:      viewOnly,
		ModuleReports:       viewOnly,
		ModuleNotifications: NewActionSet(ActionView, ActionDelete),
	},
	RoleNurse: {
		ModuleDashboard:       viewOnly,
		ModulePatients:        viewEdit,
		ModuleIPD:             viewEdit,
		ModuleOxygen:          viewEdit,
		ModuleStock:           viewOnly,
		ModuleBiomedicalWaste: NewActionSet(ActionView, ActionCreate),
		ModuleNotifications:   NewActionSet(ActionView, ActionDelete),
	},
	RoleOPDManager: {
		ModuleDashboard:     viewOnly,
		ModulePatients:      NewActionSet(ActionView, ActionCreate, ActionEdit),
		ModuleAppointments:  crud,
		ModuleOPD:           crudx,
		ModuleBilling:       NewActionSet(ActionView, ActionCreate),
		ModuleReports:       viewOnly,
		ModuleNotifications: NewActionSet(ActionView, ActionDelete),
	},
	RolePatient: {
		ModuleDashboard:     viewOnly,
		ModuleAppointments:  NewActionSet(ActionView, ActionCreate),
		ModuleBilling:       viewOnly,
		ModuleNotifications: NewActionSet(ActionView, ActionDelete),
	},
	RoleLab: {
		ModuleDashboard:     viewOnly,
		ModulePatients:      viewOnly,
		ModuleLaboratory:    crudx.With(ActionApprove),
		ModuleStock:         viewOnly,
		ModuleNotifications: NewActionSet(ActionView, ActionDelete),
	},
	RolePharmacy: {
		ModuleDashboard:     viewOnly,
		ModulePatients:      viewOnly,
		ModulePharmacy:      crudx,
		ModuleStock:         viewEdit,
		ModuleNotifications: NewActionSet(ActionView, ActionDelete),
	},
}

// Defaults returns a copy of the compiled-in default table.
func Defaults() Table { return defaultTable.Clone() }
