package rbac

// Module is a functional area of the hospital application.
type Module string

const (
	ModuleUnknown         Module = ""
	ModuleDashboard       Module = "dashboard"
	ModuleUsers           Module = "users"
	ModulePatients        Module = "patients"
	ModuleAppointments    Module = "appointments"
	ModuleOPD             Module = "opd"
	ModuleIPD             Module = "ipd"
	ModuleBilling         Module = "billing"
	ModuleStock           Module = "stock"
	ModulePharmacy        Module = "pharmacy"
	ModuleLaboratory      Module = "laboratory"
	ModuleOxygen          Module = "oxygen"
	ModuleBiomedicalWaste Module = "biomedical_waste"
	ModuleReports         Module = "reports"
	ModuleNotifications   Module = "notifications"
	ModulePermissions     Module = "permissions"
	ModuleSettings        Module = "settings"
)

var allModules = []Module{
	ModuleDashboard, ModuleUsers, ModulePatients, ModuleAppointments,
	ModuleOPD, ModuleIPD, ModuleBilling, ModuleStock, ModulePharmacy,
	ModuleLaboratory, ModuleOxygen, ModuleBiomedicalWaste, ModuleReports,
	ModuleNotifications, ModulePermissions, ModuleSettings,
}

// Modules returns every known module in display order.
func Modules() []Module {
	out := make([]Module, len(allModules))
	copy(out, allModules)
	return out
}

// ParseModule maps user input onto a known module.
func ParseModule(s string) (Module, bool) {
	key := normalize(s)
	for _, m := range allModules {
		if string(m) == key {
			return m, true
		}
	}
	return ModuleUnknown, false
}

// Valid reports whether m is a member of the enumeration.
func (m Module) Valid() bool {
	for _, known := range allModules {
		if m == known {
			return true
		}
	}
	return false
}

func (m Module) String() string { return string(m) }
