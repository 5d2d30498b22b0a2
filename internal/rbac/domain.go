package rbac

import (
	"fmt"
	"strings"
)

// Role is one of the fixed staff roles. The zero value is not a valid role.
type Role uint8

const (
	RoleSuperadmin Role = iota + 1
	RoleFacilityHead
	RoleMedicalAdmin
	RolePhysician
	RoleRegistration
	RoleLaboratory
	RolePharmacy
	RoleCashier
	RoleHR
	RoleHelpdesk
	RoleQuality
	RoleSatisfaction
	RoleMaintenance
)

var roleNames = [...]string{
	RoleSuperadmin:   "superadmin",
	RoleFacilityHead: "facility_head",
	RoleMedicalAdmin: "medical_admin",
	RolePhysician:    "physician",
	RoleRegistration: "registration",
	RoleLaboratory:   "laboratory",
	RolePharmacy:     "pharmacy",
	RoleCashier:      "cashier",
	RoleHR:           "hr",
	RoleHelpdesk:     "helpdesk",
	RoleQuality:      "quality",
	RoleSatisfaction: "satisfaction",
	RoleMaintenance:  "maintenance",
}

// Roles lists every role in declaration order.
func Roles() []Role {
	out := make([]Role, 0, len(roleNames)-1)
	for r := RoleSuperadmin; r <= RoleMaintenance; r++ {
		out = append(out, r)
	}
	return out
}

// Valid reports whether r is one of the declared roles.
func (r Role) Valid() bool {
	return r >= RoleSuperadmin && r <= RoleMaintenance
}

func (r Role) String() string {
	if !r.Valid() {
		return fmt.Sprintf("role(%d)", uint8(r))
	}
	return roleNames[r]
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRole, uint8(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRole resolves a role name.
func ParseRole(name string) (Role, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for r := RoleSuperadmin; r <= RoleMaintenance; r++ {
		if roleNames[r] == name {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRole, name)
}

// Action is an operation category.
type Action uint8

const (
	ActionView Action = iota + 1
	ActionCreate
	ActionEdit
	ActionDelete
	ActionApprove
	ActionExport
	ActionAdmin
)

var actionNames = [...]string{
	ActionView:    "view",
	ActionCreate:  "create",
	ActionEdit:    "edit",
	ActionDelete:  "delete",
	ActionApprove: "approve",
	ActionExport:  "export",
	ActionAdmin:   "admin",
}

// Actions lists every action in declaration order.
func Actions() []Action {
	out := make([]Action, 0, len(actionNames)-1)
	for a := ActionView; a <= ActionAdmin; a++ {
		out = append(out, a)
	}
	return out
}

// Valid reports whether a is one of the declared actions.
func (a Action) Valid() bool {
	return a >= ActionView && a <= ActionAdmin
}

func (a Action) String() string {
	if !a.Valid() {
		return fmt.Sprintf("action(%d)", uint8(a))
	}
	return actionNames[a]
}

// Mutating reports whether the action changes persisted state. Mutating
// actions must be audited inside the transaction that applies them.
func (a Action) Mutating() bool {
	switch a {
	case ActionCreate, ActionEdit, ActionDelete, ActionApprove, ActionAdmin:
		return true
	case ActionView, ActionExport:
		return false
	default:
		return false
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAction, uint8(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAction resolves an action name.
func ParseAction(name string) (Action, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for a := ActionView; a <= ActionAdmin; a++ {
		if actionNames[a] == name {
			return a, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownAction, name)
}

// Module is a functional area of the application.
type Module uint8

const (
	ModuleRegistration Module = iota + 1
	ModuleClinical
	ModuleOrders
	ModuleLaboratory
	ModuleRadiology
	ModulePharmacy
	ModuleBilling
	ModuleCashier
	ModuleReferrals
	ModuleHR
	ModuleHelpdesk
	ModuleQuality
	ModuleSatisfaction
	ModuleMaintenance
	ModuleFacilities
	ModuleReports
	ModuleAdministration
	ModuleAudit
	// ModuleSession tags login and logout events. It is never gated.
	ModuleSession
)

var moduleNames = [...]string{
	ModuleRegistration:   "registration",
	ModuleClinical:       "clinical",
	ModuleOrders:         "orders",
	ModuleLaboratory:     "laboratory",
	ModuleRadiology:      "radiology",
	ModulePharmacy:       "pharmacy",
	ModuleBilling:        "billing",
	ModuleCashier:        "cashier",
	ModuleReferrals:      "referrals",
	ModuleHR:             "hr",
	ModuleHelpdesk:       "helpdesk",
	ModuleQuality:        "quality",
	ModuleSatisfaction:   "satisfaction",
	ModuleMaintenance:    "maintenance",
	ModuleFacilities:     "facilities",
	ModuleReports:        "reports",
	ModuleAdministration: "administration",
	ModuleAudit:          "audit",
	ModuleSession:        "session",
}

// Modules lists every module in declaration order.
func Modules() []Module {
	out := make([]Module, 0, len(moduleNames)-1)
	for m := ModuleRegistration; m <= ModuleSession; m++ {
		out = append(out, m)
	}
	return out
}

// Valid reports whether m is one of the declared modules.
func (m Module) Valid() bool {
	return m >= ModuleRegistration && m <= ModuleSession
}

func (m Module) String() string {
	if !m.Valid() {
		return fmt.Sprintf("module(%d)", uint8(m))
	}
	return moduleNames[m]
}

// Actions returns the closed set of actions meaningful for the module.
func (m Module) Actions() []Action {
	switch m {
	case ModuleRegistration:
		return []Action{ActionView, ActionCreate, ActionEdit, ActionExport}
	case ModuleClinical:
		return []Action{ActionView, ActionCreate, ActionEdit, ActionDelete, ActionApprove, ActionExport}
	case ModuleOrders:
		return []Action{ActionView, ActionCreate, ActionEdit, ActionDelete, ActionApprove}
	case ModuleLaboratory, ModuleRadiology:
		return []Action{ActionView, ActionCreate, ActionEdit, ActionApprove, ActionExport}
	case ModulePharmacy, ModuleBilling, ModuleHR:
		return []Action{ActionView, ActionCreate, ActionEdit, ActionDelete, ActionApprove, ActionExport}
	case ModuleCashier:
		return []Action{ActionView, ActionCreate, ActionEdit, ActionExport}
	case ModuleReferrals:
		return []Action{ActionView, ActionCreate, ActionEdit, ActionApprove}
	case ModuleHelpdesk, ModuleMaintenance:
		return []Action{ActionView, ActionCreate, ActionEdit, ActionDelete, ActionApprove}
	case ModuleQuality:
		return []Action{ActionView, ActionCreate, ActionEdit, ActionApprove, ActionExport}
	case ModuleSatisfaction:
		return []Action{ActionView, ActionCreate, ActionExport}
	case ModuleFacilities:
		return []Action{ActionView, ActionCreate, ActionEdit, ActionAdmin}
	case ModuleReports, ModuleAudit:
		return []Action{ActionView, ActionExport}
	case ModuleAdministration:
		return []Action{ActionView, ActionCreate, ActionAdmin}
	case ModuleSession:
		return []Action{ActionCreate, ActionDelete}
	default:
		return nil
	}
}

// Supports reports whether the action belongs to the module's action set.
func (m Module) Supports(a Action) bool {
	for _, candidate := range m.Actions() {
		if candidate == a {
			return true
		}
	}
	return false
}

// Gated reports whether the module participates in policy evaluation.
func (m Module) Gated() bool {
	return m.Valid() && m != ModuleSession
}

// MarshalText implements encoding.TextMarshaler.
func (m Module) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownModule, uint8(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Module) UnmarshalText(text []byte) error {
	parsed, err := ParseModule(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseModule resolves a module name.
func ParseModule(name string) (Module, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for m := ModuleRegistration; m <= ModuleSession; m++ {
		if moduleNames[m] == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownModule, name)
}

// Principal describes the actor an authorization decision is made for.
type Principal struct {
	ID     int64
	Role   Role
	Active bool
}
