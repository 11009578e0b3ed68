package rbac

import (
	"encoding/json"
	"strings"
)

// Action is an operation a role may perform on a module.
type Action string

const (
	ActionUnknown Action = ""
	ActionView    Action = "view"
	ActionCreate  Action = "create"
	ActionEdit    Action = "edit"
	ActionDelete  Action = "delete"
	ActionApprove Action = "approve"
	ActionLock    Action = "lock"
	ActionUnlock  Action = "unlock"
	ActionExport  Action = "export"
)

// allActions is ordered by bit position in ActionSet.
var allActions = []Action{
	ActionView, ActionCreate, ActionEdit, ActionDelete,
	ActionApprove, ActionLock, ActionUnlock, ActionExport,
}

// Actions returns every known action in display order.
func Actions() []Action {
	out := make([]Action, len(allActions))
	copy(out, allActions)
	return out
}

// ParseAction maps user input onto a known action.
func ParseAction(s string) (Action, bool) {
	key := normalize(s)
	for _, a := range allActions {
		if string(a) == key {
			return a, true
		}
	}
	return ActionUnknown, false
}

func (a Action) bit() ActionSet {
	for i, known := range allActions {
		if a == known {
			return 1 << uint(i)
		}
	}
	return 0
}

// Valid reports whether a is a member of the enumeration.
func (a Action) Valid() bool { return a.bit() != 0 }

func (a Action) String() string { return string(a) }

// ActionSet holds one boolean per Action.
type ActionSet uint8

// NewActionSet returns a set with the given actions enabled. Unknown actions
// are dropped.
func NewActionSet(actions ...Action) ActionSet {
	var s ActionSet
	for _, a := range actions {
		s |= a.bit()
	}
	return s
}

// AllActions is the set with every action enabled.
func AllActions() ActionSet { return NewActionSet(allActions...) }

// Has reports whether a is enabled. Unknown actions are never enabled.
func (s ActionSet) Has(a Action) bool {
	b := a.bit()
	return b != 0 && s&b != 0
}

// With returns a copy of s with the actions enabled.
func (s ActionSet) With(actions ...Action) ActionSet {
	return s | NewActionSet(actions...)
}

// Without returns a copy of s with the actions disabled.
func (s ActionSet) Without(actions ...Action) ActionSet {
	return s &^ NewActionSet(actions...)
}

// List returns the enabled actions in display order.
func (s ActionSet) List() []Action {
	var out []Action
	for _, a := range allActions {
		if s.Has(a) {
			out = append(out, a)
		}
	}
	return out
}

func (s ActionSet) String() string {
	parts := make([]string, 0, len(allActions))
	for _, a := range s.List() {
		parts = append(parts, string(a))
	}
	return strings.Join(parts, ",")
}

// Map returns the set as one boolean per known action.
func (s ActionSet) Map() map[Action]bool {
	m := make(map[Action]bool, len(allActions))
	for _, a := range allActions {
		m[a] = s.Has(a)
	}
	return m
}

// MarshalJSON encodes the set as {"view":true,"create":false,...}.
func (s ActionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Map())
}

// UnmarshalJSON accepts an object of booleans keyed by action name. Keys that
// are not actions are ignored and missing keys are false.
func (s *ActionSet) UnmarshalJSON(data []byte) error {
	var raw map[string]bool
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var out ActionSet
	for k, v := range raw {
		if !v {
			continue
		}
		if a, ok := ParseAction(k); ok {
			out |= a.bit()
		}
	}
	*s = out
	return nil
}
