package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Role is an opaque actor role. The engine only tests set membership.
type Role int

const (
	RoleUnknown Role = iota
	RoleAnalyst
	RoleProjectLead
	RoleQA
	RoleTestManager
	RoleLabDirector
	RoleSystemAdmin
	RoleSampleAdmin

	roleCount
)

// ErrUnknownRole is returned when a role name cannot be parsed.
var ErrUnknownRole = errors.New("unknown role")

var roleNames = [roleCount]string{
	RoleUnknown:     "unknown",
	RoleAnalyst:     "analyst",
	RoleProjectLead: "project_lead",
	RoleQA:          "qa",
	RoleTestManager: "test_manager",
	RoleLabDirector: "lab_director",
	RoleSystemAdmin: "system_admin",
	RoleSampleAdmin: "sample_admin",
}

// Roles lists every assignable role.
func Roles() []Role {
	out := make([]Role, 0, roleCount-1)
	for r := RoleAnalyst; r < roleCount; r++ {
		out = append(out, r)
	}
	return out
}

func (r Role) String() string {
	if r < 0 || r >= roleCount {
		return fmt.Sprintf("role(%d)", int(r))
	}
	return roleNames[r]
}

// Valid reports whether r is an assignable role.
func (r Role) Valid() bool {
	return r > RoleUnknown && r < roleCount
}

// ParseRole maps a role name (case-insensitive) to a Role.
func ParseRole(name string) (Role, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for r := RoleAnalyst; r < roleCount; r++ {
		if roleNames[r] == name {
			return r, nil
		}
	}
	return RoleUnknown, fmt.Errorf("%w: %q", ErrUnknownRole, name)
}

func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if name == "" || name == roleNames[RoleUnknown] {
		*r = RoleUnknown
		return nil
	}
	parsed, err := ParseRole(name)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// RoleSet is a small ordered set of roles.
type RoleSet []Role

// NewRoleSet builds a set, dropping duplicates while keeping first-seen order.
func NewRoleSet(roles ...Role) RoleSet {
	out := make(RoleSet, 0, len(roles))
	for _, r := range roles {
		if !out.Contains(r) {
			out = append(out, r)
		}
	}
	return out
}

// Contains reports membership.
func (s RoleSet) Contains(r Role) bool {
	for _, x := range s {
		if x == r {
			return true
		}
	}
	return false
}

// Strings renders the set as role names.
func (s RoleSet) Strings() []string {
	out := make([]string, len(s))
	for i, r := range s {
		out[i] = r.String()
	}
	return out
}

func (s RoleSet) String() string {
	return strings.Join(s.Strings(), ",")
}
