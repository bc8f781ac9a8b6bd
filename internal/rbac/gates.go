package rbac

import "github.com/skyrem/backoffice/internal/shared"

// Rule is the predicate attached to one gate.
type Rule struct {
	Permission string
	Roles      []string
}

// RequirePermission passes when the principal holds the named permission.
func RequirePermission(name string) Rule {
	return Rule{Permission: name}
}

// RequireRole passes when the principal holds any of the named roles.
func RequireRole(names ...string) Rule {
	return Rule{Roles: names}
}

func (r Rule) allows(g Grants) bool {
	if r.Permission != "" && g.HasPermission(r.Permission) {
		return true
	}
	for _, role := range r.Roles {
		if g.HasRole(role) {
			return true
		}
	}
	return false
}

type gateKey struct {
	ability string
	kind    string
}

// GateTable maps (ability, resource kind) to a rule. It is built once at
// startup and handed to the Engine; it is not mutated afterwards.
type GateTable struct {
	rules map[gateKey]Rule
}

// NewGateTable returns an empty table.
func NewGateTable() *GateTable {
	return &GateTable{rules: make(map[gateKey]Rule)}
}

// Define registers rule for ability on kind. An empty kind matches abilities used without a resource.
func (t *GateTable) Define(ability, kind string, rule Rule) *GateTable {
	t.rules[gateKey{ability: ability, kind: kind}] = rule
	return t
}

// Lookup finds the rule for ability on kind, falling back to the kind-less entry.
func (t *GateTable) Lookup(ability, kind string) (Rule, bool) {
	if t == nil {
		return Rule{}, false
	}
	if rule, ok := t.rules[gateKey{ability: ability, kind: kind}]; ok {
		return rule, true
	}
	if kind != "" {
		if rule, ok := t.rules[gateKey{ability: ability}]; ok {
			return rule, true
		}
	}
	return Rule{}, false
}

// Len reports how many gates are defined.
func (t *GateTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}

// DefaultGates is the gate table of the back office.
func DefaultGates() *GateTable {
	superadminOnly := RequireRole(RoleSuperadmin)
	t := NewGateTable().
		Define(shared.AbilityViewAny, KindUser, RequirePermission(shared.PermViewUsers)).
		Define(shared.AbilityView, KindUser, RequirePermission(shared.PermViewUsers)).
		Define(shared.AbilityCreate, KindUser, RequirePermission(shared.PermCreateUsers)).
		Define(shared.AbilityUpdate, KindUser, RequirePermission(shared.PermEditUsers)).
		Define(shared.AbilityDelete, KindUser, RequirePermission(shared.PermDeleteUsers)).
		Define(shared.AbilityViewAny, KindActivity, RequirePermission(shared.PermViewActivityLogs)).
		Define(shared.AbilityView, KindActivity, RequirePermission(shared.PermViewActivityLogs)).
		Define(shared.AbilityManageSettings, "", RequirePermission(shared.PermManageSystemSettings)).
		Define(shared.AbilityAccessSuperadmin, "", superadminOnly)
	for _, kind := range []string{KindRole, KindPermission} {
		for _, ability := range []string{shared.AbilityViewAny, shared.AbilityView, shared.AbilityCreate, shared.AbilityUpdate, shared.AbilityDelete} {
			t.Define(ability, kind, superadminOnly)
		}
	}
	return t
}
