package rbac_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyrem/backoffice/internal/rbac"
	"github.com/skyrem/backoffice/internal/rbac/rbactest"
	"github.com/skyrem/backoffice/internal/shared"
)

type fixture struct {
	store  *rbactest.Store
	roles  map[string]int64
	perms  map[string]int64
	engine *rbac.Engine
}

// newFixture seeds roles with permissions and assigns them to users.
func newFixture(t *testing.T, roles map[string][]string, users map[int64][]string) *fixture {
	t.Helper()
	ctx := context.Background()
	store := rbactest.NewStore()
	f := &fixture{store: store, roles: map[string]int64{}, perms: map[string]int64{}}
	for roleName, permNames := range roles {
		role, err := store.InsertRole(ctx, roleName, rbac.DefaultGuard)
		require.NoError(t, err)
		f.roles[roleName] = role.ID
		ids := make([]int64, 0, len(permNames))
		for _, name := range permNames {
			id, ok := f.perms[name]
			if !ok {
				perm, err := store.InsertPermission(ctx, name, rbac.DefaultGuard)
				require.NoError(t, err)
				id = perm.ID
				f.perms[name] = id
			}
			ids = append(ids, id)
		}
		require.NoError(t, store.SyncRolePermissions(ctx, role.ID, ids))
	}
	for userID, roleNames := range users {
		ids := make([]int64, 0, len(roleNames))
		for _, name := range roleNames {
			ids = append(ids, f.roles[name])
		}
		require.NoError(t, store.SyncUserRoles(ctx, userID, ids))
	}
	cache := rbac.NewCache(nil, store, 0, nil, nil)
	f.engine = rbac.NewEngine(cache, rbac.DefaultGates(), nil, nil)
	return f
}

const (
	superadminID = int64(1)
	editorID     = int64(2)
	nobodyID     = int64(3)
	settingsID   = int64(4)
)

func standardFixture(t *testing.T) *fixture {
	return newFixture(t,
		map[string][]string{
			"superadmin": {},
			"editor":     {shared.PermViewUsers, shared.PermEditUsers, "publish posts"},
			"operator":   {shared.PermManageSystemSettings},
		},
		map[int64][]string{
			superadminID: {"superadmin"},
			editorID:     {"editor"},
			settingsID:   {"operator"},
		},
	)
}

func TestSuperadminMayDeleteOthersButNotSelf(t *testing.T) {
	f := standardFixture(t)
	ctx := context.Background()
	admin := rbac.NewPrincipal(superadminID)

	ok, err := f.engine.Can(ctx, admin, shared.AbilityDelete, rbac.UserResource(editorID))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.engine.Can(ctx, admin, shared.AbilityDelete, rbac.UserResource(superadminID))
	require.NoError(t, err)
	assert.False(t, ok)

	err = f.engine.Authorize(ctx, admin, shared.AbilityDelete, rbac.UserResource(superadminID))
	assert.ErrorIs(t, err, shared.ErrSelfAction)
	assert.Equal(t, "You cannot delete your own account.", shared.UserSafeMessage(err))
}

func TestSelfDeleteDeniedEvenWithPermission(t *testing.T) {
	f := newFixture(t,
		map[string][]string{"manager": {shared.PermDeleteUsers}},
		map[int64][]string{10: {"manager"}},
	)
	ctx := context.Background()
	p := rbac.NewPrincipal(10)

	assert.ErrorIs(t, f.engine.Authorize(ctx, p, shared.AbilityDelete, rbac.UserResource(10)), shared.ErrSelfAction)
	assert.NoError(t, f.engine.Authorize(ctx, p, shared.AbilityDelete, rbac.UserResource(11)))
}

func TestEditUsersHolderDeniedRoleManagement(t *testing.T) {
	f := standardFixture(t)
	ctx := context.Background()
	editor := rbac.NewPrincipal(editorID)

	for _, ability := range []string{shared.AbilityViewAny, shared.AbilityCreate, shared.AbilityUpdate, shared.AbilityDelete} {
		err := f.engine.Authorize(ctx, editor, ability, rbac.KindOf(rbac.KindRole))
		assert.ErrorIs(t, err, shared.ErrForbidden, ability)
	}
	assert.ErrorIs(t, f.engine.Authorize(ctx, editor, shared.AbilityAccessSuperadmin, rbac.Resource{}), shared.ErrForbidden)
	assert.ErrorIs(t, f.engine.Authorize(ctx, editor, shared.AbilityViewAny, rbac.KindOf(rbac.KindPermission)), shared.ErrForbidden)

	assert.NoError(t, f.engine.Authorize(ctx, rbac.NewPrincipal(superadminID), shared.AbilityViewAny, rbac.KindOf(rbac.KindRole)))
}

func TestGateTableDecisions(t *testing.T) {
	f := standardFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		user     int64
		ability  string
		resource rbac.Resource
		want     bool
	}{
		{"editor lists users", editorID, shared.AbilityViewAny, rbac.KindOf(rbac.KindUser), true},
		{"editor updates user", editorID, shared.AbilityUpdate, rbac.UserResource(nobodyID), true},
		{"editor cannot create user", editorID, shared.AbilityCreate, rbac.KindOf(rbac.KindUser), false},
		{"editor cannot delete user", editorID, shared.AbilityDelete, rbac.UserResource(nobodyID), false},
		{"editor cannot read activity", editorID, shared.AbilityViewAny, rbac.KindOf(rbac.KindActivity), false},
		{"operator manages settings", settingsID, shared.AbilityManageSettings, rbac.Resource{}, true},
		{"editor cannot manage settings", editorID, shared.AbilityManageSettings, rbac.Resource{}, false},
		{"named permission fallback", editorID, "publish posts", rbac.Resource{}, true},
		{"unknown ability denied", editorID, "launch rockets", rbac.Resource{}, false},
		{"user without roles denied", nobodyID, shared.AbilityViewAny, rbac.KindOf(rbac.KindUser), false},
		{"superadmin passes unknown ability", superadminID, "launch rockets", rbac.Resource{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.engine.Can(ctx, rbac.NewPrincipal(tt.user), tt.ability, tt.resource)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLookupFailureIsNotAllow(t *testing.T) {
	f := standardFixture(t)
	f.store.FailOn["LoadSnapshot"] = errors.New("connection refused")

	ok, err := f.engine.Can(context.Background(), rbac.NewPrincipal(superadminID), shared.AbilityViewAny, rbac.KindOf(rbac.KindUser))
	require.Error(t, err)
	assert.False(t, ok)
	assert.NotErrorIs(t, err, shared.ErrForbidden)
}

func TestAbilitiesForNavigation(t *testing.T) {
	f := standardFixture(t)
	got := f.engine.Abilities(context.Background(), rbac.NewPrincipal(settingsID), rbac.Resource{},
		shared.AbilityManageSettings, shared.AbilityAccessSuperadmin)
	assert.Equal(t, map[string]bool{
		shared.AbilityManageSettings:   true,
		shared.AbilityAccessSuperadmin: false,
	}, got)
}

func TestCustomGateTable(t *testing.T) {
	store := rbactest.NewStore()
	ctx := context.Background()
	role, err := store.InsertRole(ctx, "auditor", rbac.DefaultGuard)
	require.NoError(t, err)
	require.NoError(t, store.SyncUserRoles(ctx, 7, []int64{role.ID}))

	gates := rbac.NewGateTable().Define("export", "report", rbac.RequireRole("auditor"))
	engine := rbac.NewEngine(rbac.NewCache(nil, store, 0, nil, nil), gates, nil, nil)

	ok, err := engine.Can(ctx, rbac.NewPrincipal(7), "export", rbac.KindOf("report"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, engine.Gates().Len())
}

func TestDecisionsAreCounted(t *testing.T) {
	f := standardFixture(t)
	reg := prometheus.NewRegistry()
	engine := rbac.NewEngine(rbac.NewCache(nil, f.store, 0, nil, nil), rbac.DefaultGates(), reg, nil)
	ctx := context.Background()

	require.NoError(t, engine.Authorize(ctx, rbac.NewPrincipal(editorID), shared.AbilityUpdate, rbac.KindOf(rbac.KindUser)))
	require.ErrorIs(t, engine.Authorize(ctx, rbac.NewPrincipal(editorID), shared.AbilityDelete, rbac.KindOf(rbac.KindUser)), shared.ErrForbidden)
	require.ErrorIs(t, engine.Authorize(ctx, rbac.NewPrincipal(superadminID), shared.AbilityDelete, rbac.UserResource(superadminID)), shared.ErrSelfAction)

	expected := `
# HELP backoffice_authz_decisions_total Authorization decisions by ability and outcome.
# TYPE backoffice_authz_decisions_total counter
backoffice_authz_decisions_total{ability="delete",outcome="denied"} 1
backoffice_authz_decisions_total{ability="delete",outcome="self_action"} 1
backoffice_authz_decisions_total{ability="update",outcome="allowed"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "backoffice_authz_decisions_total"))
}
