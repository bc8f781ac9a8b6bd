package main

import (
	"bytes"
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyrem/backoffice/internal/rbac"
	"github.com/skyrem/backoffice/internal/rbac/rbactest"
	"github.com/skyrem/backoffice/internal/shared"
	"github.com/skyrem/backoffice/internal/users"
)

type fakeAdmins struct {
	created []users.CreateInput
	taken   map[string]bool
}

func (f *fakeAdmins) CreateUser(_ context.Context, in users.CreateInput) (users.User, error) {
	if f.taken[in.Email] {
		return users.User{}, shared.NewValidationError("email", "The email has already been taken.")
	}
	f.created = append(f.created, in)
	if f.taken == nil {
		f.taken = map[string]bool{}
	}
	f.taken[in.Email] = true
	return users.User{ID: int64(len(f.created)), Name: in.Name, Email: in.Email}, nil
}

func newTestSeeder(store *rbactest.Store, admins adminCreator) (*seeder, *bytes.Buffer) {
	var out bytes.Buffer
	return &seeder{
		permissions: rbac.NewGenerator(store, nil, nil),
		roles:       rbac.NewService(store, nil, nil, nil),
		users:       admins,
		out:         &out,
	}, &out
}

func TestSeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := rbactest.NewStore()
	s, out := newTestSeeder(store, nil)

	require.NoError(t, s.run(ctx, seedOptions{guard: rbac.DefaultGuard}))
	assert.Contains(t, out.String(), "Permissions: 8 created, 0 already present")
	assert.Contains(t, out.String(), "Role content-manager created with 3 permission(s)")

	out.Reset()
	require.NoError(t, s.run(ctx, seedOptions{guard: rbac.DefaultGuard}))
	assert.Contains(t, out.String(), "Permissions: 0 created, 8 already present")
	assert.Contains(t, out.String(), "Role superadmin exists")

	roles, err := store.ListRoles(ctx)
	require.NoError(t, err)
	assert.Len(t, roles, 3)
}

func TestSeedForceRecreatesPermissions(t *testing.T) {
	ctx := context.Background()
	store := rbactest.NewStore()
	s, _ := newTestSeeder(store, nil)
	require.NoError(t, s.run(ctx, seedOptions{}))

	before, err := store.FindPermissionByName(ctx, "view telescope", rbac.DefaultGuard)
	require.NoError(t, err)

	require.NoError(t, s.run(ctx, seedOptions{force: true}))
	after, err := store.FindPermissionByName(ctx, "view telescope", rbac.DefaultGuard)
	require.NoError(t, err)
	assert.NotEqual(t, before.ID, after.ID)

	_, err = store.FindPermissionByName(ctx, "view horizon", rbac.DefaultGuard)
	assert.NoError(t, err)
}

func TestSeedCreatesSuperadminOnce(t *testing.T) {
	ctx := context.Background()
	store := rbactest.NewStore()
	admins := &fakeAdmins{}
	s, out := newTestSeeder(store, admins)

	opts := seedOptions{adminName: "Root", adminEmail: "root@example.com"}
	require.NoError(t, s.run(ctx, opts))
	require.Len(t, admins.created, 1)

	superadmin, err := store.FindRoleByName(ctx, rbac.RoleSuperadmin, rbac.DefaultGuard)
	require.NoError(t, err)
	assert.Equal(t, []string{strconv.FormatInt(superadmin.ID, 10)}, admins.created[0].RoleIDs)
	assert.Contains(t, out.String(), "Admin root@example.com created")

	require.NoError(t, s.run(ctx, opts))
	assert.Len(t, admins.created, 1)
	assert.Contains(t, out.String(), "Admin root@example.com already exists, skipped")
}

func TestConsoleMailerPrintsCredentials(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, consoleMailer{out: &out}.SendWelcome(context.Background(), "Root", "root@example.com", "Xy7!secretpass"))
	assert.Contains(t, out.String(), "Credentials for Root <root@example.com>: Xy7!secretpass")
}
