package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyrem/backoffice/internal/rbac"
	"github.com/skyrem/backoffice/internal/rbac/rbactest"
)

func useGenerator(t *testing.T, gen permissionGenerator) *bool {
	t.Helper()
	opened := false
	prev := openGenerator
	openGenerator = func(context.Context) (permissionGenerator, func(), error) {
		opened = true
		return gen, func() {}, nil
	}
	t.Cleanup(func() { openGenerator = prev })
	return &opened
}

func TestPermissionsGenerateCreatesThenSkips(t *testing.T) {
	store := rbactest.NewStore()
	useGenerator(t, rbac.NewGenerator(store, nil, nil))

	out, err := runCmd(t, "permissions", "generate", "--models=User,ProductCategory", "--actions=create,edit")
	require.NoError(t, err)
	assert.Contains(t, out, "User: 2 created, 0 skipped")
	assert.Contains(t, out, "  + create product-categories")
	assert.Contains(t, out, "Done: 4 created, 0 skipped (guard web)")

	out, err = runCmd(t, "permissions", "generate", "--models=User,ProductCategory", "--actions=create,edit")
	require.NoError(t, err)
	assert.Contains(t, out, "Done: 0 created, 4 skipped (guard web)")

	perms, err := store.ListPermissions(context.Background(), rbac.DefaultGuard)
	require.NoError(t, err)
	assert.Len(t, perms, 4)
}

func TestPermissionsGenerateDefaultActionsAndForce(t *testing.T) {
	store := rbactest.NewStore()
	useGenerator(t, rbac.NewGenerator(store, nil, nil))

	out, err := runCmd(t, "permissions", "generate", "--models=User")
	require.NoError(t, err)
	assert.Contains(t, out, "User: 4 created, 0 skipped")

	out, err = runCmd(t, "permissions", "generate", "--models=User", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "User: 4 created, 0 skipped")
}

func TestPermissionsGenerateSkipsInvalidModels(t *testing.T) {
	store := rbactest.NewStore()
	useGenerator(t, rbac.NewGenerator(store, nil, nil))

	out, err := runCmd(t, "permissions", "generate", "--models=9lives,User", "--actions=view", "--guard=api")
	require.NoError(t, err)
	assert.Contains(t, out, `Skipping "9lives"`)
	assert.Contains(t, out, "Done: 1 created, 0 skipped (guard api)")

	perms, err := store.ListPermissions(context.Background(), "api")
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.Equal(t, "view users", perms[0].Name)
}

func TestPermissionsGenerateWithoutModels(t *testing.T) {
	opened := useGenerator(t, nil)

	out, err := runCmd(t, "permissions", "generate")
	require.ErrorIs(t, err, errNoModels)
	assert.Contains(t, out, "backoffice permissions generate --models=User")
	assert.False(t, *opened)
}
