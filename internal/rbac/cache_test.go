package rbac_test

import (
	"context"
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyrem/backoffice/internal/rbac"
	"github.com/skyrem/backoffice/internal/rbac/rbactest"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func seededStore(t *testing.T) (*rbactest.Store, int64) {
	t.Helper()
	ctx := context.Background()
	store := rbactest.NewStore()
	perm, err := store.InsertPermission(ctx, "view_users", "web")
	require.NoError(t, err)
	role, err := store.InsertRole(ctx, "viewer", "web")
	require.NoError(t, err)
	require.NoError(t, store.SyncRolePermissions(ctx, role.ID, []int64{perm.ID}))
	require.NoError(t, store.SyncUserRoles(ctx, 42, []int64{role.ID}))
	return store, role.ID
}

func TestCacheSnapshotLoadsOnceThenHits(t *testing.T) {
	mr, client := newRedis(t)
	store, _ := seededStore(t)
	cache := rbac.NewCache(client, store, 0, nil, nil)
	ctx := context.Background()

	snap, err := cache.Snapshot(ctx, "web")
	require.NoError(t, err)
	assert.True(t, snap.GrantsFor(42).HasPermission("view_users"))
	assert.Equal(t, 1, store.Loads)
	assert.True(t, mr.Exists("rbac:permissions:web:v0"))

	_, err = cache.Snapshot(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, 1, store.Loads)

	ttl := mr.TTL("rbac:permissions:web:v0")
	assert.Equal(t, rbac.DefaultCacheTTL, ttl)
}

func TestCacheForgetBumpsVersionAndDropsEntry(t *testing.T) {
	mr, client := newRedis(t)
	store, _ := seededStore(t)
	cache := rbac.NewCache(client, store, 0, nil, nil)
	ctx := context.Background()

	_, err := cache.Snapshot(ctx, "web")
	require.NoError(t, err)
	require.NoError(t, cache.Forget(ctx, "web"))

	assert.False(t, mr.Exists("rbac:permissions:web:v0"))
	ver, err := cache.Version(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ver)

	_, err = cache.Snapshot(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, 2, store.Loads)
	assert.True(t, mr.Exists("rbac:permissions:web:v1"))
}

func TestCacheStaleWriteIsNeverRead(t *testing.T) {
	mr, client := newRedis(t)
	store, roleID := seededStore(t)
	cache := rbac.NewCache(client, store, 0, nil, nil)
	ctx := context.Background()

	// A slow reader writing pre-mutation data under the old version after the bump.
	require.NoError(t, cache.Forget(ctx, "web"))
	require.NoError(t, mr.Set("rbac:permissions:web:v0", `{"guard":"web","roles":{},"users":{}}`))

	require.NoError(t, store.SyncRolePermissions(ctx, roleID, nil))
	require.NoError(t, cache.Forget(ctx, "web"))

	snap, err := cache.Snapshot(ctx, "web")
	require.NoError(t, err)
	assert.False(t, snap.GrantsFor(42).HasPermission("view_users"))
	assert.Equal(t, []string{"viewer"}, snap.GrantsFor(42).Roles)
}

func TestCacheGuardsAreIndependent(t *testing.T) {
	_, client := newRedis(t)
	store, _ := seededStore(t)
	cache := rbac.NewCache(client, store, 0, nil, nil)
	ctx := context.Background()

	_, err := cache.Snapshot(ctx, "web")
	require.NoError(t, err)
	_, err = cache.Snapshot(ctx, "api")
	require.NoError(t, err)
	require.NoError(t, cache.Forget(ctx, "api"))

	_, err = cache.Snapshot(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, 2, store.Loads)
}

func TestCacheWithoutRedisReadsStore(t *testing.T) {
	store, _ := seededStore(t)
	cache := rbac.NewCache(nil, store, 0, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		grants, err := cache.Grants(ctx, rbac.NewPrincipal(42))
		require.NoError(t, err)
		assert.True(t, grants.HasPermission("view_users"))
	}
	assert.Equal(t, 3, store.Loads)
	assert.NoError(t, cache.Forget(ctx, "web"))
}

func TestCacheFallsBackWhenRedisDown(t *testing.T) {
	mr, client := newRedis(t)
	store, _ := seededStore(t)
	cache := rbac.NewCache(client, store, 0, nil, nil)
	mr.Close()

	snap, err := cache.Snapshot(context.Background(), "web")
	require.NoError(t, err)
	assert.True(t, snap.GrantsFor(42).HasRole("viewer"))
	assert.Error(t, cache.Forget(context.Background(), "web"))
}

func TestCacheMetrics(t *testing.T) {
	_, client := newRedis(t)
	store, _ := seededStore(t)
	reg := prometheus.NewRegistry()
	cache := rbac.NewCache(client, store, 0, reg, nil)
	ctx := context.Background()

	_, err := cache.Snapshot(ctx, "web")
	require.NoError(t, err)
	_, err = cache.Snapshot(ctx, "web")
	require.NoError(t, err)
	require.NoError(t, cache.Forget(ctx, "web"))

	count, err := testutil.GatherAndCount(reg, "backoffice_permission_cache_lookups_total", "backoffice_permission_cache_invalidations_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

// failingIncr rejects INCR commands and passes everything else through.
type failingIncr struct{}

func (failingIncr) DialHook(next redis.DialHook) redis.DialHook { return next }

func (failingIncr) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == "incr" {
			err := errors.New("connection reset by peer")
			cmd.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

func (failingIncr) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestCacheForgetDropsSnapshotWhenVersionBumpFails(t *testing.T) {
	mr, client := newRedis(t)
	store, roleID := seededStore(t)
	cache := rbac.NewCache(client, store, 0, nil, nil)
	ctx := context.Background()

	_, err := cache.Snapshot(ctx, "web")
	require.NoError(t, err)
	require.True(t, mr.Exists("rbac:permissions:web:v0"))

	client.AddHook(failingIncr{})
	require.NoError(t, store.SyncRolePermissions(ctx, roleID, nil))
	assert.ErrorContains(t, cache.Forget(ctx, "web"), "connection reset")
	assert.False(t, mr.Exists("rbac:permissions:web:v0"))

	snap, err := cache.Snapshot(ctx, "web")
	require.NoError(t, err)
	assert.False(t, snap.GrantsFor(42).HasPermission("view_users"))
	assert.Equal(t, 2, store.Loads)
}

// gatedLoader parks LoadSnapshot until release is closed.
type gatedLoader struct {
	store   *rbactest.Store
	entered chan struct{}
	release chan struct{}
}

func (l *gatedLoader) LoadSnapshot(ctx context.Context, guard string) (rbac.Snapshot, error) {
	close(l.entered)
	<-l.release
	if err := ctx.Err(); err != nil {
		return rbac.Snapshot{}, err
	}
	return l.store.LoadSnapshot(ctx, guard)
}

func TestCacheSharedLoadOutlivesCancelledCaller(t *testing.T) {
	mr, client := newRedis(t)
	store, _ := seededStore(t)
	loader := &gatedLoader{store: store, entered: make(chan struct{}), release: make(chan struct{})}
	cache := rbac.NewCache(client, loader, 0, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		snap rbac.Snapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := cache.Snapshot(ctx, "web")
		done <- result{snap: snap, err: err}
	}()

	<-loader.entered
	cancel()
	close(loader.release)

	got := <-done
	require.NoError(t, got.err)
	assert.True(t, got.snap.GrantsFor(42).HasPermission("view_users"))
	assert.True(t, mr.Exists("rbac:permissions:web:v0"))
}
