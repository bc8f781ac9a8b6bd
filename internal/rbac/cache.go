package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	cachePrefix = "rbac:permissions"
	// DefaultCacheTTL bounds how long an untouched snapshot survives in Redis.
	DefaultCacheTTL = 24 * time.Hour
)

// SnapshotLoader reads a fresh snapshot from the system of record.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, guard string) (Snapshot, error)
}

// Cache keeps one role/permission snapshot per guard in Redis.
//
// Every guard has a version counter; the snapshot key embeds the version, so
// Forget only needs to bump the counter for all readers to miss. A reader that
// loaded from the store before the bump writes under the old version and is
// never consulted again.
type Cache struct {
	client *redis.Client
	loader SnapshotLoader
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group

	lookups *prometheus.CounterVec
	forgets *prometheus.CounterVec
}

// NewCache builds the cache. A nil client disables caching and reads go straight to loader.
func NewCache(client *redis.Client, loader SnapshotLoader, ttl time.Duration, reg prometheus.Registerer, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		client: client,
		loader: loader,
		ttl:    ttl,
		logger: logger,
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backoffice_permission_cache_lookups_total",
			Help: "Permission cache lookups by guard and result.",
		}, []string{"guard", "result"}),
		forgets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backoffice_permission_cache_invalidations_total",
			Help: "Permission cache invalidations by guard.",
		}, []string{"guard"}),
	}
	if reg != nil {
		for _, col := range []prometheus.Collector{c.lookups, c.forgets} {
			if err := reg.Register(col); err != nil {
				var already prometheus.AlreadyRegisteredError
				if !errors.As(err, &already) {
					logger.Warn("permission cache metrics not registered", slog.Any("error", err))
				}
			}
		}
	}
	return c
}

func versionKey(guard string) string {
	return cachePrefix + ":" + guard + ":version"
}

func snapshotKey(guard string, version int64) string {
	return cachePrefix + ":" + guard + ":v" + strconv.FormatInt(version, 10)
}

// Version returns the current snapshot version for guard, starting at zero.
func (c *Cache) Version(ctx context.Context, guard string) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, versionKey(guard)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rbac cache: version: %w", err)
	}
	return ver, nil
}

// Snapshot returns the role/permission snapshot of guard, loading it on a miss.
func (c *Cache) Snapshot(ctx context.Context, guard string) (Snapshot, error) {
	if guard == "" {
		guard = DefaultGuard
	}
	if c == nil || c.client == nil {
		return c.loadDirect(ctx, guard)
	}

	ver, err := c.Version(ctx, guard)
	if err != nil {
		c.logger.Warn("permission cache unavailable, reading store", slog.String("guard", guard), slog.Any("error", err))
		return c.loadDirect(ctx, guard)
	}
	key := snapshotKey(guard, ver)

	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var snap Snapshot
		if jsonErr := json.Unmarshal(payload, &snap); jsonErr == nil {
			c.lookups.WithLabelValues(guard, "hit").Inc()
			return snap, nil
		}
		c.logger.Warn("permission cache entry corrupt", slog.String("key", key))
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("permission cache read failed, reading store", slog.String("guard", guard), slog.Any("error", err))
		return c.loadDirect(ctx, guard)
	}
	c.lookups.WithLabelValues(guard, "miss").Inc()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Shared by every caller waiting on key; one cancelled request must not fail the rest.
		ctx := context.WithoutCancel(ctx)
		snap, err := c.loader.LoadSnapshot(ctx, guard)
		if err != nil {
			return Snapshot{}, err
		}
		raw, err := json.Marshal(snap)
		if err != nil {
			return Snapshot{}, fmt.Errorf("rbac cache: encode: %w", err)
		}
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			c.logger.Warn("permission cache write failed", slog.String("key", key), slog.Any("error", err))
		}
		return snap, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

// Grants resolves the effective roles and permissions of principal.
func (c *Cache) Grants(ctx context.Context, principal Principal) (Grants, error) {
	snap, err := c.Snapshot(ctx, principal.guard())
	if err != nil {
		return Grants{}, err
	}
	return snap.GrantsFor(principal.UserID), nil
}

// Forget drops the snapshot of guard. It must run after the mutating transaction commits.
//
// When the version bump fails the current snapshot key is deleted instead. If
// Redis rejects that too, readers keep the old snapshot until it expires
// after the cache TTL.
func (c *Cache) Forget(ctx context.Context, guard string) error {
	if guard == "" {
		guard = DefaultGuard
	}
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, versionKey(guard)).Result()
	if err != nil {
		if dropErr := c.dropCurrent(ctx, guard); dropErr != nil {
			c.logger.Error("permission cache stale until expiry", slog.String("guard", guard), slog.Duration("ttl", c.ttl), slog.Any("error", dropErr))
		}
		return fmt.Errorf("rbac cache: forget %s: %w", guard, err)
	}
	c.forgets.WithLabelValues(guard).Inc()
	if err := c.client.Del(ctx, snapshotKey(guard, ver-1)).Err(); err != nil {
		c.logger.Warn("permission cache stale entry not removed", slog.String("guard", guard), slog.Any("error", err))
	}
	return nil
}

func (c *Cache) dropCurrent(ctx context.Context, guard string) error {
	ver, err := c.Version(ctx, guard)
	if err != nil {
		return err
	}
	if err := c.client.Del(ctx, snapshotKey(guard, ver)).Err(); err != nil {
		return fmt.Errorf("rbac cache: drop %s: %w", guard, err)
	}
	return nil
}

func (c *Cache) loadDirect(ctx context.Context, guard string) (Snapshot, error) {
	if c == nil || c.loader == nil {
		return Snapshot{}, errors.New("rbac cache: loader required")
	}
	return c.loader.LoadSnapshot(ctx, guard)
}
