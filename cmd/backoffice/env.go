package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/skyrem/backoffice/internal/app"
	"github.com/skyrem/backoffice/internal/platform/cache"
	"github.com/skyrem/backoffice/internal/platform/db"
	"github.com/skyrem/backoffice/internal/rbac"
)

// toolEnv holds the connections shared by the maintenance commands.
type toolEnv struct {
	cfg    *app.Config
	logger *slog.Logger
	pool   *pgxpool.Pool
	redis  *redis.Client
}

// openToolEnv connects to Postgres and, when reachable, Redis. Without Redis
// permission changes are still written but running servers keep their cached
// snapshot until it expires.
func openToolEnv(ctx context.Context) (*toolEnv, error) {
	cfg, err := app.LoadToolConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.Database())
	if err != nil {
		return nil, err
	}
	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Warn("permission cache unavailable, servers refresh after PERMISSION_CACHE_TTL", slog.Any("error", err))
		redisClient = nil
	}
	return &toolEnv{cfg: cfg, logger: logger, pool: pool, redis: redisClient}, nil
}

func (e *toolEnv) permissionCache(store rbac.SnapshotLoader) *rbac.Cache {
	return rbac.NewCache(e.redis, store, e.cfg.PermissionCacheTTL, nil, e.logger)
}

func (e *toolEnv) Close() {
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			e.logger.Warn("redis close", slog.Any("error", err))
		}
	}
	e.pool.Close()
}
