package cache

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/plangate/internal/clock"
	"github.com/smallbiznis/plangate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const backendRedis = "redis"

var Module = fx.Module("cache",
	fx.Provide(NewRedisClient),
	fx.Provide(NewEntitlementCache),
)

// NewRedisClient returns nil when Redis is not configured.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	if !cfg.Redis.Enabled() {
		log.Info("redis disabled, using in-process entitlement cache")
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn("redis ping failed", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

type CacheParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
	Clock     clock.Clock
	Redis     *redis.Client `optional:"true"`
}

// NewEntitlementCache selects the cache backend from configuration. With
// Redis and the memory backend, the local cache is wrapped in Broadcasting and
// its subscriber runs for the lifetime of the app.
func NewEntitlementCache(p CacheParams) EntitlementCache {
	local := NewMemoryEntitlementCache(p.Clock)
	if p.Redis == nil {
		return local
	}
	if p.Config.Redis.CacheBackend == backendRedis {
		return NewRedisEntitlementCache(p.Redis, p.Config.Redis.KeyPrefix, p.Log)
	}

	broadcasting := NewBroadcasting(local, p.Redis, p.Config.Redis.InvalidateChannel, p.Log)
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := broadcasting.Run(runCtx); err != nil {
					p.Log.Error("invalidation subscriber stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
			}
			return nil
		},
	})
	return broadcasting
}
