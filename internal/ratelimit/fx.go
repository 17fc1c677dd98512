package ratelimit

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/plangate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	sweepInterval = time.Minute
	bucketIdleTTL = 10 * time.Minute
)

type LimiterParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
	Redis     *redis.Client `optional:"true"`
}

var Module = fx.Module("rate.limit",
	fx.Provide(NewModuleLimiter),
)

// NewModuleLimiter builds the usage limiter and, for in-process buckets, runs
// the idle sweep for the lifetime of the app.
func NewModuleLimiter(p LimiterParams) (*UsageLimiter, error) {
	log := p.Log.Named("ratelimit")
	limiter, err := NewUsageLimiter(p.Config, p.Redis, log)
	if err != nil {
		return nil, err
	}
	if !limiter.Enabled() || limiter.local == nil {
		return limiter, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				ticker := time.NewTicker(sweepInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						remaining := limiter.SweepIdle(bucketIdleTTL)
						log.Debug("swept idle usage buckets", zap.Int("remaining", remaining))
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
	return limiter, nil
}
