package scheduler

import (
	"time"

	"github.com/smallbiznis/plangate/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	JobTimeout  time.Duration
	// MaxRounds caps how many batches one job run drains.
	MaxRounds   int
	Concurrency int
	EnabledJobs []string
	KeyPrefix   string
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Minute,
		BatchSize:   100,
		JobTimeout:  30 * time.Second,
		MaxRounds:   10,
		Concurrency: 4,
		KeyPrefix:   "plangate",
	}
}

// ProvideConfig reads the sweep interval and batch size from the entitlement
// settings and the job selection from the environment.
func ProvideConfig(cfg config.Config, holder *config.EntitlementConfigHolder) Config {
	out := Config{
		EnabledJobs: cfg.SchedulerJobs,
		KeyPrefix:   cfg.Redis.KeyPrefix,
	}
	if holder != nil {
		current := holder.Get()
		out.RunInterval = current.SchedulerInterval
		out.BatchSize = current.SchedulerBatch
	}
	return out.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = defaults.MaxRounds
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.Concurrency
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaults.KeyPrefix
	}
	return c
}
