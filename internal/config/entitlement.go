package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EntitlementConfig tunes caching, resolution and lifecycle sweeps.
type EntitlementConfig struct {
	CacheTTL          time.Duration `mapstructure:"cacheTTL"`
	ResolveTimeout    time.Duration `mapstructure:"resolveTimeout"`
	UpgradeURL        string        `mapstructure:"upgradeURL"`
	GracePeriodDays   int           `mapstructure:"gracePeriodDays"`
	SchedulerInterval time.Duration `mapstructure:"schedulerInterval"`
	SchedulerBatch    int           `mapstructure:"schedulerBatch"`
}

func DefaultEntitlementConfig() EntitlementConfig {
	return EntitlementConfig{
		CacheTTL:          5 * time.Minute,
		ResolveTimeout:    2 * time.Second,
		UpgradeURL:        "/billing/upgrade",
		GracePeriodDays:   7,
		SchedulerInterval: time.Minute,
		SchedulerBatch:    100,
	}
}

type EntitlementConfigHolder struct {
	current atomic.Value // holds EntitlementConfig
}

// NewStaticEntitlementConfigHolder returns a holder that never reloads.
func NewStaticEntitlementConfigHolder(cfg EntitlementConfig) *EntitlementConfigHolder {
	holder := &EntitlementConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewEntitlementConfigHolder(appCfg Config) (*EntitlementConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("entitlement")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/plangate/config")
	v.AddConfigPath("/etc/plangate")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PLANGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultEntitlementConfig()
	if appCfg.UpgradeURL != "" {
		defaults.UpgradeURL = appCfg.UpgradeURL
	}
	v.SetDefault("entitlement.cacheTTL", defaults.CacheTTL)
	v.SetDefault("entitlement.resolveTimeout", defaults.ResolveTimeout)
	v.SetDefault("entitlement.upgradeURL", defaults.UpgradeURL)
	v.SetDefault("entitlement.gracePeriodDays", defaults.GracePeriodDays)
	v.SetDefault("entitlement.schedulerInterval", defaults.SchedulerInterval)
	v.SetDefault("entitlement.schedulerBatch", defaults.SchedulerBatch)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg EntitlementConfig
	if err := v.UnmarshalKey("entitlement", &cfg); err != nil {
		return nil, err
	}
	if err := validateEntitlementConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticEntitlementConfigHolder(cfg)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated EntitlementConfig
		if err := v.UnmarshalKey("entitlement", &updated); err != nil {
			log.Printf("[entitlement-config] reload failed: %v", err)
			return
		}
		if err := validateEntitlementConfig(updated); err != nil {
			log.Printf("[entitlement-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[entitlement-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *EntitlementConfigHolder) Get() EntitlementConfig {
	return h.current.Load().(EntitlementConfig)
}

func validateEntitlementConfig(cfg EntitlementConfig) error {
	if cfg.CacheTTL <= 0 {
		return errors.New("entitlement.cacheTTL must be positive")
	}
	if cfg.ResolveTimeout <= 0 {
		return errors.New("entitlement.resolveTimeout must be positive")
	}
	if cfg.GracePeriodDays < 0 {
		return errors.New("entitlement.gracePeriodDays cannot be negative")
	}
	if cfg.SchedulerInterval <= 0 {
		return errors.New("entitlement.schedulerInterval must be positive")
	}
	if cfg.SchedulerBatch <= 0 {
		return errors.New("entitlement.schedulerBatch must be positive")
	}
	return nil
}
