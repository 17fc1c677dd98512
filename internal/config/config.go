package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	LogLevel    string
	LogFormat   string
	HTTPAddr    string

	OTLPEndpoint     string
	OTLPProtocol     string
	TracingEnabled   bool
	TraceSampleRatio float64

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBMigrate         bool
	SeedDefaultPlans  bool

	Redis     RedisConfig
	RateLimit RateLimitConfig

	SchedulerEnabled bool
	SchedulerJobs    []string

	UpgradeURL string
	NodeID     int64
}

// RedisConfig configures the shared cache, invalidation bus and scheduler locks.
// An empty Addr selects the in-process cache and disables distributed locking.
type RedisConfig struct {
	Addr              string
	Password          string
	DB                int
	KeyPrefix         string
	InvalidateChannel string
	// CacheBackend is "memory" (per-process cache, invalidations broadcast
	// over pub/sub) or "redis" (one cache shared by every process).
	CacheBackend      string
}

// RateLimitConfig throttles usage metering per tenant. Buckets live in Redis
// when it is configured and in process memory otherwise.
type RateLimitConfig struct {
	Enabled        bool
	TenantRate     float64
	TenantBurst    int
	LockTTLSeconds int
}

func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:        getenv("APP_SERVICE", "plangate"),
		AppVersion:     getenv("APP_VERSION", "0.1.0"),
		Environment:    getenv("ENVIRONMENT", "development"),
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:      strings.ToLower(getenv("LOG_FORMAT", "json")),
		HTTPAddr:       getenv("HTTP_ADDR", ":8080"),

		OTLPEndpoint:     getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),
		OTLPProtocol:     strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
		TracingEnabled:   getenvBool("OTEL_ENABLED", getenvBool("TRACING_ENABLED", false)),
		TraceSampleRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "plangate"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),
		DBMigrate:         getenvBool("DATABASE_MIGRATE", true),
		SeedDefaultPlans:  getenvBool("SEED_DEFAULT_PLANS", true),

		Redis: RedisConfig{
			Addr:              strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password:          strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:                getenvInt("REDIS_DB", 0),
			KeyPrefix:         getenv("REDIS_KEY_PREFIX", "plangate"),
			InvalidateChannel: getenv("REDIS_INVALIDATE_CHANNEL", "plangate:entitlements:invalidate"),
			CacheBackend:      strings.ToLower(getenv("ENTITLEMENT_CACHE_BACKEND", "memory")),
		},

		RateLimit: RateLimitConfig{
			Enabled:        getenvBool("USAGE_RATE_LIMIT_ENABLED", true),
			TenantRate:     getenvFloat("USAGE_RATE_LIMIT_RATE", 50),
			TenantBurst:    getenvInt("USAGE_RATE_LIMIT_BURST", 100),
			LockTTLSeconds: getenvInt("USAGE_RATE_LIMIT_LOCK_TTL_SECONDS", 5),
		},

		SchedulerEnabled: getenvBool("SCHEDULER_ENABLED", true),
		SchedulerJobs:    getenvList("SCHEDULER_JOBS"),

		UpgradeURL: strings.TrimSpace(getenv("UPGRADE_URL", "")),
		NodeID:     getenvInt64("SNOWFLAKE_NODE", 1),
	}
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

// ConnMaxLifetime returns the configured pool lifetime.
func (c Config) ConnMaxLifetime() time.Duration {
	return time.Duration(c.DBConnMaxLifetime) * time.Second
}

// ConnMaxIdleTime returns the configured pool idle time.
func (c Config) ConnMaxIdleTime() time.Duration {
	return time.Duration(c.DBConnMaxIdleTime) * time.Second
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewEntitlementConfigHolder),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
}
