package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	entitlementdomain "github.com/smallbiznis/plangate/internal/entitlement/domain"
	"go.uber.org/zap"
)

// putIfGenerationScript sets KEYS[1] only while the generation counter in
// KEYS[2] still equals ARGV[1].
const putIfGenerationScript = `
local current = redis.call("GET", KEYS[2]) or "0"
if current ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`

type redisEntitlementCache struct {
	client    *redis.Client
	keyPrefix string
	log       *zap.Logger
	putScript *redis.Script
}

// NewRedisEntitlementCache returns an entitlement cache shared by every
// process connected to client. Values are JSON with a server-side expiry.
func NewRedisEntitlementCache(client *redis.Client, keyPrefix string, log *zap.Logger) EntitlementCache {
	return &redisEntitlementCache{
		client:    client,
		keyPrefix: keyPrefix,
		log:       log.Named("cache.redis"),
		putScript: redis.NewScript(putIfGenerationScript),
	}
}

func (c *redisEntitlementCache) Get(ctx context.Context, tenantID string) (entitlementdomain.Entitlement, bool) {
	key := c.key(tenantID)
	if key == "" {
		return entitlementdomain.Entitlement{}, false
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("entitlement cache read failed", zap.String("tenant_id", tenantID), zap.Error(err))
		}
		return entitlementdomain.Entitlement{}, false
	}
	entitlement, err := decodeEntitlement(payload)
	if err != nil {
		c.log.Warn("entitlement cache entry unreadable", zap.String("tenant_id", tenantID), zap.Error(err))
		return entitlementdomain.Entitlement{}, false
	}
	return entitlement, true
}

func (c *redisEntitlementCache) Put(ctx context.Context, tenantID string, entitlement entitlementdomain.Entitlement, ttl time.Duration) error {
	key := c.key(tenantID)
	if key == "" || ttl <= 0 {
		return nil
	}
	payload, err := encodeEntitlement(entitlement)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

func (c *redisEntitlementCache) Invalidate(ctx context.Context, tenantID string) error {
	key := c.key(tenantID)
	if key == "" {
		return nil
	}
	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, generationKey(key))
	pipe.Del(ctx, key)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *redisEntitlementCache) Generation(ctx context.Context, tenantID string) (uint64, error) {
	key := c.key(tenantID)
	if key == "" {
		return 0, nil
	}
	gen, err := c.client.Get(ctx, generationKey(key)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *redisEntitlementCache) PutIfGeneration(ctx context.Context, tenantID string, gen uint64, entitlement entitlementdomain.Entitlement, ttl time.Duration) (bool, error) {
	key := c.key(tenantID)
	if key == "" || ttl <= 0 {
		return false, nil
	}
	payload, err := encodeEntitlement(entitlement)
	if err != nil {
		return false, err
	}
	stored, err := c.putScript.Run(ctx, c.client,
		[]string{key, generationKey(key)},
		strconv.FormatUint(gen, 10), payload, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return stored == 1, nil
}

func (c *redisEntitlementCache) key(tenantID string) string {
	return EntitlementKey(c.keyPrefix, tenantID)
}

// EntitlementKey returns the shared store key for tenantID, or "" when
// tenantID is blank.
func EntitlementKey(prefix, tenantID string) string {
	tenant := tenantKey(tenantID)
	if tenant == "" {
		return ""
	}
	return cacheKey(prefix, "entitlement", tenant)
}

func generationKey(entitlementKey string) string {
	return entitlementKey + ":gen"
}

func encodeEntitlement(entitlement entitlementdomain.Entitlement) ([]byte, error) {
	return json.Marshal(entitlement)
}

func decodeEntitlement(payload []byte) (entitlementdomain.Entitlement, error) {
	var entitlement entitlementdomain.Entitlement
	if err := json.Unmarshal(payload, &entitlement); err != nil {
		return entitlementdomain.Entitlement{}, err
	}
	return entitlement, nil
}
