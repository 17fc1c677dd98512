package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/plangate/internal/clock"
	entitlementdomain "github.com/smallbiznis/plangate/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/plangate/internal/observability/metrics"
)

// EntitlementCache stores resolved entitlements by tenant. Entries are never
// authoritative and may be dropped at any time.
type EntitlementCache interface {
	Get(ctx context.Context, tenantID string) (entitlementdomain.Entitlement, bool)
	Put(ctx context.Context, tenantID string, entitlement entitlementdomain.Entitlement, ttl time.Duration) error
	Invalidate(ctx context.Context, tenantID string) error

	// Generation returns a counter bumped by every invalidation of tenantID.
	Generation(ctx context.Context, tenantID string) (uint64, error)
	// PutIfGeneration stores entitlement only when tenantID has not been
	// invalidated since gen was read. It reports whether the entry was stored.
	PutIfGeneration(ctx context.Context, tenantID string, gen uint64, entitlement entitlementdomain.Entitlement, ttl time.Duration) (bool, error)
}

type memoryEntitlementCache struct {
	mu          sync.Mutex
	generations map[string]uint64
	entries     Cache[string, entitlementdomain.Entitlement]
}

// NewMemoryEntitlementCache returns a process-local entitlement cache.
func NewMemoryEntitlementCache(clk clock.Clock) EntitlementCache {
	return &memoryEntitlementCache{
		generations: make(map[string]uint64),
		entries:     NewTTLCacheWithClock[string, entitlementdomain.Entitlement](clk),
	}
}

func (c *memoryEntitlementCache) Get(_ context.Context, tenantID string) (entitlementdomain.Entitlement, bool) {
	key := tenantKey(tenantID)
	if key == "" {
		return entitlementdomain.Entitlement{}, false
	}
	return c.entries.Get(key)
}

func (c *memoryEntitlementCache) Put(_ context.Context, tenantID string, entitlement entitlementdomain.Entitlement, ttl time.Duration) error {
	key := tenantKey(tenantID)
	if key == "" {
		return nil
	}
	c.entries.Set(key, entitlement, ttl)
	return nil
}

func (c *memoryEntitlementCache) Invalidate(_ context.Context, tenantID string) error {
	key := tenantKey(tenantID)
	if key == "" {
		return nil
	}
	c.mu.Lock()
	c.generations[key]++
	c.entries.Delete(key)
	c.mu.Unlock()
	return nil
}

func (c *memoryEntitlementCache) Generation(_ context.Context, tenantID string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[tenantKey(tenantID)], nil
}

func (c *memoryEntitlementCache) PutIfGeneration(_ context.Context, tenantID string, gen uint64, entitlement entitlementdomain.Entitlement, ttl time.Duration) (bool, error) {
	key := tenantKey(tenantID)
	if key == "" {
		return false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[key] != gen {
		return false, nil
	}
	c.entries.Set(key, entitlement, ttl)
	return true, nil
}

// tenantKey trims tenantID. Tenant ids are opaque and compared case-sensitively.
func tenantKey(tenantID string) string {
	return strings.TrimSpace(tenantID)
}

// cacheKey joins non-empty parts with ":" for use as a shared store key.
func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, trimmed)
	}
	return strings.Join(values, ":")
}

// InvalidateTenant evicts tenantID from c and counts the invalidation.
func InvalidateTenant(ctx context.Context, c EntitlementCache, tenantID string) error {
	if err := c.Invalidate(ctx, tenantID); err != nil {
		return err
	}
	obsmetrics.Entitlement().IncCacheInvalidation(obsmetrics.InvalidationSourceLocal)
	return nil
}
