package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	entitlementdomain "github.com/smallbiznis/plangate/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/plangate/internal/observability/metrics"
	"go.uber.org/zap"
)

type invalidationMessage struct {
	TenantID string `json:"tenant_id"`
	Origin   string `json:"origin"`
}

// Broadcasting wraps a process-local cache so an invalidation in one process
// evicts the tenant in every process subscribed to the same channel.
type Broadcasting struct {
	local   EntitlementCache
	client  *redis.Client
	channel string
	origin  string
	log     *zap.Logger
	metrics *obsmetrics.EntitlementMetrics
}

func NewBroadcasting(local EntitlementCache, client *redis.Client, channel string, log *zap.Logger) *Broadcasting {
	return &Broadcasting{
		local:   local,
		client:  client,
		channel: strings.TrimSpace(channel),
		origin:  uuid.NewString(),
		log:     log.Named("cache.broadcast"),
		metrics: obsmetrics.Entitlement(),
	}
}

func (b *Broadcasting) Get(ctx context.Context, tenantID string) (entitlementdomain.Entitlement, bool) {
	return b.local.Get(ctx, tenantID)
}

func (b *Broadcasting) Put(ctx context.Context, tenantID string, entitlement entitlementdomain.Entitlement, ttl time.Duration) error {
	return b.local.Put(ctx, tenantID, entitlement, ttl)
}

func (b *Broadcasting) Generation(ctx context.Context, tenantID string) (uint64, error) {
	return b.local.Generation(ctx, tenantID)
}

// PutIfGeneration guards against invalidations this process has seen. A
// remote invalidation still in flight can race it until the message lands.
func (b *Broadcasting) PutIfGeneration(ctx context.Context, tenantID string, gen uint64, entitlement entitlementdomain.Entitlement, ttl time.Duration) (bool, error) {
	return b.local.PutIfGeneration(ctx, tenantID, gen, entitlement, ttl)
}

// Invalidate evicts locally first, then publishes. A publish failure is
// returned so the caller knows other processes may still serve the stale
// entry until its TTL elapses.
func (b *Broadcasting) Invalidate(ctx context.Context, tenantID string) error {
	if err := b.local.Invalidate(ctx, tenantID); err != nil {
		return err
	}
	tenant := tenantKey(tenantID)
	if tenant == "" {
		return nil
	}
	payload, err := json.Marshal(invalidationMessage{TenantID: tenant, Origin: b.origin})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Run evicts local entries named by messages from other processes until ctx
// is cancelled.
func (b *Broadcasting) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	b.log.Info("subscribed to invalidation channel", zap.String("channel", b.channel))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			b.handleMessage(ctx, msg.Payload)
		}
	}
}

func (b *Broadcasting) handleMessage(ctx context.Context, payload string) {
	var msg invalidationMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		b.log.Warn("discarding malformed invalidation message", zap.Error(err))
		return
	}
	if msg.Origin == b.origin || tenantKey(msg.TenantID) == "" {
		return
	}
	if err := b.local.Invalidate(ctx, msg.TenantID); err != nil {
		b.log.Error("failed to evict tenant", zap.String("tenant_id", msg.TenantID), zap.Error(err))
		return
	}
	b.metrics.IncCacheInvalidation(obsmetrics.InvalidationSourceRemote)
	b.log.Debug("evicted tenant on remote invalidation", zap.String("tenant_id", msg.TenantID))
}
