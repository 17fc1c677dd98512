package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/plangate/internal/cache"
	"github.com/smallbiznis/plangate/internal/clock"
	"github.com/smallbiznis/plangate/internal/config"
	entitlementdomain "github.com/smallbiznis/plangate/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/plangate/internal/observability/metrics"
	plandomain "github.com/smallbiznis/plangate/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/plangate/internal/subscription/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	failureReasonTimeout = "timeout"
	failureReasonStore   = "store"
)

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Cache         cache.EntitlementCache
	Subscriptions subscriptiondomain.Service
	SubRepo       subscriptiondomain.Repository
	PlanRepo      plandomain.Repository
	Entitlements  *config.EntitlementConfigHolder
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	clock         clock.Clock
	cache         cache.EntitlementCache
	subscriptions subscriptiondomain.Service
	subRepo       subscriptiondomain.Repository
	planRepo      plandomain.Repository
	entitlements  *config.EntitlementConfigHolder
}

func NewService(p ServiceParam) entitlementdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("entitlement.service"),

		clock:         p.Clock,
		cache:         p.Cache,
		subscriptions: p.Subscriptions,
		subRepo:       p.SubRepo,
		planRepo:      p.PlanRepo,
		entitlements:  p.Entitlements,
	}
}

// Resolve serves a fresh cached entitlement or resolves one from the store.
// Store errors and timeouts are returned wrapped in ErrResolutionFailure and
// must deny.
func (s *Service) Resolve(ctx context.Context, tenantID string) (entitlementdomain.Entitlement, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return entitlementdomain.Entitlement{}, entitlementdomain.ErrInvalidTenant
	}

	begin := time.Now()
	if cached, ok := s.cache.Get(ctx, tenantID); ok && !cached.IsExpired(s.clock.Now()) {
		obsmetrics.Entitlement().IncCacheLookup(obsmetrics.CacheResultHit)
		obsmetrics.Entitlement().ObserveResolve(obsmetrics.ResolveSourceCache, time.Since(begin))
		return cached, nil
	}
	obsmetrics.Entitlement().IncCacheLookup(obsmetrics.CacheResultMiss)

	cfg := s.entitlements.Get()
	ctx, span := otel.Tracer("plangate/entitlement").Start(ctx, "entitlement.resolve")
	span.SetAttributes(attribute.String("tenant.id", tenantID))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, cfg.ResolveTimeout)
	defer cancel()

	ent, err := s.resolveFromStore(ctx, tenantID, cfg.CacheTTL)
	obsmetrics.Entitlement().ObserveResolve(obsmetrics.ResolveSourceStore, time.Since(begin))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, entitlementdomain.ErrResolutionFailure) {
			reason := failureReasonStore
			if errors.Is(err, context.DeadlineExceeded) {
				reason = failureReasonTimeout
			}
			obsmetrics.Entitlement().IncResolutionFailure(reason)
			s.log.Error("entitlement resolution failed",
				zap.String("tenant_id", tenantID),
				zap.String("reason", reason),
				zap.Error(err),
			)
		}
		return entitlementdomain.Entitlement{}, err
	}
	return ent, nil
}

func (s *Service) Invalidate(ctx context.Context, tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return entitlementdomain.ErrInvalidTenant
	}
	return cache.InvalidateTenant(ctx, s.cache, tenantID)
}

// resolveFromStore caches its result only if no invalidation of tenantID
// landed while it was reading, so a slow resolve never re-caches state that a
// concurrent mutation already replaced.
func (s *Service) resolveFromStore(ctx context.Context, tenantID string, maxTTL time.Duration) (entitlementdomain.Entitlement, error) {
	gen, genErr := s.cache.Generation(ctx, tenantID)
	if genErr != nil {
		s.log.Warn("failed to read cache generation", zap.String("tenant_id", tenantID), zap.Error(genErr))
	}

	sub, err := s.subRepo.FindByTenantID(ctx, s.db, tenantID)
	if err != nil {
		return entitlementdomain.Entitlement{}, resolutionFailure(err)
	}
	if sub == nil {
		return entitlementdomain.Entitlement{}, entitlementdomain.ErrNoSubscription
	}

	now := s.clock.Now()
	planID := sub.EffectivePlanID(now)
	plan, err := s.planRepo.FindByID(ctx, s.db, planID)
	if err != nil {
		return entitlementdomain.Entitlement{}, resolutionFailure(err)
	}
	if plan == nil {
		return entitlementdomain.Entitlement{}, fmt.Errorf("%w: %s", entitlementdomain.ErrPlanNotFound, planID)
	}

	res, err := entitlementdomain.Resolve(*sub, *plan, now)
	if err != nil {
		return entitlementdomain.Entitlement{}, resolutionFailure(err)
	}

	cacheable := genErr == nil
	if res.Applied != nil {
		if _, err := s.subscriptions.ApplyDuePendingChange(ctx, tenantID); err != nil {
			cacheable = false
			s.log.Warn("failed to persist due pending change",
				zap.String("tenant_id", tenantID),
				zap.String("change_type", string(res.Applied.Type)),
				zap.Error(err),
			)
		}
	}

	ttl := entitlementdomain.CacheTTL(res.Subscription, now, maxTTL)
	ent := res.Entitlement
	ent.ExpiresAt = now.Add(ttl)
	if cacheable && ttl > 0 {
		stored, err := s.cache.PutIfGeneration(ctx, tenantID, gen, ent, ttl)
		switch {
		case err != nil:
			s.log.Warn("failed to cache entitlement", zap.String("tenant_id", tenantID), zap.Error(err))
		case !stored:
			s.log.Debug("skipped caching entitlement invalidated during resolve", zap.String("tenant_id", tenantID))
		}
	}
	return ent, nil
}

func resolutionFailure(err error) error {
	return fmt.Errorf("%w: %w", entitlementdomain.ErrResolutionFailure, err)
}
