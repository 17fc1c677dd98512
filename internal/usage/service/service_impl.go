package service

import (
	"context"
	"strings"

	"github.com/smallbiznis/plangate/internal/cache"
	"github.com/smallbiznis/plangate/internal/catalog"
	"github.com/smallbiznis/plangate/internal/clock"
	obsmetrics "github.com/smallbiznis/plangate/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/plangate/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/plangate/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	Clock            clock.Clock
	Repo             usagedomain.Repository
	SubscriptionRepo subscriptiondomain.Repository
	Cache            cache.EntitlementCache `optional:"true"`
	ObsMetrics       *obsmetrics.Metrics    `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	clock            clock.Clock
	repo             usagedomain.Repository
	subscriptionRepo subscriptiondomain.Repository
	cache            cache.EntitlementCache
	obsMetrics       *obsmetrics.Metrics
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		clock:            p.Clock,
		repo:             p.Repo,
		subscriptionRepo: p.SubscriptionRepo,
		cache:            p.Cache,
		obsMetrics:       p.ObsMetrics,
	}
}

// Increment records delta units of a resource against the tenant's current
// period. Limits are not checked here; callers gate with CheckUsageLimit first.
func (s *Service) Increment(ctx context.Context, req usagedomain.RecordUsageRequest) (usagedomain.RecordUsageResponse, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return usagedomain.RecordUsageResponse{}, usagedomain.ErrInvalidTenant
	}
	resource, err := catalog.ParseResource(req.Resource)
	if err != nil {
		return usagedomain.RecordUsageResponse{}, usagedomain.ErrInvalidResource
	}
	if req.Delta <= 0 {
		return usagedomain.RecordUsageResponse{}, usagedomain.ErrInvalidDelta
	}

	sub, err := s.subscriptionRepo.FindByTenantID(ctx, s.db, tenantID)
	if err != nil {
		return usagedomain.RecordUsageResponse{}, err
	}
	if sub == nil {
		return usagedomain.RecordUsageResponse{}, usagedomain.ErrSubscriptionNotFound
	}

	now := s.clock.Now()
	if err := s.repo.Increment(ctx, s.db, tenantID, resource, req.Delta, sub.CurrentPeriodStart, now); err != nil {
		s.log.Error("failed to increment usage",
			zap.String("tenant_id", tenantID),
			zap.String("resource", string(resource)),
			zap.Error(err),
		)
		return usagedomain.RecordUsageResponse{}, err
	}
	s.obsMetrics.RecordUsage(ctx, string(resource), req.Delta)

	used, err := s.usedInPeriod(ctx, tenantID, resource, *sub)
	if err != nil {
		return usagedomain.RecordUsageResponse{}, err
	}
	return usagedomain.RecordUsageResponse{Resource: resource, Used: used}, nil
}

// Used returns the tenant's consumption of resource in the current period.
// Tenants without a subscription have used nothing.
func (s *Service) Used(ctx context.Context, tenantID string, resource catalog.ResourceKind) (int64, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return 0, usagedomain.ErrInvalidTenant
	}
	if !catalog.IsKnownResource(resource) {
		return 0, usagedomain.ErrInvalidResource
	}

	sub, err := s.subscriptionRepo.FindByTenantID(ctx, s.db, tenantID)
	if err != nil {
		return 0, err
	}
	if sub == nil {
		return 0, nil
	}
	return s.usedInPeriod(ctx, tenantID, resource, *sub)
}

func (s *Service) Snapshot(ctx context.Context, tenantID string) (usagedomain.Snapshot, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, usagedomain.ErrInvalidTenant
	}

	sub, err := s.subscriptionRepo.FindByTenantID(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, usagedomain.ErrSubscriptionNotFound
	}
	return SnapshotFor(ctx, s.repo, s.db, *sub)
}

func (s *Service) Reset(ctx context.Context, tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return usagedomain.ErrInvalidTenant
	}
	if err := s.repo.DeleteByTenant(ctx, s.db, tenantID); err != nil {
		return err
	}
	if s.cache != nil {
		if err := cache.InvalidateTenant(ctx, s.cache, tenantID); err != nil {
			return err
		}
	}
	s.log.Info("usage counters reset", zap.String("tenant_id", tenantID))
	return nil
}

func (s *Service) usedInPeriod(ctx context.Context, tenantID string, resource catalog.ResourceKind, sub subscriptiondomain.Subscription) (int64, error) {
	counter, err := s.repo.Find(ctx, s.db, tenantID, resource)
	if err != nil {
		return 0, err
	}
	if counter == nil {
		return 0, nil
	}
	return counter.UsedAt(sub.CurrentPeriodStart), nil
}

// SnapshotFor reads every counter of sub's tenant through db, which may be an
// open transaction, and fills resources without a counter with zero.
func SnapshotFor(ctx context.Context, repo usagedomain.Repository, db *gorm.DB, sub subscriptiondomain.Subscription) (usagedomain.Snapshot, error) {
	counters, err := repo.ListByTenant(ctx, db, sub.TenantID)
	if err != nil {
		return nil, err
	}
	snapshot := make(usagedomain.Snapshot, len(catalog.Resources))
	for _, resource := range catalog.Resources {
		snapshot[resource] = 0
	}
	for _, counter := range counters {
		if !catalog.IsKnownResource(counter.Resource) {
			continue
		}
		snapshot[counter.Resource] = counter.UsedAt(sub.CurrentPeriodStart)
	}
	return snapshot, nil
}
