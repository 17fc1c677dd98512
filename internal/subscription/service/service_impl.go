package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/plangate/internal/cache"
	"github.com/smallbiznis/plangate/internal/catalog"
	"github.com/smallbiznis/plangate/internal/clock"
	"github.com/smallbiznis/plangate/internal/config"
	obsmetrics "github.com/smallbiznis/plangate/internal/observability/metrics"
	plandomain "github.com/smallbiznis/plangate/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/plangate/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/plangate/internal/usage/domain"
	usageservice "github.com/smallbiznis/plangate/internal/usage/service"
	"github.com/smallbiznis/plangate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Repo         subscriptiondomain.Repository
	PlanRepo     plandomain.Repository
	UsageRepo    usagedomain.Repository
	Cache        cache.EntitlementCache
	Entitlements *config.EntitlementConfigHolder
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID        *snowflake.Node
	clock        clock.Clock
	repo         subscriptiondomain.Repository
	planRepo     plandomain.Repository
	usageRepo    usagedomain.Repository
	cache        cache.EntitlementCache
	entitlements *config.EntitlementConfigHolder
	obsMetrics   *obsmetrics.Metrics
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:        p.GenID,
		clock:        p.Clock,
		repo:         p.Repo,
		planRepo:     p.PlanRepo,
		usageRepo:    p.UsageRepo,
		cache:        p.Cache,
		entitlements: p.Entitlements,
		obsMetrics:   p.ObsMetrics,
	}
}

// Create binds a tenant to a plan. Plans with trial days start in trial.
func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateSubscriptionRequest) (subscriptiondomain.SubscriptionResponse, error) {
	tenantID, err := normalizeTenant(req.TenantID)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}
	planID, err := parseID(req.PlanID, subscriptiondomain.ErrInvalidPlan)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}
	cycle, err := subscriptiondomain.ParseBillingCycle(req.BillingCycle)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}
	if req.TrialDays != nil && *req.TrialDays < 0 {
		return subscriptiondomain.SubscriptionResponse{}, subscriptiondomain.ErrInvalidTrialDays
	}

	now := s.clock.Now()
	var sub subscriptiondomain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plan, err := s.loadActivePlan(ctx, tx, planID)
		if err != nil {
			return err
		}
		existing, err := s.repo.FindByTenantID(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if existing != nil {
			return subscriptiondomain.ErrSubscriptionExists
		}

		trialDays := plan.TrialDays
		if req.TrialDays != nil {
			trialDays = *req.TrialDays
		}

		sub = subscriptiondomain.Subscription{
			ID:                 s.genID.Generate(),
			TenantID:           tenantID,
			PlanID:             plan.ID,
			Status:             subscriptiondomain.SubscriptionStatusActive,
			BillingCycle:       cycle,
			CurrentPeriodStart: now,
			CurrentPeriodEnd:   subscriptiondomain.PeriodEnd(now, cycle),
			Version:            1,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if trialDays > 0 {
			trialEndsAt := now.AddDate(0, 0, trialDays)
			sub.Status = subscriptiondomain.SubscriptionStatusTrial
			sub.TrialEndsAt = &trialEndsAt
		}

		if err := s.repo.Insert(ctx, tx, &sub); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return subscriptiondomain.ErrSubscriptionExists
			}
			return err
		}
		return nil
	})
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}

	s.obsMetrics.RecordSubscriptionTransition(ctx, "none", string(sub.Status))
	s.log.Info("subscription created",
		zap.String("tenant_id", tenantID),
		zap.String("plan_id", sub.PlanID.String()),
		zap.String("status", string(sub.Status)),
	)
	if err := s.invalidate(ctx, tenantID); err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}
	return s.toResponse(ctx, s.db, sub)
}

func (s *Service) Get(ctx context.Context, tenantID string) (subscriptiondomain.SubscriptionResponse, error) {
	tenantID, err := normalizeTenant(tenantID)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}
	sub, err := s.repo.FindByTenantID(ctx, s.db, tenantID)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}
	if sub == nil {
		return subscriptiondomain.SubscriptionResponse{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return s.toResponse(ctx, s.db, *sub)
}

// ChangePlan applies upgrades immediately and defers downgrades to the end of
// the current period unless Immediate is set.
func (s *Service) ChangePlan(ctx context.Context, req subscriptiondomain.ChangePlanRequest) (subscriptiondomain.ChangePlanResult, error) {
	newPlanID, err := parseID(req.NewPlanID, subscriptiondomain.ErrInvalidPlan)
	if err != nil {
		return subscriptiondomain.ChangePlanResult{}, err
	}

	var (
		changeType subscriptiondomain.PendingChangeType
		deferred   bool
	)
	sub, err := s.mutate(ctx, req.TenantID, func(tx *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) error {
		if sub.PlanID == newPlanID {
			return subscriptiondomain.ErrSamePlan
		}
		current, err := s.planRepo.FindByID(ctx, tx, sub.PlanID)
		if err != nil {
			return err
		}
		if current == nil {
			return plandomain.ErrPlanNotFound
		}
		next, err := s.loadActivePlan(ctx, tx, newPlanID)
		if err != nil {
			return err
		}

		changeType = ClassifyChange(*current, *next)
		if changeType == subscriptiondomain.PendingChangeDowngrade && !req.Immediate {
			deferred = true
			sub.SetPendingChange(&subscriptiondomain.PendingChange{
				Type:          subscriptiondomain.PendingChangeDowngrade,
				NewPlanID:     &next.ID,
				EffectiveDate: sub.CurrentPeriodEnd,
			})
			return nil
		}

		previous := sub.PlanID
		sub.PreviousPlanID = &previous
		sub.PlanID = next.ID
		sub.SetPendingChange(nil)
		return s.recordHistory(ctx, tx, *sub, previous, next, changeType, now)
	})
	if err != nil {
		return subscriptiondomain.ChangePlanResult{}, err
	}

	s.obsMetrics.RecordPlanChange(ctx, string(changeType), deferred)
	s.log.Info("plan change requested",
		zap.String("tenant_id", sub.TenantID),
		zap.String("change_type", string(changeType)),
		zap.Bool("deferred", deferred),
		zap.String("new_plan_id", newPlanID.String()),
	)

	resp, err := s.toResponse(ctx, s.db, sub)
	if err != nil {
		return subscriptiondomain.ChangePlanResult{}, err
	}
	return subscriptiondomain.ChangePlanResult{
		ChangeType:   changeType,
		Deferred:     deferred,
		Subscription: resp,
	}, nil
}

// Cancel ends the subscription now, or schedules the cancellation for the end
// of the current period.
func (s *Service) Cancel(ctx context.Context, req subscriptiondomain.CancelRequest) (subscriptiondomain.SubscriptionResponse, error) {
	var from subscriptiondomain.SubscriptionStatus
	sub, err := s.mutate(ctx, req.TenantID, func(_ *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) error {
		from = sub.Status
		if req.AtPeriodEnd {
			sub.SetPendingChange(&subscriptiondomain.PendingChange{
				Type:          subscriptiondomain.PendingChangeCancel,
				EffectiveDate: sub.CurrentPeriodEnd,
			})
			return nil
		}
		sub.Status = subscriptiondomain.SubscriptionStatusCancelled
		sub.CancelledAt = &now
		sub.GraceActive = false
		sub.SetPendingChange(nil)
		return nil
	})
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}

	if req.AtPeriodEnd {
		s.obsMetrics.RecordPlanChange(ctx, string(subscriptiondomain.PendingChangeCancel), true)
	} else {
		s.obsMetrics.RecordSubscriptionTransition(ctx, string(from), string(sub.Status))
	}
	s.log.Info("subscription cancelled",
		zap.String("tenant_id", sub.TenantID),
		zap.Bool("at_period_end", req.AtPeriodEnd),
	)
	return s.toResponse(ctx, s.db, sub)
}

// Transition moves the subscription to another lifecycle state, for example
// when a payment provider reports a failed or recovered charge.
func (s *Service) Transition(ctx context.Context, req subscriptiondomain.TransitionRequest) (subscriptiondomain.SubscriptionResponse, error) {
	target, err := subscriptiondomain.ParseStatus(req.Status)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}

	var from subscriptiondomain.SubscriptionStatus
	sub, err := s.mutate(ctx, req.TenantID, func(_ *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) error {
		from = sub.Status
		if sub.Status == target {
			return errNoChange
		}
		if !subscriptiondomain.IsTransitionAllowed(sub.Status, target) {
			return subscriptiondomain.ErrInvalidTransition
		}
		applyTransition(sub, target, now)
		return nil
	})
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}

	if from != sub.Status {
		s.obsMetrics.RecordSubscriptionTransition(ctx, string(from), string(sub.Status))
		s.log.Info("subscription transitioned",
			zap.String("tenant_id", sub.TenantID),
			zap.String("from_status", string(from)),
			zap.String("to_status", string(sub.Status)),
			zap.String("reason", strings.TrimSpace(req.Reason)),
		)
	}
	return s.toResponse(ctx, s.db, sub)
}

// StartGracePeriod keeps the tenant valid while past_due until the grace
// period ends. Days defaults to the configured grace period.
func (s *Service) StartGracePeriod(ctx context.Context, req subscriptiondomain.StartGracePeriodRequest) (subscriptiondomain.SubscriptionResponse, error) {
	days := req.Days
	if days < 0 {
		return subscriptiondomain.SubscriptionResponse{}, subscriptiondomain.ErrInvalidGraceDays
	}
	if days == 0 {
		days = s.entitlements.Get().GracePeriodDays
	}

	sub, err := s.mutate(ctx, req.TenantID, func(_ *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) error {
		if sub.Status == subscriptiondomain.SubscriptionStatusTrial {
			return subscriptiondomain.ErrGraceNotAllowed
		}
		endsAt := now.AddDate(0, 0, days)
		reason := strings.TrimSpace(req.Reason)
		sub.GraceActive = true
		sub.GraceEndsAt = &endsAt
		sub.GraceReason = &reason
		return nil
	})
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}

	s.log.Info("grace period started",
		zap.String("tenant_id", sub.TenantID),
		zap.Int("days", days),
		zap.Timep("ends_at", sub.GraceEndsAt),
	)
	return s.toResponse(ctx, s.db, sub)
}

func (s *Service) EndGracePeriod(ctx context.Context, tenantID string) (subscriptiondomain.SubscriptionResponse, error) {
	sub, err := s.mutate(ctx, tenantID, func(_ *gorm.DB, sub *subscriptiondomain.Subscription, _ time.Time) error {
		if !sub.GraceActive {
			return errNoChange
		}
		sub.GraceActive = false
		return nil
	})
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}
	return s.toResponse(ctx, s.db, sub)
}

// History lists applied plan changes, newest first.
func (s *Service) History(ctx context.Context, tenantID string) ([]subscriptiondomain.PlanChangeResponse, error) {
	tenantID, err := normalizeTenant(tenantID)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.ListHistory(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]subscriptiondomain.PlanChangeResponse, 0, len(items))
	for _, item := range items {
		entry := subscriptiondomain.PlanChangeResponse{
			ID:            item.ID.String(),
			FromPlanID:    item.FromPlanID.String(),
			ChangeType:    item.ChangeType,
			ArchivedItems: item.ArchivedItems.Data(),
			AppliedAt:     item.AppliedAt,
		}
		if item.ToPlanID != nil {
			toPlanID := item.ToPlanID.String()
			entry.ToPlanID = &toPlanID
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *Service) ResetUsage(ctx context.Context, tenantID string) error {
	tenantID, err := normalizeTenant(tenantID)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByTenantID(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		return s.usageRepo.DeleteByTenant(ctx, tx, tenantID)
	})
	if err != nil {
		return err
	}
	if err := s.invalidate(ctx, tenantID); err != nil {
		return err
	}
	s.log.Info("usage reset", zap.String("tenant_id", tenantID))
	return nil
}

// ApplyDuePendingChange persists a pending change whose effective date has
// passed. It reports false when nothing was due or another caller applied it
// first, so running it twice never applies a change twice.
func (s *Service) ApplyDuePendingChange(ctx context.Context, tenantID string) (bool, error) {
	tenantID, err := normalizeTenant(tenantID)
	if err != nil {
		return false, err
	}

	now := s.clock.Now()
	var (
		applied *subscriptiondomain.PendingChange
		from    subscriptiondomain.SubscriptionStatus
		to      subscriptiondomain.SubscriptionStatus
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByTenantID(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		effective, change := sub.WithDuePendingChange(now)
		if change == nil {
			return nil
		}
		ok, err := s.repo.ApplyPendingChange(ctx, tx, &effective, now)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		applied, from, to = change, sub.Status, effective.Status

		if change.Type == subscriptiondomain.PendingChangeCancel || effective.PlanID == sub.PlanID {
			return nil
		}
		next, err := s.planRepo.FindByID(ctx, tx, effective.PlanID)
		if err != nil {
			return err
		}
		if next == nil {
			return plandomain.ErrPlanNotFound
		}
		return s.recordHistory(ctx, tx, effective, sub.PlanID, next, change.Type, now)
	})
	if err != nil {
		return false, err
	}
	if applied == nil {
		return false, nil
	}

	if from != to {
		s.obsMetrics.RecordSubscriptionTransition(ctx, string(from), string(to))
	}
	s.log.Info("pending change applied",
		zap.String("tenant_id", tenantID),
		zap.String("change_type", string(applied.Type)),
		zap.Time("effective_date", applied.EffectiveDate),
	)
	if err := s.invalidate(ctx, tenantID); err != nil {
		return true, err
	}
	return true, nil
}

// RollPeriod advances an ended billing period. Usage counters reset lazily
// because they are compared against the new period start.
func (s *Service) RollPeriod(ctx context.Context, tenantID string) (bool, error) {
	rolled := false
	_, err := s.mutate(ctx, tenantID, func(_ *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) error {
		if sub.Status != subscriptiondomain.SubscriptionStatusActive && sub.Status != subscriptiondomain.SubscriptionStatusPastDue {
			return errNoChange
		}
		if sub.HasDuePendingChange(now) {
			return errNoChange
		}
		for now.After(sub.CurrentPeriodEnd) || now.Equal(sub.CurrentPeriodEnd) {
			sub.CurrentPeriodStart = sub.CurrentPeriodEnd
			sub.CurrentPeriodEnd = subscriptiondomain.PeriodEnd(sub.CurrentPeriodStart, sub.BillingCycle)
			rolled = true
		}
		if !rolled {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return rolled, nil
}

// ClassifyChange decides whether moving from current to next is an upgrade.
// Higher tiers win; within a tier the monthly price decides and an equal
// price counts as an upgrade.
func ClassifyChange(current, next plandomain.Plan) subscriptiondomain.PendingChangeType {
	currentTier, nextTier := catalog.TierIndex(current.Tier), catalog.TierIndex(next.Tier)
	switch {
	case nextTier > currentTier:
		return subscriptiondomain.PendingChangeUpgrade
	case nextTier < currentTier:
		return subscriptiondomain.PendingChangeDowngrade
	case next.MonthlyAmount < current.MonthlyAmount:
		return subscriptiondomain.PendingChangeDowngrade
	default:
		return subscriptiondomain.PendingChangeUpgrade
	}
}

// ArchivedItems counts, per limited resource, how far usage exceeds the limit
// of next.
func ArchivedItems(usage usagedomain.Snapshot, next plandomain.Plan) subscriptiondomain.ArchivedItems {
	archived := subscriptiondomain.ArchivedItems{}
	for resource, used := range usage {
		limit, _ := next.LimitFor(resource)
		if limit == catalog.Unlimited {
			continue
		}
		if over := used - limit; over > 0 {
			archived[resource] = over
		}
	}
	return archived
}

func applyTransition(sub *subscriptiondomain.Subscription, target subscriptiondomain.SubscriptionStatus, now time.Time) {
	switch target {
	case subscriptiondomain.SubscriptionStatusActive:
		sub.GraceActive = false
	case subscriptiondomain.SubscriptionStatusCancelled:
		sub.CancelledAt = &now
		sub.GraceActive = false
		sub.SetPendingChange(nil)
	case subscriptiondomain.SubscriptionStatusExpired:
		sub.GraceActive = false
		sub.SetPendingChange(nil)
	}
	sub.Status = target
}

func (s *Service) recordHistory(
	ctx context.Context,
	tx *gorm.DB,
	sub subscriptiondomain.Subscription,
	fromPlanID snowflake.ID,
	next *plandomain.Plan,
	changeType subscriptiondomain.PendingChangeType,
	now time.Time,
) error {
	archived := subscriptiondomain.ArchivedItems{}
	if changeType == subscriptiondomain.PendingChangeDowngrade {
		usage, err := usageservice.SnapshotFor(ctx, s.usageRepo, tx, sub)
		if err != nil {
			return err
		}
		archived = ArchivedItems(usage, *next)
	}
	toPlanID := next.ID
	return s.repo.InsertHistory(ctx, tx, &subscriptiondomain.PlanChangeHistory{
		ID:             s.genID.Generate(),
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		FromPlanID:     fromPlanID,
		ToPlanID:       &toPlanID,
		ChangeType:     changeType,
		ArchivedItems:  datatypes.NewJSONType(archived),
		AppliedAt:      now,
	})
}
