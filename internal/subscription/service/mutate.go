package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/plangate/internal/cache"
	plandomain "github.com/smallbiznis/plangate/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/plangate/internal/subscription/domain"
	usageservice "github.com/smallbiznis/plangate/internal/usage/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// errNoChange aborts a mutation that would leave the row untouched.
var errNoChange = errors.New("no_change")

type mutation func(tx *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) error

// mutate loads the tenant's subscription, applies fn and persists the result
// with an optimistic version check, then invalidates the tenant's cached
// entitlement. Terminal subscriptions are never mutated.
func (s *Service) mutate(ctx context.Context, tenantID string, fn mutation) (subscriptiondomain.Subscription, error) {
	tenantID, err := normalizeTenant(tenantID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	var (
		result  subscriptiondomain.Subscription
		changed bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByTenantID(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if subscriptiondomain.IsTerminal(sub.Status) {
			return subscriptiondomain.ErrSubscriptionTerminal
		}

		now := s.clock.Now()
		if err := fn(tx, sub, now); err != nil {
			if errors.Is(err, errNoChange) {
				result = *sub
				return nil
			}
			return err
		}
		sub.UpdatedAt = now

		ok, err := s.repo.UpdateLifecycle(ctx, tx, sub)
		if err != nil {
			return err
		}
		if !ok {
			return subscriptiondomain.ErrConcurrentModification
		}
		result = *sub
		changed = true
		return nil
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if changed {
		if err := s.invalidate(ctx, tenantID); err != nil {
			return subscriptiondomain.Subscription{}, err
		}
	}
	return result, nil
}

func (s *Service) invalidate(ctx context.Context, tenantID string) error {
	if err := cache.InvalidateTenant(ctx, s.cache, tenantID); err != nil {
		s.log.Error("failed to invalidate entitlement cache",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *Service) loadActivePlan(ctx context.Context, tx *gorm.DB, planID snowflake.ID) (*plandomain.Plan, error) {
	plan, err := s.planRepo.FindByID(ctx, tx, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, plandomain.ErrPlanNotFound
	}
	if !plan.IsActive {
		return nil, subscriptiondomain.ErrPlanInactive
	}
	return plan, nil
}

func (s *Service) toResponse(ctx context.Context, tx *gorm.DB, sub subscriptiondomain.Subscription) (subscriptiondomain.SubscriptionResponse, error) {
	usage, err := usageservice.SnapshotFor(ctx, s.usageRepo, tx, sub)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}

	var previousPlanID *string
	if sub.PreviousPlanID != nil {
		value := sub.PreviousPlanID.String()
		previousPlanID = &value
	}
	return subscriptiondomain.SubscriptionResponse{
		ID:                 sub.ID.String(),
		TenantID:           sub.TenantID,
		PlanID:             sub.PlanID.String(),
		PreviousPlanID:     previousPlanID,
		Status:             sub.Status,
		BillingCycle:       sub.BillingCycle,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		TrialEndsAt:        sub.TrialEndsAt,
		CancelledAt:        sub.CancelledAt,
		PendingChange:      sub.PendingChange(),
		GracePeriod:        sub.GracePeriod(),
		Usage:              usage,
		IsValid:            sub.IsValid(s.clock.Now()),
		CreatedAt:          sub.CreatedAt,
		UpdatedAt:          sub.UpdatedAt,
	}, nil
}

func normalizeTenant(value string) (string, error) {
	tenantID := strings.TrimSpace(value)
	if tenantID == "" {
		return "", subscriptiondomain.ErrInvalidTenant
	}
	return tenantID, nil
}

func parseID(value string, invalidErr error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, invalidErr
	}
	return id, nil
}
