package domain

import (
	"errors"
	"time"

	"github.com/smallbiznis/plangate/internal/catalog"
	plandomain "github.com/smallbiznis/plangate/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/plangate/internal/subscription/domain"
)

var ErrPlanMismatch = errors.New("plan_mismatch")

// Resolution is the outcome of Resolve.
type Resolution struct {
	Entitlement Entitlement
	// Subscription is the in-memory copy the entitlement was derived from,
	// with any due pending change applied.
	Subscription subscriptiondomain.Subscription
	// Applied is the pending change that became due, nil when none did.
	// Persisting it is the caller's job.
	Applied *subscriptiondomain.PendingChange
}

// Resolve derives the entitlement of sub at now. plan must be the plan sub is
// bound to once any due pending change is applied, see
// Subscription.EffectivePlanID. Resolve is deterministic and performs no I/O.
func Resolve(sub subscriptiondomain.Subscription, plan plandomain.Plan, now time.Time) (Resolution, error) {
	effective, applied := sub.WithDuePendingChange(now)
	if effective.PlanID != plan.ID {
		return Resolution{}, ErrPlanMismatch
	}

	ent := Entitlement{
		TenantID:     effective.TenantID,
		Features:     []catalog.Feature{},
		Limits:       map[catalog.ResourceKind]int64{},
		Subscription: snapshotOf(effective, plan),
		IsValid:      effective.IsValid(now),
		ResolvedAt:   now,
	}
	if ent.IsValid {
		ent.Features = plan.EnabledFeatureList()
		ent.Limits = plan.LimitsCopy()
	}

	return Resolution{
		Entitlement:  ent,
		Subscription: effective,
		Applied:      applied,
	}, nil
}

// CacheTTL bounds maxTTL by the next instant at which the resolved view of
// sub would change on its own, so a trial end or a due pending change is seen
// no later than that instant.
func CacheTTL(sub subscriptiondomain.Subscription, now time.Time, maxTTL time.Duration) time.Duration {
	ttl := maxTTL
	if boundary := sub.NextBoundary(now); boundary != nil {
		if untilBoundary := boundary.Sub(now); untilBoundary < ttl {
			ttl = untilBoundary
		}
	}
	if ttl < 0 {
		return 0
	}
	return ttl
}

func snapshotOf(sub subscriptiondomain.Subscription, plan plandomain.Plan) SubscriptionSnapshot {
	return SubscriptionSnapshot{
		ID:                 sub.ID.String(),
		PlanID:             plan.ID.String(),
		PlanSlug:           plan.Slug,
		PlanName:           plan.Name,
		Tier:               plan.Tier,
		Status:             sub.Status,
		BillingCycle:       sub.BillingCycle,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		TrialEndsAt:        sub.TrialEndsAt,
		GracePeriod:        sub.GracePeriod(),
		PendingChange:      sub.PendingChange(),
	}
}
