// Package domain holds the resolved entitlement view and the pure resolver
// that derives it from a subscription and its plan.
package domain

import (
	"time"

	"github.com/smallbiznis/plangate/internal/catalog"
	subscriptiondomain "github.com/smallbiznis/plangate/internal/subscription/domain"
)

// SubscriptionSnapshot is the part of a subscription carried by a cached
// entitlement so gates can describe a denial without another lookup.
type SubscriptionSnapshot struct {
	ID                 string                                `json:"id"`
	PlanID             string                                `json:"plan_id"`
	PlanSlug           string                                `json:"plan_slug"`
	PlanName           string                                `json:"plan_name"`
	Tier               catalog.Tier                          `json:"tier"`
	Status             subscriptiondomain.SubscriptionStatus `json:"status"`
	BillingCycle       subscriptiondomain.BillingCycle       `json:"billing_cycle"`
	CurrentPeriodStart time.Time                             `json:"current_period_start"`
	CurrentPeriodEnd   time.Time                             `json:"current_period_end"`
	TrialEndsAt        *time.Time                            `json:"trial_ends_at,omitempty"`
	GracePeriod        *subscriptiondomain.GracePeriod       `json:"grace_period,omitempty"`
	PendingChange      *subscriptiondomain.PendingChange     `json:"pending_change,omitempty"`
}

// Entitlement is a point-in-time view of what a tenant may do. It is never
// authoritative; the persisted subscription and plan are.
type Entitlement struct {
	TenantID     string                         `json:"tenant_id"`
	Features     []catalog.Feature              `json:"features"`
	Limits       map[catalog.ResourceKind]int64 `json:"limits"`
	Subscription SubscriptionSnapshot           `json:"subscription"`
	IsValid      bool                           `json:"is_valid"`
	ResolvedAt   time.Time                      `json:"resolved_at"`
	ExpiresAt    time.Time                      `json:"expires_at"`
}

// HasFeature reports whether feature is in the resolved feature set.
func (e Entitlement) HasFeature(feature catalog.Feature) bool {
	for _, f := range e.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// LimitFor returns the quota for resource. Absent resources report 0 and
// ok=false and must be treated as a zero quota.
func (e Entitlement) LimitFor(resource catalog.ResourceKind) (int64, bool) {
	limit, ok := e.Limits[resource]
	if !ok {
		return 0, false
	}
	return limit, true
}

// MissingFeatures returns the subset of features the entitlement lacks, in
// input order.
func (e Entitlement) MissingFeatures(features ...catalog.Feature) []catalog.Feature {
	missing := make([]catalog.Feature, 0)
	for _, feature := range features {
		if !e.HasFeature(feature) {
			missing = append(missing, feature)
		}
	}
	return missing
}

// EnabledSubset returns the subset of features the entitlement grants, in
// input order.
func (e Entitlement) EnabledSubset(features ...catalog.Feature) []catalog.Feature {
	enabled := make([]catalog.Feature, 0)
	for _, feature := range features {
		if e.HasFeature(feature) {
			enabled = append(enabled, feature)
		}
	}
	return enabled
}

// IsExpired reports whether a cached copy must be rebuilt at now.
func (e Entitlement) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}
