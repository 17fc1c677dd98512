package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

var allowedTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionStatusTrial: {
		SubscriptionStatusActive,
		SubscriptionStatusPastDue,
		SubscriptionStatusCancelled,
		SubscriptionStatusExpired,
	},
	SubscriptionStatusActive: {
		SubscriptionStatusPastDue,
		SubscriptionStatusCancelled,
		SubscriptionStatusExpired,
	},
	SubscriptionStatusPastDue: {
		SubscriptionStatusActive,
		SubscriptionStatusCancelled,
		SubscriptionStatusExpired,
	},
}

// IsKnownStatus reports whether status is one of the lifecycle states.
func IsKnownStatus(status SubscriptionStatus) bool {
	switch status {
	case SubscriptionStatusTrial,
		SubscriptionStatusActive,
		SubscriptionStatusPastDue,
		SubscriptionStatusCancelled,
		SubscriptionStatusExpired:
		return true
	default:
		return false
	}
}

// ParseStatus normalizes value into a lifecycle state.
func ParseStatus(value string) (SubscriptionStatus, error) {
	status := SubscriptionStatus(strings.ToLower(strings.TrimSpace(value)))
	if !IsKnownStatus(status) {
		return "", ErrInvalidStatus
	}
	return status, nil
}

// ParseBillingCycle normalizes value, defaulting to monthly when empty.
func ParseBillingCycle(value string) (BillingCycle, error) {
	switch BillingCycle(strings.ToLower(strings.TrimSpace(value))) {
	case "", BillingCycleMonthly:
		return BillingCycleMonthly, nil
	case BillingCycleYearly:
		return BillingCycleYearly, nil
	default:
		return "", ErrInvalidBillingCycle
	}
}

// IsTerminal reports whether status accepts no further transitions.
func IsTerminal(status SubscriptionStatus) bool {
	return status == SubscriptionStatusCancelled || status == SubscriptionStatusExpired
}

// IsTransitionAllowed reports whether current may move to target.
func IsTransitionAllowed(current, target SubscriptionStatus) bool {
	for _, allowed := range allowedTransitions[current] {
		if allowed == target {
			return true
		}
	}
	return false
}

// IsValid reports whether the subscription grants access at now.
func (s Subscription) IsValid(now time.Time) bool {
	switch s.Status {
	case SubscriptionStatusActive:
		return true
	case SubscriptionStatusTrial:
		return s.TrialEndsAt != nil && now.Before(*s.TrialEndsAt)
	case SubscriptionStatusPastDue:
		return s.GraceActive && s.GraceEndsAt != nil && now.Before(*s.GraceEndsAt)
	default:
		return false
	}
}

// HasDuePendingChange reports whether a pending change is effective at now.
func (s Subscription) HasDuePendingChange(now time.Time) bool {
	change := s.PendingChange()
	return change != nil && !now.Before(change.EffectiveDate)
}

// EffectivePlanID returns the plan the subscription is bound to once any due
// pending change has been applied.
func (s Subscription) EffectivePlanID(now time.Time) snowflake.ID {
	applied, _ := s.WithDuePendingChange(now)
	return applied.PlanID
}

// WithDuePendingChange returns a copy with the pending change applied when it
// is due at now. The receiver is never modified.
func (s Subscription) WithDuePendingChange(now time.Time) (Subscription, *PendingChange) {
	if !s.HasDuePendingChange(now) {
		return s, nil
	}
	change := s.PendingChange()
	out := s
	switch change.Type {
	case PendingChangeCancel:
		if !IsTerminal(out.Status) {
			cancelledAt := change.EffectiveDate
			out.Status = SubscriptionStatusCancelled
			out.CancelledAt = &cancelledAt
		}
	default:
		if change.NewPlanID != nil && *change.NewPlanID != out.PlanID {
			previous := out.PlanID
			out.PreviousPlanID = &previous
			out.PlanID = *change.NewPlanID
		}
	}
	out.SetPendingChange(nil)
	out.UpdatedAt = now
	return out, change
}

// NextBoundary returns the earliest instant after now at which the outcome of
// IsValid or the bound plan can change without a write, or nil when none.
func (s Subscription) NextBoundary(now time.Time) *time.Time {
	var next *time.Time
	consider := func(at *time.Time) {
		if at == nil || !at.After(now) {
			return
		}
		if next == nil || at.Before(*next) {
			value := *at
			next = &value
		}
	}
	if s.Status == SubscriptionStatusTrial {
		consider(s.TrialEndsAt)
	}
	if s.Status == SubscriptionStatusPastDue && s.GraceActive {
		consider(s.GraceEndsAt)
	}
	consider(s.PendingEffectiveDate)
	return next
}

// PeriodEnd computes the end of a billing period starting at start.
func PeriodEnd(start time.Time, cycle BillingCycle) time.Time {
	if cycle == BillingCycleYearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}
