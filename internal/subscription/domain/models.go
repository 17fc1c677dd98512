// Package domain contains persistence models and lifecycle rules for subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/plangate/internal/catalog"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusTrial     SubscriptionStatus = "trial"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
)

type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleYearly  BillingCycle = "yearly"
)

type PendingChangeType string

const (
	PendingChangeDowngrade PendingChangeType = "downgrade"
	PendingChangeUpgrade   PendingChangeType = "upgrade"
	PendingChangeCancel    PendingChangeType = "cancel"
)

// PendingChange is a deferred plan change or cancellation.
type PendingChange struct {
	Type          PendingChangeType `json:"type"`
	NewPlanID     *snowflake.ID     `json:"new_plan_id,omitempty"`
	EffectiveDate time.Time         `json:"effective_date"`
}

// GracePeriod keeps a past_due subscription valid until EndsAt.
type GracePeriod struct {
	IsActive bool      `json:"is_active"`
	EndsAt   time.Time `json:"ends_at"`
	Reason   string    `json:"reason,omitempty"`
}

// Subscription binds exactly one tenant to one plan.
type Subscription struct {
	ID                   snowflake.ID       `gorm:"primaryKey"`
	TenantID             string             `gorm:"type:text;not null;uniqueIndex"`
	PlanID               snowflake.ID       `gorm:"not null;index"`
	PreviousPlanID       *snowflake.ID      `gorm:""`
	Status               SubscriptionStatus `gorm:"type:text;not null;index"`
	BillingCycle         BillingCycle       `gorm:"type:text;not null"`
	CurrentPeriodStart   time.Time          `gorm:"not null"`
	CurrentPeriodEnd     time.Time          `gorm:"not null;index"`
	TrialEndsAt          *time.Time         `gorm:""`
	CancelledAt          *time.Time         `gorm:""`
	PendingChangeType    *PendingChangeType `gorm:"type:text"`
	PendingNewPlanID     *snowflake.ID      `gorm:"index"`
	PendingEffectiveDate *time.Time         `gorm:"index"`
	GraceActive          bool               `gorm:"not null;default:false"`
	GraceEndsAt          *time.Time         `gorm:""`
	GraceReason          *string            `gorm:"type:text"`
	Version              int64              `gorm:"not null;default:1"`
	CreatedAt            time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// PendingChange assembles the pending change columns, nil when none is set.
func (s Subscription) PendingChange() *PendingChange {
	if s.PendingChangeType == nil || s.PendingEffectiveDate == nil {
		return nil
	}
	return &PendingChange{
		Type:          *s.PendingChangeType,
		NewPlanID:     s.PendingNewPlanID,
		EffectiveDate: *s.PendingEffectiveDate,
	}
}

// SetPendingChange replaces the pending change columns. nil clears them.
func (s *Subscription) SetPendingChange(change *PendingChange) {
	if change == nil {
		s.PendingChangeType = nil
		s.PendingNewPlanID = nil
		s.PendingEffectiveDate = nil
		return
	}
	changeType := change.Type
	effective := change.EffectiveDate
	s.PendingChangeType = &changeType
	s.PendingNewPlanID = change.NewPlanID
	s.PendingEffectiveDate = &effective
}

// GracePeriod assembles the grace columns, nil when no grace was ever recorded.
func (s Subscription) GracePeriod() *GracePeriod {
	if s.GraceEndsAt == nil {
		return nil
	}
	reason := ""
	if s.GraceReason != nil {
		reason = *s.GraceReason
	}
	return &GracePeriod{
		IsActive: s.GraceActive,
		EndsAt:   *s.GraceEndsAt,
		Reason:   reason,
	}
}

// ArchivedItems counts, per resource, the usage left above a new limit.
type ArchivedItems map[catalog.ResourceKind]int64

// PlanChangeHistory records an applied plan change.
type PlanChangeHistory struct {
	ID             snowflake.ID                      `gorm:"primaryKey"`
	TenantID       string                            `gorm:"type:text;not null;index"`
	SubscriptionID snowflake.ID                      `gorm:"not null;index"`
	FromPlanID     snowflake.ID                      `gorm:"not null"`
	ToPlanID       *snowflake.ID                     `gorm:""`
	ChangeType     PendingChangeType                 `gorm:"type:text;not null"`
	ArchivedItems  datatypes.JSONType[ArchivedItems] `gorm:"not null"`
	AppliedAt      time.Time                         `gorm:"not null"`
}

// TableName sets the database table name.
func (PlanChangeHistory) TableName() string { return "plan_change_history" }
