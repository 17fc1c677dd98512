package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByTenantID(ctx context.Context, db *gorm.DB, tenantID string) (*Subscription, error)
	// UpdateLifecycle persists subscription only while the stored version
	// still equals subscription.Version, bumping it on success. It returns
	// false when no row matched.
	UpdateLifecycle(ctx context.Context, db *gorm.DB, subscription *Subscription) (bool, error)
	// ApplyPendingChange persists an applied pending change only while a
	// pending change due at now is still stored.
	ApplyPendingChange(ctx context.Context, db *gorm.DB, subscription *Subscription, now time.Time) (bool, error)
	InsertHistory(ctx context.Context, db *gorm.DB, history *PlanChangeHistory) error
	ListHistory(ctx context.Context, db *gorm.DB, tenantID string) ([]PlanChangeHistory, error)

	ListTenantsWithDuePendingChange(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]string, error)
	ListTenantsWithEndedTrial(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]string, error)
	ListTenantsWithLapsedGrace(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]string, error)
	ListTenantsWithEndedPeriod(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]string, error)
}
