package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/plangate/internal/catalog"
	"gorm.io/gorm"
)

type Repository interface {
	// Increment adds delta in a single statement. A counter from a period
	// older than periodStart restarts at delta.
	Increment(ctx context.Context, db *gorm.DB, tenantID string, resource catalog.ResourceKind, delta int64, periodStart, now time.Time) error
	Find(ctx context.Context, db *gorm.DB, tenantID string, resource catalog.ResourceKind) (*UsageCounter, error)
	ListByTenant(ctx context.Context, db *gorm.DB, tenantID string) ([]UsageCounter, error)
	DeleteByTenant(ctx context.Context, db *gorm.DB, tenantID string) error
}
