// Package domain contains persistence models for per-period usage counters.
package domain

import (
	"time"

	"github.com/smallbiznis/plangate/internal/catalog"
)

// UsageCounter holds how much of a resource a tenant has consumed since
// PeriodStart.
type UsageCounter struct {
	TenantID    string               `gorm:"type:text;primaryKey"`
	Resource    catalog.ResourceKind `gorm:"type:text;primaryKey"`
	Used        int64                `gorm:"not null;default:0"`
	PeriodStart time.Time            `gorm:"not null"`
	UpdatedAt   time.Time            `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageCounter) TableName() string { return "usage_counters" }

// UsedAt returns the counter value as seen from a period starting at
// periodStart. Counters left over from an earlier period read as zero.
func (c UsageCounter) UsedAt(periodStart time.Time) int64 {
	if c.PeriodStart.Before(periodStart) {
		return 0
	}
	return c.Used
}
