package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/plangate/internal/catalog"
	usagedomain "github.com/smallbiznis/plangate/internal/usage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) Increment(ctx context.Context, db *gorm.DB, tenantID string, resource catalog.ResourceKind, delta int64, periodStart, now time.Time) error {
	counter := usagedomain.UsageCounter{
		TenantID:    tenantID,
		Resource:    resource,
		Used:        delta,
		PeriodStart: periodStart,
		UpdatedAt:   now,
	}
	return db.WithContext(ctx).Clauses(buildIncrementClause(delta, periodStart, now)).Create(&counter).Error
}

// buildIncrementClause keeps used ahead of period_start so dialects that
// evaluate assignments in order still compare against the stored period.
func buildIncrementClause(delta int64, periodStart, now time.Time) clause.OnConflict {
	return clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "resource"}},
		DoUpdates: []clause.Assignment{
			{
				Column: clause.Column{Name: "used"},
				Value: gorm.Expr(
					"CASE WHEN usage_counters.period_start < ? THEN ? ELSE usage_counters.used + ? END",
					periodStart, delta, delta,
				),
			},
			{
				Column: clause.Column{Name: "period_start"},
				Value: gorm.Expr(
					"CASE WHEN usage_counters.period_start < ? THEN ? ELSE usage_counters.period_start END",
					periodStart, periodStart,
				),
			},
			{
				Column: clause.Column{Name: "updated_at"},
				Value:  now,
			},
		},
	}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, tenantID string, resource catalog.ResourceKind) (*usagedomain.UsageCounter, error) {
	var counter usagedomain.UsageCounter
	err := db.WithContext(ctx).Raw(
		`SELECT tenant_id, resource, used, period_start, updated_at
		 FROM usage_counters WHERE tenant_id = ? AND resource = ?`,
		tenantID,
		resource,
	).Scan(&counter).Error
	if err != nil {
		return nil, err
	}
	if counter.TenantID == "" {
		return nil, nil
	}
	return &counter, nil
}

func (r *repo) ListByTenant(ctx context.Context, db *gorm.DB, tenantID string) ([]usagedomain.UsageCounter, error) {
	var counters []usagedomain.UsageCounter
	err := db.WithContext(ctx).Raw(
		`SELECT tenant_id, resource, used, period_start, updated_at
		 FROM usage_counters WHERE tenant_id = ? ORDER BY resource ASC`,
		tenantID,
	).Scan(&counters).Error
	if err != nil {
		return nil, err
	}
	return counters, nil
}

func (r *repo) DeleteByTenant(ctx context.Context, db *gorm.DB, tenantID string) error {
	return db.WithContext(ctx).Exec(`DELETE FROM usage_counters WHERE tenant_id = ?`, tenantID).Error
}
