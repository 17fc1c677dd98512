package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/plangate/internal/plan/domain"
	"gorm.io/gorm"
)

const planColumns = `id, slug, name, description, tier, features, limits, currency,
	monthly_amount, yearly_amount, trial_days, is_active, created_at, updated_at`

type repo struct{}

func Provide() plandomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, plan *plandomain.Plan) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO plans (`+planColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.ID,
		plan.Slug,
		plan.Name,
		plan.Description,
		plan.Tier,
		plan.Features,
		plan.Limits,
		plan.Currency,
		plan.MonthlyAmount,
		plan.YearlyAmount,
		plan.TrialDays,
		plan.IsActive,
		plan.CreatedAt,
		plan.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, plan *plandomain.Plan) error {
	return db.WithContext(ctx).Exec(
		`UPDATE plans SET name = ?, description = ?, tier = ?, features = ?, limits = ?,
		 currency = ?, monthly_amount = ?, yearly_amount = ?, trial_days = ?, is_active = ?,
		 updated_at = ?
		 WHERE id = ?`,
		plan.Name,
		plan.Description,
		plan.Tier,
		plan.Features,
		plan.Limits,
		plan.Currency,
		plan.MonthlyAmount,
		plan.YearlyAmount,
		plan.TrialDays,
		plan.IsActive,
		plan.UpdatedAt,
		plan.ID,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*plandomain.Plan, error) {
	var plan plandomain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT `+planColumns+` FROM plans WHERE id = ?`,
		id,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}

func (r *repo) FindBySlug(ctx context.Context, db *gorm.DB, slug string) (*plandomain.Plan, error) {
	var plan plandomain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT `+planColumns+` FROM plans WHERE slug = ?`,
		slug,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter plandomain.ListFilter) ([]plandomain.Plan, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + planColumns + ` FROM plans WHERE id > ?`
	args := []any{filter.AfterID}
	if !filter.IncludeInactive {
		query += ` AND is_active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	var plans []plandomain.Plan
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&plans).Error; err != nil {
		return nil, err
	}
	return plans, nil
}

func (r *repo) FindBoundTenantIDs(ctx context.Context, db *gorm.DB, planID snowflake.ID) ([]string, error) {
	var tenantIDs []string
	err := db.WithContext(ctx).Raw(
		`SELECT tenant_id FROM subscriptions
		 WHERE plan_id = ? OR pending_new_plan_id = ?
		 ORDER BY tenant_id ASC`,
		planID,
		planID,
	).Scan(&tenantIDs).Error
	if err != nil {
		return nil, err
	}
	return tenantIDs, nil
}
