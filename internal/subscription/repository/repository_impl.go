package repository

import (
	"context"
	"time"

	subscriptiondomain "github.com/smallbiznis/plangate/internal/subscription/domain"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, tenant_id, plan_id, previous_plan_id, status, billing_cycle,
	current_period_start, current_period_end, trial_ends_at, cancelled_at,
	pending_change_type, pending_new_plan_id, pending_effective_date,
	grace_active, grace_ends_at, grace_reason, version, created_at, updated_at`

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.TenantID,
		subscription.PlanID,
		subscription.PreviousPlanID,
		subscription.Status,
		subscription.BillingCycle,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.TrialEndsAt,
		subscription.CancelledAt,
		subscription.PendingChangeType,
		subscription.PendingNewPlanID,
		subscription.PendingEffectiveDate,
		subscription.GraceActive,
		subscription.GraceEndsAt,
		subscription.GraceReason,
		subscription.Version,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) FindByTenantID(ctx context.Context, db *gorm.DB, tenantID string) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = ?`,
		tenantID,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) UpdateLifecycle(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
			plan_id = ?, previous_plan_id = ?, status = ?, billing_cycle = ?,
			current_period_start = ?, current_period_end = ?, trial_ends_at = ?, cancelled_at = ?,
			pending_change_type = ?, pending_new_plan_id = ?, pending_effective_date = ?,
			grace_active = ?, grace_ends_at = ?, grace_reason = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		subscription.PlanID,
		subscription.PreviousPlanID,
		subscription.Status,
		subscription.BillingCycle,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.TrialEndsAt,
		subscription.CancelledAt,
		subscription.PendingChangeType,
		subscription.PendingNewPlanID,
		subscription.PendingEffectiveDate,
		subscription.GraceActive,
		subscription.GraceEndsAt,
		subscription.GraceReason,
		subscription.UpdatedAt,
		subscription.ID,
		subscription.Version,
	)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	subscription.Version++
	return true, nil
}

func (r *repo) ApplyPendingChange(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
			plan_id = ?, previous_plan_id = ?, status = ?, cancelled_at = ?,
			pending_change_type = NULL, pending_new_plan_id = NULL, pending_effective_date = NULL,
			version = version + 1, updated_at = ?
		WHERE id = ? AND pending_change_type IS NOT NULL AND pending_effective_date <= ?`,
		subscription.PlanID,
		subscription.PreviousPlanID,
		subscription.Status,
		subscription.CancelledAt,
		subscription.UpdatedAt,
		subscription.ID,
		now,
	)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	subscription.Version++
	return true, nil
}

func (r *repo) InsertHistory(ctx context.Context, db *gorm.DB, history *subscriptiondomain.PlanChangeHistory) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO plan_change_history (
			id, tenant_id, subscription_id, from_plan_id, to_plan_id, change_type, archived_items, applied_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		history.ID,
		history.TenantID,
		history.SubscriptionID,
		history.FromPlanID,
		history.ToPlanID,
		history.ChangeType,
		history.ArchivedItems,
		history.AppliedAt,
	).Error
}

func (r *repo) ListHistory(ctx context.Context, db *gorm.DB, tenantID string) ([]subscriptiondomain.PlanChangeHistory, error) {
	var items []subscriptiondomain.PlanChangeHistory
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, subscription_id, from_plan_id, to_plan_id, change_type, archived_items, applied_at
		 FROM plan_change_history WHERE tenant_id = ? ORDER BY applied_at DESC, id DESC`,
		tenantID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListTenantsWithDuePendingChange(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]string, error) {
	return r.listTenants(ctx, db,
		`SELECT tenant_id FROM subscriptions
		 WHERE pending_change_type IS NOT NULL AND pending_effective_date <= ?
		 ORDER BY pending_effective_date ASC, id ASC LIMIT ?`,
		now, limit,
	)
}

func (r *repo) ListTenantsWithEndedTrial(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]string, error) {
	return r.listTenants(ctx, db,
		`SELECT tenant_id FROM subscriptions
		 WHERE status = ? AND trial_ends_at IS NOT NULL AND trial_ends_at <= ?
		 ORDER BY trial_ends_at ASC, id ASC LIMIT ?`,
		subscriptiondomain.SubscriptionStatusTrial, now, limit,
	)
}

func (r *repo) ListTenantsWithLapsedGrace(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]string, error) {
	return r.listTenants(ctx, db,
		`SELECT tenant_id FROM subscriptions
		 WHERE grace_active = ? AND grace_ends_at IS NOT NULL AND grace_ends_at <= ?
		 ORDER BY grace_ends_at ASC, id ASC LIMIT ?`,
		true, now, limit,
	)
}

func (r *repo) ListTenantsWithEndedPeriod(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]string, error) {
	return r.listTenants(ctx, db,
		`SELECT tenant_id FROM subscriptions
		 WHERE status IN (?, ?) AND current_period_end <= ?
		 ORDER BY current_period_end ASC, id ASC LIMIT ?`,
		subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.SubscriptionStatusPastDue, now, limit,
	)
}

func (r *repo) listTenants(ctx context.Context, db *gorm.DB, query string, args ...any) ([]string, error) {
	var tenantIDs []string
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&tenantIDs).Error; err != nil {
		return nil, err
	}
	return tenantIDs, nil
}
