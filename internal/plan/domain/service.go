package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/plangate/internal/catalog"
	"github.com/smallbiznis/plangate/pkg/db/pagination"
)

type CreatePlanRequest struct {
	Slug          string           `json:"slug"`
	Name          string           `json:"name"`
	Description   string           `json:"description"`
	Tier          string           `json:"tier"`
	Currency      string           `json:"currency"`
	MonthlyAmount int64            `json:"monthly_amount"`
	YearlyAmount  int64            `json:"yearly_amount"`
	TrialDays     int              `json:"trial_days"`
	Features      map[string]bool  `json:"features,omitempty"`
	Limits        map[string]int64 `json:"limits,omitempty"`
}

// UpdatePlanRequest applies partial edits. Feature and limit entries are merged
// into the existing maps; omitted keys are left untouched.
type UpdatePlanRequest struct {
	Name          *string          `json:"name,omitempty"`
	Description   *string          `json:"description,omitempty"`
	Currency      *string          `json:"currency,omitempty"`
	MonthlyAmount *int64           `json:"monthly_amount,omitempty"`
	YearlyAmount  *int64           `json:"yearly_amount,omitempty"`
	TrialDays     *int             `json:"trial_days,omitempty"`
	Features      map[string]bool  `json:"features,omitempty"`
	Limits        map[string]int64 `json:"limits,omitempty"`
}

type ListPlansRequest struct {
	IncludeInactive bool
	PageToken       string
	PageSize        int32
}

type ListPlansResponse struct {
	pagination.PageInfo
	Plans []PlanResponse `json:"plans"`
}

type PlanResponse struct {
	ID            string           `json:"id"`
	Slug          string           `json:"slug"`
	Name          string           `json:"name"`
	Description   string           `json:"description,omitempty"`
	Tier          catalog.Tier     `json:"tier"`
	Features      map[string]bool  `json:"features"`
	Limits        map[string]int64 `json:"limits"`
	Currency      string           `json:"currency"`
	MonthlyAmount int64            `json:"monthly_amount"`
	YearlyAmount  int64            `json:"yearly_amount"`
	TrialDays     int              `json:"trial_days"`
	IsActive      bool             `json:"is_active"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

type Service interface {
	Create(context.Context, CreatePlanRequest) (PlanResponse, error)
	Update(ctx context.Context, planID string, req UpdatePlanRequest) (PlanResponse, error)
	ResetFeatures(ctx context.Context, planID string) (PlanResponse, error)
	Deactivate(ctx context.Context, planID string) (PlanResponse, error)
	Activate(ctx context.Context, planID string) (PlanResponse, error)
	Get(ctx context.Context, idOrSlug string) (PlanResponse, error)
	List(context.Context, ListPlansRequest) (ListPlansResponse, error)
	FindByID(ctx context.Context, id snowflake.ID) (Plan, error)
}

// ToResponse converts the persistence model to its API shape.
func ToResponse(plan Plan) PlanResponse {
	features := make(map[string]bool, len(plan.Features.Data()))
	for feature, enabled := range plan.Features.Data() {
		features[string(feature)] = enabled
	}
	limits := make(map[string]int64, len(plan.Limits.Data()))
	for resource, limit := range plan.Limits.Data() {
		limits[string(resource)] = limit
	}
	return PlanResponse{
		ID:            plan.ID.String(),
		Slug:          plan.Slug,
		Name:          plan.Name,
		Description:   plan.Description,
		Tier:          plan.Tier,
		Features:      features,
		Limits:        limits,
		Currency:      plan.Currency,
		MonthlyAmount: plan.MonthlyAmount,
		YearlyAmount:  plan.YearlyAmount,
		TrialDays:     plan.TrialDays,
		IsActive:      plan.IsActive,
		CreatedAt:     plan.CreatedAt,
		UpdatedAt:     plan.UpdatedAt,
	}
}

var (
	ErrInvalidPlan      = errors.New("invalid_plan")
	ErrInvalidName      = errors.New("invalid_name")
	ErrInvalidSlug      = errors.New("invalid_slug")
	ErrInvalidTier      = errors.New("invalid_tier")
	ErrInvalidCurrency  = errors.New("invalid_currency")
	ErrInvalidAmount    = errors.New("invalid_amount")
	ErrInvalidTrialDays = errors.New("invalid_trial_days")
	ErrInvalidLimit     = errors.New("invalid_limit")
	ErrUnknownFeature   = errors.New("unknown_feature")
	ErrUnknownResource  = errors.New("unknown_resource")
	ErrSlugTaken        = errors.New("slug_taken")
	ErrPlanNotFound     = errors.New("plan_not_found")
	ErrPlanInactive     = errors.New("plan_inactive")
)
