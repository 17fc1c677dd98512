package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/plangate/internal/catalog"
)

type CreateSubscriptionRequest struct {
	TenantID     string `json:"tenant_id"`
	PlanID       string `json:"plan_id"`
	BillingCycle string `json:"billing_cycle"`
	TrialDays    *int   `json:"trial_days,omitempty"`
}

type ChangePlanRequest struct {
	TenantID  string `json:"-"`
	NewPlanID string `json:"plan_id"`
	Immediate bool   `json:"immediate"`
}

type CancelRequest struct {
	TenantID    string `json:"-"`
	AtPeriodEnd bool   `json:"at_period_end"`
}

type TransitionRequest struct {
	TenantID string `json:"-"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

type StartGracePeriodRequest struct {
	TenantID string `json:"-"`
	Days     int    `json:"days"`
	Reason   string `json:"reason"`
}

type ChangePlanResult struct {
	ChangeType   PendingChangeType    `json:"change_type"`
	Deferred     bool                 `json:"deferred"`
	Subscription SubscriptionResponse `json:"subscription"`
}

type SubscriptionResponse struct {
	ID                 string                         `json:"id"`
	TenantID           string                         `json:"tenant_id"`
	PlanID             string                         `json:"plan_id"`
	PreviousPlanID     *string                        `json:"previous_plan_id,omitempty"`
	Status             SubscriptionStatus             `json:"status"`
	BillingCycle       BillingCycle                   `json:"billing_cycle"`
	CurrentPeriodStart time.Time                      `json:"current_period_start"`
	CurrentPeriodEnd   time.Time                      `json:"current_period_end"`
	TrialEndsAt        *time.Time                     `json:"trial_ends_at,omitempty"`
	CancelledAt        *time.Time                     `json:"cancelled_at,omitempty"`
	PendingChange      *PendingChange                 `json:"pending_change,omitempty"`
	GracePeriod        *GracePeriod                   `json:"grace_period,omitempty"`
	Usage              map[catalog.ResourceKind]int64 `json:"usage"`
	IsValid            bool                           `json:"is_valid"`
	CreatedAt          time.Time                      `json:"created_at"`
	UpdatedAt          time.Time                      `json:"updated_at"`
}

type PlanChangeResponse struct {
	ID            string            `json:"id"`
	FromPlanID    string            `json:"from_plan_id"`
	ToPlanID      *string           `json:"to_plan_id,omitempty"`
	ChangeType    PendingChangeType `json:"change_type"`
	ArchivedItems ArchivedItems     `json:"archived_items"`
	AppliedAt     time.Time         `json:"applied_at"`
}

//go:generate mockgen -source=service.go -destination=./mocks/mock_service.go -package=mocks
type Service interface {
	Create(context.Context, CreateSubscriptionRequest) (SubscriptionResponse, error)
	Get(ctx context.Context, tenantID string) (SubscriptionResponse, error)
	ChangePlan(context.Context, ChangePlanRequest) (ChangePlanResult, error)
	Cancel(context.Context, CancelRequest) (SubscriptionResponse, error)
	Transition(context.Context, TransitionRequest) (SubscriptionResponse, error)
	StartGracePeriod(context.Context, StartGracePeriodRequest) (SubscriptionResponse, error)
	EndGracePeriod(ctx context.Context, tenantID string) (SubscriptionResponse, error)
	History(ctx context.Context, tenantID string) ([]PlanChangeResponse, error)
	ResetUsage(ctx context.Context, tenantID string) error
	ApplyDuePendingChange(ctx context.Context, tenantID string) (bool, error)
	RollPeriod(ctx context.Context, tenantID string) (bool, error)
}

var (
	ErrInvalidTenant          = errors.New("invalid_tenant")
	ErrInvalidPlan            = errors.New("invalid_plan")
	ErrInvalidStatus          = errors.New("invalid_status")
	ErrInvalidTransition      = errors.New("invalid_transition")
	ErrInvalidBillingCycle    = errors.New("invalid_billing_cycle")
	ErrInvalidTrialDays       = errors.New("invalid_trial_days")
	ErrInvalidGraceDays       = errors.New("invalid_grace_days")
	ErrSubscriptionExists     = errors.New("subscription_exists")
	ErrSubscriptionNotFound   = errors.New("subscription_not_found")
	ErrSubscriptionTerminal   = errors.New("subscription_terminal")
	ErrSamePlan               = errors.New("same_plan")
	ErrPlanInactive           = errors.New("plan_inactive")
	ErrGraceNotAllowed        = errors.New("grace_not_allowed")
	ErrConcurrentModification = errors.New("concurrent_modification")
)
