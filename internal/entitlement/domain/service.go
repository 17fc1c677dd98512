package domain

import (
	"context"
	"errors"
)

type Service interface {
	// Resolve returns the tenant's entitlement, from cache when fresh.
	Resolve(ctx context.Context, tenantID string) (Entitlement, error)
	Invalidate(ctx context.Context, tenantID string) error
}

var (
	ErrInvalidTenant  = errors.New("invalid_tenant")
	ErrNoSubscription = errors.New("no_subscription")
	ErrPlanNotFound   = errors.New("plan_not_found")

	// ErrResolutionFailure wraps store errors and timeouts hit while resolving.
	ErrResolutionFailure = errors.New("resolution_failure")
)
