package domain

import (
	"context"
	"errors"

	"github.com/smallbiznis/plangate/internal/catalog"
)

type RecordUsageRequest struct {
	TenantID string `json:"-"`
	Resource string `json:"-"`
	Delta    int64  `json:"delta"`
}

type RecordUsageResponse struct {
	Resource catalog.ResourceKind `json:"resource"`
	Used     int64                `json:"used"`
}

// Snapshot maps every catalog resource to its usage in the current period.
type Snapshot map[catalog.ResourceKind]int64

type Service interface {
	Increment(context.Context, RecordUsageRequest) (RecordUsageResponse, error)
	Used(ctx context.Context, tenantID string, resource catalog.ResourceKind) (int64, error)
	Snapshot(ctx context.Context, tenantID string) (Snapshot, error)
	Reset(ctx context.Context, tenantID string) error
}

var (
	ErrInvalidTenant        = errors.New("invalid_tenant")
	ErrInvalidResource      = errors.New("invalid_resource")
	ErrInvalidDelta         = errors.New("invalid_delta")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
)
