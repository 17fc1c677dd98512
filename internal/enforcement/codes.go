// Package enforcement provides the gin gates that authorize tenant requests
// against their resolved entitlement.
package enforcement

import (
	"net/http"

	"github.com/smallbiznis/plangate/internal/catalog"
)

// Code identifies why a gate denied a request.
type Code string

const (
	CodeNoTenantContext      Code = "NO_TENANT_CONTEXT"
	CodeNoSubscription       Code = "NO_SUBSCRIPTION"
	CodeSubscriptionInactive Code = "SUBSCRIPTION_INACTIVE"
	CodeFeatureNotAvailable  Code = "FEATURE_NOT_AVAILABLE"
	CodeUsageLimitExceeded   Code = "USAGE_LIMIT_EXCEEDED"
	CodeResolutionFailure    Code = "RESOLUTION_FAILURE"
)

var codeStatus = map[Code]int{
	CodeNoTenantContext:      http.StatusUnauthorized,
	CodeNoSubscription:       http.StatusForbidden,
	CodeSubscriptionInactive: http.StatusPaymentRequired,
	CodeFeatureNotAvailable:  http.StatusForbidden,
	CodeUsageLimitExceeded:   http.StatusForbidden,
	CodeResolutionFailure:    http.StatusServiceUnavailable,
}

var codeMessage = map[Code]string{
	CodeNoTenantContext:      "Request is not bound to a tenant.",
	CodeNoSubscription:       "No subscription found for this tenant.",
	CodeSubscriptionInactive: "Subscription is not active.",
	CodeFeatureNotAvailable:  "This feature is not available on your current plan.",
	CodeUsageLimitExceeded:   "Usage limit reached for your current plan.",
	CodeResolutionFailure:    "Entitlements are temporarily unavailable.",
}

// HTTPStatus maps a deny code to its response status.
func (c Code) HTTPStatus() int {
	if status, ok := codeStatus[c]; ok {
		return status
	}
	return http.StatusForbidden
}

// Deny is the structured body returned by every gate denial.
type Deny struct {
	Success      bool                 `json:"success"`
	Code         Code                 `json:"code"`
	Message      string               `json:"message"`
	Feature      catalog.Feature      `json:"feature,omitempty"`
	Features     []catalog.Feature    `json:"features,omitempty"`
	RequiredTier catalog.Tier         `json:"requiredTier,omitempty"`
	CurrentPlan  string               `json:"currentPlan,omitempty"`
	UpgradeURL   string               `json:"upgradeUrl,omitempty"`
	Resource     catalog.ResourceKind `json:"resource,omitempty"`
	Limit        *int64               `json:"limit,omitempty"`
	Used         *int64               `json:"used,omitempty"`
}

func newDeny(code Code) *Deny {
	return &Deny{Code: code, Message: codeMessage[code]}
}
