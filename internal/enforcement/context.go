package enforcement

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/plangate/internal/catalog"
	entitlementdomain "github.com/smallbiznis/plangate/internal/entitlement/domain"
)

const (
	ginEntitlementKey     = "entitlement"
	ginEnabledFeaturesKey = "enabled_features"
)

type entitlementContextKey struct{}

type enabledFeaturesContextKey struct{}

// WithEntitlement stores ent in ctx.
func WithEntitlement(ctx context.Context, ent entitlementdomain.Entitlement) context.Context {
	return context.WithValue(ctx, entitlementContextKey{}, ent)
}

// FromContext returns the entitlement attached by a gate earlier in the chain.
func FromContext(ctx context.Context) (entitlementdomain.Entitlement, bool) {
	if ctx == nil {
		return entitlementdomain.Entitlement{}, false
	}
	ent, ok := ctx.Value(entitlementContextKey{}).(entitlementdomain.Entitlement)
	return ent, ok
}

// EnabledFeaturesFromContext returns the subset attached by CheckFeatures.
func EnabledFeaturesFromContext(ctx context.Context) []catalog.Feature {
	if ctx == nil {
		return nil
	}
	features, _ := ctx.Value(enabledFeaturesContextKey{}).([]catalog.Feature)
	return features
}

func attachEntitlement(c *gin.Context, ent entitlementdomain.Entitlement) {
	c.Set(ginEntitlementKey, ent)
	c.Request = c.Request.WithContext(WithEntitlement(c.Request.Context(), ent))
}

func attachEnabledFeatures(c *gin.Context, features []catalog.Feature) {
	c.Set(ginEnabledFeaturesKey, features)
	c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), enabledFeaturesContextKey{}, features))
}
