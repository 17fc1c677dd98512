package enforcement

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/plangate/internal/catalog"
	"github.com/smallbiznis/plangate/internal/config"
	entitlementdomain "github.com/smallbiznis/plangate/internal/entitlement/domain"
	"github.com/smallbiznis/plangate/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/plangate/internal/observability/metrics"
	"github.com/smallbiznis/plangate/internal/tenantctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	gateRequireSubscription = "require_subscription"
	gateRequireFeature      = "require_feature"
	gateRequireAnyFeature   = "require_any_feature"
	gateRequireAllFeatures  = "require_all_features"
	gateCheckUsageLimit     = "check_usage_limit"
	gateCheckFeatures       = "check_features"
)

// Resolver returns a tenant's current entitlement.
type Resolver interface {
	Resolve(ctx context.Context, tenantID string) (entitlementdomain.Entitlement, error)
}

// UsageReader reads persisted usage counters.
type UsageReader interface {
	Used(ctx context.Context, tenantID string, resource catalog.ResourceKind) (int64, error)
}

type GateParam struct {
	fx.In

	Log          *zap.Logger
	Resolver     entitlementdomain.Service
	Usage        UsageReader
	Entitlements *config.EntitlementConfigHolder
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

// Gate builds gin middlewares that resolve the tenant's entitlement and then
// allow or deny the request.
type Gate struct {
	log          *zap.Logger
	resolver     Resolver
	usage        UsageReader
	entitlements *config.EntitlementConfigHolder
	obsMetrics   *obsmetrics.Metrics
}

func NewGate(p GateParam) *Gate {
	return &Gate{
		log:          p.Log.Named("enforcement"),
		resolver:     p.Resolver,
		usage:        p.Usage,
		entitlements: p.Entitlements,
		obsMetrics:   p.ObsMetrics,
	}
}

type decision func(c *gin.Context, tenantID string, ent entitlementdomain.Entitlement) *Deny

// RequireSubscription allows tenants with a valid subscription.
func (g *Gate) RequireSubscription() gin.HandlerFunc {
	return g.gate(gateRequireSubscription, nil)
}

// RequireFeature allows tenants whose plan enables feature.
func (g *Gate) RequireFeature(feature catalog.Feature) gin.HandlerFunc {
	g.warnUnknown(feature)
	return g.gate(gateRequireFeature, func(c *gin.Context, _ string, ent entitlementdomain.Entitlement) *Deny {
		if ent.HasFeature(feature) {
			return nil
		}
		deny := g.featureDeny(c.Request.Context(), ent, lowerTier, feature)
		deny.Feature = feature
		return deny
	})
}

// RequireAnyFeature allows tenants with at least one of features.
func (g *Gate) RequireAnyFeature(features ...catalog.Feature) gin.HandlerFunc {
	g.warnUnknown(features...)
	return g.gate(gateRequireAnyFeature, func(c *gin.Context, _ string, ent entitlementdomain.Entitlement) *Deny {
		if len(ent.EnabledSubset(features...)) > 0 {
			return nil
		}
		deny := g.featureDeny(c.Request.Context(), ent, lowerTier, features...)
		deny.Features = features
		return deny
	})
}

// RequireAllFeatures allows tenants with every one of features. A denial
// lists the missing subset and the tier that enables all of it.
func (g *Gate) RequireAllFeatures(features ...catalog.Feature) gin.HandlerFunc {
	g.warnUnknown(features...)
	return g.gate(gateRequireAllFeatures, func(c *gin.Context, _ string, ent entitlementdomain.Entitlement) *Deny {
		missing := ent.MissingFeatures(features...)
		if len(missing) == 0 {
			return nil
		}
		deny := g.featureDeny(c.Request.Context(), ent, higherTier, missing...)
		deny.Features = missing
		return deny
	})
}

// CheckUsageLimit denies once the persisted counter for resource reaches the
// plan limit. Unlimited resources never block. The check is not a
// reservation: concurrent requests may both pass at the boundary.
func (g *Gate) CheckUsageLimit(resource catalog.ResourceKind) gin.HandlerFunc {
	return g.gate(gateCheckUsageLimit, func(c *gin.Context, tenantID string, ent entitlementdomain.Entitlement) *Deny {
		limit, _ := ent.LimitFor(resource)
		if limit == catalog.Unlimited {
			return nil
		}

		ctx := c.Request.Context()
		readCtx, cancel := context.WithTimeout(ctx, g.resolveTimeout())
		used, err := g.usage.Used(readCtx, tenantID, resource)
		cancel()
		if err != nil {
			g.resolutionFailure(ctx, tenantID, "usage", err)
			return newDeny(CodeResolutionFailure)
		}
		if used < limit {
			return nil
		}

		g.obsMetrics.RecordUsageLimitDenied(ctx, string(resource))
		deny := newDeny(CodeUsageLimitExceeded)
		deny.Resource = resource
		deny.Limit = &limit
		deny.Used = &used
		deny.CurrentPlan = ent.Subscription.PlanSlug
		deny.UpgradeURL = g.upgradeURL()
		return deny
	})
}

// CheckFeatures never denies. It attaches the enabled subset of features,
// empty when the tenant cannot be resolved.
func (g *Gate) CheckFeatures(features ...catalog.Feature) gin.HandlerFunc {
	g.warnUnknown(features...)
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		enabled := []catalog.Feature{}

		if tenantID, ok := tenantctx.TenantIDFromContext(ctx); ok {
			ent, err := g.resolver.Resolve(ctx, tenantID)
			switch {
			case err == nil:
				attachEntitlement(c, ent)
				enabled = ent.EnabledSubset(features...)
			case !errors.Is(err, entitlementdomain.ErrNoSubscription):
				g.resolutionFailure(ctx, tenantID, "resolve", err)
			}
		}

		obsmetrics.Entitlement().IncGateDecision(gateCheckFeatures, obsmetrics.GateOutcomeAllow)
		attachEnabledFeatures(c, enabled)
		c.Next()
	}
}

func (g *Gate) gate(name string, decide decision) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		tenantID, ok := tenantctx.TenantIDFromContext(ctx)
		if !ok {
			g.abort(c, name, newDeny(CodeNoTenantContext))
			return
		}

		ent, err := g.resolver.Resolve(ctx, tenantID)
		if err != nil {
			if errors.Is(err, entitlementdomain.ErrNoSubscription) {
				g.abort(c, name, newDeny(CodeNoSubscription))
				return
			}
			g.resolutionFailure(ctx, tenantID, "resolve", err)
			g.abort(c, name, newDeny(CodeResolutionFailure))
			return
		}

		if !ent.IsValid {
			deny := newDeny(CodeSubscriptionInactive)
			deny.CurrentPlan = ent.Subscription.PlanSlug
			deny.UpgradeURL = g.upgradeURL()
			g.abort(c, name, deny)
			return
		}

		if decide != nil {
			if deny := decide(c, tenantID, ent); deny != nil {
				g.abort(c, name, deny)
				return
			}
		}

		obsmetrics.Entitlement().IncGateDecision(name, obsmetrics.GateOutcomeAllow)
		attachEntitlement(c, ent)
		c.Next()
	}
}

func lowerTier(a, b catalog.Tier) bool {
	return catalog.TierIndex(a) < catalog.TierIndex(b)
}

func higherTier(a, b catalog.Tier) bool {
	return catalog.TierIndex(a) > catalog.TierIndex(b)
}

// featureDeny reports the minimum tier of the feature that prefer ranks first.
func (g *Gate) featureDeny(ctx context.Context, ent entitlementdomain.Entitlement, prefer func(a, b catalog.Tier) bool, features ...catalog.Feature) *Deny {
	deny := newDeny(CodeFeatureNotAvailable)
	deny.CurrentPlan = ent.Subscription.PlanSlug
	deny.UpgradeURL = g.upgradeURL()

	var required catalog.Tier
	for _, feature := range features {
		tier, err := catalog.MinimumTierFor(feature)
		if err != nil {
			logger.FromContext(ctx).Error("gate references unknown feature",
				zap.String("feature", string(feature)),
				zap.Bool("bug", true),
			)
			continue
		}
		if required == "" || prefer(tier, required) {
			required = tier
		}
	}
	deny.RequiredTier = required
	return deny
}

func (g *Gate) abort(c *gin.Context, name string, deny *Deny) {
	obsmetrics.Entitlement().IncGateDecision(name, string(deny.Code))
	logger.FromContext(c.Request.Context()).Debug("gate denied request",
		zap.String("gate", name),
		zap.String("code", string(deny.Code)),
	)
	deny.Success = false
	c.Set("deny_code", string(deny.Code))
	c.AbortWithStatusJSON(deny.Code.HTTPStatus(), deny)
}

func (g *Gate) resolutionFailure(ctx context.Context, tenantID, stage string, err error) {
	if !errors.Is(err, entitlementdomain.ErrResolutionFailure) {
		obsmetrics.Entitlement().IncResolutionFailure(stage)
	}
	logger.FromContext(ctx).Error("entitlement resolution failed",
		zap.String("tenant_id", tenantID),
		zap.String("stage", stage),
		zap.Error(err),
	)
}

func (g *Gate) warnUnknown(features ...catalog.Feature) {
	for _, feature := range features {
		if !catalog.IsKnownFeature(feature) {
			g.log.Error("gate registered with unknown feature",
				zap.String("feature", strings.TrimSpace(string(feature))),
				zap.Bool("bug", true),
			)
		}
	}
}

func (g *Gate) resolveTimeout() time.Duration {
	if g.entitlements == nil {
		return config.DefaultEntitlementConfig().ResolveTimeout
	}
	return g.entitlements.Get().ResolveTimeout
}

func (g *Gate) upgradeURL() string {
	if g.entitlements == nil {
		return ""
	}
	return g.entitlements.Get().UpgradeURL
}
