package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/plangate/internal/catalog"
	"github.com/smallbiznis/plangate/internal/enforcement"
	entitlementdomain "github.com/smallbiznis/plangate/internal/entitlement/domain"
	"github.com/smallbiznis/plangate/internal/observability/logger"
	"github.com/smallbiznis/plangate/internal/tenantctx"
	"go.uber.org/zap"
)

// GetEntitlement returns the entitlement attached by the subscription gate.
func (s *Server) GetEntitlement(c *gin.Context) {
	ent, ok := enforcement.FromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": ent})
}

// CheckEntitlementFeatures reports which of the comma separated features the
// tenant has. It never denies; an unresolvable tenant has none.
func (s *Server) CheckEntitlementFeatures(c *gin.Context) {
	features, err := parseFeatureList(c.Query("features"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	enabled := []catalog.Feature{}
	if tenantID, ok := tenantctx.TenantIDFromContext(ctx); ok {
		ent, err := s.entitlementSvc.Resolve(ctx, tenantID)
		switch {
		case err == nil:
			enabled = ent.EnabledSubset(features...)
		case !errors.Is(err, entitlementdomain.ErrNoSubscription):
			logger.FromContext(ctx).Warn("entitlement check failed closed", zap.Error(err))
		}
	}

	result := make(map[catalog.Feature]bool, len(features))
	for _, feature := range features {
		result[feature] = false
	}
	for _, feature := range enabled {
		result[feature] = true
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"enabled":  enabled,
		"features": result,
	}})
}

func parseFeatureList(raw string) ([]catalog.Feature, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, newValidationError("features", "required", "features is required")
	}

	seen := map[catalog.Feature]struct{}{}
	features := make([]catalog.Feature, 0)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		feature, err := catalog.ParseFeature(part)
		if err != nil {
			return nil, newValidationError("features", "unknown_feature", "unknown feature "+part)
		}
		if _, ok := seen[feature]; ok {
			continue
		}
		seen[feature] = struct{}{}
		features = append(features, feature)
	}
	if len(features) == 0 {
		return nil, newValidationError("features", "required", "features is required")
	}
	return features, nil
}
