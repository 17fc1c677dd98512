package server

import (
	"context"
	"math"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/plangate/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/plangate/internal/observability/metrics"
	"github.com/smallbiznis/plangate/internal/tenantctx"
	"go.uber.org/zap"
)

const (
	rateLimitReasonTenantRate          = "tenant-rate"
	rateLimitReasonResourceConcurrency = "resource-concurrency"
)

// UsageRateLimit throttles usage metering per tenant and holds the tenant
// resource lock for the rest of the chain.
func (s *Server) UsageRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.usageLimiter == nil || !s.usageLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		tenantID, ok := tenantctx.TenantIDFromContext(ctx)
		if !ok {
			AbortWithError(c, ErrTenantRequired)
			return
		}

		endpoint := normalizeRateLimitEndpoint(c)
		result, err := s.usageLimiter.AllowTenant(ctx, tenantID)
		if err != nil {
			logger.FromContext(ctx).Warn("usage tenant rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if result.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		}
		if !result.Allowed {
			denyUsageRateLimit(c, endpoint, rateLimitReasonTenantRate, result.RetryAfter, s.obsMetrics)
			return
		}

		resource := path.Base(endpoint)
		lockToken, acquired, err := s.usageLimiter.TryLockTenantResource(ctx, tenantID, resource)
		if err != nil {
			logger.FromContext(ctx).Warn("usage concurrency lock failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !acquired {
			denyUsageRateLimit(c, endpoint, rateLimitReasonResourceConcurrency, time.Second, s.obsMetrics)
			return
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := s.usageLimiter.ReleaseTenantResource(releaseCtx, tenantID, resource, lockToken); err != nil {
				logger.FromContext(ctx).Warn("usage concurrency unlock failed", zap.Error(err))
			}
		}()

		recordRateLimitAllowed(ctx, endpoint, s.obsMetrics)
		c.Next()
	}
}

func denyUsageRateLimit(c *gin.Context, endpoint, reason string, retryAfter time.Duration, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("usage rate limit exceeded",
		zap.String("reason", reason),
		zap.String("endpoint", endpoint),
	)
	recordRateLimitDenied(ctx, endpoint, reason, metrics)

	c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(retryAfter)))
	c.Header("X-Rate-Limited-Reason", reason)
	AbortWithError(c, ErrRateLimited)
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func recordRateLimitAllowed(ctx context.Context, endpoint string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitAllowed(ctx, endpoint)
}

func recordRateLimitDenied(ctx context.Context, endpoint, reason string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, endpoint, reason)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
