package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/plangate/internal/catalog"
	"github.com/smallbiznis/plangate/internal/tenantctx"
	usagedomain "github.com/smallbiznis/plangate/internal/usage/domain"
)

type recordUsageRequest struct {
	Delta int64 `json:"delta" binding:"gte=1"`
}

func (s *Server) GetUsage(c *gin.Context) {
	tenantID, ok := tenantctx.TenantIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	snapshot, err := s.usageSvc.Snapshot(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": snapshot})
}

// RecordUsage meters resource for the tenant. An empty body counts one unit.
func (s *Server) RecordUsage(resource catalog.ResourceKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, ok := tenantctx.TenantIDFromContext(c.Request.Context())
		if !ok {
			AbortWithError(c, ErrTenantRequired)
			return
		}

		req := recordUsageRequest{Delta: 1}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				AbortWithError(c, bindError(err))
				return
			}
		}
		c.Set("resource", string(resource))

		resp, err := s.usageSvc.Increment(c.Request.Context(), usagedomain.RecordUsageRequest{
			TenantID: tenantID,
			Resource: string(resource),
			Delta:    req.Delta,
		})
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"data": resp})
	}
}
