package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/plangate/internal/observability/context"
	"github.com/smallbiznis/plangate/internal/tenantctx"
)

const (
	HeaderTenant    = "X-Tenant-ID"
	HeaderActorRole = "X-Actor-Role"
	HeaderActorID   = "X-Actor-ID"
)

// TenantContext trusts the tenant header set by the upstream gateway. A
// missing header leaves the context empty and the gates answer for it.
func TenantContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		if tenantID := strings.TrimSpace(c.GetHeader(HeaderTenant)); tenantID != "" {
			c.Request = c.Request.WithContext(tenantctx.WithTenantID(c.Request.Context(), tenantID))
		}
		c.Next()
	}
}

// ActorContext records the admin caller asserted by the gateway.
func ActorContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		role := strings.TrimSpace(c.GetHeader(HeaderActorRole))
		id := strings.TrimSpace(c.GetHeader(HeaderActorID))
		if role != "" {
			c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), role, id))
		}
		c.Next()
	}
}
