package context

import (
	"context"
	"testing"

	"github.com/smallbiznis/plangate/internal/tenantctx"
	"github.com/stretchr/testify/assert"
)

func TestEnsureCorrelationIDIsStable(t *testing.T) {
	ctx, first := EnsureCorrelationID(context.Background())
	assert.Len(t, first, 26)

	_, second := EnsureCorrelationID(ctx)
	assert.Equal(t, first, second)
}

func TestContextValues(t *testing.T) {
	ctx := WithRequestID(context.Background(), " req-1 ")
	ctx = WithActor(ctx, "admin", "ops@example.test")
	ctx = tenantctx.WithTenantID(ctx, "tenant-9")

	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
	role, id := ActorFromContext(ctx)
	assert.Equal(t, "admin", role)
	assert.Equal(t, "ops@example.test", id)
	assert.Equal(t, "tenant-9", TenantIDFromContext(ctx))
}
