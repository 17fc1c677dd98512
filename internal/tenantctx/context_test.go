package tenantctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTenantIDRoundTrip(t *testing.T) {
	ctx := WithTenantID(context.Background(), " tenant-1 ")

	id, ok := TenantIDFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "tenant-1", id)
}

func TestTenantIDMissing(t *testing.T) {
	_, ok := TenantIDFromContext(context.Background())
	assert.False(t, ok)

	_, ok = TenantIDFromContext(WithTenantID(context.Background(), "  "))
	assert.False(t, ok)

	//nolint:staticcheck
	_, ok = TenantIDFromContext(nil)
	assert.False(t, ok)
}
