package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("tenant_id", "123"),
		attribute.String("resource", "dishes"),
		attribute.String("change_type", "downgrade"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "tenant_id" {
			t.Fatalf("tenant_id must not be used as a metric label")
		}
	}
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{}, noop.NewMeterProvider())
	require.NoError(t, err)
	assert.NotNil(t, m)

	ctx := context.Background()
	m.RecordUsage(ctx, "dishes", 2)
	m.RecordPlanChange(ctx, "upgrade", false)
	m.RecordSubscriptionTransition(ctx, "trial", "active")

	var nilMetrics *Metrics
	nilMetrics.RecordUsageLimitDenied(ctx, "dishes")
}
