package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestEntitlementMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newEntitlementMetrics(registry, Config{ServiceName: "plangate", Environment: "test"})

	m.IncGateDecision("require_feature", "FEATURE_NOT_AVAILABLE")
	m.IncGateDecision("require_feature", "FEATURE_NOT_AVAILABLE")
	m.IncGateDecision("require_feature", GateOutcomeAllow)
	m.IncCacheLookup(CacheResultHit)
	m.IncResolutionFailure("timeout")
	m.ObserveResolve(ResolveSourceStore, 3*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.gateDecisions.WithLabelValues("require_feature", "FEATURE_NOT_AVAILABLE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues(CacheResultHit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resolutionFailures.WithLabelValues("timeout")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.resolveDuration))
}

func TestNilEntitlementMetricsIsSafe(t *testing.T) {
	var m *EntitlementMetrics
	m.IncGateDecision("g", "o")
	m.IncCacheInvalidation(InvalidationSourceRemote)
	m.ObserveResolve(ResolveSourceCache, time.Millisecond)
}
