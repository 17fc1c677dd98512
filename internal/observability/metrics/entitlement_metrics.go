package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	CacheResultHit  = "hit"
	CacheResultMiss = "miss"

	ResolveSourceCache = "cache"
	ResolveSourceStore = "store"

	InvalidationSourceLocal  = "local"
	InvalidationSourceRemote = "remote"

	GateOutcomeAllow = "allow"
)

// EntitlementMetrics captures gate decisions and resolution health on the hot path.
type EntitlementMetrics struct {
	gateDecisions      *prometheus.CounterVec
	resolutionFailures *prometheus.CounterVec
	cacheLookups       *prometheus.CounterVec
	cacheInvalidations *prometheus.CounterVec
	resolveDuration    *prometheus.HistogramVec
}

var (
	entitlementMetricsOnce sync.Once
	entitlementMetrics     *EntitlementMetrics
)

// Entitlement returns the singleton entitlement metrics registry.
func Entitlement() *EntitlementMetrics {
	return EntitlementWithConfig(Config{})
}

// EntitlementWithConfig returns the singleton entitlement metrics registry using config labels.
func EntitlementWithConfig(cfg Config) *EntitlementMetrics {
	entitlementMetricsOnce.Do(func() {
		entitlementMetrics = newEntitlementMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return entitlementMetrics
}

// ResetEntitlementMetricsForTest resets the entitlement metrics singleton for tests.
func ResetEntitlementMetricsForTest() {
	entitlementMetricsOnce = sync.Once{}
	entitlementMetrics = nil
}

func newEntitlementMetrics(registerer prometheus.Registerer, cfg Config) *EntitlementMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := constLabelsFor(cfg)

	gateDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "plangate_gate_decisions_total",
		Help:        "Enforcement gate outcomes by gate and deny code.",
		ConstLabels: constLabels,
	}, []string{"gate", "outcome"})
	resolutionFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "plangate_resolution_failures_total",
		Help:        "Entitlement resolutions that failed closed.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "plangate_entitlement_cache_lookups_total",
		Help:        "Entitlement cache lookups by result.",
		ConstLabels: constLabels,
	}, []string{"result"})
	cacheInvalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "plangate_entitlement_cache_invalidations_total",
		Help:        "Entitlement cache evictions by origin.",
		ConstLabels: constLabels,
	}, []string{"source"})
	resolveDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "plangate_entitlement_resolve_duration_seconds",
		Help:        "Time to produce an entitlement, by source.",
		Buckets:     []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		ConstLabels: constLabels,
	}, []string{"source"})

	registerer.MustRegister(
		gateDecisions,
		resolutionFailures,
		cacheLookups,
		cacheInvalidations,
		resolveDuration,
	)

	return &EntitlementMetrics{
		gateDecisions:      gateDecisions,
		resolutionFailures: resolutionFailures,
		cacheLookups:       cacheLookups,
		cacheInvalidations: cacheInvalidations,
		resolveDuration:    resolveDuration,
	}
}

// IncGateDecision records an allow or the deny code returned by a gate.
func (m *EntitlementMetrics) IncGateDecision(gate, outcome string) {
	if m == nil {
		return
	}
	m.gateDecisions.WithLabelValues(gate, outcome).Inc()
}

// IncResolutionFailure records a fail-closed resolution.
func (m *EntitlementMetrics) IncResolutionFailure(reason string) {
	if m == nil {
		return
	}
	m.resolutionFailures.WithLabelValues(reason).Inc()
}

// IncCacheLookup records a cache hit or miss.
func (m *EntitlementMetrics) IncCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// IncCacheInvalidation records an eviction.
func (m *EntitlementMetrics) IncCacheInvalidation(source string) {
	if m == nil {
		return
	}
	m.cacheInvalidations.WithLabelValues(source).Inc()
}

// ObserveResolve records resolution latency.
func (m *EntitlementMetrics) ObserveResolve(source string, duration time.Duration) {
	if m == nil {
		return
	}
	m.resolveDuration.WithLabelValues(source).Observe(duration.Seconds())
}
