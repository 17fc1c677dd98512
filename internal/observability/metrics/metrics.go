package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	usageRecorded           metric.Int64Counter
	usageLimitDenied        metric.Int64Counter
	planChanges             metric.Int64Counter
	subscriptionTransitions metric.Int64Counter
	planMutations           metric.Int64Counter
	rateLimitDecisions      metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "plangate"
	}
	meter := provider.Meter(name)

	usageRecorded, err := meter.Int64Counter("plangate_usage_recorded_total")
	if err != nil {
		return nil, err
	}
	usageLimitDenied, err := meter.Int64Counter("plangate_usage_limit_denied_total")
	if err != nil {
		return nil, err
	}
	planChanges, err := meter.Int64Counter("plangate_plan_changes_total")
	if err != nil {
		return nil, err
	}
	subscriptionTransitions, err := meter.Int64Counter("plangate_subscription_transitions_total")
	if err != nil {
		return nil, err
	}
	planMutations, err := meter.Int64Counter("plangate_plan_mutations_total")
	if err != nil {
		return nil, err
	}

	rateLimitDecisions, err := meter.Int64Counter("plangate_usage_rate_limit_decisions_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		usageRecorded:           usageRecorded,
		usageLimitDenied:        usageLimitDenied,
		planChanges:             planChanges,
		subscriptionTransitions: subscriptionTransitions,
		planMutations:           planMutations,
		rateLimitDecisions:      rateLimitDecisions,
	}, nil
}

// RecordUsage adds delta to the recorded usage for resource.
func (m *Metrics) RecordUsage(ctx context.Context, resource string, delta int64) {
	if m == nil || delta <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("resource", strings.TrimSpace(resource)))
	m.usageRecorded.Add(ctx, delta, metric.WithAttributes(attrs...))
}

// RecordUsageLimitDenied increments quota denials for resource.
func (m *Metrics) RecordUsageLimitDenied(ctx context.Context, resource string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("resource", strings.TrimSpace(resource)))
	m.usageLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPlanChange increments plan changes by type and whether they were deferred.
func (m *Metrics) RecordPlanChange(ctx context.Context, changeType string, deferred bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("change_type", strings.TrimSpace(changeType)),
		attribute.Bool("deferred", deferred),
	)
	m.planChanges.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSubscriptionTransition increments status transitions.
func (m *Metrics) RecordSubscriptionTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from_status", strings.TrimSpace(from)),
		attribute.String("to_status", strings.TrimSpace(to)),
	)
	m.subscriptionTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPlanMutation increments admin plan mutations by operation.
func (m *Metrics) RecordPlanMutation(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("operation", strings.TrimSpace(operation)))
	m.planMutations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitAllowed counts usage requests admitted by the rate limiter.
func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	m.recordRateLimit(ctx, endpoint, "allowed")
}

// RecordRateLimitDenied counts usage requests rejected for reason.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	m.recordRateLimit(ctx, endpoint, reason)
}

func (m *Metrics) recordRateLimit(ctx context.Context, endpoint, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("outcome", outcome),
	)
	m.rateLimitDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"tier":        {},
	"endpoint":    {},
	"status_code": {},
	"resource":    {},
	"change_type": {},
	"deferred":    {},
	"from_status": {},
	"to_status":   {},
	"operation":   {},
	"reason":      {},
	"outcome":     {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
