package observability

import (
	"context"
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// MetricsCollector records worker connection activity through OpenTelemetry.
// Readings are exported to a Prometheus registry so the same /metrics
// endpoint serves them alongside the driver collectors.
type MetricsCollector struct {
	provider *sdkmetric.MeterProvider

	spawns        metric.Int64Counter
	spawnFailures metric.Int64Counter
	live          metric.Int64UpDownCounter
	promptLatency metric.Float64Histogram
	promptErrors  metric.Int64Counter
}

// NewMetricsCollector registers with the default Prometheus registry.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	return NewMetricsCollectorWithRegisterer(config, promclient.DefaultRegisterer)
}

// NewMetricsCollectorWithRegisterer builds a collector that exports to reg.
// A disabled config yields a collector whose Record methods do nothing.
func NewMetricsCollectorWithRegisterer(config MetricsConfig, reg promclient.Registerer) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter(instrumentationName)

	spawns, err := meter.Int64Counter(
		"maestro.acp.spawns",
		metric.WithDescription("Worker processes spawned"),
		metric.WithUnit("{process}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create spawns counter: %w", err)
	}
	spawnFailures, err := meter.Int64Counter(
		"maestro.acp.spawn_failures",
		metric.WithDescription("Worker spawns or handshakes that failed"),
		metric.WithUnit("{process}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create spawn failures counter: %w", err)
	}
	live, err := meter.Int64UpDownCounter(
		"maestro.acp.connections",
		metric.WithDescription("Worker connections currently open"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connections gauge: %w", err)
	}
	promptLatency, err := meter.Float64Histogram(
		"maestro.acp.prompt.duration",
		metric.WithDescription("Time for a worker to complete a prompt"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prompt latency histogram: %w", err)
	}
	promptErrors, err := meter.Int64Counter(
		"maestro.acp.prompt.errors",
		metric.WithDescription("Prompts that returned an error"),
		metric.WithUnit("{prompt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prompt errors counter: %w", err)
	}

	return &MetricsCollector{
		provider:      provider,
		spawns:        spawns,
		spawnFailures: spawnFailures,
		live:          live,
		promptLatency: promptLatency,
		promptErrors:  promptErrors,
	}, nil
}

// Shutdown flushes the meter provider.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordSpawn counts a spawn attempt for role.
func (m *MetricsCollector) RecordSpawn(ctx context.Context, role string, err error) {
	if m == nil || m.spawns == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("role", role))
	if err != nil {
		m.spawnFailures.Add(ctx, 1, attrs)
		return
	}
	m.spawns.Add(ctx, 1, attrs)
	m.live.Add(ctx, 1, attrs)
}

// RecordShutdown marks a connection for role as closed.
func (m *MetricsCollector) RecordShutdown(ctx context.Context, role string) {
	if m == nil || m.live == nil {
		return
	}
	m.live.Add(ctx, -1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordPrompt records the latency of one prompt round trip.
func (m *MetricsCollector) RecordPrompt(ctx context.Context, role string, latency time.Duration, err error) {
	if m == nil || m.promptLatency == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		m.promptErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
	}
	m.promptLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("status", status),
	))
}
