package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFillsDefaults(t *testing.T) {
	cfg := Config{Tracing: TracingConfig{Enabled: true, SampleRate: 3}}.Normalize()

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "otlp", cfg.Tracing.Exporter)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRate)
	assert.Equal(t, "maestro", cfg.Tracing.ServiceName)
}

func TestLoggerAttachesTaskID(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: buf})

	ctx := ContextWithTaskID(context.Background(), "18f2a-00ab")
	logger.InfoContext(ctx, "step finished", "role", "developer")

	out := buf.String()
	require.Contains(t, out, `"task_id":"18f2a-00ab"`)
	require.Contains(t, out, `"role":"developer"`)
}

func TestLoggerRespectsLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(LogConfig{Level: "error", Output: buf})
	logger.Warn("dropped")
	require.Empty(t, buf.String())
	logger.Error("kept")
	require.Contains(t, buf.String(), "kept")
}

func TestUnsupportedExporterIsRejected(t *testing.T) {
	_, err := NewTracerProvider(TracingConfig{Enabled: true, Exporter: "carrier-pigeon"})
	require.ErrorContains(t, err, "unsupported exporter")
}

func TestDisabledTracingIsNoop(t *testing.T) {
	tp, err := NewTracerProvider(TracingConfig{})
	require.NoError(t, err)
	_, span := tp.StartSpan(context.Background(), SpanTaskRun)
	require.False(t, span.SpanContext().IsValid())
	EndSpan(span, errors.New("ignored"))
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestMetricsCollectorExportsToRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewMetricsCollectorWithRegisterer(MetricsConfig{Enabled: true}, reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = collector.Shutdown(context.Background()) })

	ctx := context.Background()
	collector.RecordSpawn(ctx, "developer", nil)
	collector.RecordPrompt(ctx, "developer", 20*time.Millisecond, nil)
	collector.RecordShutdown(ctx, "developer")

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, family := range families {
		names = append(names, family.GetName())
	}
	// The exporter keeps the dotted instrument names and appends unit and
	// counter suffixes.
	require.Contains(t, names, "maestro.acp.spawns_total")
	require.Contains(t, names, "maestro.acp.connections")
	require.Contains(t, names, "maestro.acp.prompt.duration_seconds")
	require.NotContains(t, names, "maestro.acp.spawn_failures_total")
}

func TestDisabledMetricsCollectorIsSafe(t *testing.T) {
	collector, err := NewMetricsCollector(MetricsConfig{})
	require.NoError(t, err)
	collector.RecordSpawn(context.Background(), "x", nil)
	collector.RecordPrompt(context.Background(), "x", time.Second, errors.New("boom"))
	require.NoError(t, collector.Shutdown(context.Background()))

	var nilCollector *MetricsCollector
	nilCollector.RecordShutdown(context.Background(), "x")
}
