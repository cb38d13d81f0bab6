package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"maestro/internal/acp"
	"maestro/internal/config"
	"maestro/internal/driver"
	"maestro/internal/logging"
	"maestro/internal/observability"
	"maestro/internal/registry"
)

const shutdownTimeout = 10 * time.Second

// runtime is the wired driver plus the observability providers it feeds.
type runtime struct {
	cfg         config.Config
	registry    *registry.Registry
	driver      *driver.Driver
	tracer      *observability.TracerProvider
	connMetrics *observability.MetricsCollector
	logger      logging.Logger
}

// newRuntime builds a driver from cfg. A non-empty cwd overrides
// driver.cwd.
func newRuntime(cfg config.Config, cwd string) (*runtime, error) {
	logger := logging.NewComponentLogger("CLI")

	reg, err := cfg.Registry()
	if err != nil {
		return nil, err
	}

	cwd, err = resolveCwd(cwd, cfg.Driver.Cwd)
	if err != nil {
		return nil, err
	}

	tracer, err := observability.NewTracerProvider(cfg.Observability.Tracing)
	if err != nil {
		return nil, err
	}
	connMetrics, err := observability.NewMetricsCollector(cfg.Observability.Metrics)
	if err != nil {
		_ = tracer.Shutdown(context.Background())
		return nil, err
	}
	var metrics *driver.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = driver.DefaultMetrics()
	}

	d := driver.New(reg, driver.Config{
		Cwd:           cwd,
		MaxFailures:   cfg.Driver.MaxFailures,
		MaxIterations: cfg.Arbiter.MaxIterations,
		ArbiterRole:   cfg.Arbiter.Role,
		IdleTimeout:   cfg.Driver.IdleTimeout,
		ClientInfo:    acp.ClientInfo{Name: "maestro", Version: appVersion()},
	},
		driver.WithLogger(logging.NewComponentLogger("Driver")),
		driver.WithMetrics(metrics),
		driver.WithConnectionMetrics(connMetrics),
		driver.WithTracer(tracer),
	)

	for _, source := range cfg.Sources {
		logger.Debug("Loaded config from %s", source)
	}
	return &runtime{
		cfg:         cfg,
		registry:    reg,
		driver:      d,
		tracer:      tracer,
		connMetrics: connMetrics,
		logger:      logger,
	}, nil
}

// Close stops every worker and flushes telemetry.
func (r *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	r.driver.Shutdown(ctx)
	if err := r.tracer.Shutdown(ctx); err != nil {
		r.logger.Warn("Failed to flush traces: %v", err)
	}
	if err := r.connMetrics.Shutdown(ctx); err != nil {
		r.logger.Warn("Failed to flush metrics: %v", err)
	}
}

// resolveCwd picks the flag value over the configured directory and makes it
// absolute. An empty result leaves the choice to the driver.
func resolveCwd(flag, configured string) (string, error) {
	cwd := flag
	if cwd == "" {
		cwd = configured
	}
	if cwd == "" {
		return "", nil
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return "", fmt.Errorf("resolve working directory %s: %w", cwd, err)
	}
	return abs, nil
}
