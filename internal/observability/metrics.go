// Package observability wires Minsky's metrics: tool invocation
// counters by name and result, a histogram of bounded-runner durations
// by git subcommand, and a gauge of in-flight per-session locks.
// `minskyd` serves these over /metrics; `minskycli` records into a
// no-op meter so both bridges drive the identical instrumentation
// path.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig controls whether metrics are collected at all and, if
// so, which port the Prometheus exporter listens on.
type MetricsConfig struct {
	Enabled        bool
	PrometheusPort int
}

// Collector records Minsky's runtime metrics. The zero value is not
// usable; construct with NewCollector. When Config.Enabled is false,
// every Record/Increment/Decrement call is a no-op backed by
// go.opentelemetry.io/otel/metric/noop, so call sites never branch on
// whether metrics are on.
type Collector struct {
	meter           metric.Meter
	provider        *sdkmetric.MeterProvider
	server          *http.Server
	toolInvocations metric.Int64Counter
	runnerDuration  metric.Float64Histogram
	sessionLocks    metric.Int64UpDownCounter
}

// NewCollector builds a Collector per cfg. With PrometheusPort == 0,
// metrics are recorded into the SDK's in-process aggregation without
// serving an HTTP endpoint — useful for tests. minskycli, which has no
// long-lived process worth scraping, passes Enabled: false instead.
func NewCollector(cfg MetricsConfig) (*Collector, error) {
	if !cfg.Enabled {
		m := noop.NewMeterProvider().Meter("minsky")
		return newCollectorFromMeter(m, nil)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("minsky")

	c, err := newCollectorFromMeter(meter, provider)
	if err != nil {
		return nil, err
	}

	if cfg.PrometheusPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		c.server = &http.Server{Addr: fmt.Sprintf(":%d", cfg.PrometheusPort), Handler: mux}
		go func() { _ = c.server.ListenAndServe() }()
	}
	return c, nil
}

func newCollectorFromMeter(meter metric.Meter, provider *sdkmetric.MeterProvider) (*Collector, error) {
	toolInvocations, err := meter.Int64Counter(
		"minsky_tool_invocations_total",
		metric.WithDescription("count of CLI/MCP command executions by command id and result"),
	)
	if err != nil {
		return nil, err
	}
	runnerDuration, err := meter.Float64Histogram(
		"minsky_git_runner_duration_seconds",
		metric.WithDescription("bounded git process execution duration by subcommand"),
	)
	if err != nil {
		return nil, err
	}
	sessionLocks, err := meter.Int64UpDownCounter(
		"minsky_session_locks_in_flight",
		metric.WithDescription("number of per-session locks currently held"),
	)
	if err != nil {
		return nil, err
	}
	return &Collector{
		meter:           meter,
		provider:        provider,
		toolInvocations: toolInvocations,
		runnerDuration:  runnerDuration,
		sessionLocks:    sessionLocks,
	}, nil
}

// RecordInvocation records one command execution, the implementation
// behind every CommandDef's handler exit in internal/clibridge and
// internal/mcpbridge. result is "ok" or "error".
func (c *Collector) RecordInvocation(ctx context.Context, commandID, result string) {
	c.toolInvocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command", commandID),
		attribute.String("result", result),
	))
}

// RecordRunnerDuration records how long a single bounded git subcommand
// took, keyed by subcommand name.
func (c *Collector) RecordRunnerDuration(ctx context.Context, subcommand string, seconds float64) {
	c.runnerDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("subcommand", subcommand)))
}

// IncrementSessionLocks and DecrementSessionLocks move the gauge of
// per-session mutexes currently held. session.Service does not call
// them, so the gauge stays at zero unless a caller records into it.
func (c *Collector) IncrementSessionLocks(ctx context.Context) {
	c.sessionLocks.Add(ctx, 1)
}

func (c *Collector) DecrementSessionLocks(ctx context.Context) {
	c.sessionLocks.Add(ctx, -1)
}

// Shutdown flushes and stops the Prometheus HTTP server and the
// underlying SDK MeterProvider, if either was started.
func (c *Collector) Shutdown(ctx context.Context) error {
	if c.server != nil {
		if err := c.server.Shutdown(ctx); err != nil {
			return err
		}
	}
	if c.provider != nil {
		return c.provider.Shutdown(ctx)
	}
	return nil
}
