// minskyd is Minsky's long-running MCP server binary: it speaks the
// MCP protocol over stdio to a single connected agent client for the
// lifetime of the process, backed by the same command registry
// minskycli uses. Unlike minskycli's short-lived invocations, a
// minskyd process is worth scraping, so its Prometheus exporter is
// enabled whenever --metrics-port/MINSKY_METRICS_PORT names a port.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/edobry/minsky/internal/bootstrap"
	"github.com/edobry/minsky/internal/commands"
	cfgpkg "github.com/edobry/minsky/internal/config"
	"github.com/edobry/minsky/internal/logging"
	"github.com/edobry/minsky/internal/mcpbridge"
	"github.com/edobry/minsky/internal/observability"
	"github.com/edobry/minsky/internal/registry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := cfgpkg.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "minskyd: loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "minskyd: starting logger: %v\n", err)
		os.Exit(1)
	}

	metrics, err := observability.NewCollector(observability.MetricsConfig{
		Enabled:        cfg.MetricsPort > 0,
		PrometheusPort: cfg.MetricsPort,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "minskyd: starting metrics collector: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = metrics.Shutdown(context.Background()) }()

	container, err := bootstrap.Build(ctx, cfg, logger, metrics)
	if err != nil {
		fmt.Fprintf(os.Stderr, "minskyd: initializing: %v\n", err)
		os.Exit(1)
	}
	defer container.Close()

	reg := registry.New()
	if err := commands.Register(reg, container.Deps(cfg.View)); err != nil {
		fmt.Fprintf(os.Stderr, "minskyd: registering commands: %v\n", err)
		os.Exit(1)
	}

	server := mcpbridge.NewServer(reg, mcpbridge.ServerInfo{Name: "minskyd", Version: "dev"}, logger, metrics)
	if err := server.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "minskyd: %v\n", err)
		os.Exit(1)
	}
}
