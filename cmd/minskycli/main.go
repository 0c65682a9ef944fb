// minskycli is Minsky's CLI binary: it wires the shared command
// registry behind internal/clibridge's cobra tree. Each invocation is
// short-lived, so it always records into a no-op meter — there is no
// long-running process here worth scraping.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/edobry/minsky/internal/bootstrap"
	"github.com/edobry/minsky/internal/clibridge"
	"github.com/edobry/minsky/internal/commands"
	cfgpkg "github.com/edobry/minsky/internal/config"
	"github.com/edobry/minsky/internal/logging"
	"github.com/edobry/minsky/internal/observability"
	"github.com/edobry/minsky/internal/registry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "minskycli: loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "minskycli: starting logger: %v\n", err)
		os.Exit(1)
	}

	metrics, err := observability.NewCollector(observability.MetricsConfig{Enabled: false})
	if err != nil {
		fmt.Fprintf(os.Stderr, "minskycli: starting metrics collector: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = metrics.Shutdown(context.Background()) }()

	container, err := bootstrap.Build(ctx, cfg, logger, metrics)
	if err != nil {
		fmt.Fprintf(os.Stderr, "minskycli: initializing: %v\n", err)
		os.Exit(1)
	}
	defer container.Close()

	reg := registry.New()
	if err := commands.Register(reg, container.Deps(cfg.View)); err != nil {
		fmt.Fprintf(os.Stderr, "minskycli: registering commands: %v\n", err)
		os.Exit(1)
	}

	root := clibridge.NewRootCommand(reg, "minsky", "coordinate AI coding agents around tasks, sessions, and rules", metrics)
	cfgpkg.RegisterFlags(root)
	clibridge.Run(root, os.Args[1:])
}

// loadConfig pre-parses Minsky's own global flags (--state-dir,
// --db-url, ...) out of the full argument list before the registry
// tree (whose per-command flags aren't known yet) is built, so a flag
// like `--db-url=... tasks list` still reaches config.Load's flag
// layer. Unknown flags (every per-command one) are tolerated.
func loadConfig(args []string) (*cfgpkg.Config, error) {
	probe := &cobra.Command{Use: "minsky", FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true}}
	cfgpkg.RegisterFlags(probe)
	_ = probe.ParseFlags(args)
	return cfgpkg.Load(probe)
}
