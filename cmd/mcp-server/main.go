// Package main is the CLI entry point for the StarRocks diagnostic MCP
// server: the execution arm that runs SQL/SSH/CLI/Prometheus operations on
// behalf of the Central Orchestrator and speaks MCP over stdio to its
// caller.
//
// # Basic usage
//
// Start the server (the only long-running subcommand; the root command on
// its own prints help and does not start it):
//
//	starrocks-mcp-server serve
//
// Print build information:
//
//	starrocks-mcp-server version
//
// # Environment variables
//
// All configuration is read from the environment; see internal/config for
// the full list and defaults:
//
//   - CENTRAL_API, CENTRAL_API_TOKEN
//   - SR_HOST, SR_USER, SR_PASSWORD, SR_PORT
//   - PROMETHEUS_PROTOCOL, PROMETHEUS_HOST, PROMETHEUS_PORT
//   - SSH_USER, SSH_KEY_PATH
//   - ENABLE_LOGGING
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/cliexec"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/config"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/loop"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/logging"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/mcpserver"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/metrics"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/orchestrator"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/remote"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/report"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/session"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/sqlexec"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "starrocks-mcp-server",
		Short:        "StarRocks diagnostic MCP server",
		Long:         "Executes SQL/SSH/CLI/Prometheus operations for a Central Orchestrator over an MCP stdio transport.",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd(), buildVersionCmd())
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "starrocks-mcp-server %s (commit %s)\n", version, commit)
			return nil
		},
	}
}

func buildServeCmd() *cobra.Command {
	var installDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP stdio server",
		Long: `Run the MCP stdio server.

The server reads JSON-RPC requests from stdin and writes responses and
progress notifications to stdout until stdin is closed. All diagnostic
operations it runs are logged to an append-only JSONL audit trail under
the install directory's logs/ subdirectory (when ENABLE_LOGGING=true).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), installDir)
		},
	}
	cmd.Flags().StringVar(&installDir, "install-dir", ".", "Install directory; logs are written under <install-dir>/logs")
	return cmd
}

func runServe(ctx context.Context, installDir string) error {
	cfg := config.Load(installDir)

	logger := logging.New(cfg.LogDir, cfg.EnableLogging)
	defer logger.Close()

	metricsClient, err := metrics.New(cfg.PrometheusBaseURL(), logger)
	if err != nil {
		return fmt.Errorf("connect to prometheus: %w", err)
	}

	deps := loop.Dependencies{
		Orchestrator: orchestrator.New(cfg.CentralAPI, cfg.CentralAPIToken, logger),
		SQL:          sqlexec.New(cfg, logger),
		Metrics:      metricsClient,
		Remote:       remote.New(cfg, logger),
		CLI:          cliexec.New(logger),
		Sessions:     session.New(),
		Logger:       logger,
		ReportSink:   report.Sink{},
	}
	lp := loop.New(deps)
	srv := mcpserver.New(deps.Orchestrator, lp, logger, os.Stdout)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Write(logging.LevelInfo, logging.EventStartup, "mcp server starting", map[string]any{
		"central_api": cfg.CentralAPI,
		"sr_host":     cfg.SRHost,
	})

	return srv.Serve(ctx, os.Stdin)
}
