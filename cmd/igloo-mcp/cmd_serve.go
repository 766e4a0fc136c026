package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"igloomcp/internal/mcp"
	"igloomcp/internal/report"
	"igloomcp/internal/tools"
)

var serveOffline bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server on stdio",
	Long: `Starts the MCP server speaking JSON-RPC 2.0 over stdio. All logging
goes to stderr so stdout stays a clean protocol channel. SIGINT and
SIGTERM drain in-flight calls before exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svcs, cleanup, err := buildServices(ctx, !serveOffline)
		if err != nil {
			return err
		}
		defer cleanup()

		registry := tools.NewRegistry()
		tools.RegisterAll(registry, svcs)
		dispatcher := tools.NewDispatcher(registry, logger.Named("tools"))

		watcher, err := report.NewWatcher(svcs.Storage, logger.Named("watcher"))
		if err != nil {
			logger.Warn("manual-edit watcher unavailable", zap.Error(err))
		} else {
			go func() {
				if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Warn("manual-edit watcher stopped", zap.Error(err))
				}
			}()
		}

		server := mcp.NewServer(registry, dispatcher, "igloo-mcp", version, logger.Named("mcp"))
		logger.Info("mcp server listening on stdio",
			zap.Int("tools", len(registry.All())),
			zap.Bool("offline", serveOffline))
		return server.Serve(ctx, os.Stdin, os.Stdout)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveOffline, "offline", false, "serve without a warehouse connection (report and catalog-file tools only)")
}
