package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the fleet coordination server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}

			logger := initLogger(cfg.Log)
			defer func() { _ = logger.Sync() }()

			logger.Info("Starting AgentFleet",
				zap.String("version", buildVersion()),
				zap.String("build_time", BuildTime),
				zap.String("git_commit", GitCommit),
			)

			var opts []appOption
			if addr != "" {
				opts = append(opts, withListenAddr(addr))
			}
			app, err := newApp(cfg, logger, opts...)
			if err != nil {
				logger.Error("failed to build server", zap.Error(err))
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runApp(ctx, app, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.http_port (e.g. 127.0.0.1:9090)")
	return cmd
}

// runApp 启动服务并阻塞到 ctx 结束，然后在 shutdown_timeout 内完成关闭
func runApp(ctx context.Context, app *App, logger *zap.Logger) error {
	if err := app.Start(ctx); err != nil {
		logger.Error("failed to start server", zap.Error(err))
		_ = app.Shutdown(context.Background())
		return err
	}

	waitErr := app.Wait(ctx)
	if waitErr != nil {
		logger.Error("server stopped unexpectedly", zap.Error(waitErr))
	} else {
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.shutdownTimeout())
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown finished with errors", zap.Error(err))
		if waitErr == nil {
			return err
		}
	}

	logger.Info("AgentFleet stopped")
	return waitErr
}
