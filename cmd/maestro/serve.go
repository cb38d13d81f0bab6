package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"maestro/internal/async"
	"maestro/internal/logging"
	"maestro/internal/server"
	"maestro/internal/taskstore"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the task API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(cfg, "")
			if err != nil {
				return err
			}
			defer rt.Close()

			logger := logging.NewComponentLogger("Server")
			srv := server.New(rt.driver, taskstore.New(cfg.State.MaxTasks), server.Config{
				Addr:         cfg.Server.Addr,
				EnableCORS:   cfg.Server.EnableCORS,
				Debug:        root.verbosity >= 2,
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}, server.WithLogger(logger), server.WithTracer(rt.tracer))

			errCh := make(chan error, 1)
			async.Go(logger, "http-server", func() {
				errCh <- srv.Start()
			})
			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: server.addr)")
	return cmd
}
