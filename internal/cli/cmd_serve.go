package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/tmig/internal/api"
	"github.com/randalmurphal/tmig/internal/events"
	"github.com/randalmurphal/tmig/internal/metrics"
)

// newServeCmd creates the serve command.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve migration status over HTTP",
		Long: `Serve migration status over HTTP.

Endpoints:
  GET /api/projects         known projects
  GET /api/status?project=  progress snapshot
  GET /api/events?project=  recent workflow events
  GET /api/events/ws        live event stream (websocket)
  GET /api/report?project=  workflow report (json, markdown, text)
  GET /metrics              prometheus metrics
  GET /healthz              liveness

Example:
  tmig serve --addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			// Events published by migrations in this process reach
			// websocket clients; the persistent publisher also keeps
			// the store's event log as the durable record.
			pub := events.NewPersistentPublisher(store, slog.Default())
			defer pub.Close()

			server := api.New(api.Config{Addr: cfg.Server.Addr}, store, pub, metrics.New(), slog.Default())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Printf("Serving on %s (Ctrl+C to stop)\n", cfg.Server.Addr)
			return server.StartContext(ctx)
		},
	}

	cmd.Flags().String("addr", ":8080", "listen address")
	return cmd
}
