package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/tmig/internal/metrics"
)

// newCheckCmd creates the check command.
func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify source, target and store connectivity",
		Long: `Verify that the configured source service, target service and
persistent store are reachable with the configured credentials.

Run this before a first migration; it catches credential and URL
mistakes without touching any data.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			results := map[string]string{}
			failed := false
			record := func(name string, err error) {
				if err != nil {
					results[name] = err.Error()
					failed = true
					return
				}
				results[name] = "ok"
			}

			store, err := openStore(cfg)
			record("store", err)
			if err == nil {
				_ = store.Close()
			}

			m := metrics.New()
			if source, err := sourceClient(cfg, m); err != nil {
				record("source", err)
			} else {
				record("source", source.CheckConnection(ctx))
			}
			if target, err := targetClient(cfg, m); err != nil {
				record("target", err)
			} else {
				record("target", target.CheckConnection(ctx))
			}

			if jsonOut {
				if err := printJSON(results); err != nil {
					return err
				}
			} else {
				for _, name := range []string{"store", "source", "target"} {
					fmt.Printf("%-8s %s\n", name, results[name])
				}
			}
			if failed {
				return fmt.Errorf("connectivity check failed")
			}
			return nil
		},
	}

	cmd.Flags().Duration("timeout", 30*time.Second, "overall check timeout")
	return cmd
}
