package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/tmig/internal/report"
)

// newReportCmd creates the report command.
func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <project-key>",
		Short: "Render the workflow report",
		Long: `Render the workflow report for a project: overall status, per-phase
outcomes and durations, entity counts through the pipeline, validation
issue totals and the recent event tail.

By default the report prints to stdout as text. With --output it is
written into the given directory (or the configured output directory
when the flag has no value), named after the project and timestamp.

Examples:
  tmig report PROJ                       # text to stdout
  tmig report PROJ --format markdown
  tmig report PROJ --format json --output reports/`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectKey := args[0]
			formatName, _ := cmd.Flags().GetString("format")
			outputDir, _ := cmd.Flags().GetString("output")
			maxEvents, _ := cmd.Flags().GetInt("events")

			format, err := report.ParseFormat(formatName)
			if err != nil {
				return err
			}
			if jsonOut {
				format = report.FormatJSON
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			rep, err := report.Build(store, projectKey, report.Options{
				MaxEvents: maxEvents,
				Config: map[string]any{
					"batch_size":         cfg.Migration.BatchSize,
					"max_workers":        cfg.Migration.MaxWorkers,
					"validation_enabled": cfg.Migration.ValidationEnabled,
					"rollback_enabled":   cfg.Migration.RollbackEnabled,
				},
			})
			if err != nil {
				return err
			}

			if !cmd.Flags().Changed("output") {
				body, err := rep.Render(format)
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(body)
				return err
			}

			if outputDir == "" {
				outputDir = cfg.Migration.OutputDir
			}
			if err := os.MkdirAll(outputDir, 0o755); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}
			path := filepath.Join(outputDir, report.Filename(projectKey, format, time.Now()))
			if err := rep.WriteFile(path, format); err != nil {
				return err
			}
			fmt.Println("Report written to", path)
			return nil
		},
	}

	cmd.Flags().StringP("format", "f", "text", "report format: json, markdown or text")
	cmd.Flags().StringP("output", "o", "", "write to this directory instead of stdout (empty uses the configured output dir)")
	cmd.Flags().Int("events", 50, "number of recent events to include")
	return cmd
}
