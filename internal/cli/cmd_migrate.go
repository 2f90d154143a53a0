package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/tmig/internal/config"
	"github.com/randalmurphal/tmig/internal/events"
	"github.com/randalmurphal/tmig/internal/metrics"
	"github.com/randalmurphal/tmig/internal/orchestrator"
	"github.com/randalmurphal/tmig/internal/progress"
)

// newMigrateCmd creates the migrate command.
func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate <project-key>",
		Short: "Run a migration",
		Long: `Run a migration for the given project key.

All phases run in order: extract, transform, load, validate. Phases
that already completed are skipped, so re-running after a failure
continues the work (see also "tmig resume").

Examples:
  tmig migrate PROJ                          # full migration
  tmig migrate PROJ --phases extract,load    # a subset of phases
  tmig migrate PROJ --incremental            # changes since the last run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			phases, _ := cmd.Flags().GetStringSlice("phases")
			incremental, _ := cmd.Flags().GetBool("incremental")
			if incremental && len(phases) > 0 {
				return fmt.Errorf("--incremental runs all phases; drop --phases")
			}
			return withOrchestrator(args[0], func(ctx context.Context, o *orchestrator.Orchestrator) error {
				switch {
				case incremental:
					return o.RunIncremental(ctx)
				case len(phases) > 0:
					ordered := make([]orchestrator.Phase, len(phases))
					for i, p := range phases {
						ordered[i] = orchestrator.Phase(p)
					}
					return o.RunPhases(ctx, ordered...)
				default:
					return o.Run(ctx)
				}
			})
		},
	}

	cmd.Flags().StringSlice("phases", nil, "comma-separated subset of phases (extract, transform, load, validate)")
	cmd.Flags().Bool("incremental", false, "migrate only entities changed since the last completed run")
	return cmd
}

// newResumeCmd creates the resume command.
func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <project-key>",
		Short: "Continue an interrupted migration",
		Long: `Continue an interrupted migration.

Every phase not yet completed runs again, followed by a closing
validate. Batches the earlier run finished are not reprocessed, and
entities with a persisted mapping are never created twice in the
target.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(args[0], func(ctx context.Context, o *orchestrator.Orchestrator) error {
				return o.Resume(ctx)
			})
		},
	}
}

// newRollbackCmd creates the rollback command.
func newRollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback <project-key>",
		Short: "Undo a migration",
		Long: `Undo the migration for the given project key.

Target artifacts are deleted in reverse reference order (executions,
cycles, test cases, modules), then the transformed and extracted local
rows are dropped. Mappings stay in the store marked rolled_back so the
history of the run is preserved.

Rollback must be enabled in config (migration.rollback_enabled) or
forced with --force.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			return withOrchestratorConfig(args[0], func(cfg *config.Config) {
				if force {
					cfg.Migration.RollbackEnabled = true
				}
			}, func(ctx context.Context, o *orchestrator.Orchestrator) error {
				return o.Rollback(ctx)
			})
		},
	}
	cmd.Flags().Bool("force", false, "roll back even when disabled in config")
	return cmd
}

// newValidateCmd creates the validate command.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <project-key>",
		Short: "Run validation only",
		Long: `Run the validation phase against the current store contents.

All post-migration rules execute; issues are persisted and a validation
report is written to the configured output directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestratorConfig(args[0], func(cfg *config.Config) {
				cfg.Migration.ValidationEnabled = true
			}, func(ctx context.Context, o *orchestrator.Orchestrator) error {
				return o.RunPhases(ctx, orchestrator.PhaseValidate)
			})
		},
	}
}

// withOrchestrator wires config, store, events and console display
// around fn, handling signals and teardown.
func withOrchestrator(projectKey string, fn func(context.Context, *orchestrator.Orchestrator) error) error {
	return withOrchestratorConfig(projectKey, nil, fn)
}

func withOrchestratorConfig(projectKey string, adjust func(*config.Config),
	fn func(context.Context, *orchestrator.Orchestrator) error) error {

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if adjust != nil {
		adjust(cfg)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	m := metrics.New()
	pub := events.NewPersistentPublisher(store, slog.Default())
	defer pub.Close()

	display := progress.New(os.Stdout, progress.WithQuiet(quiet || jsonOut))
	ch := pub.Subscribe(projectKey)
	defer pub.Unsubscribe(projectKey, ch)
	go display.Watch(ch)

	o, err := buildOrchestrator(cfg, projectKey, store, pub, m)
	if err != nil {
		return err
	}
	defer o.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := fn(ctx, o)

	if jsonOut {
		if snap, err := o.Progress(); err == nil {
			_ = printJSON(snap)
		}
	}
	return runErr
}
