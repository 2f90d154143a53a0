package cli

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/tmig/internal/db"
	"github.com/randalmurphal/tmig/internal/domain"
	"github.com/randalmurphal/tmig/internal/orchestrator"
)

// mappingTypeFor pairs each entity type with the mapping its load
// writes.
var mappingTypeFor = map[domain.EntityType]db.MappingType{
	domain.EntityFolders:        db.MappingFolderToModule,
	domain.EntityTestCases:      db.MappingCaseToCase,
	domain.EntityTestCycles:     db.MappingCycleToCycle,
	domain.EntityTestExecutions: db.MappingExecutionToRun,
}

// newStatusCmd creates the status command.
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "status <project-key>",
		Aliases: []string{"st"},
		Short:   "Show migration progress",
		Long: `Show migration progress for a project at a glance: per-phase
status, entity counts through the pipeline, incomplete batches and
validation issue totals.

Examples:
  tmig status PROJ            # one-shot overview
  tmig status PROJ --watch    # refresh every 5 seconds
  tmig status PROJ --events 20`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			watch, _ := cmd.Flags().GetBool("watch")
			eventCount, _ := cmd.Flags().GetInt("events")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if watch {
				return watchStatus(store, args[0], eventCount)
			}
			return showStatus(store, args[0], eventCount)
		},
	}

	cmd.Flags().BoolP("watch", "w", false, "refresh status every 5 seconds")
	cmd.Flags().Int("events", 0, "also show the last N workflow events")
	return cmd
}

func showStatus(store *db.DB, projectKey string, eventCount int) error {
	snap, err := orchestrator.Snapshot(store, projectKey)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(snap)
	}

	fmt.Printf("Project %s", projectKey)
	if snap.State.IsIncremental {
		fmt.Print(" (incremental)")
	}
	fmt.Println()
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tSTATUS\tDURATION")
	for _, row := range []struct{ phase, status string }{
		{"extract", snap.State.ExtractionStatus},
		{"transform", snap.State.TransformationStatus},
		{"load", snap.State.LoadingStatus},
		{"rollback", snap.State.RollbackStatus},
	} {
		dur := ""
		if ms, ok := snap.PhaseDurationMS[row.phase]; ok {
			dur = (time.Duration(ms) * time.Millisecond).Round(100 * time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", row.phase, row.status, dur)
	}
	_ = w.Flush()

	if snap.State.ErrorMessage != "" {
		fmt.Printf("\nLast error: %s\n", snap.State.ErrorMessage)
	}

	if len(snap.SourceCounts) > 0 {
		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ENTITY TYPE\tEXTRACTED\tTRANSFORMED\tMAPPED\tBATCHES LEFT")
		types := make([]domain.EntityType, 0, len(snap.SourceCounts))
		for et := range snap.SourceCounts {
			types = append(types, et)
		}
		sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
		for _, et := range types {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", et,
				snap.SourceCounts[et], snap.TransformedCounts[et],
				snap.MappingCounts[mappingTypeFor[et]], snap.IncompleteBatches[et])
		}
		_ = w.Flush()
	}

	if snap.AttachmentsTotal > 0 {
		fmt.Printf("\nAttachments: %d/%d downloaded\n",
			snap.AttachmentsDownloaded, snap.AttachmentsTotal)
	}

	if len(snap.IssueCounts) > 0 {
		fmt.Print("\nValidation issues:")
		for _, level := range []string{"critical", "error", "warning", "info"} {
			if n := snap.IssueCounts[level]; n > 0 {
				fmt.Printf(" %d %s", n, level)
			}
		}
		fmt.Println()
	}

	if eventCount > 0 {
		rows, err := orchestrator.RecentEvents(store, projectKey, eventCount)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			fmt.Println("\nRecent events:")
			for _, ev := range rows {
				fmt.Printf("  %s  %-10s %-12s %s\n",
					ev.CreatedAt.Format("15:04:05"), ev.Phase, ev.Status, ev.Message)
			}
		}
	}
	return nil
}

func watchStatus(store *db.DB, projectKey string, eventCount int) error {
	fmt.Println("Watching status (Ctrl+C to stop)...")
	for {
		fmt.Print("\033[H\033[2J")
		fmt.Printf("tmig status %s (updated %s)\n\n", projectKey, time.Now().Format("15:04:05"))
		if err := showStatus(store, projectKey, eventCount); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
		time.Sleep(5 * time.Second)
	}
}
