// Package cli implements the tmig command-line interface.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
	quiet   bool
	jsonOut bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tmig",
	Short: "Test-management data migration tool",
	Long: `tmig migrates test-management data from a Zephyr-style source to a
qTest-style target: folders, test cases with steps and attachments,
test cycles and test executions, preserving all relationships.

Runs are resumable at batch granularity: a failed or interrupted
migration continues where it stopped, and already-loaded entities are
never created twice.

Quick start:
  tmig check                  Verify source, target and store connectivity
  tmig migrate PROJ           Run a full migration for project PROJ
  tmig status PROJ            Show migration progress
  tmig resume PROJ            Continue an interrupted migration
  tmig report PROJ            Render the workflow report`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./tmig.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	viper.SetEnvPrefix("TMIG")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newRollbackCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newReportCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initLogging installs the default slog handler according to the
// persistent flags. The config file's log section applies once a
// command loads it; flags win over both.
func initLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if quiet {
		level = slog.LevelWarn
	}
	var handler slog.Handler
	if jsonOut {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}
