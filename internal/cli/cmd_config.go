package cli

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/tmig/internal/config"
)

// newConfigCmd creates the config command.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Long: `Show the effective configuration after merging all layers:
built-in defaults, system and user config files, the project config
and TMIG_* environment variables.

With --sources, each setting is annotated with the layer it came from.
Tokens are redacted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			showSources, _ := cmd.Flags().GetBool("sources")

			tc, err := config.Load(cfgFile)
			if err != nil {
				return err
			}

			if showSources {
				return printSources(tc)
			}

			redacted := *tc.Config
			if redacted.Source.Token != "" {
				redacted.Source.Token = "<redacted>"
			}
			if redacted.Target.Token != "" {
				redacted.Target.Token = "<redacted>"
			}
			if jsonOut {
				return printJSON(redacted)
			}
			out, err := yaml.Marshal(redacted)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}

	cmd.Flags().Bool("sources", false, "show which layer supplied each setting")
	return cmd
}

func printSources(tc *config.TrackedConfig) error {
	sources := tc.Sources()
	paths := make([]string, 0, len(sources))
	for path := range sources {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	if jsonOut {
		return printJSON(sources)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SETTING\tSOURCE")
	for _, path := range paths {
		fmt.Fprintf(w, "%s\t%s\n", path, sources[path])
	}
	return w.Flush()
}
