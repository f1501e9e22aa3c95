package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// cliVersion is used for telemetry service identification.
var cliVersion = "dev"

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	cliVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "webfleet",
		Short: "webfleet - declarative web server fleet manager",
		Long: `webfleet manages nginx, apache and traefik configuration for a hosting
fleet from one declarative YAML tree.

The YAML tree is the single source of truth: sites, upstream groups,
servers and providers are described once, and webfleet generates the
backend-native configuration, detects drift, and reconciles live servers
through a validate-then-activate pipeline with automatic rollback.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newBootstrapCommand())
	rootCmd.AddCommand(newReconfigureCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newDriftCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newSitesCommand())
	rootCmd.AddCommand(newImportCommand())
	rootCmd.AddCommand(newDaemonCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newPushCommand())

	return rootCmd
}
