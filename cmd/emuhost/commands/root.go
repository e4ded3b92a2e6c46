package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	settingsDir string
	verbose     bool
	jsonOutput  bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "emuhost",
		Short: "emuhost - execution environment host for a console virtual machine",
		Long: `emuhost brings up the execution environment of a multi-processor console
virtual machine and tears it down again.

Features:
  - Host CPU feature probing
  - Recompiler providers loaded as WebAssembly modules, with per-role
    fallback to the built-in interpreters
  - Settings in YAML, TOML or CUE, validated and watched for changes
  - Ordered, bounded shutdown of execution workers and shared resources
  - Title catalog and session history in SQLite`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&settingsDir, "settings", "s", "", "settings folder (overrides the default, EMUHOST_SETTINGS_DIR overrides this)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newProbeCommand())
	rootCmd.AddCommand(newProvidersCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newCatalogCommand())
	rootCmd.AddCommand(newSessionsCommand())

	return rootCmd
}
