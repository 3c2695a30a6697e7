package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds minimal global/persistent flags for CLI commands
type GlobalFlags struct {
	ConfigPath string
}

// buildRoot creates the root command with every subcommand attached.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	clientFlags := &ClientFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createSendCommand(clientFlags),
		createListCommand(clientFlags),
		createStatsCommand(clientFlags),
		createHashTokenCommand(),
		createVersionCommand(),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "reportsink",
		Short: "Token-authenticated sink for agent run reports",
		Long: `reportsink receives JSON reports from automation agents over HTTP,
checks a shared secret, and keeps the newest N reports in a bounded store.

Examples:
  reportsink serve --config=reportsink.toml
  reportsink send --url=http://localhost:8080 --agent=nightly --status=completed --tasks=5
  reportsink list --url=http://localhost:8080 --limit=10
  reportsink hash-token --token=s3cret`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")

	return root
}
