package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/pipectl/internal/cli"
	"github.com/example/pipectl/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "pipectl",
		Short:   "pipectl - durable phase ledger for issue pipelines",
		Version: version.String(),
		Long: `pipectl tracks entities through a declared workflow phase graph,
records every transition in a durable versioned ledger, and projects the
current phase onto GitHub issue labels.`,
		SilenceUsage: true,
	}

	// Add subcommands
	rootCmd.AddCommand(cli.ConfigureCmd())
	rootCmd.AddCommand(cli.InitCmd())
	rootCmd.AddCommand(cli.TransitionCmd())
	rootCmd.AddCommand(cli.ShowCmd())
	rootCmd.AddCommand(cli.ListCmd())
	rootCmd.AddCommand(cli.SyncCmd())
	rootCmd.AddCommand(cli.DetailCmd())
	rootCmd.AddCommand(cli.ErrorCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitCode(err))
	}
}
