package main

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

//go:embed assets/banner.txt
var banner string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gluco-bridge: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "gluco-bridge",
		Short: "Keep a live connection to an xDrip-compatible glucose service",
		Long: `gluco-bridge binds to the process publishing glucose readings, registers a
callback, and forwards readings and connection events to the configured sinks.
Lost connections are retried until the bridge is stopped.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if quiet, _ := cmd.Flags().GetBool("quiet"); !quiet {
				fmt.Fprintln(cmd.ErrOrStderr(), banner)
			}
		},
	}
	root.PersistentFlags().Bool("quiet", false, "do not print the banner")

	root.AddCommand(
		newRunCommand(),
		newValidateCommand(),
		newStatsCommand(),
	)
	return root
}
