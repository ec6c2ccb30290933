// Package main provides the entry point for the ssmerge daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sawamura-io/ssmerge/cmd/ssmerge/commands"
	"github.com/sawamura-io/ssmerge/pkg/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ssmerge",
		Short: "ssmerge - mergerfs union mount manager for manga libraries",
		Long: `ssmerge keeps per-title mergerfs union mounts converged with the
source library trees.

Commands:
  daemon    Watch the library and reconcile mounts continuously
  once      Run a single merge pass and exit
  plan      Show the mounts a merge pass would create, without mounting
  version   Show version information`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewDaemonCommand())
	rootCmd.AddCommand(commands.NewOnceCommand())
	rootCmd.AddCommand(commands.NewPlanCommand())
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "ssmerge %s\n", version.String())
		},
	}
}
