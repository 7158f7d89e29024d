package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// versionCmd is the cobra CLI command for the version subcommand
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "CORDAL binary version information",
		Run:   cmdVersion,
	}
}

// cmdVersion prints the build details
func cmdVersion(*cobra.Command, []string) {
	fmt.Print(BuildDetails())
}
