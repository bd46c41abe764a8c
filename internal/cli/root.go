// Package cli implements the taskmesh command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "taskmesh",
	Short: "taskmesh leases chunked work and runs it in sandboxes",
	Long: `taskmesh splits tasks into leased units, hands them to workers and
runs each unit inside an isolated runtime under a deadline.

Configuration comes from TASKMESH_CONFIG (a TOML file) and TASKMESH_*
environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version
	buildVersion = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
