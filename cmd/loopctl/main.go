// Package main is loopctl, the composition root for the value-delivery
// orchestrator: it loads internal/config, wires every pkg/* component
// together, and runs one sprint to completion, a human pause, or the
// iteration/token cap, under a supervisor that restarts the driver on
// panic or unexpected error with bounded, growing backoff.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "loopctl",
	Short: "loopctl drives a sprint through the pre-loop gates and value loop",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run (or resume) the sprint in the current state file to completion",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSupervised(cmd.Context(), configPath)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "loopctl.yaml", "path to the configuration file")
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
