package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time via ldflags.
var (
	version = "0.1.0-dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "glassbox",
		Short: "Glassbox - activation telemetry for transformer runs",
		Long: `glassbox samples transformer activations through capture hooks,
reduces them to residual-mode geometry, and persists the per-run
telemetry so runs can be compared against each other.

Experiments execute against a deterministic synthetic model, so a
YAML spec reproduces the same run bit for bit.`,
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("root", "", "Data root directory (default ~/.glassbox)")
	rootCmd.PersistentFlags().String("store", "", "Run store backend: memory, file, sqlite, postgres")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: info, debug, trace")

	// Add subcommands
	rootCmd.AddCommand(
		newRunCmd(),
		newListCmd(),
		newShowCmd(),
		newCompareCmd(),
		newExportCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
