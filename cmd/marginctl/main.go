// Command marginctl inspects the recovery records and document snapshots a
// marginalia API instance leaves on disk.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"marginalia/api/internal/config"
	"marginalia/api/internal/logger"
)

var (
	version = "dev"
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "marginctl",
	Short:   "Operator tools for the marginalia API",
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		level := "warn"
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			level = "debug"
		}
		l, err := logger.New(level, "console")
		if err != nil {
			return err
		}
		log = l
		return nil
	},
}

var (
	cfg = config.Load()
	log = zap.NewNop()
)

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
