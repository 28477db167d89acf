// Command tv is the TaskVault consistency engine CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "tv",
	Short: "TaskVault backup and sync consistency engine",
	Long: `tv manages backups, golden snapshots, restores, and the realtime
sync subscription for a TaskVault account.

Data lives in the hosted store; tv keeps a local history of checksummed
snapshots so data loss and sync bugs are always recoverable.`,
	Version: Version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
