// Package main implements vigilctl, the operator CLI for inspecting a Vigil
// audit chain file without going through the daemon. Every command verifies
// hash linkage while loading, so a tampered chain is reported no matter
// which subcommand touched it.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var chainPath string

// rootCmd is the base command for the vigilctl CLI
var rootCmd = &cobra.Command{
	Use:   "vigilctl",
	Short: "Vigil audit chain inspection tool",
	Long: `vigilctl reads a Vigil audit chain file directly from disk and lets an
operator verify its integrity, export it, or filter its blocks.

The chain file location defaults to <data dir>/chain.json, honoring the
VIGIL_DATA_DIR environment variable the daemon uses.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&chainPath, "chain", defaultChainPath(),
		"Path to the audit chain file")
}

// defaultChainPath mirrors the daemon's data directory resolution.
func defaultChainPath() string {
	dataDir := os.Getenv("VIGIL_DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}
	return filepath.Join(dataDir, "chain.json")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
