// Package main is the entry point for the cellview server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "cellview",
	Short: "cellview - interactive viewer backend for chunked multi-resolution volumes",
	Long: `cellview serves slices of large multi-resolution, multi-timepoint volumes.
Cells are loaded on demand by background fetchers in priority order, and
frames are rendered within a per-frame I/O time budget so the viewer stays
responsive while data streams in.

Use "cellview [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cellview %s (commit: %s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config/server.yaml", "Path to configuration file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(renderCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
