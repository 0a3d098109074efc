// Package cli wires pcapscrub's single cobra command: one entry point, a
// handful of stage-selection flags, and a signal-handling goroutine that
// cancels the in-flight run.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "pcapscrub <input> [flags]",
	Short: "Sanitise PCAP/PCAPNG captures for safe sharing",
	Long: `pcapscrub removes duplicate frames, anonymises IP addresses, and masks
TLS application-data payloads in a packet capture, while preserving
enough structure (headers, flow timing, handshake metadata) for the
result to stay useful for debugging.

Examples:
  # Run the default pipeline (dedup + anonymise) on one file
  pcapscrub capture.pcap

  # Run all three stages with a custom output path
  pcapscrub capture.pcapng -o clean.pcapng --dedup --anon --mask

  # Process every capture in a directory
  pcapscrub ./captures/ --dedup --anon`,
	Args: cobra.ExactArgs(1),
	RunE: runScrub,
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output path (defaults to <stem>_processed.<ext> or <dir>_processed/)")
	rootCmd.Flags().BoolVar(&dedupFlag, "dedup", false, "Run the Dedup stage")
	rootCmd.Flags().BoolVar(&anonFlag, "anon", false, "Run the Anonymise stage")
	rootCmd.Flags().BoolVar(&maskFlag, "mask", false, "Run the Mask stage")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print per-stage progress to stderr")
	rootCmd.Flags().BoolVar(&saveReport, "save-report", false, "Write a JSON stats report alongside the output")
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to a pcapscrub configuration YAML file")
	rootCmd.Flags().StringVar(&progressWSAddr, "progress-addr", "", "Serve progress events to WebSocket subscribers on this address (e.g. :8070)")
	rootCmd.Flags().StringVar(&progressGRPCAddr, "progress-grpc", "", "Serve progress streaming and remote cancel over gRPC on this address")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pcapscrub version %s\n", Version)
	},
}

// Execute runs the root command and returns the process exit code:
// 0 success, 2 validation error, 3 pipeline failure, 130 cancelled.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		if code, ok := err.(exitCode); ok {
			return int(code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 3
	}
	return 0
}

// exitCode lets RunE communicate a specific process exit status without
// every caller needing to know the convention.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit %d", int(e)) }
