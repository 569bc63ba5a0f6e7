package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blelink",
	Short: "Bluetooth Low Energy session tool",
	Long: `Bluetooth Low Energy (BLE) session tool that provides:

- Scan and discover nearby BLE peripherals
- Hold a session to one peripheral, recovering from abnormal link drops
- Read, write and subscribe to characteristics while the session is ready
- Record session events to a CBOR trace and print traces back

Ideal for firmware development and flaky-link troubleshooting.`,
	Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(traceCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML configuration file")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
