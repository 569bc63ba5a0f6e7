package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/events"
	"github.com/srg/blelink/internal/tracelog"
)

// traceCmd represents the trace command
var traceCmd = &cobra.Command{
	Use:   "trace <file>",
	Short: "Print a recorded session trace",
	Long: `Decodes a CBOR trace written by 'blelink connect --trace' and prints one
line per event, or a JSON array with --format json.

Examples:
  blelink trace session.cbor
  blelink trace session.cbor --kind disconnected --kind recovering
  blelink trace session.cbor --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runTrace,
}

var (
	traceKinds   []string
	traceAddress string
	traceFormat  string
)

func init() {
	traceCmd.Flags().StringSliceVar(&traceKinds, "kind", nil, "Only show these event kinds (e.g. disconnected,recovering)")
	traceCmd.Flags().StringVar(&traceAddress, "address", "", "Only show events of this device")
	traceCmd.Flags().StringVarP(&traceFormat, "format", "f", "text", "Output format (text, json)")
}

func newTraceFilter(kinds []string, address string) (tracelog.Filter, error) {
	var filter tracelog.Filter
	for _, name := range kinds {
		k, err := events.ParseKind(name)
		if err != nil {
			return tracelog.Filter{}, err
		}
		filter.Kinds = append(filter.Kinds, k)
	}
	if address != "" {
		addr, err := device.ParseAddress(address)
		if err != nil {
			return tracelog.Filter{}, err
		}
		filter.Address = addr.String()
	}
	return filter, nil
}

func runTrace(cmd *cobra.Command, args []string) error {
	if traceFormat != "text" && traceFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [text json]", traceFormat)
	}
	filter, err := newTraceFilter(traceKinds, traceAddress)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	reader, err := tracelog.Open(args[0], filter)
	if err != nil {
		return fmt.Errorf("failed to open trace: %w", err)
	}
	defer reader.Close()

	return printTrace(cmd.OutOrStdout(), reader, traceFormat, true)
}

func printTrace(w io.Writer, reader *tracelog.Reader, format string, timestamps bool) error {
	if format == "json" {
		records, err := reader.ReadAll()
		if err != nil {
			return fmt.Errorf("failed to decode trace: %w", err)
		}
		if records == nil {
			records = []tracelog.Record{}
		}
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(records)
	}

	printer := newEventPrinter(w, isTerminal(w), timestamps)
	for {
		rec, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to decode trace: %w", err)
		}
		printer.PrintRecord(rec)
	}
}
