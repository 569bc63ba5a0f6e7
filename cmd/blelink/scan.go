package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blelink/internal/device"
	goble "github.com/srg/blelink/internal/device/go-ble"
	"github.com/srg/blelink/internal/events"
	"github.com/srg/blelink/internal/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Every device is reported once, on its first advertisement. With --watch
the discoveries are printed as they happen instead of a final table.`,
	RunE: runScan,
}

var (
	scanDuration    time.Duration
	scanFormat      string
	scanServices    []string
	scanAllowList   []string
	scanBlockList   []string
	scanDuplicates  bool
	scanWatchEvents bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (0 uses the configured scan_duration)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by advertised service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolVar(&scanDuplicates, "duplicates", false, "Ask the adapter to report duplicate advertisements")
	scanCmd.Flags().BoolVarP(&scanWatchEvents, "watch", "w", false, "Print discoveries as they happen")
}

// scanRequest is the validated form of the scan flags
type scanRequest struct {
	opts   scanner.Options
	format string
	watch  bool
}

func newScanRequest(duration time.Duration, format string, services, allow, block []string, duplicates, watch bool) (*scanRequest, error) {
	if format != "table" && format != "json" {
		return nil, fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}

	opts := scanner.DefaultOptions()
	opts.Duration = duration
	opts.AllowDuplicates = duplicates
	opts.AllowList = allow
	opts.BlockList = block
	if len(services) > 0 {
		ids, err := device.ValidateUUID(services...)
		if err != nil {
			return nil, fmt.Errorf("invalid service UUID: %w", err)
		}
		opts.ServiceUUIDs = ids
	}
	return &scanRequest{opts: opts, format: format, watch: watch}, nil
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	duration := scanDuration
	if duration == 0 {
		duration = cfg.ScanDuration
	}
	req, err := newScanRequest(duration, scanFormat, scanServices, scanAllowList, scanBlockList, scanDuplicates, scanWatchEvents)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	backend, err := goble.NewScanner()
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	var progress *progressPrinter
	if !req.watch && isTerminal(os.Stderr) {
		progress = newProgressPrinter(os.Stderr, "Scanning for BLE devices", req.opts.Duration)
		progress.Start()
		defer progress.Stop()
	}

	peers, err := scanPeers(ctx, backend, req, os.Stdout, logger, progress)
	if err != nil || req.watch {
		return err
	}
	return displayPeers(os.Stdout, peers, req.format)
}

// scanPeers runs one scan on backend. In watch mode discoveries are printed to out as they arrive.
func scanPeers(ctx context.Context, backend device.ScanningDevice, req *scanRequest, out io.Writer, logger *logrus.Logger, progress *progressPrinter) ([]scanner.Peer, error) {
	publisher := events.NewPublisher(logger)
	if req.watch {
		publisher.Subscribe(newEventPrinter(out, isTerminal(out), true))
	}

	s := scanner.NewScanner(backend, publisher, logger)
	if !s.Enable() {
		return nil, device.ErrNotInitialized
	}
	if err := s.Configure(req.opts); err != nil {
		return nil, err
	}

	peers, err := s.Scan(ctx)
	if progress != nil {
		progress.Stop()
	}
	if err != nil {
		return nil, err
	}
	if req.watch {
		return nil, nil
	}
	return peers, nil
}

// peerJSON is the json form of a discovered peer
type peerJSON struct {
	Name        string   `json:"name"`
	Address     string   `json:"address"`
	RSSI        int      `json:"rssi"`
	Services    []string `json:"services"`
	Connectable bool     `json:"connectable"`
}

func displayPeers(w io.Writer, peers []scanner.Peer, format string) error {
	if format == "json" {
		list := make([]peerJSON, 0, len(peers))
		for _, p := range peers {
			services := p.Services
			if services == nil {
				services = []string{}
			}
			list = append(list, peerJSON{
				Name:        p.Name,
				Address:     p.Address.String(),
				RSSI:        p.RSSI,
				Services:    services,
				Connectable: p.Connectable,
			})
		}
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(list)
	}

	if len(peers) == 0 {
		fmt.Fprintln(w, "No devices discovered")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI\tSERVICES\tSEEN")
	for _, p := range peers {
		name := p.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		services := strings.Join(p.Services, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%d dBm\t%s\t%d\n", name, p.Address, p.RSSI, services, p.Sightings)
	}
	return tw.Flush()
}

// signalContext is cancelled on Ctrl+C or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nCtrl+C pressed, stopping...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
