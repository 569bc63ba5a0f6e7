package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blelink/internal/config"
	"github.com/srg/blelink/internal/device"
	goble "github.com/srg/blelink/internal/device/go-ble"
	"github.com/srg/blelink/internal/events"
	"github.com/srg/blelink/internal/session"
	"github.com/srg/blelink/internal/tracelog"
)

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect <device-address>",
	Short: "Hold a session to a device and print its events",
	Long: fmt.Sprintf(`Connects to a BLE device, discovers its services and prints every
session event. Abnormal link drops are recovered automatically.

Reads and writes run once the session is ready. Without --notify or
--duration the command exits after they are acknowledged; otherwise it
runs until Ctrl+C or the duration elapses.

Examples:
  # Read the battery level
  blelink connect %s --read 2a19

  # Write with acknowledgement, then stream heart rate notifications
  blelink connect %s --write 2a39=01 --notify 2a37

  # Record the session for later inspection
  blelink connect %s --notify 2a37 --trace session.cbor --duration 1m

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

var (
	connectReads           []string
	connectWrites          []string
	connectNotify          []string
	connectWithoutResponse bool
	connectTrace           string
	connectDuration        time.Duration
)

func init() {
	connectCmd.Flags().StringSliceVar(&connectReads, "read", nil, "Characteristic UUID(s) to read once ready")
	connectCmd.Flags().StringArrayVar(&connectWrites, "write", nil, "uuid=hex value to write once ready (repeatable)")
	connectCmd.Flags().StringSliceVar(&connectNotify, "notify", nil, "Characteristic UUID(s) to subscribe to")
	connectCmd.Flags().BoolVar(&connectWithoutResponse, "without-response", false, "Write without response")
	connectCmd.Flags().StringVar(&connectTrace, "trace", "", "Record session events to this CBOR file")
	connectCmd.Flags().DurationVar(&connectDuration, "duration", 0, "Stop after this long (0 runs until Ctrl+C or completion)")
}

// writeRequest is one parsed --write value
type writeRequest struct {
	ID   uuid.UUID
	Data []byte
}

// sessionPlan is what runSession does with a ready session
type sessionPlan struct {
	Address         string
	Reads           []uuid.UUID
	Writes          []writeRequest
	Notify          []uuid.UUID
	WithoutResponse bool
	Duration        time.Duration
	TracePath       string
}

// untilCancelled reports whether the session outlives its reads and writes
func (p *sessionPlan) untilCancelled() bool {
	return len(p.Notify) > 0 || p.Duration > 0
}

// parseWriteSpec parses "uuid=hex"; the hex value may carry a 0x prefix
func parseWriteSpec(spec string) (writeRequest, error) {
	idPart, valuePart, ok := strings.Cut(spec, "=")
	if !ok {
		return writeRequest{}, fmt.Errorf("invalid write %q: expected uuid=hex", spec)
	}
	id, err := device.ParseUUID(idPart)
	if err != nil {
		return writeRequest{}, err
	}
	valuePart = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(valuePart)), "0x")
	data, err := hex.DecodeString(valuePart)
	if err != nil {
		return writeRequest{}, fmt.Errorf("invalid write value %q: %w", spec, err)
	}
	return writeRequest{ID: id, Data: data}, nil
}

func newSessionPlan(address string, reads, writes, notify []string, withoutResponse bool, duration time.Duration, tracePath string) (*sessionPlan, error) {
	if _, err := device.ParseAddress(address); err != nil {
		return nil, err
	}
	plan := &sessionPlan{
		Address:         address,
		WithoutResponse: withoutResponse,
		Duration:        duration,
		TracePath:       tracePath,
	}

	var err error
	if len(reads) > 0 {
		if plan.Reads, err = device.ValidateUUID(reads...); err != nil {
			return nil, fmt.Errorf("invalid --read: %w", err)
		}
	}
	if len(notify) > 0 {
		if plan.Notify, err = device.ValidateUUID(notify...); err != nil {
			return nil, fmt.Errorf("invalid --notify: %w", err)
		}
	}
	for _, spec := range writes {
		w, err := parseWriteSpec(spec)
		if err != nil {
			return nil, err
		}
		plan.Writes = append(plan.Writes, w)
	}
	return plan, nil
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	plan, err := newSessionPlan(args[0], connectReads, connectWrites, connectNotify, connectWithoutResponse, connectDuration, connectTrace)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	transport := goble.NewTransport(goble.TransportOptions{
		ConnectTimeout:   cfg.ConnectTimeout,
		AbnormalStatus:   device.Status(cfg.AbnormalStatus),
		RetryDialTimeout: cfg.RetryDialTimeout,
	}, logger)

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	out := os.Stdout
	return runSession(ctx, transport, cfg, plan, newEventPrinter(out, isTerminal(out), true), logger)
}

// runSession drives one session on transport according to plan, printing every event
func runSession(ctx context.Context, transport device.Transport, cfg *config.Config, plan *sessionPlan, printer *eventPrinter, logger *logrus.Logger) error {
	publisher := events.NewPublisher(logger)
	queue := events.NewQueue(cfg.EventQueueSize)
	defer queue.Close()
	publisher.Subscribe(queue)

	if plan.TracePath != "" {
		recorder, err := tracelog.Create(plan.TracePath, uint32(cfg.TraceBufferSize), logger)
		if err != nil {
			return err
		}
		publisher.Subscribe(recorder)
		defer func() {
			if err := recorder.Close(); err != nil {
				logger.WithError(err).Warn("Failed to close trace")
			}
		}()
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if plan.Duration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, plan.Duration)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	mgr := session.NewManager(transport, publisher, cfg.SessionOptions(), logger)
	if err := mgr.Start(runCtx); err != nil {
		return err
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close session")
		}
		cancel()
		mgr.Wait()
		for {
			ev, ok := queue.TryNext()
			if !ok {
				return
			}
			printer.Handle(ev)
		}
	}()

	if err := mgr.Connect(runCtx, plan.Address); err != nil {
		return err
	}

	d := &sessionDriver{mgr: mgr, plan: plan}
	for {
		ev, ok := queue.Next(runCtx)
		if !ok {
			break
		}
		printer.Handle(ev)

		done, err := d.handle(ev)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	// A duration that elapsed is a normal end of the session
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil
	}
	return ctx.Err()
}

// sessionDriver applies a plan to the session as its events arrive
type sessionDriver struct {
	mgr     *session.Manager
	plan    *sessionPlan
	applied bool
	pending int
}

// handle reacts to one event and reports whether the plan is complete
func (d *sessionDriver) handle(ev events.Event) (bool, error) {
	switch e := ev.(type) {
	case events.ServicesDiscovered:
		if !e.Ready {
			return false, fmt.Errorf("%w: peer %s", device.ErrDiscoveryFailed, e.Peer())
		}
		if err := d.subscribe(); err != nil {
			return false, err
		}
		if !d.applied {
			d.applied = true
			if err := d.exchange(); err != nil {
				return false, err
			}
		}
	case events.DataAvailable:
		if e.Status != device.StatusSuccess {
			return false, fmt.Errorf("%w: %s of %s returned status %s",
				ErrOperationFailed, e.Origin, device.ShortUUID(e.CharacteristicID), e.Status)
		}
		if e.Origin != events.OriginNotify && d.pending > 0 {
			d.pending--
		}
	case events.Disconnected:
		if !e.Abnormal {
			return false, fmt.Errorf("%w (status %s)", ErrConnectionLost, e.Status)
		}
		return false, nil
	}
	return d.applied && d.pending == 0 && !d.plan.untilCancelled(), nil
}

// subscribe enables notifications; it runs again on every recovered link
func (d *sessionDriver) subscribe() error {
	for _, id := range d.plan.Notify {
		if err := d.mgr.SetNotify(id, true); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", device.ShortUUID(id), err)
		}
	}
	return nil
}

// exchange issues the one-shot reads and writes
func (d *sessionDriver) exchange() error {
	for _, id := range d.plan.Reads {
		if err := d.mgr.ReadCharacteristic(id); err != nil {
			return fmt.Errorf("failed to read %s: %w", device.ShortUUID(id), err)
		}
		d.pending++
	}

	var opts []session.WriteOption
	if d.plan.WithoutResponse {
		opts = append(opts, session.WithoutResponse())
	}
	for _, w := range d.plan.Writes {
		if err := d.mgr.WriteCharacteristic(w.ID, w.Data, opts...); err != nil {
			return fmt.Errorf("failed to write %s: %w", device.ShortUUID(w.ID), err)
		}
		if d.acknowledged(w.ID) {
			d.pending++
		}
	}
	return nil
}

// acknowledged reports whether a write to id produces a DataAvailable acknowledgement
func (d *sessionDriver) acknowledged(id uuid.UUID) bool {
	if d.plan.WithoutResponse {
		return false
	}
	cat := d.mgr.Catalog()
	if cat == nil {
		return false
	}
	c, err := cat.Lookup(id)
	return err == nil && c.Supports.Has(device.PropWrite)
}
