package goble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
)

// DefaultConnectTimeout bounds a single dial when no timeout is configured
const DefaultConnectTimeout = 30 * time.Second

// TransportOptions configures a Transport
type TransportOptions struct {
	// ConnectTimeout bounds each dial
	ConnectTimeout time.Duration
	// AbnormalStatus is reported when the peer drops a link the application did not close
	AbnormalStatus device.Status
	// RetryDialTimeout reports a dial that timed out with AbnormalStatus, so the session recovers it
	RetryDialTimeout bool
}

// Transport opens go-ble links. The platform device is created on first use and shared.
type Transport struct {
	opts   TransportOptions
	logger *logrus.Logger
	nextID atomic.Uint64

	mu  sync.Mutex
	dev ble.Device
}

// NewTransport creates a go-ble transport
func NewTransport(opts TransportOptions, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.AbnormalStatus == device.StatusSuccess {
		opts.AbnormalStatus = device.StatusGattError
	}
	return &Transport{opts: opts, logger: logger}
}

// Device returns the shared platform device, creating it through DeviceFactory on first call
func (t *Transport) Device() (ble.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev != nil {
		return t.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		t.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	t.dev = dev
	return dev, nil
}

// Open implements device.Transport. The dial runs in the background; its
// outcome arrives as LinkUp or LinkDown on events.
func (t *Transport) Open(ctx context.Context, addr device.PeerAddress, events chan<- device.LinkEvent) (device.Link, error) {
	dev, err := t.Device()
	if err != nil {
		return nil, err
	}

	l := newLink(ctx, t.nextID.Add(1), addr, dev, events, t.opts, t.logger)
	l.start()
	return l, nil
}
