// Package session owns the single logical connection to a BLE peripheral:
// the connection state machine, the attribute catalog of the current link and
// automatic recovery from abnormal link drops.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/catalog"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/events"
	"github.com/srg/blelink/internal/groutine"
)

var (
	// ErrInterrupted is returned by Connect when Close or shutdown cut its settle delay short
	ErrInterrupted = errors.New("connect interrupted")
	// ErrAlreadyStarted is returned by a second Start call
	ErrAlreadyStarted = errors.New("session manager already started")
)

// Manager drives one connection at a time through the session state machine.
//
// Mutating calls (Connect, Disconnect, Close, DiscoverServices) and link
// events are serialized by opMu, settle and recovery pauses included. State,
// link and catalog are guarded by mu so that data operations can check
// readiness without waiting for a pending mutation.
//
// Each transition publishes its events before opMu is released, so a
// returned Close has no delivery left in flight. Subscribers run under opMu:
// they may call the data operations and accessors, but a subscriber that
// drives Connect, Disconnect, Close or DiscoverServices must receive events
// through an events.Queue on its own goroutine.
type Manager struct {
	transport device.Transport
	publisher *events.Publisher
	logger    *logrus.Logger
	opts      Options

	opMu     sync.Mutex
	epoch    uint64 // bumped by every user mutation; guarded by opMu
	attempts int    // consecutive recovery attempts; guarded by opMu

	mu      sync.RWMutex
	state   State
	target  device.PeerAddress
	link    device.Link
	catalog *catalog.Catalog
	ctx     context.Context

	linkEvents   chan device.LinkEvent
	interrupt    chan struct{}
	pendingClose atomic.Int32
	started      atomic.Bool
	done         chan struct{}
}

// NewManager creates an idle manager. A nil transport yields a manager that
// rejects Connect with ErrNotInitialized; this is logged once here.
func NewManager(transport device.Transport, publisher *events.Publisher, opts Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if publisher == nil {
		publisher = events.NewPublisher(logger)
	}
	opts = opts.withDefaults()

	if transport == nil {
		logger.Warn("No BLE transport available, connections will be rejected")
	}

	return &Manager{
		transport:  transport,
		publisher:  publisher,
		logger:     logger,
		opts:       opts,
		state:      Idle,
		linkEvents: make(chan device.LinkEvent, opts.EventBuffer),
		interrupt:  make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Publisher returns the publisher session events go to
func (m *Manager) Publisher() *events.Publisher {
	return m.publisher
}

// Start runs the link event dispatcher until ctx is done. On exit the session is closed.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	groutine.Supervised(ctx, m.logger, "session-dispatcher", func(ctx context.Context) {
		defer close(m.done)
		defer func() {
			if err := m.Close(); err != nil {
				m.logger.WithError(err).Warn("Failed to close session on shutdown")
			}
		}()

		for {
			select {
			case <-ctx.Done():
				m.logger.Debug("Session dispatcher stopped")
				return
			case ev := <-m.linkEvents:
				m.dispatch(ctx, ev)
			}
		}
	}, nil)
	return nil
}

// Wait blocks until the dispatcher started by Start has exited
func (m *Manager) Wait() {
	if !m.started.Load() {
		return
	}
	<-m.done
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Target returns the last address passed to a successful link request
func (m *Manager) Target() device.PeerAddress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.target
}

// Catalog returns a copy of the current attribute catalog, or nil before discovery completes
func (m *Manager) Catalog() *catalog.Catalog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.catalog == nil {
		return nil
	}
	return m.catalog.Clone()
}

// Connect requests a link to address. A nil return means the request was
// accepted; the outcome is reported through Connected or Disconnected events.
//
// Connecting to the current target while a link exists resumes that link.
// Otherwise any existing link is released, the settle delay is waited and a
// fresh link is requested. ctx bounds the settle delay only.
func (m *Manager) Connect(ctx context.Context, address string) error {
	if m.transport == nil {
		return device.ErrNotInitialized
	}
	addr, err := device.ParseAddress(address)
	if err != nil {
		return err
	}
	if !m.started.Load() {
		return device.NewConnectionError(device.NotInitialized, "session manager is not started")
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.epoch++

	m.mu.RLock()
	link, target := m.link, m.target
	m.mu.RUnlock()

	logger := m.logger.WithField("address", addr.String())

	if link != nil && target == addr {
		logger.Debug("Resuming existing link")
		if err := link.Resume(); err != nil {
			logger.WithError(err).Warn("Failed to resume link")
			return fmt.Errorf("failed to resume link to %s: %w", addr, device.NormalizeError(err))
		}
		return nil
	}

	if link != nil {
		logger.WithField("previous", target.String()).Info("Releasing previous link")
		if err := m.releaseLinkLocked(link, Disconnected); err != nil {
			logger.WithError(err).Debug("Failed to release previous link")
		}
	}
	m.attempts = 0

	if !m.pause(ctx, m.opts.SettleDelay) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrInterrupted
	}

	if err := m.openLocked(addr); err != nil {
		return err
	}
	logger.Info("Link requested")
	return nil
}

// Disconnect requests graceful teardown of the current link. Without a link it is a no-op.
func (m *Manager) Disconnect() error {
	if m.transport == nil {
		return nil
	}

	m.opMu.Lock()
	m.epoch++

	m.mu.Lock()
	link := m.link
	if link == nil || m.state == Disconnecting {
		m.mu.Unlock()
		m.opMu.Unlock()
		return nil
	}
	prev := m.state
	m.state = Disconnecting
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"address": link.Address().String(),
		"state":   prev.String(),
	}).Info("Disconnecting")

	err := link.Disconnect()
	var out []events.Event
	if err != nil {
		// No LinkDown will follow a failed teardown request, so release locally.
		m.logger.WithError(err).Warn("Link teardown request failed, releasing link")
		if relErr := m.releaseLinkLocked(link, Disconnected); relErr != nil {
			m.logger.WithError(relErr).Debug("Failed to release link after failed teardown")
		}
		out = append(out, events.Disconnected{Header: events.NewHeader(link.Address()), Status: device.StatusSuccess})
	}
	m.publishAll(out)
	m.opMu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to disconnect: %w", device.NormalizeError(err))
	}
	return nil
}

// Close tears the session down to Idle, interrupting a pending recovery
// pause. Closing a session without a link leaves its state unchanged.
// No event is published.
func (m *Manager) Close() error {
	m.pendingClose.Add(1)
	select {
	case m.interrupt <- struct{}{}:
	default:
	}

	m.opMu.Lock()
	defer func() {
		if m.pendingClose.Add(-1) == 0 {
			select {
			case <-m.interrupt:
			default:
			}
		}
		m.opMu.Unlock()
	}()
	m.epoch++
	m.attempts = 0

	m.mu.Lock()
	link := m.link
	if link == nil {
		m.catalog = nil
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	logger := m.logger.WithField("address", link.Address().String())
	logger.Info("Closing session")

	var errs []error
	if err := link.Disconnect(); err != nil {
		logger.WithError(err).Debug("Link teardown request failed during close")
	}
	if err := m.releaseLinkLocked(link, Idle); err != nil {
		logger.WithError(err).Debug("Failed to release link during close")
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DiscoverServices re-runs attribute discovery on a link that is Connected,
// typically after a failed discovery.
func (m *Manager) DiscoverServices() error {
	m.opMu.Lock()
	m.mu.RLock()
	link, state := m.link, m.state
	m.mu.RUnlock()

	if link == nil || state != Connected {
		m.opMu.Unlock()
		return device.NewConnectionError(device.NotConnected, "discovery requires state %s, have %s", Connected, state)
	}

	m.publishAll(m.startDiscoveryLocked(link))
	m.opMu.Unlock()
	return nil
}

// ReadCharacteristic requests the current value of id. The value arrives as DataAvailable.
func (m *Manager) ReadCharacteristic(id uuid.UUID) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	link, char, err := m.resolveLocked(id)
	if err != nil {
		return err
	}
	if !char.Supports.CanRead() {
		return fmt.Errorf("%w: characteristic %s is not readable", device.ErrUnsupported, char.ShortID())
	}
	return device.NormalizeError(link.ReadCharacteristic(id))
}

// WriteOption adjusts a characteristic write
type WriteOption func(*writeOptions)

type writeOptions struct {
	withoutResponse bool
}

// WithoutResponse sends a write command instead of a write request
func WithoutResponse() WriteOption {
	return func(o *writeOptions) { o.withoutResponse = true }
}

// WriteCharacteristic writes data to id. The acknowledgement arrives as DataAvailable.
// Characteristics that only support write-without-response are written that way.
func (m *Manager) WriteCharacteristic(id uuid.UUID, data []byte, opts ...WriteOption) error {
	var wo writeOptions
	for _, opt := range opts {
		opt(&wo)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	link, char, err := m.resolveLocked(id)
	if err != nil {
		return err
	}

	withResponse := !wo.withoutResponse
	switch {
	case withResponse && !char.Supports.Has(device.PropWrite) && char.Supports.Has(device.PropWriteWithoutResponse):
		withResponse = false
	case withResponse && !char.Supports.Has(device.PropWrite):
		return fmt.Errorf("%w: characteristic %s is not writable", device.ErrUnsupported, char.ShortID())
	case !withResponse && !char.Supports.Has(device.PropWriteWithoutResponse):
		return fmt.Errorf("%w: characteristic %s does not accept write without response", device.ErrUnsupported, char.ShortID())
	}

	return device.NormalizeError(link.WriteCharacteristic(id, data, withResponse))
}

// SetNotify enables or disables notifications for id. Notifications arrive as DataAvailable.
func (m *Manager) SetNotify(id uuid.UUID, enabled bool) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	link, char, err := m.resolveLocked(id)
	if err != nil {
		return err
	}
	if !char.Supports.CanNotify() {
		return fmt.Errorf("%w: characteristic %s does not support notifications", device.ErrUnsupported, char.ShortID())
	}
	return device.NormalizeError(link.SetNotify(id, enabled))
}

// resolveLocked requires mu held for reading
func (m *Manager) resolveLocked(id uuid.UUID) (device.Link, *catalog.Characteristic, error) {
	if m.state != Ready || m.link == nil || m.catalog == nil {
		return nil, nil, device.NewConnectionError(device.NotReady, "session is %s", m.state)
	}
	char, err := m.catalog.Lookup(id)
	if err != nil {
		return nil, nil, err
	}
	return m.link, char, nil
}

// openLocked requires opMu
func (m *Manager) openLocked(addr device.PeerAddress) error {
	link, err := m.transport.Open(m.lifetime(), addr, m.linkEvents)
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"address": addr.String(),
			"error":   err,
		}).Warn("Failed to request link")
		return fmt.Errorf("failed to open link to %s: %w", addr, device.NormalizeError(err))
	}

	m.mu.Lock()
	m.target = addr
	m.link = link
	m.catalog = nil
	m.state = Connecting
	m.mu.Unlock()
	return nil
}

// releaseLinkLocked requires opMu. It drops the link and catalog and moves to
// next; the state change happens even when closing the link fails.
func (m *Manager) releaseLinkLocked(link device.Link, next State) error {
	m.mu.Lock()
	if m.link != nil && m.link.ID() == link.ID() {
		m.link = nil
		m.catalog = nil
		m.state = next
	}
	m.mu.Unlock()

	if err := link.Close(); err != nil {
		return fmt.Errorf("failed to release link %d: %w", link.ID(), device.NormalizeError(err))
	}
	return nil
}

// pause waits d unless Close is pending or ctx is done. It reports whether the full delay elapsed.
func (m *Manager) pause(ctx context.Context, d time.Duration) bool {
	if m.pendingClose.Load() > 0 {
		return false
	}
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-m.interrupt:
			return false
		case <-ctx.Done():
			return false
		}
	}
	return m.pendingClose.Load() == 0 && ctx.Err() == nil
}

func (m *Manager) lifetime() context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// publishAll requires opMu
func (m *Manager) publishAll(out []events.Event) {
	for _, e := range out {
		m.publisher.Publish(e)
	}
}
