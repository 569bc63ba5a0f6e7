// Package scanner discovers advertising peripherals and reports them as
// PeerFound and ScanFinished events.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/events"
	"github.com/srg/blelink/internal/groutine"
)

// ErrScanInProgress is returned by StartScan while a scan is running
var ErrScanInProgress = errors.New("scan already in progress")

// Options configures scanning behavior
type Options struct {
	// Duration bounds a scan; zero scans until CancelScan
	Duration        time.Duration
	AllowDuplicates bool
	ServiceUUIDs    []uuid.UUID
	AllowList       []string
	BlockList       []string
}

// DefaultOptions returns default scanning options
func DefaultOptions() Options {
	return Options{Duration: 10 * time.Second}
}

// Peer is a peripheral seen during the current scan
type Peer struct {
	Address     device.PeerAddress
	Name        string
	RSSI        int
	Services    []string
	Connectable bool
	FirstSeen   time.Time
	LastSeen    time.Time
	Sightings   int
}

type peerEntry struct {
	mu   sync.Mutex
	peer Peer
}

// Scanner handles BLE device discovery
type Scanner struct {
	backend   device.ScanningDevice
	publisher *events.Publisher
	logger    *logrus.Logger

	peers    atomic.Pointer[hashmap.Map[device.PeerAddress, *peerEntry]]
	scanning atomic.Bool

	mu      sync.Mutex
	opts    Options
	allow   map[device.PeerAddress]struct{}
	block   map[device.PeerAddress]struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
}

// NewScanner creates a scanner. A nil backend makes Enable report false.
func NewScanner(backend device.ScanningDevice, publisher *events.Publisher, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	if publisher == nil {
		publisher = events.NewPublisher(logger)
	}
	s := &Scanner{backend: backend, publisher: publisher, logger: logger, opts: DefaultOptions()}
	s.peers.Store(hashmap.New[device.PeerAddress, *peerEntry]())
	return s
}

// Enable reports whether a scanning backend is available
func (s *Scanner) Enable() bool {
	if s.backend == nil {
		s.logger.Warn("No BLE scanning backend available")
		return false
	}
	return true
}

// Configure replaces the options used by the next StartScan. Invalid addresses in the lists are rejected.
func (s *Scanner) Configure(opts Options) error {
	allow, err := addressSet(opts.AllowList)
	if err != nil {
		return fmt.Errorf("invalid allow list: %w", err)
	}
	block, err := addressSet(opts.BlockList)
	if err != nil {
		return fmt.Errorf("invalid block list: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = opts
	s.allow = allow
	s.block = block
	return nil
}

// StartScan begins a scan in the background. The scan ends after the configured
// duration, on CancelScan or when ctx is done; ScanFinished is published then.
func (s *Scanner) StartScan(ctx context.Context) error {
	if s.backend == nil {
		return device.ErrNotInitialized
	}
	if !s.scanning.CompareAndSwap(false, true) {
		return ErrScanInProgress
	}

	s.mu.Lock()
	opts := s.opts
	var (
		scanCtx context.Context
		cancel  context.CancelFunc
	)
	if opts.Duration > 0 {
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
	} else {
		scanCtx, cancel = context.WithCancel(ctx)
	}
	s.cancel = cancel
	s.done = make(chan struct{})
	s.lastErr = nil
	done := s.done
	s.mu.Unlock()

	s.peers.Store(hashmap.New[device.PeerAddress, *peerEntry]())
	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")

	groutine.Go(scanCtx, "ble-scan", func(ctx context.Context) {
		defer close(done)
		defer cancel()

		err := s.backend.Scan(ctx, opts.AllowDuplicates, s.handleAdvertisement)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.logger.WithField("error", err).Error("BLE scan failed")
			err = fmt.Errorf("scan failed: %w", err)
		} else {
			err = nil
		}

		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()

		count := s.peers.Load().Len()
		s.scanning.Store(false)
		s.logger.WithField("device_count", count).Info("BLE scan completed")
		s.publisher.Publish(events.ScanFinished{Header: events.NewHeader(""), Peers: count})
	})
	return nil
}

// CancelScan stops a running scan; it is a no-op otherwise
func (s *Scanner) CancelScan() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// IsScanning reports whether a scan is running
func (s *Scanner) IsScanning() bool {
	return s.scanning.Load()
}

// Wait blocks until the current or last scan has finished and returns its error
func (s *Scanner) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Scan runs a scan to completion and returns the peers found
func (s *Scanner) Scan(ctx context.Context) ([]Peer, error) {
	if err := s.StartScan(ctx); err != nil {
		return nil, err
	}
	if err := s.Wait(); err != nil {
		return nil, err
	}
	return s.Peers(), nil
}

// Peers returns a snapshot of the peers seen by the current or last scan, ordered by address
func (s *Scanner) Peers() []Peer {
	m := s.peers.Load()
	out := make([]Peer, 0, m.Len())
	m.Range(func(_ device.PeerAddress, e *peerEntry) bool {
		e.mu.Lock()
		p := e.peer
		p.Services = append([]string(nil), e.peer.Services...)
		e.mu.Unlock()
		out = append(out, p)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// handleAdvertisement records a sighting; the first sighting of an address is published
func (s *Scanner) handleAdvertisement(adv device.Advertisement) {
	addr, err := device.ParseAddress(adv.Addr())
	if err != nil {
		s.logger.WithField("address", adv.Addr()).Debug("Ignoring advertisement with malformed address")
		return
	}

	peers := s.peers.Load()
	now := time.Now()

	if e, ok := peers.Get(addr); ok {
		e.mu.Lock()
		e.peer.RSSI = adv.RSSI()
		if name := adv.LocalName(); name != "" {
			e.peer.Name = name
		}
		e.peer.LastSeen = now
		e.peer.Sightings++
		e.mu.Unlock()
		return
	}

	if !s.shouldInclude(addr, adv) {
		return
	}

	entry := &peerEntry{peer: Peer{
		Address:     addr,
		Name:        adv.LocalName(),
		RSSI:        adv.RSSI(),
		Services:    adv.Services(),
		Connectable: adv.Connectable(),
		FirstSeen:   now,
		LastSeen:    now,
		Sightings:   1,
	}}
	if _, loaded := peers.GetOrInsert(addr, entry); loaded {
		return
	}

	s.logger.WithFields(logrus.Fields{
		"device":  entry.peer.Name,
		"address": addr.String(),
		"rssi":    entry.peer.RSSI,
	}).Info("Discovered new device")

	s.publisher.Publish(events.PeerFound{
		Header:      events.NewHeader(addr),
		Name:        entry.peer.Name,
		RSSI:        entry.peer.RSSI,
		Services:    append([]string(nil), entry.peer.Services...),
		Connectable: entry.peer.Connectable,
	})
}

// shouldInclude applies the allow, block and service filters
func (s *Scanner) shouldInclude(addr device.PeerAddress, adv device.Advertisement) bool {
	s.mu.Lock()
	allow, block, services := s.allow, s.block, s.opts.ServiceUUIDs
	s.mu.Unlock()

	if _, blocked := block[addr]; blocked {
		return false
	}
	if len(allow) > 0 {
		if _, ok := allow[addr]; !ok {
			return false
		}
	}
	if len(services) == 0 {
		return true
	}
	for _, advertised := range adv.Services() {
		id, err := device.ParseUUID(advertised)
		if err != nil {
			continue
		}
		for _, required := range services {
			if id == required {
				return true
			}
		}
	}
	return false
}

func addressSet(addrs []string) (map[device.PeerAddress]struct{}, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	set := make(map[device.PeerAddress]struct{}, len(addrs))
	for _, a := range addrs {
		addr, err := device.ParseAddress(a)
		if err != nil {
			return nil, err
		}
		set[addr] = struct{}{}
	}
	return set, nil
}
