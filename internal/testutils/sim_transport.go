package testutils

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/srg/blelink/internal/device"
)

// WriteCall records one characteristic write issued on a SimLink
type WriteCall struct {
	ID           uuid.UUID
	Data         []byte
	WithResponse bool
}

// SimTransport is an in-memory device.Transport. Every Open creates a SimLink
// that reports outcomes on the event channel the way a radio stack would.
//
// By default a link comes up immediately and discovery succeeds with the
// configured services. The exported fields script other behaviour and must be
// set before the transport is used.
type SimTransport struct {
	// ConnectStatus is reported on Open: success emits LinkUp, anything else LinkDown with that status
	ConnectStatus device.Status
	// DiscoveryStatus is reported with ServicesResolved
	DiscoveryStatus device.Status
	// Manual suppresses the automatic LinkUp; drive the link with SimLink.Up
	Manual bool
	// ManualDiscovery suppresses the automatic ServicesResolved; use SimLink.ResolveServices
	ManualDiscovery bool
	// OpenErr, DiscoverErr and ResumeErr fail the matching call synchronously
	OpenErr     error
	DiscoverErr error
	ResumeErr   error
	// CloseErr is returned by SimLink.Close; the link is closed regardless
	CloseErr error
	// ReadStatus and WriteStatus, when not success, complete reads and acknowledged writes with that status
	ReadStatus  device.Status
	WriteStatus device.Status

	services []device.ServiceInfo
	nextID   atomic.Uint64

	mu    sync.Mutex
	opens []device.PeerAddress
	links []*SimLink
}

// NewSimTransport creates a transport whose peripherals expose services
func NewSimTransport(services []device.ServiceInfo) *SimTransport {
	return &SimTransport{services: services}
}

// Open implements device.Transport
func (t *SimTransport) Open(_ context.Context, addr device.PeerAddress, events chan<- device.LinkEvent) (device.Link, error) {
	t.mu.Lock()
	t.opens = append(t.opens, addr)
	t.mu.Unlock()

	if t.OpenErr != nil {
		return nil, t.OpenErr
	}

	l := &SimLink{
		id:        t.nextID.Add(1),
		addr:      addr,
		transport: t,
		events:    events,
		closed:    make(chan struct{}),
		values:    make(map[uuid.UUID][]byte),
		notify:    make(map[uuid.UUID]bool),
	}
	for _, svc := range t.services {
		for _, c := range svc.Characteristics {
			l.values[c.ID] = bytes.Clone(c.Value)
		}
	}

	t.mu.Lock()
	t.links = append(t.links, l)
	t.mu.Unlock()

	if !t.Manual {
		if t.ConnectStatus == device.StatusSuccess {
			l.Up()
		} else {
			l.Drop(t.ConnectStatus)
		}
	}
	return l, nil
}

// Opens returns every address passed to Open, in order
func (t *SimTransport) Opens() []device.PeerAddress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]device.PeerAddress(nil), t.opens...)
}

// Links returns every link created so far
func (t *SimTransport) Links() []*SimLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*SimLink(nil), t.links...)
}

// Last returns the most recently opened link or nil
func (t *SimTransport) Last() *SimLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.links) == 0 {
		return nil
	}
	return t.links[len(t.links)-1]
}

// SimLink is one simulated link
type SimLink struct {
	id        uint64
	addr      device.PeerAddress
	transport *SimTransport
	events    chan<- device.LinkEvent

	closeOnce sync.Once
	closed    chan struct{}

	mu          sync.Mutex
	values      map[uuid.UUID][]byte
	notify      map[uuid.UUID]bool
	reads       []uuid.UUID
	writes      []WriteCall
	notifyCalls int
	discovers   int
	resumes     int
	disconnects int
}

func (l *SimLink) ID() uint64                   { return l.id }
func (l *SimLink) Address() device.PeerAddress { return l.addr }

func (l *SimLink) Resume() error {
	l.mu.Lock()
	l.resumes++
	l.mu.Unlock()
	return l.transport.ResumeErr
}

func (l *SimLink) DiscoverServices() error {
	l.mu.Lock()
	l.discovers++
	l.mu.Unlock()

	if l.transport.DiscoverErr != nil {
		return l.transport.DiscoverErr
	}
	if !l.transport.ManualDiscovery {
		l.ResolveServices(l.transport.DiscoveryStatus)
	}
	return nil
}

func (l *SimLink) ReadCharacteristic(id uuid.UUID) error {
	l.mu.Lock()
	l.reads = append(l.reads, id)
	value, ok := l.values[id]
	l.mu.Unlock()

	if !ok {
		return errors.New("unknown characteristic")
	}
	if status := l.transport.ReadStatus; status != device.StatusSuccess {
		l.emit(device.LinkEvent{Kind: device.CharacteristicRead, Status: status, Characteristic: id})
		return nil
	}
	l.emit(device.LinkEvent{Kind: device.CharacteristicRead, Characteristic: id, Value: bytes.Clone(value)})
	return nil
}

func (l *SimLink) WriteCharacteristic(id uuid.UUID, data []byte, withResponse bool) error {
	status := l.transport.WriteStatus
	l.mu.Lock()
	l.writes = append(l.writes, WriteCall{ID: id, Data: bytes.Clone(data), WithResponse: withResponse})
	if status == device.StatusSuccess {
		l.values[id] = bytes.Clone(data)
	}
	l.mu.Unlock()

	if withResponse {
		l.emit(device.LinkEvent{Kind: device.CharacteristicWritten, Status: status, Characteristic: id, Value: bytes.Clone(data)})
	}
	return nil
}

func (l *SimLink) SetNotify(id uuid.UUID, enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notifyCalls++
	l.notify[id] = enabled
	return nil
}

func (l *SimLink) Disconnect() error {
	l.mu.Lock()
	l.disconnects++
	l.mu.Unlock()

	l.emit(device.LinkEvent{Kind: device.LinkDown, Status: device.StatusSuccess})
	return nil
}

func (l *SimLink) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return l.transport.CloseErr
}

// Up reports the link as established
func (l *SimLink) Up() {
	l.emit(device.LinkEvent{Kind: device.LinkUp})
}

// Drop reports link termination with status
func (l *SimLink) Drop(status device.Status) {
	l.emit(device.LinkEvent{Kind: device.LinkDown, Status: status})
}

// ResolveServices reports discovery completion with the transport's services
func (l *SimLink) ResolveServices(status device.Status) {
	ev := device.LinkEvent{Kind: device.ServicesResolved, Status: status}
	if status == device.StatusSuccess {
		ev.Services = l.transport.services
	}
	l.emit(ev)
}

// Notify pushes a value change; it is only delivered while notifications are enabled for id
func (l *SimLink) Notify(id uuid.UUID, value []byte) bool {
	l.mu.Lock()
	enabled := l.notify[id]
	if enabled {
		l.values[id] = bytes.Clone(value)
	}
	l.mu.Unlock()

	if enabled {
		l.emit(device.LinkEvent{Kind: device.CharacteristicChanged, Characteristic: id, Value: bytes.Clone(value)})
	}
	return enabled
}

// Inject delivers ev even if the link was closed, as a late callback from a misbehaving stack would
func (l *SimLink) Inject(ev device.LinkEvent) {
	ev.Link = l
	l.events <- ev
}

// Closed reports whether Close was called
func (l *SimLink) Closed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// Reads returns the characteristics read so far
func (l *SimLink) Reads() []uuid.UUID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uuid.UUID(nil), l.reads...)
}

// Writes returns the writes issued so far
func (l *SimLink) Writes() []WriteCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]WriteCall(nil), l.writes...)
}

// NotifyEnabled reports the last SetNotify state for id
func (l *SimLink) NotifyEnabled(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notify[id]
}

// Calls returns the number of data and control requests the link received
func (l *SimLink) Calls() (reads, writes, notifies, discovers, resumes, disconnects int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reads), len(l.writes), l.notifyCalls, l.discovers, l.resumes, l.disconnects
}

func (l *SimLink) emit(ev device.LinkEvent) {
	ev.Link = l
	select {
	case <-l.closed:
		return
	default:
	}
	select {
	case l.events <- ev:
	case <-l.closed:
	}
}
