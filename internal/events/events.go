// Package events carries session and scan notifications from producers to
// any number of ordered subscribers.
package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/srg/blelink/internal/device"
)

// Kind tags an Event variant
type Kind int

const (
	KindConnected Kind = iota + 1
	KindDisconnected
	KindServicesDiscovered
	KindDataAvailable
	KindPeerFound
	KindScanFinished
	KindRecovering
)

var kindNames = map[Kind]string{
	KindConnected:          "connected",
	KindDisconnected:       "disconnected",
	KindServicesDiscovered: "services_discovered",
	KindDataAvailable:      "data_available",
	KindPeerFound:          "peer_found",
	KindScanFinished:       "scan_finished",
	KindRecovering:         "recovering",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind_%d", int(k))
}

// ParseKind resolves a kind name as printed by Kind.String. Dashes are accepted in place of underscores.
func ParseKind(s string) (Kind, error) {
	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", s)
}

// Event is implemented by every published notification
type Event interface {
	Kind() Kind
	Peer() device.PeerAddress
	Time() time.Time
}

// Header holds the fields shared by all events
type Header struct {
	Address device.PeerAddress
	At      time.Time
}

// NewHeader stamps an event for addr with the current time
func NewHeader(addr device.PeerAddress) Header {
	return Header{Address: addr, At: time.Now()}
}

func (h Header) Peer() device.PeerAddress { return h.Address }
func (h Header) Time() time.Time          { return h.At }

// Connected reports that the link to the peer is up
type Connected struct {
	Header
}

func (Connected) Kind() Kind { return KindConnected }

// Disconnected reports link termination. Abnormal is set when the status
// matched the configured abnormal drop code and recovery was scheduled.
type Disconnected struct {
	Header
	Status   device.Status
	Abnormal bool
}

func (Disconnected) Kind() Kind { return KindDisconnected }

// ServicesDiscovered reports the outcome of attribute discovery.
// Ready is true even when the peer exposes no services.
type ServicesDiscovered struct {
	Header
	Ready    bool
	Services int
}

func (ServicesDiscovered) Kind() Kind { return KindServicesDiscovered }

// Origin says which operation produced a DataAvailable value
type Origin int

const (
	OriginRead Origin = iota
	OriginWrite
	OriginNotify
)

func (o Origin) String() string {
	switch o {
	case OriginRead:
		return "read"
	case OriginWrite:
		return "write"
	case OriginNotify:
		return "notify"
	default:
		return fmt.Sprintf("origin_%d", int(o))
	}
}

// DataAvailable carries a characteristic value: a read result, a write acknowledgement or a notification.
// A read or write that failed is reported with a non-success Status and no Value.
type DataAvailable struct {
	Header
	CharacteristicID uuid.UUID
	Value            []byte
	Origin           Origin
	Status           device.Status
}

func (DataAvailable) Kind() Kind { return KindDataAvailable }

// PeerFound is emitted by the scanner on the first sighting of an address
type PeerFound struct {
	Header
	Name        string
	RSSI        int
	Services    []string
	Connectable bool
}

func (PeerFound) Kind() Kind { return KindPeerFound }

// ScanFinished closes a scan; Address is empty
type ScanFinished struct {
	Header
	Peers int
}

func (ScanFinished) Kind() Kind { return KindScanFinished }

// Recovering is emitted before each automatic reconnect attempt
type Recovering struct {
	Header
	Attempt int
	Status  device.Status
}

func (Recovering) Kind() Kind { return KindRecovering }
