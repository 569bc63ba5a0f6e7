package device

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Status is the link-layer status code reported alongside link events.
// Values follow the Android GATT status space that BLE stacks commonly expose.
type Status int

const (
	StatusSuccess Status = 0
	// StatusGattError is the vendor status reported when the peer silently drops the link.
	StatusGattError Status = 133
	StatusFailure   Status = 257
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusGattError:
		return "gatt_error"
	case StatusFailure:
		return "failure"
	default:
		return fmt.Sprintf("status_%d", int(s))
	}
}

// Properties is the set of operations a characteristic supports
type Properties uint8

const (
	PropRead Properties = 1 << iota
	PropWrite
	PropWriteWithoutResponse
	PropNotify
	PropIndicate
)

var propertyNames = []struct {
	p    Properties
	name string
}{
	{PropRead, "Read"},
	{PropWrite, "Write"},
	{PropWriteWithoutResponse, "WriteWithoutResponse"},
	{PropNotify, "Notify"},
	{PropIndicate, "Indicate"},
}

// Has reports whether all bits of q are set
func (p Properties) Has(q Properties) bool {
	return q != 0 && p&q == q
}

// CanRead reports read support
func (p Properties) CanRead() bool { return p.Has(PropRead) }

// CanWrite reports write support with or without response
func (p Properties) CanWrite() bool {
	return p.Has(PropWrite) || p.Has(PropWriteWithoutResponse)
}

// CanNotify reports notify or indicate support
func (p Properties) CanNotify() bool {
	return p.Has(PropNotify) || p.Has(PropIndicate)
}

func (p Properties) String() string {
	names := make([]string, 0, len(propertyNames))
	for _, pn := range propertyNames {
		if p.Has(pn.p) {
			names = append(names, pn.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseProperties parses a comma separated list such as "read,write,notify".
func ParseProperties(s string) (Properties, error) {
	var props Properties
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "read":
			props |= PropRead
		case "write":
			props |= PropWrite
		case "write-without-response", "writewithoutresponse", "write_nr":
			props |= PropWriteWithoutResponse
		case "notify":
			props |= PropNotify
		case "indicate":
			props |= PropIndicate
		default:
			return 0, fmt.Errorf("unknown characteristic property %q", part)
		}
	}
	return props, nil
}

// CharacteristicInfo describes a characteristic reported by the transport during discovery
type CharacteristicInfo struct {
	ID         uuid.UUID
	Properties Properties
	Value      []byte
}

// ServiceInfo describes a service reported by the transport during discovery
type ServiceInfo struct {
	ID              uuid.UUID
	Characteristics []CharacteristicInfo
}

// LinkEventKind tags a LinkEvent
type LinkEventKind int

const (
	LinkUp LinkEventKind = iota
	LinkDown
	ServicesResolved
	CharacteristicRead
	CharacteristicWritten
	CharacteristicChanged
)

func (k LinkEventKind) String() string {
	switch k {
	case LinkUp:
		return "link_up"
	case LinkDown:
		return "link_down"
	case ServicesResolved:
		return "services_resolved"
	case CharacteristicRead:
		return "characteristic_read"
	case CharacteristicWritten:
		return "characteristic_written"
	case CharacteristicChanged:
		return "characteristic_changed"
	default:
		return "unknown"
	}
}

// LinkEvent is an asynchronous report from a transport about one link.
// Fields beyond Kind, Link and Status are set depending on Kind.
type LinkEvent struct {
	Kind           LinkEventKind
	Link           Link
	Status         Status
	Services       []ServiceInfo // ServicesResolved
	Characteristic uuid.UUID     // Characteristic*
	Value          []byte        // Characteristic*
}

// Link is the opaque handle to one low-level radio connection.
// Every request is fire-and-forget: outcomes arrive as LinkEvents on the
// channel passed to Transport.Open.
type Link interface {
	ID() uint64
	Address() PeerAddress

	// Resume asks the transport to re-establish this link without tearing it down
	Resume() error
	DiscoverServices() error
	ReadCharacteristic(id uuid.UUID) error
	WriteCharacteristic(id uuid.UUID, data []byte, withResponse bool) error
	SetNotify(id uuid.UUID, enabled bool) error

	// Disconnect requests graceful teardown; a LinkDown event follows
	Disconnect() error
	// Close releases link resources; no further events are expected after it returns
	Close() error
}

// Transport creates links to peers
type Transport interface {
	Open(ctx context.Context, addr PeerAddress, events chan<- LinkEvent) (Link, error)
}
