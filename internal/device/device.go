package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ErrorKind names the category of a ConnectionError
type ErrorKind string

const (
	NotInitialized     ErrorKind = "not_initialized"
	InvalidTarget      ErrorKind = "invalid_target"
	NotReady           ErrorKind = "not_ready"
	NotConnected       ErrorKind = "not_connected"
	DiscoveryFailed    ErrorKind = "discovery_failed"
	AbnormalDisconnect ErrorKind = "abnormal_disconnect"
	NormalDisconnect   ErrorKind = "normal_disconnect"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	Kind ErrorKind
	Msg  string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by Kind
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors
var (
	ErrNotInitialized     = &ConnectionError{Kind: NotInitialized}
	ErrInvalidTarget      = &ConnectionError{Kind: InvalidTarget}
	ErrNotReady           = &ConnectionError{Kind: NotReady}
	ErrNotConnected       = &ConnectionError{Kind: NotConnected}
	ErrDiscoveryFailed    = &ConnectionError{Kind: DiscoveryFailed}
	ErrAbnormalDisconnect = &ConnectionError{Kind: AbnormalDisconnect}
	ErrNormalDisconnect   = &ConnectionError{Kind: NormalDisconnect}
)

// Operation errors
var (
	ErrTimeout      = errors.New("timeout")
	ErrUnsupported  = errors.New("unsupported")
	ErrBluetoothOff = errors.New("bluetooth is turned off")
)

// NewConnectionError wraps a sentinel kind with a message.
func NewConnectionError(kind ErrorKind, format string, args ...interface{}) *ConnectionError {
	return &ConnectionError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is a ConnectionError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.Kind == kind
	}
	return false
}

// NormalizeError maps known go-ble error strings to structured ConnectionError types.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "invalid state: have=4"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "connection is not initialized"):
		return fmt.Errorf("%w: %v", ErrNotInitialized, err)
	default:
		return err
	}
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// ScanningDevice represents a BLE device capable of scanning for advertisements
type ScanningDevice interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}

// Advertisement is the subset of advertising data the scanner consumes
type Advertisement interface {
	LocalName() string
	Services() []string
	Connectable() bool
	RSSI() int
	Addr() string
}
