package device

import (
	"net"
	"strings"

	"github.com/google/uuid"
)

// PeerAddress identifies a remote device. On Linux it is the MAC address in
// canonical upper-case colon form, on macOS the CoreBluetooth peripheral UUID.
type PeerAddress string

func (a PeerAddress) String() string {
	return string(a)
}

// IsZero reports whether the address is unset
func (a PeerAddress) IsZero() bool {
	return a == ""
}

// ParseAddress validates and canonicalizes a peer address.
// Returns an ErrInvalidTarget-kind error for empty or malformed input.
func ParseAddress(s string) (PeerAddress, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", NewConnectionError(InvalidTarget, "device address is empty")
	}

	if hw, err := net.ParseMAC(s); err == nil && len(hw) == 6 {
		return PeerAddress(strings.ToUpper(hw.String())), nil
	}

	if id, err := uuid.Parse(s); err == nil {
		return PeerAddress(strings.ToUpper(id.String())), nil
	}

	return "", NewConnectionError(InvalidTarget, "malformed device address %q", s)
}
