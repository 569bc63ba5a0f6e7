package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// sigBaseTail is the Bluetooth SIG base UUID (0000xxxx-0000-1000-8000-00805f9b34fb)
// without its leading 32 bits, in undashed hex.
const sigBaseTail = "00001000800000805f9b34fb"

// BaseUUID is the Bluetooth SIG base UUID
var BaseUUID = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// NormalizeUUID converts a UUID string to the compact lookup form (lowercase, no dashes).
// Also strips 0x prefix if present (e.g., "0x2902" -> "2902").
// For full 128-bit UUIDs in Bluetooth SIG base format (0000xxxx-0000-1000-8000-00805f9b34fb),
// extracts the 16-bit short form (xxxx).
func NormalizeUUID(s string) string {
	id, err := ParseUUID(s)
	if err != nil {
		return ""
	}
	return strings.ReplaceAll(ShortUUID(id), "-", "")
}

// ParseUUID parses 16-bit, 32-bit and 128-bit UUID strings, with or without dashes
// or a 0x prefix. Short forms expand against the Bluetooth SIG base UUID.
func ParseUUID(s string) (uuid.UUID, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	raw = strings.TrimPrefix(raw, "0x")
	raw = strings.ReplaceAll(raw, "-", "")

	switch len(raw) {
	case 4:
		raw = "0000" + raw + sigBaseTail
	case 8:
		raw = raw + sigBaseTail
	case 32:
	default:
		return uuid.Nil, fmt.Errorf("invalid UUID %q: unexpected length", s)
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return id, nil
}

// MustParseUUID is like ParseUUID but panics on malformed input
func MustParseUUID(s string) uuid.UUID {
	id, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// ShortUUID returns the 16-bit or 32-bit SIG short form when the UUID is derived
// from the base UUID, and the canonical dashed form otherwise.
func ShortUUID(id uuid.UUID) string {
	for i := 4; i < 16; i++ {
		if id[i] != BaseUUID[i] {
			return id.String()
		}
	}
	if id[0] == 0 && id[1] == 0 {
		return fmt.Sprintf("%02x%02x", id[2], id[3])
	}
	return fmt.Sprintf("%02x%02x%02x%02x", id[0], id[1], id[2], id[3])
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Accepts one or more UUIDs as variadic arguments.
func ValidateUUID(uuids ...string) ([]uuid.UUID, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]uuid.UUID, 0, len(uuids))
	for i, s := range uuids {
		if s == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		id, err := ParseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("invalid UUID format at index %d: %w", i, err)
		}
		result = append(result, id)
	}
	return result, nil
}
