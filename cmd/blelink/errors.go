package main

import (
	"errors"
	"fmt"

	"github.com/srg/blelink/internal/device"
)

var (
	// ErrConnectionLost indicates the peer closed a session that was not going to be recovered.
	ErrConnectionLost = errors.New("connection lost")
	// ErrOperationFailed indicates the peer rejected a read or write.
	ErrOperationFailed = errors.New("characteristic operation failed")
)

// FormatUserError turns an error chain into a message for the terminal
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var notFound *device.NotFoundError
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off. Enable it and try again."
	case errors.Is(err, device.ErrTimeout):
		return fmt.Sprintf("operation timed out (%v)", err)
	case device.IsKind(err, device.InvalidTarget):
		return fmt.Sprintf("invalid device address: %v. %s", err, deviceAddressNote)
	case errors.As(err, &notFound):
		return fmt.Sprintf("%s on the device", notFound.Error())
	case errors.Is(err, device.ErrUnsupported):
		return fmt.Sprintf("operation not supported by the characteristic: %v", err)
	case device.IsKind(err, device.NotReady):
		return fmt.Sprintf("session is not ready yet: %v", err)
	case device.IsKind(err, device.DiscoveryFailed):
		return "service discovery failed; the device may be out of range or busy"
	case errors.Is(err, ErrOperationFailed):
		return fmt.Sprintf("%v; the device rejected the request", err)
	case errors.Is(err, ErrConnectionLost):
		return fmt.Sprintf("%v; the device closed the connection", err)
	default:
		return err.Error()
	}
}
