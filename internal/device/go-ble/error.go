package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blelink/internal/device"
)

// NormalizeError maps go-ble errors onto the device error taxonomy, keeping the original text
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", device.ErrTimeout, err)
	case strings.Contains(strings.ToLower(err.Error()), "already connected"):
		return device.NewConnectionError(device.InvalidTarget, "%v", err)
	default:
		return device.NormalizeError(err)
	}
}

// dialTimedOut reports whether a dial failed because its timeout expired
func dialTimedOut(dialCtx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(dialCtx.Err(), context.DeadlineExceeded)
}

// statusFor picks the link status reported for a failed go-ble call
func statusFor(err error) device.Status {
	if err == nil {
		return device.StatusSuccess
	}
	return device.StatusFailure
}
