package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/srg/blelink/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{name: "nil", err: nil, contains: ""},
		{name: "bluetooth off", err: device.NormalizeError(errors.New("invalid state: have=4")), contains: "Bluetooth is turned off"},
		{name: "invalid target", err: device.NewConnectionError(device.InvalidTarget, "malformed device address %q", "x"), contains: "invalid device address"},
		{name: "not found", err: fmt.Errorf("failed to read: %w", &device.NotFoundError{Resource: "characteristic", UUIDs: []string{"2a19"}}), contains: `characteristic "2a19" not found on the device`},
		{name: "not ready", err: device.NewConnectionError(device.NotReady, "session is connecting"), contains: "session is not ready yet"},
		{name: "connection lost", err: fmt.Errorf("%w (status failure)", ErrConnectionLost), contains: "the device closed the connection"},
		{name: "operation failed", err: fmt.Errorf("%w: read of 2a19 returned status failure", ErrOperationFailed), contains: "the device rejected the request"},
		{name: "plain", err: context.DeadlineExceeded, contains: "context deadline exceeded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := FormatUserError(tt.err)
			if tt.contains == "" {
				assert.Empty(t, msg)
				return
			}
			assert.Contains(t, msg, tt.contains)
		})
	}
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}
