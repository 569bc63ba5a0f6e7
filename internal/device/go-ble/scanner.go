package goble

import (
	"context"
	"errors"

	"github.com/go-ble/ble"
	"github.com/srg/blelink/internal/device"
)

// bleScanner adapts ble.Device to device.ScanningDevice
type bleScanner struct {
	dev ble.Device
}

// Scan converts every ble.Advertisement before handing it to handler.
// A scan ended by ctx is not an error.
func (s *bleScanner) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	err := s.dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return NormalizeError(err)
	}
	return nil
}

// NewScanner creates a scanning backend on the platform device
func NewScanner() (device.ScanningDevice, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(err)
	}
	return &bleScanner{dev: dev}, nil
}

// Scanner returns a scanning backend that shares the transport's device
func (t *Transport) Scanner() (device.ScanningDevice, error) {
	dev, err := t.Device()
	if err != nil {
		return nil, err
	}
	return &bleScanner{dev: dev}, nil
}
