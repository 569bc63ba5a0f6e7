package testutils

import (
	"context"

	"github.com/srg/blelink/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockScanningDevice is a testify mock of device.ScanningDevice
type MockScanningDevice struct {
	mock.Mock
}

func (m *MockScanningDevice) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	args := m.Called(ctx, allowDup, handler)
	return args.Error(0)
}

// ExpectScan makes the next Scan call report ads. With untilCancelled the
// call then blocks until its context is done and returns the context error,
// mirroring a radio scan that runs for the scan duration.
func (m *MockScanningDevice) ExpectScan(untilCancelled bool, ads ...device.Advertisement) *mock.Call {
	return m.On("Scan", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			handler := args.Get(2).(func(device.Advertisement))
			for _, adv := range ads {
				handler(adv)
			}
			if untilCancelled {
				<-args.Get(0).(context.Context).Done()
			}
		}).
		Return(nil).Once()
}
