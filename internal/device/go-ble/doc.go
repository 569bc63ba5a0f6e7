// Package goble implements device.Transport and device.ScanningDevice on top
// of github.com/go-ble/ble.
//
// go-ble reports outcomes as blocking calls; this package runs them on named
// goroutines and turns their results into device.LinkEvents. go-ble does not
// expose the controller's disconnect reason, so a drop the application did not
// request is reported with the configured abnormal status.
package goble
