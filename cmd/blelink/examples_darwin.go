//go:build darwin

package main

const (
	exampleDeviceAddress = "01234567-89AB-CDEF-0123-456789ABCDEF"
	deviceAddressNote    = "Device address format: CoreBluetooth peripheral UUID, e.g. 01234567-89AB-CDEF-0123-456789ABCDEF; use 'blelink scan' to discover devices"
)
