//go:build !darwin

package main

const (
	exampleDeviceAddress = "AA:BB:CC:DD:EE:FF"
	deviceAddressNote    = "Device address format: MAC address, e.g. AA:BB:CC:DD:EE:FF; use 'blelink scan' to discover devices"
)
