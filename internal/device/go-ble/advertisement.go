package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blelink/internal/device"
)

// BLEAdvertisement wraps ble.Advertisement to implement device.Advertisement
type BLEAdvertisement struct {
	adv ble.Advertisement
}

func NewBLEAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &BLEAdvertisement{adv: adv}
}

func (a *BLEAdvertisement) LocalName() string { return a.adv.LocalName() }
func (a *BLEAdvertisement) Connectable() bool { return a.adv.Connectable() }
func (a *BLEAdvertisement) RSSI() int         { return a.adv.RSSI() }

func (a *BLEAdvertisement) Addr() string {
	if a.adv.Addr() == nil {
		return ""
	}
	return a.adv.Addr().String()
}

// Services returns the advertised service UUIDs in go-ble's undashed hex form
func (a *BLEAdvertisement) Services() []string {
	svcs := a.adv.Services()
	out := make([]string, len(svcs))
	for i, s := range svcs {
		out[i] = s.String()
	}
	return out
}
