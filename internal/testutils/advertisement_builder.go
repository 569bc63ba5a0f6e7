package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/blelink/internal/device"
)

// Advertisement is a plain device.Advertisement for tests
type Advertisement struct {
	Name       string   `json:"name"`
	Address    string   `json:"address"`
	Rssi       int      `json:"rssi"`
	ServiceIDs []string `json:"services"`
	Reachable  bool     `json:"connectable"`
}

func (a *Advertisement) LocalName() string  { return a.Name }
func (a *Advertisement) Services() []string { return a.ServiceIDs }
func (a *Advertisement) Connectable() bool  { return a.Reachable }
func (a *Advertisement) RSSI() int          { return a.Rssi }
func (a *Advertisement) Addr() string       { return a.Address }

// AdvertisementBuilder builds advertisements with a fluent API.
// Built advertisements are connectable unless configured otherwise.
type AdvertisementBuilder struct {
	adv Advertisement
}

func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: Advertisement{Reachable: true, Rssi: -50}}
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.Rssi = rssi
	return b
}

// WithServices adds advertised service UUIDs in short or full form
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceIDs = append(b.adv.ServiceIDs, uuids...)
	return b
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.Reachable = c
	return b
}

// FromJSON overlays fields decoded from JSON
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &b.adv); err != nil {
		panic(fmt.Sprintf("AdvertisementBuilder.FromJSON: %v", err))
	}
	return b
}

func (b *AdvertisementBuilder) Build() device.Advertisement {
	adv := b.adv
	adv.ServiceIDs = append([]string(nil), b.adv.ServiceIDs...)
	return &adv
}
