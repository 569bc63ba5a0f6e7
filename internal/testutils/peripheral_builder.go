package testutils

import (
	"encoding/json"
	"fmt"

	blelib "github.com/go-ble/ble"
	"github.com/srg/blelink/internal/device"
)

// CharacteristicConfig represents a characteristic of a simulated peripheral
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "read,write,notify"
	Value      []byte `json:"value,omitempty"`
}

// ServiceConfig represents a service of a simulated peripheral
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// ProfileConfig is the attribute layout of a simulated peripheral
type ProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// PeripheralBuilder describes a simulated peripheral's attribute profile
type PeripheralBuilder struct {
	profile ProfileConfig
}

// NewPeripheralBuilder creates an empty builder
func NewPeripheralBuilder() *PeripheralBuilder {
	return &PeripheralBuilder{profile: ProfileConfig{Services: []ServiceConfig{}}}
}

// WithService appends a service
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic appends a characteristic to the last added service
func (b *PeripheralBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := &b.profile.Services[len(b.profile.Services)-1]
	last.Characteristics = append(last.Characteristics, CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
		Value:      value,
	})
	return b
}

// FromJSON replaces the profile with one decoded from JSON
func (b *PeripheralBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralBuilder {
	var cfg ProfileConfig
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &cfg); err != nil {
		panic(fmt.Sprintf("PeripheralBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.profile = cfg
	return b
}

// Services returns the profile as discovery results
func (b *PeripheralBuilder) Services() []device.ServiceInfo {
	out := make([]device.ServiceInfo, 0, len(b.profile.Services))
	for _, svc := range b.profile.Services {
		info := device.ServiceInfo{ID: device.MustParseUUID(svc.UUID)}
		for _, c := range svc.Characteristics {
			info.Characteristics = append(info.Characteristics, device.CharacteristicInfo{
				ID:         device.MustParseUUID(c.UUID),
				Properties: mustProperties(c.Properties),
				Value:      c.Value,
			})
		}
		out = append(out, info)
	}
	return out
}

// BLEProfile returns the profile in go-ble form, as DiscoverProfile would report it
func (b *PeripheralBuilder) BLEProfile() *blelib.Profile {
	p := &blelib.Profile{}
	for _, svc := range b.profile.Services {
		s := &blelib.Service{UUID: blelib.MustParse(svc.UUID)}
		for _, c := range svc.Characteristics {
			s.Characteristics = append(s.Characteristics, &blelib.Characteristic{
				UUID:     blelib.MustParse(c.UUID),
				Property: bleProperty(mustProperties(c.Properties)),
				Value:    c.Value,
			})
		}
		p.Services = append(p.Services, s)
	}
	return p
}

// Transport builds a simulated transport serving this profile
func (b *PeripheralBuilder) Transport() *SimTransport {
	return NewSimTransport(b.Services())
}

func mustProperties(s string) device.Properties {
	if s == "" {
		return device.PropRead | device.PropWrite | device.PropNotify
	}
	p, err := device.ParseProperties(s)
	if err != nil {
		panic(err)
	}
	return p
}

func bleProperty(p device.Properties) blelib.Property {
	var out blelib.Property
	if p.Has(device.PropRead) {
		out |= blelib.CharRead
	}
	if p.Has(device.PropWrite) {
		out |= blelib.CharWrite
	}
	if p.Has(device.PropWriteWithoutResponse) {
		out |= blelib.CharWriteNR
	}
	if p.Has(device.PropNotify) {
		out |= blelib.CharNotify
	}
	if p.Has(device.PropIndicate) {
		out |= blelib.CharIndicate
	}
	return out
}
