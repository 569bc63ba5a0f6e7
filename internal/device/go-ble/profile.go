package goble

import (
	"github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/srg/blelink/internal/device"
)

// ConvertUUID turns a go-ble UUID into its 128-bit form
func ConvertUUID(u ble.UUID) (uuid.UUID, error) {
	return device.ParseUUID(u.String())
}

// ConvertProperties maps go-ble characteristic property flags
func ConvertProperties(p ble.Property) device.Properties {
	var props device.Properties
	if p&ble.CharRead != 0 {
		props |= device.PropRead
	}
	if p&ble.CharWrite != 0 {
		props |= device.PropWrite
	}
	if p&ble.CharWriteNR != 0 {
		props |= device.PropWriteWithoutResponse
	}
	if p&ble.CharNotify != 0 {
		props |= device.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		props |= device.PropIndicate
	}
	return props
}

// ConvertProfile flattens a discovered go-ble profile into discovery results, in
// discovery order. It also returns the go-ble handles keyed by characteristic
// id; the first occurrence of a repeated id wins. Attributes with unparsable
// UUIDs are skipped.
func ConvertProfile(p *ble.Profile) ([]device.ServiceInfo, map[uuid.UUID]*ble.Characteristic) {
	handles := make(map[uuid.UUID]*ble.Characteristic)
	if p == nil {
		return nil, handles
	}

	services := make([]device.ServiceInfo, 0, len(p.Services))
	for _, s := range p.Services {
		sid, err := ConvertUUID(s.UUID)
		if err != nil {
			continue
		}
		info := device.ServiceInfo{ID: sid}
		for _, c := range s.Characteristics {
			cid, err := ConvertUUID(c.UUID)
			if err != nil {
				continue
			}
			info.Characteristics = append(info.Characteristics, device.CharacteristicInfo{
				ID:         cid,
				Properties: ConvertProperties(c.Property),
				Value:      c.Value,
			})
			if _, seen := handles[cid]; !seen {
				handles[cid] = c
			}
		}
		services = append(services, info)
	}
	return services, handles
}
