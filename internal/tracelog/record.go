// Package tracelog persists published session events to a CBOR trace file
// and reads them back.
package tracelog

import (
	"time"

	"github.com/srg/blelink/internal/events"
)

// Record is one published event as stored in a trace file.
// Only the fields of the recorded kind are set.
type Record struct {
	Timestamp time.Time `cbor:"1,keyasint" json:"timestamp"`
	Kind      string    `cbor:"2,keyasint" json:"kind"`
	Address   string    `cbor:"3,keyasint,omitempty" json:"address,omitempty"`

	// Disconnected, Recovering, failed DataAvailable
	Status   int  `cbor:"4,keyasint,omitempty" json:"status,omitempty"`
	Abnormal bool `cbor:"5,keyasint,omitempty" json:"abnormal,omitempty"`

	// ServicesDiscovered
	Ready    bool `cbor:"6,keyasint,omitempty" json:"ready,omitempty"`
	Services int  `cbor:"7,keyasint,omitempty" json:"services,omitempty"`

	// DataAvailable
	Characteristic string `cbor:"8,keyasint,omitempty" json:"characteristic,omitempty"`
	Value          []byte `cbor:"9,keyasint,omitempty" json:"value,omitempty"`
	Origin         string `cbor:"10,keyasint,omitempty" json:"origin,omitempty"`

	// PeerFound
	Name            string   `cbor:"11,keyasint,omitempty" json:"name,omitempty"`
	RSSI            int      `cbor:"12,keyasint,omitempty" json:"rssi,omitempty"`
	AdvertisedUUIDs []string `cbor:"13,keyasint,omitempty" json:"advertised_uuids,omitempty"`
	Connectable     bool     `cbor:"14,keyasint,omitempty" json:"connectable,omitempty"`

	// ScanFinished
	Peers int `cbor:"15,keyasint,omitempty" json:"peers,omitempty"`

	// Recovering
	Attempt int `cbor:"16,keyasint,omitempty" json:"attempt,omitempty"`
}

// NewRecord flattens a published event
func NewRecord(e events.Event) Record {
	r := Record{
		Timestamp: e.Time(),
		Kind:      e.Kind().String(),
		Address:   e.Peer().String(),
	}

	switch ev := e.(type) {
	case events.Disconnected:
		r.Status = int(ev.Status)
		r.Abnormal = ev.Abnormal
	case events.ServicesDiscovered:
		r.Ready = ev.Ready
		r.Services = ev.Services
	case events.DataAvailable:
		r.Characteristic = ev.CharacteristicID.String()
		r.Value = append([]byte(nil), ev.Value...)
		r.Origin = ev.Origin.String()
		r.Status = int(ev.Status)
	case events.PeerFound:
		r.Name = ev.Name
		r.RSSI = ev.RSSI
		r.AdvertisedUUIDs = append([]string(nil), ev.Services...)
		r.Connectable = ev.Connectable
	case events.ScanFinished:
		r.Peers = ev.Peers
	case events.Recovering:
		r.Attempt = ev.Attempt
		r.Status = int(ev.Status)
	}
	return r
}

// EventKind resolves the stored kind name
func (r Record) EventKind() (events.Kind, error) {
	return events.ParseKind(r.Kind)
}
