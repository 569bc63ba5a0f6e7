// Package catalog holds the attribute hierarchy discovered on a connected peer:
// services in discovery order, each with its characteristics in discovery order.
package catalog

import (
	"bytes"

	"github.com/google/uuid"
	"github.com/srg/blelink/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Characteristic is one discovered characteristic and the last value seen for it
type Characteristic struct {
	ID        uuid.UUID
	Service   uuid.UUID
	Supports  device.Properties
	LastValue []byte
}

// ShortID returns the compact display form of the characteristic id
func (c *Characteristic) ShortID() string {
	return device.ShortUUID(c.ID)
}

func (c *Characteristic) clone() *Characteristic {
	cp := *c
	cp.LastValue = bytes.Clone(c.LastValue)
	return &cp
}

// Service groups characteristics in the order the peer reported them
type Service struct {
	ID              uuid.UUID
	characteristics *orderedmap.OrderedMap[uuid.UUID, *Characteristic]
}

func newService(id uuid.UUID) *Service {
	return &Service{
		ID:              id,
		characteristics: orderedmap.New[uuid.UUID, *Characteristic](),
	}
}

// ShortID returns the compact display form of the service id
func (s *Service) ShortID() string {
	return device.ShortUUID(s.ID)
}

// Len returns the number of characteristics in the service
func (s *Service) Len() int {
	return s.characteristics.Len()
}

// Characteristics returns the service characteristics in discovery order
func (s *Service) Characteristics() []*Characteristic {
	result := make([]*Characteristic, 0, s.characteristics.Len())
	for pair := s.characteristics.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result
}

// Characteristic looks up a characteristic of this service by id
func (s *Service) Characteristic(id uuid.UUID) (*Characteristic, bool) {
	return s.characteristics.Get(id)
}

// Catalog is the ServiceID -> Service mapping built from one discovery pass.
// A Catalog is not safe for concurrent mutation; the session manager guards
// the live instance and hands out clones.
type Catalog struct {
	services *orderedmap.OrderedMap[uuid.UUID, *Service]
	// first occurrence of each characteristic id across services
	index map[uuid.UUID]*Characteristic
}

// New returns an empty catalog
func New() *Catalog {
	return &Catalog{
		services: orderedmap.New[uuid.UUID, *Service](),
		index:    make(map[uuid.UUID]*Characteristic),
	}
}

// Build walks the transport-reported service list and records every
// characteristic with its supported operations. No service or characteristic is
// treated as required; an empty list yields a valid, empty catalog.
// Services reported twice are merged.
func Build(services []device.ServiceInfo) *Catalog {
	c := New()
	for _, si := range services {
		svc, ok := c.services.Get(si.ID)
		if !ok {
			svc = newService(si.ID)
			c.services.Set(si.ID, svc)
		}

		for _, ci := range si.Characteristics {
			if _, exists := svc.characteristics.Get(ci.ID); exists {
				continue
			}
			char := &Characteristic{
				ID:        ci.ID,
				Service:   si.ID,
				Supports:  ci.Properties,
				LastValue: bytes.Clone(ci.Value),
			}
			svc.characteristics.Set(ci.ID, char)
			if _, indexed := c.index[ci.ID]; !indexed {
				c.index[ci.ID] = char
			}
		}
	}
	return c
}

// Len returns the number of services
func (c *Catalog) Len() int {
	return c.services.Len()
}

// IsEmpty reports whether the catalog has no services
func (c *Catalog) IsEmpty() bool {
	return c.services.Len() == 0
}

// CharacteristicCount returns the number of characteristics across all services
func (c *Catalog) CharacteristicCount() int {
	total := 0
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		total += pair.Value.Len()
	}
	return total
}

// Services returns the services in discovery order
func (c *Catalog) Services() []*Service {
	result := make([]*Service, 0, c.services.Len())
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result
}

// Service retrieves a service by id.
// Returns a NotFoundError if the service is not in the catalog.
func (c *Catalog) Service(id uuid.UUID) (*Service, error) {
	svc, ok := c.services.Get(id)
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{device.ShortUUID(id)}}
	}
	return svc, nil
}

// Lookup resolves a characteristic by id alone. When several services expose the
// same characteristic id, the one discovered first wins.
func (c *Catalog) Lookup(id uuid.UUID) (*Characteristic, error) {
	char, ok := c.index[id]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{device.ShortUUID(id)}}
	}
	return char, nil
}

// LookupIn resolves a characteristic within a specific service
func (c *Catalog) LookupIn(service, id uuid.UUID) (*Characteristic, error) {
	svc, err := c.Service(service)
	if err != nil {
		return nil, err
	}
	char, ok := svc.Characteristic(id)
	if !ok {
		return nil, &device.NotFoundError{
			Resource: "characteristic",
			UUIDs:    []string{device.ShortUUID(service), device.ShortUUID(id)},
		}
	}
	return char, nil
}

// Characteristics returns every characteristic, service by service, in discovery order
func (c *Catalog) Characteristics() []*Characteristic {
	result := make([]*Characteristic, 0, len(c.index))
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value.Characteristics()...)
	}
	return result
}

// Filter returns the characteristics matching pred in discovery order.
// Selecting characteristics by UUID is an application concern built on this.
func (c *Catalog) Filter(pred func(*Characteristic) bool) []*Characteristic {
	var result []*Characteristic
	for _, char := range c.Characteristics() {
		if pred(char) {
			result = append(result, char)
		}
	}
	return result
}

// SetValue records the last value seen for a characteristic.
// Returns false if the id does not resolve.
func (c *Catalog) SetValue(id uuid.UUID, value []byte) bool {
	char, ok := c.index[id]
	if !ok {
		return false
	}
	char.LastValue = bytes.Clone(value)
	return true
}

// Clone returns a deep copy safe to hand to other goroutines
func (c *Catalog) Clone() *Catalog {
	cp := New()
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		svc := newService(pair.Key)
		for cpair := pair.Value.characteristics.Oldest(); cpair != nil; cpair = cpair.Next() {
			char := cpair.Value.clone()
			svc.characteristics.Set(cpair.Key, char)
			if orig := c.index[cpair.Key]; orig == cpair.Value {
				cp.index[cpair.Key] = char
			}
		}
		cp.services.Set(pair.Key, svc)
	}
	return cp
}

// WithID returns a predicate matching characteristics by id, for use with Filter
func WithID(ids ...uuid.UUID) func(*Characteristic) bool {
	return func(c *Characteristic) bool {
		for _, id := range ids {
			if c.ID == id {
				return true
			}
		}
		return false
	}
}

// Supporting returns a predicate matching characteristics that support all of props
func Supporting(props device.Properties) func(*Characteristic) bool {
	return func(c *Characteristic) bool {
		return c.Supports.Has(props)
	}
}
