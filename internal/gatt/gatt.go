// Package gatt describes the GATT attribute tree served by the peripheral:
// services, their characteristics, and the current value held by each
// characteristic.
package gatt

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// baseUUID is the Bluetooth SIG base UUID that 16-bit assigned numbers are
// expanded into.
var baseUUID = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// UUID16 expands a 16-bit assigned number into its full 128-bit form.
func UUID16(short uint16) uuid.UUID {
	u := baseUUID
	u[2] = byte(short >> 8)
	u[3] = byte(short)
	return u
}

// ShortUUID returns the 16-bit assigned number of u if u is derived from the
// Bluetooth base UUID.
func ShortUUID(u uuid.UUID) (uint16, bool) {
	if u[0] != 0 || u[1] != 0 {
		return 0, false
	}
	for i := 4; i < len(u); i++ {
		if u[i] != baseUUID[i] {
			return 0, false
		}
	}
	return uint16(u[2])<<8 | uint16(u[3]), true
}

// Property is a bitmask of characteristic properties. Values match the
// characteristic declaration bits.
type Property uint8

const (
	PropertyRead   Property = 0x02
	PropertyNotify Property = 0x10
)

func (p Property) String() string {
	switch p {
	case 0:
		return "none"
	case PropertyRead:
		return "read"
	case PropertyNotify:
		return "notify"
	case PropertyRead | PropertyNotify:
		return "read|notify"
	default:
		return fmt.Sprintf("0x%02x", uint8(p))
	}
}

// Permission is a bitmask of attribute access permissions.
type Permission uint8

const (
	PermissionRead Permission = 0x01
)

// ServiceType distinguishes primary from secondary services.
type ServiceType int

const (
	ServiceTypePrimary ServiceType = iota
	ServiceTypeSecondary
)

func (t ServiceType) String() string {
	if t == ServiceTypeSecondary {
		return "secondary"
	}
	return "primary"
}

// Service is a GATT service and its ordered characteristics.
type Service struct {
	UUID uuid.UUID
	Name string
	Type ServiceType

	chars []*Characteristic
}

// NewService creates an empty primary service.
func NewService(u uuid.UUID, name string) *Service {
	return &Service{UUID: u, Name: name, Type: ServiceTypePrimary}
}

// AddCharacteristic appends a characteristic to the service. It panics if a
// characteristic with the same UUID already exists in the service.
func (s *Service) AddCharacteristic(u uuid.UUID, name string, props Property, perms Permission) *Characteristic {
	for _, c := range s.chars {
		if c.UUID == u {
			panic(fmt.Sprintf("gatt: service %s already has characteristic %s", s.UUID, u))
		}
	}
	c := &Characteristic{
		UUID:        u,
		Name:        name,
		Properties:  props,
		Permissions: perms,
		service:     s,
	}
	s.chars = append(s.chars, c)
	return c
}

// Characteristics returns the characteristics in declaration order.
func (s *Service) Characteristics() []*Characteristic {
	out := make([]*Characteristic, len(s.chars))
	copy(out, s.chars)
	return out
}

// Characteristic looks up a characteristic by UUID.
func (s *Service) Characteristic(u uuid.UUID) *Characteristic {
	for _, c := range s.chars {
		if c.UUID == u {
			return c
		}
	}
	return nil
}

func (s *Service) String() string {
	return displayName(s.Name, s.UUID)
}

// Characteristic is a GATT characteristic holding the latest encoded value.
type Characteristic struct {
	UUID        uuid.UUID
	Name        string
	Properties  Property
	Permissions Permission

	service *Service

	mu      sync.RWMutex
	value   []byte
	version uint64
}

// Service returns the service the characteristic belongs to.
func (c *Characteristic) Service() *Service { return c.service }

// CanRead reports whether the characteristic may be read by peers.
func (c *Characteristic) CanRead() bool { return c.Properties&PropertyRead != 0 }

// CanNotify reports whether the characteristic supports notifications.
func (c *Characteristic) CanNotify() bool { return c.Properties&PropertyNotify != 0 }

// SetValue replaces the current value and returns its new version.
// The slice is copied.
func (c *Characteristic) SetValue(v []byte) uint64 {
	b := make([]byte, len(v))
	copy(b, v)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = b
	c.version++
	return c.version
}

// Value returns a copy of the current value.
func (c *Characteristic) Value() []byte {
	v, _ := c.Snapshot()
	return v
}

// Snapshot returns a copy of the current value together with its version.
// Version 0 means the value was never set.
func (c *Characteristic) Snapshot() ([]byte, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.value == nil {
		return nil, c.version
	}
	b := make([]byte, len(c.value))
	copy(b, c.value)
	return b, c.version
}

func (c *Characteristic) String() string {
	return displayName(c.Name, c.UUID)
}

func displayName(name string, u uuid.UUID) string {
	id := u.String()
	if short, ok := ShortUUID(u); ok {
		id = fmt.Sprintf("0x%04X", short)
	}
	if name == "" {
		return id
	}
	return fmt.Sprintf("%s (%s)", name, id)
}
