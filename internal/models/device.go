// v0
// internal/models/device.go
package models

import (
	"sort"
	"strings"
)

// DeviceIdentity is a paired device known by its hardware address.
type DeviceIdentity struct {
	Address string `json:"address" yaml:"address"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
}

func NormalizeAddress(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}

func NewDevice(addr, name string) DeviceIdentity {
	return DeviceIdentity{Address: NormalizeAddress(addr), Name: strings.TrimSpace(name)}
}

// Label is the name when known, otherwise the address.
func (d DeviceIdentity) Label() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Address
}

// DeviceSet is an immutable set of devices keyed by normalized address.
// With and Without return new sets.
type DeviceSet struct {
	m map[string]DeviceIdentity
}

func NewDeviceSet(devs ...DeviceIdentity) DeviceSet {
	s := DeviceSet{m: make(map[string]DeviceIdentity, len(devs))}
	for _, d := range devs {
		d = NewDevice(d.Address, d.Name)
		if d.Address == "" {
			continue
		}
		s.m[d.Address] = d
	}
	return s
}

func (s DeviceSet) Len() int { return len(s.m) }

func (s DeviceSet) Contains(addr string) bool {
	_, ok := s.m[NormalizeAddress(addr)]
	return ok
}

func (s DeviceSet) Get(addr string) (DeviceIdentity, bool) {
	d, ok := s.m[NormalizeAddress(addr)]
	return d, ok
}

func (s DeviceSet) With(d DeviceIdentity) DeviceSet {
	return NewDeviceSet(append(s.List(), d)...)
}

func (s DeviceSet) Without(addr string) DeviceSet {
	key := NormalizeAddress(addr)
	out := make([]DeviceIdentity, 0, len(s.m))
	for k, d := range s.m {
		if k != key {
			out = append(out, d)
		}
	}
	return NewDeviceSet(out...)
}

// List returns the devices sorted by address.
func (s DeviceSet) List() []DeviceIdentity {
	out := make([]DeviceIdentity, 0, len(s.m))
	for _, d := range s.m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (s DeviceSet) Equal(o DeviceSet) bool {
	if len(s.m) != len(o.m) {
		return false
	}
	for k := range s.m {
		if _, ok := o.m[k]; !ok {
			return false
		}
	}
	return true
}
