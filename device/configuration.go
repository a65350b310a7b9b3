package device

import (
	"encoding/binary"
	"sync"

	"github.com/ardnew/usbcore/pkg"
)

// MaxAssociationsPerConfiguration is the number of IADs a configuration
// can carry.
const MaxAssociationsPerConfiguration = 4

// MaxConfigDescriptorSize bounds the full configuration tree.
const MaxConfigDescriptorSize = 512

// Configuration is one selectable configuration of a device.
type Configuration struct {
	Value       uint8
	Attributes  uint8
	MaxPower    uint8 // 2 mA units
	StringIndex uint8

	mutex            sync.RWMutex
	interfaces       [MaxInterfacesPerConfiguration]*Interface
	interfaceCount   int
	associations     [MaxAssociationsPerConfiguration]InterfaceAssociationDescriptor
	associationCount int
}

// NewConfiguration creates a bus-powered 100 mA configuration.
func NewConfiguration(value uint8) *Configuration {
	return &Configuration{
		Value:      value,
		Attributes: ConfigAttrBusPowered,
		MaxPower:   50,
	}
}

// AddInterface adds iface. Interface numbers must be unique.
func (c *Configuration) AddInterface(iface *Interface) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.interfaceCount >= MaxInterfacesPerConfiguration {
		return pkg.ErrNoMemory
	}
	for idx := 0; idx < c.interfaceCount; idx++ {
		if c.interfaces[idx].Number == iface.Number {
			return pkg.ErrBusy
		}
	}
	c.interfaces[c.interfaceCount] = iface
	c.interfaceCount++
	return nil
}

// GetInterface returns the interface with the given number, or nil.
func (c *Configuration) GetInterface(number uint8) *Interface {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	for idx := 0; idx < c.interfaceCount; idx++ {
		if c.interfaces[idx].Number == number {
			return c.interfaces[idx]
		}
	}
	return nil
}

// Interfaces returns the interfaces in declaration order. The slice
// aliases internal storage.
func (c *Configuration) Interfaces() []*Interface {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.interfaces[:c.interfaceCount]
}

// NumInterfaces returns the number of interfaces.
func (c *Configuration) NumInterfaces() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.interfaceCount
}

// InterfaceForEndpoint returns the interface that owns the endpoint
// address, or nil.
func (c *Configuration) InterfaceForEndpoint(address uint8) *Interface {
	for _, iface := range c.Interfaces() {
		if iface.GetEndpoint(address) != nil {
			return iface
		}
	}
	return nil
}

// AddAssociation adds an interface association descriptor. IADs are
// emitted ahead of the interfaces they group.
func (c *Configuration) AddAssociation(assoc InterfaceAssociationDescriptor) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.associationCount >= MaxAssociationsPerConfiguration {
		return pkg.ErrNoMemory
	}
	c.associations[c.associationCount] = assoc
	c.associationCount++
	return nil
}

// Associations returns the configured IADs.
func (c *Configuration) Associations() []InterfaceAssociationDescriptor {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.associations[:c.associationCount]
}

// MarshalTo writes the whole configuration tree to buf: the header, then
// for each interface its IAD (if it opens one), interface descriptor,
// class descriptors and endpoint descriptors. wTotalLength is patched in
// after the tree is written. It returns 0 if buf is too small.
func (c *Configuration) MarshalTo(buf []byte) int {
	return c.marshalAs(buf, DescriptorTypeConfiguration)
}

// OtherSpeedTo writes the tree re-typed as an other-speed configuration.
func (c *Configuration) OtherSpeedTo(buf []byte) int {
	return c.marshalAs(buf, DescriptorTypeOtherSpeedConfig)
}

func (c *Configuration) marshalAs(buf []byte, kind uint8) int {
	c.mutex.RLock()
	header := ConfigurationDescriptor{
		DescriptorType:     kind,
		NumInterfaces:      uint8(c.interfaceCount),
		ConfigurationValue: c.Value,
		ConfigurationIndex: c.StringIndex,
		Attributes:         c.Attributes,
		MaxPower:           c.MaxPower,
	}
	assocs := c.associations[:c.associationCount]
	ifaces := c.interfaces[:c.interfaceCount]
	c.mutex.RUnlock()

	offset := header.MarshalTo(buf)
	if offset == 0 {
		return 0
	}
	for _, iface := range ifaces {
		for a := range assocs {
			if assocs[a].FirstInterface != iface.Number {
				continue
			}
			n := assocs[a].MarshalTo(buf[offset:])
			if n == 0 {
				return 0
			}
			offset += n
		}
		n := iface.MarshalTo(buf[offset:])
		if n == 0 {
			return 0
		}
		offset += n
	}
	binary.LittleEndian.PutUint16(buf[2:4], uint16(offset))
	return offset
}

// SetSelfPowered sets or clears the self-powered attribute.
func (c *Configuration) SetSelfPowered(selfPowered bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if selfPowered {
		c.Attributes |= ConfigAttrSelfPowered
	} else {
		c.Attributes &^= ConfigAttrSelfPowered
	}
}

// IsSelfPowered reports whether the self-powered attribute is set.
func (c *Configuration) IsSelfPowered() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.Attributes&ConfigAttrSelfPowered != 0
}

// Close closes every interface's class driver.
func (c *Configuration) Close() error {
	var lastErr error
	for _, iface := range c.Interfaces() {
		if err := iface.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
