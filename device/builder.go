package device

import (
	"github.com/ardnew/usbcore/pkg"
)

// DeviceBuilder assembles a device, its configurations and interfaces with
// a fluent API. The first error sticks and is returned by Build.
type DeviceBuilder struct {
	device *Device
	config *Configuration
	iface  *Interface
	err    error

	stringBufs [MaxStrings][256]byte
}

// NewDeviceBuilder creates a builder with a USB 2.0 device descriptor and
// a 64-byte EP0.
func NewDeviceBuilder() *DeviceBuilder {
	return &DeviceBuilder{
		device: NewDevice(&DeviceDescriptor{
			Length:         DeviceDescriptorSize,
			DescriptorType: DescriptorTypeDevice,
			USBVersion:     0x0200,
			MaxPacketSize0: 64,
		}),
	}
}

func (b *DeviceBuilder) fail(err error) *DeviceBuilder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// WithVendorProduct sets the vendor and product IDs.
func (b *DeviceBuilder) WithVendorProduct(vendorID, productID uint16) *DeviceBuilder {
	b.device.Descriptor.VendorID = vendorID
	b.device.Descriptor.ProductID = productID
	return b
}

// WithDeviceClass sets the device class triple. Composite devices that use
// IADs declare 0xEF/0x02/0x01.
func (b *DeviceBuilder) WithDeviceClass(class, subClass, protocol uint8) *DeviceBuilder {
	b.device.Descriptor.DeviceClass = class
	b.device.Descriptor.DeviceSubClass = subClass
	b.device.Descriptor.DeviceProtocol = protocol
	return b
}

// WithSpeed records the speed the device runs at.
func (b *DeviceBuilder) WithSpeed(speed Speed) *DeviceBuilder {
	b.device.SetSpeed(speed)
	return b
}

// WithStrings sets the manufacturer, product and serial strings at indexes
// 1, 2 and 3. Empty strings are skipped.
func (b *DeviceBuilder) WithStrings(manufacturer, product, serial string) *DeviceBuilder {
	b.device.SetLanguagesFrom(b.stringBufs[0][:], LangIDUSEnglish)
	desc := b.device.Descriptor
	for i, s := range [...]string{manufacturer, product, serial} {
		if s == "" {
			continue
		}
		index := uint8(i + 1)
		b.device.SetStringFrom(index, b.stringBufs[index][:], s)
		switch index {
		case 1:
			desc.ManufacturerIndex = index
		case 2:
			desc.ProductIndex = index
		case 3:
			desc.SerialNumberIndex = index
		}
	}
	return b
}

// AddConfiguration starts a new configuration.
func (b *DeviceBuilder) AddConfiguration(value uint8) *DeviceBuilder {
	b.config = NewConfiguration(value)
	b.iface = nil
	if err := b.device.AddConfiguration(b.config); err != nil {
		return b.fail(err)
	}
	b.device.Descriptor.NumConfigurations++
	return b
}

// AddAssociation adds an IAD to the current configuration.
func (b *DeviceBuilder) AddAssociation(first, count, class, subClass, protocol uint8) *DeviceBuilder {
	if b.config == nil {
		return b.fail(pkg.ErrInvalidState)
	}
	err := b.config.AddAssociation(InterfaceAssociationDescriptor{
		FirstInterface:   first,
		InterfaceCount:   count,
		FunctionClass:    class,
		FunctionSubClass: subClass,
		FunctionProtocol: protocol,
	})
	if err != nil {
		return b.fail(err)
	}
	return b
}

// AddInterface appends an interface numbered after the existing ones.
func (b *DeviceBuilder) AddInterface(class, subClass, protocol uint8) *DeviceBuilder {
	if b.config == nil {
		return b.fail(pkg.ErrInvalidState)
	}
	b.iface = NewInterface(&InterfaceDescriptor{
		InterfaceNumber:   uint8(b.config.NumInterfaces()),
		InterfaceClass:    class,
		InterfaceSubClass: subClass,
		InterfaceProtocol: protocol,
	})
	if err := b.config.AddInterface(b.iface); err != nil {
		return b.fail(err)
	}
	return b
}

// AddEndpoint adds an endpoint to the current interface.
func (b *DeviceBuilder) AddEndpoint(address, transferType uint8, maxPacketSize uint16, interval uint8) *DeviceBuilder {
	if b.iface == nil {
		return b.fail(pkg.ErrInvalidState)
	}
	ep := &Endpoint{
		Address:       address,
		Attributes:    transferType,
		MaxPacketSize: maxPacketSize,
		Interval:      interval,
	}
	if err := b.iface.AddEndpoint(ep); err != nil {
		return b.fail(err)
	}
	return b
}

// WithClassDriver installs driver on the current interface.
func (b *DeviceBuilder) WithClassDriver(driver ClassDriver) *DeviceBuilder {
	if b.iface == nil {
		return b.fail(pkg.ErrInvalidState)
	}
	b.iface.SetClassDriver(driver)
	return b
}

// Interface returns the interface most recently added.
func (b *DeviceBuilder) Interface() *Interface {
	return b.iface
}

// Configuration returns the configuration most recently added.
func (b *DeviceBuilder) Configuration() *Configuration {
	return b.config
}

// Build returns the device or the first error recorded.
func (b *DeviceBuilder) Build() (*Device, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.device.NumConfigurations() == 0 {
		return nil, pkg.ErrNotConfigured
	}
	return b.device, nil
}
