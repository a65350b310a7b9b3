package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/pkg"
)

// Interface is one interface (alternate setting) of the active
// configuration together with the descriptors that follow it.
type Interface struct {
	Descriptor InterfaceDescriptor
	Endpoints  []EndpointDescriptor

	// ClassDescriptors holds class-specific descriptors (HID, CDC
	// functional, ...) in wire order.
	ClassDescriptors [][]byte
}

// Number returns bInterfaceNumber.
func (i *Interface) Number() uint8 {
	return i.Descriptor.InterfaceNumber
}

// FindEndpoint returns the first endpoint with the given transfer type and
// direction, or nil.
func (i *Interface) FindEndpoint(transferType uint8, in bool) *EndpointDescriptor {
	for j := range i.Endpoints {
		ep := &i.Endpoints[j]
		if ep.TransferType() == transferType && ep.IsIn() == in {
			return ep
		}
	}
	return nil
}

// ClassDescriptor returns the first class descriptor of descType, or nil.
func (i *Interface) ClassDescriptor(descType uint8) []byte {
	for _, d := range i.ClassDescriptors {
		if len(d) >= 2 && d[1] == descType {
			return d
		}
	}
	return nil
}

// Device is an attached device as seen by the host.
type Device struct {
	host  *Host
	port  int
	speed hal.Speed

	descriptor DeviceDescriptor
	config     ConfigurationDescriptor
	interfaces []Interface
	langID     uint16
	strings    [MaxStringsPerDevice]string

	control *ControlRequester

	mutex              sync.RWMutex
	address            uint8
	configurationValue uint8
	state              DeviceState
}

func newDevice(host *Host, port int, speed hal.Speed) *Device {
	d := &Device{
		host:   host,
		port:   port,
		speed:  speed,
		state:  DeviceStateDefault,
		langID: LangIDUSEnglish,
	}
	d.control = NewControlRequester(host.transfers, d.Address)
	return d
}

// Address returns the device address (0 until SET_ADDRESS completes).
func (d *Device) Address() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.address
}

func (d *Device) setAddress(address uint8) {
	d.mutex.Lock()
	d.address = address
	d.state = DeviceStateAddress
	d.mutex.Unlock()
}

// Port returns the root port the device is attached to.
func (d *Device) Port() int {
	return d.port
}

// Speed returns the bus speed.
func (d *Device) Speed() hal.Speed {
	return d.speed
}

// VendorID returns idVendor.
func (d *Device) VendorID() uint16 {
	return d.descriptor.VendorID
}

// ProductID returns idProduct.
func (d *Device) ProductID() uint16 {
	return d.descriptor.ProductID
}

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() DeviceDescriptor {
	return d.descriptor
}

// Configuration returns the header of the active configuration.
func (d *Device) Configuration() ConfigurationDescriptor {
	return d.config
}

// Interfaces returns the parsed interfaces. The slice references internal
// storage; do not modify.
func (d *Device) Interfaces() []Interface {
	return d.interfaces
}

// GetInterface returns alternate setting 0 of interface num, or nil.
func (d *Device) GetInterface(num uint8) *Interface {
	for i := range d.interfaces {
		desc := &d.interfaces[i].Descriptor
		if desc.InterfaceNumber == num && desc.AlternateSetting == 0 {
			return &d.interfaces[i]
		}
	}
	return nil
}

// GetEndpoint returns the endpoint descriptor for address, or nil.
func (d *Device) GetEndpoint(address uint8) *EndpointDescriptor {
	for i := range d.interfaces {
		for j := range d.interfaces[i].Endpoints {
			if d.interfaces[i].Endpoints[j].EndpointAddress == address {
				return &d.interfaces[i].Endpoints[j]
			}
		}
	}
	return nil
}

// GetString returns a string descriptor read during enumeration.
func (d *Device) GetString(index uint8) string {
	if index == 0 || int(index) >= len(d.strings) {
		return ""
	}
	return d.strings[index]
}

// Manufacturer returns the manufacturer string.
func (d *Device) Manufacturer() string {
	return d.GetString(d.descriptor.ManufacturerIndex)
}

// Product returns the product string.
func (d *Device) Product() string {
	return d.GetString(d.descriptor.ProductIndex)
}

// SerialNumber returns the serial number string.
func (d *Device) SerialNumber() string {
	return d.GetString(d.descriptor.SerialNumberIndex)
}

// State returns the device state.
func (d *Device) State() DeviceState {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

// Control returns the requester that serializes control transfers to this
// device. Class drivers issue their requests through it.
func (d *Device) Control() *ControlRequester {
	return d.control
}

// Submit queues a data transfer to this device on the host's worker pool.
func (d *Device) Submit(t *Transfer) (uint64, error) {
	t.Address = d.Address()
	return d.host.transfers.Submit(t)
}

// Cancel completes t with pkg.ErrCancelled if it is still pending.
func (d *Device) Cancel(t *Transfer) error {
	return d.host.transfers.Cancel(t.ID())
}

// ControlTransfer runs one control transfer and blocks until it completes.
func (d *Device) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	return d.control.Do(ctx, setup, data)
}

// BulkTransfer runs a blocking bulk transfer.
func (d *Device) BulkTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	return d.host.hal.BulkTransfer(ctx, hal.DeviceAddress(d.Address()), endpoint, data)
}

// InterruptTransfer runs a blocking interrupt transfer.
func (d *Device) InterruptTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	return d.host.hal.InterruptTransfer(ctx, hal.DeviceAddress(d.Address()), endpoint, data)
}

// StandardRequest builds a standard SETUP packet.
func StandardRequest(requestType, request uint8, value, index, length uint16) hal.SetupPacket {
	return hal.SetupPacket{
		RequestType: requestType | RequestTypeStandard,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      length,
	}
}

// GetDescriptorRequest builds GET_DESCRIPTOR for a device or interface
// recipient.
func GetDescriptorRequest(recipient, descType, descIndex uint8, index, length uint16) hal.SetupPacket {
	return StandardRequest(RequestTypeIn|recipient, RequestGetDescriptor,
		uint16(descType)<<8|uint16(descIndex), index, length)
}

// ClearHaltRequest builds CLEAR_FEATURE(ENDPOINT_HALT) for endpoint.
func ClearHaltRequest(endpoint uint8) hal.SetupPacket {
	return StandardRequest(RequestTypeOut|RequestTypeEndpoint, RequestClearFeature,
		FeatureEndpointHalt, uint16(endpoint), 0)
}

// GetDescriptor reads a descriptor with a device recipient.
func (d *Device) GetDescriptor(ctx context.Context, descType, descIndex uint8, langID uint16, data []byte) (int, error) {
	setup := GetDescriptorRequest(RequestTypeDevice, descType, descIndex, langID, uint16(len(data)))
	return d.ControlTransfer(ctx, &setup, data)
}

// SetConfiguration selects configuration value (0 deconfigures).
func (d *Device) SetConfiguration(ctx context.Context, value uint8) error {
	setup := StandardRequest(RequestTypeOut|RequestTypeDevice, RequestSetConfiguration, uint16(value), 0, 0)
	if _, err := d.ControlTransfer(ctx, &setup, nil); err != nil {
		return fmt.Errorf("set configuration %d: %w", value, err)
	}

	d.mutex.Lock()
	d.configurationValue = value
	if value > 0 {
		d.state = DeviceStateConfigured
	} else {
		d.state = DeviceStateAddress
	}
	d.mutex.Unlock()
	return nil
}

// GetConfiguration returns the configuration value last set.
func (d *Device) GetConfiguration() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.configurationValue
}

// GetStatus reads the device status word.
func (d *Device) GetStatus(ctx context.Context) (uint16, error) {
	var buf [2]byte
	setup := StandardRequest(RequestTypeIn|RequestTypeDevice, RequestGetStatus, 0, 0, 2)
	if _, err := d.ControlTransfer(ctx, &setup, buf[:]); err != nil {
		return 0, err
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

// SetFeature sets a device feature.
func (d *Device) SetFeature(ctx context.Context, feature uint16) error {
	setup := StandardRequest(RequestTypeOut|RequestTypeDevice, RequestSetFeature, feature, 0, 0)
	_, err := d.ControlTransfer(ctx, &setup, nil)
	return err
}

// ClearFeature clears a device feature.
func (d *Device) ClearFeature(ctx context.Context, feature uint16) error {
	setup := StandardRequest(RequestTypeOut|RequestTypeDevice, RequestClearFeature, feature, 0, 0)
	_, err := d.ControlTransfer(ctx, &setup, nil)
	return err
}

// ClearEndpointHalt clears the halt on endpoint.
func (d *Device) ClearEndpointHalt(ctx context.Context, endpoint uint8) error {
	setup := ClearHaltRequest(endpoint)
	_, err := d.ControlTransfer(ctx, &setup, nil)
	return err
}

// Close marks the device detached and drops any in-flight control
// request.
func (d *Device) Close() error {
	d.control.Abort()
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.state = DeviceStateDetached
	return nil
}

// parseConfigurationTree splits a full configuration descriptor into
// interfaces with their endpoints and class descriptors.
func (d *Device) parseConfigurationTree(data []byte) error {
	if err := ParseConfigurationDescriptor(data, &d.config); err != nil {
		return err
	}
	if int(d.config.TotalLength) < len(data) {
		data = data[:d.config.TotalLength]
	}

	d.interfaces = make([]Interface, 0, MaxInterfacesPerConfiguration)
	var current *Interface
	for offset := int(d.config.Length); offset+2 <= len(data); {
		length := int(data[offset])
		if length < 2 || offset+length > len(data) {
			return pkg.ErrDescriptorTooShort
		}
		desc := data[offset : offset+length]

		switch desc[1] {
		case DescriptorTypeInterface:
			if len(d.interfaces) == MaxInterfacesPerConfiguration {
				return pkg.ErrNoResources
			}
			var iface Interface
			if err := ParseInterfaceDescriptor(desc, &iface.Descriptor); err != nil {
				return err
			}
			d.interfaces = append(d.interfaces, iface)
			current = &d.interfaces[len(d.interfaces)-1]

		case DescriptorTypeEndpoint:
			if current == nil {
				return pkg.ErrInvalidState
			}
			var ep EndpointDescriptor
			if err := ParseEndpointDescriptor(desc, &ep); err != nil {
				return err
			}
			if len(current.Endpoints) < MaxEndpointsPerInterface {
				current.Endpoints = append(current.Endpoints, ep)
			}

		case DescriptorTypeInterfaceAssociation:
			// Grouping only; functions bind per interface.

		default:
			if current != nil {
				current.ClassDescriptors = append(current.ClassDescriptors, append([]byte(nil), desc...))
			}
		}
		offset += length
	}
	return nil
}
