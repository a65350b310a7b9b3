package device

import (
	"sync"

	"github.com/ardnew/usbcore/pkg"
)

// ClassDriver is the callback table a USB class installs on an interface.
//
// Init and DeInit bracket the time the interface's configuration is
// active. Setup receives class requests and standard requests addressed to
// the interface that the stack does not answer itself, plus a notification
// for CLEAR_FEATURE(ENDPOINT_HALT) on one of the interface's endpoints.
// Setup returns the IN data stage, or nil for requests without one;
// pkg.ErrNotSupported means the request was not recognized and the stack
// stalls it.
type ClassDriver interface {
	Init(iface *Interface) error
	DeInit(iface *Interface) error
	Setup(iface *Interface, setup *SetupPacket, data []byte) ([]byte, error)
	SetAlternate(iface *Interface, alt uint8) error
	Close() error
}

// DataInHandler is called after data was sent on one of the interface's
// IN endpoints.
type DataInHandler interface {
	DataIn(iface *Interface, ep uint8) error
}

// DataOutHandler is called after data arrived on one of the interface's
// OUT endpoints.
type DataOutHandler interface {
	DataOut(iface *Interface, ep uint8, data []byte) error
}

// SOFHandler is called on every start-of-frame while configured.
type SOFHandler interface {
	SOF(iface *Interface, frame uint16)
}

// DescriptorWriter supplies class-specific descriptors that follow the
// interface descriptor in the configuration tree.
type DescriptorWriter interface {
	WriteClassDescriptors(iface *Interface, buf []byte) int
}

// Interface is one interface of a configuration.
type Interface struct {
	Number           uint8
	AlternateSetting uint8
	Class            uint8
	SubClass         uint8
	Protocol         uint8
	StringIndex      uint8

	mutex         sync.RWMutex
	endpoints     [MaxEndpointsPerInterface]*Endpoint
	endpointCount int
	driver        ClassDriver
	active        bool
}

// NewInterface creates an interface from its descriptor fields.
func NewInterface(desc *InterfaceDescriptor) *Interface {
	return &Interface{
		Number:           desc.InterfaceNumber,
		AlternateSetting: desc.AlternateSetting,
		Class:            desc.InterfaceClass,
		SubClass:         desc.InterfaceSubClass,
		Protocol:         desc.InterfaceProtocol,
		StringIndex:      desc.InterfaceIndex,
	}
}

// AddEndpoint adds ep to the interface. Addresses must be unique.
func (i *Interface) AddEndpoint(ep *Endpoint) error {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if i.endpointCount >= MaxEndpointsPerInterface {
		return pkg.ErrNoMemory
	}
	for idx := 0; idx < i.endpointCount; idx++ {
		if i.endpoints[idx].Address == ep.Address {
			return pkg.ErrBusy
		}
	}
	i.endpoints[i.endpointCount] = ep
	i.endpointCount++

	pkg.LogDebug(pkg.ComponentDevice, "endpoint added",
		"interface", i.Number,
		"endpoint", ep.Address,
		"type", TransferTypeName(ep.TransferType()))
	return nil
}

// GetEndpoint returns the endpoint with the given address, or nil.
func (i *Interface) GetEndpoint(address uint8) *Endpoint {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	for idx := 0; idx < i.endpointCount; idx++ {
		if i.endpoints[idx].Address == address {
			return i.endpoints[idx]
		}
	}
	return nil
}

// Endpoints returns the interface's endpoints. The slice aliases internal
// storage.
func (i *Interface) Endpoints() []*Endpoint {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.endpoints[:i.endpointCount]
}

// NumEndpoints returns the number of endpoints.
func (i *Interface) NumEndpoints() int {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.endpointCount
}

// SetClassDriver installs driver. The driver is initialized when the
// interface's configuration is selected, not here.
func (i *Interface) SetClassDriver(driver ClassDriver) {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	i.driver = driver
}

// ClassDriver returns the installed class driver.
func (i *Interface) ClassDriver() ClassDriver {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.driver
}

// IsActive reports whether Init has run for the current configuration.
func (i *Interface) IsActive() bool {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.active
}

func (i *Interface) activate() error {
	i.mutex.Lock()
	driver := i.driver
	i.AlternateSetting = 0
	i.mutex.Unlock()

	if driver != nil {
		if err := driver.Init(i); err != nil {
			return err
		}
	}
	i.mutex.Lock()
	i.active = true
	i.mutex.Unlock()
	return nil
}

func (i *Interface) deactivate() error {
	i.mutex.Lock()
	driver := i.driver
	wasActive := i.active
	i.active = false
	i.mutex.Unlock()

	for _, ep := range i.Endpoints() {
		ep.SetStall(false)
	}
	if driver == nil || !wasActive {
		return nil
	}
	return driver.DeInit(i)
}

// setup forwards a request to the class driver.
func (i *Interface) setup(setup *SetupPacket, data []byte) ([]byte, error) {
	driver := i.ClassDriver()
	if driver == nil {
		return nil, pkg.ErrNotSupported
	}
	return driver.Setup(i, setup, data)
}

func (i *Interface) dataIn(ep uint8) error {
	if h, ok := i.ClassDriver().(DataInHandler); ok {
		return h.DataIn(i, ep)
	}
	return nil
}

func (i *Interface) dataOut(ep uint8, data []byte) error {
	if h, ok := i.ClassDriver().(DataOutHandler); ok {
		return h.DataOut(i, ep, data)
	}
	return nil
}

func (i *Interface) sof(frame uint16) {
	if h, ok := i.ClassDriver().(SOFHandler); ok {
		h.SOF(i, frame)
	}
}

// SetAlternate changes the alternate setting and notifies the driver.
func (i *Interface) SetAlternate(alt uint8) error {
	i.mutex.Lock()
	i.AlternateSetting = alt
	driver := i.driver
	i.mutex.Unlock()

	if driver != nil {
		return driver.SetAlternate(i, alt)
	}
	return nil
}

// Descriptor returns the interface descriptor.
func (i *Interface) Descriptor() InterfaceDescriptor {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return InterfaceDescriptor{
		Length:            InterfaceDescriptorSize,
		DescriptorType:    DescriptorTypeInterface,
		InterfaceNumber:   i.Number,
		AlternateSetting:  i.AlternateSetting,
		NumEndpoints:      uint8(i.endpointCount),
		InterfaceClass:    i.Class,
		InterfaceSubClass: i.SubClass,
		InterfaceProtocol: i.Protocol,
		InterfaceIndex:    i.StringIndex,
	}
}

// MarshalTo writes the interface descriptor, the class descriptors and the
// endpoint descriptors to buf. It returns 0 if buf is too small.
func (i *Interface) MarshalTo(buf []byte) int {
	desc := i.Descriptor()
	offset := desc.MarshalTo(buf)
	if offset == 0 {
		return 0
	}
	if w, ok := i.ClassDriver().(DescriptorWriter); ok {
		n := w.WriteClassDescriptors(i, buf[offset:])
		if n < 0 {
			return 0
		}
		offset += n
	}
	for _, ep := range i.Endpoints() {
		epDesc := ep.Descriptor()
		n := epDesc.MarshalTo(buf[offset:])
		if n == 0 {
			return 0
		}
		offset += n
	}
	return offset
}

// Close releases the class driver.
func (i *Interface) Close() error {
	i.mutex.Lock()
	driver := i.driver
	i.driver = nil
	i.active = false
	i.mutex.Unlock()

	if driver != nil {
		return driver.Close()
	}
	return nil
}
