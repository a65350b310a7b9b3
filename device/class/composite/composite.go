package composite

import (
	"sync"

	"github.com/ardnew/usbcore/device"
	"github.com/ardnew/usbcore/pkg"
)

// Route selects the events that belong to the primary driver. Interface
// events match on the interface number, endpoint events on the endpoint
// number (direction ignored).
type Route struct {
	Interface uint8
	Endpoint  uint8
}

// Composite shares one configuration between two class drivers. Every
// event is routed with a single comparison against Route: a match goes
// to Primary, anything else to Secondary. The two drivers own disjoint
// interfaces and endpoints and never see each other's events.
type Composite struct {
	Primary   device.ClassDriver
	Secondary device.ClassDriver
	Route     Route

	closeOnce sync.Once
	closeErr  error
}

// New creates a wrapper around primary and secondary.
func New(primary, secondary device.ClassDriver, route Route) *Composite {
	return &Composite{
		Primary:   primary,
		Secondary: secondary,
		Route:     route,
	}
}

func (c *Composite) forInterface(number uint8) device.ClassDriver {
	if number == c.Route.Interface {
		return c.Primary
	}
	return c.Secondary
}

func (c *Composite) forEndpoint(address uint8) device.ClassDriver {
	if address&0x0F == c.Route.Endpoint {
		return c.Primary
	}
	return c.Secondary
}

// Init initializes the driver owning iface.
func (c *Composite) Init(iface *device.Interface) error {
	return c.forInterface(iface.Number).Init(iface)
}

// DeInit de-initializes the driver owning iface.
func (c *Composite) DeInit(iface *device.Interface) error {
	return c.forInterface(iface.Number).DeInit(iface)
}

// Setup routes endpoint-recipient requests by wIndex endpoint number and
// all others by interface number.
func (c *Composite) Setup(iface *device.Interface, setup *device.SetupPacket, data []byte) ([]byte, error) {
	driver := c.forInterface(iface.Number)
	if setup.Recipient() == device.RequestRecipientEndpoint {
		driver = c.forEndpoint(setup.EndpointAddress())
	}
	return driver.Setup(iface, setup, data)
}

// SetAlternate forwards to the driver owning iface.
func (c *Composite) SetAlternate(iface *device.Interface, alt uint8) error {
	return c.forInterface(iface.Number).SetAlternate(iface, alt)
}

// DataIn forwards a transmit completion.
func (c *Composite) DataIn(iface *device.Interface, ep uint8) error {
	if h, ok := c.forEndpoint(ep).(device.DataInHandler); ok {
		return h.DataIn(iface, ep)
	}
	return nil
}

// DataOut forwards received data.
func (c *Composite) DataOut(iface *device.Interface, ep uint8, data []byte) error {
	if h, ok := c.forEndpoint(ep).(device.DataOutHandler); ok {
		return h.DataOut(iface, ep, data)
	}
	return pkg.ErrNotSupported
}

// SOF forwards a start-of-frame to the driver owning iface.
func (c *Composite) SOF(iface *device.Interface, frame uint16) {
	if h, ok := c.forInterface(iface.Number).(device.SOFHandler); ok {
		h.SOF(iface, frame)
	}
}

// WriteClassDescriptors emits the class descriptors of the driver owning
// iface.
func (c *Composite) WriteClassDescriptors(iface *device.Interface, buf []byte) int {
	if w, ok := c.forInterface(iface.Number).(device.DescriptorWriter); ok {
		return w.WriteClassDescriptors(iface, buf)
	}
	return 0
}

// SetStack hands the data path to both drivers.
func (c *Composite) SetStack(io device.EndpointIO) {
	for _, driver := range [...]device.ClassDriver{c.Primary, c.Secondary} {
		if s, ok := driver.(interface{ SetStack(device.EndpointIO) }); ok {
			s.SetStack(io)
		}
	}
}

// Close closes both drivers. The wrapper is installed on several
// interfaces, so only the first call has an effect.
func (c *Composite) Close() error {
	c.closeOnce.Do(func() {
		err1 := c.Primary.Close()
		err2 := c.Secondary.Close()
		if err1 != nil {
			c.closeErr = err1
		} else {
			c.closeErr = err2
		}
	})
	return c.closeErr
}

// Install sets c as the class driver of every interface in config.
func (c *Composite) Install(config *device.Configuration) {
	for _, iface := range config.Interfaces() {
		iface.SetClassDriver(c)
	}
}

var (
	_ device.ClassDriver      = (*Composite)(nil)
	_ device.DataInHandler    = (*Composite)(nil)
	_ device.DataOutHandler   = (*Composite)(nil)
	_ device.SOFHandler       = (*Composite)(nil)
	_ device.DescriptorWriter = (*Composite)(nil)
)
