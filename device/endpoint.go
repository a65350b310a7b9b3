package device

import (
	"fmt"
	"sync"

	"github.com/ardnew/usbcore/pkg"
)

// Transfer types (bmAttributes bits 0-1).
const (
	EndpointTypeControl     = 0x00
	EndpointTypeIsochronous = 0x01
	EndpointTypeBulk        = 0x02
	EndpointTypeInterrupt   = 0x03
)

// Endpoint directions (bEndpointAddress bit 7).
const (
	EndpointDirectionOut = 0x00
	EndpointDirectionIn  = 0x80
)

// Endpoint is one endpoint of an interface. The halt flag and data toggle
// are runtime state owned by the stack; class drivers read them but change
// them only through standard requests.
type Endpoint struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8

	mutex      sync.Mutex
	stalled    bool
	dataToggle bool
	frame      uint16
}

// Number returns the endpoint number (0-15).
func (e *Endpoint) Number() uint8 { return e.Address & 0x0F }

// IsIn reports whether this is an IN endpoint.
func (e *Endpoint) IsIn() bool { return e.Address&EndpointDirectionIn != 0 }

// TransferType returns the transfer type bits.
func (e *Endpoint) TransferType() uint8 { return e.Attributes & 0x03 }

// IsBulk reports whether this is a bulk endpoint.
func (e *Endpoint) IsBulk() bool { return e.TransferType() == EndpointTypeBulk }

// IsInterrupt reports whether this is an interrupt endpoint.
func (e *Endpoint) IsInterrupt() bool { return e.TransferType() == EndpointTypeInterrupt }

// IsIsochronous reports whether this is an isochronous endpoint.
func (e *Endpoint) IsIsochronous() bool { return e.TransferType() == EndpointTypeIsochronous }

// SetStall sets or clears the halt feature.
func (e *Endpoint) SetStall(stalled bool) {
	e.mutex.Lock()
	e.stalled = stalled
	if !stalled {
		e.dataToggle = false
	}
	e.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentEndpoint, "halt changed",
		"address", fmt.Sprintf("0x%02X", e.Address),
		"halted", stalled)
}

// IsStalled reports whether the halt feature is set.
func (e *Endpoint) IsStalled() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.stalled
}

// DataToggle returns true for DATA1.
func (e *Endpoint) DataToggle() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.dataToggle
}

// ToggleData flips the data toggle after a successful transaction.
func (e *Endpoint) ToggleData() {
	e.mutex.Lock()
	e.dataToggle = !e.dataToggle
	e.mutex.Unlock()
}

// FrameNumber returns the last frame recorded for SYNCH_FRAME.
func (e *Endpoint) FrameNumber() uint16 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.frame
}

// SetFrameNumber records the frame an isochronous pattern starts on.
func (e *Endpoint) SetFrameNumber(frame uint16) {
	e.mutex.Lock()
	e.frame = frame
	e.mutex.Unlock()
}

// Descriptor returns the endpoint descriptor.
func (e *Endpoint) Descriptor() EndpointDescriptor {
	return EndpointDescriptor{
		Length:          EndpointDescriptorSize,
		DescriptorType:  DescriptorTypeEndpoint,
		EndpointAddress: e.Address,
		Attributes:      e.Attributes,
		MaxPacketSize:   e.MaxPacketSize,
		Interval:        e.Interval,
	}
}

// TransferTypeName returns the transfer type name for logs.
func TransferTypeName(t uint8) string {
	return [...]string{"Control", "Isochronous", "Bulk", "Interrupt"}[t&0x03]
}
