package composite

import (
	"github.com/ardnew/usbcore/device"
	"github.com/ardnew/usbcore/device/class/cdc"
	"github.com/ardnew/usbcore/device/class/hid"
	"github.com/ardnew/usbcore/device/class/msc"
)

// Endpoint layout of the combined functions. HID always owns interface 0
// and EP1 IN.
const (
	HIDInterface = 0
	HIDEndpoint  = 1

	CDCNotifyEndpoint = 2
	CDCDataEndpoint   = 3

	MSCEndpoint = 2

	hidInterval = 10
)

// NewHIDCDC adds a boot keyboard on interface 0 and a CDC-ACM function on
// interfaces 1 and 2 to the builder's current configuration. The ACM
// interfaces are grouped by an IAD, so the device descriptor is switched
// to the IAD class triple.
func NewHIDCDC(builder *device.DeviceBuilder, h *hid.HID, acm *cdc.ACM) *Composite {
	builder.WithDeviceClass(device.ClassMisc, device.SubclassCommon, device.ProtocolIAD)
	h.ConfigureDevice(builder, HIDEndpoint, hid.SubclassBoot, hid.ProtocolKeyboard, hidInterval)
	acm.ConfigureDevice(builder, CDCNotifyEndpoint, CDCDataEndpoint, CDCDataEndpoint)

	c := New(h, acm, Route{Interface: HIDInterface, Endpoint: HIDEndpoint})
	if config := builder.Configuration(); config != nil {
		c.Install(config)
	}
	return c
}

// NewHIDMSC adds a boot keyboard on interface 0 and a Bulk-Only mass
// storage function on interface 1 to the builder's current configuration.
func NewHIDMSC(builder *device.DeviceBuilder, h *hid.HID, disk *msc.MSC) *Composite {
	h.ConfigureDevice(builder, HIDEndpoint, hid.SubclassBoot, hid.ProtocolKeyboard, hidInterval)
	disk.ConfigureDevice(builder, MSCEndpoint, MSCEndpoint)

	c := New(h, disk, Route{Interface: HIDInterface, Endpoint: HIDEndpoint})
	if config := builder.Configuration(); config != nil {
		c.Install(config)
	}
	return c
}
