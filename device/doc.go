// Package device implements the device side of a USB 2.0 control core:
// chapter 9 state, descriptor trees, the standard request dispatcher and a
// class driver table.
//
// It is platform-agnostic and talks to the controller through the
// [hal.DeviceHAL] interface in [github.com/ardnew/usbcore/device/hal].
//
// # Architecture
//
//   - [Device] holds the descriptors and the chapter 9 state machine
//   - [StandardRequestHandler] answers standard requests and forwards class
//     and vendor requests to the addressed interface
//   - [Stack] runs EP0 through its SETUP, DATA and STATUS stages and moves
//     data between class drivers and the controller
//   - [Interface] binds endpoints to a [ClassDriver]
//
// # Control Transfers
//
// Every SETUP starts a fresh control transfer. A request that cannot be
// served is answered by stalling both directions of EP0; the host recovers
// with the next SETUP. SET_ADDRESS and SET_FEATURE(TEST_MODE) are latched
// and reach the controller only after the status stage.
//
// # Device States
//
//	Attached → Powered → Default → Address → Configured
//
// Suspended can be entered from any powered state and returns to the state
// it left. A bus reset returns to Default from anywhere.
//
// # Class Drivers
//
// A class installs a [ClassDriver] on one or more interfaces:
//
//	type ClassDriver interface {
//	    Init(iface *Interface) error
//	    DeInit(iface *Interface) error
//	    Setup(iface *Interface, setup *SetupPacket, data []byte) ([]byte, error)
//	    SetAlternate(iface *Interface, alt uint8) error
//	    Close() error
//	}
//
// Init runs when SET_CONFIGURATION selects the interface's configuration;
// DeInit runs before any other configuration is initialized. The optional
// [DataInHandler], [DataOutHandler], [SOFHandler] and [DescriptorWriter]
// interfaces receive endpoint events and contribute class descriptors.
//
// Bundled classes:
//
//   - [github.com/ardnew/usbcore/device/class/hid] - Human Interface Device
//   - [github.com/ardnew/usbcore/device/class/cdc] - CDC-ACM serial
//   - [github.com/ardnew/usbcore/device/class/msc] - Mass Storage (Bulk-Only)
//   - [github.com/ardnew/usbcore/device/class/composite] - HID+CDC and HID+MSC
//
// # Zero-Allocation Design
//
// Descriptors serialize with MarshalTo(buf) into caller buffers, parse
// functions fill output parameters, and the endpoint, interface and
// configuration tables are fixed-size arrays.
//
// # Example
//
//	dev, err := device.NewDeviceBuilder().
//	    WithVendorProduct(0xCAFE, 0xBABE).
//	    WithStrings("Acme", "Widget", "0001").
//	    AddConfiguration(1).
//	    AddInterface(0x03, 0x00, 0x00).
//	    AddEndpoint(0x81, device.EndpointTypeInterrupt, 8, 10).
//	    WithClassDriver(driver).
//	    Build()
//	stack := device.NewStack(dev, h)
//	err = stack.Start(ctx)
package device
