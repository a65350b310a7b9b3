// Package hid implements the device side of the USB Human Interface Device
// class.
//
// A HID function is one interface with an interrupt IN endpoint for input
// reports and an optional interrupt OUT endpoint for output reports. The
// driver serves the HID descriptor inside the configuration tree and on
// GET_DESCRIPTOR, the report descriptor on GET_DESCRIPTOR, and the class
// requests GET/SET_REPORT, GET/SET_IDLE and GET/SET_PROTOCOL.
//
// # Usage
//
//	keyboard := hid.New(hid.KeyboardReportDescriptor)
//	keyboard.SetOnOutputReport(func(data []byte) {
//	    // LED state from the host
//	})
//
//	builder := device.NewDeviceBuilder().
//	    WithVendorProduct(0xCAFE, 0xBABE).
//	    AddConfiguration(1)
//	keyboard.ConfigureDevice(builder, 0x81, hid.SubclassBoot, hid.ProtocolKeyboard, 10)
//	dev, err := builder.Build()
//
//	stack := device.NewStack(dev, h)
//	keyboard.SetStack(stack)
//	err = stack.Start(ctx)
//
//	err = keyboard.SendKeyboardReport(ctx, &report)
//
// Report descriptors are kept by reference. [KeyboardReportDescriptor] and
// [MouseReportDescriptor] describe the boot protocol layouts.
package hid
