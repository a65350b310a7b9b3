// Package cdc implements the CDC-ACM serial function of the USB
// Communications Device Class.
//
// An ACM function has two interfaces grouped by an IAD: a communications
// interface with an interrupt IN notification endpoint that answers
// SET/GET_LINE_CODING, SET_CONTROL_LINE_STATE and SEND_BREAK, and a data
// interface with a bulk IN and a bulk OUT endpoint. The same [ACM] value
// is installed on both.
//
// Data from the host arrives through the DataOut callback and is queued in
// a fixed-size ring; [ACM.Read] drains it. [ACM.Write] sends on the bulk
// IN endpoint.
//
// # Usage
//
//	acm := cdc.NewACM()
//	acm.SetOnLineCodingChange(func(lc *cdc.LineCoding) {
//	    // reprogram the UART
//	})
//
//	builder := device.NewDeviceBuilder().
//	    WithDeviceClass(0xEF, 0x02, 0x01).
//	    AddConfiguration(1)
//	acm.ConfigureDevice(builder, 0x81, 0x82, 0x02)
//	dev, err := builder.Build()
//
//	stack := device.NewStack(dev, h)
//	acm.SetStack(stack)
//	err = stack.Start(ctx)
//
//	n, err := acm.Read(ctx, buf)
package cdc
