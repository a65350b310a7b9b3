// Package fifo implements a device HAL over named pipes.
//
// It is meant for simulation and integration tests: a device stack using
// this HAL and a host stack using host/hal/fifo talk through FIFOs in a
// shared bus directory, without any hardware.
//
// # Layout
//
// Each device creates its own directory under the bus directory:
//
//	/tmp/usb-bus/
//	└── device-{id}/
//	    ├── connection       CONNECT [speed] / DISCONNECT
//	    ├── host_to_device   SETUP, OUT data stage, status ACK, RESET
//	    ├── device_to_host   IN data stage, ACK, STALL
//	    ├── ep1_in, ep1_out  endpoint 1 packets
//	    └── ...              up to ep15_in, ep15_out
//
// Every message is a frame of package internal/wire, protected by a
// CRC-16. Corrupt frames are dropped.
//
// # Addressing
//
// SETUP frames carry the target address. The device answers only at its
// current address, which starts at 0 and changes when the stack applies
// SET_ADDRESS after the status stage. A RESET frame puts it back to 0.
//
// # Halts
//
// A halted IN endpoint sends a STALL frame, so the host's pending read
// fails with pkg.ErrStall. A halted OUT endpoint is only recorded: the
// host keeps writing and the device stack discards the packets until the
// halt is cleared.
//
// # Usage
//
//	h := fifo.New("/tmp/usb-bus")
//
//	builder := device.NewDeviceBuilder().
//	    WithVendorProduct(0x1234, 0x5678).
//	    WithStrings("Vendor", "Product", "Serial").
//	    AddConfiguration(1)
//	acm := cdc.NewACM()
//	acm.ConfigureDevice(builder, 1, 2, 2)
//	dev, err := builder.Build()
//
//	stack := device.NewStack(dev, h)
//	acm.SetStack(stack)
//	err = stack.Start(ctx)
//
//	fmt.Println("device directory:", h.DeviceDir())
package fifo
