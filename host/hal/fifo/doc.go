// Package fifo implements a host HAL over named pipes.
//
// It is the host half of the simulated bus whose device half is
// device/hal/fifo. The host scans a bus directory for device-*/
// directories, follows each one's connection FIFO, and attaches the first
// device that announces itself to its single root port:
//
//	/tmp/usb-bus/
//	├── .host.lock           held by the host for its lifetime
//	├── device-a1b2.../      one directory per device
//	│   ├── connection
//	│   ├── host_to_device
//	│   ├── device_to_host
//	│   └── ep1_in ... ep15_out
//	└── device-e5f6.../
//
// Only one host may own a bus. Init takes an flock on .host.lock and fails
// with pkg.ErrBusy when another process holds it.
//
// # Transfers
//
// Messages are internal/wire frames. A control transfer sends SETUP with
// the target address, then the OUT data stage if any, and waits for the
// device's DATA, ACK or STALL. IN data stages are acknowledged with an
// ACK, which is the status stage. A device that does not answer at the
// address fails with pkg.ErrTimeout.
//
// Bulk IN transfers collect packets until a short packet or a full buffer.
// Interrupt IN polls report pkg.ErrNAK when no packet arrives within the
// NAK timeout. A STALL frame on an IN endpoint fails the transfer with
// pkg.ErrStall.
//
// # Usage
//
//	h := fifo.NewHostHAL("/tmp/usb-bus")
//	hst := host.New(h)
//	if err := hst.Start(ctx); err != nil {
//	    return err
//	}
//	defer hst.Stop()
//
//	dev, err := hst.WaitDevice(ctx)
package fifo
