// Package hal defines the controller interface the host stack drives.
//
// [HostHAL] covers port management, the four transfer types, and
// connection events. Transfers are blocking calls; the host runs them
// from its transfer worker pool so class state machines never block.
//
// Optional capabilities are discovered with type assertions:
//
//   - [FrameCounter] exposes the controller frame number. Without it the
//     host counts frames from a 1 kHz clock.
//
// Implementations:
//
//   - [github.com/ardnew/usbcore/host/hal/fifo] talks to an emulated
//     device over named pipes.
//   - [github.com/ardnew/usbcore/host/hal/gousb] drives real hardware
//     through libusb.
//   - [github.com/ardnew/usbcore/internal/loopback] connects a host stack
//     and a device stack inside one process.
package hal
