// Package hal defines the controller boundary of the device stack.
//
// A [DeviceHAL] moves SETUP packets, control data stages and endpoint
// payloads between the stack and a controller. It knows nothing about
// descriptors, requests or classes; those live in the device package.
//
// # Optional capabilities
//
//   - [TestModeHAL] writes the port test control field for
//     SET_FEATURE(TEST_MODE).
//   - [FrameSource] delivers start-of-frame numbers so class drivers can
//     run periodic work.
//
// # Implementations
//
//   - [github.com/ardnew/usbcore/device/hal/fifo] talks to a host process
//     over named pipes.
//   - [github.com/ardnew/usbcore/internal/loopback] connects a device stack
//     and a host stack inside one process.
package hal
