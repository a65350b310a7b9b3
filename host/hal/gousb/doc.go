// Package gousb implements the host HAL on real hardware through libusb,
// using github.com/google/gousb.
//
// The operating system has already reset, addressed and usually bound a
// driver to any device libusb can see. The HAL hides that: it exposes
// one root port holding the first device a Match accepts, acknowledges
// SET_ADDRESS without sending it, and turns SET_CONFIGURATION and
// SET_INTERFACE into libusb configuration and interface claims. Every
// other control request goes to the device unchanged, so the host stack
// enumerates it as if it were on a bare bus.
//
// Kernel drivers are detached automatically when an interface is claimed.
// Building this package requires cgo and libusb-1.0.
//
//	h := gousb.New(gousb.MatchVIDPID(0x1234, 0x5678))
//	hst := host.New(h)
//	err := hst.Start(ctx)
package gousb
