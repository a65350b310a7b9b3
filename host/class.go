package host

import (
	"context"
	"time"

	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/pkg"
)

// ClassDriver binds to interfaces it recognizes.
type ClassDriver interface {
	// Match reports whether the driver handles iface.
	Match(iface *Interface) bool

	// Init creates the per-interface state. It must not block.
	Init(dev *Device, iface *Interface) (ClassHandle, error)
}

// ClassHandle is the per-interface state machine of a bound class driver.
// The host steps it from Poll; each method makes at most one state
// transition per call and never blocks on the bus.
type ClassHandle interface {
	// Requests advances the class-request phase. It is called until it
	// returns StatusOK.
	Requests(ctx context.Context) (Status, error)

	// Process advances the data phase.
	Process(ctx context.Context) (Status, error)

	// SOF reports the current frame number before each step.
	SOF(frame uint16)

	// DeInit releases the handle. It is called once, on disconnect or
	// after a fatal status.
	DeInit() error
}

// FrameMask limits frame numbers to 11 bits.
const FrameMask = 0x7FF

// DefaultPollInterval is the period of the class poll ticker.
const DefaultPollInterval = time.Millisecond

type binding struct {
	dev    *Device
	iface  uint8
	handle ClassHandle
	active bool
}

// RegisterClass adds d to the drivers tried, in registration order, for
// interfaces of newly enumerated devices.
func (h *Host) RegisterClass(d ClassDriver) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.classes = append(h.classes, d)
}

// bindClasses offers every interface (alternate setting 0) of dev to the
// registered drivers. The first match claims it.
func (h *Host) bindClasses(dev *Device) {
	h.mutex.RLock()
	classes := append([]ClassDriver(nil), h.classes...)
	h.mutex.RUnlock()

	for i := range dev.interfaces {
		iface := &dev.interfaces[i]
		if iface.Descriptor.AlternateSetting != 0 {
			continue
		}
		for _, drv := range classes {
			if !drv.Match(iface) {
				continue
			}
			addr := hal.DeviceAddress(dev.Address())
			if err := h.hal.ClaimInterface(addr, iface.Number()); err != nil {
				pkg.LogWarn(pkg.ComponentClass, "claim interface failed",
					"address", addr,
					"interface", iface.Number(),
					"error", err)
				break
			}
			handle, err := drv.Init(dev, iface)
			if err != nil {
				pkg.LogWarn(pkg.ComponentClass, "class init failed",
					"address", addr,
					"interface", iface.Number(),
					"error", err)
				h.hal.ReleaseInterface(addr, iface.Number())
				break
			}
			h.mutex.Lock()
			h.bindings = append(h.bindings, &binding{dev: dev, iface: iface.Number(), handle: handle})
			h.mutex.Unlock()
			pkg.LogInfo(pkg.ComponentClass, "interface bound",
				"address", addr,
				"interface", iface.Number(),
				"class", iface.Descriptor.InterfaceClass)
			break
		}
	}
}

// unbindClasses de-inits every handle bound to dev.
func (h *Host) unbindClasses(dev *Device) {
	h.mutex.Lock()
	var gone []*binding
	kept := h.bindings[:0]
	for _, b := range h.bindings {
		if b.dev == dev {
			gone = append(gone, b)
		} else {
			kept = append(kept, b)
		}
	}
	h.bindings = kept
	h.mutex.Unlock()

	for _, b := range gone {
		h.release(b)
	}
}

// release de-inits one binding.
func (h *Host) release(b *binding) {
	if err := b.handle.DeInit(); err != nil {
		pkg.LogDebug(pkg.ComponentClass, "class deinit", "interface", b.iface, "error", err)
	}
	h.hal.ReleaseInterface(hal.DeviceAddress(b.dev.Address()), b.iface)
}

// drop removes b after a fatal status.
func (h *Host) drop(b *binding, st Status, err error) {
	h.mutex.Lock()
	for i, other := range h.bindings {
		if other == b {
			h.bindings = append(h.bindings[:i], h.bindings[i+1:]...)
			break
		}
	}
	h.mutex.Unlock()
	pkg.LogWarn(pkg.ComponentClass, "class handle stopped",
		"address", b.dev.Address(),
		"interface", b.iface,
		"status", st,
		"error", err)
	h.release(b)
}

// Poll steps every bound class handle once: the request phase until it
// reports StatusOK, then the data phase.
func (h *Host) Poll(ctx context.Context) {
	h.pollMu.Lock()
	defer h.pollMu.Unlock()

	h.mutex.RLock()
	bindings := append([]*binding(nil), h.bindings...)
	h.mutex.RUnlock()

	frame := h.FrameNumber()
	for _, b := range bindings {
		b.handle.SOF(frame)

		var st Status
		var err error
		if !b.active {
			st, err = b.handle.Requests(ctx)
			switch st {
			case StatusOK:
				b.active = true
				pkg.LogDebug(pkg.ComponentClass, "class requests complete",
					"address", b.dev.Address(),
					"interface", b.iface)
				continue
			case StatusBusy:
				continue
			}
		} else {
			st, err = b.handle.Process(ctx)
			if st == StatusOK || st == StatusBusy {
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}
		h.drop(b, st, err)
	}
}

// Handles returns the class handles bound to dev, by interface number.
func (h *Host) Handles(dev *Device) map[uint8]ClassHandle {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	out := make(map[uint8]ClassHandle)
	for _, b := range h.bindings {
		if b.dev == dev {
			out[b.iface] = b.handle
		}
	}
	return out
}

// FrameNumber returns the current 11-bit frame number, from the
// controller when it has a counter and from the host clock otherwise.
func (h *Host) FrameNumber() uint16 {
	if fc, ok := h.hal.(hal.FrameCounter); ok {
		return fc.FrameNumber() & FrameMask
	}
	return uint16(time.Since(h.epoch)/time.Millisecond) & FrameMask
}

// runPoller calls Poll on every tick until ctx is done.
func (h *Host) runPoller(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Poll(ctx)
		}
	}
}
