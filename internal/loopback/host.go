package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/internal/wire"
	"github.com/ardnew/usbcore/pkg"
)

// Host is the host end of a Bus. It implements hal.HostHAL and
// hal.FrameCounter.
type Host struct {
	bus   *Bus
	start time.Time

	mutex         sync.RWMutex
	attached      bool
	speed         hal.Speed
	address       hal.DeviceAddress
	claimed       map[uint8]bool
	connectChange bool
	resetChange   bool

	// One control transfer at a time.
	ctrlMu sync.Mutex

	inMutex [MaxEndpoints]sync.Mutex

	connectCh    chan int
	disconnectCh chan int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newHost(b *Bus) *Host {
	return &Host{
		bus:          b,
		connectCh:    make(chan int, 4),
		disconnectCh: make(chan int, 4),
	}
}

// Init starts the frame clock.
func (h *Host) Init(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.start = time.Now()
	return nil
}

// Start begins watching for the device.
func (h *Host) Start() error {
	if h.ctx == nil {
		return pkg.ErrNotConfigured
	}
	h.wg.Add(1)
	go h.watch()
	return nil
}

// Stop stops watching.
func (h *Host) Stop() error {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	return nil
}

// Close is Stop.
func (h *Host) Close() error { return h.Stop() }

func (h *Host) watch() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case m := <-h.bus.conn:
			h.mutex.Lock()
			switch m.typ {
			case wire.MsgConnect:
				h.attached = true
				h.speed = hal.SpeedFull
				if len(m.data) > 0 {
					h.speed = hal.Speed(m.data[0])
				}
				h.address = 0
				h.claimed = nil
			case wire.MsgDisconnect:
				h.attached = false
			}
			h.connectChange = true
			h.mutex.Unlock()

			ch := h.connectCh
			if m.typ == wire.MsgDisconnect {
				ch = h.disconnectCh
			}
			select {
			case ch <- 1:
			default:
			}
		}
	}
}

// NumPorts returns 1.
func (h *Host) NumPorts() int { return 1 }

// GetPortStatus returns the status of the port.
func (h *Host) GetPortStatus(port int) (hal.PortStatus, error) {
	if port != 1 {
		return hal.PortStatus{}, pkg.ErrInvalidParameter
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	status := hal.PortStatus{
		Connected:     h.attached,
		Enabled:       h.attached,
		PowerOn:       true,
		ConnectChange: h.connectChange,
		ResetChange:   h.resetChange,
	}
	if h.attached {
		status.Speed = h.speed
	}
	h.connectChange, h.resetChange = false, false
	return status, nil
}

// PortSpeed returns the device speed.
func (h *Host) PortSpeed(port int) hal.Speed {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if port != 1 || !h.attached {
		return hal.SpeedUnknown
	}
	return h.speed
}

func (h *Host) isAttached() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.attached
}

// drain discards answers to transfers that already timed out.
func (h *Host) drain() {
	for {
		select {
		case <-h.bus.d2h:
		default:
			return
		}
	}
}

func (h *Host) send(ctx context.Context, m msg) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case h.bus.h2d <- m:
		return nil
	}
}

func (h *Host) reply(ctx context.Context) (msg, error) {
	timeout := time.NewTimer(h.bus.controlTimeout)
	defer timeout.Stop()
	select {
	case <-ctx.Done():
		return msg{}, ctx.Err()
	case <-timeout.C:
		return msg{}, pkg.ErrTimeout
	case m := <-h.bus.d2h:
		return m, nil
	}
}

// ResetPort resets the device to address 0.
func (h *Host) ResetPort(port int) error {
	if port != 1 {
		return pkg.ErrInvalidParameter
	}
	if !h.isAttached() {
		return pkg.ErrNoDevice
	}
	h.ctrlMu.Lock()
	defer h.ctrlMu.Unlock()

	h.drain()
	ctx := context.Background()
	if err := h.send(ctx, msg{typ: wire.MsgReset}); err != nil {
		return err
	}
	for {
		m, err := h.reply(ctx)
		if err != nil {
			return fmt.Errorf("port reset: %w", err)
		}
		if m.typ == wire.MsgAck {
			break
		}
	}

	h.mutex.Lock()
	h.address = 0
	h.claimed = nil
	h.resetChange = true
	h.mutex.Unlock()
	return nil
}

// EnablePort is a no-op.
func (h *Host) EnablePort(port int, enable bool) error {
	if port != 1 {
		return pkg.ErrInvalidParameter
	}
	return nil
}

// ControlTransfer runs one control transfer against the device at addr.
func (h *Host) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	if !h.isAttached() {
		return 0, pkg.ErrNoDevice
	}
	h.ctrlMu.Lock()
	defer h.ctrlMu.Unlock()
	h.drain()

	payload := make([]byte, 1+hal.SetupPacketSize)
	payload[0] = byte(addr)
	setup.MarshalTo(payload[1:])
	if err := h.send(ctx, msg{typ: wire.MsgSetup, data: payload}); err != nil {
		return 0, err
	}

	length := int(setup.Length)
	if length > len(data) {
		length = len(data)
	}
	if !setup.IsIn() && setup.Length > 0 {
		if err := h.send(ctx, message(wire.MsgData, data[:length])); err != nil {
			return 0, err
		}
	}

	m, err := h.reply(ctx)
	if err != nil {
		return 0, err
	}

	if setup.IsIn() && setup.Length > 0 {
		if m.typ != wire.MsgData {
			return 0, unexpected(m, "data stage")
		}
		n := copy(data[:length], m.data)
		return n, h.send(ctx, msg{typ: wire.MsgAck})
	}
	if m.typ != wire.MsgAck {
		return 0, unexpected(m, "status stage")
	}
	if setup.IsIn() {
		return 0, nil
	}
	return length, nil
}

func unexpected(m msg, stage string) error {
	switch m.typ {
	case wire.MsgStall:
		return pkg.ErrStall
	case wire.MsgNak:
		return pkg.ErrNAK
	}
	return fmt.Errorf("%w: %s in %s", pkg.ErrProtocol, wire.TypeName(m.typ), stage)
}

func (h *Host) endpoint(addr hal.DeviceAddress, endpoint uint8) (int, error) {
	h.mutex.RLock()
	attached, current := h.attached, h.address
	h.mutex.RUnlock()
	if !attached || addr != current {
		return 0, pkg.ErrNoDevice
	}
	idx, ok := endpointIndex(endpoint)
	if !ok {
		return 0, pkg.ErrInvalidEndpoint
	}
	return idx, nil
}

// readIn collects packets until a short one or a full buffer. With nak
// set, an endpoint silent for nak reports pkg.ErrNAK.
func (h *Host) readIn(ctx context.Context, idx int, data []byte, nak time.Duration) (int, error) {
	h.inMutex[idx].Lock()
	defer h.inMutex[idx].Unlock()

	n := 0
	for {
		m, err := h.nextIn(ctx, idx, nak)
		if err != nil {
			return n, err
		}
		if m.typ != wire.MsgData {
			return n, unexpected(m, "IN transfer")
		}
		copied := copy(data[n:], m.data)
		n += copied
		if copied < len(m.data) {
			return n, pkg.ErrOverrun
		}
		if len(m.data) < wire.PacketSize || n == len(data) {
			return n, nil
		}
	}
}

func (h *Host) nextIn(ctx context.Context, idx int, nak time.Duration) (msg, error) {
	var timeout <-chan time.Time
	if nak > 0 {
		t := time.NewTimer(nak)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ctx.Done():
		return msg{}, ctx.Err()
	case <-timeout:
		return msg{}, pkg.ErrNAK
	case m := <-h.bus.epIn[idx]:
		return m, nil
	}
}

func (h *Host) writeOut(ctx context.Context, idx int, data []byte) (int, error) {
	written := 0
	err := packets(data, func(packet []byte) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case h.bus.epOut[idx] <- message(wire.MsgData, packet):
			written += len(packet)
			return nil
		}
	})
	return written, err
}

// BulkTransfer moves data on a bulk endpoint.
func (h *Host) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	idx, err := h.endpoint(addr, endpoint)
	if err != nil {
		return 0, err
	}
	if endpoint&0x80 != 0 {
		return h.readIn(ctx, idx, data, 0)
	}
	return h.writeOut(ctx, idx, data)
}

// InterruptTransfer moves data on an interrupt endpoint. An IN poll with
// nothing to read reports pkg.ErrNAK.
func (h *Host) InterruptTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	idx, err := h.endpoint(addr, endpoint)
	if err != nil {
		return 0, err
	}
	if endpoint&0x80 != 0 {
		return h.readIn(ctx, idx, data, h.bus.nakTimeout)
	}
	return h.writeOut(ctx, idx, data)
}

// IsochronousTransfer moves one frame of data; an empty IN frame returns 0.
func (h *Host) IsochronousTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	n, err := h.InterruptTransfer(ctx, addr, endpoint, data)
	if errors.Is(err, pkg.ErrNAK) {
		return 0, nil
	}
	return n, err
}

// SetDeviceAddress records the address the device now answers at.
func (h *Host) SetDeviceAddress(ctx context.Context, newAddr hal.DeviceAddress) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if !h.attached {
		return pkg.ErrNoDevice
	}
	h.address = newAddr
	return nil
}

// ClaimInterface marks iface as in use.
func (h *Host) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if !h.attached || h.address != addr {
		return pkg.ErrNoDevice
	}
	if h.claimed[iface] {
		return fmt.Errorf("%w: interface %d already claimed", pkg.ErrBusy, iface)
	}
	if h.claimed == nil {
		h.claimed = make(map[uint8]bool)
	}
	h.claimed[iface] = true
	return nil
}

// ReleaseInterface undoes ClaimInterface.
func (h *Host) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if !h.claimed[iface] {
		return fmt.Errorf("%w: interface %d not claimed", pkg.ErrInvalidState, iface)
	}
	delete(h.claimed, iface)
	return nil
}

// FrameNumber returns an 11-bit frame number from a 1 kHz clock started
// by Init.
func (h *Host) FrameNumber() uint16 {
	return uint16(time.Since(h.start)/time.Millisecond) & 0x7FF
}

// WaitForConnection blocks until the device attaches.
func (h *Host) WaitForConnection(ctx context.Context) (int, error) {
	if h.ctx == nil {
		return 0, pkg.ErrNotConfigured
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.ctx.Done():
		return 0, pkg.ErrCancelled
	case port := <-h.connectCh:
		return port, nil
	}
}

// WaitForDisconnection blocks until the device detaches.
func (h *Host) WaitForDisconnection(ctx context.Context) (int, error) {
	if h.ctx == nil {
		return 0, pkg.ErrNotConfigured
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.ctx.Done():
		return 0, pkg.ErrCancelled
	case port := <-h.disconnectCh:
		return port, nil
	}
}

var (
	_ hal.HostHAL      = (*Host)(nil)
	_ hal.FrameCounter = (*Host)(nil)
)
