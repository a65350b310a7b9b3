package loopback

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/usbcore/device/hal"
	"github.com/ardnew/usbcore/internal/wire"
	"github.com/ardnew/usbcore/pkg"
)

// Device is the device end of a Bus. It implements hal.DeviceHAL,
// hal.TestModeHAL and hal.FrameSource.
type Device struct {
	bus *Bus

	connected atomic.Bool

	mutex        sync.RWMutex
	address      uint8
	halted       [2][MaxEndpoints]bool // [out, in]
	testMode     uint8
	frameFn      func(frame uint16)
	pending      byte
	pendingSetup hal.SetupPacket

	connectCh chan struct{}
	disconnCh chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
	frames    sync.WaitGroup
}

func newDevice(b *Bus) *Device {
	return &Device{
		bus:       b,
		connectCh: make(chan struct{}, 1),
		disconnCh: make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
	}
}

// Init is a no-op.
func (d *Device) Init(ctx context.Context) error { return ctx.Err() }

// Start attaches the device and starts the frame clock.
func (d *Device) Start() error {
	if d.connected.Swap(true) {
		return pkg.ErrAlreadyRunning
	}
	d.bus.conn <- msg{typ: wire.MsgConnect, data: []byte{byte(d.bus.speed)}}
	select {
	case d.connectCh <- struct{}{}:
	default:
	}

	d.mutex.RLock()
	fn := d.frameFn
	d.mutex.RUnlock()
	if fn != nil {
		d.frames.Add(1)
		go d.frameClock(fn)
	}
	return nil
}

func (d *Device) frameClock(fn func(frame uint16)) {
	defer d.frames.Done()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	var frame uint16
	for {
		select {
		case <-d.closeCh:
			return
		case <-ticker.C:
			frame = (frame + 1) & 0x7FF
			fn(frame)
		}
	}
}

// Stop detaches the device.
func (d *Device) Stop() error {
	if d.connected.Swap(false) {
		select {
		case d.bus.conn <- msg{typ: wire.MsgDisconnect}:
		default:
		}
		select {
		case d.disconnCh <- struct{}{}:
		default:
		}
	}
	d.closeOnce.Do(func() { close(d.closeCh) })
	d.frames.Wait()
	return nil
}

// SetAddress changes the address the device answers at.
func (d *Device) SetAddress(address uint8) error {
	d.mutex.Lock()
	d.address = address
	d.mutex.Unlock()
	return nil
}

// Address returns the address the device answers at.
func (d *Device) Address() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.address
}

// ConfigureEndpoints clears every halt.
func (d *Device) ConfigureEndpoints(endpoints []hal.EndpointConfig) error {
	for i := range endpoints {
		if _, ok := endpointIndex(endpoints[i].Address); !ok {
			return fmt.Errorf("%w: %#02x", pkg.ErrInvalidEndpoint, endpoints[i].Address)
		}
	}
	d.mutex.Lock()
	d.halted = [2][MaxEndpoints]bool{}
	d.mutex.Unlock()
	return nil
}

func (d *Device) receive(ctx context.Context, timeout <-chan time.Time) (msg, error) {
	select {
	case <-ctx.Done():
		return msg{}, ctx.Err()
	case <-d.closeCh:
		return msg{}, pkg.ErrCancelled
	case <-timeout:
		return msg{}, pkg.ErrTimeout
	case m := <-d.bus.h2d:
		return m, nil
	}
}

// accept decodes a SETUP message and reports whether it is addressed to
// this device.
func (d *Device) accept(m msg, out *hal.SetupPacket) bool {
	if len(m.data) < 1+hal.SetupPacketSize || m.data[0] != d.Address() {
		return false
	}
	return hal.ParseSetupPacket(m.data[1:], out)
}

func (d *Device) reset() error {
	d.mutex.Lock()
	d.address = 0
	d.halted = [2][MaxEndpoints]bool{}
	d.mutex.Unlock()
	if err := d.send(context.Background(), msg{typ: wire.MsgAck}); err != nil {
		return err
	}
	return pkg.ErrReset
}

// ReadSetup blocks until a SETUP for this device or a reset arrives.
func (d *Device) ReadSetup(ctx context.Context, out *hal.SetupPacket) error {
	d.mutex.Lock()
	pending := d.pending
	d.pending = 0
	if pending == wire.MsgSetup {
		*out = d.pendingSetup
	}
	d.mutex.Unlock()

	switch pending {
	case wire.MsgSetup:
		return nil
	case wire.MsgReset:
		return d.reset()
	}

	for {
		m, err := d.receive(ctx, nil)
		if err != nil {
			return err
		}
		switch m.typ {
		case wire.MsgSetup:
			if d.accept(m, out) {
				return nil
			}
		case wire.MsgReset:
			return d.reset()
		}
	}
}

// ReadEP0 receives the OUT data stage or, with an empty buf, the status
// ACK. A SETUP or reset in between aborts the transfer and is replayed by
// ReadSetup.
func (d *Device) ReadEP0(ctx context.Context, buf []byte) (int, error) {
	want := byte(wire.MsgData)
	if len(buf) == 0 {
		want = wire.MsgAck
	}
	timeout := time.NewTimer(d.bus.controlTimeout)
	defer timeout.Stop()

	for {
		m, err := d.receive(ctx, timeout.C)
		if err != nil {
			return 0, err
		}
		switch m.typ {
		case want:
			n := copy(buf, m.data)
			if n < len(m.data) {
				return n, pkg.ErrOverrun
			}
			return n, nil
		case wire.MsgSetup:
			var setup hal.SetupPacket
			if !d.accept(m, &setup) {
				continue
			}
			d.mutex.Lock()
			d.pending, d.pendingSetup = wire.MsgSetup, setup
			d.mutex.Unlock()
			return 0, fmt.Errorf("%w: SETUP during data stage", pkg.ErrProtocol)
		case wire.MsgReset:
			d.mutex.Lock()
			d.pending = wire.MsgReset
			d.mutex.Unlock()
			return 0, pkg.ErrReset
		default:
			return 0, fmt.Errorf("%w: %s during control transfer", pkg.ErrProtocol, wire.TypeName(m.typ))
		}
	}
}

func (d *Device) send(ctx context.Context, m msg) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.closeCh:
		return pkg.ErrCancelled
	case d.bus.d2h <- m:
		return nil
	}
}

// WriteEP0 sends the IN data stage.
func (d *Device) WriteEP0(ctx context.Context, data []byte) error {
	return d.send(ctx, message(wire.MsgData, data))
}

// StallEP0 answers the current control transfer with STALL, unless the
// host already moved on to the next one.
func (d *Device) StallEP0() error {
	d.mutex.RLock()
	pending := d.pending
	d.mutex.RUnlock()
	if pending != 0 {
		return nil
	}
	return d.send(context.Background(), msg{typ: wire.MsgStall})
}

// AckEP0 sends the zero-length IN status stage.
func (d *Device) AckEP0() error {
	return d.send(context.Background(), msg{typ: wire.MsgAck})
}

// Read receives one packet from an OUT endpoint.
func (d *Device) Read(ctx context.Context, address uint8, buf []byte) (int, error) {
	idx, ok := endpointIndex(address)
	if !ok {
		return 0, pkg.ErrInvalidEndpoint
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-d.closeCh:
		return 0, pkg.ErrCancelled
	case m := <-d.bus.epOut[idx]:
		n := copy(buf, m.data)
		if n < len(m.data) {
			return n, pkg.ErrOverrun
		}
		return n, nil
	}
}

// Write sends data on an IN endpoint in packets.
func (d *Device) Write(ctx context.Context, address uint8, data []byte) (int, error) {
	idx, ok := endpointIndex(address)
	if !ok {
		return 0, pkg.ErrInvalidEndpoint
	}
	d.mutex.RLock()
	halted := d.halted[1][idx]
	d.mutex.RUnlock()
	if halted {
		return 0, pkg.ErrStall
	}

	written := 0
	err := packets(data, func(packet []byte) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.closeCh:
			return pkg.ErrCancelled
		case d.bus.epIn[idx] <- message(wire.MsgData, packet):
			written += len(packet)
			return nil
		}
	})
	return written, err
}

// Stall halts an endpoint. A halted IN endpoint answers the host's next
// read with STALL.
func (d *Device) Stall(address uint8) error {
	idx, ok := endpointIndex(address)
	if !ok {
		return pkg.ErrInvalidEndpoint
	}
	in := address&0x80 != 0
	dir := 0
	if in {
		dir = 1
	}
	d.mutex.Lock()
	already := d.halted[dir][idx]
	d.halted[dir][idx] = true
	d.mutex.Unlock()

	if in && !already {
		select {
		case d.bus.epIn[idx] <- msg{typ: wire.MsgStall}:
		default:
		}
	}
	return nil
}

// ClearStall clears an endpoint halt.
func (d *Device) ClearStall(address uint8) error {
	idx, ok := endpointIndex(address)
	if !ok {
		return pkg.ErrInvalidEndpoint
	}
	dir := 0
	if address&0x80 != 0 {
		dir = 1
	}
	d.mutex.Lock()
	d.halted[dir][idx] = false
	d.mutex.Unlock()
	return nil
}

// SetTestMode records the test selector.
func (d *Device) SetTestMode(selector uint8) error {
	d.mutex.Lock()
	d.testMode = selector
	d.mutex.Unlock()
	return nil
}

// TestMode returns the last test selector.
func (d *Device) TestMode() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.testMode
}

// SetFrameHandler installs fn to run every millisecond after Start.
func (d *Device) SetFrameHandler(fn func(frame uint16)) {
	d.mutex.Lock()
	d.frameFn = fn
	d.mutex.Unlock()
}

// IsConnected reports whether the device is attached.
func (d *Device) IsConnected() bool { return d.connected.Load() }

// GetSpeed returns the bus speed.
func (d *Device) GetSpeed() hal.Speed { return d.bus.speed }

// WaitConnect blocks until Start ran.
func (d *Device) WaitConnect(ctx context.Context) error {
	if d.IsConnected() {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.connectCh:
		return nil
	}
}

// WaitDisconnect blocks until Stop ran.
func (d *Device) WaitDisconnect(ctx context.Context) error {
	if !d.IsConnected() {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.disconnCh:
		return nil
	}
}

var (
	_ hal.DeviceHAL   = (*Device)(nil)
	_ hal.TestModeHAL = (*Device)(nil)
	_ hal.FrameSource = (*Device)(nil)
)
