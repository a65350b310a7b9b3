package fifo

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/usbcore/device/hal"
	"github.com/ardnew/usbcore/internal/wire"
	"github.com/ardnew/usbcore/pkg"
)

// MaxEndpoints is the number of data endpoint numbers (1-15).
const MaxEndpoints = 15

// controlTimeout bounds the data and status stages of a control transfer.
const controlTimeout = 5 * time.Second

// FIFO names inside the device directory.
const (
	fifoHostToDevice = "host_to_device"
	fifoDeviceToHost = "device_to_host"
	fifoConnection   = "connection"
)

// DevicePrefix starts the name of every device directory on the bus.
const DevicePrefix = "device-"

// InName and OutName return the FIFO names of data endpoint num.
func InName(num int) string  { return fmt.Sprintf("ep%d_in", num) }
func OutName(num int) string { return fmt.Sprintf("ep%d_out", num) }

// Option configures a HAL.
type Option func(*HAL)

// WithSpeed sets the speed announced to the host. The default is full
// speed.
func WithSpeed(speed hal.Speed) Option {
	return func(h *HAL) { h.speed = speed }
}

// HAL implements hal.DeviceHAL over named pipes. Each instance owns a
// directory under the bus directory; the host discovers it there.
type HAL struct {
	busDir    string
	deviceDir string
	id        string

	hostToDevice *os.File // SETUP, OUT data and status stages
	deviceToHost *os.File // IN data and handshakes
	connection   *os.File // connect and disconnect announcements

	epIn  [MaxEndpoints]*os.File
	epOut [MaxEndpoints]*os.File

	connected atomic.Bool
	speed     hal.Speed
	address   uint8
	testMode  uint8

	halted [2][MaxEndpoints]bool // [out, in]

	// A SETUP or reset that arrived during the data or status stage of
	// the previous transfer. It is returned by the next ReadSetup.
	pending      byte
	pendingSetup hal.SetupPacket

	frameFn func(frame uint16)
	frames  sync.WaitGroup

	mutex     sync.RWMutex
	initDone  bool
	connectCh chan struct{}
	disconnCh chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once

	// ep0Rx is used only by the control goroutine.
	ep0Rx [wire.MaxFrameSize]byte

	txMutex sync.Mutex
	ep0Tx   [wire.MaxFrameSize]byte

	epMutex [MaxEndpoints]sync.Mutex
	epTx    [MaxEndpoints][wire.MaxFrameSize]byte
	epRx    [MaxEndpoints][wire.MaxFrameSize]byte
}

// New creates a device HAL on the bus rooted at busDir.
func New(busDir string, opts ...Option) *HAL {
	h := &HAL{
		busDir:    busDir,
		speed:     hal.SpeedFull,
		connectCh: make(chan struct{}, 1),
		disconnCh: make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func newID() (string, error) {
	var id [16]byte
	if _, err := rand.Read(id[:]); err != nil {
		return "", err
	}
	id[6] = (id[6] & 0x0f) | 0x40
	id[8] = (id[8] & 0x3f) | 0x80
	return hex.EncodeToString(id[:]), nil
}

// Init creates the device directory and its FIFOs and opens the device
// ends.
func (h *HAL) Init(ctx context.Context) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.initDone {
		return pkg.ErrAlreadyRunning
	}

	id, err := newID()
	if err != nil {
		return fmt.Errorf("generate device id: %w", err)
	}
	h.id = id
	h.deviceDir = filepath.Join(h.busDir, DevicePrefix+id)

	if err := os.MkdirAll(h.deviceDir, 0o755); err != nil {
		return fmt.Errorf("create device dir: %w", err)
	}

	names := []string{fifoHostToDevice, fifoDeviceToHost, fifoConnection}
	for i := 1; i <= MaxEndpoints; i++ {
		names = append(names, InName(i), OutName(i))
	}
	for _, name := range names {
		if err := wire.Mkfifo(filepath.Join(h.deviceDir, name)); err != nil {
			h.cleanup()
			return err
		}
	}

	// Every FIFO is opened read-write so neither side blocks on open and
	// the host never sees EOF while the device lives.
	open := func(name string) (*os.File, error) {
		return wire.OpenPipe(filepath.Join(h.deviceDir, name), os.O_RDWR)
	}
	if h.hostToDevice, err = open(fifoHostToDevice); err != nil {
		h.cleanup()
		return err
	}
	if h.deviceToHost, err = open(fifoDeviceToHost); err != nil {
		h.cleanup()
		return err
	}
	if h.connection, err = open(fifoConnection); err != nil {
		h.cleanup()
		return err
	}
	for i := 0; i < MaxEndpoints; i++ {
		if h.epIn[i], err = open(InName(i + 1)); err != nil {
			h.cleanup()
			return err
		}
		if h.epOut[i], err = open(OutName(i + 1)); err != nil {
			h.cleanup()
			return err
		}
	}

	h.initDone = true
	pkg.LogInfo(pkg.ComponentHAL, "fifo device HAL initialized",
		"busDir", h.busDir,
		"deviceDir", h.deviceDir)
	return nil
}

// Start announces the device to the host and starts the frame clock if a
// frame handler is installed.
func (h *HAL) Start() error {
	h.mutex.RLock()
	initDone := h.initDone
	conn := h.connection
	speed := h.speed
	frameFn := h.frameFn
	h.mutex.RUnlock()

	if !initDone {
		return pkg.ErrNotConfigured
	}

	var buf [wire.HeaderSize + 1 + wire.TrailerSize]byte
	if err := wire.Write(conn, buf[:], wire.MsgConnect, []byte{byte(speed)}); err != nil {
		return fmt.Errorf("announce connect: %w", err)
	}
	h.connected.Store(true)
	select {
	case h.connectCh <- struct{}{}:
	default:
	}

	if frameFn != nil {
		h.frames.Add(1)
		go h.frameClock(frameFn)
	}

	pkg.LogInfo(pkg.ComponentHAL, "fifo device HAL started", "speed", speed.String())
	return nil
}

// frameClock emits a start-of-frame every millisecond.
func (h *HAL) frameClock(fn func(frame uint16)) {
	defer h.frames.Done()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	var frame uint16
	for {
		select {
		case <-h.closeCh:
			return
		case <-ticker.C:
			frame = (frame + 1) & 0x7FF
			if h.connected.Load() {
				fn(frame)
			}
		}
	}
}

// Stop announces the disconnect, closes every FIFO and removes the device
// directory.
func (h *HAL) Stop() error {
	h.mutex.RLock()
	conn := h.connection
	h.mutex.RUnlock()

	if conn != nil && h.connected.Load() {
		var buf [wire.HeaderSize + wire.TrailerSize]byte
		if err := wire.Write(conn, buf[:], wire.MsgDisconnect, nil); err != nil {
			pkg.LogWarn(pkg.ComponentHAL, "announce disconnect failed", "error", err)
		}
	}
	h.connected.Store(false)
	select {
	case h.disconnCh <- struct{}{}:
	default:
	}

	h.closeOnce.Do(func() { close(h.closeCh) })
	h.frames.Wait()

	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.cleanup()
	h.initDone = false
	pkg.LogInfo(pkg.ComponentHAL, "fifo device HAL stopped")
	return nil
}

func (h *HAL) cleanup() {
	for _, f := range []**os.File{&h.hostToDevice, &h.deviceToHost, &h.connection} {
		if *f != nil {
			_ = (*f).Close()
			*f = nil
		}
	}
	for i := 0; i < MaxEndpoints; i++ {
		if h.epIn[i] != nil {
			_ = h.epIn[i].Close()
			h.epIn[i] = nil
		}
		if h.epOut[i] != nil {
			_ = h.epOut[i].Close()
			h.epOut[i] = nil
		}
	}
	if h.deviceDir != "" {
		_ = os.RemoveAll(h.deviceDir)
	}
}

// SetAddress changes the address the device answers at. SETUP frames for
// other addresses are ignored from now on.
func (h *HAL) SetAddress(address uint8) error {
	h.mutex.Lock()
	h.address = address
	h.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentHAL, "address set", "address", address)
	return nil
}

// Address returns the address the device answers at.
func (h *HAL) Address() uint8 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.address
}

// ConfigureEndpoints clears every halt. Every endpoint FIFO exists from
// Init on, so there is nothing else to program.
func (h *HAL) ConfigureEndpoints(endpoints []hal.EndpointConfig) error {
	for i := range endpoints {
		if num := endpoints[i].Number(); num == 0 || num > MaxEndpoints {
			return fmt.Errorf("%w: %#02x", pkg.ErrInvalidEndpoint, endpoints[i].Address)
		}
	}
	h.mutex.Lock()
	h.halted = [2][MaxEndpoints]bool{}
	h.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentHAL, "endpoints configured", "count", len(endpoints))
	return nil
}

func dirIndex(address uint8) int {
	if address&0x80 != 0 {
		return 1
	}
	return 0
}

// ReadSetup blocks until a SETUP addressed to this device arrives. A port
// reset is reported as pkg.ErrReset after the address was cleared.
func (h *HAL) ReadSetup(ctx context.Context, out *hal.SetupPacket) error {
	h.mutex.Lock()
	pending := h.pending
	h.pending = 0
	if pending == wire.MsgSetup {
		*out = h.pendingSetup
	}
	f := h.hostToDevice
	h.mutex.Unlock()

	switch pending {
	case wire.MsgSetup:
		return nil
	case wire.MsgReset:
		return h.reset()
	}
	if f == nil {
		return pkg.ErrNotConfigured
	}

	for {
		frame, err := wire.ReadFrame(ctx, h.closeCh, f, h.ep0Rx[:], 0)
		if errors.Is(err, pkg.ErrCRC) {
			pkg.LogWarn(pkg.ComponentHAL, "dropped corrupt frame", "error", err)
			continue
		}
		if err != nil {
			return err
		}

		switch frame.Type {
		case wire.MsgSetup:
			if h.acceptSetup(frame.Payload, out) {
				return nil
			}
		case wire.MsgReset:
			return h.reset()
		default:
			// Stages of a transfer this device already gave up on.
			pkg.LogDebug(pkg.ComponentHAL, "stray frame on EP0", "type", wire.TypeName(frame.Type))
		}
	}
}

// acceptSetup decodes a SETUP frame and reports whether it is addressed
// to this device.
func (h *HAL) acceptSetup(payload []byte, out *hal.SetupPacket) bool {
	if len(payload) < 1+hal.SetupPacketSize {
		pkg.LogWarn(pkg.ComponentHAL, "short SETUP frame", "len", len(payload))
		return false
	}
	if addr := h.Address(); payload[0] != addr {
		pkg.LogDebug(pkg.ComponentHAL, "SETUP for another address",
			"address", payload[0],
			"own", addr)
		return false
	}
	return hal.ParseSetupPacket(payload[1:], out)
}

func (h *HAL) reset() error {
	h.mutex.Lock()
	h.address = 0
	h.halted = [2][MaxEndpoints]bool{}
	h.mutex.Unlock()
	if err := h.sendEP0(wire.MsgAck, nil); err != nil {
		return err
	}
	pkg.LogDebug(pkg.ComponentHAL, "port reset")
	return pkg.ErrReset
}

// ReadEP0 receives the OUT data stage into buf or, with an empty buf,
// the host's status stage handshake. A new SETUP or reset aborts the
// transfer and is replayed by the next ReadSetup.
func (h *HAL) ReadEP0(ctx context.Context, buf []byte) (int, error) {
	h.mutex.RLock()
	f := h.hostToDevice
	h.mutex.RUnlock()
	if f == nil {
		return 0, pkg.ErrNotConfigured
	}

	want := byte(wire.MsgData)
	if len(buf) == 0 {
		want = wire.MsgAck
	}
	for {
		frame, err := wire.ReadFrame(ctx, h.closeCh, f, h.ep0Rx[:], controlTimeout)
		if errors.Is(err, pkg.ErrCRC) {
			pkg.LogWarn(pkg.ComponentHAL, "dropped corrupt frame", "error", err)
			continue
		}
		if err != nil {
			return 0, err
		}

		switch frame.Type {
		case want:
			if len(frame.Payload) > len(buf) {
				return copy(buf, frame.Payload), pkg.ErrOverrun
			}
			return copy(buf, frame.Payload), nil

		case wire.MsgSetup:
			var setup hal.SetupPacket
			if !h.acceptSetup(frame.Payload, &setup) {
				continue
			}
			h.mutex.Lock()
			h.pending, h.pendingSetup = wire.MsgSetup, setup
			h.mutex.Unlock()
			return 0, fmt.Errorf("%w: SETUP during data stage", pkg.ErrProtocol)

		case wire.MsgReset:
			h.mutex.Lock()
			h.pending = wire.MsgReset
			h.mutex.Unlock()
			return 0, pkg.ErrReset

		default:
			return 0, fmt.Errorf("%w: %s during control transfer", pkg.ErrProtocol, wire.TypeName(frame.Type))
		}
	}
}

// WriteEP0 sends the IN data stage.
func (h *HAL) WriteEP0(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.sendEP0(wire.MsgData, data)
}

// StallEP0 answers the current control transfer with STALL. If the host
// already started a new transfer there is nobody left to answer.
func (h *HAL) StallEP0() error {
	h.mutex.RLock()
	pending := h.pending
	h.mutex.RUnlock()
	if pending != 0 {
		return nil
	}
	pkg.LogDebug(pkg.ComponentHAL, "EP0 stalled")
	return h.sendEP0(wire.MsgStall, nil)
}

// AckEP0 sends the zero-length IN status stage.
func (h *HAL) AckEP0() error {
	return h.sendEP0(wire.MsgAck, nil)
}

func (h *HAL) sendEP0(typ byte, data []byte) error {
	h.mutex.RLock()
	f := h.deviceToHost
	h.mutex.RUnlock()
	if f == nil {
		return pkg.ErrNotConfigured
	}

	h.txMutex.Lock()
	defer h.txMutex.Unlock()
	return wire.Write(f, h.ep0Tx[:], typ, data)
}

func endpointIndex(address uint8) (int, error) {
	num := int(address & 0x0F)
	if num == 0 || num > MaxEndpoints {
		return 0, pkg.ErrInvalidEndpoint
	}
	return num - 1, nil
}

// Read receives one packet from an OUT endpoint.
func (h *HAL) Read(ctx context.Context, address uint8, buf []byte) (int, error) {
	idx, err := endpointIndex(address)
	if err != nil {
		return 0, err
	}
	h.mutex.RLock()
	f := h.epOut[idx]
	h.mutex.RUnlock()
	if f == nil {
		return 0, pkg.ErrInvalidEndpoint
	}

	rx := h.epRx[idx][:]
	for {
		frame, err := wire.ReadFrame(ctx, h.closeCh, f, rx, 0)
		if errors.Is(err, pkg.ErrCRC) {
			pkg.LogWarn(pkg.ComponentHAL, "dropped corrupt packet",
				"endpoint", address,
				"error", err)
			continue
		}
		if err != nil {
			return 0, err
		}
		if frame.Type != wire.MsgData {
			continue
		}
		n := copy(buf, frame.Payload)
		if n < len(frame.Payload) {
			return n, pkg.ErrOverrun
		}
		return n, nil
	}
}

// Write sends data on an IN endpoint, split into packets of at most
// wire.PacketSize bytes. Empty data sends a zero-length packet.
func (h *HAL) Write(ctx context.Context, address uint8, data []byte) (int, error) {
	idx, err := endpointIndex(address)
	if err != nil {
		return 0, err
	}
	h.mutex.RLock()
	f := h.epIn[idx]
	halted := h.halted[1][idx]
	h.mutex.RUnlock()
	if f == nil {
		return 0, pkg.ErrInvalidEndpoint
	}
	if halted {
		return 0, pkg.ErrStall
	}

	h.epMutex[idx].Lock()
	defer h.epMutex[idx].Unlock()

	written := 0
	for {
		n := len(data) - written
		if n > wire.PacketSize {
			n = wire.PacketSize
		}
		if err := wire.WriteFrame(ctx, f, h.epTx[idx][:], wire.MsgData, data[written:written+n]); err != nil {
			return written, err
		}
		written += n
		if written == len(data) {
			return written, nil
		}
	}
}

// Stall halts an endpoint. A halted IN endpoint answers the host's next
// read with STALL.
func (h *HAL) Stall(address uint8) error {
	idx, err := endpointIndex(address)
	if err != nil {
		return err
	}
	dir := dirIndex(address)

	h.mutex.Lock()
	already := h.halted[dir][idx]
	h.halted[dir][idx] = true
	f := h.epIn[idx]
	h.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentHAL, "endpoint halted", "address", address)
	if dir == 0 || already || f == nil {
		return nil
	}
	h.epMutex[idx].Lock()
	defer h.epMutex[idx].Unlock()
	return wire.Write(f, h.epTx[idx][:], wire.MsgStall, nil)
}

// ClearStall clears an endpoint halt.
func (h *HAL) ClearStall(address uint8) error {
	idx, err := endpointIndex(address)
	if err != nil {
		return err
	}
	h.mutex.Lock()
	h.halted[dirIndex(address)][idx] = false
	h.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentHAL, "endpoint halt cleared", "address", address)
	return nil
}

// SetTestMode records the test selector. Named pipes have no electrical
// test modes, so nothing else happens.
func (h *HAL) SetTestMode(selector uint8) error {
	h.mutex.Lock()
	h.testMode = selector
	h.mutex.Unlock()
	pkg.LogInfo(pkg.ComponentHAL, "test mode entered", "selector", selector)
	return nil
}

// TestMode returns the last test selector, or 0.
func (h *HAL) TestMode() uint8 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.testMode
}

// SetFrameHandler installs fn to be called once per millisecond while
// connected. It takes effect on Start.
func (h *HAL) SetFrameHandler(fn func(frame uint16)) {
	h.mutex.Lock()
	h.frameFn = fn
	h.mutex.Unlock()
}

// IsConnected reports whether Start announced the device.
func (h *HAL) IsConnected() bool {
	return h.connected.Load()
}

// GetSpeed returns the announced speed.
func (h *HAL) GetSpeed() hal.Speed {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.speed
}

// WaitConnect blocks until Start ran.
func (h *HAL) WaitConnect(ctx context.Context) error {
	if h.IsConnected() {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.connectCh:
		return nil
	case <-h.closeCh:
		return pkg.ErrCancelled
	}
}

// WaitDisconnect blocks until Stop ran.
func (h *HAL) WaitDisconnect(ctx context.Context) error {
	if !h.IsConnected() {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.disconnCh:
		return nil
	case <-h.closeCh:
		return nil
	}
}

// DeviceDir returns the device directory, once Init ran.
func (h *HAL) DeviceDir() string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.deviceDir
}

// ID returns the random identifier in the device directory name.
func (h *HAL) ID() string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.id
}

var (
	_ hal.DeviceHAL   = (*HAL)(nil)
	_ hal.TestModeHAL = (*HAL)(nil)
	_ hal.FrameSource = (*HAL)(nil)
)
