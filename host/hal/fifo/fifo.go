package fifo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/internal/wire"
	"github.com/ardnew/usbcore/pkg"
)

// MaxEndpoints is the number of data endpoint numbers (1-15).
const MaxEndpoints = 15

// Defaults.
const (
	DefaultPollInterval   = 50 * time.Millisecond
	DefaultControlTimeout = 5 * time.Second
	DefaultNAKTimeout     = 10 * time.Millisecond
)

// FIFO names inside each device directory. They match device/hal/fifo.
const (
	devicePrefix     = "device-"
	lockName         = ".host.lock"
	fifoHostToDevice = "host_to_device"
	fifoDeviceToHost = "device_to_host"
	fifoConnection   = "connection"
)

func inName(num int) string  { return fmt.Sprintf("ep%d_in", num) }
func outName(num int) string { return fmt.Sprintf("ep%d_out", num) }

// rootPort is the single simulated root hub port.
const rootPort = 1

// deviceConn is the host end of one device directory.
type deviceConn struct {
	dir   string
	speed hal.Speed

	hostToDevice *os.File
	deviceToHost *os.File
	epIn         [MaxEndpoints]*os.File
	epOut        [MaxEndpoints]*os.File

	// Closed when the device disconnects.
	gone     chan struct{}
	goneOnce sync.Once

	// Set after a control transfer timed out; its late answer may still
	// be in device_to_host.
	stale bool

	address hal.DeviceAddress
	claimed map[uint8]bool

	inMutex  [MaxEndpoints]sync.Mutex
	outMutex [MaxEndpoints]sync.Mutex
	inBuf    [MaxEndpoints][wire.MaxFrameSize]byte
	outBuf   [MaxEndpoints][wire.MaxFrameSize]byte
}

func (d *deviceConn) close() {
	d.goneOnce.Do(func() { close(d.gone) })
	for _, f := range []*os.File{d.hostToDevice, d.deviceToHost} {
		if f != nil {
			_ = f.Close()
		}
	}
	for i := 0; i < MaxEndpoints; i++ {
		if d.epIn[i] != nil {
			_ = d.epIn[i].Close()
		}
		if d.epOut[i] != nil {
			_ = d.epOut[i].Close()
		}
	}
}

// Option configures a HostHAL.
type Option func(*HostHAL)

// WithPollInterval sets how often the bus directory is scanned.
func WithPollInterval(d time.Duration) Option {
	return func(h *HostHAL) { h.pollInterval = d }
}

// WithControlTimeout bounds each control transfer response.
func WithControlTimeout(d time.Duration) Option {
	return func(h *HostHAL) { h.controlTimeout = d }
}

// WithNAKTimeout sets how long an interrupt IN poll waits for a packet
// before it reports pkg.ErrNAK.
func WithNAKTimeout(d time.Duration) Option {
	return func(h *HostHAL) { h.nakTimeout = d }
}

// HostHAL implements hal.HostHAL over named pipes. It owns the bus
// directory through a lock file and attaches the first connected device
// directory to its single root port.
type HostHAL struct {
	busDir         string
	pollInterval   time.Duration
	controlTimeout time.Duration
	nakTimeout     time.Duration

	lock  *flock.Flock
	start time.Time

	device   *deviceConn
	deviceMu sync.RWMutex

	// Port change bits, cleared by GetPortStatus.
	connectChange bool
	resetChange   bool

	// One control transfer at a time.
	ctrlMu sync.Mutex
	ctrlTx [wire.MaxFrameSize]byte
	ctrlRx [wire.MaxFrameSize]byte

	connectCh    chan int
	disconnectCh chan int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHostHAL creates a host HAL on the bus rooted at busDir.
func NewHostHAL(busDir string, opts ...Option) *HostHAL {
	h := &HostHAL{
		busDir:         busDir,
		pollInterval:   DefaultPollInterval,
		controlTimeout: DefaultControlTimeout,
		nakTimeout:     DefaultNAKTimeout,
		connectCh:      make(chan int, 8),
		disconnectCh:   make(chan int, 8),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Init creates the bus directory and takes its host lock. A second host on
// the same bus fails with pkg.ErrBusy.
func (h *HostHAL) Init(ctx context.Context) error {
	if err := os.MkdirAll(h.busDir, 0o755); err != nil {
		return fmt.Errorf("create bus dir: %w", err)
	}

	h.lock = flock.New(filepath.Join(h.busDir, lockName))
	locked, err := h.lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock bus %s: %w", h.busDir, err)
	}
	if !locked {
		return fmt.Errorf("%w: bus %s has another host", pkg.ErrBusy, h.busDir)
	}

	h.ctx, h.cancel = context.WithCancel(ctx)
	h.start = time.Now()
	pkg.LogInfo(pkg.ComponentHAL, "host FIFO HAL initialized", "busDir", h.busDir)
	return nil
}

// Start begins scanning the bus directory for devices.
func (h *HostHAL) Start() error {
	if h.ctx == nil {
		return pkg.ErrNotConfigured
	}
	h.wg.Add(1)
	go h.pollDeviceDirectories()

	pkg.LogInfo(pkg.ComponentHAL, "host FIFO HAL started")
	return nil
}

// Stop stops scanning and detaches the device.
func (h *HostHAL) Stop() error {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()

	h.deviceMu.Lock()
	if h.device != nil {
		h.device.close()
		h.device = nil
	}
	h.deviceMu.Unlock()

	pkg.LogInfo(pkg.ComponentHAL, "host FIFO HAL stopped")
	return nil
}

// Close stops the HAL and releases the bus lock.
func (h *HostHAL) Close() error {
	if err := h.Stop(); err != nil {
		return err
	}
	if h.lock != nil {
		return h.lock.Unlock()
	}
	return nil
}

// NumPorts returns 1.
func (h *HostHAL) NumPorts() int {
	return 1
}

func (h *HostHAL) current() *deviceConn {
	h.deviceMu.RLock()
	defer h.deviceMu.RUnlock()
	return h.device
}

// GetPortStatus returns the status of the root port.
func (h *HostHAL) GetPortStatus(port int) (hal.PortStatus, error) {
	if port != rootPort {
		return hal.PortStatus{}, pkg.ErrInvalidParameter
	}

	h.deviceMu.Lock()
	defer h.deviceMu.Unlock()

	status := hal.PortStatus{
		PowerOn:       true,
		ConnectChange: h.connectChange,
		ResetChange:   h.resetChange,
	}
	h.connectChange, h.resetChange = false, false
	if h.device != nil {
		status.Connected = true
		status.Enabled = true
		status.Speed = h.device.speed
	}
	return status, nil
}

// PortSpeed returns the speed of the attached device.
func (h *HostHAL) PortSpeed(port int) hal.Speed {
	if port != rootPort {
		return hal.SpeedUnknown
	}
	if dev := h.current(); dev != nil {
		return dev.speed
	}
	return hal.SpeedUnknown
}

// ResetPort sends a bus reset and waits for the device to acknowledge it.
// The device answers at address 0 afterwards.
func (h *HostHAL) ResetPort(port int) error {
	if port != rootPort {
		return pkg.ErrInvalidParameter
	}
	dev := h.current()
	if dev == nil {
		return pkg.ErrNoDevice
	}

	h.ctrlMu.Lock()
	defer h.ctrlMu.Unlock()

	ctx, cancel := context.WithTimeout(h.ctx, h.controlTimeout)
	defer cancel()
	if err := wire.WriteFrame(ctx, dev.hostToDevice, h.ctrlTx[:], wire.MsgReset, nil); err != nil {
		return err
	}
	// Anything before the ACK belongs to transfers the reset aborted.
	for {
		frame, err := h.readControl(ctx, dev)
		if err != nil {
			return fmt.Errorf("port reset: %w", err)
		}
		if frame.Type == wire.MsgAck {
			break
		}
	}

	h.deviceMu.Lock()
	dev.address = 0
	dev.stale = false
	dev.claimed = nil
	h.resetChange = true
	h.deviceMu.Unlock()

	pkg.LogDebug(pkg.ComponentHAL, "port reset complete", "port", port)
	return nil
}

// EnablePort is a no-op: an attached device is always enabled.
func (h *HostHAL) EnablePort(port int, enable bool) error {
	if port != rootPort {
		return pkg.ErrInvalidParameter
	}
	return nil
}

func (h *HostHAL) readControl(ctx context.Context, dev *deviceConn) (wire.Frame, error) {
	frame, err := wire.ReadFrame(ctx, dev.gone, dev.deviceToHost, h.ctrlRx[:], h.controlTimeout)
	if errors.Is(err, pkg.ErrCancelled) {
		return frame, pkg.ErrNoDevice
	}
	return frame, err
}

// drain discards answers to transfers that already timed out.
func (h *HostHAL) drain(ctx context.Context, dev *deviceConn) {
	for {
		frame, err := wire.ReadFrame(ctx, dev.gone, dev.deviceToHost, h.ctrlRx[:], time.Millisecond)
		if err != nil && !errors.Is(err, pkg.ErrCRC) {
			return
		}
		pkg.LogDebug(pkg.ComponentHAL, "discarded late answer", "type", wire.TypeName(frame.Type))
	}
}

// ControlTransfer runs one control transfer against the device at addr.
// A device that does not answer at addr fails with pkg.ErrTimeout.
func (h *HostHAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	dev := h.current()
	if dev == nil {
		return 0, pkg.ErrNoDevice
	}

	h.ctrlMu.Lock()
	defer h.ctrlMu.Unlock()

	if dev.stale {
		h.drain(ctx, dev)
		dev.stale = false
	}

	var payload [1 + hal.SetupPacketSize]byte
	payload[0] = byte(addr)
	setup.MarshalTo(payload[1:])
	if err := wire.WriteFrame(ctx, dev.hostToDevice, h.ctrlTx[:], wire.MsgSetup, payload[:]); err != nil {
		return 0, err
	}

	length := int(setup.Length)
	if length > len(data) {
		length = len(data)
	}

	if !setup.IsIn() && setup.Length > 0 {
		if err := wire.WriteFrame(ctx, dev.hostToDevice, h.ctrlTx[:], wire.MsgData, data[:length]); err != nil {
			return 0, err
		}
	}

	frame, err := h.readControl(ctx, dev)
	if err != nil {
		if errors.Is(err, pkg.ErrTimeout) {
			dev.stale = true
		}
		return 0, err
	}

	if setup.IsIn() && setup.Length > 0 {
		if frame.Type != wire.MsgData {
			return 0, unexpected(frame, "data stage")
		}
		n := copy(data[:length], frame.Payload)
		// Status stage.
		if err := wire.WriteFrame(ctx, dev.hostToDevice, h.ctrlTx[:], wire.MsgAck, nil); err != nil {
			return n, err
		}
		return n, nil
	}

	if frame.Type != wire.MsgAck {
		return 0, unexpected(frame, "status stage")
	}
	if setup.IsIn() {
		return 0, nil
	}
	return length, nil
}

// unexpected maps a frame that does not belong in stage to its handshake
// error, or to pkg.ErrProtocol.
func unexpected(frame wire.Frame, stage string) error {
	switch frame.Type {
	case wire.MsgStall, wire.MsgNak:
		return frame.Err()
	}
	return fmt.Errorf("%w: %s in %s", pkg.ErrProtocol, wire.TypeName(frame.Type), stage)
}

func (h *HostHAL) endpoint(addr hal.DeviceAddress, endpoint uint8) (*deviceConn, int, error) {
	dev := h.current()
	if dev == nil {
		return nil, 0, pkg.ErrNoDevice
	}
	num := int(endpoint & 0x0F)
	if num == 0 || num > MaxEndpoints {
		return nil, 0, pkg.ErrInvalidEndpoint
	}
	h.deviceMu.RLock()
	current := dev.address
	h.deviceMu.RUnlock()
	if addr != current {
		return nil, 0, fmt.Errorf("%w: address %d", pkg.ErrNoDevice, addr)
	}
	return dev, num - 1, nil
}

// BulkTransfer moves data on a bulk endpoint. An IN transfer ends with a
// short packet or a full buffer.
func (h *HostHAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	dev, idx, err := h.endpoint(addr, endpoint)
	if err != nil {
		return 0, err
	}
	if endpoint&0x80 != 0 {
		return h.readIn(ctx, dev, idx, data, 0)
	}
	return h.writeOut(ctx, dev, idx, data)
}

// InterruptTransfer moves data on an interrupt endpoint. An IN poll with
// no packet ready reports pkg.ErrNAK.
func (h *HostHAL) InterruptTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	dev, idx, err := h.endpoint(addr, endpoint)
	if err != nil {
		return 0, err
	}
	if endpoint&0x80 != 0 {
		return h.readIn(ctx, dev, idx, data, h.nakTimeout)
	}
	return h.writeOut(ctx, dev, idx, data)
}

// IsochronousTransfer moves one packet on an isochronous endpoint. An IN
// frame without data returns 0.
func (h *HostHAL) IsochronousTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	dev, idx, err := h.endpoint(addr, endpoint)
	if err != nil {
		return 0, err
	}
	if endpoint&0x80 == 0 {
		return h.writeOut(ctx, dev, idx, data)
	}
	n, err := h.readIn(ctx, dev, idx, data, h.nakTimeout)
	if errors.Is(err, pkg.ErrNAK) {
		return 0, nil
	}
	return n, err
}

// readIn collects packets until a short one arrives or data is full. With
// nak set, an endpoint that has nothing to send within nak reports
// pkg.ErrNAK.
func (h *HostHAL) readIn(ctx context.Context, dev *deviceConn, idx int, data []byte, nak time.Duration) (int, error) {
	dev.inMutex[idx].Lock()
	defer dev.inMutex[idx].Unlock()

	n := 0
	for {
		frame, err := wire.ReadFrame(ctx, dev.gone, dev.epIn[idx], dev.inBuf[idx][:], nak)
		switch {
		case err == nil:
		case errors.Is(err, pkg.ErrCRC):
			pkg.LogWarn(pkg.ComponentHAL, "dropped corrupt packet", "endpoint", idx+1, "error", err)
			continue
		case errors.Is(err, pkg.ErrTimeout):
			return n, pkg.ErrNAK
		case errors.Is(err, pkg.ErrCancelled):
			return n, pkg.ErrNoDevice
		default:
			return n, err
		}

		if frame.Type != wire.MsgData {
			return n, frame.Err()
		}
		copied := copy(data[n:], frame.Payload)
		n += copied
		if copied < len(frame.Payload) {
			return n, pkg.ErrOverrun
		}
		if len(frame.Payload) < wire.PacketSize || n == len(data) {
			return n, nil
		}
	}
}

// writeOut sends data in packets. An empty transfer sends a zero-length
// packet.
func (h *HostHAL) writeOut(ctx context.Context, dev *deviceConn, idx int, data []byte) (int, error) {
	dev.outMutex[idx].Lock()
	defer dev.outMutex[idx].Unlock()

	written := 0
	for {
		n := len(data) - written
		if n > wire.PacketSize {
			n = wire.PacketSize
		}
		err := wire.WriteFrame(ctx, dev.epOut[idx], dev.outBuf[idx][:], wire.MsgData, data[written:written+n])
		if err != nil {
			return written, err
		}
		written += n
		if written == len(data) {
			return written, nil
		}
	}
}

// SetDeviceAddress records the address the device now answers at. The
// device switched over itself after the status stage of SET_ADDRESS.
func (h *HostHAL) SetDeviceAddress(ctx context.Context, newAddr hal.DeviceAddress) error {
	h.deviceMu.Lock()
	defer h.deviceMu.Unlock()
	if h.device == nil {
		return pkg.ErrNoDevice
	}
	h.device.address = newAddr
	pkg.LogDebug(pkg.ComponentHAL, "device address set", "address", newAddr)
	return nil
}

// ClaimInterface marks iface as in use. There is no kernel driver to
// detach.
func (h *HostHAL) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	h.deviceMu.Lock()
	defer h.deviceMu.Unlock()
	if h.device == nil || h.device.address != addr {
		return pkg.ErrNoDevice
	}
	if h.device.claimed[iface] {
		return fmt.Errorf("%w: interface %d already claimed", pkg.ErrBusy, iface)
	}
	if h.device.claimed == nil {
		h.device.claimed = make(map[uint8]bool)
	}
	h.device.claimed[iface] = true
	return nil
}

// ReleaseInterface undoes ClaimInterface.
func (h *HostHAL) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	h.deviceMu.Lock()
	defer h.deviceMu.Unlock()
	if h.device == nil || h.device.address != addr {
		return pkg.ErrNoDevice
	}
	if !h.device.claimed[iface] {
		return fmt.Errorf("%w: interface %d not claimed", pkg.ErrInvalidState, iface)
	}
	delete(h.device.claimed, iface)
	return nil
}

// FrameNumber returns an 11-bit frame number from a 1 kHz clock started
// by Init.
func (h *HostHAL) FrameNumber() uint16 {
	return uint16(time.Since(h.start)/time.Millisecond) & 0x7FF
}

// WaitForConnection blocks until a device attaches to the root port.
func (h *HostHAL) WaitForConnection(ctx context.Context) (int, error) {
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

// WaitForDisconnection blocks until the attached device goes away.
func (h *HostHAL) WaitForDisconnection(ctx context.Context) (int, error) {
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

// pollDeviceDirectories watches the bus directory for new device
// directories and starts a monitor for each.
func (h *HostHAL) pollDeviceDirectories() {
	defer h.wg.Done()

	known := make(map[string]bool)
	var mu sync.Mutex
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		entries, err := os.ReadDir(h.busDir)
		if err == nil {
			for _, entry := range entries {
				if !entry.IsDir() || !strings.HasPrefix(entry.Name(), devicePrefix) {
					continue
				}
				dir := filepath.Join(h.busDir, entry.Name())
				mu.Lock()
				seen := known[dir]
				mu.Unlock()
				if seen {
					continue
				}
				if _, err := os.Stat(filepath.Join(dir, fifoConnection)); err != nil {
					continue
				}
				mu.Lock()
				known[dir] = true
				mu.Unlock()

				h.wg.Add(1)
				go func() {
					defer h.wg.Done()
					h.monitorDevice(dir)
					mu.Lock()
					delete(known, dir)
					mu.Unlock()
				}()
			}
		}

		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// monitorDevice follows the connection FIFO of one device directory until
// the directory disappears.
func (h *HostHAL) monitorDevice(dir string) {
	pkg.LogDebug(pkg.ComponentHAL, "monitoring device directory", "dir", dir)

	conn, err := wire.OpenPipe(filepath.Join(dir, fifoConnection), os.O_RDWR)
	if err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "open connection FIFO failed", "dir", dir, "error", err)
		return
	}
	defer conn.Close()

	var dev *deviceConn
	defer func() {
		if dev != nil {
			h.detach(dev)
		}
	}()

	var buf [wire.HeaderSize + 1 + wire.TrailerSize]byte
	for {
		frame, err := wire.ReadFrame(h.ctx, nil, conn, buf[:], h.pollInterval)
		switch {
		case err == nil:
		case errors.Is(err, pkg.ErrTimeout):
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				return
			}
			continue
		case errors.Is(err, pkg.ErrCRC):
			pkg.LogWarn(pkg.ComponentHAL, "dropped corrupt connection frame", "dir", dir)
			continue
		default:
			return
		}

		switch frame.Type {
		case wire.MsgConnect:
			if dev != nil {
				continue
			}
			speed := hal.SpeedFull
			if len(frame.Payload) > 0 {
				speed = hal.Speed(frame.Payload[0])
			}
			dev, err = h.attach(dir, speed)
			if err != nil {
				pkg.LogWarn(pkg.ComponentHAL, "attach failed", "dir", dir, "error", err)
			}
		case wire.MsgDisconnect:
			if dev != nil {
				h.detach(dev)
				dev = nil
			}
		}
	}
}

// attach opens the device FIFOs and puts the device on the root port. It
// returns nil without error when the port is already taken.
func (h *HostHAL) attach(dir string, speed hal.Speed) (*deviceConn, error) {
	dev := &deviceConn{
		dir:   dir,
		speed: speed,
		gone:  make(chan struct{}),
	}

	open := func(name string) (*os.File, error) {
		return wire.OpenPipe(filepath.Join(dir, name), os.O_RDWR)
	}
	var err error
	if dev.hostToDevice, err = open(fifoHostToDevice); err != nil {
		dev.close()
		return nil, err
	}
	if dev.deviceToHost, err = open(fifoDeviceToHost); err != nil {
		dev.close()
		return nil, err
	}
	for i := 0; i < MaxEndpoints; i++ {
		if dev.epIn[i], err = open(inName(i + 1)); err != nil {
			dev.close()
			return nil, err
		}
		if dev.epOut[i], err = open(outName(i + 1)); err != nil {
			dev.close()
			return nil, err
		}
	}

	h.deviceMu.Lock()
	if h.device != nil {
		h.deviceMu.Unlock()
		dev.close()
		pkg.LogWarn(pkg.ComponentHAL, "root port busy, device ignored", "dir", dir)
		return nil, nil
	}
	h.device = dev
	h.connectChange = true
	h.deviceMu.Unlock()

	pkg.LogInfo(pkg.ComponentHAL, "device connected",
		"port", rootPort,
		"speed", speed.String(),
		"dir", dir)
	select {
	case h.connectCh <- rootPort:
	default:
	}
	return dev, nil
}

func (h *HostHAL) detach(dev *deviceConn) {
	h.deviceMu.Lock()
	attached := h.device == dev
	if attached {
		h.device = nil
		h.connectChange = true
	}
	h.deviceMu.Unlock()
	dev.close()

	if !attached {
		return
	}
	pkg.LogInfo(pkg.ComponentHAL, "device disconnected", "port", rootPort, "dir", dev.dir)
	select {
	case h.disconnectCh <- rootPort:
	default:
	}
}

var (
	_ hal.HostHAL      = (*HostHAL)(nil)
	_ hal.FrameCounter = (*HostHAL)(nil)
)
