package gousb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/pkg"
)

// Defaults.
const (
	DefaultScanInterval = 250 * time.Millisecond
	DefaultNAKTimeout   = 10 * time.Millisecond
)

// Standard requests the HAL handles itself.
const (
	requestSetAddress       = 0x05
	requestSetConfiguration = 0x09
	requestSetInterface     = 0x0B
)

// Option configures a HostHAL.
type Option func(*HostHAL)

// WithScanInterval sets how often the bus is scanned for the device.
func WithScanInterval(d time.Duration) Option {
	return func(h *HostHAL) { h.scanInterval = d }
}

// WithNAKTimeout sets how long an interrupt IN poll waits before it
// reports pkg.ErrNAK.
func WithNAKTimeout(d time.Duration) Option {
	return func(h *HostHAL) { h.nakTimeout = d }
}

// Match selects the devices the HAL attaches to.
type Match func(desc *gousb.DeviceDesc) bool

// MatchVIDPID matches a vendor and product ID.
func MatchVIDPID(vid, pid uint16) Match {
	return func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(vid) && desc.Product == gousb.ID(pid)
	}
}

// attached is the open handle of the device on the root port.
type attached struct {
	dev     *gousb.Device
	bus     int
	busAddr int
	speed   hal.Speed
	address hal.DeviceAddress

	config *gousb.Config
	ifaces map[uint8]*gousb.Interface
	in     map[uint8]*gousb.InEndpoint
	out    map[uint8]*gousb.OutEndpoint
}

func (a *attached) closeConfig() {
	for _, iface := range a.ifaces {
		iface.Close()
	}
	a.ifaces = nil
	a.in, a.out = nil, nil
	if a.config != nil {
		_ = a.config.Close()
		a.config = nil
	}
}

// HostHAL implements hal.HostHAL on libusb through gousb. The operating
// system enumerates the device before this HAL sees it, so the HAL
// presents it as a single root port and translates the host stack's
// enumeration requests: SET_ADDRESS is acknowledged without reaching the
// wire, SET_CONFIGURATION and SET_INTERFACE go through libusb.
type HostHAL struct {
	match        Match
	scanInterval time.Duration
	nakTimeout   time.Duration

	usb *gousb.Context

	mutex         sync.RWMutex
	device        *attached
	connectChange bool
	resetChange   bool

	connectCh    chan int
	disconnectCh chan int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a HAL that attaches to the first device match accepts.
func New(match Match, opts ...Option) *HostHAL {
	h := &HostHAL{
		match:        match,
		scanInterval: DefaultScanInterval,
		nakTimeout:   DefaultNAKTimeout,
		connectCh:    make(chan int, 4),
		disconnectCh: make(chan int, 4),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Init opens the libusb context.
func (h *HostHAL) Init(ctx context.Context) error {
	if h.usb != nil {
		return pkg.ErrAlreadyRunning
	}
	h.usb = gousb.NewContext()
	h.ctx, h.cancel = context.WithCancel(ctx)
	pkg.LogInfo(pkg.ComponentHAL, "libusb HAL initialized")
	return nil
}

// Start begins scanning for the device.
func (h *HostHAL) Start() error {
	if h.usb == nil {
		return pkg.ErrNotConfigured
	}
	h.wg.Add(1)
	go h.scan()
	return nil
}

// Stop stops scanning and closes the device.
func (h *HostHAL) Stop() error {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()

	h.mutex.Lock()
	if h.device != nil {
		h.device.closeConfig()
		_ = h.device.dev.Close()
		h.device = nil
	}
	h.mutex.Unlock()
	return nil
}

// Close stops the HAL and releases the libusb context.
func (h *HostHAL) Close() error {
	if err := h.Stop(); err != nil {
		return err
	}
	if h.usb == nil {
		return nil
	}
	err := h.usb.Close()
	h.usb = nil
	return err
}

// NumPorts returns 1.
func (h *HostHAL) NumPorts() int { return 1 }

// GetPortStatus returns the status of the root port.
func (h *HostHAL) GetPortStatus(port int) (hal.PortStatus, error) {
	if port != 1 {
		return hal.PortStatus{}, pkg.ErrInvalidParameter
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()

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
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if port != 1 || h.device == nil {
		return hal.SpeedUnknown
	}
	return h.device.speed
}

// ResetPort resets the device through libusb. Its configuration is lost.
func (h *HostHAL) ResetPort(port int) error {
	if port != 1 {
		return pkg.ErrInvalidParameter
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.device == nil {
		return pkg.ErrNoDevice
	}
	h.device.closeConfig()
	if err := h.device.dev.Reset(); err != nil {
		return mapError(err)
	}
	h.device.address = 0
	h.resetChange = true
	return nil
}

// EnablePort is a no-op.
func (h *HostHAL) EnablePort(port int, enable bool) error {
	if port != 1 {
		return pkg.ErrInvalidParameter
	}
	return nil
}

func (h *HostHAL) current(addr hal.DeviceAddress) (*attached, error) {
	if h.device == nil {
		return nil, pkg.ErrNoDevice
	}
	if h.device.address != addr {
		return nil, fmt.Errorf("%w: address %d", pkg.ErrNoDevice, addr)
	}
	return h.device, nil
}

// ControlTransfer runs a control transfer on the default pipe.
func (h *HostHAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()

	dev, err := h.current(addr)
	if err != nil {
		return 0, err
	}

	switch intercept(setup) {
	case requestSetAddress:
		pkg.LogDebug(pkg.ComponentHAL, "SET_ADDRESS handled by the OS", "address", setup.Value)
		return 0, nil
	case requestSetConfiguration:
		return 0, h.setConfiguration(dev, int(setup.Value&0xFF))
	case requestSetInterface:
		return 0, h.setInterface(dev, uint8(setup.Index), int(setup.Value))
	}

	length := int(setup.Length)
	if length > len(data) {
		length = len(data)
	}
	n, err := dev.dev.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, data[:length])
	return n, mapError(err)
}

// intercept returns the standard device request the HAL must handle
// itself, or 0.
func intercept(setup *hal.SetupPacket) uint8 {
	const standardDevice = 0x00
	const standardInterface = 0x01
	switch {
	case setup.RequestType == standardDevice && setup.Request == requestSetAddress:
		return requestSetAddress
	case setup.RequestType == standardDevice && setup.Request == requestSetConfiguration:
		return requestSetConfiguration
	case setup.RequestType == standardInterface && setup.Request == requestSetInterface:
		return requestSetInterface
	}
	return 0
}

func (h *HostHAL) setConfiguration(dev *attached, value int) error {
	dev.closeConfig()
	if value == 0 {
		return nil
	}
	config, err := dev.dev.Config(value)
	if err != nil {
		return mapError(err)
	}
	dev.config = config
	dev.ifaces = make(map[uint8]*gousb.Interface)
	dev.in = make(map[uint8]*gousb.InEndpoint)
	dev.out = make(map[uint8]*gousb.OutEndpoint)
	pkg.LogDebug(pkg.ComponentHAL, "configuration set", "value", value)
	return nil
}

func (h *HostHAL) setInterface(dev *attached, number uint8, alt int) error {
	if dev.config == nil {
		return pkg.ErrNotConfigured
	}
	if old, ok := dev.ifaces[number]; ok {
		dropEndpoints(dev, old)
		old.Close()
		delete(dev.ifaces, number)
	}
	iface, err := dev.config.Interface(int(number), alt)
	if err != nil {
		return mapError(err)
	}
	dev.ifaces[number] = iface
	return nil
}

func dropEndpoints(dev *attached, iface *gousb.Interface) {
	for addr := range iface.Setting.Endpoints {
		delete(dev.in, uint8(addr))
		delete(dev.out, uint8(addr))
	}
}

// ClaimInterface claims alternate setting 0 of iface, detaching any kernel
// driver.
func (h *HostHAL) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	dev, err := h.current(addr)
	if err != nil {
		return err
	}
	if dev.config == nil {
		return pkg.ErrNotConfigured
	}
	if _, ok := dev.ifaces[iface]; ok {
		return fmt.Errorf("%w: interface %d already claimed", pkg.ErrBusy, iface)
	}
	intf, err := dev.config.Interface(int(iface), 0)
	if err != nil {
		return mapError(err)
	}
	dev.ifaces[iface] = intf
	return nil
}

// ReleaseInterface releases a claimed interface.
func (h *HostHAL) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	dev, err := h.current(addr)
	if err != nil {
		return err
	}
	intf, ok := dev.ifaces[iface]
	if !ok {
		return fmt.Errorf("%w: interface %d not claimed", pkg.ErrInvalidState, iface)
	}
	dropEndpoints(dev, intf)
	intf.Close()
	delete(dev.ifaces, iface)
	return nil
}

// inEndpoint finds IN endpoint address ep among the claimed interfaces.
func (h *HostHAL) inEndpoint(addr hal.DeviceAddress, ep uint8) (*gousb.InEndpoint, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	dev, err := h.current(addr)
	if err != nil {
		return nil, err
	}
	if e, ok := dev.in[ep]; ok {
		return e, nil
	}
	for _, iface := range dev.ifaces {
		if _, ok := iface.Setting.Endpoints[gousb.EndpointAddress(ep)]; !ok {
			continue
		}
		e, err := iface.InEndpoint(int(ep & 0x0F))
		if err != nil {
			return nil, mapError(err)
		}
		dev.in[ep] = e
		return e, nil
	}
	return nil, fmt.Errorf("%w: %#02x not on a claimed interface", pkg.ErrInvalidEndpoint, ep)
}

func (h *HostHAL) outEndpoint(addr hal.DeviceAddress, ep uint8) (*gousb.OutEndpoint, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	dev, err := h.current(addr)
	if err != nil {
		return nil, err
	}
	if e, ok := dev.out[ep]; ok {
		return e, nil
	}
	for _, iface := range dev.ifaces {
		if _, ok := iface.Setting.Endpoints[gousb.EndpointAddress(ep)]; !ok {
			continue
		}
		e, err := iface.OutEndpoint(int(ep & 0x0F))
		if err != nil {
			return nil, mapError(err)
		}
		dev.out[ep] = e
		return e, nil
	}
	return nil, fmt.Errorf("%w: %#02x not on a claimed interface", pkg.ErrInvalidEndpoint, ep)
}

func (h *HostHAL) transfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	if endpoint&0x80 == 0 {
		e, err := h.outEndpoint(addr, endpoint)
		if err != nil {
			return 0, err
		}
		n, err := e.WriteContext(ctx, data)
		return n, mapError(err)
	}
	e, err := h.inEndpoint(addr, endpoint)
	if err != nil {
		return 0, err
	}
	n, err := e.ReadContext(ctx, data)
	return n, mapError(err)
}

// BulkTransfer moves data on a bulk endpoint.
func (h *HostHAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return h.transfer(ctx, addr, endpoint, data)
}

// InterruptTransfer moves data on an interrupt endpoint. An IN poll the
// device leaves unanswered for the NAK timeout reports pkg.ErrNAK.
func (h *HostHAL) InterruptTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	if endpoint&0x80 == 0 {
		return h.transfer(ctx, addr, endpoint, data)
	}
	poll, cancel := context.WithTimeout(ctx, h.nakTimeout)
	defer cancel()
	n, err := h.transfer(poll, addr, endpoint, data)
	if err != nil && ctx.Err() == nil && poll.Err() != nil {
		return n, pkg.ErrNAK
	}
	return n, err
}

// IsochronousTransfer moves data on an isochronous endpoint.
func (h *HostHAL) IsochronousTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return h.transfer(ctx, addr, endpoint, data)
}

// SetDeviceAddress records the address the host stack assigned. The
// device keeps the address the OS gave it.
func (h *HostHAL) SetDeviceAddress(ctx context.Context, newAddr hal.DeviceAddress) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.device == nil {
		return pkg.ErrNoDevice
	}
	h.device.address = newAddr
	return nil
}

// WaitForConnection blocks until a matching device is attached.
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

// WaitForDisconnection blocks until the attached device is unplugged.
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

// scan lists the bus every scan interval, opening the first matching
// device and noticing when it goes away.
func (h *HostHAL) scan() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.scanInterval)
	defer ticker.Stop()

	for {
		h.scanOnce()
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *HostHAL) scanOnce() {
	h.mutex.RLock()
	dev := h.device
	h.mutex.RUnlock()

	if dev != nil {
		present := false
		_, err := h.usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
			if desc.Bus == dev.bus && desc.Address == dev.busAddr {
				present = true
			}
			return false
		})
		if err == nil && !present {
			h.detach(dev)
		}
		return
	}

	opened := false
	devs, err := h.usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if opened || !h.match(desc) {
			return false
		}
		opened = true
		return true
	})
	if err != nil && len(devs) == 0 {
		pkg.LogDebug(pkg.ComponentHAL, "bus scan failed", "error", err)
		return
	}
	for i, d := range devs {
		if i > 0 {
			_ = d.Close()
			continue
		}
		h.attach(d)
	}
}

func (h *HostHAL) attach(d *gousb.Device) {
	if err := d.SetAutoDetach(true); err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "kernel driver auto-detach unavailable", "error", err)
	}
	a := &attached{
		dev:     d,
		bus:     d.Desc.Bus,
		busAddr: d.Desc.Address,
		speed:   speedFromGousb(d.Desc.Speed),
	}
	h.mutex.Lock()
	h.device = a
	h.connectChange = true
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHAL, "device connected",
		"vid", fmt.Sprintf("%04x", uint16(d.Desc.Vendor)),
		"pid", fmt.Sprintf("%04x", uint16(d.Desc.Product)),
		"bus", a.bus,
		"address", a.busAddr)
	select {
	case h.connectCh <- 1:
	default:
	}
}

func (h *HostHAL) detach(a *attached) {
	h.mutex.Lock()
	if h.device != a {
		h.mutex.Unlock()
		return
	}
	h.device = nil
	h.connectChange = true
	a.closeConfig()
	_ = a.dev.Close()
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHAL, "device disconnected", "bus", a.bus, "address", a.busAddr)
	select {
	case h.disconnectCh <- 1:
	default:
	}
}

func speedFromGousb(s gousb.Speed) hal.Speed {
	switch s {
	case gousb.SpeedLow:
		return hal.SpeedLow
	case gousb.SpeedFull:
		return hal.SpeedFull
	case gousb.SpeedHigh, gousb.SpeedSuper:
		return hal.SpeedHigh
	default:
		return hal.SpeedUnknown
	}
}

// mapError translates libusb errors and transfer statuses to pkg errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var kind error
	switch {
	case errors.Is(err, gousb.ErrorPipe), errors.Is(err, gousb.TransferStall):
		kind = pkg.ErrStall
	case errors.Is(err, gousb.ErrorTimeout), errors.Is(err, gousb.TransferTimedOut):
		kind = pkg.ErrTimeout
	case errors.Is(err, gousb.ErrorNoDevice), errors.Is(err, gousb.TransferNoDevice):
		kind = pkg.ErrNoDevice
	case errors.Is(err, gousb.ErrorOverflow), errors.Is(err, gousb.TransferOverflow):
		kind = pkg.ErrOverrun
	case errors.Is(err, gousb.ErrorBusy):
		kind = pkg.ErrBusy
	case errors.Is(err, gousb.ErrorNotSupported):
		kind = pkg.ErrNotSupported
	case errors.Is(err, gousb.ErrorInterrupted), errors.Is(err, gousb.TransferCancelled):
		kind = pkg.ErrCancelled
	case errors.Is(err, gousb.ErrorInvalidParam):
		kind = pkg.ErrInvalidParameter
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		kind = pkg.ErrProtocol
	}
	return fmt.Errorf("%w: %v", kind, err)
}

var _ hal.HostHAL = (*HostHAL)(nil)
