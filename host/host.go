package host

import (
	"context"
	"sync"
	"time"

	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/pkg"
)

// Host manages the host controller, attached devices, and bound class
// handles.
type Host struct {
	hal       hal.HostHAL
	transfers *TransferManager

	devices     [MaxDevices]*Device
	deviceCount int
	nextAddress uint8

	classes  []ClassDriver
	bindings []*binding
	pollMu   sync.Mutex

	pollInterval time.Duration
	workers      int
	epoch        time.Time

	running bool
	mutex   sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc

	deviceConnected chan *Device

	onDeviceConnect    func(*Device)
	onDeviceDisconnect func(*Device)
}

// Option configures a Host.
type Option func(*Host)

// WithPollInterval sets the class poll period. Zero disables the ticker;
// the caller then drives Poll.
func WithPollInterval(d time.Duration) Option {
	return func(h *Host) { h.pollInterval = d }
}

// WithTransferWorkers sets the size of the transfer worker pool.
func WithTransferWorkers(n int) Option {
	return func(h *Host) { h.workers = n }
}

// New creates a host on h.
func New(h hal.HostHAL, opts ...Option) *Host {
	host := &Host{
		hal:             h,
		nextAddress:     1,
		pollInterval:    DefaultPollInterval,
		workers:         DefaultTransferWorkers,
		epoch:           time.Now(),
		deviceConnected: make(chan *Device, MaxDevices),
	}
	for _, opt := range opts {
		opt(host)
	}
	host.transfers = NewTransferManager(h, host.workers)
	return host
}

// Start initializes the controller, starts the transfer workers, and
// begins watching for devices.
func (h *Host) Start(ctx context.Context) error {
	h.mutex.Lock()
	if h.running {
		h.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.mutex.Unlock()

	if err := h.hal.Init(h.ctx); err != nil {
		return err
	}
	if err := h.hal.Start(); err != nil {
		return err
	}
	if err := h.transfers.Start(h.ctx); err != nil {
		return err
	}

	h.mutex.Lock()
	h.running = true
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "host started")

	go h.monitorDevices()
	if h.pollInterval > 0 {
		go h.runPoller(h.ctx, h.pollInterval)
	}
	return nil
}

// Stop detaches every device and stops the controller.
func (h *Host) Stop() error {
	h.mutex.Lock()
	if !h.running {
		h.mutex.Unlock()
		return nil
	}
	h.running = false
	h.cancel()
	var devices []*Device
	for i := range h.devices {
		if h.devices[i] != nil {
			devices = append(devices, h.devices[i])
			h.devices[i] = nil
		}
	}
	h.deviceCount = 0
	h.mutex.Unlock()

	h.pollMu.Lock()
	for _, dev := range devices {
		h.unbindClasses(dev)
		dev.Close()
	}
	h.pollMu.Unlock()

	h.transfers.Stop()
	if err := h.hal.Stop(); err != nil {
		return err
	}
	pkg.LogInfo(pkg.ComponentHost, "host stopped")
	return nil
}

// IsRunning reports whether Start has succeeded and Stop has not run.
func (h *Host) IsRunning() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.running
}

// Transfers returns the host's transfer manager.
func (h *Host) Transfers() *TransferManager {
	return h.transfers
}

// Devices returns the attached devices.
func (h *Host) Devices() []*Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	result := make([]*Device, 0, h.deviceCount)
	for i := range h.devices {
		if h.devices[i] != nil {
			result = append(result, h.devices[i])
		}
	}
	return result
}

// GetDevice returns the device at address, or nil.
func (h *Host) GetDevice(address uint8) *Device {
	if address == 0 || address > MaxDevices {
		return nil
	}
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.devices[address-1]
}

// WaitDevice blocks until a device has been enumerated.
func (h *Host) WaitDevice(ctx context.Context) (*Device, error) {
	h.mutex.RLock()
	hostCtx := h.ctx
	h.mutex.RUnlock()
	if hostCtx == nil {
		return nil, pkg.ErrNotRunning
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-hostCtx.Done():
		return nil, pkg.ErrCancelled
	case dev := <-h.deviceConnected:
		return dev, nil
	}
}

// SetOnDeviceConnect sets the callback run after a device is enumerated
// and its classes are bound.
func (h *Host) SetOnDeviceConnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceConnect = cb
}

// SetOnDeviceDisconnect sets the callback run after a device is removed.
func (h *Host) SetOnDeviceDisconnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceDisconnect = cb
}

// Enumerate enumerates the device on port, registers it, and binds class
// drivers to its interfaces.
func (h *Host) Enumerate(ctx context.Context, port int) (*Device, error) {
	if !h.IsRunning() {
		return nil, pkg.ErrNotRunning
	}
	dev, err := h.enumerateDevice(ctx, port)
	if err != nil {
		return nil, err
	}

	h.mutex.Lock()
	h.devices[dev.Address()-1] = dev
	h.deviceCount++
	cb := h.onDeviceConnect
	h.mutex.Unlock()

	h.bindClasses(dev)

	pkg.LogInfo(pkg.ComponentHost, "device enumerated",
		"address", dev.Address(),
		"vendor", dev.descriptor.VendorID,
		"product", dev.descriptor.ProductID)

	select {
	case h.deviceConnected <- dev:
	default:
	}
	if cb != nil {
		cb(dev)
	}
	return dev, nil
}

// Detach removes dev, de-initializing its class handles.
func (h *Host) Detach(dev *Device) {
	h.mutex.Lock()
	address := dev.Address()
	if address > 0 && address <= MaxDevices && h.devices[address-1] == dev {
		h.devices[address-1] = nil
		h.deviceCount--
	}
	cb := h.onDeviceDisconnect
	h.mutex.Unlock()

	h.pollMu.Lock()
	h.unbindClasses(dev)
	h.pollMu.Unlock()
	dev.Close()

	if cb != nil {
		cb(dev)
	}
}

func (h *Host) monitorDevices() {
	for {
		port, err := h.hal.WaitForConnection(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			pkg.LogWarn(pkg.ComponentHost, "error waiting for connection", "error", err)
			continue
		}
		pkg.LogInfo(pkg.ComponentHost, "device connected", "port", port)

		dev, err := h.Enumerate(h.ctx, port)
		if err != nil {
			pkg.LogWarn(pkg.ComponentHost, "enumeration failed",
				"port", port,
				"error", err)
			continue
		}
		go h.monitorDisconnection(port, dev)
	}
}

func (h *Host) monitorDisconnection(port int, dev *Device) {
	if _, err := h.hal.WaitForDisconnection(h.ctx); err != nil {
		return
	}
	pkg.LogInfo(pkg.ComponentHost, "device disconnected",
		"port", port,
		"address", dev.Address())
	h.Detach(dev)
}

// allocateAddress returns a free address, or 0 when all are taken.
func (h *Host) allocateAddress() uint8 {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for i := 0; i < MaxDevices; i++ {
		addr := h.nextAddress
		h.nextAddress++
		if h.nextAddress > MaxDevices {
			h.nextAddress = 1
		}
		if h.devices[addr-1] == nil {
			return addr
		}
	}
	return 0
}

// releaseAddress makes address the next one handed out.
func (h *Host) releaseAddress(address uint8) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if address > 0 && address <= MaxDevices && h.devices[address-1] == nil {
		h.nextAddress = address
	}
}

// NumPorts returns the number of root hub ports.
func (h *Host) NumPorts() int {
	return h.hal.NumPorts()
}

// GetPortStatus returns the status of a port.
func (h *Host) GetPortStatus(port int) (hal.PortStatus, error) {
	return h.hal.GetPortStatus(port)
}
