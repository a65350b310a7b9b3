package device

import (
	"sync"

	"github.com/ardnew/usbcore/pkg"
)

// Device holds the descriptors and chapter 9 state of one USB device.
// State transitions are driven by the standard request handler and by
// bus events reported through the stack.
type Device struct {
	Descriptor *DeviceDescriptor

	mutex              sync.RWMutex
	configurations     [MaxConfigurations]*Configuration
	configurationCount int
	activeConfig       *Configuration
	strings            [MaxStrings][]byte

	state         State
	previousState State
	address       uint8
	speed         Speed
	remoteWakeup  bool

	onStateChange      func(old, new State)
	onSetConfiguration func(value uint8)
}

// NewDevice creates a device in the Attached state.
func NewDevice(desc *DeviceDescriptor) *Device {
	return &Device{
		Descriptor: desc,
		state:      StateAttached,
		speed:      SpeedFull,
	}
}

// AddConfiguration registers config. Values must be unique.
func (d *Device) AddConfiguration(config *Configuration) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.configurationCount >= MaxConfigurations {
		return pkg.ErrNoMemory
	}
	for idx := 0; idx < d.configurationCount; idx++ {
		if d.configurations[idx].Value == config.Value {
			return pkg.ErrBusy
		}
	}
	d.configurations[d.configurationCount] = config
	d.configurationCount++
	return nil
}

// GetConfiguration returns the configuration with bConfigurationValue
// value, or nil.
func (d *Device) GetConfiguration(value uint8) *Configuration {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	for idx := 0; idx < d.configurationCount; idx++ {
		if d.configurations[idx].Value == value {
			return d.configurations[idx]
		}
	}
	return nil
}

// ConfigurationAt returns the configuration at a GET_DESCRIPTOR index.
func (d *Device) ConfigurationAt(index uint8) *Configuration {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	if int(index) >= d.configurationCount {
		return nil
	}
	return d.configurations[index]
}

// NumConfigurations returns the number of registered configurations.
func (d *Device) NumConfigurations() int {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.configurationCount
}

// ActiveConfiguration returns the selected configuration, or nil.
func (d *Device) ActiveConfiguration() *Configuration {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.activeConfig
}

// SetString stores a pre-encoded string descriptor. data is kept by
// reference.
func (d *Device) SetString(index uint8, data []byte) {
	if index >= MaxStrings {
		return
	}
	d.mutex.Lock()
	d.strings[index] = data
	d.mutex.Unlock()
}

// SetStringFrom encodes s into buf and stores it at index.
func (d *Device) SetStringFrom(index uint8, buf []byte, s string) int {
	n := StringDescriptorTo(buf, s)
	if n > 0 {
		d.SetString(index, buf[:n])
	}
	return n
}

// SetLanguagesFrom encodes the language ID table into buf and stores it at
// index 0.
func (d *Device) SetLanguagesFrom(buf []byte, langIDs ...uint16) int {
	n := LanguageDescriptorTo(buf, langIDs...)
	if n > 0 {
		d.SetString(0, buf[:n])
	}
	return n
}

// GetString returns the string descriptor at index, or nil.
func (d *Device) GetString(index uint8) []byte {
	if index >= MaxStrings {
		return nil
	}
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.strings[index]
}

// State returns the current device state.
func (d *Device) State() State {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

func (d *Device) setState(newState State) {
	d.mutex.Lock()
	oldState := d.state
	d.state = newState
	callback := d.onStateChange
	d.mutex.Unlock()

	if oldState == newState {
		return
	}
	pkg.LogDebug(pkg.ComponentDevice, "state changed",
		"from", oldState.String(),
		"to", newState.String())
	if callback != nil {
		callback(oldState, newState)
	}
}

// Address returns the assigned address.
func (d *Device) Address() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.address
}

// Speed returns the bus speed.
func (d *Device) Speed() Speed {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.speed
}

// SetSpeed records the negotiated bus speed.
func (d *Device) SetSpeed(speed Speed) {
	d.mutex.Lock()
	d.speed = speed
	d.mutex.Unlock()
}

// IsConfigured reports whether a configuration is active.
func (d *Device) IsConfigured() bool {
	return d.State() == StateConfigured
}

// Attach moves a detached device to Powered.
func (d *Device) Attach() {
	d.setState(StatePowered)
}

// Reset handles a bus reset: the active configuration is torn down, the
// address returns to zero and the device enters Default.
func (d *Device) Reset() {
	d.mutex.Lock()
	old := d.activeConfig
	d.activeConfig = nil
	d.address = 0
	d.remoteWakeup = false
	d.mutex.Unlock()

	if old != nil {
		deactivateConfiguration(old)
	}
	d.setState(StateDefault)
	pkg.LogDebug(pkg.ComponentDevice, "bus reset")
}

// SetAddress applies SET_ADDRESS to the device state. A configured device
// rejects it. A nonzero address moves the device to Address, zero moves it
// back to Default. Committing the address to the controller is the
// caller's job and must wait for the status stage.
func (d *Device) SetAddress(address uint8) error {
	if address > MaxDeviceAddress {
		return pkg.ErrInvalidRequest
	}
	d.mutex.Lock()
	if d.state == StateConfigured {
		d.mutex.Unlock()
		return pkg.ErrInvalidState
	}
	d.address = address
	d.mutex.Unlock()

	if address == 0 {
		d.setState(StateDefault)
	} else {
		d.setState(StateAddress)
	}
	pkg.LogDebug(pkg.ComponentDevice, "address latched", "address", address)
	return nil
}

// SetConfiguration applies SET_CONFIGURATION. value must not exceed the
// number of configurations. Selecting the active value again is a no-op.
// On a change the outgoing configuration's drivers are de-initialized
// before the incoming configuration's drivers are initialized, so at most
// one configuration is ever active. It reports whether the active
// configuration changed.
func (d *Device) SetConfiguration(value uint8) (bool, error) {
	d.mutex.Lock()
	if d.state != StateAddress && d.state != StateConfigured {
		d.mutex.Unlock()
		return false, pkg.ErrInvalidState
	}
	if int(value) > d.configurationCount {
		d.mutex.Unlock()
		return false, pkg.ErrInvalidRequest
	}
	var next *Configuration
	if value != 0 {
		for idx := 0; idx < d.configurationCount; idx++ {
			if d.configurations[idx].Value == value {
				next = d.configurations[idx]
				break
			}
		}
		if next == nil {
			d.mutex.Unlock()
			return false, pkg.ErrInvalidRequest
		}
	}
	prev := d.activeConfig
	if prev == next {
		d.mutex.Unlock()
		return false, nil
	}
	d.activeConfig = nil
	callback := d.onSetConfiguration
	d.mutex.Unlock()

	if prev != nil {
		deactivateConfiguration(prev)
	}

	if next == nil {
		d.setState(StateAddress)
		pkg.LogDebug(pkg.ComponentDevice, "unconfigured")
		if callback != nil {
			callback(0)
		}
		return true, nil
	}

	if err := activateConfiguration(next); err != nil {
		d.setState(StateAddress)
		return true, err
	}

	d.mutex.Lock()
	d.activeConfig = next
	d.mutex.Unlock()
	d.setState(StateConfigured)

	pkg.LogDebug(pkg.ComponentDevice, "configured", "configuration", value)
	if callback != nil {
		callback(value)
	}
	return true, nil
}

func activateConfiguration(config *Configuration) error {
	ifaces := config.Interfaces()
	for idx, iface := range ifaces {
		if err := iface.activate(); err != nil {
			pkg.LogWarn(pkg.ComponentClass, "class init failed",
				"interface", iface.Number,
				"error", err)
			for _, done := range ifaces[:idx] {
				_ = done.deactivate()
			}
			return err
		}
	}
	return nil
}

func deactivateConfiguration(config *Configuration) {
	for _, iface := range config.Interfaces() {
		if err := iface.deactivate(); err != nil {
			pkg.LogWarn(pkg.ComponentClass, "class deinit failed",
				"interface", iface.Number,
				"error", err)
		}
	}
}

// Suspend saves the current state and enters Suspended.
func (d *Device) Suspend() {
	d.mutex.Lock()
	if d.state == StateSuspended {
		d.mutex.Unlock()
		return
	}
	d.previousState = d.state
	d.mutex.Unlock()
	d.setState(StateSuspended)
}

// Resume restores the state saved by Suspend.
func (d *Device) Resume() {
	d.mutex.RLock()
	prev := d.previousState
	suspended := d.state == StateSuspended
	d.mutex.RUnlock()

	if !suspended {
		return
	}
	if prev < StateDefault {
		prev = StateDefault
	}
	d.setState(prev)
}

// EnableRemoteWakeup sets the DEVICE_REMOTE_WAKEUP feature.
func (d *Device) EnableRemoteWakeup(enabled bool) {
	d.mutex.Lock()
	d.remoteWakeup = enabled
	d.mutex.Unlock()
}

// IsRemoteWakeupEnabled reports whether the host enabled remote wakeup.
func (d *Device) IsRemoteWakeupEnabled() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.remoteWakeup
}

// GetInterface returns an interface of the active configuration, or nil.
func (d *Device) GetInterface(number uint8) *Interface {
	config := d.ActiveConfiguration()
	if config == nil {
		return nil
	}
	return config.GetInterface(number)
}

// GetEndpoint returns an endpoint of the active configuration and the
// interface that owns it.
func (d *Device) GetEndpoint(address uint8) (*Endpoint, *Interface) {
	config := d.ActiveConfiguration()
	if config == nil {
		return nil, nil
	}
	iface := config.InterfaceForEndpoint(address)
	if iface == nil {
		return nil, nil
	}
	return iface.GetEndpoint(address), iface
}

// SetOnStateChange sets the state change callback.
func (d *Device) SetOnStateChange(cb func(old, new State)) {
	d.mutex.Lock()
	d.onStateChange = cb
	d.mutex.Unlock()
}

// SetOnSetConfiguration sets the callback run after a configuration
// change completes. It receives 0 when the device is unconfigured.
func (d *Device) SetOnSetConfiguration(cb func(value uint8)) {
	d.mutex.Lock()
	d.onSetConfiguration = cb
	d.mutex.Unlock()
}

// Close releases every class driver.
func (d *Device) Close() error {
	d.mutex.Lock()
	configs := d.configurations
	count := d.configurationCount
	d.configurationCount = 0
	d.activeConfig = nil
	d.mutex.Unlock()

	var lastErr error
	for idx := 0; idx < count; idx++ {
		if err := configs[idx].Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// DeviceStatus is the GET_STATUS word for the device recipient.
type DeviceStatus uint16

// Device status bits.
const (
	DeviceStatusSelfPowered  DeviceStatus = 1 << 0
	DeviceStatusRemoteWakeup DeviceStatus = 1 << 1
)

// GetStatus returns the device status word.
func (d *Device) GetStatus() DeviceStatus {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	var status DeviceStatus
	if d.activeConfig != nil && d.activeConfig.IsSelfPowered() {
		status |= DeviceStatusSelfPowered
	}
	if d.remoteWakeup {
		status |= DeviceStatusRemoteWakeup
	}
	return status
}
