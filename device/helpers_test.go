package device

import (
	"fmt"
	"sync"

	"github.com/ardnew/usbcore/pkg"
)

// eventLog records driver callbacks in order across several drivers.
type eventLog struct {
	mutex  sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mutex.Lock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
	l.mutex.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return append([]string(nil), l.events...)
}

// recordingDriver is a ClassDriver that logs every callback.
type recordingDriver struct {
	name    string
	log     *eventLog
	initErr error

	// setup answers Setup; nil means pkg.ErrNotSupported.
	setup func(iface *Interface, setup *SetupPacket, data []byte) ([]byte, error)

	mutex    sync.Mutex
	received [][]byte
	frames   []uint16
	rx       chan []byte
}

func newRecordingDriver(name string, log *eventLog) *recordingDriver {
	return &recordingDriver{name: name, log: log, rx: make(chan []byte, 16)}
}

func (d *recordingDriver) Init(iface *Interface) error {
	d.log.add("%s.Init(%d)", d.name, iface.Number)
	return d.initErr
}

func (d *recordingDriver) DeInit(iface *Interface) error {
	d.log.add("%s.DeInit(%d)", d.name, iface.Number)
	return nil
}

func (d *recordingDriver) Setup(iface *Interface, setup *SetupPacket, data []byte) ([]byte, error) {
	d.log.add("%s.Setup(%d,0x%02X)", d.name, iface.Number, setup.Request)
	if d.setup == nil {
		return nil, pkg.ErrNotSupported
	}
	return d.setup(iface, setup, data)
}

func (d *recordingDriver) SetAlternate(iface *Interface, alt uint8) error {
	d.log.add("%s.SetAlternate(%d,%d)", d.name, iface.Number, alt)
	if alt > 1 {
		return pkg.ErrInvalidRequest
	}
	return nil
}

func (d *recordingDriver) DataIn(iface *Interface, ep uint8) error {
	d.log.add("%s.DataIn(0x%02X)", d.name, ep)
	return nil
}

func (d *recordingDriver) DataOut(iface *Interface, ep uint8, data []byte) error {
	d.mutex.Lock()
	d.received = append(d.received, append([]byte(nil), data...))
	d.mutex.Unlock()
	d.rx <- append([]byte(nil), data...)
	return nil
}

func (d *recordingDriver) SOF(iface *Interface, frame uint16) {
	d.mutex.Lock()
	d.frames = append(d.frames, frame)
	d.mutex.Unlock()
}

func (d *recordingDriver) Close() error {
	d.log.add("%s.Close", d.name)
	return nil
}

// newTestDevice builds a device with two configurations. Configuration 1
// has a bulk interface (0x81 IN, 0x02 OUT, 0x04 isochronous OUT) driven
// by driver; configuration 2 has one interrupt interface driven by alt.
func newTestDevice(driver, alt ClassDriver) *Device {
	builder := NewDeviceBuilder().
		WithVendorProduct(0x1234, 0x5678).
		WithStrings("Test Manufacturer", "Test Product", "").
		AddConfiguration(1).
		AddInterface(ClassVendor, 0, 0).
		AddEndpoint(0x81, EndpointTypeBulk, 64, 0).
		AddEndpoint(0x02, EndpointTypeBulk, 64, 0).
		AddEndpoint(0x04, EndpointTypeIsochronous, 192, 1)
	if driver != nil {
		builder.WithClassDriver(driver)
	}
	builder.AddConfiguration(2).
		AddInterface(ClassVendor, 0, 0).
		AddEndpoint(0x83, EndpointTypeInterrupt, 8, 10)
	if alt != nil {
		builder.WithClassDriver(alt)
	}
	dev, err := builder.Build()
	if err != nil {
		panic(err)
	}
	return dev
}

// addressed moves dev through reset to the Address state.
func addressed(dev *Device) *Device {
	dev.Attach()
	dev.Reset()
	if err := dev.SetAddress(5); err != nil {
		panic(err)
	}
	return dev
}

func stdRequest(recipient, request uint8, value, index, length uint16) SetupPacket {
	dir := uint8(RequestDirectionHostToDevice)
	switch request {
	case RequestGetStatus, RequestGetDescriptor, RequestGetConfiguration,
		RequestGetInterface, RequestSynchFrame:
		dir = RequestDirectionDeviceToHost
	}
	return SetupPacket{
		RequestType: dir | RequestTypeStandard | recipient,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      length,
	}
}
