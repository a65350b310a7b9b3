package cdc

import (
	"context"
	"sync"

	"github.com/ardnew/usbcore/device"
	"github.com/ardnew/usbcore/pkg"
)

// MaxRxBufferSize is the capacity of the receive ring.
const MaxRxBufferSize = 4096

// ACM is a CDC-ACM serial function. One instance is installed on both the
// communications interface and the data interface of the function.
type ACM struct {
	controlIface *device.Interface
	dataIface    *device.Interface

	notifyEP  *device.Endpoint // interrupt IN
	dataInEP  *device.Endpoint // bulk IN
	dataOutEP *device.Endpoint // bulk OUT

	io device.EndpointIO

	lineCoding   LineCoding
	controlState uint16
	serialState  uint16

	onLineCodingChange   func(*LineCoding)
	onControlStateChange func(dtr, rts bool)
	onBreak              func(millis uint16)

	rx          ring
	rxReady     chan struct{}
	responseBuf [LineCodingSize]byte

	mutex      sync.RWMutex
	configured bool
}

// NewACM creates a CDC-ACM function at 115200 8N1.
func NewACM() *ACM {
	return &ACM{
		lineCoding: DefaultLineCoding,
		rxReady:    make(chan struct{}, 1),
	}
}

// SetStack sets the data path.
func (a *ACM) SetStack(io device.EndpointIO) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.io = io
}

// SetOnLineCodingChange sets the callback for SET_LINE_CODING.
func (a *ACM) SetOnLineCodingChange(cb func(*LineCoding)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onLineCodingChange = cb
}

// SetOnControlStateChange sets the callback for SET_CONTROL_LINE_STATE.
func (a *ACM) SetOnControlStateChange(cb func(dtr, rts bool)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onControlStateChange = cb
}

// SetOnBreak sets the callback for SEND_BREAK.
func (a *ACM) SetOnBreak(cb func(millis uint16)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onBreak = cb
}

// LineCoding returns the current line coding.
func (a *ACM) LineCoding() LineCoding {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.lineCoding
}

// DTR reports the Data Terminal Ready line.
func (a *ACM) DTR() bool {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.controlState&ControlLineDTR != 0
}

// RTS reports the Request To Send line.
func (a *ACM) RTS() bool {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.controlState&ControlLineRTS != 0
}

// IsConfigured reports whether both interfaces of the function are up.
func (a *ACM) IsConfigured() bool {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.configured
}

// Buffered returns the number of received bytes not yet read.
func (a *ACM) Buffered() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.rx.len()
}

// Init binds the endpoints of whichever interface of the function iface
// is. The function is configured once both are bound.
func (a *ACM) Init(iface *device.Interface) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	switch iface.Class {
	case ClassCDC:
		a.controlIface = iface
		a.notifyEP = nil
		for _, ep := range iface.Endpoints() {
			if ep.IsIn() && ep.IsInterrupt() {
				a.notifyEP = ep
				break
			}
		}
		if a.notifyEP == nil {
			return pkg.ErrInvalidEndpoint
		}

	case ClassCDCData:
		a.dataIface = iface
		a.dataInEP, a.dataOutEP = nil, nil
		for _, ep := range iface.Endpoints() {
			if !ep.IsBulk() {
				continue
			}
			if ep.IsIn() {
				a.dataInEP = ep
			} else {
				a.dataOutEP = ep
			}
		}
		if a.dataInEP == nil || a.dataOutEP == nil {
			return pkg.ErrInvalidEndpoint
		}
		a.rx.reset()

	default:
		return pkg.ErrInvalidParameter
	}

	if a.controlIface != nil && a.dataIface != nil {
		a.configured = true
		pkg.LogDebug(pkg.ComponentClass, "CDC-ACM configured",
			"control", a.controlIface.Number,
			"data", a.dataIface.Number,
			"dataIn", a.dataInEP.Address,
			"dataOut", a.dataOutEP.Address)
	}
	return nil
}

// DeInit unbinds one interface of the function.
func (a *ACM) DeInit(iface *device.Interface) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	switch iface.Class {
	case ClassCDC:
		a.controlIface = nil
		a.notifyEP = nil
		a.controlState = 0
	case ClassCDCData:
		a.dataIface = nil
		a.dataInEP, a.dataOutEP = nil, nil
		a.rx.reset()
	}
	a.configured = false
	return nil
}

// Setup answers the ACM class requests on the communications interface.
func (a *ACM) Setup(iface *device.Interface, setup *device.SetupPacket, data []byte) ([]byte, error) {
	if !setup.IsClass() || setup.Recipient() != device.RequestRecipientInterface {
		return nil, pkg.ErrNotSupported
	}
	if iface.Class != ClassCDC {
		return nil, pkg.ErrNotSupported
	}

	switch setup.Request {
	case RequestSetLineCoding:
		return nil, a.setLineCoding(data)
	case RequestGetLineCoding:
		return a.getLineCoding()
	case RequestSetControlLineState:
		return nil, a.setControlLineState(setup)
	case RequestSendBreak:
		return nil, a.sendBreak(setup)
	default:
		return nil, pkg.ErrNotSupported
	}
}

func (a *ACM) setLineCoding(data []byte) error {
	var lc LineCoding
	if !ParseLineCoding(data, &lc) {
		return pkg.ErrInvalidRequest
	}

	a.mutex.Lock()
	a.lineCoding = lc
	cb := a.onLineCodingChange
	a.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentClass, "line coding set",
		"baud", lc.DTERate,
		"dataBits", lc.DataBits,
		"parity", lc.ParityType,
		"stopBits", lc.CharFormat)

	if cb != nil {
		cb(&lc)
	}
	return nil
}

func (a *ACM) getLineCoding() ([]byte, error) {
	a.mutex.RLock()
	n := a.lineCoding.MarshalTo(a.responseBuf[:])
	a.mutex.RUnlock()
	return a.responseBuf[:n], nil
}

func (a *ACM) setControlLineState(setup *device.SetupPacket) error {
	a.mutex.Lock()
	a.controlState = setup.Value
	cb := a.onControlStateChange
	dtr := a.controlState&ControlLineDTR != 0
	rts := a.controlState&ControlLineRTS != 0
	a.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentClass, "control line state set",
		"dtr", dtr,
		"rts", rts)

	if cb != nil {
		cb(dtr, rts)
	}
	return nil
}

func (a *ACM) sendBreak(setup *device.SetupPacket) error {
	millis := setup.Value

	a.mutex.RLock()
	cb := a.onBreak
	a.mutex.RUnlock()

	pkg.LogDebug(pkg.ComponentClass, "break", "duration_ms", millis)

	if cb != nil {
		cb(millis)
	}
	return nil
}

// SetAlternate accepts only alternate setting 0.
func (a *ACM) SetAlternate(iface *device.Interface, alt uint8) error {
	if alt != 0 {
		return pkg.ErrInvalidRequest
	}
	return nil
}

// WriteClassDescriptors emits the functional descriptors after the
// communications interface descriptor. The data interface has none.
func (a *ACM) WriteClassDescriptors(iface *device.Interface, buf []byte) int {
	if iface.Class != ClassCDC {
		return 0
	}
	n := FunctionalDescriptorsTo(buf, iface.Number, iface.Number+1,
		ACMCapLineCoding|ACMCapSendBreak)
	if n == 0 {
		return -1
	}
	return n
}

// DataOut queues bytes received on the bulk OUT endpoint.
func (a *ACM) DataOut(iface *device.Interface, ep uint8, data []byte) error {
	a.mutex.Lock()
	n := a.rx.write(data)
	a.mutex.Unlock()

	select {
	case a.rxReady <- struct{}{}:
	default:
	}
	if n < len(data) {
		return pkg.ErrOverrun
	}
	return nil
}

// Close releases the driver.
func (a *ACM) Close() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.controlIface = nil
	a.dataIface = nil
	a.notifyEP = nil
	a.dataInEP = nil
	a.dataOutEP = nil
	a.io = nil
	a.configured = false
	return nil
}

// Read blocks until received data is available and copies it into buf.
func (a *ACM) Read(ctx context.Context, buf []byte) (int, error) {
	for {
		a.mutex.Lock()
		if !a.configured {
			a.mutex.Unlock()
			return 0, pkg.ErrNotConfigured
		}
		n := a.rx.read(buf)
		a.mutex.Unlock()
		if n > 0 || len(buf) == 0 {
			return n, nil
		}

		select {
		case <-a.rxReady:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Write sends data on the bulk IN endpoint.
func (a *ACM) Write(ctx context.Context, data []byte) (int, error) {
	a.mutex.RLock()
	io := a.io
	ep := a.dataInEP
	configured := a.configured
	a.mutex.RUnlock()

	if !configured || io == nil || ep == nil {
		return 0, pkg.ErrNotConfigured
	}
	return io.Write(ctx, ep, data)
}

// SendSerialState sends a SERIAL_STATE notification on the interrupt
// endpoint.
func (a *ACM) SendSerialState(ctx context.Context, state uint16) error {
	a.mutex.Lock()
	a.serialState = state
	io := a.io
	ep := a.notifyEP
	iface := a.controlIface
	a.mutex.Unlock()

	if io == nil || ep == nil || iface == nil {
		return pkg.ErrNotConfigured
	}

	notification := device.SetupPacket{
		RequestType: device.RequestDirectionDeviceToHost | device.RequestTypeClass | device.RequestRecipientInterface,
		Request:     NotificationSerialState,
		Index:       uint16(iface.Number),
		Length:      2,
	}
	var buf [device.SetupPacketSize + 2]byte
	notification.MarshalTo(buf[:])
	buf[8] = byte(state)
	buf[9] = byte(state >> 8)

	_, err := io.Write(ctx, ep, buf[:])
	return err
}

// ConfigureDevice adds the communications and data interfaces of an ACM
// function to the builder's configuration, grouped by an IAD, and installs
// a on both.
func (a *ACM) ConfigureDevice(builder *device.DeviceBuilder, notifyEPAddr, dataInEPAddr, dataOutEPAddr uint8) *device.DeviceBuilder {
	first := uint8(0)
	if config := builder.Configuration(); config != nil {
		first = uint8(config.NumInterfaces())
	}
	return builder.
		AddAssociation(first, 2, ClassCDC, SubclassACM, ProtocolAT).
		AddInterface(ClassCDC, SubclassACM, ProtocolAT).
		AddEndpoint(notifyEPAddr|device.EndpointDirectionIn, device.EndpointTypeInterrupt, 8, 16).
		WithClassDriver(a).
		AddInterface(ClassCDCData, SubclassNone, ProtocolNone).
		AddEndpoint(dataInEPAddr|device.EndpointDirectionIn, device.EndpointTypeBulk, 64, 0).
		AddEndpoint(dataOutEPAddr&0x0F, device.EndpointTypeBulk, 64, 0).
		WithClassDriver(a)
}

var (
	_ device.ClassDriver      = (*ACM)(nil)
	_ device.DataOutHandler   = (*ACM)(nil)
	_ device.DescriptorWriter = (*ACM)(nil)
)
