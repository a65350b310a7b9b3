package hid

import (
	"context"
	"sync"

	"github.com/ardnew/usbcore/device"
	"github.com/ardnew/usbcore/pkg"
)

// MaxReportSize is the maximum HID report size.
const MaxReportSize = 64

// HID is the device-side HID class driver. It answers the HID class
// requests, serves the HID and report descriptors and moves reports over
// the interrupt endpoints.
type HID struct {
	iface *device.Interface
	inEP  *device.Endpoint
	outEP *device.Endpoint // optional
	io    device.EndpointIO

	reportDescriptor []byte // by reference
	hidDescriptor    HIDDescriptor

	protocol uint8
	idleRate uint8 // 4 ms units, 0 means report only on change
	inputBuf [MaxReportSize]byte
	inputLen int

	onOutputReport  func(data []byte)
	onFeatureReport func(reportID uint8, data []byte)
	onSetProtocol   func(protocol uint8)
	onSetIdle       func(rate uint8, reportID uint8)
	onReportSent    func()

	responseBuf [MaxReportSize]byte

	mutex      sync.RWMutex
	configured bool
}

// New creates a HID class driver serving reportDescriptor, which is kept
// by reference.
func New(reportDescriptor []byte) *HID {
	return &HID{
		reportDescriptor: reportDescriptor,
		hidDescriptor: HIDDescriptor{
			HIDVersion:     0x0111,
			CountryCode:    CountryNone,
			NumDescriptors: 1,
			ReportDescLen:  uint16(len(reportDescriptor)),
		},
		protocol: ProtocolReport,
	}
}

// SetStack sets the data path used for reports.
func (h *HID) SetStack(io device.EndpointIO) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.io = io
}

// SetOnOutputReport sets the callback for output reports, whether they
// arrive by SET_REPORT or on the interrupt OUT endpoint.
func (h *HID) SetOnOutputReport(cb func(data []byte)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onOutputReport = cb
}

// SetOnFeatureReport sets the callback for SET_REPORT(Feature).
func (h *HID) SetOnFeatureReport(cb func(reportID uint8, data []byte)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onFeatureReport = cb
}

// SetOnSetProtocol sets the callback for protocol changes.
func (h *HID) SetOnSetProtocol(cb func(protocol uint8)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onSetProtocol = cb
}

// SetOnSetIdle sets the callback for idle rate changes.
func (h *HID) SetOnSetIdle(cb func(rate uint8, reportID uint8)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onSetIdle = cb
}

// SetOnReportSent sets the callback run after an input report left the
// interrupt IN endpoint.
func (h *HID) SetOnReportSent(cb func()) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onReportSent = cb
}

// Protocol returns the current protocol (boot or report).
func (h *HID) Protocol() uint8 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.protocol
}

// IdleRate returns the current idle rate.
func (h *HID) IdleRate() uint8 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.idleRate
}

// ReportDescriptor returns the report descriptor.
func (h *HID) ReportDescriptor() []byte {
	return h.reportDescriptor
}

// IsConfigured reports whether the host selected the HID configuration.
func (h *HID) IsConfigured() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.configured
}

// Init binds the interrupt endpoints of iface. An IN endpoint is required.
func (h *HID) Init(iface *device.Interface) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.iface = iface
	h.inEP, h.outEP = nil, nil
	for _, ep := range iface.Endpoints() {
		if !ep.IsInterrupt() {
			continue
		}
		if ep.IsIn() {
			h.inEP = ep
		} else {
			h.outEP = ep
		}
	}
	if h.inEP == nil {
		return pkg.ErrInvalidEndpoint
	}

	h.protocol = ProtocolReport
	h.idleRate = 0
	h.configured = true
	pkg.LogDebug(pkg.ComponentClass, "HID configured",
		"interface", iface.Number,
		"inEP", h.inEP.Address,
		"reportDescLen", len(h.reportDescriptor))
	return nil
}

// DeInit releases the endpoints bound by Init.
func (h *HID) DeInit(iface *device.Interface) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.configured = false
	h.inEP, h.outEP = nil, nil
	pkg.LogDebug(pkg.ComponentClass, "HID deconfigured", "interface", iface.Number)
	return nil
}

// Setup answers HID class requests and GET_DESCRIPTOR for the HID and
// report descriptors.
func (h *HID) Setup(iface *device.Interface, setup *device.SetupPacket, data []byte) ([]byte, error) {
	if setup.IsStandard() {
		if setup.Request == device.RequestGetDescriptor &&
			setup.Recipient() == device.RequestRecipientInterface {
			return h.getDescriptor(setup)
		}
		return nil, pkg.ErrNotSupported
	}
	if !setup.IsClass() || setup.Recipient() != device.RequestRecipientInterface {
		return nil, pkg.ErrNotSupported
	}

	switch setup.Request {
	case RequestGetReport:
		return h.getReport(setup)
	case RequestSetReport:
		return nil, h.setReport(setup, data)
	case RequestGetIdle:
		return h.getIdle()
	case RequestSetIdle:
		return nil, h.setIdle(setup)
	case RequestGetProtocol:
		return h.getProtocol()
	case RequestSetProtocol:
		return nil, h.setProtocol(setup)
	default:
		return nil, pkg.ErrNotSupported
	}
}

func (h *HID) getDescriptor(setup *device.SetupPacket) ([]byte, error) {
	switch setup.DescriptorType() {
	case DescriptorTypeHID:
		h.mutex.RLock()
		desc := h.hidDescriptor
		h.mutex.RUnlock()
		n := desc.MarshalTo(h.responseBuf[:])
		if n == 0 {
			return nil, pkg.ErrBufferTooSmall
		}
		return h.responseBuf[:n], nil

	case DescriptorTypeReport:
		return h.reportDescriptor, nil

	default:
		return nil, pkg.ErrNotSupported
	}
}

// getReport returns the last input report sent, or zeros of the IN
// endpoint's packet size when none was sent yet.
func (h *HID) getReport(setup *device.SetupPacket) ([]byte, error) {
	reportType := uint8(setup.Value >> 8)
	if reportType != ReportTypeInput {
		return nil, pkg.ErrNotSupported
	}

	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if h.inputLen > 0 {
		return h.inputBuf[:h.inputLen], nil
	}
	size := int(setup.Length)
	if h.inEP != nil && int(h.inEP.MaxPacketSize) < size {
		size = int(h.inEP.MaxPacketSize)
	}
	if size > MaxReportSize {
		size = MaxReportSize
	}
	clear(h.responseBuf[:size])
	return h.responseBuf[:size], nil
}

func (h *HID) setReport(setup *device.SetupPacket, data []byte) error {
	reportType := uint8(setup.Value >> 8)
	reportID := uint8(setup.Value & 0xFF)

	pkg.LogDebug(pkg.ComponentClass, "SET_REPORT",
		"type", reportType,
		"id", reportID,
		"len", len(data))

	h.mutex.RLock()
	outputCb := h.onOutputReport
	featureCb := h.onFeatureReport
	h.mutex.RUnlock()

	switch reportType {
	case ReportTypeOutput:
		if outputCb != nil {
			outputCb(data)
		}
	case ReportTypeFeature:
		if featureCb != nil {
			featureCb(reportID, data)
		}
	default:
		return pkg.ErrNotSupported
	}
	return nil
}

func (h *HID) getIdle() ([]byte, error) {
	h.mutex.RLock()
	h.responseBuf[0] = h.idleRate
	h.mutex.RUnlock()
	return h.responseBuf[:1], nil
}

func (h *HID) setIdle(setup *device.SetupPacket) error {
	rate := uint8(setup.Value >> 8)
	reportID := uint8(setup.Value & 0xFF)

	h.mutex.Lock()
	h.idleRate = rate
	cb := h.onSetIdle
	h.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentClass, "SET_IDLE",
		"rate", rate,
		"reportID", reportID)

	if cb != nil {
		cb(rate, reportID)
	}
	return nil
}

func (h *HID) getProtocol() ([]byte, error) {
	h.mutex.RLock()
	h.responseBuf[0] = h.protocol
	h.mutex.RUnlock()
	return h.responseBuf[:1], nil
}

func (h *HID) setProtocol(setup *device.SetupPacket) error {
	protocol := uint8(setup.Value & 0xFF)
	if protocol > ProtocolReport {
		return pkg.ErrInvalidRequest
	}

	h.mutex.Lock()
	h.protocol = protocol
	cb := h.onSetProtocol
	h.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentClass, "SET_PROTOCOL", "protocol", protocol)

	if cb != nil {
		cb(protocol)
	}
	return nil
}

// SetAlternate accepts only alternate setting 0.
func (h *HID) SetAlternate(iface *device.Interface, alt uint8) error {
	if alt != 0 {
		return pkg.ErrInvalidRequest
	}
	return nil
}

// WriteClassDescriptors emits the HID descriptor that follows the
// interface descriptor in the configuration tree.
func (h *HID) WriteClassDescriptors(iface *device.Interface, buf []byte) int {
	h.mutex.RLock()
	desc := h.hidDescriptor
	h.mutex.RUnlock()
	n := desc.MarshalTo(buf)
	if n == 0 {
		return -1
	}
	return n
}

// DataIn runs the report-sent callback.
func (h *HID) DataIn(iface *device.Interface, ep uint8) error {
	h.mutex.RLock()
	cb := h.onReportSent
	h.mutex.RUnlock()
	if cb != nil {
		cb()
	}
	return nil
}

// DataOut delivers an output report received on the interrupt OUT
// endpoint.
func (h *HID) DataOut(iface *device.Interface, ep uint8, data []byte) error {
	h.mutex.RLock()
	cb := h.onOutputReport
	h.mutex.RUnlock()
	if cb != nil {
		cb(data)
	}
	return nil
}

// Close releases the driver.
func (h *HID) Close() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.iface = nil
	h.inEP = nil
	h.outEP = nil
	h.io = nil
	h.configured = false
	return nil
}

// SendReport sends an input report on the interrupt IN endpoint.
func (h *HID) SendReport(ctx context.Context, data []byte) error {
	h.mutex.Lock()
	io := h.io
	ep := h.inEP
	configured := h.configured
	if configured && len(data) <= MaxReportSize {
		h.inputLen = copy(h.inputBuf[:], data)
	}
	h.mutex.Unlock()

	if !configured || io == nil || ep == nil {
		return pkg.ErrNotConfigured
	}
	_, err := io.Write(ctx, ep, data)
	return err
}

// SendKeyboardReport sends a boot keyboard report.
func (h *HID) SendKeyboardReport(ctx context.Context, report *KeyboardReport) error {
	var buf [KeyboardReportSize]byte
	n := report.MarshalTo(buf[:])
	if n == 0 {
		return pkg.ErrBufferTooSmall
	}
	return h.SendReport(ctx, buf[:n])
}

// SendMouseReport sends a boot mouse report.
func (h *HID) SendMouseReport(ctx context.Context, report *MouseReport) error {
	var buf [MouseReportSize]byte
	n := report.MarshalTo(buf[:])
	if n == 0 {
		return pkg.ErrBufferTooSmall
	}
	return h.SendReport(ctx, buf[:n])
}

// ConfigureDevice adds a HID interface with one interrupt IN endpoint to
// the builder's current configuration and installs h on it.
func (h *HID) ConfigureDevice(builder *device.DeviceBuilder, inEPAddr, subclass, protocol, interval uint8) *device.DeviceBuilder {
	return builder.
		AddInterface(ClassHID, subclass, protocol).
		AddEndpoint(inEPAddr|device.EndpointDirectionIn, device.EndpointTypeInterrupt, 8, interval).
		WithClassDriver(h)
}

// ConfigureDeviceWithOutEP is ConfigureDevice plus an interrupt OUT
// endpoint for output reports.
func (h *HID) ConfigureDeviceWithOutEP(builder *device.DeviceBuilder, inEPAddr, outEPAddr, subclass, protocol, interval uint8) *device.DeviceBuilder {
	return builder.
		AddInterface(ClassHID, subclass, protocol).
		AddEndpoint(inEPAddr|device.EndpointDirectionIn, device.EndpointTypeInterrupt, 8, interval).
		AddEndpoint(outEPAddr&0x0F, device.EndpointTypeInterrupt, 8, interval).
		WithClassDriver(h)
}

var (
	_ device.ClassDriver      = (*HID)(nil)
	_ device.DataInHandler    = (*HID)(nil)
	_ device.DataOutHandler   = (*HID)(nil)
	_ device.DescriptorWriter = (*HID)(nil)
)
