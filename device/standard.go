package device

import (
	"encoding/binary"
	"errors"

	"github.com/ardnew/usbcore/pkg"
)

// endpointControl is the slice of the controller the request handler may
// touch while a request is being dispatched.
type endpointControl interface {
	stallEndpoint(address uint8) error
	clearEndpointStall(address uint8) error
	programEndpoints(config *Configuration) error
	startPumps(config *Configuration)
	stopPumps()
	testModeSupported() bool
}

// deferred holds side effects that may only reach the controller after the
// status stage of the request that caused them.
type deferred struct {
	address      bool
	addressValue uint8
	testMode     bool
	testSelector uint8
}

// StandardRequestHandler dispatches SETUP packets. Standard requests are
// answered from the device state; class and vendor requests, and
// interface requests the handler does not own, are forwarded to the class
// driver of the addressed interface or of the interface owning the
// addressed endpoint.
//
// Every error returned means the request is answered with a STALL.
type StandardRequestHandler struct {
	device  *Device
	ctl     endpointControl
	pending deferred

	responseBuf [MaxConfigDescriptorSize]byte
}

// NewStandardRequestHandler creates a handler for dev.
func NewStandardRequestHandler(dev *Device) *StandardRequestHandler {
	return &StandardRequestHandler{device: dev}
}

// reset drops deferred work left from an aborted request.
func (h *StandardRequestHandler) reset() {
	h.pending = deferred{}
}

// takePending returns and clears the deferred side effects.
func (h *StandardRequestHandler) takePending() deferred {
	p := h.pending
	h.pending = deferred{}
	return p
}

// HandleSetup dispatches one request. data holds the OUT data stage, if
// any. The returned slice is the IN data stage, already capped to wLength;
// it aliases the handler's buffer until the next call.
func (h *StandardRequestHandler) HandleSetup(setup *SetupPacket, data []byte) ([]byte, error) {
	var (
		resp []byte
		err  error
	)
	switch setup.Recipient() {
	case RequestRecipientDevice:
		if !setup.IsStandard() {
			return nil, pkg.ErrNotSupported
		}
		resp, err = h.handleDeviceRequest(setup)
	case RequestRecipientInterface:
		resp, err = h.handleInterfaceRequest(setup, data)
	case RequestRecipientEndpoint:
		resp, err = h.handleEndpointRequest(setup, data)
	default:
		return nil, pkg.ErrInvalidRequest
	}
	if err != nil {
		return nil, err
	}
	if len(resp) > int(setup.Length) {
		resp = resp[:setup.Length]
	}
	return resp, nil
}

func (h *StandardRequestHandler) handleDeviceRequest(setup *SetupPacket) ([]byte, error) {
	switch setup.Request {
	case RequestGetStatus:
		return h.getDeviceStatus(setup)
	case RequestClearFeature:
		return h.clearDeviceFeature(setup)
	case RequestSetFeature:
		return h.setDeviceFeature(setup)
	case RequestSetAddress:
		return h.setAddress(setup)
	case RequestGetDescriptor:
		return h.getDescriptor(setup)
	case RequestGetConfiguration:
		return h.getConfiguration(setup)
	case RequestSetConfiguration:
		return h.setConfiguration(setup)
	case RequestSetDescriptor:
		return nil, pkg.ErrNotSupported
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

func (h *StandardRequestHandler) getDeviceStatus(setup *SetupPacket) ([]byte, error) {
	if setup.Length != 2 || setup.Value != 0 {
		return nil, pkg.ErrInvalidRequest
	}
	switch h.device.State() {
	case StateAddress, StateConfigured:
	default:
		return nil, pkg.ErrInvalidState
	}
	binary.LittleEndian.PutUint16(h.responseBuf[:2], uint16(h.device.GetStatus()))
	return h.responseBuf[:2], nil
}

func (h *StandardRequestHandler) clearDeviceFeature(setup *SetupPacket) ([]byte, error) {
	if setup.Value != FeatureDeviceRemoteWakeup {
		// TEST_MODE cannot be cleared; the device must be power cycled.
		return nil, pkg.ErrInvalidRequest
	}
	h.device.EnableRemoteWakeup(false)
	return nil, nil
}

func (h *StandardRequestHandler) setDeviceFeature(setup *SetupPacket) ([]byte, error) {
	switch setup.Value {
	case FeatureDeviceRemoteWakeup:
		h.device.EnableRemoteWakeup(true)
		return nil, nil

	case FeatureTestMode:
		selector := setup.TestSelector()
		if setup.Index&0xFF != 0 || selector < TestModeJ || selector > TestModeForceEnable {
			return nil, pkg.ErrInvalidRequest
		}
		if h.ctl == nil || !h.ctl.testModeSupported() {
			return nil, pkg.ErrNotSupported
		}
		h.pending.testMode = true
		h.pending.testSelector = selector
		return nil, nil

	default:
		return nil, pkg.ErrInvalidRequest
	}
}

func (h *StandardRequestHandler) setAddress(setup *SetupPacket) ([]byte, error) {
	if setup.Index != 0 || setup.Length != 0 || setup.Value > MaxDeviceAddress {
		return nil, pkg.ErrInvalidRequest
	}
	address := uint8(setup.Value)
	if err := h.device.SetAddress(address); err != nil {
		return nil, err
	}
	h.pending.address = true
	h.pending.addressValue = address
	return nil, nil
}

func (h *StandardRequestHandler) getDescriptor(setup *SetupPacket) ([]byte, error) {
	index := setup.DescriptorIndex()
	buf := h.responseBuf[:]

	var n int
	switch setup.DescriptorType() {
	case DescriptorTypeDevice:
		n = h.device.Descriptor.MarshalTo(buf)

	case DescriptorTypeConfiguration:
		config := h.device.ConfigurationAt(index)
		if config == nil {
			return nil, pkg.ErrInvalidRequest
		}
		n = config.MarshalTo(buf)

	case DescriptorTypeString:
		str := h.device.GetString(index)
		if str == nil {
			return nil, pkg.ErrInvalidRequest
		}
		n = copy(buf, str)

	case DescriptorTypeDeviceQualifier:
		if h.device.Speed() != SpeedHigh {
			return nil, pkg.ErrNotSupported
		}
		n = h.device.Descriptor.QualifierTo(buf)

	case DescriptorTypeOtherSpeedConfig:
		if h.device.Speed() != SpeedHigh {
			return nil, pkg.ErrNotSupported
		}
		config := h.device.ConfigurationAt(index)
		if config == nil {
			return nil, pkg.ErrInvalidRequest
		}
		n = config.OtherSpeedTo(buf)

	default:
		return nil, pkg.ErrInvalidRequest
	}

	if n == 0 {
		return nil, pkg.ErrBufferTooSmall
	}
	return buf[:n], nil
}

func (h *StandardRequestHandler) getConfiguration(setup *SetupPacket) ([]byte, error) {
	if setup.Length != 1 {
		return nil, pkg.ErrInvalidRequest
	}
	switch h.device.State() {
	case StateAddress:
		h.responseBuf[0] = 0
	case StateConfigured:
		h.responseBuf[0] = h.device.ActiveConfiguration().Value
	default:
		return nil, pkg.ErrInvalidState
	}
	return h.responseBuf[:1], nil
}

func (h *StandardRequestHandler) setConfiguration(setup *SetupPacket) ([]byte, error) {
	if setup.Value > 0xFF || setup.Length != 0 {
		return nil, pkg.ErrInvalidRequest
	}
	value := uint8(setup.Value)
	active := h.device.ActiveConfiguration()
	// Receive pumps stop before the outgoing drivers see DeInit.
	if h.ctl != nil && (active == nil || active.Value != value) {
		h.ctl.stopPumps()
	}
	changed, err := h.device.SetConfiguration(value)
	if err != nil {
		if h.ctl != nil {
			switch {
			case changed:
				_ = h.ctl.programEndpoints(nil)
			case active != nil:
				h.ctl.startPumps(active)
			}
		}
		return nil, err
	}
	if changed && h.ctl != nil {
		if err := h.ctl.programEndpoints(h.device.ActiveConfiguration()); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (h *StandardRequestHandler) handleInterfaceRequest(setup *SetupPacket, data []byte) ([]byte, error) {
	if !h.device.IsConfigured() {
		return nil, pkg.ErrInvalidState
	}
	iface := h.device.GetInterface(setup.InterfaceNumber())
	if iface == nil {
		return nil, pkg.ErrInvalidRequest
	}
	if !setup.IsStandard() {
		return iface.setup(setup, data)
	}

	switch setup.Request {
	case RequestGetStatus:
		if setup.Length != 2 {
			return nil, pkg.ErrInvalidRequest
		}
		h.responseBuf[0], h.responseBuf[1] = 0, 0
		return h.responseBuf[:2], nil

	case RequestGetInterface:
		if setup.Length != 1 {
			return nil, pkg.ErrInvalidRequest
		}
		h.responseBuf[0] = iface.Descriptor().AlternateSetting
		return h.responseBuf[:1], nil

	case RequestSetInterface:
		if setup.Length != 0 || setup.Value > 0xFF {
			return nil, pkg.ErrInvalidRequest
		}
		return nil, iface.SetAlternate(uint8(setup.Value))

	default:
		// GET_DESCRIPTOR for class descriptors, interface features.
		return iface.setup(setup, data)
	}
}

func (h *StandardRequestHandler) handleEndpointRequest(setup *SetupPacket, data []byte) ([]byte, error) {
	address := setup.EndpointAddress()

	switch h.device.State() {
	case StateAddress:
		if address&0x7F != 0 {
			return nil, pkg.ErrInvalidState
		}
		return h.controlEndpointRequest(setup)
	case StateConfigured:
	default:
		return nil, pkg.ErrInvalidState
	}

	if address&0x7F == 0 {
		return h.controlEndpointRequest(setup)
	}

	ep, iface := h.device.GetEndpoint(address)
	if ep == nil {
		return nil, pkg.ErrInvalidEndpoint
	}
	if !setup.IsStandard() {
		return iface.setup(setup, data)
	}

	switch setup.Request {
	case RequestGetStatus:
		if setup.Length != 2 {
			return nil, pkg.ErrInvalidRequest
		}
		var status uint16
		if ep.IsStalled() {
			status = 1
		}
		binary.LittleEndian.PutUint16(h.responseBuf[:2], status)
		return h.responseBuf[:2], nil

	case RequestSetFeature:
		if setup.Value != FeatureEndpointHalt {
			return nil, pkg.ErrInvalidRequest
		}
		ep.SetStall(true)
		if h.ctl != nil {
			if err := h.ctl.stallEndpoint(address); err != nil {
				return nil, err
			}
		}
		return nil, nil

	case RequestClearFeature:
		if setup.Value != FeatureEndpointHalt {
			return nil, pkg.ErrInvalidRequest
		}
		ep.SetStall(false)
		if h.ctl != nil {
			if err := h.ctl.clearEndpointStall(address); err != nil {
				return nil, err
			}
		}
		// Let the class re-arm whatever the halt interrupted.
		if _, err := iface.setup(setup, nil); err != nil && !errors.Is(err, pkg.ErrNotSupported) {
			return nil, err
		}
		return nil, nil

	case RequestSynchFrame:
		if !ep.IsIsochronous() || setup.Length != 2 {
			return nil, pkg.ErrInvalidRequest
		}
		binary.LittleEndian.PutUint16(h.responseBuf[:2], ep.FrameNumber())
		return h.responseBuf[:2], nil

	default:
		return nil, pkg.ErrInvalidRequest
	}
}

// controlEndpointRequest answers standard requests addressed to EP0. EP0
// cannot be halted by the host, so SET and CLEAR of ENDPOINT_HALT are
// accepted without effect.
func (h *StandardRequestHandler) controlEndpointRequest(setup *SetupPacket) ([]byte, error) {
	if !setup.IsStandard() {
		return nil, pkg.ErrNotSupported
	}
	switch setup.Request {
	case RequestGetStatus:
		if setup.Length != 2 {
			return nil, pkg.ErrInvalidRequest
		}
		h.responseBuf[0], h.responseBuf[1] = 0, 0
		return h.responseBuf[:2], nil
	case RequestSetFeature, RequestClearFeature:
		if setup.Value != FeatureEndpointHalt {
			return nil, pkg.ErrInvalidRequest
		}
		return nil, nil
	default:
		return nil, pkg.ErrInvalidRequest
	}
}
