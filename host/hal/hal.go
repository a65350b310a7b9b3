package hal

import (
	"context"
)

// Speed represents the USB connection speed.
type Speed uint8

// Bus speeds.
const (
	SpeedUnknown Speed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// PortStatus is a snapshot of one root hub port.
type PortStatus struct {
	Connected   bool
	Enabled     bool
	Suspended   bool
	OverCurrent bool
	Reset       bool
	PowerOn     bool
	Speed       Speed

	// Change bits, cleared by the HAL once reported.
	ConnectChange bool
	EnableChange  bool
	ResetChange   bool
}

// SetupPacket is the 8-byte SETUP stage of a control transfer. It is
// comparable, so two requests are the same request iff they are ==.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// SetupPacketSize is the size of a SETUP packet in bytes.
const SetupPacketSize = 8

// IsIn reports whether the data stage (if any) flows device to host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&0x80 != 0
}

// ParseSetupPacket decodes raw bytes into out. It returns false if data is
// too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf and returns 8, or 0 if buf is
// too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// TransferType is the endpoint transfer type (bmAttributes bits 1:0).
type TransferType uint8

// Transfer types.
const (
	TransferControl     TransferType = 0
	TransferIsochronous TransferType = 1
	TransferBulk        TransferType = 2
	TransferInterrupt   TransferType = 3
)

// String returns the transfer type name.
func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// DeviceAddress is a USB device address. 0 is the default address used
// before SET_ADDRESS; assigned addresses are 1-127.
type DeviceAddress uint8

// HostHAL is the controller interface the host stack drives.
//
// Transfer methods block until the transfer completes, fails, or ctx is
// done. A STALL handshake is reported as pkg.ErrStall and a NAK-limited
// interrupt poll as pkg.ErrNAK. Methods may be called concurrently for
// different endpoints; the host keeps at most one control transfer
// outstanding per device.
type HostHAL interface {
	// Init prepares the controller. The context bounds initialization.
	Init(ctx context.Context) error

	// Start powers the root ports.
	Start() error

	// Stop removes port power.
	Stop() error

	// Close releases the controller.
	Close() error

	// NumPorts returns the number of root hub ports.
	NumPorts() int

	// GetPortStatus returns the status of a port (1-indexed).
	GetPortStatus(port int) (PortStatus, error)

	// PortSpeed returns the speed of the device on port.
	PortSpeed(port int) Speed

	// ResetPort drives a bus reset on port. The device answers at
	// address 0 afterwards.
	ResetPort(port int) error

	// EnablePort enables or disables a port.
	EnablePort(port int, enable bool) error

	// ControlTransfer runs SETUP, the optional data stage, and STATUS.
	// It returns the data stage length.
	ControlTransfer(ctx context.Context, addr DeviceAddress, setup *SetupPacket, data []byte) (int, error)

	// BulkTransfer moves data on a bulk endpoint. The direction comes
	// from bit 7 of endpoint.
	BulkTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// InterruptTransfer moves data on an interrupt endpoint.
	InterruptTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// IsochronousTransfer moves data on an isochronous endpoint.
	IsochronousTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// SetDeviceAddress tells the controller that the device at address 0
	// now answers at newAddr. The host sends SET_ADDRESS itself.
	SetDeviceAddress(ctx context.Context, newAddr DeviceAddress) error

	// ClaimInterface takes exclusive access to an interface, detaching any
	// kernel driver where the platform has one.
	ClaimInterface(addr DeviceAddress, iface uint8) error

	// ReleaseInterface undoes ClaimInterface.
	ReleaseInterface(addr DeviceAddress, iface uint8) error

	// WaitForConnection blocks until a device connects and returns its
	// port (1-indexed).
	WaitForConnection(ctx context.Context) (int, error)

	// WaitForDisconnection blocks until a device disconnects and returns
	// its port.
	WaitForDisconnection(ctx context.Context) (int, error)
}

// FrameCounter is implemented by controllers that expose the (micro)frame
// number register. The host falls back to a 1 kHz software clock without
// it.
type FrameCounter interface {
	// FrameNumber returns the current 11-bit frame number.
	FrameNumber() uint16
}
