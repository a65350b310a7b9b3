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

// EndpointConfig is the hardware view of one endpoint of the active
// configuration.
type EndpointConfig struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8
}

// Number returns the endpoint number (0-15).
func (e *EndpointConfig) Number() uint8 { return e.Address & 0x0F }

// IsIn reports whether this is an IN endpoint.
func (e *EndpointConfig) IsIn() bool { return e.Address&0x80 != 0 }

// TransferType returns the transfer type bits.
func (e *EndpointConfig) TransferType() uint8 { return e.Attributes & 0x03 }

// SetupPacket is a SETUP packet as delivered by the controller.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// SetupPacketSize is the size of a SETUP packet in bytes.
const SetupPacketSize = 8

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

// DeviceHAL is the controller interface the device stack drives.
//
// EP0 is driven in strict SETUP / DATA / STATUS order by a single
// goroutine. Data endpoint methods may be called concurrently for
// different endpoints.
type DeviceHAL interface {
	// Init prepares the controller. It does not attach to the bus.
	Init(ctx context.Context) error

	// Start attaches to the bus.
	Start() error

	// Stop detaches from the bus.
	Stop() error

	// SetAddress commits a device address to the controller. The stack
	// calls it only after the status stage of SET_ADDRESS.
	SetAddress(address uint8) error

	// ConfigureEndpoints programs the endpoint set of the active
	// configuration. An empty slice disables every non-control endpoint.
	ConfigureEndpoints(endpoints []EndpointConfig) error

	// ReadSetup blocks until a SETUP packet arrives. A bus reset is
	// reported as pkg.ErrReset.
	ReadSetup(ctx context.Context, out *SetupPacket) error

	// WriteEP0 sends the IN data stage.
	WriteEP0(ctx context.Context, data []byte) error

	// ReadEP0 receives an OUT data stage or, with an empty buf, the
	// zero-length OUT status stage.
	ReadEP0(ctx context.Context, buf []byte) (int, error)

	// StallEP0 stalls both directions of the control endpoint. The stall
	// clears when the next SETUP arrives.
	StallEP0() error

	// AckEP0 sends the zero-length IN status stage.
	AckEP0() error

	// Read receives from an OUT endpoint.
	Read(ctx context.Context, address uint8, buf []byte) (int, error)

	// Write sends to an IN endpoint.
	Write(ctx context.Context, address uint8, data []byte) (int, error)

	// Stall halts a data endpoint.
	Stall(address uint8) error

	// ClearStall clears the halt on a data endpoint and resets its toggle.
	ClearStall(address uint8) error

	IsConnected() bool
	GetSpeed() Speed
	WaitConnect(ctx context.Context) error
	WaitDisconnect(ctx context.Context) error
}

// TestModeHAL is implemented by controllers that expose the port test
// control field. The stack writes the selector after the status stage of
// SET_FEATURE(TEST_MODE); without it the request is stalled.
type TestModeHAL interface {
	SetTestMode(selector uint8) error
}

// FrameSource is implemented by controllers that report start-of-frame
// events. The stack installs its SOF dispatcher through it on Start.
type FrameSource interface {
	SetFrameHandler(fn func(frame uint16))
}
