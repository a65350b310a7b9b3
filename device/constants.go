package device

import "fmt"

// Fixed capacities. The stack keeps every table in arrays of these sizes.
const (
	MaxEndpointsPerInterface      = 16
	MaxInterfacesPerConfiguration = 8
	MaxConfigurations             = 4
	MaxStrings                    = 16

	// MaxDeviceAddress is the highest address SET_ADDRESS may assign.
	MaxDeviceAddress = 127
)

// Speed represents USB connection speed.
type Speed uint8

// Bus speeds.
const (
	SpeedLow  Speed = 0 // 1.5 Mbit/s
	SpeedFull Speed = 1 // 12 Mbit/s
	SpeedHigh Speed = 2 // 480 Mbit/s
)

// String returns a human-readable speed description.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed (1.5 Mbps)"
	case SpeedFull:
		return "Full Speed (12 Mbps)"
	case SpeedHigh:
		return "High Speed (480 Mbps)"
	default:
		return fmt.Sprintf("Unknown Speed (%d)", s)
	}
}

// MaxPacketSize0 returns the largest legal EP0 packet size at this speed.
func (s Speed) MaxPacketSize0() uint16 {
	if s == SpeedLow {
		return 8
	}
	return 64
}

// State is the chapter 9 visible device state.
type State uint8

// Device states. StateAddress is the ADDRESSED state.
const (
	StateAttached State = iota
	StatePowered
	StateDefault
	StateAddress
	StateConfigured
	StateSuspended
)

// String returns a human-readable state description.
func (s State) String() string {
	switch s {
	case StateAttached:
		return "Attached"
	case StatePowered:
		return "Powered"
	case StateDefault:
		return "Default"
	case StateAddress:
		return "Address"
	case StateConfigured:
		return "Configured"
	case StateSuspended:
		return "Suspended"
	default:
		return fmt.Sprintf("Unknown State (%d)", s)
	}
}

// ControlStage tracks where the single in-flight control transfer is.
type ControlStage uint8

// Control transfer stages.
const (
	StageIdle ControlStage = iota
	StageDataIn
	StageDataOut
	StageStatusIn
	StageStatusOut
	StageStalled
)

// String returns the stage name.
func (s ControlStage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageDataIn:
		return "data-in"
	case StageDataOut:
		return "data-out"
	case StageStatusIn:
		return "status-in"
	case StageStatusOut:
		return "status-out"
	case StageStalled:
		return "stalled"
	default:
		return fmt.Sprintf("stage(%d)", s)
	}
}
