package cdc

import "encoding/binary"

// Class-specific descriptor types.
const (
	DescriptorTypeCSInterface = 0x24
	DescriptorTypeCSEndpoint  = 0x25
)

// Functional descriptor subtypes emitted by the ACM function.
const (
	SubtypeHeader         = 0x00
	SubtypeCallManagement = 0x01
	SubtypeACM            = 0x02
	SubtypeUnion          = 0x06
)

// Class codes.
const (
	ClassCDC     = 0x02
	ClassCDCData = 0x0A
)

// Subclass codes.
const (
	SubclassNone = 0x00
	SubclassACM  = 0x02
)

// Protocol codes.
const (
	ProtocolNone = 0x00
	ProtocolAT   = 0x01 // V.250
)

// Class request codes.
const (
	RequestSendEncapsulatedCommand = 0x00
	RequestGetEncapsulatedResponse = 0x01
	RequestSetLineCoding           = 0x20
	RequestGetLineCoding           = 0x21
	RequestSetControlLineState     = 0x22
	RequestSendBreak               = 0x23
)

// Notification codes.
const (
	NotificationNetworkConnection = 0x00
	NotificationResponseAvailable = 0x01
	NotificationSerialState       = 0x20
)

// LineCoding is the 7-byte line coding structure of
// SET_LINE_CODING and GET_LINE_CODING.
type LineCoding struct {
	DTERate    uint32 // baud
	CharFormat uint8  // stop bits: 0=1, 1=1.5, 2=2
	ParityType uint8  // 0=None, 1=Odd, 2=Even, 3=Mark, 4=Space
	DataBits   uint8  // 5, 6, 7, 8 or 16
}

// LineCodingSize is the size of LineCoding in bytes.
const LineCodingSize = 7

// Stop bit values.
const (
	StopBits1   = 0
	StopBits1_5 = 1
	StopBits2   = 2
)

// Parity values.
const (
	ParityNone  = 0
	ParityOdd   = 1
	ParityEven  = 2
	ParityMark  = 3
	ParitySpace = 4
)

// SET_CONTROL_LINE_STATE bits.
const (
	ControlLineDTR = 1 << 0
	ControlLineRTS = 1 << 1
)

// SERIAL_STATE bits.
const (
	SerialStateRxCarrier  = 1 << 0 // DCD
	SerialStateTxCarrier  = 1 << 1 // DSR
	SerialStateBreak      = 1 << 2
	SerialStateRingSignal = 1 << 3
	SerialStateFraming    = 1 << 4
	SerialStateParity     = 1 << 5
	SerialStateOverrun    = 1 << 6
)

// DefaultLineCoding is 115200 8N1.
var DefaultLineCoding = LineCoding{
	DTERate:    115200,
	CharFormat: StopBits1,
	ParityType: ParityNone,
	DataBits:   8,
}

// MarshalTo writes the line coding to buf and returns 7, or 0 if buf is
// too small.
func (lc *LineCoding) MarshalTo(buf []byte) int {
	if len(buf) < LineCodingSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf[0:4], lc.DTERate)
	buf[4] = lc.CharFormat
	buf[5] = lc.ParityType
	buf[6] = lc.DataBits
	return LineCodingSize
}

// ParseLineCoding decodes data into out. It returns false if data is too
// short.
func ParseLineCoding(data []byte, out *LineCoding) bool {
	if len(data) < LineCodingSize {
		return false
	}
	out.DTERate = binary.LittleEndian.Uint32(data[0:4])
	out.CharFormat = data[4]
	out.ParityType = data[5]
	out.DataBits = data[6]
	return true
}

// Call management capability bits.
const (
	CallMgmtHandlesCallManagement = 1 << 0
	CallMgmtCallMgmtOverDataClass = 1 << 1
)

// ACM capability bits.
const (
	ACMCapCommFeature = 1 << 0
	ACMCapLineCoding  = 1 << 1 // also SET_CONTROL_LINE_STATE and SERIAL_STATE
	ACMCapSendBreak   = 1 << 2
	ACMCapNetworkConn = 1 << 3
)

// FunctionalDescriptorsSize is the length of the functional descriptor
// block written by FunctionalDescriptorsTo.
const FunctionalDescriptorsSize = 5 + 5 + 4 + 5

// FunctionalDescriptorsTo writes the Header, Call Management, ACM and
// Union functional descriptors of an ACM function whose control interface
// is control and data interface is data. It returns 0 if buf is too small.
func FunctionalDescriptorsTo(buf []byte, control, data, acmCaps uint8) int {
	if len(buf) < FunctionalDescriptorsSize {
		return 0
	}
	copy(buf, []byte{
		// Header, CDC 1.10
		5, DescriptorTypeCSInterface, SubtypeHeader, 0x10, 0x01,
		// Call Management
		5, DescriptorTypeCSInterface, SubtypeCallManagement, 0, data,
		// Abstract Control Management
		4, DescriptorTypeCSInterface, SubtypeACM, acmCaps,
		// Union
		5, DescriptorTypeCSInterface, SubtypeUnion, control, data,
	})
	return FunctionalDescriptorsSize
}
