package msc

import "encoding/binary"

// CommandBlockWrapper is the 31-byte command packet of Bulk-Only
// Transport.
type CommandBlockWrapper struct {
	Signature          uint32
	Tag                uint32
	DataTransferLength uint32
	Flags              uint8 // bit 7 set for device to host
	LUN                uint8
	CBLength           uint8
	CB                 [16]byte
}

// ParseCBW decodes a CBW into out. It returns false if data is short, the
// signature is wrong or the command block length is out of range.
func ParseCBW(data []byte, out *CommandBlockWrapper) bool {
	if len(data) < CBWSize {
		return false
	}
	sig := binary.LittleEndian.Uint32(data[0:4])
	if sig != CBWSignature || data[14]&0x1F > 16 {
		return false
	}
	out.Signature = sig
	out.Tag = binary.LittleEndian.Uint32(data[4:8])
	out.DataTransferLength = binary.LittleEndian.Uint32(data[8:12])
	out.Flags = data[12]
	out.LUN = data[13] & 0x0F
	out.CBLength = data[14] & 0x1F
	copy(out.CB[:], data[15:31])
	return true
}

// MarshalTo writes the CBW to buf and returns 31, or 0 if buf is too
// small.
func (cbw *CommandBlockWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CBWSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf[0:4], CBWSignature)
	binary.LittleEndian.PutUint32(buf[4:8], cbw.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], cbw.DataTransferLength)
	buf[12] = cbw.Flags
	buf[13] = cbw.LUN & 0x0F
	buf[14] = cbw.CBLength & 0x1F
	copy(buf[15:31], cbw.CB[:])
	return CBWSize
}

// IsDataIn reports whether the data phase runs device to host.
func (cbw *CommandBlockWrapper) IsDataIn() bool {
	return cbw.Flags&CBWFlagDataIn != 0
}

// CommandStatusWrapper is the 13-byte status packet of Bulk-Only
// Transport.
type CommandStatusWrapper struct {
	Signature   uint32
	Tag         uint32 // echoes the CBW tag
	DataResidue uint32
	Status      uint8
}

// MarshalTo writes the CSW to buf and returns 13, or 0 if buf is too
// small.
func (csw *CommandStatusWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CSWSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf[0:4], csw.Signature)
	binary.LittleEndian.PutUint32(buf[4:8], csw.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], csw.DataResidue)
	buf[12] = csw.Status
	return CSWSize
}

// ParseCSW decodes a CSW into out. It returns false if data is short or
// the signature is wrong.
func ParseCSW(data []byte, out *CommandStatusWrapper) bool {
	if len(data) < CSWSize {
		return false
	}
	out.Signature = binary.LittleEndian.Uint32(data[0:4])
	if out.Signature != CSWSignature {
		return false
	}
	out.Tag = binary.LittleEndian.Uint32(data[4:8])
	out.DataResidue = binary.LittleEndian.Uint32(data[8:12])
	out.Status = data[12]
	return true
}
