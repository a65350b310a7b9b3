package msc

import "encoding/binary"

// InquiryResponse is standard INQUIRY data.
type InquiryResponse struct {
	DeviceType     uint8
	Removable      bool
	Version        uint8
	ResponseFormat uint8
	VendorID       [8]byte  // space padded ASCII
	ProductID      [16]byte // space padded ASCII
	ProductRev     [4]byte  // space padded ASCII
}

// MarshalTo writes the 36-byte INQUIRY data to buf. It returns 0 if buf is
// too small.
func (r *InquiryResponse) MarshalTo(buf []byte) int {
	if len(buf) < InquiryStandardSize {
		return 0
	}
	clear(buf[:InquiryStandardSize])
	buf[0] = r.DeviceType
	if r.Removable {
		buf[1] = InquiryRMB
	}
	buf[2] = r.Version
	buf[3] = r.ResponseFormat
	buf[4] = InquiryStandardSize - 5
	copy(buf[8:16], r.VendorID[:])
	copy(buf[16:32], r.ProductID[:])
	copy(buf[32:36], r.ProductRev[:])
	return InquiryStandardSize
}

// NewInquiryResponse builds INQUIRY data for an SPC-4 device.
func NewInquiryResponse(deviceType uint8, removable bool, vendor, product, revision string) *InquiryResponse {
	resp := &InquiryResponse{
		DeviceType:     deviceType,
		Removable:      removable,
		Version:        InquiryVersionSPC4,
		ResponseFormat: InquiryResponseFormatSPC,
	}
	padTo(resp.VendorID[:], vendor)
	padTo(resp.ProductID[:], product)
	padTo(resp.ProductRev[:], revision)
	return resp
}

// ReadCapacity10Response is the READ CAPACITY (10) parameter data.
type ReadCapacity10Response struct {
	LastLBA     uint32
	BlockLength uint32
}

// MarshalTo writes the 8-byte response to buf.
func (r *ReadCapacity10Response) MarshalTo(buf []byte) int {
	if len(buf) < 8 {
		return 0
	}
	binary.BigEndian.PutUint32(buf[0:4], r.LastLBA)
	binary.BigEndian.PutUint32(buf[4:8], r.BlockLength)
	return 8
}

// ReadCapacity16Response is the READ CAPACITY (16) parameter data.
type ReadCapacity16Response struct {
	LastLBA     uint64
	BlockLength uint32
}

// MarshalTo writes the 32-byte response to buf.
func (r *ReadCapacity16Response) MarshalTo(buf []byte) int {
	if len(buf) < 32 {
		return 0
	}
	clear(buf[:32])
	binary.BigEndian.PutUint64(buf[0:8], r.LastLBA)
	binary.BigEndian.PutUint32(buf[8:12], r.BlockLength)
	return 32
}

// RequestSenseSize is the size of fixed-format sense data.
const RequestSenseSize = 18

// RequestSenseResponse is fixed-format sense data.
type RequestSenseResponse struct {
	ResponseCode uint8 // 0x70 current errors
	SenseKey     uint8
	Information  uint32
	ASC          uint8
	ASCQ         uint8
}

// MarshalTo writes the 18-byte sense data to buf.
func (r *RequestSenseResponse) MarshalTo(buf []byte) int {
	if len(buf) < RequestSenseSize {
		return 0
	}
	clear(buf[:RequestSenseSize])
	buf[0] = r.ResponseCode
	buf[2] = r.SenseKey & 0x0F
	binary.BigEndian.PutUint32(buf[3:7], r.Information)
	buf[7] = RequestSenseSize - 8
	buf[12] = r.ASC
	buf[13] = r.ASCQ
	return RequestSenseSize
}

// NewRequestSenseResponse builds current-error sense data.
func NewRequestSenseResponse(key, asc, ascq uint8) *RequestSenseResponse {
	return &RequestSenseResponse{
		ResponseCode: 0x70,
		SenseKey:     key & 0x0F,
		ASC:          asc,
		ASCQ:         ascq,
	}
}

// ModeSense6Response is the MODE SENSE (6) header without pages.
type ModeSense6Response struct {
	ModeDataLength uint8
	MediumType     uint8
	DeviceParam    uint8 // bit 7 write protect
	BlockDescLen   uint8
}

// MarshalTo writes the 4-byte header to buf.
func (r *ModeSense6Response) MarshalTo(buf []byte) int {
	if len(buf) < 4 {
		return 0
	}
	buf[0] = r.ModeDataLength
	buf[1] = r.MediumType
	buf[2] = r.DeviceParam
	buf[3] = r.BlockDescLen
	return 4
}

// ReadFormatCapacitiesHeader is the capacity list header.
type ReadFormatCapacitiesHeader struct {
	CapacityLength uint8
}

// MarshalTo writes the 4-byte header to buf.
func (r *ReadFormatCapacitiesHeader) MarshalTo(buf []byte) int {
	if len(buf) < 4 {
		return 0
	}
	buf[0], buf[1], buf[2] = 0, 0, 0
	buf[3] = r.CapacityLength
	return 4
}

// CurrentMaximumCapacityDescriptor is one entry of the capacity list.
type CurrentMaximumCapacityDescriptor struct {
	BlockCount  uint32
	DescType    uint8
	BlockLength uint32 // 24 bits on the wire
}

// MarshalTo writes the 8-byte descriptor to buf.
func (d *CurrentMaximumCapacityDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < 8 {
		return 0
	}
	binary.BigEndian.PutUint32(buf[0:4], d.BlockCount)
	buf[4] = d.DescType
	buf[5] = uint8(d.BlockLength >> 16)
	buf[6] = uint8(d.BlockLength >> 8)
	buf[7] = uint8(d.BlockLength)
	return 8
}

// padTo copies s into dst and pads the rest with spaces.
func padTo(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}
