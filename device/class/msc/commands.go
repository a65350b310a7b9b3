package msc

import (
	"encoding/binary"

	"github.com/ardnew/usbcore/pkg"
)

// execute runs one SCSI command. It returns the CSW status and the IN
// data, or dataOut set when the command continues with a data-out phase.
func (m *MSC) execute(cbw *CommandBlockWrapper) (status uint8, resp []byte, dataOut bool) {
	switch cbw.CB[0] {
	case SCSITestUnitReady:
		return m.testUnitReady(), nil, false
	case SCSIRequestSense:
		status, resp = m.requestSense(cbw)
	case SCSIInquiry:
		status, resp = m.inquire(cbw)
	case SCSIReadCapacity10:
		status, resp = m.readCapacity10()
	case SCSIRead10:
		status, resp = m.read10(cbw)
	case SCSIWrite10:
		return m.write10(cbw)
	case SCSIModeSense6:
		status, resp = m.modeSense6(cbw)
	case SCSIPreventAllowRemoval:
		status = m.preventAllowRemoval(cbw)
	case SCSIStartStopUnit:
		status = m.startStopUnit(cbw)
	case SCSISynchronizeCache10:
		status = m.synchronizeCache()
	case SCSIVerify10:
		status = m.ready()
	case SCSIReadFormatCapacities:
		status, resp = m.readFormatCapacities(cbw)
	case SCSIServiceActionIn16:
		if cbw.CB[1]&0x1F == ServiceActionReadCapacity16 {
			status, resp = m.readCapacity16(cbw)
			break
		}
		fallthrough
	default:
		pkg.LogDebug(pkg.ComponentClass, "unsupported SCSI command", "opcode", cbw.CB[0])
		m.setSense(SenseIllegalRequest, ASCInvalidCommand, 0)
		status = CSWStatusFailed
	}
	return status, resp, false
}

// ready checks for media and sets the sense data accordingly.
func (m *MSC) ready() uint8 {
	if !m.storage.IsPresent() {
		m.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		return CSWStatusFailed
	}
	m.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
	return CSWStatusGood
}

func (m *MSC) testUnitReady() uint8 {
	return m.ready()
}

func (m *MSC) requestSense(cbw *CommandBlockWrapper) (uint8, []byte) {
	key, asc, ascq := m.sense()
	resp := NewRequestSenseResponse(key, asc, ascq)
	n := resp.MarshalTo(m.dataBuf[:])
	if alloc := int(cbw.CB[4]); alloc < n {
		n = alloc
	}
	m.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
	return CSWStatusGood, m.dataBuf[:n]
}

func (m *MSC) inquire(cbw *CommandBlockWrapper) (uint8, []byte) {
	n := m.inquiry.MarshalTo(m.dataBuf[:])
	if alloc := int(binary.BigEndian.Uint16(cbw.CB[3:5])); alloc < n {
		n = alloc
	}
	return CSWStatusGood, m.dataBuf[:n]
}

func (m *MSC) readCapacity10() (uint8, []byte) {
	if m.ready() != CSWStatusGood {
		return CSWStatusFailed, nil
	}
	last := m.storage.BlockCount() - 1
	if last > 0xFFFFFFFF {
		last = 0xFFFFFFFF
	}
	resp := ReadCapacity10Response{
		LastLBA:     uint32(last),
		BlockLength: m.storage.BlockSize(),
	}
	n := resp.MarshalTo(m.dataBuf[:])
	return CSWStatusGood, m.dataBuf[:n]
}

func (m *MSC) readCapacity16(cbw *CommandBlockWrapper) (uint8, []byte) {
	if m.ready() != CSWStatusGood {
		return CSWStatusFailed, nil
	}
	resp := ReadCapacity16Response{
		LastLBA:     m.storage.BlockCount() - 1,
		BlockLength: m.storage.BlockSize(),
	}
	n := resp.MarshalTo(m.dataBuf[:])
	if alloc := int(binary.BigEndian.Uint32(cbw.CB[10:14])); alloc < n {
		n = alloc
	}
	return CSWStatusGood, m.dataBuf[:n]
}

// blockRange decodes the LBA and block count of a READ(10) or WRITE(10)
// and checks them against the medium and the transfer buffer.
func (m *MSC) blockRange(cbw *CommandBlockWrapper) (lba uint64, blocks uint32, ok bool) {
	lba = uint64(binary.BigEndian.Uint32(cbw.CB[2:6]))
	blocks = uint32(binary.BigEndian.Uint16(cbw.CB[7:9]))
	if lba+uint64(blocks) > m.storage.BlockCount() {
		m.setSense(SenseIllegalRequest, ASCLBAOutOfRange, 0)
		return 0, 0, false
	}
	if blocks*m.storage.BlockSize() > MaxTransferSize {
		m.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
		return 0, 0, false
	}
	return lba, blocks, true
}

func (m *MSC) read10(cbw *CommandBlockWrapper) (uint8, []byte) {
	if m.ready() != CSWStatusGood {
		return CSWStatusFailed, nil
	}
	lba, blocks, ok := m.blockRange(cbw)
	if !ok {
		return CSWStatusFailed, nil
	}
	if blocks == 0 {
		return CSWStatusGood, nil
	}

	pkg.LogDebug(pkg.ComponentClass, "READ(10)", "lba", lba, "blocks", blocks)

	size := blocks * m.storage.BlockSize()
	read, err := m.storage.Read(lba, blocks, m.dataBuf[:size])
	if err != nil {
		pkg.LogWarn(pkg.ComponentClass, "read error", "error", err)
		m.setSense(SenseMediumError, ASCNoAdditionalInfo, 0)
		return CSWStatusFailed, nil
	}
	return CSWStatusGood, m.dataBuf[:read*m.storage.BlockSize()]
}

func (m *MSC) write10(cbw *CommandBlockWrapper) (uint8, []byte, bool) {
	if m.ready() != CSWStatusGood {
		return CSWStatusFailed, nil, false
	}
	if m.storage.IsReadOnly() {
		m.setSense(SenseDataProtect, ASCWriteProtected, 0)
		return CSWStatusFailed, nil, false
	}
	lba, blocks, ok := m.blockRange(cbw)
	if !ok {
		return CSWStatusFailed, nil, false
	}
	size := blocks * m.storage.BlockSize()
	if blocks == 0 || cbw.IsDataIn() || cbw.DataTransferLength < size {
		if blocks != 0 {
			m.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
			return CSWStatusPhaseError, nil, false
		}
		return CSWStatusGood, nil, false
	}

	pkg.LogDebug(pkg.ComponentClass, "WRITE(10)", "lba", lba, "blocks", blocks)

	m.writeLBA = lba
	m.writeBytes = size
	m.outBytes = 0
	return CSWStatusGood, nil, true
}

func (m *MSC) modeSense6(cbw *CommandBlockWrapper) (uint8, []byte) {
	resp := ModeSense6Response{ModeDataLength: 3}
	if m.storage.IsReadOnly() {
		resp.DeviceParam = 0x80
	}
	n := resp.MarshalTo(m.dataBuf[:])
	if alloc := int(cbw.CB[4]); alloc < n {
		n = alloc
	}
	return CSWStatusGood, m.dataBuf[:n]
}

func (m *MSC) preventAllowRemoval(cbw *CommandBlockWrapper) uint8 {
	pkg.LogDebug(pkg.ComponentClass, "PREVENT/ALLOW MEDIUM REMOVAL",
		"prevent", cbw.CB[4]&0x01)
	m.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
	return CSWStatusGood
}

func (m *MSC) startStopUnit(cbw *CommandBlockWrapper) uint8 {
	start := cbw.CB[4]&0x01 != 0
	loej := cbw.CB[4]&0x02 != 0

	if loej && !start && m.storage.IsRemovable() {
		if err := m.storage.Eject(); err != nil {
			m.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
			return CSWStatusFailed
		}
	}
	m.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
	return CSWStatusGood
}

func (m *MSC) synchronizeCache() uint8 {
	if err := m.storage.Sync(); err != nil {
		m.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
		return CSWStatusFailed
	}
	m.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
	return CSWStatusGood
}

func (m *MSC) readFormatCapacities(cbw *CommandBlockWrapper) (uint8, []byte) {
	if m.ready() != CSWStatusGood {
		return CSWStatusFailed, nil
	}
	header := ReadFormatCapacitiesHeader{CapacityLength: 8}
	n := header.MarshalTo(m.dataBuf[:])
	desc := CurrentMaximumCapacityDescriptor{
		BlockCount:  uint32(m.storage.BlockCount()),
		DescType:    0x02, // formatted media
		BlockLength: m.storage.BlockSize(),
	}
	n += desc.MarshalTo(m.dataBuf[n:])
	if alloc := int(binary.BigEndian.Uint16(cbw.CB[7:9])); alloc < n {
		n = alloc
	}
	return CSWStatusGood, m.dataBuf[:n]
}
