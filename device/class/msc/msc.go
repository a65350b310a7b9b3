package msc

import (
	"context"
	"sync"

	"github.com/ardnew/usbcore/device"
	"github.com/ardnew/usbcore/pkg"
)

// botState is the Bulk-Only Transport phase the function is in.
type botState uint8

const (
	botCommand botState = iota // waiting for a CBW
	botDataOut                 // receiving WRITE data
	botStatus                  // CSW owed once the bulk IN halt clears
	botError                   // invalid CBW, waiting for reset recovery
)

func (s botState) String() string {
	switch s {
	case botCommand:
		return "Command"
	case botDataOut:
		return "DataOut"
	case botStatus:
		return "Status"
	case botError:
		return "Error"
	default:
		return "Unknown"
	}
}

// MSC is the Mass Storage Bulk-Only Transport function. It is driven by
// DataOut events from the bulk OUT endpoint: each CBW is executed as it
// arrives, IN data and the CSW are written from the same event, and WRITE
// data is collected across events until the transfer is complete.
type MSC struct {
	iface     *device.Interface
	bulkInEP  *device.Endpoint
	bulkOutEP *device.Endpoint
	io        device.EndpointIO

	storage Storage
	inquiry InquiryResponse
	maxLUN  uint8

	ctx    context.Context
	cancel context.CancelFunc

	mutex      sync.RWMutex
	configured bool
	state      botState
	owed       CommandStatusWrapper

	// Sense data reported by the next REQUEST SENSE.
	senseKey uint8
	asc      uint8
	ascq     uint8

	// Current command, owned by the DataOut goroutine.
	cbw        CommandBlockWrapper
	writeLBA   uint64
	writeBytes uint32 // bytes to commit to storage
	outBytes   uint32 // bytes received in the data phase

	dataBuf [MaxTransferSize]byte
}

// New creates an MSC function over storage. vendorID and productID are
// the 8 and 16 character INQUIRY identification strings.
func New(storage Storage, vendorID, productID string) *MSC {
	m := &MSC{
		storage: storage,
		inquiry: *NewInquiryResponse(
			DeviceTypeDisk,
			storage.IsRemovable(),
			vendorID,
			productID,
			"1.0",
		),
	}
	m.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
	return m
}

// SetStack sets the data path.
func (m *MSC) SetStack(io device.EndpointIO) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.io = io
}

// SetMaxLUN sets the highest logical unit number (0-15).
func (m *MSC) SetMaxLUN(lun uint8) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if lun <= 15 {
		m.maxLUN = lun
	}
}

// Storage returns the backing store.
func (m *MSC) Storage() Storage {
	return m.storage
}

// IsConfigured reports whether the host selected the MSC configuration.
func (m *MSC) IsConfigured() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.configured
}

func (m *MSC) currentState() botState {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.state
}

func (m *MSC) setState(state botState) {
	m.mutex.Lock()
	old := m.state
	m.state = state
	m.mutex.Unlock()
	if old != state {
		pkg.LogDebug(pkg.ComponentClass, "BOT state",
			"from", old.String(),
			"to", state.String())
	}
}

// Init binds the bulk endpoints and waits for the first CBW.
func (m *MSC) Init(iface *device.Interface) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.iface = iface
	m.bulkInEP, m.bulkOutEP = nil, nil
	for _, ep := range iface.Endpoints() {
		if !ep.IsBulk() {
			continue
		}
		if ep.IsIn() {
			m.bulkInEP = ep
		} else {
			m.bulkOutEP = ep
		}
	}
	if m.bulkInEP == nil || m.bulkOutEP == nil {
		return pkg.ErrInvalidEndpoint
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.state = botCommand
	m.configured = true
	pkg.LogDebug(pkg.ComponentClass, "MSC configured",
		"interface", iface.Number,
		"bulkIn", m.bulkInEP.Address,
		"bulkOut", m.bulkOutEP.Address)
	return nil
}

// DeInit aborts any command in progress.
func (m *MSC) DeInit(iface *device.Interface) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
	m.configured = false
	m.state = botCommand
	m.bulkInEP, m.bulkOutEP = nil, nil
	return nil
}

// Setup answers Bulk-Only Mass Storage Reset and Get Max LUN, and
// completes reset recovery when the host clears a bulk endpoint halt.
func (m *MSC) Setup(iface *device.Interface, setup *device.SetupPacket, data []byte) ([]byte, error) {
	if setup.IsStandard() &&
		setup.Recipient() == device.RequestRecipientEndpoint &&
		setup.Request == device.RequestClearFeature {
		m.haltCleared(setup.EndpointAddress())
		return nil, nil
	}
	if !setup.IsClass() || setup.Recipient() != device.RequestRecipientInterface {
		return nil, pkg.ErrNotSupported
	}

	switch setup.Request {
	case RequestBulkOnlyMassStorageReset:
		if setup.Value != 0 || setup.Length != 0 {
			return nil, pkg.ErrInvalidRequest
		}
		pkg.LogDebug(pkg.ComponentClass, "MSC reset")
		m.setState(botCommand)
		return nil, nil

	case RequestGetMaxLUN:
		if setup.Value != 0 || setup.Length != 1 {
			return nil, pkg.ErrInvalidRequest
		}
		m.mutex.RLock()
		lun := m.maxLUN
		m.mutex.RUnlock()
		return []byte{lun}, nil

	default:
		return nil, pkg.ErrNotSupported
	}
}

// haltCleared re-arms the transport after the host cleared a halt on one
// of the bulk endpoints.
func (m *MSC) haltCleared(address uint8) {
	m.mutex.Lock()
	state := m.state
	isIn := m.bulkInEP != nil && m.bulkInEP.Address == address
	isOut := m.bulkOutEP != nil && m.bulkOutEP.Address == address
	owed := m.owed
	ctx := m.ctx
	switch {
	case isIn && state == botStatus:
		m.state = botCommand
	case isOut && (state == botError || state == botDataOut):
		m.state = botCommand
	}
	m.mutex.Unlock()

	if isIn && state == botStatus {
		// The CSW goes out after the status stage of this request.
		go func() {
			if err := m.writeCSW(ctx, owed.Tag, owed.DataResidue, owed.Status); err != nil {
				pkg.LogWarn(pkg.ComponentClass, "owed CSW failed", "error", err)
			}
		}()
	}
}

// SetAlternate accepts only alternate setting 0.
func (m *MSC) SetAlternate(iface *device.Interface, alt uint8) error {
	if alt != 0 {
		return pkg.ErrInvalidRequest
	}
	return nil
}

// DataOut advances the transport with one packet from the bulk OUT
// endpoint.
func (m *MSC) DataOut(iface *device.Interface, ep uint8, data []byte) error {
	switch m.currentState() {
	case botCommand:
		return m.command(data)
	case botDataOut:
		return m.receive(data)
	default:
		pkg.LogDebug(pkg.ComponentClass, "unexpected bulk OUT data",
			"state", m.currentState().String(),
			"len", len(data))
		return pkg.ErrProtocol
	}
}

// Close releases the driver.
func (m *MSC) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
	m.iface = nil
	m.bulkInEP = nil
	m.bulkOutEP = nil
	m.io = nil
	m.configured = false
	return nil
}

func (m *MSC) endpoints() (device.EndpointIO, *device.Endpoint, *device.Endpoint, context.Context) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.io, m.bulkInEP, m.bulkOutEP, m.ctx
}

// command parses and executes a CBW.
func (m *MSC) command(data []byte) error {
	if len(data) != CBWSize || !ParseCBW(data, &m.cbw) {
		pkg.LogWarn(pkg.ComponentClass, "invalid CBW", "len", len(data))
		m.setState(botError)
		io, in, out, _ := m.endpoints()
		if io != nil && in != nil && out != nil {
			_ = io.Halt(in)
			_ = io.Halt(out)
		}
		return pkg.ErrProtocol
	}

	cbw := &m.cbw
	pkg.LogDebug(pkg.ComponentClass, "CBW",
		"tag", cbw.Tag,
		"dataLen", cbw.DataTransferLength,
		"flags", cbw.Flags,
		"lun", cbw.LUN,
		"opcode", cbw.CB[0])

	m.mutex.RLock()
	maxLUN := m.maxLUN
	m.mutex.RUnlock()
	if cbw.LUN > maxLUN || cbw.CBLength == 0 {
		m.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
		return m.complete(CSWStatusFailed, nil)
	}

	status, resp, dataOut := m.execute(cbw)
	if dataOut {
		m.setState(botDataOut)
		return nil
	}
	return m.complete(status, resp)
}

// complete runs the IN data phase, if any, and the status phase of the
// current command. A phase the host expected but the device cannot fill
// is ended with a halt: on bulk IN the CSW is then owed until the host
// clears it, on bulk OUT the CSW follows at once.
func (m *MSC) complete(status uint8, resp []byte) error {
	cbw := &m.cbw
	expected := cbw.DataTransferLength
	io, in, out, ctx := m.endpoints()
	if io == nil || in == nil || out == nil {
		return pkg.ErrNotConfigured
	}

	if len(resp) > 0 && (!cbw.IsDataIn() || expected == 0) {
		// Device has data the host did not ask for.
		status, resp = CSWStatusPhaseError, nil
	}
	if uint32(len(resp)) > expected {
		resp = resp[:expected]
	}

	if len(resp) > 0 {
		if _, err := io.Write(ctx, in, resp); err != nil {
			return err
		}
	}
	residue := expected - uint32(len(resp))

	if residue > 0 && len(resp) == 0 {
		if cbw.IsDataIn() {
			m.owe(status, residue)
			return io.Halt(in)
		}
		if err := io.Halt(out); err != nil {
			return err
		}
	}
	return m.writeCSW(ctx, cbw.Tag, residue, status)
}

func (m *MSC) owe(status uint8, residue uint32) {
	m.mutex.Lock()
	m.owed = CommandStatusWrapper{
		Signature:   CSWSignature,
		Tag:         m.cbw.Tag,
		DataResidue: residue,
		Status:      status,
	}
	m.state = botStatus
	m.mutex.Unlock()
}

// receive collects WRITE data. Data beyond the blocks being written is
// counted toward the residue and dropped.
func (m *MSC) receive(data []byte) error {
	expected := m.cbw.DataTransferLength
	if m.outBytes < m.writeBytes {
		copy(m.dataBuf[m.outBytes:m.writeBytes], data)
	}
	m.outBytes += uint32(len(data))

	_, _, out, ctx := m.endpoints()
	short := out != nil && len(data) < int(out.MaxPacketSize)
	if m.outBytes < expected && !short {
		return nil
	}
	m.setState(botCommand)

	status := uint8(CSWStatusGood)
	committed := uint32(0)
	if m.outBytes < m.writeBytes {
		m.setSense(SenseAbortedCommand, ASCNoAdditionalInfo, 0)
		status = CSWStatusFailed
	} else {
		blockSize := m.storage.BlockSize()
		blocks, err := m.storage.Write(m.writeLBA, m.writeBytes/blockSize, m.dataBuf[:m.writeBytes])
		if err != nil {
			pkg.LogWarn(pkg.ComponentClass, "write error", "error", err)
			m.setSense(SenseMediumError, ASCNoAdditionalInfo, 0)
			status = CSWStatusFailed
		} else {
			committed = blocks * blockSize
			m.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
		}
	}

	residue := uint32(0)
	if expected > committed {
		residue = expected - committed
	}
	return m.writeCSW(ctx, m.cbw.Tag, residue, status)
}

func (m *MSC) writeCSW(ctx context.Context, tag, residue uint32, status uint8) error {
	io, in, _, _ := m.endpoints()
	if io == nil || in == nil {
		return pkg.ErrNotConfigured
	}
	csw := CommandStatusWrapper{
		Signature:   CSWSignature,
		Tag:         tag,
		DataResidue: residue,
		Status:      status,
	}
	var buf [CSWSize]byte
	n := csw.MarshalTo(buf[:])
	if _, err := io.Write(ctx, in, buf[:n]); err != nil {
		return err
	}
	pkg.LogDebug(pkg.ComponentClass, "CSW",
		"tag", tag,
		"residue", residue,
		"status", status)
	return nil
}

func (m *MSC) setSense(key, asc, ascq uint8) {
	m.mutex.Lock()
	m.senseKey, m.asc, m.ascq = key, asc, ascq
	m.mutex.Unlock()
}

func (m *MSC) sense() (key, asc, ascq uint8) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.senseKey, m.asc, m.ascq
}

// ConfigureDevice adds the MSC interface with two bulk endpoints to the
// builder's configuration and installs m on it.
func (m *MSC) ConfigureDevice(builder *device.DeviceBuilder, bulkInEPAddr, bulkOutEPAddr uint8) *device.DeviceBuilder {
	return builder.
		AddInterface(ClassMSC, SubclassSCSI, ProtocolBulkOnly).
		AddEndpoint(bulkInEPAddr|device.EndpointDirectionIn, device.EndpointTypeBulk, 64, 0).
		AddEndpoint(bulkOutEPAddr&0x0F, device.EndpointTypeBulk, 64, 0).
		WithClassDriver(m)
}

var (
	_ device.ClassDriver    = (*MSC)(nil)
	_ device.DataOutHandler = (*MSC)(nil)
)
