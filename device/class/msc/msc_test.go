package msc

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbcore/device"
	"github.com/ardnew/usbcore/pkg"
)

const (
	testBlockSize = 512
	testBlocks    = 16
)

type fakeIO struct {
	mutex  sync.Mutex
	writes [][]byte
	halted []uint8
}

func (f *fakeIO) Read(context.Context, *device.Endpoint, []byte) (int, error) {
	return 0, pkg.ErrNotSupported
}

func (f *fakeIO) Write(_ context.Context, _ *device.Endpoint, data []byte) (int, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	return len(data), nil
}

func (f *fakeIO) Halt(ep *device.Endpoint) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.halted = append(f.halted, ep.Address)
	return nil
}

// take returns and clears the recorded writes.
func (f *fakeIO) take() [][]byte {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	w := f.writes
	f.writes = nil
	return w
}

func (f *fakeIO) count() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.writes)
}

type fixture struct {
	msc     *MSC
	storage *MemoryStorage
	iface   *device.Interface
	io      *fakeIO
	tag     uint32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	storage := NewMemoryStorage(testBlocks*testBlockSize, testBlockSize)
	m := New(storage, "usbcore", "ramdisk")
	builder := device.NewDeviceBuilder().AddConfiguration(1)
	m.ConfigureDevice(builder, 1, 1)
	dev, err := builder.Build()
	require.NoError(t, err)

	iface := dev.GetConfiguration(1).GetInterface(0)
	require.NoError(t, m.Init(iface))
	io := &fakeIO{}
	m.SetStack(io)
	t.Cleanup(func() { _ = m.Close() })
	return &fixture{msc: m, storage: storage, iface: iface, io: io}
}

// send issues a CBW and returns its tag.
func (f *fixture) send(t *testing.T, length uint32, in bool, cb ...byte) (uint32, error) {
	t.Helper()
	f.tag++
	cbw := CommandBlockWrapper{
		Tag:                f.tag,
		DataTransferLength: length,
		CBLength:           uint8(len(cb)),
	}
	if in {
		cbw.Flags = CBWFlagDataIn
	}
	copy(cbw.CB[:], cb)
	var buf [CBWSize]byte
	cbw.MarshalTo(buf[:])
	return f.tag, f.msc.DataOut(f.iface, 0x01, buf[:])
}

func requireCSW(t *testing.T, data []byte, tag, residue uint32, status uint8) {
	t.Helper()
	var csw CommandStatusWrapper
	require.True(t, ParseCSW(data, &csw), "not a CSW: % x", data)
	assert.Equal(t, tag, csw.Tag)
	assert.Equal(t, residue, csw.DataResidue)
	assert.Equal(t, status, csw.Status)
}

func rw10(op uint8, lba uint32, blocks uint16) []byte {
	cb := make([]byte, 10)
	cb[0] = op
	binary.BigEndian.PutUint32(cb[2:6], lba)
	binary.BigEndian.PutUint16(cb[7:9], blocks)
	return cb
}

func TestMSC_InitRequiresBulkPair(t *testing.T) {
	m := New(NewMemoryStorage(testBlockSize, testBlockSize), "v", "p")
	assert.ErrorIs(t, m.Init(&device.Interface{}), pkg.ErrInvalidEndpoint)
	assert.False(t, m.IsConfigured())
}

func TestMSC_ClassRequests(t *testing.T) {
	f := newFixture(t)
	f.msc.SetMaxLUN(3)

	maxLUN := &device.SetupPacket{RequestType: 0xA1, Request: RequestGetMaxLUN, Length: 1}
	resp, err := f.msc.Setup(f.iface, maxLUN, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{3}, resp)

	_, err = f.msc.Setup(f.iface, &device.SetupPacket{RequestType: 0xA1, Request: RequestGetMaxLUN, Length: 2}, nil)
	assert.ErrorIs(t, err, pkg.ErrInvalidRequest)

	_, err = f.msc.Setup(f.iface, &device.SetupPacket{RequestType: 0x21, Request: RequestBulkOnlyMassStorageReset}, nil)
	assert.NoError(t, err)

	_, err = f.msc.Setup(f.iface, &device.SetupPacket{RequestType: 0x21, Request: 0x42}, nil)
	assert.ErrorIs(t, err, pkg.ErrNotSupported)
}

func TestMSC_Inquiry(t *testing.T) {
	f := newFixture(t)
	tag, err := f.send(t, InquiryStandardSize, true, SCSIInquiry, 0, 0, 0, InquiryStandardSize, 0)
	require.NoError(t, err)

	writes := f.io.take()
	require.Len(t, writes, 2)
	require.Len(t, writes[0], InquiryStandardSize)
	assert.Equal(t, "usbcore ", string(writes[0][8:16]))
	requireCSW(t, writes[1], tag, 0, CSWStatusGood)
}

func TestMSC_WriteThenRead(t *testing.T) {
	f := newFixture(t)

	payload := make([]byte, 2*testBlockSize)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	tag, err := f.send(t, uint32(len(payload)), false, rw10(SCSIWrite10, 3, 2)...)
	require.NoError(t, err)
	assert.Zero(t, f.io.count(), "no CSW before the data phase")

	for off := 0; off < len(payload); off += 64 {
		require.NoError(t, f.msc.DataOut(f.iface, 0x01, payload[off:off+64]))
	}
	writes := f.io.take()
	require.Len(t, writes, 1)
	requireCSW(t, writes[0], tag, 0, CSWStatusGood)

	stored := make([]byte, len(payload))
	_, err = f.storage.Read(3, 2, stored)
	require.NoError(t, err)
	assert.Equal(t, payload, stored)

	tag, err = f.send(t, uint32(len(payload)), true, rw10(SCSIRead10, 3, 2)...)
	require.NoError(t, err)
	writes = f.io.take()
	require.Len(t, writes, 2)
	assert.Equal(t, payload, writes[0])
	requireCSW(t, writes[1], tag, 0, CSWStatusGood)
}

func TestMSC_ReadOutOfRange(t *testing.T) {
	f := newFixture(t)
	tag, err := f.send(t, testBlockSize, true, rw10(SCSIRead10, testBlocks, 1)...)
	require.NoError(t, err)

	// No data for a data-in command: bulk IN halts and the CSW waits.
	assert.Zero(t, f.io.count())
	assert.Equal(t, []uint8{0x81}, f.io.halted)

	clearIn := &device.SetupPacket{
		RequestType: device.RequestRecipientEndpoint,
		Request:     device.RequestClearFeature,
		Index:       0x81,
	}
	_, err = f.msc.Setup(f.iface, clearIn, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.io.count() == 1 }, time.Second, time.Millisecond)
	requireCSW(t, f.io.take()[0], tag, testBlockSize, CSWStatusFailed)

	tag, err = f.send(t, RequestSenseSize, true, SCSIRequestSense, 0, 0, 0, RequestSenseSize, 0)
	require.NoError(t, err)
	writes := f.io.take()
	require.Len(t, writes, 2)
	assert.Equal(t, uint8(SenseIllegalRequest), writes[0][2])
	assert.Equal(t, uint8(ASCLBAOutOfRange), writes[0][12])
	requireCSW(t, writes[1], tag, 0, CSWStatusGood)
}

func TestMSC_WriteProtected(t *testing.T) {
	f := newFixture(t)
	f.storage.SetReadOnly(true)

	tag, err := f.send(t, testBlockSize, false, rw10(SCSIWrite10, 0, 1)...)
	require.NoError(t, err)

	// The host expected to send data: bulk OUT halts and the CSW follows.
	assert.Equal(t, []uint8{0x01}, f.io.halted)
	writes := f.io.take()
	require.Len(t, writes, 1)
	requireCSW(t, writes[0], tag, testBlockSize, CSWStatusFailed)
}

func TestMSC_NotPresent(t *testing.T) {
	f := newFixture(t)
	f.storage.SetPresent(false)

	tag, err := f.send(t, 0, false, SCSITestUnitReady, 0, 0, 0, 0, 0)
	require.NoError(t, err)
	writes := f.io.take()
	require.Len(t, writes, 1)
	requireCSW(t, writes[0], tag, 0, CSWStatusFailed)
}

func TestMSC_UnknownCommand(t *testing.T) {
	f := newFixture(t)
	tag, err := f.send(t, 0, false, 0xC7, 0, 0, 0, 0, 0)
	require.NoError(t, err)
	requireCSW(t, f.io.take()[0], tag, 0, CSWStatusFailed)
}

func TestMSC_InvalidCBW(t *testing.T) {
	f := newFixture(t)

	err := f.msc.DataOut(f.iface, 0x01, []byte("not a command block"))
	assert.ErrorIs(t, err, pkg.ErrProtocol)
	assert.ElementsMatch(t, []uint8{0x81, 0x01}, f.io.halted)

	// Nothing is accepted until reset recovery.
	_, err = f.send(t, 0, false, SCSITestUnitReady, 0, 0, 0, 0, 0)
	assert.ErrorIs(t, err, pkg.ErrProtocol)

	_, err = f.msc.Setup(f.iface, &device.SetupPacket{RequestType: 0x21, Request: RequestBulkOnlyMassStorageReset}, nil)
	require.NoError(t, err)
	tag, err := f.send(t, 0, false, SCSITestUnitReady, 0, 0, 0, 0, 0)
	require.NoError(t, err)
	requireCSW(t, f.io.take()[0], tag, 0, CSWStatusGood)
}

func TestMemoryStorage(t *testing.T) {
	s := NewMemoryStorage(4*testBlockSize, testBlockSize)
	assert.Equal(t, uint64(4), s.BlockCount())

	buf := make([]byte, testBlockSize)
	buf[0] = 0x5A
	n, err := s.Write(3, 1, buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)

	_, err = s.Write(4, 1, buf)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
	_, err = s.Read(0, 2, buf)
	assert.ErrorIs(t, err, pkg.ErrBufferTooSmall)

	assert.ErrorIs(t, s.Eject(), pkg.ErrNotSupported)
	s.SetRemovable(true)
	require.NoError(t, s.Eject())
	_, err = s.Read(3, 1, buf)
	assert.ErrorIs(t, err, pkg.ErrNoDevice)
}

func TestFileStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 8*testBlockSize), 0o644))

	s, err := NewFileStorage(path, testBlockSize, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), s.BlockCount())

	// The image is locked while open.
	_, err = NewFileStorage(path, testBlockSize, true)
	assert.ErrorIs(t, err, pkg.ErrBusy)

	block := make([]byte, testBlockSize)
	copy(block, "hello")
	_, err = s.Write(5, 1, block)
	require.NoError(t, err)
	require.NoError(t, s.Sync())
	require.NoError(t, s.Close())
	assert.False(t, s.IsPresent())

	ro, err := NewFileStorage(path, testBlockSize, true)
	require.NoError(t, err)
	defer ro.Close()

	got := make([]byte, testBlockSize)
	_, err = ro.Read(5, 1, got)
	require.NoError(t, err)
	assert.Equal(t, block, got)

	_, err = ro.Write(0, 1, got)
	assert.ErrorIs(t, err, pkg.ErrNotSupported)
}
