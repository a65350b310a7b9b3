package hid

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	devhid "github.com/ardnew/usbcore/device/class/hid"
	"github.com/ardnew/usbcore/host"
	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/pkg"
)

var reportDescriptor = devhid.KeyboardReportDescriptor

// hidBus emulates one boot keyboard behind a host controller.
type hidBus struct {
	frame atomic.Uint32

	mu          sync.Mutex
	address     hal.DeviceAddress
	requests    []hal.SetupPacket
	stall       map[uint8]bool // class/standard request codes to stall
	reports     []interruptResult
	inCalls     []uint16
	connectCh   chan int
	interval    uint8
	speed       hal.Speed
	noInterrupt bool

	stallDescriptor uint8
}

type interruptResult struct {
	data []byte
	err  error
}

func newHIDBus() *hidBus {
	return &hidBus{
		stall:     make(map[uint8]bool),
		connectCh: make(chan int),
		interval:  10,
		speed:     hal.SpeedFull,
	}
}

func (b *hidBus) configDescriptor() []byte {
	desc := []byte{
		9, host.DescriptorTypeConfiguration, 34, 0, 1, 1, 0, 0x80, 50,
		9, host.DescriptorTypeInterface, 0, 0, 1, devhid.ClassHID, devhid.SubclassBoot, devhid.ProtocolKeyboard, 0,
		9, devhid.DescriptorTypeHID, 0x11, 0x01, 0, 1, devhid.DescriptorTypeReport, byte(len(reportDescriptor)), 0,
		7, host.DescriptorTypeEndpoint, 0x81, host.EndpointTypeInterrupt, 8, 0, b.interval,
	}
	if b.noInterrupt {
		desc[len(desc)-4] = host.EndpointTypeBulk
	}
	return desc
}

func (b *hidBus) Init(ctx context.Context) error         { return nil }
func (b *hidBus) Start() error                           { return nil }
func (b *hidBus) Stop() error                            { return nil }
func (b *hidBus) Close() error                           { return nil }
func (b *hidBus) NumPorts() int                          { return 1 }
func (b *hidBus) PortSpeed(port int) hal.Speed           { return b.speed }
func (b *hidBus) ResetPort(port int) error               { return nil }
func (b *hidBus) EnablePort(port int, enable bool) error { return nil }
func (b *hidBus) FrameNumber() uint16                    { return uint16(b.frame.Load()) }

func (b *hidBus) GetPortStatus(port int) (hal.PortStatus, error) {
	return hal.PortStatus{Connected: true, Enabled: true, Speed: b.speed}, nil
}

func (b *hidBus) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, *setup)
	if b.stall[setup.Request] && setup.RequestType&0x60 == host.RequestTypeClass {
		return 0, pkg.ErrStall
	}
	if b.stall[setup.Request] && setup.Request == host.RequestClearFeature {
		return 0, pkg.ErrStall
	}

	switch setup.Request {
	case host.RequestSetAddress:
		b.address = hal.DeviceAddress(setup.Value)
		return 0, nil
	case host.RequestSetConfiguration, host.RequestClearFeature:
		return 0, nil
	case devhid.RequestSetIdle, devhid.RequestSetProtocol:
		if setup.RequestType&0x60 == host.RequestTypeClass {
			return 0, nil
		}
	case host.RequestGetDescriptor:
		if b.stallDescriptor != 0 && uint8(setup.Value>>8) == b.stallDescriptor {
			return 0, pkg.ErrStall
		}
		switch uint8(setup.Value >> 8) {
		case host.DescriptorTypeDevice:
			return copy(data, []byte{
				18, host.DescriptorTypeDevice, 0x00, 0x02, 0, 0, 0, 64,
				0x34, 0x12, 0x78, 0x56, 0x00, 0x01, 0, 0, 0, 1,
			}), nil
		case host.DescriptorTypeConfiguration:
			return copy(data, b.configDescriptor()), nil
		case devhid.DescriptorTypeHID:
			return copy(data, b.configDescriptor()[18:27]), nil
		case devhid.DescriptorTypeReport:
			return copy(data, reportDescriptor), nil
		}
	}
	return 0, pkg.ErrStall
}

func (b *hidBus) InterruptTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inCalls = append(b.inCalls, b.FrameNumber())
	if len(b.reports) == 0 {
		return 0, pkg.ErrNAK
	}
	r := b.reports[0]
	b.reports = b.reports[1:]
	return copy(data, r.data), r.err
}

func (b *hidBus) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return 0, pkg.ErrNotSupported
}

func (b *hidBus) IsochronousTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return 0, pkg.ErrNotSupported
}

func (b *hidBus) SetDeviceAddress(ctx context.Context, addr hal.DeviceAddress) error { return nil }
func (b *hidBus) ClaimInterface(addr hal.DeviceAddress, iface uint8) error          { return nil }
func (b *hidBus) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error        { return nil }

func (b *hidBus) WaitForConnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case port := <-b.connectCh:
		return port, nil
	}
}

func (b *hidBus) WaitForDisconnection(ctx context.Context) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func (b *hidBus) queue(data []byte, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reports = append(b.reports, interruptResult{data: data, err: err})
}

func (b *hidBus) interruptCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inCalls)
}

func (b *hidBus) classRequests() []hal.SetupPacket {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []hal.SetupPacket
	for _, r := range b.requests {
		if r.RequestType&0x1F == host.RequestTypeDevice {
			continue
		}
		out = append(out, r)
	}
	return out
}

var _ hal.HostHAL = (*hidBus)(nil)
var _ hal.FrameCounter = (*hidBus)(nil)

// fixture runs a host with the HID driver over bus and returns the handle
// bound to interface 0.
type fixture struct {
	bus     *hidBus
	host    *host.Host
	handle  *Handle
	reports chan []byte
}

func newFixture(t *testing.T, bus *hidBus) *fixture {
	t.Helper()
	f := &fixture{bus: bus, reports: make(chan []byte, 16)}
	f.host = host.New(bus, host.WithPollInterval(0))
	f.host.RegisterClass(NewDriver(func(h *Handle, report []byte) {
		f.reports <- append([]byte(nil), report...)
	}))
	require.NoError(t, f.host.Start(context.Background()))
	t.Cleanup(func() { f.host.Stop() })

	dev, err := f.host.Enumerate(context.Background(), 1)
	require.NoError(t, err)
	if handle, ok := f.host.Handles(dev)[0].(*Handle); ok {
		f.handle = handle
	}
	return f
}

// pollUntil steps the host until cond holds.
func (f *fixture) pollUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached within 1s")
		}
		f.host.Poll(context.Background())
		time.Sleep(100 * time.Microsecond)
	}
}

// pollN steps the host n times.
func (f *fixture) pollN(n int) {
	for i := 0; i < n; i++ {
		f.host.Poll(context.Background())
		time.Sleep(100 * time.Microsecond)
	}
}

func (f *fixture) requestsDone(t *testing.T) {
	t.Helper()
	require.NotNil(t, f.handle)
	f.pollUntil(t, func() bool { return f.handle.RequestState() == ReqIdle })
}

func TestDriver_InitRequiresInterruptIn(t *testing.T) {
	bus := newHIDBus()
	bus.noInterrupt = true
	f := newFixture(t, bus)
	assert.Nil(t, f.handle)
}

func TestHandle_RequestSequence(t *testing.T) {
	bus := newHIDBus()
	bus.frame.Store(1)
	f := newFixture(t, bus)
	f.requestsDone(t)

	reqs := bus.classRequests()
	require.Len(t, reqs, 4)
	assert.Equal(t, hal.SetupPacket{
		RequestType: 0x81, Request: host.RequestGetDescriptor,
		Value: uint16(devhid.DescriptorTypeHID) << 8, Index: 0, Length: devhid.HIDDescriptorSize,
	}, reqs[0])
	assert.Equal(t, hal.SetupPacket{
		RequestType: 0x81, Request: host.RequestGetDescriptor,
		Value: uint16(devhid.DescriptorTypeReport) << 8, Index: 0, Length: uint16(len(reportDescriptor)),
	}, reqs[1])
	assert.Equal(t, hal.SetupPacket{RequestType: 0x21, Request: devhid.RequestSetIdle}, reqs[2])
	assert.Equal(t, hal.SetupPacket{
		RequestType: 0x21, Request: devhid.RequestSetProtocol, Value: devhid.ProtocolBoot,
	}, reqs[3])

	assert.Equal(t, reportDescriptor, f.handle.ReportDescriptor())
	assert.Equal(t, uint16(len(reportDescriptor)), f.handle.HIDDescriptor().ReportDescLen)
	assert.True(t, f.handle.IsBoot())
	assert.Equal(t, uint8(devhid.ProtocolKeyboard), f.handle.Protocol())
	assert.Equal(t, uint16(10), f.handle.Interval())
	assert.Equal(t, uint8(0x81), f.handle.Endpoint())
}

func TestHandle_OptionalRequestsStall(t *testing.T) {
	bus := newHIDBus()
	bus.stall[devhid.RequestSetIdle] = true
	bus.stall[devhid.RequestSetProtocol] = true
	f := newFixture(t, bus)
	f.requestsDone(t)

	assert.Len(t, bus.classRequests(), 4)
	assert.Len(t, f.host.Handles(f.handle.Device()), 1, "handle dropped after optional stall")
}

func TestHandle_DescriptorStallIsFatal(t *testing.T) {
	bus := newHIDBus()
	bus.stallDescriptor = devhid.DescriptorTypeReport
	f := newFixture(t, bus)
	require.NotNil(t, f.handle)

	dev := f.handle.Device()
	f.pollUntil(t, func() bool { return len(f.host.Handles(dev)) == 0 })
	assert.Equal(t, ReqGetReportDesc, f.handle.RequestState())
}

func TestHandle_SyncWaitsForEvenFrame(t *testing.T) {
	bus := newHIDBus()
	bus.frame.Store(3)
	f := newFixture(t, bus)
	f.requestsDone(t)

	f.pollN(10)
	assert.Equal(t, StateSync, f.handle.State())
	assert.Zero(t, bus.interruptCalls())

	bus.frame.Store(4)
	f.pollUntil(t, func() bool { return bus.interruptCalls() > 0 })
	bus.mu.Lock()
	assert.Equal(t, uint16(4), bus.inCalls[0])
	bus.mu.Unlock()
}

func TestHandle_PollsAtInterval(t *testing.T) {
	bus := newHIDBus()
	bus.frame.Store(2)
	report := []byte{0, 0, devhid.KeyA, 0, 0, 0, 0, 0}
	bus.queue(report, nil)
	f := newFixture(t, bus)
	f.requestsDone(t)

	f.pollUntil(t, func() bool { return len(f.reports) == 1 })
	assert.Equal(t, report, <-f.reports)
	require.Equal(t, 1, bus.interruptCalls())

	// 9 frames elapsed: not yet.
	bus.frame.Store(11)
	f.pollN(10)
	assert.Equal(t, 1, bus.interruptCalls())

	bus.frame.Store(12)
	f.pollUntil(t, func() bool { return bus.interruptCalls() == 2 })

	buf := make([]byte, MaxReportSize)
	n, ok := f.handle.Read(buf)
	require.True(t, ok)
	assert.Equal(t, report, buf[:n])
	_, ok = f.handle.Read(buf)
	assert.False(t, ok)
}

func TestHandle_FrameWrap(t *testing.T) {
	bus := newHIDBus()
	bus.frame.Store(0x7FC)
	f := newFixture(t, bus)
	f.requestsDone(t)

	f.pollUntil(t, func() bool { return bus.interruptCalls() == 1 })
	bus.frame.Store(0x005) // 9 frames after 0x7FC
	f.pollN(10)
	assert.Equal(t, 1, bus.interruptCalls())

	bus.frame.Store(0x006)
	f.pollUntil(t, func() bool { return bus.interruptCalls() == 2 })
}

func TestHandle_LongHighSpeedInterval(t *testing.T) {
	bus := newHIDBus()
	bus.speed = hal.SpeedHigh
	bus.interval = 16
	bus.frame.Store(2)
	f := newFixture(t, bus)
	f.requestsDone(t)
	require.Equal(t, uint16(host.FrameMask), f.handle.Interval())

	f.pollUntil(t, func() bool { return bus.interruptCalls() == 1 })

	// One frame short of the interval, measured across the wrap.
	bus.frame.Store((2 + host.FrameMask - 1) & host.FrameMask)
	f.pollN(10)
	assert.Equal(t, 1, bus.interruptCalls())

	bus.frame.Store((2 + host.FrameMask) & host.FrameMask)
	f.pollUntil(t, func() bool { return bus.interruptCalls() == 2 })
}

func TestHandle_StallRecovery(t *testing.T) {
	bus := newHIDBus()
	bus.interval = 1
	bus.frame.Store(0)
	bus.queue(nil, pkg.ErrStall)
	bus.queue([]byte{0, 0, devhid.KeyB, 0, 0, 0, 0, 0}, nil)
	f := newFixture(t, bus)
	f.requestsDone(t)

	// The clear-halt itself stalls a few times; there is no retry limit.
	bus.mu.Lock()
	bus.stall[host.RequestClearFeature] = true
	bus.mu.Unlock()

	f.pollUntil(t, func() bool {
		for _, r := range bus.classRequests() {
			if r.Request == host.RequestClearFeature {
				return true
			}
		}
		return false
	})
	f.pollN(20)
	assert.Equal(t, 1, bus.interruptCalls(), "no IN transfer while halted")

	bus.mu.Lock()
	delete(bus.stall, host.RequestClearFeature)
	bus.mu.Unlock()

	bus.frame.Store(1)
	f.pollUntil(t, func() bool { return len(f.reports) == 1 })
	assert.Equal(t, byte(devhid.KeyB), (<-f.reports)[2])

	var clears int
	for _, r := range bus.classRequests() {
		if r.Request == host.RequestClearFeature {
			clears++
			assert.Equal(t, uint8(0x02), r.RequestType)
			assert.Equal(t, uint16(host.FeatureEndpointHalt), r.Value)
			assert.Equal(t, uint16(0x81), r.Index)
		}
	}
	assert.Greater(t, clears, 1)
}

func TestHandle_QueueOverrun(t *testing.T) {
	bus := newHIDBus()
	bus.interval = 1
	for i := 0; i < ReportQueueDepth+2; i++ {
		bus.queue([]byte{0, 0, byte(devhid.KeyA + i), 0, 0, 0, 0, 0}, nil)
	}
	f := newFixture(t, bus)
	f.requestsDone(t)

	frame := uint32(0)
	f.pollUntil(t, func() bool {
		frame += 2
		bus.frame.Store(frame)
		return len(f.reports) == ReportQueueDepth+2
	})
	assert.Equal(t, 2, f.handle.Overruns())

	buf := make([]byte, MaxReportSize)
	for i := 0; i < ReportQueueDepth; i++ {
		n, ok := f.handle.Read(buf)
		require.True(t, ok)
		require.Equal(t, 8, n)
		assert.Equal(t, byte(devhid.KeyA+i), buf[2], "report %d", i)
	}
}

func TestHandle_DeInitCancelsTransfer(t *testing.T) {
	bus := newHIDBus()
	f := newFixture(t, bus)
	f.requestsDone(t)
	f.pollUntil(t, func() bool { return f.handle.State() == StatePoll })

	f.host.Detach(f.handle.Device())
	assert.Equal(t, StateIdle, f.handle.State())
	assert.Empty(t, f.host.Handles(f.handle.Device()))
}

func TestPollInterval(t *testing.T) {
	tests := []struct {
		speed     hal.Speed
		bInterval uint8
		want      uint16
	}{
		{hal.SpeedFull, 0, 1},
		{hal.SpeedFull, 10, 10},
		{hal.SpeedLow, 255, 255},
		{hal.SpeedHigh, 1, 1},
		{hal.SpeedHigh, 4, 1},
		{hal.SpeedHigh, 7, 8},
		{hal.SpeedHigh, 14, 1024},
		{hal.SpeedHigh, 15, host.FrameMask},
		{hal.SpeedHigh, 16, host.FrameMask},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pollInterval(tt.speed, tt.bInterval), "%v bInterval=%d", tt.speed, tt.bInterval)
	}
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "set-protocol", ReqSetProtocol.String())
	assert.Equal(t, "RequestState(9)", RequestState(9).String())
	assert.Equal(t, "sync", StateSync.String())
	assert.Equal(t, "State(9)", State(9).String())
}
