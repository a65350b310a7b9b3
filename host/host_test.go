package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/pkg"
)

// =============================================================================
// Mock HAL
// =============================================================================

// mockHAL implements hal.HostHAL with scriptable transfer handlers.
type mockHAL struct {
	numPorts  int
	portSpeed hal.Speed

	connectCh    chan int
	disconnectCh chan int

	mu        sync.Mutex
	control   func(addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error)
	interrupt func(addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error)
	bulk      func(addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error)
	requests  []hal.SetupPacket
	claimed   map[uint8]bool
	address   hal.DeviceAddress
	resets    int
}

func newMockHAL() *mockHAL {
	return &mockHAL{
		numPorts:     1,
		portSpeed:    hal.SpeedFull,
		connectCh:    make(chan int, 4),
		disconnectCh: make(chan int, 4),
		claimed:      make(map[uint8]bool),
	}
}

func (m *mockHAL) Init(ctx context.Context) error { return nil }
func (m *mockHAL) Start() error                   { return nil }
func (m *mockHAL) Stop() error                    { return nil }
func (m *mockHAL) Close() error                   { return nil }
func (m *mockHAL) NumPorts() int                  { return m.numPorts }

func (m *mockHAL) GetPortStatus(port int) (hal.PortStatus, error) {
	return hal.PortStatus{Connected: true, Enabled: true, PowerOn: true, Speed: m.portSpeed}, nil
}

func (m *mockHAL) PortSpeed(port int) hal.Speed { return m.portSpeed }

func (m *mockHAL) ResetPort(port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
	return nil
}

func (m *mockHAL) EnablePort(port int, enable bool) error { return nil }

func (m *mockHAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	m.mu.Lock()
	m.requests = append(m.requests, *setup)
	fn := m.control
	m.mu.Unlock()
	if fn == nil {
		return 0, pkg.ErrStall
	}
	return fn(addr, setup, data)
}

func (m *mockHAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	m.mu.Lock()
	fn := m.bulk
	m.mu.Unlock()
	if fn == nil {
		return 0, pkg.ErrNotSupported
	}
	return fn(addr, endpoint, data)
}

func (m *mockHAL) InterruptTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	m.mu.Lock()
	fn := m.interrupt
	m.mu.Unlock()
	if fn == nil {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return fn(addr, endpoint, data)
}

func (m *mockHAL) IsochronousTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return 0, pkg.ErrNotSupported
}

func (m *mockHAL) SetDeviceAddress(ctx context.Context, newAddr hal.DeviceAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.address = newAddr
	return nil
}

func (m *mockHAL) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimed[iface] = true
	return nil
}

func (m *mockHAL) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claimed, iface)
	return nil
}

func (m *mockHAL) WaitForConnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case port := <-m.connectCh:
		return port, nil
	}
}

func (m *mockHAL) WaitForDisconnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case port := <-m.disconnectCh:
		return port, nil
	}
}

func (m *mockHAL) setControl(fn func(addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.control = fn
}

func (m *mockHAL) requestLog() []hal.SetupPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]hal.SetupPacket(nil), m.requests...)
}

func (m *mockHAL) isClaimed(iface uint8) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claimed[iface]
}

var _ hal.HostHAL = (*mockHAL)(nil)

// frameHAL adds a settable frame counter.
type frameHAL struct {
	*mockHAL
	frame uint16
}

func (f *frameHAL) FrameNumber() uint16 { return f.frame }

// =============================================================================
// Emulated device
// =============================================================================

var testDeviceDescriptor = []byte{
	18, DescriptorTypeDevice, 0x00, 0x02, 0x00, 0x00, 0x00, 64,
	0x34, 0x12, 0x78, 0x56, 0x00, 0x01, 1, 2, 0, 1,
}

var testConfigDescriptor = []byte{
	9, DescriptorTypeConfiguration, 34, 0, 1, 1, 0, 0x80, 50,
	// interface 0: HID boot keyboard
	9, DescriptorTypeInterface, 0, 0, 1, 0x03, 0x01, 0x01, 0,
	// HID class descriptor
	9, 0x21, 0x11, 0x01, 0x00, 0x01, 0x22, 63, 0,
	// EP 0x81 interrupt IN, 8 bytes, 10 ms
	7, DescriptorTypeEndpoint, 0x81, EndpointTypeInterrupt, 8, 0, 10,
}

// stringDescriptor encodes s as a UTF-16LE string descriptor.
func stringDescriptor(s string) []byte {
	out := []byte{0, DescriptorTypeString}
	for _, r := range s {
		out = append(out, byte(r), byte(r>>8))
	}
	out[0] = byte(len(out))
	return out
}

// emulatedDevice answers the standard requests of enumeration.
type emulatedDevice struct {
	mu        sync.Mutex
	address   hal.DeviceAddress
	config    uint8
	strings   map[uint8]string
	classFunc func(setup *hal.SetupPacket, data []byte) (int, error)
}

func newEmulatedDevice() *emulatedDevice {
	return &emulatedDevice{strings: map[uint8]string{1: "Acme", 2: "Künstler Keys"}}
}

func (e *emulatedDevice) handle(addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if addr != e.address {
		return 0, pkg.ErrTimeout
	}
	if setup.RequestType&0x60 != RequestTypeStandard {
		if e.classFunc != nil {
			return e.classFunc(setup, data)
		}
		return 0, pkg.ErrStall
	}
	switch setup.Request {
	case RequestSetAddress:
		e.address = hal.DeviceAddress(setup.Value)
		return 0, nil
	case RequestSetConfiguration:
		e.config = uint8(setup.Value)
		return 0, nil
	case RequestGetDescriptor:
		var src []byte
		switch uint8(setup.Value >> 8) {
		case DescriptorTypeDevice:
			src = testDeviceDescriptor
		case DescriptorTypeConfiguration:
			src = testConfigDescriptor
		case DescriptorTypeString:
			index := uint8(setup.Value)
			if index == 0 {
				src = []byte{4, DescriptorTypeString, 0x09, 0x04}
			} else if s, ok := e.strings[index]; ok {
				src = stringDescriptor(s)
			}
		}
		if src == nil {
			return 0, pkg.ErrStall
		}
		return copy(data, src), nil
	}
	return 0, pkg.ErrStall
}

// startHost starts a host with the ticker disabled on m.
func startHost(t *testing.T, m hal.HostHAL) *Host {
	t.Helper()
	h := New(m, WithPollInterval(0))
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { h.Stop() })
	return h
}

// enumerated starts a host on a fresh mock and enumerates the emulated
// device on port 1.
func enumerated(t *testing.T, classes ...ClassDriver) (*Host, *mockHAL, *emulatedDevice, *Device) {
	t.Helper()
	m := newMockHAL()
	emu := newEmulatedDevice()
	m.setControl(emu.handle)
	h := startHost(t, m)
	for _, c := range classes {
		h.RegisterClass(c)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	dev, err := h.Enumerate(ctx, 1)
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}
	return h, m, emu, dev
}

// =============================================================================
// Host
// =============================================================================

func TestNew(t *testing.T) {
	mock := newMockHAL()
	h := New(mock, WithTransferWorkers(2), WithPollInterval(0))

	if h.hal != mock {
		t.Error("HAL not set")
	}
	if h.nextAddress != 1 {
		t.Errorf("nextAddress = %d, want 1", h.nextAddress)
	}
	if h.transfers == nil || h.transfers.workers != 2 {
		t.Error("transfer manager not configured with 2 workers")
	}
	if h.pollInterval != 0 {
		t.Errorf("pollInterval = %v, want 0", h.pollInterval)
	}
}

func TestHost_StartStop(t *testing.T) {
	h := New(newMockHAL(), WithPollInterval(0))
	ctx := context.Background()

	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !h.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	if err := h.Start(ctx); !errors.Is(err, pkg.ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if h.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if err := h.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestHost_EnumerateNotRunning(t *testing.T) {
	h := New(newMockHAL())
	if _, err := h.Enumerate(context.Background(), 1); !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("Enumerate() error = %v, want ErrNotRunning", err)
	}
}

func TestHost_AllocateAddress(t *testing.T) {
	h := New(newMockHAL())
	for want := uint8(1); want <= MaxDevices; want++ {
		got := h.allocateAddress()
		if got != want {
			t.Fatalf("allocateAddress() = %d, want %d", got, want)
		}
		h.devices[got-1] = &Device{}
	}
	if got := h.allocateAddress(); got != 0 {
		t.Errorf("allocateAddress() when full = %d, want 0", got)
	}
	h.devices[4] = nil
	h.releaseAddress(5)
	if got := h.allocateAddress(); got != 5 {
		t.Errorf("allocateAddress() after release = %d, want 5", got)
	}
}

func TestHost_Enumerate(t *testing.T) {
	h, m, emu, dev := enumerated(t)

	if got := dev.Address(); got != 1 {
		t.Errorf("Address() = %d, want 1", got)
	}
	if emu.address != 1 || m.address != 1 {
		t.Errorf("device/HAL address = %d/%d, want 1/1", emu.address, m.address)
	}
	if got := dev.State(); got != DeviceStateConfigured {
		t.Errorf("State() = %v, want Configured", got)
	}
	if emu.config != 1 {
		t.Errorf("configuration = %d, want 1", emu.config)
	}
	if dev.VendorID() != 0x1234 || dev.ProductID() != 0x5678 {
		t.Errorf("IDs = %04X:%04X, want 1234:5678", dev.VendorID(), dev.ProductID())
	}
	if got := dev.Manufacturer(); got != "Acme" {
		t.Errorf("Manufacturer() = %q, want Acme", got)
	}
	if got := dev.Product(); got != "Künstler Keys" {
		t.Errorf("Product() = %q, want %q", got, "Künstler Keys")
	}
	if h.GetDevice(1) != dev {
		t.Error("GetDevice(1) != enumerated device")
	}
	if len(h.Devices()) != 1 {
		t.Errorf("len(Devices()) = %d, want 1", len(h.Devices()))
	}

	// Everything before SET_ADDRESS went to address 0; only one request
	// was ever on the wire at a time.
	reqs := m.requestLog()
	if len(reqs) < 3 || reqs[0].Request != RequestGetDescriptor || reqs[0].Length != 8 {
		t.Fatalf("first request = %+v, want 8-byte GET_DESCRIPTOR", reqs[0])
	}
	if reqs[1].Request != RequestSetAddress || reqs[1].Value != 1 {
		t.Errorf("second request = %+v, want SET_ADDRESS(1)", reqs[1])
	}
	if last := reqs[len(reqs)-1]; last.Request != RequestSetConfiguration || last.Value != 1 {
		t.Errorf("last request = %+v, want SET_CONFIGURATION(1)", last)
	}
}

func TestHost_EnumerateParsesInterfaces(t *testing.T) {
	_, _, _, dev := enumerated(t)

	iface := dev.GetInterface(0)
	if iface == nil {
		t.Fatal("GetInterface(0) = nil")
	}
	if iface.Descriptor.InterfaceClass != 0x03 {
		t.Errorf("InterfaceClass = 0x%02X, want 0x03", iface.Descriptor.InterfaceClass)
	}
	ep := iface.FindEndpoint(EndpointTypeInterrupt, true)
	if ep == nil || ep.EndpointAddress != 0x81 || ep.Interval != 10 {
		t.Fatalf("FindEndpoint(interrupt, in) = %+v", ep)
	}
	if dev.GetEndpoint(0x81) != ep {
		t.Error("GetEndpoint(0x81) differs from FindEndpoint result")
	}
	if iface.FindEndpoint(EndpointTypeBulk, false) != nil {
		t.Error("FindEndpoint(bulk, out) != nil")
	}
	hidDesc := iface.ClassDescriptor(0x21)
	if len(hidDesc) != 9 || hidDesc[7] != 63 {
		t.Errorf("ClassDescriptor(0x21) = % X", hidDesc)
	}
	if dev.GetInterface(1) != nil {
		t.Error("GetInterface(1) != nil")
	}
}

func TestHost_EnumerateFailure(t *testing.T) {
	m := newMockHAL()
	h := startHost(t, m)
	// Nothing answers: every GET_DESCRIPTOR stalls.
	_, err := h.Enumerate(context.Background(), 1)
	if !errors.Is(err, ErrEnumerationFailed) || !errors.Is(err, pkg.ErrStall) {
		t.Errorf("Enumerate() error = %v, want ErrEnumerationFailed wrapping ErrStall", err)
	}
	if len(h.Devices()) != 0 {
		t.Error("failed device registered")
	}
}

func TestHost_MonitorConnectDisconnect(t *testing.T) {
	m := newMockHAL()
	emu := newEmulatedDevice()
	m.setControl(emu.handle)
	h := startHost(t, m)

	disconnected := make(chan *Device, 1)
	h.SetOnDeviceDisconnect(func(d *Device) { disconnected <- d })

	m.connectCh <- 1
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	dev, err := h.WaitDevice(ctx)
	if err != nil {
		t.Fatalf("WaitDevice() error = %v", err)
	}

	m.disconnectCh <- 1
	select {
	case got := <-disconnected:
		if got != dev {
			t.Error("disconnect callback got a different device")
		}
	case <-ctx.Done():
		t.Fatal("disconnect callback not called")
	}
	if got := dev.State(); got != DeviceStateDetached {
		t.Errorf("State() = %v, want Detached", got)
	}
	if h.GetDevice(dev.Address()) != nil {
		t.Error("device still registered after disconnect")
	}
}

func TestHost_WaitDeviceTimeout(t *testing.T) {
	h := startHost(t, newMockHAL())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := h.WaitDevice(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitDevice() error = %v, want DeadlineExceeded", err)
	}
}

// =============================================================================
// Configuration tree parsing
// =============================================================================

func TestDevice_ParseConfigurationTreeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"short header", []byte{9, 2, 9, 0}, pkg.ErrDescriptorTooShort},
		{"wrong type", []byte{9, 1, 9, 0, 0, 1, 0, 0, 0}, pkg.ErrDescriptorTypeMismatch},
		{"zero length child", []byte{9, 2, 11, 0, 1, 1, 0, 0, 0, 0, 4}, pkg.ErrDescriptorTooShort},
		{"endpoint before interface", []byte{
			9, 2, 16, 0, 1, 1, 0, 0, 0,
			7, 5, 0x81, 3, 8, 0, 10,
		}, pkg.ErrInvalidState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Device
			if err := d.parseConfigurationTree(tt.data); !errors.Is(err, tt.want) {
				t.Errorf("parseConfigurationTree() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDevice_ParseConfigurationTreeAlternates(t *testing.T) {
	data := []byte{
		9, 2, 0, 0, 1, 1, 0, 0x80, 50,
		8, DescriptorTypeInterfaceAssociation, 0, 2, 0x02, 0x02, 0x01, 0,
		9, 4, 0, 0, 0, 0x02, 0x02, 0x01, 0,
		5, 0x24, 0x00, 0x10, 0x01,
		9, 4, 0, 1, 1, 0x02, 0x02, 0x01, 0,
		7, 5, 0x82, 3, 16, 0, 16,
	}
	data[2] = byte(len(data))

	var d Device
	if err := d.parseConfigurationTree(data); err != nil {
		t.Fatalf("parseConfigurationTree() error = %v", err)
	}
	if len(d.interfaces) != 2 {
		t.Fatalf("len(interfaces) = %d, want 2", len(d.interfaces))
	}
	if len(d.interfaces[0].ClassDescriptors) != 1 || len(d.interfaces[0].Endpoints) != 0 {
		t.Errorf("alt 0 = %d class / %d endpoints, want 1/0",
			len(d.interfaces[0].ClassDescriptors), len(d.interfaces[0].Endpoints))
	}
	if got := d.GetInterface(0); got != &d.interfaces[0] {
		t.Error("GetInterface(0) did not return alternate setting 0")
	}
	if d.GetEndpoint(0x82) == nil {
		t.Error("GetEndpoint(0x82) = nil for alternate setting endpoint")
	}
}

// =============================================================================
// Class binding and polling
// =============================================================================

type fakeHandle struct {
	mu        sync.Mutex
	requests  int
	needed    int
	processes int
	frames    []uint16
	processSt Status
	deinits   int
}

func (f *fakeHandle) Requests(ctx context.Context) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	if f.requests < f.needed {
		return StatusBusy, nil
	}
	return StatusOK, nil
}

func (f *fakeHandle) Process(ctx context.Context) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processes++
	if f.processSt != StatusOK {
		return f.processSt, pkg.ErrProtocol
	}
	return StatusOK, nil
}

func (f *fakeHandle) SOF(frame uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
}

func (f *fakeHandle) DeInit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deinits++
	return nil
}

type fakeClass struct {
	class   uint8
	handle  *fakeHandle
	initErr error
	inits   int
}

func (c *fakeClass) Match(iface *Interface) bool {
	return iface.Descriptor.InterfaceClass == c.class
}

func (c *fakeClass) Init(dev *Device, iface *Interface) (ClassHandle, error) {
	c.inits++
	if c.initErr != nil {
		return nil, c.initErr
	}
	return c.handle, nil
}

func TestHost_BindsFirstMatchingClass(t *testing.T) {
	other := &fakeClass{class: 0x08, handle: &fakeHandle{}}
	first := &fakeClass{class: 0x03, handle: &fakeHandle{needed: 1}}
	second := &fakeClass{class: 0x03, handle: &fakeHandle{needed: 1}}
	h, m, _, dev := enumerated(t, other, first, second)

	if other.inits != 0 || first.inits != 1 || second.inits != 0 {
		t.Errorf("inits = %d/%d/%d, want 0/1/0", other.inits, first.inits, second.inits)
	}
	if !m.isClaimed(0) {
		t.Error("interface 0 not claimed")
	}
	handles := h.Handles(dev)
	if handles[0] != first.handle {
		t.Error("Handles()[0] is not the first matching driver's handle")
	}
}

func TestHost_ClassInitFailureReleases(t *testing.T) {
	c := &fakeClass{class: 0x03, initErr: pkg.ErrInvalidEndpoint}
	h, m, _, dev := enumerated(t, c)
	if m.isClaimed(0) {
		t.Error("interface still claimed after Init failure")
	}
	if len(h.Handles(dev)) != 0 {
		t.Error("handle bound after Init failure")
	}
}

func TestHost_PollPhases(t *testing.T) {
	handle := &fakeHandle{needed: 3}
	h, _, _, _ := enumerated(t, &fakeClass{class: 0x03, handle: handle})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.Poll(ctx)
	}
	if handle.requests != 3 || handle.processes != 0 {
		t.Fatalf("after 3 polls: requests=%d processes=%d, want 3/0", handle.requests, handle.processes)
	}
	h.Poll(ctx)
	h.Poll(ctx)
	if handle.requests != 3 || handle.processes != 2 {
		t.Errorf("after 5 polls: requests=%d processes=%d, want 3/2", handle.requests, handle.processes)
	}
	if len(handle.frames) != 5 {
		t.Errorf("SOF calls = %d, want 5", len(handle.frames))
	}
}

func TestHost_PollDropsFailedHandle(t *testing.T) {
	handle := &fakeHandle{needed: 1, processSt: StatusUnrecoveredError}
	h, m, _, dev := enumerated(t, &fakeClass{class: 0x03, handle: handle})
	ctx := context.Background()

	h.Poll(ctx) // requests complete
	h.Poll(ctx) // process fails
	h.Poll(ctx) // nothing left

	if handle.processes != 1 {
		t.Errorf("processes = %d, want 1", handle.processes)
	}
	if handle.deinits != 1 {
		t.Errorf("deinits = %d, want 1", handle.deinits)
	}
	if len(h.Handles(dev)) != 0 {
		t.Error("failed handle still bound")
	}
	if m.isClaimed(0) {
		t.Error("interface still claimed")
	}
}

func TestHost_DetachDeinitsHandles(t *testing.T) {
	handle := &fakeHandle{needed: 1}
	h, _, _, dev := enumerated(t, &fakeClass{class: 0x03, handle: handle})

	h.Detach(dev)
	if handle.deinits != 1 {
		t.Errorf("deinits = %d, want 1", handle.deinits)
	}
	h.Poll(context.Background())
	if handle.requests != 0 {
		t.Errorf("requests = %d after detach, want 0", handle.requests)
	}
}

func TestHost_FrameNumber(t *testing.T) {
	fh := &frameHAL{mockHAL: newMockHAL(), frame: 0x0FFF}
	h := New(fh)
	if got := h.FrameNumber(); got != 0x07FF {
		t.Errorf("FrameNumber() = 0x%03X, want 0x7FF", got)
	}

	clock := New(newMockHAL())
	clock.epoch = time.Now().Add(-2050 * time.Millisecond)
	got := clock.FrameNumber()
	if got < 2 || got > 10 {
		t.Errorf("FrameNumber() after 2050 ms = %d, want ~2 (11-bit wrap)", got)
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkHost_GetDevice(b *testing.B) {
	h := New(newMockHAL())
	for i := 0; i < MaxDevices; i++ {
		h.devices[i] = &Device{}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = h.GetDevice(uint8(i%MaxDevices) + 1)
	}
}

func BenchmarkDevice_GetEndpoint(b *testing.B) {
	var d Device
	for i := 0; i < 4; i++ {
		d.interfaces = append(d.interfaces, Interface{
			Endpoints: []EndpointDescriptor{{EndpointAddress: uint8(0x81 + i)}},
		})
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = d.GetEndpoint(0x84)
	}
}

func ExampleStatus_String() {
	fmt.Println(StatusOK, StatusBusy, StatusNotSupported)
	// Output: ok busy not-supported
}
