package composite

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbcore/device"
	"github.com/ardnew/usbcore/device/class/cdc"
	"github.com/ardnew/usbcore/device/class/hid"
	"github.com/ardnew/usbcore/device/class/msc"
	"github.com/ardnew/usbcore/pkg"
)

type fakeDriver struct {
	name   string
	events []string
	closes int
	err    error
}

func (f *fakeDriver) record(event string) { f.events = append(f.events, event) }

func (f *fakeDriver) Init(*device.Interface) error   { f.record("init"); return nil }
func (f *fakeDriver) DeInit(*device.Interface) error { f.record("deinit"); return nil }

func (f *fakeDriver) Setup(_ *device.Interface, setup *device.SetupPacket, _ []byte) ([]byte, error) {
	f.record("setup")
	return []byte(f.name), nil
}

func (f *fakeDriver) SetAlternate(*device.Interface, uint8) error { f.record("alt"); return nil }

func (f *fakeDriver) Close() error {
	f.closes++
	return f.err
}

// fullDriver also implements every optional handler.
type fullDriver struct {
	fakeDriver
	io device.EndpointIO
}

func (f *fullDriver) DataIn(*device.Interface, uint8) error {
	f.record("in")
	return nil
}

func (f *fullDriver) DataOut(*device.Interface, uint8, []byte) error {
	f.record("out")
	return nil
}

func (f *fullDriver) SOF(*device.Interface, uint16) { f.record("sof") }

func (f *fullDriver) WriteClassDescriptors(_ *device.Interface, buf []byte) int {
	buf[0] = 0xAA
	return 1
}

func (f *fullDriver) SetStack(io device.EndpointIO) { f.io = io }

func newFakes() (*fullDriver, *fakeDriver, *Composite) {
	primary := &fullDriver{fakeDriver: fakeDriver{name: "primary"}}
	secondary := &fakeDriver{name: "secondary"}
	return primary, secondary, New(primary, secondary, Route{Interface: 0, Endpoint: 1})
}

func TestComposite_RoutesInterfaceEvents(t *testing.T) {
	primary, secondary, c := newFakes()
	hidIface := &device.Interface{Number: 0}
	other := &device.Interface{Number: 2}

	require.NoError(t, c.Init(hidIface))
	require.NoError(t, c.Init(other))
	require.NoError(t, c.SetAlternate(other, 0))
	require.NoError(t, c.DeInit(hidIface))

	assert.Equal(t, []string{"init", "deinit"}, primary.events)
	assert.Equal(t, []string{"init", "alt"}, secondary.events)
}

func TestComposite_RoutesSetup(t *testing.T) {
	tests := []struct {
		name  string
		iface uint8
		setup device.SetupPacket
		want  string
	}{
		{
			name:  "interface 0",
			iface: 0,
			setup: device.SetupPacket{RequestType: 0xA1, Request: 0x03, Length: 1},
			want:  "primary",
		},
		{
			name:  "interface 1",
			iface: 1,
			setup: device.SetupPacket{RequestType: 0x21, Request: 0x20, Length: 7},
			want:  "secondary",
		},
		{
			name:  "endpoint 0x81 from another interface",
			iface: 2,
			setup: device.SetupPacket{RequestType: device.RequestRecipientEndpoint, Request: device.RequestClearFeature, Index: 0x81},
			want:  "primary",
		},
		{
			name:  "endpoint 0x01 matches without direction",
			iface: 2,
			setup: device.SetupPacket{RequestType: device.RequestRecipientEndpoint, Request: device.RequestClearFeature, Index: 0x01},
			want:  "primary",
		},
		{
			name:  "endpoint 0x83 from interface 0",
			iface: 0,
			setup: device.SetupPacket{RequestType: device.RequestRecipientEndpoint, Request: device.RequestClearFeature, Index: 0x83},
			want:  "secondary",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, c := newFakes()
			resp, err := c.Setup(&device.Interface{Number: tt.iface}, &tt.setup, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(resp))
		})
	}
}

func TestComposite_RoutesEndpointEvents(t *testing.T) {
	primary, secondary, c := newFakes()
	iface := &device.Interface{Number: 1}

	require.NoError(t, c.DataIn(iface, 0x81))
	require.NoError(t, c.DataOut(iface, 0x01, []byte{1}))
	assert.Equal(t, []string{"in", "out"}, primary.events)

	// The secondary fake has no data handlers.
	assert.NoError(t, c.DataIn(iface, 0x83))
	assert.ErrorIs(t, c.DataOut(iface, 0x03, []byte{1}), pkg.ErrNotSupported)
	assert.Empty(t, secondary.events)
}

func TestComposite_SOFAndDescriptors(t *testing.T) {
	primary, _, c := newFakes()
	buf := make([]byte, 4)

	c.SOF(&device.Interface{Number: 0}, 7)
	c.SOF(&device.Interface{Number: 1}, 7)
	assert.Equal(t, []string{"sof"}, primary.events)

	assert.Equal(t, 1, c.WriteClassDescriptors(&device.Interface{Number: 0}, buf))
	assert.Equal(t, byte(0xAA), buf[0])
	assert.Zero(t, c.WriteClassDescriptors(&device.Interface{Number: 1}, buf))
}

func TestComposite_SetStack(t *testing.T) {
	primary, _, c := newFakes()
	io := &fakeIO{}
	c.SetStack(io)
	assert.Same(t, io, primary.io)
}

func TestComposite_CloseOnce(t *testing.T) {
	primary, secondary, c := newFakes()
	secondary.err = errors.New("boom")

	err := c.Close()
	assert.EqualError(t, err, "boom")
	assert.EqualError(t, c.Close(), "boom")
	assert.Equal(t, 1, primary.closes)
	assert.Equal(t, 1, secondary.closes)
}

func TestComposite_Install(t *testing.T) {
	_, _, c := newFakes()
	config := device.NewConfiguration(1)
	for i := uint8(0); i < 3; i++ {
		iface := &device.Interface{Number: i}
		require.NoError(t, config.AddInterface(iface))
	}
	c.Install(config)
	for _, iface := range config.Interfaces() {
		assert.Same(t, c, iface.ClassDriver())
	}
}

type fakeIO struct {
	writes [][]byte
	halted []uint8
}

func (f *fakeIO) Read(_ context.Context, _ *device.Endpoint, _ []byte) (int, error) {
	return 0, pkg.ErrNotSupported
}

func (f *fakeIO) Write(_ context.Context, _ *device.Endpoint, data []byte) (int, error) {
	f.writes = append(f.writes, append([]byte(nil), data...))
	return len(data), nil
}

func (f *fakeIO) Halt(ep *device.Endpoint) error {
	f.halted = append(f.halted, ep.Address)
	return nil
}

func initAll(t *testing.T, config *device.Configuration) {
	t.Helper()
	for _, iface := range config.Interfaces() {
		require.NoError(t, iface.ClassDriver().Init(iface))
	}
}

func TestNewHIDCDC(t *testing.T) {
	keyboard := hid.New(hid.KeyboardReportDescriptor)
	acm := cdc.NewACM()
	builder := device.NewDeviceBuilder().
		WithVendorProduct(0x1209, 0x0001).
		AddConfiguration(1)
	c := NewHIDCDC(builder, keyboard, acm)
	dev, err := builder.Build()
	require.NoError(t, err)

	assert.Equal(t, uint8(device.ClassMisc), dev.Descriptor.DeviceClass)

	config := dev.GetConfiguration(1)
	require.NotNil(t, config)
	require.Equal(t, 3, config.NumInterfaces())
	for _, iface := range config.Interfaces() {
		assert.Same(t, c, iface.ClassDriver(), "interface %d", iface.Number)
	}

	assocs := config.Associations()
	require.Len(t, assocs, 1)
	assert.Equal(t, uint8(1), assocs[0].FirstInterface)
	assert.Equal(t, uint8(2), assocs[0].InterfaceCount)

	assert.Equal(t, uint8(hid.ClassHID), config.GetInterface(0).Class)
	assert.NotNil(t, config.GetInterface(0).GetEndpoint(0x81))
	assert.Equal(t, uint8(cdc.ClassCDC), config.GetInterface(1).Class)
	assert.NotNil(t, config.GetInterface(1).GetEndpoint(0x82))
	assert.Equal(t, uint8(cdc.ClassCDCData), config.GetInterface(2).Class)
	assert.NotNil(t, config.GetInterface(2).GetEndpoint(0x83))
	assert.NotNil(t, config.GetInterface(2).GetEndpoint(0x03))

	initAll(t, config)
	assert.True(t, keyboard.IsConfigured())
	assert.True(t, acm.IsConfigured())

	coding := cdc.LineCoding{DTERate: 9600, DataBits: 8}
	buf := make([]byte, cdc.LineCodingSize)
	coding.MarshalTo(buf)
	_, err = c.Setup(config.GetInterface(1),
		&device.SetupPacket{RequestType: 0x21, Request: cdc.RequestSetLineCoding, Length: cdc.LineCodingSize}, buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(9600), acm.LineCoding().DTERate)

	resp, err := c.Setup(config.GetInterface(0),
		&device.SetupPacket{RequestType: 0xA1, Request: hid.RequestGetProtocol, Length: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{hid.ProtocolReport}, resp)

	// Line coding requests on the HID interface reach the HID, which
	// does not know them.
	_, err = c.Setup(config.GetInterface(0),
		&device.SetupPacket{RequestType: 0x21, Request: cdc.RequestSetLineCoding, Length: cdc.LineCodingSize}, buf)
	assert.ErrorIs(t, err, pkg.ErrNotSupported)

	require.NoError(t, c.DataOut(config.GetInterface(2), CDCDataEndpoint, []byte("hi")))
	assert.Equal(t, 2, acm.Buffered())
}

func TestNewHIDMSC(t *testing.T) {
	keyboard := hid.New(hid.KeyboardReportDescriptor)
	disk := msc.New(msc.NewMemoryStorage(64*512, 512), "usbcore", "ramdisk")
	builder := device.NewDeviceBuilder().
		WithVendorProduct(0x1209, 0x0002).
		AddConfiguration(1)
	c := NewHIDMSC(builder, keyboard, disk)
	dev, err := builder.Build()
	require.NoError(t, err)

	config := dev.GetConfiguration(1)
	require.Equal(t, 2, config.NumInterfaces())
	assert.Empty(t, config.Associations())
	assert.Equal(t, uint8(msc.ClassMSC), config.GetInterface(1).Class)
	assert.NotNil(t, config.GetInterface(1).GetEndpoint(0x82))
	assert.NotNil(t, config.GetInterface(1).GetEndpoint(0x02))

	initAll(t, config)
	assert.True(t, disk.IsConfigured())

	resp, err := c.Setup(config.GetInterface(1),
		&device.SetupPacket{RequestType: 0xA1, Request: msc.RequestGetMaxLUN, Length: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, resp)

	// A malformed CBW on EP2 OUT reaches the MSC, which halts both bulk
	// endpoints.
	io := &fakeIO{}
	c.SetStack(io)
	assert.ErrorIs(t, c.DataOut(config.GetInterface(1), MSCEndpoint, []byte{1, 2, 3}), pkg.ErrProtocol)
	assert.ElementsMatch(t, []uint8{0x82, 0x02}, io.halted)
}
