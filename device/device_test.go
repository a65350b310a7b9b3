package device

import (
	"errors"
	"testing"

	"github.com/ardnew/usbcore/pkg"
)

func TestDeviceStateTransitions(t *testing.T) {
	dev := newTestDevice(nil, nil)

	if got := dev.State(); got != StateAttached {
		t.Errorf("initial State() = %v, want Attached", got)
	}
	dev.Attach()
	if got := dev.State(); got != StatePowered {
		t.Errorf("after Attach() State() = %v, want Powered", got)
	}
	dev.Reset()
	if got := dev.State(); got != StateDefault {
		t.Errorf("after Reset() State() = %v, want Default", got)
	}
	if err := dev.SetAddress(7); err != nil {
		t.Fatalf("SetAddress(7) error = %v", err)
	}
	if got := dev.State(); got != StateAddress {
		t.Errorf("after SetAddress(7) State() = %v, want Address", got)
	}
	if got := dev.Address(); got != 7 {
		t.Errorf("Address() = %d, want 7", got)
	}
	if err := dev.SetAddress(0); err != nil {
		t.Fatalf("SetAddress(0) error = %v", err)
	}
	if got := dev.State(); got != StateDefault {
		t.Errorf("after SetAddress(0) State() = %v, want Default", got)
	}
}

func TestDeviceSetAddressWhenConfigured(t *testing.T) {
	dev := addressed(newTestDevice(nil, nil))
	if _, err := dev.SetConfiguration(1); err != nil {
		t.Fatalf("SetConfiguration(1) error = %v", err)
	}
	err := dev.SetAddress(9)
	if !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("SetAddress() while configured error = %v, want ErrInvalidState", err)
	}
	if got := dev.Address(); got != 5 {
		t.Errorf("Address() = %d, want 5", got)
	}
}

func TestDeviceSetAddressOutOfRange(t *testing.T) {
	dev := addressed(newTestDevice(nil, nil))
	if err := dev.SetAddress(128); !errors.Is(err, pkg.ErrInvalidRequest) {
		t.Errorf("SetAddress(128) error = %v, want ErrInvalidRequest", err)
	}
}

func TestDeviceSetConfigurationOrder(t *testing.T) {
	log := &eventLog{}
	first := newRecordingDriver("a", log)
	second := newRecordingDriver("b", log)
	dev := addressed(newTestDevice(first, second))

	changed, err := dev.SetConfiguration(1)
	if err != nil || !changed {
		t.Fatalf("SetConfiguration(1) = %v, %v", changed, err)
	}
	if got := dev.State(); got != StateConfigured {
		t.Errorf("State() = %v, want Configured", got)
	}

	changed, err = dev.SetConfiguration(1)
	if err != nil || changed {
		t.Errorf("SetConfiguration(1) again = %v, %v, want false, nil", changed, err)
	}

	if _, err := dev.SetConfiguration(2); err != nil {
		t.Fatalf("SetConfiguration(2) error = %v", err)
	}
	if _, err := dev.SetConfiguration(0); err != nil {
		t.Fatalf("SetConfiguration(0) error = %v", err)
	}
	if got := dev.State(); got != StateAddress {
		t.Errorf("State() = %v, want Address", got)
	}

	want := []string{"a.Init(0)", "a.DeInit(0)", "b.Init(0)", "b.DeInit(0)"}
	got := log.snapshot()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDeviceSetConfigurationInvalid(t *testing.T) {
	dev := newTestDevice(nil, nil)
	if _, err := dev.SetConfiguration(1); !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("SetConfiguration() in Attached error = %v, want ErrInvalidState", err)
	}

	addressed(dev)
	if _, err := dev.SetConfiguration(3); !errors.Is(err, pkg.ErrInvalidRequest) {
		t.Errorf("SetConfiguration(3) error = %v, want ErrInvalidRequest", err)
	}
	if dev.ActiveConfiguration() != nil {
		t.Error("ActiveConfiguration() != nil after rejected request")
	}
}

func TestDeviceSetConfigurationInitFailure(t *testing.T) {
	log := &eventLog{}
	drv := newRecordingDriver("a", log)
	drv.initErr = pkg.ErrInvalidEndpoint
	dev := addressed(newTestDevice(drv, nil))

	changed, err := dev.SetConfiguration(1)
	if !errors.Is(err, pkg.ErrInvalidEndpoint) {
		t.Errorf("SetConfiguration(1) error = %v, want ErrInvalidEndpoint", err)
	}
	if !changed {
		t.Error("SetConfiguration(1) changed = false, want true")
	}
	if got := dev.State(); got != StateAddress {
		t.Errorf("State() = %v, want Address", got)
	}
	if dev.GetInterface(0) != nil {
		t.Error("GetInterface(0) != nil without an active configuration")
	}
}

func TestDeviceResetDeactivates(t *testing.T) {
	log := &eventLog{}
	drv := newRecordingDriver("a", log)
	dev := addressed(newTestDevice(drv, nil))
	if _, err := dev.SetConfiguration(1); err != nil {
		t.Fatal(err)
	}
	ep, _ := dev.GetEndpoint(0x81)
	ep.SetStall(true)

	dev.Reset()

	if dev.Address() != 0 {
		t.Errorf("Address() = %d, want 0", dev.Address())
	}
	if dev.ActiveConfiguration() != nil {
		t.Error("ActiveConfiguration() != nil after reset")
	}
	if ep.IsStalled() {
		t.Error("endpoint still halted after reset")
	}
	got := log.snapshot()
	if len(got) != 2 || got[1] != "a.DeInit(0)" {
		t.Errorf("events = %v, want [a.Init(0) a.DeInit(0)]", got)
	}
}

func TestDeviceSuspendResume(t *testing.T) {
	dev := addressed(newTestDevice(nil, nil))
	dev.Suspend()
	if got := dev.State(); got != StateSuspended {
		t.Errorf("State() = %v, want Suspended", got)
	}
	dev.Resume()
	if got := dev.State(); got != StateAddress {
		t.Errorf("State() = %v, want Address", got)
	}
}

func TestDeviceStateCallback(t *testing.T) {
	dev := newTestDevice(nil, nil)
	var transitions [][2]State
	dev.SetOnStateChange(func(old, new State) {
		transitions = append(transitions, [2]State{old, new})
	})
	addressed(dev)

	want := [][2]State{
		{StateAttached, StatePowered},
		{StatePowered, StateDefault},
		{StateDefault, StateAddress},
	}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestDeviceStatus(t *testing.T) {
	dev := addressed(newTestDevice(nil, nil))
	if _, err := dev.SetConfiguration(1); err != nil {
		t.Fatal(err)
	}
	if got := dev.GetStatus(); got != 0 {
		t.Errorf("GetStatus() = %d, want 0", got)
	}
	dev.ActiveConfiguration().SetSelfPowered(true)
	dev.EnableRemoteWakeup(true)
	want := DeviceStatusSelfPowered | DeviceStatusRemoteWakeup
	if got := dev.GetStatus(); got != want {
		t.Errorf("GetStatus() = %d, want %d", got, want)
	}
}

func TestDeviceStrings(t *testing.T) {
	dev := newTestDevice(nil, nil)
	lang := dev.GetString(0)
	if len(lang) != 4 {
		t.Fatalf("GetString(0) length = %d, want 4", len(lang))
	}
	if dev.Descriptor.ManufacturerIndex != 1 || dev.Descriptor.ProductIndex != 2 {
		t.Errorf("string indexes = %d/%d, want 1/2",
			dev.Descriptor.ManufacturerIndex, dev.Descriptor.ProductIndex)
	}
	if dev.Descriptor.SerialNumberIndex != 0 {
		t.Errorf("SerialNumberIndex = %d, want 0 for empty serial", dev.Descriptor.SerialNumberIndex)
	}
	if dev.GetString(3) != nil {
		t.Error("GetString(3) != nil for skipped serial")
	}
}

func TestDeviceClose(t *testing.T) {
	log := &eventLog{}
	dev := newTestDevice(newRecordingDriver("a", log), newRecordingDriver("b", log))
	if err := dev.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	got := log.snapshot()
	if len(got) != 2 || got[0] != "a.Close" || got[1] != "b.Close" {
		t.Errorf("events = %v, want [a.Close b.Close]", got)
	}
}

func TestBuilderErrors(t *testing.T) {
	if _, err := NewDeviceBuilder().Build(); !errors.Is(err, pkg.ErrNotConfigured) {
		t.Errorf("Build() without configuration error = %v, want ErrNotConfigured", err)
	}
	_, err := NewDeviceBuilder().
		AddConfiguration(1).
		AddEndpoint(0x81, EndpointTypeBulk, 64, 0).
		Build()
	if !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("Build() with endpoint before interface error = %v, want ErrInvalidState", err)
	}
	_, err = NewDeviceBuilder().
		AddConfiguration(1).
		AddInterface(ClassVendor, 0, 0).
		AddEndpoint(0x81, EndpointTypeBulk, 64, 0).
		AddEndpoint(0x81, EndpointTypeBulk, 64, 0).
		Build()
	if !errors.Is(err, pkg.ErrBusy) {
		t.Errorf("Build() with duplicate endpoint error = %v, want ErrBusy", err)
	}
}
