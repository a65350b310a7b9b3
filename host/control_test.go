package host

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/pkg"
)

// requestUntilDone steps r until it leaves StatusBusy.
func requestUntilDone(t *testing.T, r *ControlRequester, setup *hal.SetupPacket, buf []byte) (Status, error) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		st, err := r.Request(context.Background(), setup, buf)
		if st != StatusBusy {
			return st, err
		}
		if err != nil {
			t.Fatalf("Request() = busy, %v", err)
		}
		time.Sleep(100 * time.Microsecond)
	}
	t.Fatal("request still busy after 1s")
	return StatusBusy, nil
}

func newRequester(t *testing.T, control func(hal.DeviceAddress, *hal.SetupPacket, []byte) (int, error)) *ControlRequester {
	t.Helper()
	m := newMockHAL()
	m.setControl(control)
	return NewControlRequester(startManager(t, m), func() uint8 { return 3 })
}

func TestControlRequester_Success(t *testing.T) {
	var addr atomic.Uint32
	r := newRequester(t, func(a hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
		addr.Store(uint32(a))
		return copy(data, []byte{0x12, 0x01, 0x00, 0x02}), nil
	})

	setup := GetDescriptorRequest(RequestTypeDevice, DescriptorTypeDevice, 0, 0, 4)
	buf := make([]byte, 64)

	st, err := r.Request(context.Background(), &setup, buf)
	if st != StatusBusy || err != nil {
		t.Fatalf("first Request() = %v, %v; want busy, nil", st, err)
	}
	if !r.Busy() {
		t.Error("Busy() = false with a request in flight")
	}
	st, err = requestUntilDone(t, r, &setup, buf)
	if st != StatusOK || err != nil {
		t.Fatalf("Request() = %v, %v; want ok, nil", st, err)
	}
	if r.Len() != 4 {
		t.Errorf("Len() = %d, want 4", r.Len())
	}
	if addr.Load() != 3 {
		t.Errorf("address = %d, want 3", addr.Load())
	}
	if r.Busy() {
		t.Error("Busy() = true after completion")
	}
}

func TestControlRequester_TruncatesToLength(t *testing.T) {
	var seen atomic.Int32
	r := newRequester(t, func(_ hal.DeviceAddress, _ *hal.SetupPacket, data []byte) (int, error) {
		seen.Store(int32(len(data)))
		return len(data), nil
	})
	setup := GetDescriptorRequest(RequestTypeDevice, DescriptorTypeDevice, 0, 0, 8)
	if st, _ := requestUntilDone(t, r, &setup, make([]byte, 64)); st != StatusOK {
		t.Fatalf("Request() = %v, want ok", st)
	}
	if seen.Load() != 8 {
		t.Errorf("data stage = %d bytes, want 8", seen.Load())
	}
}

func TestControlRequester_OneOutstanding(t *testing.T) {
	gate := make(chan struct{})
	var calls atomic.Int32
	r := newRequester(t, func(hal.DeviceAddress, *hal.SetupPacket, []byte) (int, error) {
		calls.Add(1)
		<-gate
		return 0, nil
	})

	setIdle := StandardRequest(RequestTypeOut|RequestTypeInterface, 0x0A, 0, 0, 0)
	clearHalt := ClearHaltRequest(0x81)

	if st, _ := r.Request(context.Background(), &setIdle, nil); st != StatusBusy {
		t.Fatalf("Request() = %v, want busy", st)
	}
	st, err := r.Request(context.Background(), &clearHalt, nil)
	if st != StatusBusy || !errors.Is(err, pkg.ErrBusy) {
		t.Errorf("Request(other) = %v, %v; want busy, ErrBusy", st, err)
	}
	close(gate)

	if st, _ := requestUntilDone(t, r, &setIdle, nil); st != StatusOK {
		t.Fatalf("Request() = %v, want ok", st)
	}
	if calls.Load() != 1 {
		t.Errorf("HAL calls = %d, want 1", calls.Load())
	}
	if st, _ := requestUntilDone(t, r, &clearHalt, nil); st != StatusOK {
		t.Errorf("Request(other) after completion = %v, want ok", st)
	}
}

func TestControlRequester_Stall(t *testing.T) {
	r := newRequester(t, func(hal.DeviceAddress, *hal.SetupPacket, []byte) (int, error) {
		return 0, pkg.ErrStall
	})
	setup := StandardRequest(RequestTypeOut|RequestTypeInterface, 0x0B, 0, 0, 0)
	st, err := requestUntilDone(t, r, &setup, nil)
	if st != StatusNotSupported || err != nil {
		t.Errorf("Request() = %v, %v; want not-supported, nil", st, err)
	}
	if _, err := r.Do(context.Background(), &setup, nil); !errors.Is(err, pkg.ErrStall) {
		t.Errorf("Do() error = %v, want ErrStall", err)
	}
}

func TestControlRequester_Retries(t *testing.T) {
	var calls atomic.Int32
	r := newRequester(t, func(hal.DeviceAddress, *hal.SetupPacket, []byte) (int, error) {
		if calls.Add(1) <= 2 {
			return 0, pkg.ErrTimeout
		}
		return 0, nil
	})
	setup := StandardRequest(RequestTypeOut|RequestTypeDevice, RequestSetConfiguration, 1, 0, 0)
	if st, err := requestUntilDone(t, r, &setup, nil); st != StatusOK || err != nil {
		t.Errorf("Request() = %v, %v; want ok, nil", st, err)
	}
	if calls.Load() != 3 {
		t.Errorf("HAL calls = %d, want 3", calls.Load())
	}
}

func TestControlRequester_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	r := newRequester(t, func(hal.DeviceAddress, *hal.SetupPacket, []byte) (int, error) {
		calls.Add(1)
		return 0, pkg.ErrProtocol
	})
	setup := StandardRequest(RequestTypeOut|RequestTypeDevice, RequestSetConfiguration, 1, 0, 0)
	st, err := requestUntilDone(t, r, &setup, nil)
	if st != StatusUnrecoveredError || !errors.Is(err, pkg.ErrProtocol) {
		t.Errorf("Request() = %v, %v; want unrecovered-error, ErrProtocol", st, err)
	}
	if want := int32(1 + MaxControlRetries); calls.Load() != want {
		t.Errorf("HAL calls = %d, want %d", calls.Load(), want)
	}
	if r.Busy() {
		t.Error("Busy() = true after final status")
	}
}

func TestControlRequester_Abort(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	r := newRequester(t, func(hal.DeviceAddress, *hal.SetupPacket, []byte) (int, error) {
		<-gate
		return 0, nil
	})
	setup := ClearHaltRequest(0x81)
	if st, _ := r.Request(context.Background(), &setup, nil); st != StatusBusy {
		t.Fatalf("Request() = %v, want busy", st)
	}
	r.Abort()
	if r.Busy() {
		t.Error("Busy() = true after Abort")
	}
}

func TestControlRequester_DoContext(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	r := newRequester(t, func(hal.DeviceAddress, *hal.SetupPacket, []byte) (int, error) {
		<-gate
		return 0, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	setup := ClearHaltRequest(0x81)
	if _, err := r.Do(ctx, &setup, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do() error = %v, want DeadlineExceeded", err)
	}
	if r.Busy() {
		t.Error("Busy() = true after Do gave up")
	}
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusOK, "ok"},
		{StatusBusy, "busy"},
		{StatusNotSupported, "not-supported"},
		{StatusUnrecoveredError, "unrecovered-error"},
		{StatusFail, "fail"},
		{Status(42), "Status(42)"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}
