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

func startManager(t *testing.T, m hal.HostHAL) *TransferManager {
	t.Helper()
	tm := NewTransferManager(m, 2)
	if err := tm.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { tm.Stop() })
	return tm
}

func TestTransferManager_NotRunning(t *testing.T) {
	tm := NewTransferManager(newMockHAL(), 0)
	if tm.workers != 1 {
		t.Errorf("workers = %d, want 1", tm.workers)
	}
	if _, err := tm.Submit(&Transfer{Type: hal.TransferBulk}); !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("Submit() error = %v, want ErrNotRunning", err)
	}
}

func TestTransferManager_StartTwice(t *testing.T) {
	tm := startManager(t, newMockHAL())
	if err := tm.Start(context.Background()); !errors.Is(err, pkg.ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
}

func TestTransferManager_ControlNeedsSetup(t *testing.T) {
	tm := startManager(t, newMockHAL())
	if _, err := tm.Submit(&Transfer{Type: hal.TransferControl}); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Submit() error = %v, want ErrInvalidParameter", err)
	}
}

func TestTransferManager_Bulk(t *testing.T) {
	m := newMockHAL()
	m.bulk = func(addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
		if addr != 5 || endpoint != 0x81 {
			return 0, pkg.ErrNoDevice
		}
		return copy(data, "data"), nil
	}
	tm := startManager(t, m)

	called := make(chan *Transfer, 1)
	xfer := &Transfer{
		Address:  5,
		Endpoint: 0x81,
		Type:     hal.TransferBulk,
		Data:     make([]byte, 8),
		Callback: func(t *Transfer) { called <- t },
	}
	id, err := tm.Submit(xfer)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id == 0 || xfer.ID() != id {
		t.Errorf("ID() = %d, Submit returned %d", xfer.ID(), id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := xfer.Wait(ctx)
	if err != nil || n != 4 {
		t.Fatalf("Wait() = %d, %v; want 4, nil", n, err)
	}
	if string(xfer.Data[:n]) != "data" {
		t.Errorf("Data = %q, want %q", xfer.Data[:n], "data")
	}
	if got := xfer.Status(); got != pkg.TransferStatusSuccess {
		t.Errorf("Status() = %v, want success", got)
	}
	select {
	case got := <-called:
		if got != xfer {
			t.Error("callback received a different transfer")
		}
	case <-ctx.Done():
		t.Fatal("callback not called")
	}
	if err := tm.WaitAll(ctx); err != nil {
		t.Errorf("WaitAll() error = %v", err)
	}
	if tm.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", tm.PendingCount())
	}
}

func TestTransferManager_ResultBeforeCompletion(t *testing.T) {
	gate := make(chan struct{})
	m := newMockHAL()
	m.bulk = func(hal.DeviceAddress, uint8, []byte) (int, error) {
		<-gate
		return 1, nil
	}
	tm := startManager(t, m)

	xfer := &Transfer{Type: hal.TransferBulk, Endpoint: 0x02, Data: []byte{1}}
	if _, err := tm.Submit(xfer); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if xfer.IsComplete() {
		t.Error("IsComplete() = true before the HAL returned")
	}
	if _, err := xfer.Result(); !errors.Is(err, pkg.ErrBusy) {
		t.Errorf("Result() error = %v, want ErrBusy", err)
	}
	close(gate)
	<-xfer.Done()
	if n, err := xfer.Result(); n != 1 || err != nil {
		t.Errorf("Result() = %d, %v; want 1, nil", n, err)
	}
}

func TestTransferManager_Cancel(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	var calls atomic.Int32
	m := newMockHAL()
	m.bulk = func(hal.DeviceAddress, uint8, []byte) (int, error) {
		calls.Add(1)
		<-gate
		return 8, nil
	}
	tm := startManager(t, m)

	xfer := &Transfer{Type: hal.TransferBulk, Endpoint: 0x81, Data: make([]byte, 8)}
	id, err := tm.Submit(xfer)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := tm.Cancel(id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	<-xfer.Done()
	if _, err := xfer.Result(); !errors.Is(err, pkg.ErrCancelled) {
		t.Errorf("Result() error = %v, want ErrCancelled", err)
	}
	if got := xfer.Status(); got != pkg.TransferStatusCancelled {
		t.Errorf("Status() = %v, want cancelled", got)
	}
	if tm.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", tm.PendingCount())
	}
}

func TestTransferManager_StopCancelsPending(t *testing.T) {
	m := newMockHAL() // interrupt transfers block until ctx is done
	tm := NewTransferManager(m, 1)
	if err := tm.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var xfers []*Transfer
	for i := 0; i < 3; i++ {
		x := &Transfer{Type: hal.TransferInterrupt, Endpoint: 0x81, Data: make([]byte, 8)}
		if _, err := tm.Submit(x); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		xfers = append(xfers, x)
	}
	tm.Stop()

	for i, x := range xfers {
		select {
		case <-x.Done():
		case <-time.After(time.Second):
			t.Fatalf("transfer %d not completed by Stop", i)
		}
		if _, err := x.Result(); !errors.Is(err, pkg.ErrCancelled) && !errors.Is(err, context.Canceled) {
			t.Errorf("transfer %d error = %v, want cancellation", i, err)
		}
	}
	if _, err := tm.Submit(&Transfer{Type: hal.TransferBulk}); !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("Submit() after Stop error = %v, want ErrNotRunning", err)
	}
}

func TestTransferManager_TransferContext(t *testing.T) {
	tm := startManager(t, newMockHAL())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	xfer := &Transfer{Type: hal.TransferInterrupt, Endpoint: 0x81, Data: make([]byte, 8), Context: ctx}
	if _, err := tm.Submit(xfer); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-xfer.Done()
	if _, err := xfer.Result(); !errors.Is(err, context.Canceled) {
		t.Errorf("Result() error = %v, want context.Canceled", err)
	}
}
