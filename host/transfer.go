package host

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/pkg"
)

// Transfer is one asynchronous transfer request.
type Transfer struct {
	Address  uint8
	Endpoint uint8
	Type     hal.TransferType
	Data     []byte

	// Setup is required for control transfers.
	Setup *hal.SetupPacket

	// Callback, if set, runs on the worker goroutine after completion.
	Callback func(*Transfer)

	// Context bounds the transfer. The manager's context is used if nil.
	Context context.Context

	id   uint64
	done chan struct{}
	once sync.Once
	n    int
	err  error
}

// finish records the outcome once. It reports whether this call completed
// the transfer.
func (t *Transfer) finish(n int, err error) bool {
	first := false
	t.once.Do(func() {
		t.n, t.err = n, err
		close(t.done)
		first = true
	})
	return first
}

// ID returns the identifier assigned by Submit.
func (t *Transfer) ID() uint64 {
	return t.id
}

// Done returns a channel closed on completion.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// IsComplete reports whether the transfer has finished.
func (t *Transfer) IsComplete() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Result returns the byte count and error. It is only meaningful once
// IsComplete is true.
func (t *Transfer) Result() (int, error) {
	if !t.IsComplete() {
		return 0, pkg.ErrBusy
	}
	return t.n, t.err
}

// Status returns the completion status.
func (t *Transfer) Status() pkg.TransferStatus {
	_, err := t.Result()
	return pkg.StatusOf(err)
}

// Wait blocks until the transfer completes or ctx is done.
func (t *Transfer) Wait(ctx context.Context) (int, error) {
	select {
	case <-t.done:
		return t.n, t.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// TransferManager runs transfers on a fixed pool of workers so callers
// can poll for completion instead of blocking.
type TransferManager struct {
	hal hal.HostHAL

	pending   map[uint64]*Transfer
	pendingMu sync.Mutex
	inflight  sync.WaitGroup

	nextID uint64

	workers int
	jobs    chan *Transfer

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// DefaultTransferWorkers is the pool size used by the host.
const DefaultTransferWorkers = 4

// transferQueueDepth bounds queued transfers.
const transferQueueDepth = 64

// NewTransferManager creates a manager that executes on h.
func NewTransferManager(h hal.HostHAL, workers int) *TransferManager {
	if workers < 1 {
		workers = 1
	}
	return &TransferManager{
		hal:     h,
		pending: make(map[uint64]*Transfer),
		workers: workers,
		jobs:    make(chan *Transfer, transferQueueDepth),
	}
}

// Start launches the workers.
func (tm *TransferManager) Start(ctx context.Context) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.running {
		return pkg.ErrAlreadyRunning
	}
	tm.ctx, tm.cancel = context.WithCancel(ctx)
	tm.running = true
	for i := 0; i < tm.workers; i++ {
		go tm.worker(tm.ctx, i)
	}
	return nil
}

// Stop cancels the workers and fails every pending transfer with
// pkg.ErrCancelled.
func (tm *TransferManager) Stop() error {
	tm.mu.Lock()
	if !tm.running {
		tm.mu.Unlock()
		return nil
	}
	tm.running = false
	tm.cancel()
	tm.mu.Unlock()

	tm.pendingMu.Lock()
	pending := make([]*Transfer, 0, len(tm.pending))
	for _, t := range tm.pending {
		pending = append(pending, t)
	}
	tm.pendingMu.Unlock()

	for _, t := range pending {
		tm.complete(t, 0, pkg.ErrCancelled)
	}
	return nil
}

// Submit queues t and returns its ID. t must not be resubmitted before it
// completes.
func (tm *TransferManager) Submit(t *Transfer) (uint64, error) {
	tm.mu.Lock()
	running, ctx := tm.running, tm.ctx
	tm.mu.Unlock()
	if !running {
		return 0, pkg.ErrNotRunning
	}
	if t.Type == hal.TransferControl && t.Setup == nil {
		return 0, pkg.ErrInvalidParameter
	}

	t.id = atomic.AddUint64(&tm.nextID, 1)
	t.done = make(chan struct{})
	t.once = sync.Once{}

	tm.inflight.Add(1)
	tm.pendingMu.Lock()
	tm.pending[t.id] = t
	tm.pendingMu.Unlock()

	select {
	case tm.jobs <- t:
		return t.id, nil
	case <-ctx.Done():
		tm.complete(t, 0, pkg.ErrCancelled)
		return 0, pkg.ErrCancelled
	}
}

// Cancel completes a pending transfer with pkg.ErrCancelled. The HAL call
// may still be running; its result is discarded.
func (tm *TransferManager) Cancel(id uint64) error {
	tm.pendingMu.Lock()
	t, ok := tm.pending[id]
	tm.pendingMu.Unlock()
	if ok {
		tm.complete(t, 0, pkg.ErrCancelled)
	}
	return nil
}

func (tm *TransferManager) worker(ctx context.Context, id int) {
	pkg.LogDebug(pkg.ComponentTransfer, "worker started", "id", id)
	defer pkg.LogDebug(pkg.ComponentTransfer, "worker stopped", "id", id)

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-tm.jobs:
			tm.execute(ctx, t)
		}
	}
}

func (tm *TransferManager) execute(base context.Context, t *Transfer) {
	if t.IsComplete() {
		return
	}
	ctx := t.Context
	if ctx == nil {
		ctx = base
	}
	if err := ctx.Err(); err != nil {
		tm.complete(t, 0, err)
		return
	}

	addr := hal.DeviceAddress(t.Address)
	var n int
	var err error
	switch t.Type {
	case hal.TransferControl:
		n, err = tm.hal.ControlTransfer(ctx, addr, t.Setup, t.Data)
	case hal.TransferBulk:
		n, err = tm.hal.BulkTransfer(ctx, addr, t.Endpoint, t.Data)
	case hal.TransferInterrupt:
		n, err = tm.hal.InterruptTransfer(ctx, addr, t.Endpoint, t.Data)
	case hal.TransferIsochronous:
		n, err = tm.hal.IsochronousTransfer(ctx, addr, t.Endpoint, t.Data)
	default:
		err = pkg.ErrInvalidParameter
	}
	if err != nil {
		pkg.LogDebug(pkg.ComponentTransfer, "transfer failed",
			"type", t.Type,
			"address", t.Address,
			"endpoint", t.Endpoint,
			"error", err)
	}
	tm.complete(t, n, err)
}

func (tm *TransferManager) complete(t *Transfer, n int, err error) {
	if !t.finish(n, err) {
		return
	}
	tm.pendingMu.Lock()
	delete(tm.pending, t.id)
	tm.pendingMu.Unlock()
	tm.inflight.Done()

	if t.Callback != nil {
		t.Callback(t)
	}
}

// PendingCount returns the number of transfers not yet complete.
func (tm *TransferManager) PendingCount() int {
	tm.pendingMu.Lock()
	defer tm.pendingMu.Unlock()
	return len(tm.pending)
}

// WaitAll blocks until every submitted transfer has completed.
func (tm *TransferManager) WaitAll(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		tm.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
