package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/pkg"
)

// Status is the outcome of one step of a cooperative request or class
// state machine.
type Status uint8

// Step outcomes.
const (
	// StatusOK means the step (or the whole request) completed.
	StatusOK Status = iota
	// StatusBusy means call again later.
	StatusBusy
	// StatusNotSupported means the device stalled the request.
	StatusNotSupported
	// StatusUnrecoveredError means retries were exhausted.
	StatusUnrecoveredError
	// StatusFail means the request could not be issued at all.
	StatusFail
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBusy:
		return "busy"
	case StatusNotSupported:
		return "not-supported"
	case StatusUnrecoveredError:
		return "unrecovered-error"
	case StatusFail:
		return "fail"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// MaxControlRetries is how many times a failed (non-STALL) control
// transfer is resubmitted before StatusUnrecoveredError.
const MaxControlRetries = 3

type controlState uint8

const (
	controlIdle controlState = iota
	controlWait
)

// ControlRequester sequences control transfers to one device so that at
// most one is outstanding. Request is called repeatedly with the same
// arguments until it returns a status other than StatusBusy.
type ControlRequester struct {
	tm      *TransferManager
	address func() uint8

	mu       sync.Mutex
	state    controlState
	setup    hal.SetupPacket
	transfer *Transfer
	retries  int
	length   int
}

// NewControlRequester returns a requester that submits to tm for the
// device whose current address address returns.
func NewControlRequester(tm *TransferManager, address func() uint8) *ControlRequester {
	return &ControlRequester{tm: tm, address: address}
}

// Request advances the request for setup by one step. buf receives the
// IN data stage or holds the OUT data stage; it must stay valid until a
// final status is returned.
//
// A call with a different setup while a request is in flight returns
// StatusBusy and pkg.ErrBusy and leaves the in-flight request alone.
func (c *ControlRequester) Request(ctx context.Context, setup *hal.SetupPacket, buf []byte) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case controlIdle:
		c.setup = *setup
		c.retries = 0
		c.length = 0
		if err := c.submit(ctx, buf); err != nil {
			return StatusFail, err
		}
		c.state = controlWait
		return StatusBusy, nil

	case controlWait:
		if *setup != c.setup {
			return StatusBusy, pkg.ErrBusy
		}
		if !c.transfer.IsComplete() {
			return StatusBusy, nil
		}
		n, err := c.transfer.Result()
		switch {
		case err == nil:
			c.state = controlIdle
			c.length = n
			return StatusOK, nil

		case errors.Is(err, pkg.ErrStall):
			c.state = controlIdle
			pkg.LogDebug(pkg.ComponentControl, "request stalled",
				"request", c.setup.Request,
				"value", c.setup.Value)
			return StatusNotSupported, nil

		case errors.Is(err, pkg.ErrCancelled), errors.Is(err, pkg.ErrNoDevice):
			c.state = controlIdle
			return StatusUnrecoveredError, err
		}

		c.retries++
		if c.retries > MaxControlRetries {
			c.state = controlIdle
			pkg.LogWarn(pkg.ComponentControl, "request failed",
				"request", c.setup.Request,
				"retries", MaxControlRetries,
				"error", err)
			return StatusUnrecoveredError, fmt.Errorf("control request 0x%02X: %w", c.setup.Request, err)
		}
		pkg.LogDebug(pkg.ComponentControl, "retrying request",
			"request", c.setup.Request,
			"attempt", c.retries,
			"error", err)
		if err := c.submit(ctx, buf); err != nil {
			c.state = controlIdle
			return StatusFail, err
		}
		return StatusBusy, nil
	}
	return StatusFail, pkg.ErrInvalidState
}

// submit hands the current setup to the worker pool.
func (c *ControlRequester) submit(ctx context.Context, buf []byte) error {
	if c.setup.Length < uint16(len(buf)) {
		buf = buf[:c.setup.Length]
	}
	setup := c.setup
	c.transfer = &Transfer{
		Address: c.address(),
		Type:    hal.TransferControl,
		Data:    buf,
		Setup:   &setup,
		Context: ctx,
	}
	_, err := c.tm.Submit(c.transfer)
	return err
}

// Len returns the data stage length of the last request that returned
// StatusOK.
func (c *ControlRequester) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.length
}

// Busy reports whether a request is in flight.
func (c *ControlRequester) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == controlWait
}

// Abort drops the in-flight request, if any.
func (c *ControlRequester) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == controlWait && c.transfer != nil {
		c.tm.Cancel(c.transfer.ID())
	}
	c.state = controlIdle
}

// Do runs setup to completion, polling until a final status. It is a
// blocking convenience over Request for callers outside a state machine.
func (c *ControlRequester) Do(ctx context.Context, setup *hal.SetupPacket, buf []byte) (int, error) {
	for {
		st, err := c.Request(ctx, setup, buf)
		switch st {
		case StatusOK:
			return c.Len(), nil
		case StatusNotSupported:
			return 0, pkg.ErrStall
		case StatusBusy:
			if err != nil {
				return 0, err
			}
		default:
			return 0, err
		}
		select {
		case <-ctx.Done():
			c.Abort()
			return 0, ctx.Err()
		case <-c.doneChan():
		}
	}
}

// doneChan returns the completion channel of the in-flight transfer.
func (c *ControlRequester) doneChan() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transfer == nil {
		return nil
	}
	return c.transfer.Done()
}
