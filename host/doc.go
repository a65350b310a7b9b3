// Package host implements a USB 2.0 host stack over [hal.HostHAL].
//
// # Structure
//
//   - [Host] watches ports, enumerates devices, and binds [ClassDriver]s
//     to their interfaces.
//   - [Device] holds the descriptors read at enumeration and a
//     [ControlRequester] that keeps at most one control transfer in
//     flight to the device.
//   - [TransferManager] executes blocking HAL transfers on a worker pool
//     so class state machines can poll for completion.
//
// # Class state machines
//
// A bound [ClassHandle] is stepped by [Host.Poll], from a 1 ms ticker by
// default. The request phase ([ClassHandle.Requests]) runs until it
// reports [StatusOK]; the data phase ([ClassHandle.Process]) runs after
// that. Both make at most one transition per call. A handle that reports
// [StatusUnrecoveredError] or [StatusFail] is de-initialized and dropped.
//
// Control requests made from a state machine use the cooperative form:
//
//	st, err := dev.Control().Request(ctx, &setup, buf)
//	switch st {
//	case host.StatusBusy:
//	    return st, nil // call again on the next poll
//	case host.StatusOK:
//	    n := dev.Control().Len()
//	    ...
//	}
//
// # Example
//
//	h := host.New(halImpl)
//	h.RegisterClass(hid.NewDriver(onReport))
//	if err := h.Start(ctx); err != nil {
//	    return err
//	}
//	dev, err := h.WaitDevice(ctx)
package host
