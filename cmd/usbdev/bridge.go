package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"

	"github.com/ardnew/usbcore/device/class/cdc"
	"github.com/ardnew/usbcore/pkg"
)

// bridgeReadTimeout bounds each serial read so cancellation is noticed.
const bridgeReadTimeout = 100 * time.Millisecond

// bridge copies CDC-ACM data to and from a serial port. The port follows
// the line coding and the DTR/RTS lines the host sets.
type bridge struct {
	name string
	port serial.Port
	acm  *cdc.ACM
}

func openBridge(name string, baud int, acm *cdc.ACM) (*bridge, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if err := port.SetReadTimeout(bridgeReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	b := &bridge{name: name, port: port, acm: acm}
	acm.SetOnLineCodingChange(b.setLineCoding)
	acm.SetOnControlStateChange(b.setControlLines)
	return b, nil
}

// modeFor converts a CDC line coding to a serial mode.
func modeFor(lc *cdc.LineCoding) *serial.Mode {
	mode := &serial.Mode{
		BaudRate: int(lc.DTERate),
		DataBits: int(lc.DataBits),
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	switch lc.ParityType {
	case cdc.ParityOdd:
		mode.Parity = serial.OddParity
	case cdc.ParityEven:
		mode.Parity = serial.EvenParity
	case cdc.ParityMark:
		mode.Parity = serial.MarkParity
	case cdc.ParitySpace:
		mode.Parity = serial.SpaceParity
	}
	switch lc.CharFormat {
	case cdc.StopBits1_5:
		mode.StopBits = serial.OnePointFiveStopBits
	case cdc.StopBits2:
		mode.StopBits = serial.TwoStopBits
	}
	return mode
}

func (b *bridge) setLineCoding(lc *cdc.LineCoding) {
	mode := modeFor(lc)
	if err := b.port.SetMode(mode); err != nil {
		pkg.LogWarn(component, "serial mode rejected",
			"port", b.name,
			"baud", mode.BaudRate,
			"error", err)
		return
	}
	pkg.LogInfo(component, "serial mode", "port", b.name, "baud", mode.BaudRate)
}

func (b *bridge) setControlLines(dtr, rts bool) {
	if err := b.port.SetDTR(dtr); err != nil {
		pkg.LogWarn(component, "set DTR", "port", b.name, "error", err)
	}
	if err := b.port.SetRTS(rts); err != nil {
		pkg.LogWarn(component, "set RTS", "port", b.name, "error", err)
	}
}

// run copies in both directions until ctx is done or either side fails,
// then closes the port.
func (b *bridge) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- b.toHost(ctx) }()
	go func() { errs <- b.toPort(ctx) }()

	err := <-errs
	cancel()
	<-errs
	if cerr := b.port.Close(); err == nil {
		err = cerr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *bridge) toHost(ctx context.Context) error {
	buf := make([]byte, 512)
	for ctx.Err() == nil {
		n, err := b.port.Read(buf)
		if err != nil {
			return fmt.Errorf("read %s: %w", b.name, err)
		}
		if n == 0 {
			continue
		}
		if _, err := b.acm.Write(ctx, buf[:n]); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (b *bridge) toPort(ctx context.Context) error {
	buf := make([]byte, 512)
	for {
		n, err := b.acm.Read(ctx, buf)
		if err != nil {
			return err
		}
		if _, err := b.port.Write(buf[:n]); err != nil {
			return fmt.Errorf("write %s: %w", b.name, err)
		}
	}
}
