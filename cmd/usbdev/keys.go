package main

import (
	"context"
	"time"

	"github.com/mattn/go-tty"

	"github.com/ardnew/usbcore/device/class/hid"
	"github.com/ardnew/usbcore/pkg"
)

// Control characters that end terminal input.
const (
	keyInterrupt = 0x03 // Ctrl-C
	keyEOF       = 0x04 // Ctrl-D
)

// keyboard is the part of hid.HID that typing needs.
type keyboard interface {
	SendKeyboardReport(ctx context.Context, report *hid.KeyboardReport) error
}

// typeRune sends the press and release reports for r. Runes without a
// boot keyboard key are skipped.
func typeRune(ctx context.Context, kb keyboard, r rune) error {
	modifiers, key, ok := hid.KeyForRune(r)
	if !ok {
		pkg.LogDebug(component, "no key for rune", "rune", r)
		return nil
	}
	press := hid.KeyboardReport{Modifiers: modifiers}
	press.Keys[0] = key
	if err := kb.SendKeyboardReport(ctx, &press); err != nil {
		return err
	}
	return kb.SendKeyboardReport(ctx, &hid.KeyboardReport{})
}

// typeText types text once every period until ctx is done.
func typeText(ctx context.Context, kb keyboard, text string, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		for _, r := range text {
			if err := typeRune(ctx, kb, r); err != nil {
				return err
			}
		}
		pkg.LogInfo(component, "typed", "text", text)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// typeTerminal forwards key presses from the controlling terminal until
// ctx is done or Ctrl-C/Ctrl-D is pressed.
func typeTerminal(ctx context.Context, kb keyboard) error {
	t, err := tty.Open()
	if err != nil {
		return err
	}
	defer t.Close()

	runes := make(chan rune)
	errs := make(chan error, 1)
	go func() {
		for {
			r, err := t.ReadRune()
			if err != nil {
				errs <- err
				return
			}
			select {
			case runes <- r:
			case <-ctx.Done():
				return
			}
		}
	}()

	pkg.LogInfo(component, "forwarding terminal keys, Ctrl-D to stop")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			return err
		case r := <-runes:
			if r == keyInterrupt || r == keyEOF {
				return nil
			}
			if err := typeRune(ctx, kb, r); err != nil {
				pkg.LogWarn(component, "key report failed", "error", err)
			}
		}
	}
}
