package main

import (
	"fmt"
	"strings"

	devhid "github.com/ardnew/usbcore/device/class/hid"
	hosthid "github.com/ardnew/usbcore/host/class/hid"
)

var modifierNames = [8]string{"LCtrl", "LShift", "LAlt", "LGUI", "RCtrl", "RShift", "RAlt", "RGUI"}

// describeReport renders an input report for the log. Boot keyboard and
// mouse reports are decoded, anything else is shown as hex.
func describeReport(protocol uint8, report []byte) string {
	switch protocol {
	case devhid.ProtocolKeyboard:
		var kb hosthid.KeyboardReport
		if hosthid.ParseKeyboardReport(report, &kb) == nil {
			return describeKeyboard(&kb)
		}
	case devhid.ProtocolMouse:
		var m hosthid.MouseReport
		if hosthid.ParseMouseReport(report, &m) == nil {
			return fmt.Sprintf("buttons=%03b x=%d y=%d wheel=%d", m.Buttons, m.X, m.Y, m.Wheel)
		}
	}
	return fmt.Sprintf("% x", report)
}

func describeKeyboard(kb *hosthid.KeyboardReport) string {
	var b strings.Builder
	if kb.RollOver() {
		return "rollover"
	}
	var mods []string
	for i, name := range modifierNames {
		if kb.Modifiers&(1<<i) != 0 {
			mods = append(mods, name)
		}
	}
	if len(mods) > 0 {
		fmt.Fprintf(&b, "mods=%s ", strings.Join(mods, "+"))
	}
	keys := 0
	for _, k := range kb.Keys {
		if k != 0 {
			keys++
		}
	}
	if keys == 0 {
		b.WriteString("released")
		return b.String()
	}
	fmt.Fprintf(&b, "keys=% x", kb.Keys[:keys])
	if c, ok := kb.ASCII(); ok {
		fmt.Fprintf(&b, " char=%q", c)
	}
	return b.String()
}
