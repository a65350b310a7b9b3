package hid

import (
	"errors"

	devhid "github.com/ardnew/usbcore/device/class/hid"
)

// ErrShortReport is returned when a report is smaller than its boot
// layout.
var ErrShortReport = errors.New("hid: short report")

// keyErrorRollOver fills every key slot when too many keys are held.
const keyErrorRollOver = 0x01

// KeyboardReport is a decoded boot keyboard input report.
type KeyboardReport struct {
	Modifiers uint8
	Keys      [6]uint8
}

// ParseKeyboardReport decodes an 8-byte boot keyboard report into out.
func ParseKeyboardReport(data []byte, out *KeyboardReport) error {
	if len(data) < devhid.KeyboardReportSize {
		return ErrShortReport
	}
	out.Modifiers = data[0]
	copy(out.Keys[:], data[2:8])
	return nil
}

// Shift reports whether either shift key is held.
func (r *KeyboardReport) Shift() bool {
	return r.Modifiers&(devhid.ModLeftShift|devhid.ModRightShift) != 0
}

// Pressed reports whether key is in the report.
func (r *KeyboardReport) Pressed(key uint8) bool {
	for _, k := range r.Keys {
		if k == key {
			return true
		}
	}
	return false
}

// RollOver reports whether the device signalled too many keys.
func (r *KeyboardReport) RollOver() bool {
	return r.Keys[0] == keyErrorRollOver
}

// ASCII returns the character of the first pressed key that has one on a
// US layout.
func (r *KeyboardReport) ASCII() (byte, bool) {
	if r.RollOver() {
		return 0, false
	}
	shift := 0
	if r.Shift() {
		shift = 1
	}
	for _, k := range r.Keys {
		if k == 0 {
			continue
		}
		if c := asciiTable[shift][k]; c != 0 {
			return c, true
		}
	}
	return 0, false
}

// asciiTable maps [shift][usage] to a character.
var asciiTable [2][256]byte

func init() {
	for c := 0; c < 0x80; c++ {
		mod, key, ok := devhid.KeyForRune(rune(c))
		if !ok {
			continue
		}
		shift := 0
		if mod&devhid.ModLeftShift != 0 {
			shift = 1
		}
		if asciiTable[shift][key] == 0 {
			asciiTable[shift][key] = byte(c)
		}
	}
	// Keys without a shifted character type the same either way.
	for key := range asciiTable[0] {
		if asciiTable[1][key] == 0 {
			asciiTable[1][key] = asciiTable[0][key]
		}
	}
}

// Mouse button bits.
const (
	ButtonLeft   = 1 << 0
	ButtonRight  = 1 << 1
	ButtonMiddle = 1 << 2
)

// MouseReport is a decoded boot mouse input report.
type MouseReport struct {
	Buttons uint8
	X       int8
	Y       int8
	Wheel   int8
}

// ParseMouseReport decodes a boot mouse report into out. The wheel byte is
// optional.
func ParseMouseReport(data []byte, out *MouseReport) error {
	if len(data) < 3 {
		return ErrShortReport
	}
	out.Buttons = data[0]
	out.X = int8(data[1])
	out.Y = int8(data[2])
	out.Wheel = 0
	if len(data) >= devhid.MouseReportSize {
		out.Wheel = int8(data[3])
	}
	return nil
}

// Left reports whether the left button is down.
func (r *MouseReport) Left() bool { return r.Buttons&ButtonLeft != 0 }

// Right reports whether the right button is down.
func (r *MouseReport) Right() bool { return r.Buttons&ButtonRight != 0 }

// Middle reports whether the middle button is down.
func (r *MouseReport) Middle() bool { return r.Buttons&ButtonMiddle != 0 }
