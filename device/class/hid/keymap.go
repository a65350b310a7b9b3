package hid

// KeyForRune maps a printable ASCII rune to a US-layout boot keyboard
// usage and the modifiers needed to type it. ok is false for runes that
// have no key.
func KeyForRune(r rune) (modifiers, key uint8, ok bool) {
	switch {
	case r >= 'a' && r <= 'z':
		return 0, KeyA + uint8(r-'a'), true
	case r >= 'A' && r <= 'Z':
		return ModLeftShift, KeyA + uint8(r-'A'), true
	case r >= '1' && r <= '9':
		return 0, Key1 + uint8(r-'1'), true
	case r == '0':
		return 0, Key0, true
	}
	switch r {
	case '\r', '\n':
		return 0, KeyEnter, true
	case '\t':
		return 0, KeyTab, true
	case ' ':
		return 0, KeySpace, true
	case 0x1B:
		return 0, KeyEscape, true
	case 0x08, 0x7F:
		return 0, KeyBackspace, true
	}
	for i := range shiftedKeys {
		if shiftedKeys[i].plain != 0 && shiftedKeys[i].plain == r {
			return 0, shiftedKeys[i].key, true
		}
		if shiftedKeys[i].shifted == r {
			return ModLeftShift, shiftedKeys[i].key, true
		}
	}
	return 0, 0, false
}

var shiftedKeys = [...]struct {
	key     uint8
	plain   rune
	shifted rune
}{
	{Key1, 0, '!'},
	{Key2, 0, '@'},
	{Key3, 0, '#'},
	{Key4, 0, '$'},
	{Key5, 0, '%'},
	{Key6, 0, '^'},
	{Key7, 0, '&'},
	{Key8, 0, '*'},
	{Key9, 0, '('},
	{Key0, 0, ')'},
	{KeyMinus, '-', '_'},
	{KeyEqual, '=', '+'},
	{KeyLeftBrace, '[', '{'},
	{KeyRightBrace, ']', '}'},
	{KeyBackslash, '\\', '|'},
	{KeySemicolon, ';', ':'},
	{KeyQuote, '\'', '"'},
	{KeyGrave, '`', '~'},
	{KeyComma, ',', '<'},
	{KeyDot, '.', '>'},
	{KeySlash, '/', '?'},
}
