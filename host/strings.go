package host

import (
	"strings"

	"golang.org/x/text/encoding/unicode"

	"github.com/ardnew/usbcore/pkg"
)

// utf16le decodes the UTF-16LE payload of string descriptors.
var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// DecodeStringDescriptor returns the text of a string descriptor. data may
// be longer than bLength; a truncated descriptor decodes what is present.
func DecodeStringDescriptor(data []byte) (string, error) {
	if len(data) < 2 {
		return "", pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeString {
		return "", pkg.ErrDescriptorTypeMismatch
	}
	length := int(data[0])
	if length > len(data) {
		length = len(data)
	}
	// Drop a dangling odd byte.
	payload := data[2:length]
	payload = payload[:len(payload)&^1]

	text, err := utf16le.NewDecoder().Bytes(payload)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(text), "\x00"), nil
}

// DecodeLanguageTable returns the LANGIDs of string descriptor 0.
func DecodeLanguageTable(data []byte) ([]uint16, error) {
	if len(data) < 2 {
		return nil, pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeString {
		return nil, pkg.ErrDescriptorTypeMismatch
	}
	length := int(data[0])
	if length > len(data) {
		length = len(data)
	}
	var ids []uint16
	for i := 2; i+1 < length; i += 2 {
		ids = append(ids, uint16(data[i])|uint16(data[i+1])<<8)
	}
	return ids, nil
}
