// Package wire frames the messages exchanged over the FIFO bus.
//
// A frame is a one-byte type, a little-endian 16-bit payload length, the
// payload, and a CRC-16/USB over everything before it:
//
//	[type][len lo][len hi][payload ...][crc lo][crc hi]
//
// Frames are written with a single write, so frames up to PIPE_BUF bytes
// never interleave on a shared pipe.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sigurn/crc16"

	"github.com/ardnew/usbcore/pkg"
)

// Message types.
const (
	MsgSetup      = 0x01 // [address][setup packet]
	MsgData       = 0x02 // data stage or endpoint packet
	MsgAck        = 0x03 // status stage handshake
	MsgNak        = 0x04
	MsgStall      = 0x05
	MsgConnect    = 0x10 // [speed]
	MsgDisconnect = 0x11
	MsgReset      = 0x12
)

// Frame layout.
const (
	HeaderSize  = 3
	TrailerSize = 2

	// MaxPayload bounds a frame payload. It holds a full control data
	// stage plus the setup header.
	MaxPayload   = 1024
	MaxFrameSize = HeaderSize + MaxPayload + TrailerSize

	// PacketSize is the largest data endpoint packet. Longer writes are
	// split, and a shorter packet ends an IN transfer.
	PacketSize = 512
)

// Errors.
var (
	ErrTooLarge    = errors.New("wire: payload too large")
	ErrShortBuffer = errors.New("wire: buffer too small")
)

var table = crc16.MakeTable(crc16.CRC16_USB)

// Frame is one decoded message. Payload aliases the buffer it was read
// into.
type Frame struct {
	Type    byte
	Payload []byte
}

// TypeName returns the name of a message type.
func TypeName(t byte) string {
	switch t {
	case MsgSetup:
		return "SETUP"
	case MsgData:
		return "DATA"
	case MsgAck:
		return "ACK"
	case MsgNak:
		return "NAK"
	case MsgStall:
		return "STALL"
	case MsgConnect:
		return "CONNECT"
	case MsgDisconnect:
		return "DISCONNECT"
	case MsgReset:
		return "RESET"
	default:
		return fmt.Sprintf("0x%02X", t)
	}
}

// Encode writes a frame to buf and returns its size.
func Encode(buf []byte, typ byte, payload []byte) (int, error) {
	if len(payload) > MaxPayload {
		return 0, ErrTooLarge
	}
	n := HeaderSize + len(payload) + TrailerSize
	if len(buf) < n {
		return 0, ErrShortBuffer
	}
	buf[0] = typ
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(payload)))
	copy(buf[HeaderSize:], payload)
	crc := crc16.Checksum(buf[:n-TrailerSize], table)
	binary.LittleEndian.PutUint16(buf[n-TrailerSize:n], crc)
	return n, nil
}

// Write encodes a frame into buf and writes it to w in one call.
func Write(w io.Writer, buf []byte, typ byte, payload []byte) error {
	n, err := Encode(buf, typ, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf[:n])
	return err
}

// Read reads one frame from r into buf. A checksum mismatch is reported
// as pkg.ErrCRC after the whole frame was consumed, so the stream stays
// aligned.
func Read(r io.Reader, buf []byte) (Frame, error) {
	if len(buf) < HeaderSize+TrailerSize {
		return Frame{}, ErrShortBuffer
	}
	if _, err := io.ReadFull(r, buf[:HeaderSize]); err != nil {
		return Frame{}, err
	}
	length := int(binary.LittleEndian.Uint16(buf[1:3]))
	if length > MaxPayload {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, length)
	}
	end := HeaderSize + length + TrailerSize
	if len(buf) < end {
		return Frame{}, ErrShortBuffer
	}
	if _, err := io.ReadFull(r, buf[HeaderSize:end]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}

	want := binary.LittleEndian.Uint16(buf[end-TrailerSize : end])
	if got := crc16.Checksum(buf[:end-TrailerSize], table); got != want {
		return Frame{}, fmt.Errorf("%w: %s frame got %#04x, want %#04x",
			pkg.ErrCRC, TypeName(buf[0]), got, want)
	}
	return Frame{Type: buf[0], Payload: buf[HeaderSize : end-TrailerSize]}, nil
}

// Err returns the error a handshake frame stands for: nil for ACK and
// DATA, pkg.ErrStall, pkg.ErrNAK, or pkg.ErrProtocol for anything else.
func (f Frame) Err() error {
	switch f.Type {
	case MsgAck, MsgData:
		return nil
	case MsgStall:
		return pkg.ErrStall
	case MsgNak:
		return pkg.ErrNAK
	default:
		return fmt.Errorf("%w: unexpected %s", pkg.ErrProtocol, TypeName(f.Type))
	}
}
