// Package loopback connects a device stack and a host stack inside one
// process.
//
// A Bus hands out a device HAL and a host HAL joined by channels. The
// message flow is the one of the FIFO bus (see internal/wire) without the
// framing: SETUP frames carry the target address, IN data stages are
// acknowledged by the host, and a halted IN endpoint answers with STALL.
package loopback

import (
	"time"

	"github.com/ardnew/usbcore/device/hal"
	"github.com/ardnew/usbcore/internal/wire"
)

// MaxEndpoints is the number of data endpoint numbers (1-15).
const MaxEndpoints = 15

// Channel depths.
const (
	controlDepth  = 4
	endpointDepth = 16
)

// msg is one transaction on the bus. Types are the wire message types.
type msg struct {
	typ  byte
	data []byte
}

func message(typ byte, data []byte) msg {
	return msg{typ: typ, data: append([]byte(nil), data...)}
}

// Option configures a Bus.
type Option func(*Bus)

// WithSpeed sets the speed the device attaches at.
func WithSpeed(speed hal.Speed) Option {
	return func(b *Bus) { b.speed = speed }
}

// WithControlTimeout bounds each control transfer response on the host
// side.
func WithControlTimeout(d time.Duration) Option {
	return func(b *Bus) { b.controlTimeout = d }
}

// WithNAKTimeout sets how long an interrupt IN poll waits before it
// reports pkg.ErrNAK.
func WithNAKTimeout(d time.Duration) Option {
	return func(b *Bus) { b.nakTimeout = d }
}

// Bus is a single-port bus between one device and one host.
type Bus struct {
	speed          hal.Speed
	controlTimeout time.Duration
	nakTimeout     time.Duration

	conn  chan msg // device -> host: CONNECT, DISCONNECT
	h2d   chan msg // SETUP, OUT data, status ACK, RESET
	d2h   chan msg // IN data, ACK, STALL
	epIn  [MaxEndpoints]chan msg
	epOut [MaxEndpoints]chan msg

	device *Device
	host   *Host
}

// New creates a bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		speed:          hal.SpeedFull,
		controlTimeout: time.Second,
		nakTimeout:     5 * time.Millisecond,
		conn:           make(chan msg, controlDepth),
		h2d:            make(chan msg, controlDepth),
		d2h:            make(chan msg, controlDepth),
	}
	for _, opt := range opts {
		opt(b)
	}
	for i := range b.epIn {
		b.epIn[i] = make(chan msg, endpointDepth)
		b.epOut[i] = make(chan msg, endpointDepth)
	}
	b.device = newDevice(b)
	b.host = newHost(b)
	return b
}

// Device returns the device end of the bus.
func (b *Bus) Device() *Device { return b.device }

// Host returns the host end of the bus.
func (b *Bus) Host() *Host { return b.host }

func endpointIndex(address uint8) (int, bool) {
	num := int(address & 0x0F)
	if num == 0 || num > MaxEndpoints {
		return 0, false
	}
	return num - 1, true
}

// packets splits data into wire.PacketSize chunks. Empty data is one
// zero-length packet.
func packets(data []byte, fn func(packet []byte) error) error {
	for {
		n := len(data)
		if n > wire.PacketSize {
			n = wire.PacketSize
		}
		if err := fn(data[:n]); err != nil {
			return err
		}
		data = data[n:]
		if len(data) == 0 {
			return nil
		}
	}
}
