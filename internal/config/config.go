// Package config loads the YAML profile that describes an emulated device
// and the bus it attaches to.
//
// A minimal profile:
//
//	kind: hid-cdc
//	vendor_id: 0x1209
//	product_id: 0x0001
//	strings:
//	  product: Keyboard and Serial
//	cdc:
//	  port: /dev/ttyUSB0
//	  baud: 115200
//
// Unknown keys are rejected. Missing values take the defaults in Default.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"

	"github.com/ardnew/usbcore/device/hal"
)

// Kind selects the functions the device exposes.
type Kind string

// Device kinds.
const (
	KindHID    Kind = "hid"
	KindHIDCDC Kind = "hid-cdc"
	KindHIDMSC Kind = "hid-msc"
)

// Defaults.
const (
	DefaultVendorID    = 0x1209
	DefaultProductID   = 0x0001
	DefaultHIDInterval = 10
	DefaultDiskSize    = "64KB"
	DefaultBlockSize   = 512
	DefaultBaud        = 115200
	DefaultBusDir      = "/tmp/usbcore-bus"
)

// ErrInvalid reports a profile that loaded but cannot be used.
var ErrInvalid = errors.New("invalid profile")

// Strings holds the string descriptors.
type Strings struct {
	Manufacturer string `yaml:"manufacturer"`
	Product      string `yaml:"product"`
	Serial       string `yaml:"serial"`
}

// HID configures the keyboard function.
type HID struct {
	// Interval is the interrupt IN bInterval in frames.
	Interval uint8 `yaml:"interval"`
}

// CDC configures the CDC-ACM function and its serial bridge. An empty
// Port leaves the ACM data unbridged.
type CDC struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// MSC configures the mass storage function. Image, when set, backs the
// disk with a file instead of RAM.
type MSC struct {
	DiskSize  string `yaml:"disk_size"`
	BlockSize uint32 `yaml:"block_size"`
	Image     string `yaml:"image"`
	ReadOnly  bool   `yaml:"read_only"`
	Vendor    string `yaml:"vendor"`
	Model     string `yaml:"model"`

	size uint64
}

// Size returns the parsed DiskSize in bytes, valid after Validate.
func (m *MSC) Size() uint64 { return m.size }

// Bus configures the FIFO bus.
type Bus struct {
	Dir   string `yaml:"dir"`
	Speed string `yaml:"speed"`
}

// Profile is a complete device description.
type Profile struct {
	Kind      Kind    `yaml:"kind"`
	VendorID  uint16  `yaml:"vendor_id"`
	ProductID uint16  `yaml:"product_id"`
	Strings   Strings `yaml:"strings"`
	HID       HID     `yaml:"hid"`
	CDC       CDC     `yaml:"cdc"`
	MSC       MSC     `yaml:"msc"`
	Bus       Bus     `yaml:"bus"`
}

// Default returns the profile used when no file is given: a boot keyboard
// on the default bus directory.
func Default() *Profile {
	return &Profile{
		Kind:      KindHID,
		VendorID:  DefaultVendorID,
		ProductID: DefaultProductID,
		Strings: Strings{
			Manufacturer: "usbcore",
			Product:      "Emulated Keyboard",
			Serial:       "0001",
		},
		HID: HID{Interval: DefaultHIDInterval},
		CDC: CDC{Baud: DefaultBaud},
		MSC: MSC{
			DiskSize:  DefaultDiskSize,
			BlockSize: DefaultBlockSize,
			Vendor:    "usbcore",
			Model:     "RAM Disk",
		},
		Bus: Bus{Dir: DefaultBusDir, Speed: "full"},
	}
}

// Load reads and validates the profile at path. An empty path returns the
// validated defaults.
func Load(path string) (*Profile, error) {
	if path == "" {
		p := Default()
		return p, p.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a YAML profile over the defaults and validates it.
func Parse(data []byte) (*Profile, error) {
	p := Default()
	if err := yaml.UnmarshalStrict(data, p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the profile and resolves derived values.
func (p *Profile) Validate() error {
	p.Kind = Kind(strings.ToLower(string(p.Kind)))
	switch p.Kind {
	case KindHID, KindHIDCDC, KindHIDMSC:
	default:
		return fmt.Errorf("%w: kind %q (want %s, %s or %s)", ErrInvalid, p.Kind, KindHID, KindHIDCDC, KindHIDMSC)
	}
	if p.VendorID == 0 {
		return fmt.Errorf("%w: vendor_id is zero", ErrInvalid)
	}
	if p.HID.Interval == 0 {
		return fmt.Errorf("%w: hid.interval must be at least 1", ErrInvalid)
	}
	if p.Bus.Dir == "" {
		return fmt.Errorf("%w: bus.dir is empty", ErrInvalid)
	}
	if _, err := ParseSpeed(p.Bus.Speed); err != nil {
		return err
	}

	if p.Kind == KindHIDCDC && p.CDC.Port != "" && p.CDC.Baud <= 0 {
		return fmt.Errorf("%w: cdc.baud %d", ErrInvalid, p.CDC.Baud)
	}
	if p.Kind == KindHIDMSC {
		return p.MSC.validate()
	}
	return nil
}

func (m *MSC) validate() error {
	switch m.BlockSize {
	case 512, 1024, 2048, 4096:
	default:
		return fmt.Errorf("%w: msc.block_size %d", ErrInvalid, m.BlockSize)
	}
	if m.Image != "" {
		return nil
	}
	size, err := bytesize.Parse(m.DiskSize)
	if err != nil {
		return fmt.Errorf("%w: msc.disk_size %q: %v", ErrInvalid, m.DiskSize, err)
	}
	m.size = uint64(size)
	if m.size == 0 || m.size%uint64(m.BlockSize) != 0 {
		return fmt.Errorf("%w: msc.disk_size %s is not a multiple of %d", ErrInvalid, size, m.BlockSize)
	}
	return nil
}

// ParseSpeed maps a speed name to the HAL speed.
func ParseSpeed(name string) (hal.Speed, error) {
	switch strings.ToLower(name) {
	case "low":
		return hal.SpeedLow, nil
	case "", "full":
		return hal.SpeedFull, nil
	case "high":
		return hal.SpeedHigh, nil
	}
	return hal.SpeedUnknown, fmt.Errorf("%w: bus.speed %q", ErrInvalid, name)
}
