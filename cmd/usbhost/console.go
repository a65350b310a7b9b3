package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/google/shlex"

	devhid "github.com/ardnew/usbcore/device/class/hid"
	"github.com/ardnew/usbcore/host"
	hosthid "github.com/ardnew/usbcore/host/class/hid"
	"github.com/ardnew/usbcore/internal/usbids"
	"github.com/ardnew/usbcore/pkg"
)

const prompt = "usb> "

// Descriptor types accepted by name in get-desc.
var descriptorTypes = map[string]uint8{
	"device":      host.DescriptorTypeDevice,
	"config":      host.DescriptorTypeConfiguration,
	"string":      host.DescriptorTypeString,
	"qualifier":   host.DescriptorTypeDeviceQualifier,
	"other-speed": host.DescriptorTypeOtherSpeedConfig,
	"hid":         devhid.DescriptorTypeHID,
	"report":      devhid.DescriptorTypeReport,
}

const langEnglishUS = 0x0409

var errQuit = errors.New("quit")

// console runs interactive commands against the host's devices.
type console struct {
	host *host.Host
	ids  *usbids.DB // optional
	out  io.Writer
}

func (c *console) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(c.out, prompt)
	for scanner.Scan() {
		err := c.exec(ctx, scanner.Text())
		if errors.Is(err, errQuit) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			fmt.Fprintf(c.out, "error (%s): %v\n", pkg.ResultOf(err), err)
		}
		fmt.Fprint(c.out, prompt)
	}
	return scanner.Err()
}

// exec runs one command line. It returns errQuit for quit.
func (c *console) exec(ctx context.Context, line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if len(args) == 0 {
		return nil
	}
	switch args[0] {
	case "help", "?":
		c.help()
		return nil
	case "status":
		c.status()
		return nil
	case "get-desc":
		return c.getDesc(ctx, args[1:])
	case "clear-halt":
		return c.clearHalt(ctx, args[1:])
	case "quit", "exit":
		return errQuit
	}
	return fmt.Errorf("unknown command %q (try help)", args[0])
}

func (c *console) help() {
	fmt.Fprint(c.out, `commands:
  status                                  list devices, interfaces and class state
  get-desc <type> <index> [address]       read a descriptor; type is a number or one of
                                          device config string qualifier other-speed hid report
                                          (hid and report take the interface number as index)
  clear-halt <endpoint> [address]         clear an endpoint halt
  quit
`)
}

func (c *console) status() {
	devices := c.host.Devices()
	if len(devices) == 0 {
		fmt.Fprintln(c.out, "no devices")
		return
	}
	for _, dev := range devices {
		fmt.Fprintf(c.out, "address %d  %04x:%04x  %q %q  %s  %s\n",
			dev.Address(), dev.VendorID(), dev.ProductID(),
			dev.Manufacturer(), dev.Product(), dev.Speed(), dev.State())
		if c.ids != nil {
			if vendor := c.ids.Vendor(dev.VendorID()); vendor != "" {
				fmt.Fprintf(c.out, "  usb.ids: %s / %s\n", vendor, c.ids.Product(dev.VendorID(), dev.ProductID()))
			}
		}

		handles := c.host.Handles(dev)
		for _, iface := range dev.Interfaces() {
			d := iface.Descriptor
			fmt.Fprintf(c.out, "  interface %d  class %02x/%02x/%02x  endpoints %d",
				d.InterfaceNumber, d.InterfaceClass, d.InterfaceSubClass, d.InterfaceProtocol,
				len(iface.Endpoints))
			if h, ok := handles[d.InterfaceNumber].(*hosthid.Handle); ok {
				fmt.Fprintf(c.out, "  hid requests=%s poll=%s overruns=%d",
					h.RequestState(), h.State(), h.Overruns())
			}
			fmt.Fprintln(c.out)
		}
	}
}

// device returns the device at the optional address argument, or the
// first device.
func (c *console) device(args []string) (*host.Device, error) {
	if len(args) > 0 {
		addr, err := strconv.ParseUint(args[0], 0, 7)
		if err != nil {
			return nil, fmt.Errorf("address %q: %w", args[0], err)
		}
		if dev := c.host.GetDevice(uint8(addr)); dev != nil {
			return dev, nil
		}
		return nil, fmt.Errorf("no device at address %d", addr)
	}
	devices := c.host.Devices()
	if len(devices) == 0 {
		return nil, errors.New("no devices")
	}
	return devices[0], nil
}

func (c *console) getDesc(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: get-desc <type> <index> [address]")
	}
	descType, ok := descriptorTypes[args[0]]
	if !ok {
		v, err := strconv.ParseUint(args[0], 0, 8)
		if err != nil {
			return fmt.Errorf("descriptor type %q", args[0])
		}
		descType = uint8(v)
	}
	index, err := strconv.ParseUint(args[1], 0, 8)
	if err != nil {
		return fmt.Errorf("index %q: %w", args[1], err)
	}
	dev, err := c.device(args[2:])
	if err != nil {
		return err
	}

	var buf [host.MaxDescriptorSize]byte
	setup := host.GetDescriptorRequest(host.RequestTypeDevice, descType, uint8(index), 0, uint16(len(buf)))
	switch {
	case descType == devhid.DescriptorTypeHID || descType == devhid.DescriptorTypeReport:
		setup = host.GetDescriptorRequest(host.RequestTypeInterface, descType, 0, uint16(index), uint16(len(buf)))
	case descType == host.DescriptorTypeString && index != 0:
		setup.Index = langEnglishUS
	}
	n, err := dev.ControlTransfer(ctx, &setup, buf[:])
	if err != nil {
		return err
	}
	fmt.Fprint(c.out, hex.Dump(buf[:n]))
	return nil
}

func (c *console) clearHalt(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: clear-halt <endpoint> [address]")
	}
	ep, err := strconv.ParseUint(args[0], 0, 8)
	if err != nil || ep&0x0F == 0 {
		return fmt.Errorf("endpoint %q", args[0])
	}
	dev, err := c.device(args[1:])
	if err != nil {
		return err
	}
	if err := dev.ClearEndpointHalt(ctx, uint8(ep)); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "endpoint %#02x cleared\n", ep)
	return nil
}
