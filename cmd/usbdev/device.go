package main

import (
	"fmt"

	"github.com/ardnew/usbcore/device"
	"github.com/ardnew/usbcore/device/class/cdc"
	"github.com/ardnew/usbcore/device/class/composite"
	"github.com/ardnew/usbcore/device/class/hid"
	"github.com/ardnew/usbcore/device/class/msc"
	"github.com/ardnew/usbcore/internal/config"
)

// functions are the class drivers a profile produced.
type functions struct {
	keyboard *hid.HID
	acm      *cdc.ACM // hid-cdc only
	disk     *msc.MSC // hid-msc only
	image    *msc.FileStorage

	driver interface {
		SetStack(io device.EndpointIO)
		Close() error
	}
}

// SetStack connects every driver to the stack's data path.
func (f *functions) SetStack(io device.EndpointIO) { f.driver.SetStack(io) }

// Close releases the drivers and the disk image.
func (f *functions) Close() error {
	err := f.driver.Close()
	if f.image != nil {
		if cerr := f.image.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// buildDevice builds the device described by p.
func buildDevice(p *config.Profile) (*device.Device, *functions, error) {
	builder := device.NewDeviceBuilder().
		WithVendorProduct(p.VendorID, p.ProductID).
		WithStrings(p.Strings.Manufacturer, p.Strings.Product, p.Strings.Serial).
		AddConfiguration(1)

	fn := &functions{keyboard: hid.New(hid.KeyboardReportDescriptor)}

	switch p.Kind {
	case config.KindHID:
		fn.keyboard.ConfigureDevice(builder, composite.HIDEndpoint,
			hid.SubclassBoot, hid.ProtocolKeyboard, p.HID.Interval)
		fn.driver = fn.keyboard

	case config.KindHIDCDC:
		fn.acm = cdc.NewACM()
		fn.driver = composite.NewHIDCDC(builder, fn.keyboard, fn.acm)

	case config.KindHIDMSC:
		var storage msc.Storage
		if p.MSC.Image != "" {
			image, err := msc.NewFileStorage(p.MSC.Image, p.MSC.BlockSize, p.MSC.ReadOnly)
			if err != nil {
				return nil, nil, err
			}
			fn.image = image
			storage = image
		} else {
			mem := msc.NewMemoryStorage(p.MSC.Size(), p.MSC.BlockSize)
			mem.SetReadOnly(p.MSC.ReadOnly)
			storage = mem
		}
		fn.disk = msc.New(storage, p.MSC.Vendor, p.MSC.Model)
		fn.driver = composite.NewHIDMSC(builder, fn.keyboard, fn.disk)

	default:
		return nil, nil, fmt.Errorf("%w: kind %q", config.ErrInvalid, p.Kind)
	}

	dev, err := builder.Build()
	if err != nil {
		_ = fn.Close()
		return nil, nil, err
	}
	return dev, fn, nil
}
