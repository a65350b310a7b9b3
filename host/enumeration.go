package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/pkg"
)

// Enumeration errors.
var (
	ErrEnumerationFailed = errors.New("enumeration failed")
	ErrNoAddress         = errors.New("no address available")
)

// enumerateDevice resets port and walks the device through addressing,
// descriptor retrieval, and configuration. Control transfers go through
// the device's requester, so the one-outstanding-request rule holds from
// the first GET_DESCRIPTOR.
func (h *Host) enumerateDevice(ctx context.Context, port int) (*Device, error) {
	pkg.LogDebug(pkg.ComponentHost, "starting enumeration", "port", port)

	speed := h.hal.PortSpeed(port)
	if err := h.hal.ResetPort(port); err != nil {
		return nil, fmt.Errorf("reset port %d: %w", port, err)
	}

	dev := newDevice(h, port, speed)
	var buf [MaxDescriptorSize]byte

	// The first 8 bytes carry bMaxPacketSize0.
	n, err := dev.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:8])
	if err != nil {
		return nil, fmt.Errorf("%w: device descriptor: %w", ErrEnumerationFailed, err)
	}
	if n < 8 {
		return nil, fmt.Errorf("%w: short device descriptor (%d bytes)", ErrEnumerationFailed, n)
	}
	pkg.LogDebug(pkg.ComponentHost, "max packet size", "size", buf[7])

	address := h.allocateAddress()
	if address == 0 {
		return nil, ErrNoAddress
	}
	setup := StandardRequest(RequestTypeOut|RequestTypeDevice, RequestSetAddress, uint16(address), 0, 0)
	if _, err := dev.ControlTransfer(ctx, &setup, nil); err != nil {
		h.releaseAddress(address)
		return nil, fmt.Errorf("%w: set address %d: %w", ErrEnumerationFailed, address, err)
	}
	if err := h.hal.SetDeviceAddress(ctx, hal.DeviceAddress(address)); err != nil {
		h.releaseAddress(address)
		return nil, err
	}
	dev.setAddress(address)
	pkg.LogDebug(pkg.ComponentHost, "assigned address", "address", address)

	if err := h.readDescriptors(ctx, dev, buf[:]); err != nil {
		h.releaseAddress(address)
		return nil, err
	}

	if err := h.readStringDescriptors(ctx, dev, buf[:]); err != nil {
		pkg.LogDebug(pkg.ComponentHost, "string descriptors unavailable", "error", err)
	}

	if dev.config.ConfigurationValue > 0 {
		if err := dev.SetConfiguration(ctx, dev.config.ConfigurationValue); err != nil {
			h.releaseAddress(address)
			return nil, err
		}
	}
	return dev, nil
}

// readDescriptors reads the full device descriptor and the first
// configuration tree.
func (h *Host) readDescriptors(ctx context.Context, dev *Device, buf []byte) error {
	n, err := dev.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:DeviceDescriptorSize])
	if err != nil {
		return fmt.Errorf("%w: device descriptor: %w", ErrEnumerationFailed, err)
	}
	if err := ParseDeviceDescriptor(buf[:n], &dev.descriptor); err != nil {
		return fmt.Errorf("%w: device descriptor: %w", ErrEnumerationFailed, err)
	}
	pkg.LogDebug(pkg.ComponentHost, "device descriptor",
		"vendorID", dev.descriptor.VendorID,
		"productID", dev.descriptor.ProductID,
		"class", dev.descriptor.DeviceClass)

	n, err = dev.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:ConfigurationDescriptorSize])
	if err != nil {
		return fmt.Errorf("%w: configuration header: %w", ErrEnumerationFailed, err)
	}
	if n < ConfigurationDescriptorSize {
		return fmt.Errorf("%w: short configuration header", ErrEnumerationFailed)
	}
	total := int(buf[2]) | int(buf[3])<<8
	if total > len(buf) {
		total = len(buf)
	}

	n, err = dev.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:total])
	if err != nil {
		return fmt.Errorf("%w: configuration tree: %w", ErrEnumerationFailed, err)
	}
	if err := dev.parseConfigurationTree(buf[:n]); err != nil {
		return fmt.Errorf("%w: configuration tree: %w", ErrEnumerationFailed, err)
	}
	pkg.LogDebug(pkg.ComponentHost, "configuration descriptor",
		"numInterfaces", dev.config.NumInterfaces,
		"configValue", dev.config.ConfigurationValue)
	return nil
}

// readStringDescriptors caches the manufacturer, product and serial
// strings in the device's first language.
func (h *Host) readStringDescriptors(ctx context.Context, dev *Device, buf []byte) error {
	desc := &dev.descriptor
	if desc.ManufacturerIndex == 0 && desc.ProductIndex == 0 && desc.SerialNumberIndex == 0 {
		return nil
	}

	n, err := dev.GetDescriptor(ctx, DescriptorTypeString, 0, 0, buf[:255])
	if err != nil {
		return fmt.Errorf("language table: %w", err)
	}
	if ids, err := DecodeLanguageTable(buf[:n]); err == nil && len(ids) > 0 {
		dev.langID = ids[0]
	}

	for _, index := range [...]uint8{desc.ManufacturerIndex, desc.ProductIndex, desc.SerialNumberIndex} {
		if index == 0 || int(index) >= len(dev.strings) {
			continue
		}
		n, err := dev.GetDescriptor(ctx, DescriptorTypeString, index, dev.langID, buf[:255])
		if err != nil {
			pkg.LogDebug(pkg.ComponentHost, "string descriptor failed", "index", index, "error", err)
			continue
		}
		s, err := DecodeStringDescriptor(buf[:n])
		if err != nil {
			pkg.LogDebug(pkg.ComponentHost, "string descriptor malformed", "index", index, "error", err)
			continue
		}
		dev.strings[index] = s
		pkg.LogDebug(pkg.ComponentHost, "string descriptor", "index", index, "value", s)
	}
	return nil
}
