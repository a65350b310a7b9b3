// Command usbhost runs the host stack against a FIFO bus or, through
// libusb, real hardware.
//
// Every HID interface found is driven by the HID class driver and its
// input reports are logged, decoded when they use a boot protocol. A
// console on stdin inspects the attached devices (type help).
//
// Usage:
//
//	usbhost [options]
//
// Options:
//
//	-hal fifo|libusb           Controller (default: fifo)
//	-bus dir                   FIFO bus directory (default: /tmp/usbcore-bus)
//	-vid id, -pid id           libusb device to open (default: first HID device)
//	-poll duration             Class poll period (default: 1ms)
//	-console                   Read commands from stdin (default: true)
//	-v                         Enable verbose (debug) logging
//	-log-format text|json      Log format (default: text)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	libusb "github.com/google/gousb"

	devhid "github.com/ardnew/usbcore/device/class/hid"
	"github.com/ardnew/usbcore/host"
	hosthid "github.com/ardnew/usbcore/host/class/hid"
	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/host/hal/fifo"
	"github.com/ardnew/usbcore/host/hal/gousb"
	"github.com/ardnew/usbcore/internal/config"
	"github.com/ardnew/usbcore/internal/usbids"
	"github.com/ardnew/usbcore/pkg"
)

// component identifies this executable for structured logging.
const component = pkg.ComponentHost

func main() {
	halName := flag.String("hal", "fifo", "controller: fifo or libusb")
	busDir := flag.String("bus", config.DefaultBusDir, "FIFO bus directory")
	vid := flag.String("vid", "", "libusb vendor ID")
	pid := flag.String("pid", "", "libusb product ID")
	poll := flag.Duration("poll", host.DefaultPollInterval, "class poll period")
	withConsole := flag.Bool("console", true, "read commands from stdin")
	verbose := flag.Bool("v", false, "enable verbose (debug) logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	flag.Parse()

	if err := setupLogging(*verbose, *logFormat); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	controller, err := newController(*halName, *busDir, *vid, *pid)
	if err != nil {
		pkg.LogError(component, "bad controller options", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, controller, *poll, *withConsole); err != nil {
		pkg.LogError(component, "host failed", "error", err)
		os.Exit(1)
	}
}

func setupLogging(verbose bool, format string) error {
	if verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	} else {
		pkg.SetLogLevel(slog.LevelInfo)
	}
	switch format {
	case "text":
		pkg.SetLogFormat(pkg.LogFormatText)
	case "json":
		pkg.SetLogFormat(pkg.LogFormatJSON)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

func newController(name, busDir, vid, pid string) (hal.HostHAL, error) {
	switch name {
	case "fifo":
		return fifo.NewHostHAL(busDir), nil
	case "libusb":
		match, err := libusbMatch(vid, pid)
		if err != nil {
			return nil, err
		}
		return gousb.New(match), nil
	}
	return nil, fmt.Errorf("unknown controller %q", name)
}

// libusbMatch selects the device by VID:PID, or the first device with a
// HID interface when neither is given.
func libusbMatch(vid, pid string) (gousb.Match, error) {
	if vid == "" && pid == "" {
		return matchHID, nil
	}
	v, err := strconv.ParseUint(vid, 16, 16)
	if err != nil {
		return nil, fmt.Errorf("vid %q: %w", vid, err)
	}
	p, err := strconv.ParseUint(pid, 16, 16)
	if err != nil {
		return nil, fmt.Errorf("pid %q: %w", pid, err)
	}
	return gousb.MatchVIDPID(uint16(v), uint16(p)), nil
}

func matchHID(desc *libusb.DeviceDesc) bool {
	for _, cfg := range desc.Configs {
		for _, iface := range cfg.Interfaces {
			for _, alt := range iface.AltSettings {
				if alt.Class == libusb.Class(devhid.ClassHID) {
					return true
				}
			}
		}
	}
	return false
}

func onReport(h *hosthid.Handle, report []byte) {
	pkg.LogInfo(component, "report",
		"address", h.Device().Address(),
		"interface", h.Interface(),
		"report", describeReport(h.Protocol(), report))
}

func run(ctx context.Context, controller hal.HostHAL, poll time.Duration, withConsole bool) error {
	usbHost := host.New(controller, host.WithPollInterval(poll))
	usbHost.RegisterClass(hosthid.NewDriver(onReport))
	usbHost.SetOnDeviceConnect(func(dev *host.Device) {
		pkg.LogInfo(component, "device connected",
			"address", dev.Address(),
			"vendorID", fmt.Sprintf("%04x", dev.VendorID()),
			"productID", fmt.Sprintf("%04x", dev.ProductID()),
			"manufacturer", dev.Manufacturer(),
			"product", dev.Product(),
			"serial", dev.SerialNumber())
	})
	usbHost.SetOnDeviceDisconnect(func(dev *host.Device) {
		pkg.LogInfo(component, "device disconnected", "address", dev.Address())
	})

	if err := usbHost.Start(ctx); err != nil {
		return err
	}
	defer usbHost.Stop()
	pkg.LogInfo(component, "host started")

	if !withConsole {
		<-ctx.Done()
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		c := &console{host: usbHost, ids: usbids.System(), out: os.Stdout}
		done <- c.run(ctx, os.Stdin)
	}()
	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}
