// Command usbdev emulates a USB device on a FIFO bus.
//
// The device is described by a YAML profile (see internal/config): a boot
// keyboard alone, or combined with a CDC-ACM serial function or a mass
// storage disk. Keyboard input comes from the terminal, or from -type.
// With a CDC profile naming a serial port, ACM data is bridged to it.
//
// Usage:
//
//	usbdev [options]
//
// Options:
//
//	-config path               Device profile (default: built-in keyboard)
//	-bus dir                   Bus directory, overriding the profile
//	-type text                 Type text periodically instead of reading the terminal
//	-type-period duration      Period for -type (default: 2s)
//	-enum-timeout duration     Time to wait for the host to configure the device (default: 30s)
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
	"syscall"
	"time"

	"github.com/ardnew/usbcore/device"
	"github.com/ardnew/usbcore/device/hal/fifo"
	"github.com/ardnew/usbcore/internal/config"
	"github.com/ardnew/usbcore/pkg"
)

// component identifies this executable for structured logging.
const component = pkg.ComponentDevice

func main() {
	configPath := flag.String("config", "", "device profile")
	busDir := flag.String("bus", "", "bus directory, overriding the profile")
	typeString := flag.String("type", "", "type this text periodically instead of reading the terminal")
	typePeriod := flag.Duration("type-period", 2*time.Second, "period for -type")
	enumTimeout := flag.Duration("enum-timeout", 30*time.Second, "time to wait for the host to configure the device")
	verbose := flag.Bool("v", false, "enable verbose (debug) logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	flag.Parse()

	if err := setupLogging(*verbose, *logFormat); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	profile, err := config.Load(*configPath)
	if err != nil {
		pkg.LogError(component, "failed to load profile", "error", err)
		os.Exit(1)
	}
	if *busDir != "" {
		profile.Bus.Dir = *busDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, profile, *typeString, *typePeriod, *enumTimeout); err != nil {
		pkg.LogError(component, "device failed", "error", err)
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

func run(ctx context.Context, profile *config.Profile, text string, period, enumTimeout time.Duration) error {
	speed, err := config.ParseSpeed(profile.Bus.Speed)
	if err != nil {
		return err
	}

	dev, fn, err := buildDevice(profile)
	if err != nil {
		return fmt.Errorf("build device: %w", err)
	}
	defer fn.Close()

	var serialBridge *bridge
	if fn.acm != nil && profile.CDC.Port != "" {
		if serialBridge, err = openBridge(profile.CDC.Port, profile.CDC.Baud, fn.acm); err != nil {
			return err
		}
	}

	stack := device.NewStack(dev, fifo.New(profile.Bus.Dir, fifo.WithSpeed(speed)))
	fn.SetStack(stack)

	pkg.LogInfo(component, "starting device",
		"kind", profile.Kind,
		"vendorID", fmt.Sprintf("%04x", profile.VendorID),
		"productID", fmt.Sprintf("%04x", profile.ProductID),
		"busDir", profile.Bus.Dir)
	if err := stack.Start(ctx); err != nil {
		return err
	}
	defer stack.Stop()

	enumCtx, cancel := context.WithTimeout(ctx, enumTimeout)
	err = stack.WaitConfigured(enumCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("waiting for configuration: %w", err)
	}
	pkg.LogInfo(component, "configured by host")

	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	bridgeDone := make(chan error, 1)
	if serialBridge != nil {
		go func() { bridgeDone <- serialBridge.run(ctx) }()
	} else {
		close(bridgeDone)
	}

	if text != "" {
		err = typeText(ctx, fn.keyboard, text, period)
	} else {
		err = typeTerminal(ctx, fn.keyboard)
	}
	cancelRun()
	if berr := <-bridgeDone; err == nil {
		err = berr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
