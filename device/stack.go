package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ardnew/usbcore/device/hal"
	"github.com/ardnew/usbcore/pkg"
)

// MaxControlDataSize bounds the OUT data stage the stack will buffer.
const MaxControlDataSize = 512

// pumpRetryDelay is the pause after a failed endpoint receive.
var pumpRetryDelay = 10 * time.Millisecond

// EndpointIO is the data path class drivers use to move payloads on their
// endpoints. *Stack implements it.
type EndpointIO interface {
	Read(ctx context.Context, ep *Endpoint, buf []byte) (int, error)
	Write(ctx context.Context, ep *Endpoint, data []byte) (int, error)

	// Halt sets ENDPOINT_HALT on ep. The host clears it with
	// CLEAR_FEATURE, which the owning class sees through Setup.
	Halt(ep *Endpoint) error
}

// Stack runs the control endpoint of a Device on a DeviceHAL and moves
// data between class drivers and the controller.
//
// A single goroutine owns EP0. Each SETUP resets the control stage; the
// transfer then either completes its DATA and STATUS stages or ends in a
// STALL of both EP0 directions. There is no retry: the host recovers by
// sending the next SETUP.
type Stack struct {
	device  *Device
	hal     hal.DeviceHAL
	handler *StandardRequestHandler

	mutex   sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	stage   ControlStage
	frame   uint16

	// Cancels the OUT endpoint pumps of the active configuration.
	pumpCancel context.CancelFunc
	pumps      sync.WaitGroup
	// Closed and replaced whenever the host clears an endpoint halt.
	unhalted chan struct{}
	// Closed while a configuration is active.
	configured chan struct{}

	setupBuf hal.SetupPacket
	setup    SetupPacket
	ep0Buf   [MaxControlDataSize]byte
}

var _ EndpointIO = (*Stack)(nil)

// NewStack creates a stack for dev on h.
func NewStack(dev *Device, h hal.DeviceHAL) *Stack {
	s := &Stack{
		device:     dev,
		hal:        h,
		unhalted:   make(chan struct{}),
		configured: make(chan struct{}),
	}
	s.handler = NewStandardRequestHandler(dev)
	s.handler.ctl = s
	return s
}

// Start initializes the controller, attaches to the bus and starts the
// control goroutine.
func (s *Stack) Start(ctx context.Context) error {
	s.mutex.Lock()
	if s.running {
		s.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mutex.Unlock()

	if err := s.hal.Init(s.ctx); err != nil {
		return err
	}
	if fs, ok := s.hal.(hal.FrameSource); ok {
		fs.SetFrameHandler(s.StartOfFrame)
	}
	if err := s.hal.Start(); err != nil {
		return err
	}

	s.mutex.Lock()
	s.running = true
	s.mutex.Unlock()

	s.device.SetSpeed(speedFromHAL(s.hal.GetSpeed()))
	s.device.Attach()

	pkg.LogDebug(pkg.ComponentStack, "device stack started")
	go s.controlLoop()
	return nil
}

// Stop detaches from the bus and stops every goroutine the stack started.
func (s *Stack) Stop() error {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return nil
	}
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	s.mutex.Unlock()

	s.stopPumps()
	if err := s.hal.Stop(); err != nil {
		return err
	}
	pkg.LogDebug(pkg.ComponentStack, "device stack stopped")
	return nil
}

// IsRunning reports whether Start succeeded and Stop has not been called.
func (s *Stack) IsRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.running
}

// Device returns the device the stack serves.
func (s *Stack) Device() *Device {
	return s.device
}

// Stage returns the stage of the current control transfer.
func (s *Stack) Stage() ControlStage {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.stage
}

func (s *Stack) setStage(stage ControlStage) {
	s.mutex.Lock()
	s.stage = stage
	s.mutex.Unlock()
}

func (s *Stack) controlLoop() {
	for {
		if s.ctx.Err() != nil {
			return
		}
		err := s.hal.ReadSetup(s.ctx, &s.setupBuf)
		switch {
		case err == nil:
		case s.ctx.Err() != nil:
			return
		case errors.Is(err, pkg.ErrReset):
			s.busReset()
			continue
		default:
			pkg.LogWarn(pkg.ComponentStack, "setup read failed", "error", err)
			continue
		}

		setupFromHAL(&s.setupBuf, &s.setup)
		if err := s.controlTransfer(&s.setup); err != nil {
			s.controlError(&s.setup, err)
		}
	}
}

// controlTransfer runs one control transfer from the SETUP stage through
// the STATUS stage.
func (s *Stack) controlTransfer(setup *SetupPacket) error {
	s.setStage(StageIdle)
	s.handler.reset()

	pkg.LogDebug(pkg.ComponentControl, "setup", "request", setup.String())

	in := setup.IsDeviceToHost() && setup.Length > 0

	var data []byte
	if !setup.IsDeviceToHost() && setup.Length > 0 {
		if int(setup.Length) > MaxControlDataSize {
			return pkg.ErrBufferTooSmall
		}
		s.setStage(StageDataOut)
		n, err := s.hal.ReadEP0(s.ctx, s.ep0Buf[:setup.Length])
		if err != nil {
			return err
		}
		data = s.ep0Buf[:n]
	}

	resp, err := s.handler.HandleSetup(setup, data)
	if err != nil {
		return err
	}

	if in {
		s.setStage(StageDataIn)
		if err := s.hal.WriteEP0(s.ctx, resp); err != nil {
			return err
		}
		s.setStage(StageStatusOut)
		if _, err := s.hal.ReadEP0(s.ctx, s.ep0Buf[:0]); err != nil {
			return err
		}
	} else {
		s.setStage(StageStatusIn)
		if err := s.hal.AckEP0(); err != nil {
			return err
		}
	}

	s.setStage(StageIdle)
	s.applyDeferred()
	return nil
}

// controlError is the single recovery path for a failed control transfer:
// both EP0 directions are stalled and the stack waits for the next SETUP.
func (s *Stack) controlError(setup *SetupPacket, err error) {
	s.handler.reset()
	s.setStage(StageStalled)

	pkg.LogDebug(pkg.ComponentControl, "request stalled",
		"request", setup.String(),
		"error", err)

	if stallErr := s.hal.StallEP0(); stallErr != nil {
		pkg.LogWarn(pkg.ComponentStack, "EP0 stall failed", "error", stallErr)
	}
}

// applyDeferred pushes side effects to the controller that must not
// happen before the status stage completed.
func (s *Stack) applyDeferred() {
	p := s.handler.takePending()
	if p.address {
		if err := s.hal.SetAddress(p.addressValue); err != nil {
			pkg.LogWarn(pkg.ComponentStack, "set address failed",
				"address", p.addressValue,
				"error", err)
		}
	}
	if p.testMode {
		if tm, ok := s.hal.(hal.TestModeHAL); ok {
			if err := tm.SetTestMode(p.testSelector); err != nil {
				pkg.LogWarn(pkg.ComponentStack, "test mode failed",
					"selector", p.testSelector,
					"error", err)
			}
		}
	}
}

func (s *Stack) busReset() {
	s.handler.reset()
	s.setStage(StageIdle)
	s.stopPumps()
	s.device.Reset()
	s.setConfigured(false)
	if err := s.hal.ConfigureEndpoints(nil); err != nil {
		pkg.LogWarn(pkg.ComponentStack, "endpoint reset failed", "error", err)
	}
}

// StartOfFrame dispatches a start-of-frame to every class of the active
// configuration. Controllers implementing hal.FrameSource call it; others
// may call it directly.
func (s *Stack) StartOfFrame(frame uint16) {
	s.mutex.Lock()
	s.frame = frame
	s.mutex.Unlock()

	config := s.device.ActiveConfiguration()
	if config == nil {
		return
	}
	for _, iface := range config.Interfaces() {
		iface.sof(frame)
	}
}

// FrameNumber returns the last frame number seen.
func (s *Stack) FrameNumber() uint16 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.frame
}

func (s *Stack) stallEndpoint(address uint8) error {
	return s.hal.Stall(address)
}

func (s *Stack) clearEndpointStall(address uint8) error {
	err := s.hal.ClearStall(address)
	s.mutex.Lock()
	close(s.unhalted)
	s.unhalted = make(chan struct{})
	s.mutex.Unlock()
	return err
}

func (s *Stack) haltCleared() <-chan struct{} {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.unhalted
}

// Halt sets ENDPOINT_HALT on ep on behalf of its class.
func (s *Stack) Halt(ep *Endpoint) error {
	ep.SetStall(true)
	pkg.LogDebug(pkg.ComponentEndpoint, "halted by class", "endpoint", ep.Address)
	return s.hal.Stall(ep.Address)
}

func (s *Stack) testModeSupported() bool {
	_, ok := s.hal.(hal.TestModeHAL)
	return ok
}

// programEndpoints reprograms the controller for config and starts a
// receive pump for every OUT endpoint whose class takes DataOut events.
// A nil config disables every data endpoint.
func (s *Stack) programEndpoints(config *Configuration) error {
	s.stopPumps()

	var (
		eps   [MaxInterfacesPerConfiguration * MaxEndpointsPerInterface]hal.EndpointConfig
		count int
	)
	if config != nil {
		for _, iface := range config.Interfaces() {
			for _, ep := range iface.Endpoints() {
				eps[count] = hal.EndpointConfig{
					Address:       ep.Address,
					Attributes:    ep.Attributes,
					MaxPacketSize: ep.MaxPacketSize,
					Interval:      ep.Interval,
				}
				count++
			}
		}
	}
	if err := s.hal.ConfigureEndpoints(eps[:count]); err != nil {
		return err
	}
	if config != nil {
		s.startPumps(config)
	}
	s.setConfigured(config != nil)
	return nil
}

func (s *Stack) setConfigured(on bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	select {
	case <-s.configured:
		if !on {
			s.configured = make(chan struct{})
		}
	default:
		if on {
			close(s.configured)
		}
	}
}

func (s *Stack) configuredSignal() <-chan struct{} {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.configured
}

func (s *Stack) startPumps(config *Configuration) {
	s.mutex.Lock()
	parent := s.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s.pumpCancel = cancel
	s.mutex.Unlock()

	for _, iface := range config.Interfaces() {
		if _, ok := iface.ClassDriver().(DataOutHandler); !ok {
			continue
		}
		for _, ep := range iface.Endpoints() {
			if ep.IsIn() {
				continue
			}
			s.pumps.Add(1)
			go s.pump(ctx, iface, ep)
		}
	}
}

func (s *Stack) stopPumps() {
	s.mutex.Lock()
	cancel := s.pumpCancel
	s.pumpCancel = nil
	s.mutex.Unlock()

	if cancel != nil {
		cancel()
		s.pumps.Wait()
	}
}

// pump receives on one OUT endpoint and hands each packet to the class.
func (s *Stack) pump(ctx context.Context, iface *Interface, ep *Endpoint) {
	defer s.pumps.Done()

	buf := make([]byte, ep.MaxPacketSize)
	for ctx.Err() == nil {
		if !s.waitUnhalted(ctx, ep) {
			return
		}
		n, err := s.hal.Read(ctx, ep.Address, buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, pkg.ErrStall) {
				ep.SetStall(true)
				continue
			}
			pkg.LogDebug(pkg.ComponentEndpoint, "receive failed",
				"endpoint", ep.Address,
				"error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pumpRetryDelay):
			}
			continue
		}
		ep.ToggleData()
		if err := iface.dataOut(ep.Address, buf[:n]); err != nil {
			pkg.LogWarn(pkg.ComponentClass, "data out handler failed",
				"interface", iface.Number,
				"endpoint", ep.Address,
				"error", err)
		}
	}
}

// waitUnhalted blocks while ep is halted. It returns false if ctx ends
// first.
func (s *Stack) waitUnhalted(ctx context.Context, ep *Endpoint) bool {
	for {
		cleared := s.haltCleared()
		if !ep.IsStalled() {
			return true
		}
		select {
		case <-cleared:
		case <-ctx.Done():
			return false
		}
	}
}

// Read receives from an OUT endpoint. It is meant for classes that do not
// take DataOut events; on endpoints that do, the stack's pump competes for
// the data.
func (s *Stack) Read(ctx context.Context, ep *Endpoint, buf []byte) (int, error) {
	if !s.device.IsConfigured() {
		return 0, pkg.ErrNotConfigured
	}
	if ep.IsStalled() {
		return 0, pkg.ErrStall
	}
	n, err := s.hal.Read(ctx, ep.Address, buf)
	if err == nil {
		ep.ToggleData()
	}
	return n, err
}

// Write sends on an IN endpoint and, once the controller accepted the
// data, dispatches DataIn to the owning class.
func (s *Stack) Write(ctx context.Context, ep *Endpoint, data []byte) (int, error) {
	if !s.device.IsConfigured() {
		return 0, pkg.ErrNotConfigured
	}
	if ep.IsStalled() {
		return 0, pkg.ErrStall
	}
	n, err := s.hal.Write(ctx, ep.Address, data)
	if err != nil {
		return n, err
	}
	ep.ToggleData()
	if _, iface := s.device.GetEndpoint(ep.Address); iface != nil {
		if err := iface.dataIn(ep.Address); err != nil {
			pkg.LogWarn(pkg.ComponentClass, "data in handler failed",
				"interface", iface.Number,
				"endpoint", ep.Address,
				"error", err)
		}
	}
	return n, nil
}

// Speed returns the negotiated bus speed.
func (s *Stack) Speed() Speed {
	return speedFromHAL(s.hal.GetSpeed())
}

// IsConnected reports whether a host is attached.
func (s *Stack) IsConnected() bool {
	return s.hal.IsConnected()
}

// WaitConnect blocks until a host attaches.
func (s *Stack) WaitConnect(ctx context.Context) error {
	return s.hal.WaitConnect(ctx)
}

// WaitConfigured blocks until the host selects a configuration.
func (s *Stack) WaitConfigured(ctx context.Context) error {
	select {
	case <-s.configuredSignal():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func speedFromHAL(sp hal.Speed) Speed {
	switch sp {
	case hal.SpeedLow:
		return SpeedLow
	case hal.SpeedHigh:
		return SpeedHigh
	default:
		return SpeedFull
	}
}
