package hid

import (
	"context"
	"errors"
	"fmt"
	"sync"

	devhid "github.com/ardnew/usbcore/device/class/hid"
	"github.com/ardnew/usbcore/host"
	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/pkg"
)

// Buffer limits.
const (
	MaxReportSize           = 64
	MaxReportDescriptorSize = host.MaxDescriptorSize
	ReportQueueDepth        = 8
)

// bmRequestType values for HID class requests on an interface.
const (
	requestTypeClassOut = host.RequestTypeOut | host.RequestTypeClass | host.RequestTypeInterface
	requestTypeClassIn  = host.RequestTypeIn | host.RequestTypeClass | host.RequestTypeInterface
)

// RequestState is the position of a handle in its class-request sequence.
type RequestState uint8

// Request states, in order.
const (
	ReqInit RequestState = iota
	ReqGetHIDDesc
	ReqGetReportDesc
	ReqSetIdle
	ReqSetProtocol
	ReqIdle
)

var requestStateNames = [...]string{
	ReqInit:          "init",
	ReqGetHIDDesc:    "get-hid-desc",
	ReqGetReportDesc: "get-report-desc",
	ReqSetIdle:       "set-idle",
	ReqSetProtocol:   "set-protocol",
	ReqIdle:          "idle",
}

// String returns the state name.
func (s RequestState) String() string {
	if int(s) < len(requestStateNames) {
		return requestStateNames[s]
	}
	return fmt.Sprintf("RequestState(%d)", uint8(s))
}

// State is the position of a handle in its interrupt polling loop.
type State uint8

// Polling states.
const (
	StateIdle State = iota
	StateSync
	StateGetData
	StatePoll
	StateError
)

var stateNames = [...]string{
	StateIdle:    "idle",
	StateSync:    "sync",
	StateGetData: "get-data",
	StatePoll:    "poll",
	StateError:   "error",
}

// String returns the state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// ReportFunc receives each input report. report is only valid for the
// duration of the call.
type ReportFunc func(h *Handle, report []byte)

// Driver binds to HID interfaces that have an interrupt IN endpoint.
type Driver struct {
	onReport ReportFunc
}

// NewDriver returns a HID class driver. onReport may be nil; reports are
// then only queued for Handle.Read.
func NewDriver(onReport ReportFunc) *Driver {
	return &Driver{onReport: onReport}
}

// Match reports whether iface is a HID interface.
func (d *Driver) Match(iface *host.Interface) bool {
	return iface.Descriptor.InterfaceClass == devhid.ClassHID
}

// Init creates the state machine for iface.
func (d *Driver) Init(dev *host.Device, iface *host.Interface) (host.ClassHandle, error) {
	in := iface.FindEndpoint(host.EndpointTypeInterrupt, true)
	if in == nil {
		return nil, fmt.Errorf("hid interface %d: no interrupt IN endpoint: %w",
			iface.Number(), pkg.ErrInvalidEndpoint)
	}

	h := &Handle{
		dev:      dev,
		iface:    iface.Number(),
		subclass: iface.Descriptor.InterfaceSubClass,
		protocol: iface.Descriptor.InterfaceProtocol,
		inEP:     in.EndpointAddress,
		length:   int(in.MaxPacketSize),
		interval: pollInterval(dev.Speed(), in.Interval),
		onReport: d.onReport,
	}
	if h.length == 0 || h.length > MaxReportSize {
		h.length = MaxReportSize
	}
	if out := iface.FindEndpoint(host.EndpointTypeInterrupt, false); out != nil {
		h.outEP = out.EndpointAddress
	}

	pkg.LogDebug(pkg.ComponentClass, "hid interface",
		"address", dev.Address(),
		"interface", h.iface,
		"protocol", h.protocol,
		"endpoint", h.inEP,
		"interval", h.interval)
	return h, nil
}

// pollInterval converts bInterval to frames. High-speed endpoints encode
// 2^(bInterval-1) microframes. The result is capped at host.FrameMask, the
// largest distance the 11-bit frame counter can measure.
func pollInterval(speed hal.Speed, bInterval uint8) uint16 {
	if bInterval == 0 {
		return 1
	}
	if speed == hal.SpeedHigh {
		if bInterval > 16 {
			bInterval = 16
		}
		frames := uint16(1<<(bInterval-1)) / 8
		switch {
		case frames == 0:
			return 1
		case frames > host.FrameMask:
			return host.FrameMask
		}
		return frames
	}
	return uint16(bInterval)
}

// Handle is the per-interface HID state machine.
type Handle struct {
	dev      *host.Device
	iface    uint8
	subclass uint8
	protocol uint8
	inEP     uint8
	outEP    uint8
	length   int
	interval uint16
	onReport ReportFunc

	mu         sync.Mutex
	reqState   RequestState
	state      State
	frame      uint16
	start      uint16
	transfer   *host.Transfer
	stalled    bool
	requesting bool

	hidDesc    devhid.HIDDescriptor
	descBuf    [MaxReportDescriptorSize]byte
	reportDesc []byte

	data      [MaxReportSize]byte
	delivered [MaxReportSize]byte
	queue     reportQueue
	overruns  int
}

var _ host.ClassHandle = (*Handle)(nil)

// Requests advances the class-request sequence by at most one state.
func (h *Handle) Requests(ctx context.Context) (host.Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.reqState {
	case ReqInit:
		h.reqState = ReqGetHIDDesc
		return host.StatusBusy, nil

	case ReqGetHIDDesc:
		setup := host.GetDescriptorRequest(host.RequestTypeInterface,
			devhid.DescriptorTypeHID, 0, uint16(h.iface), devhid.HIDDescriptorSize)
		st, err := h.request(ctx, &setup, h.descBuf[:devhid.HIDDescriptorSize])
		if st != host.StatusOK {
			return h.fatal(st, err, "hid descriptor")
		}
		if err := devhid.ParseHIDDescriptor(h.descBuf[:h.dev.Control().Len()], &h.hidDesc); err != nil {
			return host.StatusFail, fmt.Errorf("hid descriptor: %w", err)
		}
		h.reqState = ReqGetReportDesc
		return host.StatusBusy, nil

	case ReqGetReportDesc:
		length := int(h.hidDesc.ReportDescLen)
		if length > len(h.descBuf) {
			length = len(h.descBuf)
		}
		setup := host.GetDescriptorRequest(host.RequestTypeInterface,
			devhid.DescriptorTypeReport, 0, uint16(h.iface), uint16(length))
		st, err := h.request(ctx, &setup, h.descBuf[:length])
		if st != host.StatusOK {
			return h.fatal(st, err, "report descriptor")
		}
		h.reportDesc = append(h.reportDesc[:0], h.descBuf[:h.dev.Control().Len()]...)
		h.reqState = ReqSetIdle
		return host.StatusBusy, nil

	case ReqSetIdle:
		setup := hal.SetupPacket{
			RequestType: requestTypeClassOut,
			Request:     devhid.RequestSetIdle,
			Index:       uint16(h.iface),
		}
		st, err := h.request(ctx, &setup, nil)
		switch st {
		case host.StatusOK, host.StatusNotSupported:
			h.reqState = ReqSetProtocol
			return host.StatusBusy, nil
		case host.StatusBusy:
			return st, nil
		}
		return st, err

	case ReqSetProtocol:
		protocol := uint16(devhid.ProtocolReport)
		if h.subclass == devhid.SubclassBoot {
			protocol = devhid.ProtocolBoot
		}
		setup := hal.SetupPacket{
			RequestType: requestTypeClassOut,
			Request:     devhid.RequestSetProtocol,
			Value:       protocol,
			Index:       uint16(h.iface),
		}
		st, err := h.request(ctx, &setup, nil)
		switch st {
		case host.StatusOK, host.StatusNotSupported:
			h.reqState = ReqIdle
			pkg.LogDebug(pkg.ComponentClass, "hid requests complete",
				"interface", h.iface,
				"reportDescriptor", len(h.reportDesc))
			return host.StatusOK, nil
		case host.StatusBusy:
			return st, nil
		}
		return st, err

	case ReqIdle:
		return host.StatusOK, nil
	}
	return host.StatusFail, pkg.ErrInvalidState
}

// fatal maps a non-OK status of a mandatory request.
func (h *Handle) fatal(st host.Status, err error, what string) (host.Status, error) {
	switch st {
	case host.StatusBusy:
		return st, nil
	case host.StatusNotSupported:
		return st, fmt.Errorf("%s: %w", what, pkg.ErrStall)
	}
	if err != nil {
		err = fmt.Errorf("%s: %w", what, err)
	}
	return st, err
}

// request issues setup through the device's control requester. A request
// made by another interface of the device is waited out.
func (h *Handle) request(ctx context.Context, setup *hal.SetupPacket, buf []byte) (host.Status, error) {
	st, err := h.dev.Control().Request(ctx, setup, buf)
	h.requesting = st == host.StatusBusy && err == nil
	if st == host.StatusBusy && errors.Is(err, pkg.ErrBusy) {
		return host.StatusBusy, nil
	}
	return st, err
}

// Process advances the polling loop by at most one state. The report
// callback, if any, runs after the handle is unlocked.
func (h *Handle) Process(ctx context.Context) (host.Status, error) {
	h.mu.Lock()
	st, report, err := h.process(ctx)
	cb := h.onReport
	h.mu.Unlock()

	if report != nil && cb != nil {
		cb(h, report)
	}
	return st, err
}

func (h *Handle) process(ctx context.Context) (host.Status, []byte, error) {
	switch h.state {
	case StateIdle:
		h.state = StateSync
		return host.StatusOK, nil, nil

	case StateSync:
		// The first IN token goes out on an even frame.
		if h.frame&1 != 0 {
			return host.StatusBusy, nil, nil
		}
		h.state = StateGetData
		return host.StatusOK, nil, nil

	case StateGetData:
		t := &host.Transfer{
			Endpoint: h.inEP,
			Type:     hal.TransferInterrupt,
			Data:     h.data[:h.length],
			Context:  ctx,
		}
		if _, err := h.dev.Submit(t); err != nil {
			h.state = StateError
			return host.StatusUnrecoveredError, nil, err
		}
		h.transfer = t
		h.start = h.frame
		h.state = StatePoll
		return host.StatusOK, nil, nil

	case StatePoll:
		return h.poll(ctx)

	case StateError:
		return host.StatusUnrecoveredError, nil, pkg.ErrInvalidState
	}
	return host.StatusFail, nil, pkg.ErrInvalidState
}

func (h *Handle) poll(ctx context.Context) (host.Status, []byte, error) {
	var report []byte
	if t := h.transfer; t != nil && t.IsComplete() {
		h.transfer = nil
		n, err := t.Result()
		switch {
		case err == nil:
			report = h.deliver(h.data[:n])
		case errors.Is(err, pkg.ErrNAK), errors.Is(err, pkg.ErrTimeout):
		case errors.Is(err, pkg.ErrStall):
			pkg.LogDebug(pkg.ComponentClass, "hid endpoint stalled",
				"interface", h.iface,
				"endpoint", h.inEP)
			h.stalled = true
		default:
			h.state = StateError
			return host.StatusUnrecoveredError, nil, fmt.Errorf("hid interrupt IN: %w", err)
		}
	}

	if h.stalled {
		setup := host.ClearHaltRequest(h.inEP)
		st, err := h.request(ctx, &setup, nil)
		switch st {
		case host.StatusOK:
			h.stalled = false
			h.state = StateGetData
		case host.StatusBusy:
		default:
			pkg.LogDebug(pkg.ComponentClass, "clear halt failed",
				"endpoint", h.inEP,
				"status", st,
				"error", err)
		}
		return host.StatusBusy, report, nil
	}

	if h.transfer == nil && (h.frame-h.start)&host.FrameMask >= h.interval {
		h.state = StateGetData
	}
	return host.StatusOK, report, nil
}

// deliver queues report and returns the copy handed to the callback. A
// full queue drops the new report.
func (h *Handle) deliver(report []byte) []byte {
	if !h.queue.push(report) {
		h.overruns++
		pkg.LogDebug(pkg.ComponentClass, "hid report queue full",
			"interface", h.iface,
			"overruns", h.overruns)
	}
	n := copy(h.delivered[:], report)
	return h.delivered[:n]
}

// SOF records the current frame number.
func (h *Handle) SOF(frame uint16) {
	h.mu.Lock()
	h.frame = frame
	h.mu.Unlock()
}

// DeInit cancels the outstanding transfers of the handle.
func (h *Handle) DeInit() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.transfer != nil {
		h.dev.Cancel(h.transfer)
		h.transfer = nil
	}
	if h.requesting {
		h.dev.Control().Abort()
		h.requesting = false
	}
	h.state = StateIdle
	return nil
}

// Read pops the oldest queued report into buf.
func (h *Handle) Read(buf []byte) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.queue.pop(buf)
}

// SetReport sends a report with SET_REPORT. It is cooperative like
// host.ControlRequester.Request and must be repeated until it returns a
// status other than host.StatusBusy.
func (h *Handle) SetReport(ctx context.Context, reportType, reportID uint8, data []byte) (host.Status, error) {
	setup := hal.SetupPacket{
		RequestType: requestTypeClassOut,
		Request:     devhid.RequestSetReport,
		Value:       uint16(reportType)<<8 | uint16(reportID),
		Index:       uint16(h.iface),
		Length:      uint16(len(data)),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.request(ctx, &setup, data)
}

// GetReport reads a report with GET_REPORT into buf. It is cooperative;
// the length is available from the device's requester once it returns
// host.StatusOK.
func (h *Handle) GetReport(ctx context.Context, reportType, reportID uint8, buf []byte) (host.Status, error) {
	setup := hal.SetupPacket{
		RequestType: requestTypeClassIn,
		Request:     devhid.RequestGetReport,
		Value:       uint16(reportType)<<8 | uint16(reportID),
		Index:       uint16(h.iface),
		Length:      uint16(len(buf)),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.request(ctx, &setup, buf)
}

// Device returns the device the handle is bound to.
func (h *Handle) Device() *host.Device { return h.dev }

// Interface returns the bound interface number.
func (h *Handle) Interface() uint8 { return h.iface }

// Protocol returns bInterfaceProtocol (keyboard or mouse for boot devices).
func (h *Handle) Protocol() uint8 { return h.protocol }

// IsBoot reports whether the interface is in the boot subclass.
func (h *Handle) IsBoot() bool { return h.subclass == devhid.SubclassBoot }

// Endpoint returns the interrupt IN endpoint address.
func (h *Handle) Endpoint() uint8 { return h.inEP }

// OutEndpoint returns the interrupt OUT endpoint address, or 0.
func (h *Handle) OutEndpoint() uint8 { return h.outEP }

// Interval returns the poll interval in frames.
func (h *Handle) Interval() uint16 { return h.interval }

// RequestState returns the class-request state.
func (h *Handle) RequestState() RequestState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reqState
}

// State returns the polling state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// HIDDescriptor returns the HID descriptor read from the device.
func (h *Handle) HIDDescriptor() devhid.HIDDescriptor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hidDesc
}

// ReportDescriptor returns a copy of the report descriptor.
func (h *Handle) ReportDescriptor() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.reportDesc...)
}

// Overruns returns how many reports were dropped on a full queue.
func (h *Handle) Overruns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.overruns
}

// reportQueue is a fixed ring of reports.
type reportQueue struct {
	buf   [ReportQueueDepth][MaxReportSize]byte
	size  [ReportQueueDepth]uint8
	head  int
	count int
}

func (q *reportQueue) push(report []byte) bool {
	if q.count == ReportQueueDepth {
		return false
	}
	slot := (q.head + q.count) % ReportQueueDepth
	q.size[slot] = uint8(copy(q.buf[slot][:], report))
	q.count++
	return true
}

func (q *reportQueue) pop(out []byte) (int, bool) {
	if q.count == 0 {
		return 0, false
	}
	n := copy(out, q.buf[q.head][:q.size[q.head]])
	q.head = (q.head + 1) % ReportQueueDepth
	q.count--
	return n, true
}
