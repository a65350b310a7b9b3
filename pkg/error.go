package pkg

import "errors"

// Bus and transfer errors.
var (
	ErrStall     = errors.New("endpoint stalled")
	ErrNAK       = errors.New("NAK received")
	ErrTimeout   = errors.New("transfer timeout")
	ErrCancelled = errors.New("transfer cancelled")
	ErrOverrun   = errors.New("data overrun")
	ErrUnderrun  = errors.New("data underrun")
	ErrCRC       = errors.New("CRC error")
	ErrProtocol  = errors.New("protocol error")
	ErrReset     = errors.New("bus reset")
	ErrNoDevice  = errors.New("device not present")
)

// Request and state errors. A device stack answers every one of these
// with a STALL on the control endpoint.
var (
	ErrNotConfigured          = errors.New("device not configured")
	ErrInvalidEndpoint        = errors.New("invalid endpoint")
	ErrInvalidState           = errors.New("invalid device state")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrNotSupported           = errors.New("not supported")
	ErrBufferTooSmall         = errors.New("buffer too small")
	ErrDescriptorTooShort     = errors.New("descriptor too short")
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")
	ErrSetupPacketTooShort    = errors.New("setup packet too short")
)

// Resource errors.
var (
	ErrBusy             = errors.New("resource busy")
	ErrNoMemory         = errors.New("insufficient memory")
	ErrNoResources      = errors.New("no resources available")
	ErrAlreadyRunning   = errors.New("already running")
	ErrNotRunning       = errors.New("not running")
	ErrInvalidParameter = errors.New("invalid parameter")
)

// TransferStatus represents the completion status of a USB transfer.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess TransferStatus = iota
	TransferStatusError
	TransferStatusStall
	TransferStatusNAK
	TransferStatusTimeout
	TransferStatusCancelled
	TransferStatusOverrun
	TransferStatusUnderrun
)

var transferStatusNames = [...]string{
	TransferStatusSuccess:   "success",
	TransferStatusError:     "error",
	TransferStatusStall:     "stall",
	TransferStatusNAK:       "nak",
	TransferStatusTimeout:   "timeout",
	TransferStatusCancelled: "cancelled",
	TransferStatusOverrun:   "overrun",
	TransferStatusUnderrun:  "underrun",
}

// String returns the lower-case status name.
func (s TransferStatus) String() string {
	if s < 0 || int(s) >= len(transferStatusNames) {
		return "unknown"
	}
	return transferStatusNames[s]
}

// Error returns the sentinel error for s, or nil on success.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusSuccess:
		return nil
	case TransferStatusStall:
		return ErrStall
	case TransferStatusNAK:
		return ErrNAK
	case TransferStatusTimeout:
		return ErrTimeout
	case TransferStatusCancelled:
		return ErrCancelled
	case TransferStatusOverrun:
		return ErrOverrun
	case TransferStatusUnderrun:
		return ErrUnderrun
	default:
		return ErrProtocol
	}
}

// StatusOf maps an error back to a transfer status.
func StatusOf(err error) TransferStatus {
	switch {
	case err == nil:
		return TransferStatusSuccess
	case errors.Is(err, ErrStall):
		return TransferStatusStall
	case errors.Is(err, ErrNAK):
		return TransferStatusNAK
	case errors.Is(err, ErrTimeout):
		return TransferStatusTimeout
	case errors.Is(err, ErrCancelled):
		return TransferStatusCancelled
	case errors.Is(err, ErrOverrun):
		return TransferStatusOverrun
	case errors.Is(err, ErrUnderrun):
		return TransferStatusUnderrun
	default:
		return TransferStatusError
	}
}

// Result is a coarse outcome code for callers that check a status
// synchronously rather than inspecting an error chain.
type Result uint8

// Result codes.
const (
	ResultOK Result = iota
	ResultError
	ResultErrorTimeout
	ResultErrorInvalidParameter
	ResultErrorNotSupported
	ResultBusy
)

// String returns the result name.
func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultError:
		return "error"
	case ResultErrorTimeout:
		return "error-timeout"
	case ResultErrorInvalidParameter:
		return "error-invalid-parameter"
	case ResultErrorNotSupported:
		return "error-not-supported"
	case ResultBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// ResultOf folds err into a Result.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrTimeout):
		return ResultErrorTimeout
	case errors.Is(err, ErrInvalidParameter), errors.Is(err, ErrInvalidRequest):
		return ResultErrorInvalidParameter
	case errors.Is(err, ErrNotSupported), errors.Is(err, ErrStall):
		return ResultErrorNotSupported
	case errors.Is(err, ErrBusy), errors.Is(err, ErrNAK):
		return ResultBusy
	default:
		return ResultError
	}
}
