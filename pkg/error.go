package pkg

import "errors"

// Driver errors. Each sentinel corresponds to one entry of the fixed
// negative-code taxonomy exposed to callers (see Code).
var (
	// ErrDevice indicates a generic I/O or device failure.
	ErrDevice = errors.New("device error")

	// ErrProtocol indicates a malformed command/response exchange.
	ErrProtocol = errors.New("protocol error")

	// ErrTimeout indicates a transfer or operation timeout.
	ErrTimeout = errors.New("timeout")

	// ErrNoFinger indicates no finger was present on the sensor.
	ErrNoFinger = errors.New("no finger detected")

	// ErrBadImage indicates the captured sample quality was too low.
	ErrBadImage = errors.New("bad image quality")

	// ErrNoMatch indicates the sample did not match any template.
	ErrNoMatch = errors.New("no match found")

	// ErrHardware indicates a hardware-level fault.
	ErrHardware = errors.New("hardware error")

	// ErrFirmware indicates a firmware-level fault.
	ErrFirmware = errors.New("firmware error")

	// ErrBusy indicates the device or a subsystem is busy.
	ErrBusy = errors.New("device busy")

	// ErrMemory indicates a buffer or allocation failure.
	ErrMemory = errors.New("memory allocation error")

	// ErrInvalidParam indicates an invalid caller-supplied parameter.
	ErrInvalidParam = errors.New("invalid parameter")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("operation not supported")

	// ErrPermission indicates the caller lacks permission.
	ErrPermission = errors.New("permission denied")

	// ErrStorageFull indicates all template slots are occupied.
	ErrStorageFull = errors.New("storage full")

	// ErrTemplateExists indicates the template slot is already occupied.
	ErrTemplateExists = errors.New("template already exists")

	// ErrStall indicates an endpoint stall condition at the transport.
	ErrStall = errors.New("endpoint stalled")

	// ErrNoDevice indicates the device is not present on the bus.
	ErrNoDevice = errors.New("device not present")
)

// Code is the numeric error code shared with the wire ABI. Success is 0;
// failures are small negative integers.
type Code int

// Error code values.
const (
	CodeSuccess        Code = 0
	CodeDevice         Code = -1
	CodeProtocol       Code = -2
	CodeTimeout        Code = -3
	CodeNoFinger       Code = -4
	CodeBadImage       Code = -5
	CodeNoMatch        Code = -6
	CodeHardware       Code = -7
	CodeFirmware       Code = -8
	CodeBusy           Code = -9
	CodeMemory         Code = -10
	CodeInvalidParam   Code = -11
	CodeNotSupported   Code = -12
	CodePermission     Code = -13
	CodeStorageFull    Code = -14
	CodeTemplateExists Code = -15
)

// Err returns the sentinel error for the code, or nil for CodeSuccess.
func (c Code) Err() error {
	switch c {
	case CodeSuccess:
		return nil
	case CodeDevice:
		return ErrDevice
	case CodeProtocol:
		return ErrProtocol
	case CodeTimeout:
		return ErrTimeout
	case CodeNoFinger:
		return ErrNoFinger
	case CodeBadImage:
		return ErrBadImage
	case CodeNoMatch:
		return ErrNoMatch
	case CodeHardware:
		return ErrHardware
	case CodeFirmware:
		return ErrFirmware
	case CodeBusy:
		return ErrBusy
	case CodeMemory:
		return ErrMemory
	case CodeInvalidParam:
		return ErrInvalidParam
	case CodeNotSupported:
		return ErrNotSupported
	case CodePermission:
		return ErrPermission
	case CodeStorageFull:
		return ErrStorageFull
	case CodeTemplateExists:
		return ErrTemplateExists
	default:
		return ErrDevice
	}
}

// String returns a human-readable description of the code.
func (c Code) String() string {
	if c == CodeSuccess {
		return "success"
	}
	return c.Err().Error()
}

// CodeOf maps an error back to its taxonomy code. Unrecognized errors map
// to CodeDevice; nil maps to CodeSuccess.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeSuccess
	case errors.Is(err, ErrProtocol), errors.Is(err, ErrStall):
		return CodeProtocol
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrNoFinger):
		return CodeNoFinger
	case errors.Is(err, ErrBadImage):
		return CodeBadImage
	case errors.Is(err, ErrNoMatch):
		return CodeNoMatch
	case errors.Is(err, ErrHardware):
		return CodeHardware
	case errors.Is(err, ErrFirmware):
		return CodeFirmware
	case errors.Is(err, ErrBusy):
		return CodeBusy
	case errors.Is(err, ErrMemory):
		return CodeMemory
	case errors.Is(err, ErrInvalidParam):
		return CodeInvalidParam
	case errors.Is(err, ErrNotSupported):
		return CodeNotSupported
	case errors.Is(err, ErrPermission):
		return CodePermission
	case errors.Is(err, ErrStorageFull):
		return CodeStorageFull
	case errors.Is(err, ErrTemplateExists):
		return CodeTemplateExists
	default:
		return CodeDevice
	}
}

// Retryable reports whether the caller may simply retry the operation.
// Only a missing finger or a low-quality sample qualify; neither triggers
// automatic recovery.
func Retryable(err error) bool {
	return errors.Is(err, ErrNoFinger) || errors.Is(err, ErrBadImage)
}

// CallerFault reports whether the error is a caller mistake that must be
// surfaced immediately and never retried automatically.
func CallerFault(err error) bool {
	return errors.Is(err, ErrInvalidParam) ||
		errors.Is(err, ErrNotSupported) ||
		errors.Is(err, ErrPermission)
}
