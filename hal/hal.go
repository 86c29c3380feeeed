package hal

import (
	"context"
	"time"
)

// Direction indicates the direction of a data transfer.
type Direction uint8

// Transfer directions.
const (
	DirOut Direction = iota // Host to device
	DirIn                   // Device to host
)

// String returns a human-readable direction name.
func (d Direction) String() string {
	switch d {
	case DirOut:
		return "out"
	case DirIn:
		return "in"
	default:
		return "unknown"
	}
}

// TransferType indicates the type of USB transfer.
type TransferType uint8

// Transfer type constants.
const (
	TransferBulk      TransferType = iota // Bulk transfer
	TransferInterrupt                     // Interrupt transfer
)

// Pipe is the raw transport primitive the driver core builds on.
//
// Implementations move byte buffers across endpoints of a single claimed
// USB interface. The driver owns all framing and state; a Pipe owns nothing
// but the bus handle.
//
// Transfer errors use the pkg sentinels: pkg.ErrTimeout for an expired
// deadline, pkg.ErrStall for a halted endpoint, pkg.ErrNoDevice when the
// device has left the bus.
type Pipe interface {
	// Transfer moves buf across the given endpoint. For DirIn the buffer is
	// filled with received data; for DirOut it holds the data to send.
	// Returns the number of bytes transferred.
	Transfer(ctx context.Context, endpoint uint8, typ TransferType, dir Direction, buf []byte, timeout time.Duration) (int, error)

	// ClearHalt clears a stall condition on the given endpoint.
	ClearHalt(endpoint uint8) error

	// Present reports whether the device is still on the bus.
	Present() bool

	// Reset performs a USB interface/port reset. Used by communication
	// recovery; the device keeps its stored templates across a reset.
	Reset() error

	// PowerCycle removes and restores power to the device. Used by the
	// hardware recovery strategy. Implementations that cannot switch port
	// power fall back to the deepest reset available.
	PowerCycle() error

	// Close releases the bus handle. The pipe must not be used afterwards.
	Close() error
}

// Default endpoint addresses for the FPC sensor interface.
const (
	EndpointBulkIn  = 0x81
	EndpointBulkOut = 0x02
	EndpointIntIn   = 0x83
)
