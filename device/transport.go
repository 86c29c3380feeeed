package device

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/openfpc/fpcusb/hal"
	"github.com/openfpc/fpcusb/pkg"
)

// transfer moves buf across the given endpoint with the configured timeout
// and translates transport signaling into driver errors:
//
//   - a timeout increments the error counter and surfaces pkg.ErrTimeout
//   - a stall is cleared on the endpoint and surfaces pkg.ErrProtocol
//   - a device-gone signal forces the state machine to Disconnected
//   - a short write is an I/O error, never a silent partial success
//
// A successful transfer updates the last-activity timestamp.
func (d *Device) transfer(ctx context.Context, endpoint uint8, typ hal.TransferType, dir hal.Direction, buf []byte) (int, error) {
	if d.State() == StateDisconnected {
		return 0, pkg.ErrNoDevice
	}
	if len(buf) == 0 {
		return 0, pkg.ErrInvalidParam
	}

	n, err := d.pipe.Transfer(ctx, endpoint, typ, dir, buf, d.cfg.TransferTimeout)
	if err != nil {
		atomic.AddUint32(&d.errorCount, 1)

		switch {
		case errors.Is(err, pkg.ErrTimeout):
			pkg.LogWarn(pkg.ComponentTransport, "transfer timeout",
				"endpoint", endpoint, "dir", dir.String())
			return 0, fmt.Errorf("endpoint 0x%02x: %w", endpoint, pkg.ErrTimeout)

		case errors.Is(err, pkg.ErrNoDevice):
			d.forceDisconnected()
			return 0, fmt.Errorf("endpoint 0x%02x: %w", endpoint, pkg.ErrNoDevice)

		case errors.Is(err, pkg.ErrStall):
			pkg.LogWarn(pkg.ComponentTransport, "endpoint stalled, clearing",
				"endpoint", endpoint)
			if cerr := d.pipe.ClearHalt(endpoint); cerr != nil {
				pkg.LogError(pkg.ComponentTransport, "clear halt failed",
					"endpoint", endpoint, "error", cerr)
			}
			return 0, fmt.Errorf("endpoint 0x%02x: %w", endpoint, pkg.ErrProtocol)

		default:
			return 0, fmt.Errorf("endpoint 0x%02x: %w: %v", endpoint, pkg.ErrDevice, err)
		}
	}

	if dir == hal.DirOut && n < len(buf) {
		atomic.AddUint32(&d.errorCount, 1)
		return 0, fmt.Errorf("endpoint 0x%02x: partial write %d/%d: %w",
			endpoint, n, len(buf), pkg.ErrDevice)
	}

	d.touchActivity()
	return n, nil
}

// RawWrite sends data on the bulk OUT endpoint, bypassing the command
// framing. Only legal while Ready; the exchange lock is held so a raw
// write cannot interleave with a framed command.
func (d *Device) RawWrite(ctx context.Context, data []byte) (int, error) {
	if err := d.requireReady(); err != nil {
		return 0, err
	}
	d.ioMu.Lock()
	defer d.ioMu.Unlock()
	return d.transfer(ctx, hal.EndpointBulkOut, hal.TransferBulk, hal.DirOut, data)
}

// RawRead reads from the bulk IN endpoint, bypassing the command framing.
// Only legal while Ready.
func (d *Device) RawRead(ctx context.Context, buf []byte) (int, error) {
	if err := d.requireReady(); err != nil {
		return 0, err
	}
	d.ioMu.Lock()
	defer d.ioMu.Unlock()
	return d.transfer(ctx, hal.EndpointBulkIn, hal.TransferBulk, hal.DirIn, buf)
}

// touchActivity updates the last-activity timestamp used by health and
// recovery heuristics.
func (d *Device) touchActivity() {
	d.stateMu.Lock()
	d.lastActivity = time.Now()
	d.stateMu.Unlock()
}
