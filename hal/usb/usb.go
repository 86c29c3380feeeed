// Package usb implements the transport over libusb via gousb.
package usb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/openfpc/fpcusb/hal"
	"github.com/openfpc/fpcusb/pkg"
)

// Pipe drives one claimed sensor interface over libusb.
type Pipe struct {
	usbCtx *gousb.Context
	dev    *gousb.Device

	mu     sync.Mutex
	intf   *gousb.Interface
	done   func()
	bulkIn *gousb.InEndpoint
	out    *gousb.OutEndpoint
	intIn  *gousb.InEndpoint
	closed bool
	gone   bool
}

// Open finds the first device matching vid:pid, claims its default
// interface, and resolves the three sensor endpoints.
func Open(vid, pid uint16) (*Pipe, error) {
	usbCtx := gousb.NewContext()

	dev, err := usbCtx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		usbCtx.Close()
		return nil, fmt.Errorf("open %04x:%04x: %w", vid, pid, mapUSBErr(err))
	}
	if dev == nil {
		usbCtx.Close()
		return nil, fmt.Errorf("no device %04x:%04x: %w", vid, pid, pkg.ErrNoDevice)
	}

	if err := dev.SetAutoDetach(true); err != nil {
		pkg.LogWarn(pkg.ComponentTransport, "auto-detach unavailable", "error", err)
	}

	p := &Pipe{usbCtx: usbCtx, dev: dev}
	if err := p.claim(); err != nil {
		dev.Close()
		usbCtx.Close()
		return nil, err
	}

	pkg.LogInfo(pkg.ComponentTransport, "device opened",
		"vid", fmt.Sprintf("%04x", vid), "pid", fmt.Sprintf("%04x", pid))
	return p, nil
}

// claim takes the default interface and resolves the endpoints. Caller
// holds the lock or has exclusive access.
func (p *Pipe) claim() error {
	intf, done, err := p.dev.DefaultInterface()
	if err != nil {
		return fmt.Errorf("claim interface: %w", mapUSBErr(err))
	}

	bulkIn, err := intf.InEndpoint(int(hal.EndpointBulkIn & 0x0F))
	if err != nil {
		done()
		return fmt.Errorf("bulk in endpoint: %w", mapUSBErr(err))
	}
	out, err := intf.OutEndpoint(int(hal.EndpointBulkOut & 0x0F))
	if err != nil {
		done()
		return fmt.Errorf("bulk out endpoint: %w", mapUSBErr(err))
	}
	intIn, err := intf.InEndpoint(int(hal.EndpointIntIn & 0x0F))
	if err != nil {
		done()
		return fmt.Errorf("interrupt endpoint: %w", mapUSBErr(err))
	}

	p.intf, p.done = intf, done
	p.bulkIn, p.out, p.intIn = bulkIn, out, intIn
	return nil
}

// Transfer moves buf across the endpoint, bounded by the shorter of the
// context and the timeout.
func (p *Pipe) Transfer(ctx context.Context, endpoint uint8, typ hal.TransferType, dir hal.Direction, buf []byte, timeout time.Duration) (int, error) {
	p.mu.Lock()
	if p.closed || p.gone {
		p.mu.Unlock()
		return 0, pkg.ErrNoDevice
	}
	bulkIn, out, intIn := p.bulkIn, p.out, p.intIn
	p.mu.Unlock()

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var n int
	var err error
	switch endpoint {
	case hal.EndpointBulkIn:
		n, err = bulkIn.ReadContext(tctx, buf)
	case hal.EndpointBulkOut:
		n, err = out.WriteContext(tctx, buf)
	case hal.EndpointIntIn:
		n, err = intIn.ReadContext(tctx, buf)
	default:
		return 0, fmt.Errorf("endpoint 0x%02x: %w", endpoint, pkg.ErrInvalidParam)
	}
	if err != nil {
		merr := mapUSBErr(err)
		if errors.Is(merr, pkg.ErrNoDevice) {
			p.markGone()
		}
		return n, merr
	}
	return n, nil
}

// ClearHalt clears an endpoint stall with a CLEAR_FEATURE(ENDPOINT_HALT)
// control request.
func (p *Pipe) ClearHalt(endpoint uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.gone {
		return pkg.ErrNoDevice
	}
	// bmRequestType: host-to-device, standard, endpoint recipient.
	_, err := p.dev.Control(0x02, 0x01, 0x0000, uint16(endpoint), nil)
	if err != nil {
		return fmt.Errorf("clear halt 0x%02x: %w", endpoint, mapUSBErr(err))
	}
	return nil
}

// Present reports whether the device is still attached.
func (p *Pipe) Present() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && !p.gone
}

// Reset performs a USB port reset and re-claims the interface, since the
// reset invalidates the previous claim.
func (p *Pipe) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return pkg.ErrNoDevice
	}

	if p.done != nil {
		p.done()
		p.intf, p.done = nil, nil
	}
	if err := p.dev.Reset(); err != nil {
		p.gone = true
		return fmt.Errorf("device reset: %w", mapUSBErr(err))
	}
	if err := p.claim(); err != nil {
		p.gone = true
		return err
	}
	p.gone = false
	return nil
}

// PowerCycle approximates a port power cycle with a device reset; host
// stacks do not expose per-port power control portably.
func (p *Pipe) PowerCycle() error {
	return p.Reset()
}

// Close releases the interface and the libusb context.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	if p.done != nil {
		p.done()
	}
	if err := p.dev.Close(); err != nil {
		pkg.LogWarn(pkg.ComponentTransport, "device close failed", "error", err)
	}
	return p.usbCtx.Close()
}

func (p *Pipe) markGone() {
	p.mu.Lock()
	p.gone = true
	p.mu.Unlock()
}

// mapUSBErr translates libusb failures to the driver's transport
// sentinels.
func mapUSBErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gousb.TransferTimedOut),
		errors.Is(err, gousb.ErrorTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return pkg.ErrTimeout
	case errors.Is(err, gousb.TransferStall),
		errors.Is(err, gousb.ErrorPipe):
		return pkg.ErrStall
	case errors.Is(err, gousb.TransferNoDevice),
		errors.Is(err, gousb.ErrorNoDevice),
		errors.Is(err, gousb.ErrorNotFound):
		return pkg.ErrNoDevice
	default:
		return err
	}
}
