package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfpc/fpcusb/config"
	"github.com/openfpc/fpcusb/hal"
	"github.com/openfpc/fpcusb/pkg"
)

// Device capability flags, reported by the sensor in its info block.
const (
	CapCapture         = 0x0001
	CapVerify          = 0x0002
	CapIdentify        = 0x0004
	CapTemplateStorage = 0x0008
	CapLiveDetection   = 0x0010
	CapNavigation      = 0x0020
)

// Info describes the sensor as reported by its info block.
type Info struct {
	VendorID        uint16
	ProductID       uint16
	FirmwareVersion string
	ImageWidth      uint16
	ImageHeight     uint16
	TemplateCount   uint8
	Capabilities    uint32
}

// Status is a point-in-time snapshot of device health.
type Status struct {
	State             State
	LastError         pkg.Code
	Uptime            time.Duration
	TotalCaptures     uint32
	SuccessfulMatches uint32
	FailedMatches     uint32
	ErrorCount        uint32
	RecoveryCount     uint32
	Failed            bool
}

// Device is the driver's view of one attached sensor.
//
// Devices are shared between sessions by reference counting: New returns a
// device holding the creator's reference, every additional holder calls
// Ref, and the transport is closed when the last holder calls Unref.
type Device struct {
	pipe hal.Pipe
	cfg  *config.Config

	// Lifecycle state; stateMu also guards lastActivity, the waiter
	// channel, and the info block. All state reads go through it.
	state        State
	lastActivity time.Time
	stateCh      chan struct{}
	stateMu      sync.Mutex

	// Half-duplex exchange lock; at most one command/response pair is in
	// flight at any time, regardless of how many sessions exist.
	ioMu   sync.Mutex
	outBuf []byte
	inBuf  []byte

	// Reference count; the device is destroyed when it reaches zero.
	refs int32

	// Statistics (atomic).
	errorCount    uint32
	retryCount    uint32
	totalCaptures uint32
	matchOK       uint32
	matchFail     uint32
	recoveryCount uint32
	lastError     int32

	// Info block, populated during initialization.
	vendorID        uint16
	productID       uint16
	firmwareVersion string
	imageWidth      uint16
	imageHeight     uint16
	templateCount   uint8
	capabilities    uint32

	// Enrollment sequence bookkeeping.
	enrollMu      sync.Mutex
	enrollActive  bool
	enrollID      uint8
	enrollSamples int

	// Recovery engine state.
	rec recoveryState

	started time.Time
}

// New creates a device over the given transport. The returned device holds
// one reference on behalf of the caller and starts Disconnected; call
// Initialize to bring it up.
func New(pipe hal.Pipe, cfg *config.Config) *Device {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Device{
		pipe:    pipe,
		cfg:     cfg,
		stateCh: make(chan struct{}),
		outBuf:  make([]byte, BufferSize),
		inBuf:   make([]byte, MaxResponseSize),
		refs:    1,
		started: time.Now(),
	}
}

// Ref acquires an additional reference to the device.
func (d *Device) Ref() {
	atomic.AddInt32(&d.refs, 1)
}

// Unref releases one reference. When the count reaches zero the transport
// is closed and the device must not be used again.
func (d *Device) Unref() {
	if atomic.AddInt32(&d.refs, -1) > 0 {
		return
	}
	pkg.LogDebug(pkg.ComponentDevice, "last reference released, destroying device")
	d.forceDisconnected()
	if err := d.pipe.Close(); err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "transport close failed", "error", err)
	}
}

// Refs returns the current reference count.
func (d *Device) Refs() int {
	return int(atomic.LoadInt32(&d.refs))
}

// Initialize attaches the device: it probes firmware, retrieves the info
// block, and brings the state machine to Ready. Failures are retried a
// bounded number of times before the device is parked in Error.
func (d *Device) Initialize(ctx context.Context) error {
	if err := d.transition(StateInitializing); err != nil {
		return fmt.Errorf("initialize from %s: %w", d.State(), pkg.ErrBusy)
	}

	pkg.LogInfo(pkg.ComponentDevice, "starting device initialization")

	var lastErr error
	for attempt := 1; attempt <= d.cfg.InitRetries; attempt++ {
		if attempt > 1 {
			atomic.AddUint32(&d.retryCount, 1)
			pkg.LogWarn(pkg.ComponentDevice, "initialization retry",
				"attempt", attempt, "max", d.cfg.InitRetries)
			select {
			case <-time.After(d.cfg.InitRetryDelay):
			case <-ctx.Done():
				d.transition(StateError)
				return ctx.Err()
			}
		}

		d.probeFirmware()

		if lastErr = d.fetchInfo(ctx); lastErr != nil {
			pkg.LogWarn(pkg.ComponentDevice, "device info retrieval failed",
				"attempt", attempt, "error", lastErr)
			continue
		}

		if err := d.transition(StateReady); err != nil {
			return err
		}
		pkg.LogInfo(pkg.ComponentDevice, "device initialization completed",
			"firmware", d.Info().FirmwareVersion)
		return nil
	}

	d.transition(StateError)
	d.setLastError(lastErr)
	return fmt.Errorf("initialization failed after %d attempts: %w",
		d.cfg.InitRetries, lastErr)
}

// probeFirmware checks for a loadable firmware blob. The sensor operates on
// its built-in firmware when none is found, so absence is not a failure.
func (d *Device) probeFirmware() {
	pkg.LogDebug(pkg.ComponentDevice, "no firmware blob available, using device defaults")
}

// fetchInfo retrieves and parses the device info block.
func (d *Device) fetchInfo(ctx context.Context) error {
	resp := make([]byte, 64)
	n, err := d.command(ctx, cmdGetInfo, nil, resp)
	if err != nil {
		return err
	}
	if n < 32 {
		return fmt.Errorf("info block %d bytes: %w", n, pkg.ErrProtocol)
	}

	d.stateMu.Lock()
	d.vendorID = binary.BigEndian.Uint16(resp[0:2])
	d.productID = binary.BigEndian.Uint16(resp[2:4])
	d.firmwareVersion = fmt.Sprintf("%d.%d.%d.%d", resp[8], resp[9], resp[10], resp[11])
	d.imageWidth = binary.BigEndian.Uint16(resp[16:18])
	d.imageHeight = binary.BigEndian.Uint16(resp[18:20])
	d.templateCount = resp[20]
	d.capabilities = binary.BigEndian.Uint32(resp[24:28])
	d.stateMu.Unlock()

	pkg.LogInfo(pkg.ComponentDevice, "device info",
		"firmware", d.Info().FirmwareVersion,
		"width", d.Info().ImageWidth,
		"height", d.Info().ImageHeight,
		"templates", d.Info().TemplateCount)
	return nil
}

// testCommunication performs a basic command round trip. Used as the
// self-test at the end of each recovery attempt.
func (d *Device) testCommunication(ctx context.Context) error {
	return d.fetchInfo(ctx)
}

// Info returns the device info block retrieved during initialization.
func (d *Device) Info() Info {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return Info{
		VendorID:        d.vendorID,
		ProductID:       d.productID,
		FirmwareVersion: d.firmwareVersion,
		ImageWidth:      d.imageWidth,
		ImageHeight:     d.imageHeight,
		TemplateCount:   d.templateCount,
		Capabilities:    d.capabilities,
	}
}

// Status returns a snapshot of device health and statistics.
func (d *Device) Status() Status {
	return Status{
		State:             d.State(),
		LastError:         pkg.Code(atomic.LoadInt32(&d.lastError)),
		Uptime:            time.Since(d.started),
		TotalCaptures:     atomic.LoadUint32(&d.totalCaptures),
		SuccessfulMatches: atomic.LoadUint32(&d.matchOK),
		FailedMatches:     atomic.LoadUint32(&d.matchFail),
		ErrorCount:        atomic.LoadUint32(&d.errorCount),
		RecoveryCount:     atomic.LoadUint32(&d.recoveryCount),
		Failed:            d.Failed(),
	}
}

// setLastError records the taxonomy code of the most recent failure.
func (d *Device) setLastError(err error) {
	atomic.StoreInt32(&d.lastError, int32(pkg.CodeOf(err)))
}

// Reset performs an external reset: it clears the permanent-failure flag
// and the recovery budget, aborts any enrollment, issues a device-side
// reset, and runs full initialization.
func (d *Device) Reset(ctx context.Context) error {
	pkg.LogInfo(pkg.ComponentDevice, "external reset requested")

	d.rec.clearBudget()
	d.clearEnrollment()

	if d.State() != StateDisconnected {
		// Best effort; the reinitialization below decides the outcome.
		var resp [8]byte
		if _, err := d.command(ctx, cmdReset, nil, resp[:]); err != nil {
			pkg.LogWarn(pkg.ComponentDevice, "device reset command failed", "error", err)
		}
	}

	return d.Initialize(ctx)
}

// Suspend parks the device in the Suspended state. Only legal from Ready.
func (d *Device) Suspend(ctx context.Context) error {
	if err := d.requireReady(); err != nil {
		return err
	}
	var resp [8]byte
	if _, err := d.command(ctx, cmdSetPower, []byte{PowerSleep}, resp[:]); err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "suspend power command failed", "error", err)
	}
	return d.transition(StateSuspended)
}

// Resume leaves the Suspended state by running full reinitialization; the
// sensor does not support a raw resume.
func (d *Device) Resume(ctx context.Context) error {
	if s := d.State(); s != StateSuspended {
		return fmt.Errorf("resume from %s: %w", s, pkg.ErrInvalidParam)
	}
	return d.Initialize(ctx)
}

// Failed reports whether the device has been marked permanently failed by
// the recovery engine. Only an external Reset clears the flag.
func (d *Device) Failed() bool {
	return d.rec.budgetExhausted()
}

// clearEnrollment drops any in-progress enrollment bookkeeping.
func (d *Device) clearEnrollment() {
	d.enrollMu.Lock()
	d.enrollActive = false
	d.enrollID = 0
	d.enrollSamples = 0
	d.enrollMu.Unlock()
}
