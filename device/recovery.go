package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfpc/fpcusb/pkg"
)

// ErrMaxRecovery is returned by TriggerRecovery once the device-level
// attempt budget is exhausted; only an external Reset clears it.
var ErrMaxRecovery = errors.New("maximum recovery attempts reached")

// ErrorClass is the failure classification driving strategy selection.
type ErrorClass int

// Failure classes.
const (
	ClassUnknown ErrorClass = iota
	ClassHardware
	ClassCommunication
	ClassStateCorruption
	ClassTimeout
)

// String returns a human-readable class name.
func (c ErrorClass) String() string {
	switch c {
	case ClassHardware:
		return "hardware failure"
	case ClassCommunication:
		return "communication failure"
	case ClassStateCorruption:
		return "state corruption"
	case ClassTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Classify maps a driver error to its failure class.
func Classify(err error) ErrorClass {
	switch {
	case errors.Is(err, pkg.ErrTimeout):
		return ClassTimeout
	case errors.Is(err, pkg.ErrHardware), errors.Is(err, pkg.ErrFirmware):
		return ClassHardware
	case errors.Is(err, pkg.ErrProtocol), errors.Is(err, pkg.ErrDevice),
		errors.Is(err, pkg.ErrStall), errors.Is(err, pkg.ErrNoDevice):
		return ClassCommunication
	case errors.Is(err, pkg.ErrInvalidParam):
		return ClassStateCorruption
	default:
		return ClassUnknown
	}
}

// recoveryState tracks the single recovery run permitted per device.
//
// The generation counter resolves the race between a run that outlives its
// deadline and the next run admitted after the deadline fires: a run may
// only publish its result while its generation is current, so a stale run
// is discarded rather than allowed to overwrite newer state.
type recoveryState struct {
	mu         sync.Mutex
	inProgress bool
	generation uint64

	attempts uint32 // device-level budget (atomic)
	failed   uint32 // permanent failure flag (atomic)
}

func (r *recoveryState) clearBudget() {
	atomic.StoreUint32(&r.attempts, 0)
	atomic.StoreUint32(&r.failed, 0)
}

func (r *recoveryState) budgetExhausted() bool {
	return atomic.LoadUint32(&r.failed) != 0
}

// RecoveryAttempts returns the current device-level recovery attempt count.
func (d *Device) RecoveryAttempts() int {
	return int(atomic.LoadUint32(&d.rec.attempts))
}

// TriggerRecovery starts an asynchronous recovery run for the given
// failure class. It returns pkg.ErrBusy while a run is in flight and
// ErrMaxRecovery once the attempt budget is exhausted. Recovery outcomes
// are never reported to the triggering operation; later operations observe
// whatever state the device lands in.
func (d *Device) TriggerRecovery(class ErrorClass) error {
	r := &d.rec
	max := uint32(d.cfg.Recovery.MaxAttempts)

	r.mu.Lock()
	if r.budgetExhausted() {
		r.mu.Unlock()
		return ErrMaxRecovery
	}
	if r.inProgress {
		r.mu.Unlock()
		return fmt.Errorf("recovery already in progress: %w", pkg.ErrBusy)
	}
	if atomic.LoadUint32(&r.attempts) >= max {
		atomic.StoreUint32(&r.failed, 1)
		r.mu.Unlock()
		return ErrMaxRecovery
	}
	r.inProgress = true
	r.generation++
	gen := r.generation
	r.mu.Unlock()

	pkg.LogInfo(pkg.ComponentRecovery, "recovery triggered", "class", class.String())

	timer := time.AfterFunc(d.cfg.Recovery.Deadline, func() { d.recoveryExpired(gen) })
	go d.runRecovery(class, gen, timer)
	return nil
}

// recoveryExpired is the deadline safety valve: it clears the in-progress
// flag so recovery can be retried even if the run hangs, and advances the
// generation so the hung run's eventual result is discarded. The expired
// run counts as a failed attempt.
func (d *Device) recoveryExpired(gen uint64) {
	r := &d.rec
	r.mu.Lock()
	if r.generation != gen || !r.inProgress {
		r.mu.Unlock()
		return
	}
	r.inProgress = false
	r.generation++
	r.mu.Unlock()

	pkg.LogError(pkg.ComponentRecovery, "recovery deadline expired, result unknown")
	d.recordRecoveryFailure()
}

// runRecovery executes the strategy for the failure class and publishes
// the result if this run is still current.
func (d *Device) runRecovery(class ErrorClass, gen uint64, timer *time.Timer) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Recovery.Deadline)
	defer cancel()

	var err error
	switch class {
	case ClassHardware:
		err = d.hardwareResetSequence(ctx)
	case ClassCommunication:
		err = d.communicationRecovery(ctx)
	case ClassTimeout:
		// Communication repair first; escalate to the hardware sequence
		// only if it exhausts its attempts.
		if err = d.communicationRecovery(ctx); err != nil {
			err = d.hardwareResetSequence(ctx)
		}
	default:
		err = d.stateRecovery(ctx)
	}

	if err == nil && d.State() != StateReady {
		err = d.Initialize(ctx)
	}

	timer.Stop()

	r := &d.rec
	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		pkg.LogWarn(pkg.ComponentRecovery, "stale recovery result discarded",
			"succeeded", err == nil)
		return
	}
	r.inProgress = false
	r.mu.Unlock()

	if err == nil {
		atomic.StoreUint32(&r.attempts, 0)
		atomic.AddUint32(&d.recoveryCount, 1)
		pkg.LogInfo(pkg.ComponentRecovery, "recovery successful")
		return
	}

	pkg.LogError(pkg.ComponentRecovery, "recovery failed", "error", err)
	d.recordRecoveryFailure()
}

// recordRecoveryFailure increments the attempt budget and marks the device
// permanently failed when the budget runs out.
func (d *Device) recordRecoveryFailure() {
	r := &d.rec
	attempts := atomic.AddUint32(&r.attempts, 1)
	if attempts < uint32(d.cfg.Recovery.MaxAttempts) {
		return
	}

	atomic.StoreUint32(&r.failed, 1)
	if d.State() != StateError && d.State() != StateDisconnected {
		d.forceState(StateError)
	}
	pkg.LogError(pkg.ComponentRecovery,
		"maximum recovery attempts reached, device marked failed",
		"attempts", attempts)
}

// hardwareResetSequence power-cycles the device with progressively longer
// inter-attempt delays, ending each attempt with a communication self-test.
func (d *Device) hardwareResetSequence(ctx context.Context) error {
	max := d.cfg.Recovery.MaxAttempts
	pkg.LogInfo(pkg.ComponentRecovery, "starting hardware reset sequence")

	for attempt := 0; attempt < max; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, d.cfg.Recovery.HardwareResetDelay*time.Duration(attempt+1)); err != nil {
				return err
			}
		}

		if err := d.pipe.PowerCycle(); err != nil {
			pkg.LogWarn(pkg.ComponentRecovery, "power cycle failed",
				"attempt", attempt+1, "error", err)
			continue
		}
		if err := sleepCtx(ctx, 100*time.Millisecond); err != nil {
			return err
		}

		err := d.testCommunication(ctx)
		if err == nil {
			pkg.LogInfo(pkg.ComponentRecovery, "hardware reset successful",
				"attempt", attempt+1)
			return nil
		}
		pkg.LogWarn(pkg.ComponentRecovery, "self-test failed",
			"attempt", attempt+1, "error", err)
	}

	return fmt.Errorf("hardware reset sequence failed after %d attempts: %w",
		max, pkg.ErrHardware)
}

// communicationRecovery resets the interface, reinitializes the protocol,
// and verifies with a basic command round trip, with the same bounded
// attempt/backoff structure as the hardware sequence.
func (d *Device) communicationRecovery(ctx context.Context) error {
	max := d.cfg.Recovery.MaxAttempts
	pkg.LogInfo(pkg.ComponentRecovery, "starting communication recovery")

	for attempt := 0; attempt < max; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, d.cfg.Recovery.CommRetryDelay*time.Duration(attempt+1)); err != nil {
				return err
			}
		}

		if err := d.pipe.Reset(); err != nil {
			pkg.LogWarn(pkg.ComponentRecovery, "interface reset failed",
				"attempt", attempt+1, "error", err)
			continue
		}
		if err := d.reinitProtocol(ctx); err != nil {
			pkg.LogWarn(pkg.ComponentRecovery, "protocol reinit failed",
				"attempt", attempt+1, "error", err)
			continue
		}

		err := d.testCommunication(ctx)
		if err == nil {
			pkg.LogInfo(pkg.ComponentRecovery, "communication recovery successful",
				"attempt", attempt+1)
			return nil
		}
		pkg.LogWarn(pkg.ComponentRecovery, "round-trip test failed",
			"attempt", attempt+1, "error", err)
	}

	return fmt.Errorf("communication recovery failed after %d attempts: %w",
		max, pkg.ErrDevice)
}

// reinitProtocol issues a device-side reset to resynchronize the
// command/response stream.
func (d *Device) reinitProtocol(ctx context.Context) error {
	var resp [8]byte
	_, err := d.command(ctx, cmdReset, nil, resp[:])
	return err
}

// stateRecovery clears all in-memory device state and runs one full
// reinitialization. No backoff loop; corruption either clears or it
// doesn't.
func (d *Device) stateRecovery(ctx context.Context) error {
	pkg.LogInfo(pkg.ComponentRecovery, "starting state recovery")

	d.clearEnrollment()
	atomic.StoreInt32(&d.lastError, 0)
	d.forceState(StateError)

	if err := d.Initialize(ctx); err != nil {
		return fmt.Errorf("state recovery: %w", err)
	}
	return nil
}

// forceState bypasses the transition table. Reserved for repairing a
// corrupted state machine, where the table cannot be trusted.
func (d *Device) forceState(to State) {
	d.stateMu.Lock()
	d.state = to
	d.lastActivity = time.Now()
	waiters := d.stateCh
	d.stateCh = make(chan struct{})
	d.stateMu.Unlock()
	close(waiters)
}

// sleepCtx sleeps for the given duration or until the context expires.
func sleepCtx(ctx context.Context, dur time.Duration) error {
	select {
	case <-time.After(dur):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
