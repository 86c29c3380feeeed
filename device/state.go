package device

import (
	"context"
	"fmt"
	"time"

	"github.com/openfpc/fpcusb/pkg"
)

// State represents the device lifecycle state.
type State uint8

// Device lifecycle states.
const (
	StateDisconnected State = iota // Not present or lost
	StateInitializing              // Attach/reset in progress
	StateReady                     // Idle, accepting operations
	StateCapturing                 // Waiting for a finger sample
	StateProcessing                // Device-side processing of a sample
	StateError                     // Failed; requires recovery or reset
	StateSuspended                 // Power-suspended
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateCapturing:
		return "capturing"
	case StateProcessing:
		return "processing"
	case StateError:
		return "error"
	case StateSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// validTransition reports whether the transition table permits from -> to.
// Disconnection is legal from every state; everything else follows the
// documented lifecycle.
func validTransition(from, to State) bool {
	if to == StateDisconnected {
		return true
	}
	switch from {
	case StateDisconnected:
		return to == StateInitializing
	case StateInitializing:
		return to == StateReady || to == StateError
	case StateReady:
		return to == StateCapturing || to == StateSuspended ||
			to == StateInitializing || to == StateError
	case StateCapturing:
		return to == StateProcessing || to == StateReady || to == StateError
	case StateProcessing:
		return to == StateReady || to == StateError
	case StateError:
		return to == StateInitializing
	case StateSuspended:
		return to == StateInitializing
	default:
		return false
	}
}

// State returns the current lifecycle state.
func (d *Device) State() State {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}

// LastActivity returns the time of the last successful transfer or state
// transition.
func (d *Device) LastActivity() time.Time {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.lastActivity
}

// transition moves the state machine to the given state, refusing moves the
// transition table does not permit. A refusal means another caller got the
// device first, so it surfaces as busy rather than a caller fault. Every
// transition timestamps activity and wakes waiters.
func (d *Device) transition(to State) error {
	d.stateMu.Lock()
	from := d.state
	if !validTransition(from, to) {
		d.stateMu.Unlock()
		pkg.LogWarn(pkg.ComponentDevice, "illegal state transition refused",
			"from", from, "to", to)
		return fmt.Errorf("transition %s -> %s: %w", from, to, pkg.ErrBusy)
	}
	d.state = to
	d.lastActivity = time.Now()
	waiters := d.stateCh
	d.stateCh = make(chan struct{})
	d.stateMu.Unlock()

	close(waiters)
	pkg.LogDebug(pkg.ComponentDevice, "state transition", "from", from, "to", to)
	return nil
}

// forceDisconnected moves the device to Disconnected from any state. This
// is the only transition the transport may trigger.
func (d *Device) forceDisconnected() {
	d.stateMu.Lock()
	from := d.state
	d.state = StateDisconnected
	d.lastActivity = time.Now()
	waiters := d.stateCh
	d.stateCh = make(chan struct{})
	d.stateMu.Unlock()

	close(waiters)
	if from != StateDisconnected {
		pkg.LogWarn(pkg.ComponentDevice, "device disconnected", "from", from)
	}
}

// WaitState blocks until pred reports true for the current state or the
// context expires.
func (d *Device) WaitState(ctx context.Context, pred func(State) bool) error {
	for {
		d.stateMu.Lock()
		if pred(d.state) {
			d.stateMu.Unlock()
			return nil
		}
		waiters := d.stateCh
		d.stateMu.Unlock()

		select {
		case <-waiters:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// requireReady fails with ErrDevice unless the device is in Ready. Illegal
// state attempts cause no transport traffic and no state change.
func (d *Device) requireReady() error {
	if s := d.State(); s != StateReady {
		pkg.LogDebug(pkg.ComponentDevice, "operation rejected", "state", s)
		if s == StateDisconnected {
			return pkg.ErrNoDevice
		}
		return pkg.ErrDevice
	}
	return nil
}
