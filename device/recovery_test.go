package device

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfpc/fpcusb/hal"
	"github.com/openfpc/fpcusb/pkg"
)

// failingPipe fails every transport operation. Used to exhaust the
// recovery budget deterministically.
type failingPipe struct{}

func (failingPipe) Transfer(ctx context.Context, endpoint uint8, typ hal.TransferType, dir hal.Direction, buf []byte, timeout time.Duration) (int, error) {
	return 0, pkg.ErrTimeout
}
func (failingPipe) ClearHalt(endpoint uint8) error { return nil }
func (failingPipe) Present() bool                  { return true }
func (failingPipe) Reset() error                   { return pkg.ErrDevice }
func (failingPipe) PowerCycle() error              { return pkg.ErrDevice }
func (failingPipe) Close() error                   { return nil }

// blockingPipe blocks the first power cycle until released, to hold a
// recovery run in flight.
type blockingPipe struct {
	failingPipe
	release chan struct{}
	first   int32
}

func (p *blockingPipe) PowerCycle() error {
	if atomic.CompareAndSwapInt32(&p.first, 0, 1) {
		<-p.release
	}
	return pkg.ErrDevice
}

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class ErrorClass
		want  string
	}{
		{ClassHardware, "hardware failure"},
		{ClassCommunication, "communication failure"},
		{ClassStateCorruption, "state corruption"},
		{ClassTimeout, "timeout"},
		{ClassUnknown, "unknown"},
		{ErrorClass(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.class.String(); got != tt.want {
			t.Errorf("ErrorClass.String() = %v, want %v", got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"timeout", pkg.ErrTimeout, ClassTimeout},
		{"wrapped timeout", fmt.Errorf("endpoint 0x81: %w", pkg.ErrTimeout), ClassTimeout},
		{"hardware", pkg.ErrHardware, ClassHardware},
		{"firmware", pkg.ErrFirmware, ClassHardware},
		{"protocol", pkg.ErrProtocol, ClassCommunication},
		{"device", pkg.ErrDevice, ClassCommunication},
		{"stall", pkg.ErrStall, ClassCommunication},
		{"no device", pkg.ErrNoDevice, ClassCommunication},
		{"invalid state", pkg.ErrInvalidParam, ClassStateCorruption},
		{"unrecognized", errors.New("mystery"), ClassUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRecoveryAfterFatalError(t *testing.T) {
	d, sensor := newReadyDevice(t)

	// A corrupted response is a fatal protocol error: the operation
	// fails, the device parks in Error, and recovery brings it back.
	sensor.InjectWrongEcho()
	_, err := d.Capture(context.Background())
	if !errors.Is(err, pkg.ErrProtocol) {
		t.Fatalf("Capture() error = %v, want ErrProtocol", err)
	}

	waitFor(t, "recovery to restore Ready", func() bool {
		return d.State() == StateReady && d.Status().RecoveryCount == 1
	})
	if d.RecoveryAttempts() != 0 {
		t.Errorf("RecoveryAttempts() = %d after success, want 0", d.RecoveryAttempts())
	}

	// The device works again.
	if _, err := d.Capture(context.Background()); err != nil {
		t.Errorf("Capture() after recovery error = %v", err)
	}
}

func TestRecoveryBudgetExhaustion(t *testing.T) {
	d := New(failingPipe{}, testConfig())
	t.Cleanup(d.Unref)
	d.forceState(StateError)

	// Each failed run consumes one budget slot; MaxAttempts is 2 in the
	// test config.
	if err := d.TriggerRecovery(ClassHardware); err != nil {
		t.Fatalf("TriggerRecovery() #1 error = %v", err)
	}
	waitFor(t, "first failed attempt", func() bool { return d.RecoveryAttempts() == 1 })

	if err := d.TriggerRecovery(ClassHardware); err != nil {
		t.Fatalf("TriggerRecovery() #2 error = %v", err)
	}
	waitFor(t, "budget exhaustion", d.Failed)

	if d.State() != StateError {
		t.Errorf("State() = %v, want error", d.State())
	}
	if err := d.TriggerRecovery(ClassHardware); !errors.Is(err, ErrMaxRecovery) {
		t.Errorf("TriggerRecovery() after exhaustion = %v, want ErrMaxRecovery", err)
	}

	// Only an external reset clears the flag. The reset itself fails on
	// this transport, but the budget is cleared regardless.
	if err := d.Reset(context.Background()); err == nil {
		t.Error("Reset() should fail on a dead transport")
	}
	if d.Failed() {
		t.Error("Failed() = true after external reset")
	}
}

func TestRecoverySingleFlight(t *testing.T) {
	pipe := &blockingPipe{release: make(chan struct{})}
	d := New(pipe, testConfig())
	t.Cleanup(d.Unref)
	d.forceState(StateError)

	if err := d.TriggerRecovery(ClassHardware); err != nil {
		t.Fatalf("TriggerRecovery() error = %v", err)
	}
	if err := d.TriggerRecovery(ClassHardware); !errors.Is(err, pkg.ErrBusy) {
		t.Errorf("concurrent TriggerRecovery() = %v, want ErrBusy", err)
	}

	close(pipe.release)
	waitFor(t, "run to finish", func() bool { return d.RecoveryAttempts() == 1 })

	// A new run is admitted once the previous one finished.
	if err := d.TriggerRecovery(ClassHardware); err != nil {
		t.Errorf("TriggerRecovery() after completion = %v", err)
	}
}

func TestRecoveryDeadline(t *testing.T) {
	pipe := &blockingPipe{release: make(chan struct{})}
	cfg := testConfig()
	cfg.Recovery.Deadline = 30 * time.Millisecond
	d := New(pipe, cfg)
	t.Cleanup(d.Unref)
	d.forceState(StateError)

	if err := d.TriggerRecovery(ClassHardware); err != nil {
		t.Fatalf("TriggerRecovery() error = %v", err)
	}

	// The run hangs past the deadline; the safety valve counts it as a
	// failed attempt and re-admits recovery.
	waitFor(t, "deadline expiry", func() bool { return d.RecoveryAttempts() == 1 })

	// The hung run's eventual result is stale and must not be published:
	// the attempt counter stays where the expiry left it.
	close(pipe.release)
	time.Sleep(20 * time.Millisecond)
	if got := d.RecoveryAttempts(); got != 1 {
		t.Errorf("RecoveryAttempts() = %d after stale completion, want 1", got)
	}
}
