package fprint

import (
	"context"
	"testing"
	"time"

	"github.com/openfpc/fpcusb/config"
	"github.com/openfpc/fpcusb/device"
	"github.com/openfpc/fpcusb/hal/sim"
	"github.com/openfpc/fpcusb/session"
)

func newScanner(t *testing.T) (*Scanner, *sim.Sensor) {
	t.Helper()
	cfg := config.Default()
	cfg.TransferTimeout = 100 * time.Millisecond
	cfg.InitRetryDelay = time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond

	sensor := sim.New()
	dev := device.New(sensor, cfg)
	t.Cleanup(dev.Unref)
	if err := dev.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	sess, err := session.Open(dev)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return NewScanner(sess, cfg), sensor
}

func TestEnrollStagedFlow(t *testing.T) {
	sc, _ := newScanner(t)
	ctx := context.Background()

	if sc.EnrollStages() != 5 {
		t.Fatalf("EnrollStages() = %d, want 5", sc.EnrollStages())
	}
	if err := sc.EnrollBegin(ctx, 2, "index", 0); err != nil {
		t.Fatalf("EnrollBegin() error = %v", err)
	}

	for i := 1; i < 5; i++ {
		status, tpl, err := sc.EnrollStep(ctx)
		if err != nil {
			t.Fatalf("EnrollStep() #%d error = %v", i, err)
		}
		if status != EnrollStagePassed {
			t.Fatalf("EnrollStep() #%d = %v, want stage passed", i, status)
		}
		if tpl != nil {
			t.Fatalf("EnrollStep() #%d returned a template early", i)
		}
		if sc.Stage() != i {
			t.Errorf("Stage() = %d, want %d", sc.Stage(), i)
		}
	}

	status, tpl, err := sc.EnrollStep(ctx)
	if err != nil {
		t.Fatalf("final EnrollStep() error = %v", err)
	}
	if status != EnrollCompleted {
		t.Fatalf("final EnrollStep() = %v, want completed", status)
	}
	if tpl == nil || tpl.ID != 2 {
		t.Fatalf("template = %+v, want slot 2", tpl)
	}
	tpl.Release()
}

func TestEnrollRetryVerdict(t *testing.T) {
	sc, sensor := newScanner(t)
	ctx := context.Background()

	if err := sc.EnrollBegin(ctx, 1, "thumb", 0); err != nil {
		t.Fatalf("EnrollBegin() error = %v", err)
	}

	// A missing finger is a retry verdict, not an error, and the stage
	// does not advance.
	sensor.SetNoFinger(true)
	status, _, err := sc.EnrollStep(ctx)
	if err != nil {
		t.Fatalf("EnrollStep() error = %v", err)
	}
	if status != EnrollRetry {
		t.Fatalf("EnrollStep() = %v, want retry", status)
	}
	if sc.Stage() != 0 {
		t.Errorf("Stage() = %d after retry, want 0", sc.Stage())
	}

	sensor.SetNoFinger(false)
	status, _, err = sc.EnrollStep(ctx)
	if err != nil {
		t.Fatalf("EnrollStep() error = %v", err)
	}
	if status != EnrollStagePassed {
		t.Errorf("EnrollStep() = %v, want stage passed", status)
	}
}

func TestEnrollBeginExclusive(t *testing.T) {
	sc, _ := newScanner(t)
	ctx := context.Background()

	if err := sc.EnrollBegin(ctx, 1, "a", 0); err != nil {
		t.Fatalf("EnrollBegin() error = %v", err)
	}
	if err := sc.EnrollBegin(ctx, 2, "b", 0); err == nil {
		t.Error("second EnrollBegin() should fail")
	}
	if err := sc.EnrollCancel(ctx); err != nil {
		t.Fatalf("EnrollCancel() error = %v", err)
	}
	if err := sc.EnrollBegin(ctx, 2, "b", 0); err != nil {
		t.Errorf("EnrollBegin() after cancel error = %v", err)
	}
}

func TestEnrollCancelWithoutBegin(t *testing.T) {
	sc, _ := newScanner(t)
	if err := sc.EnrollCancel(context.Background()); err != nil {
		t.Errorf("EnrollCancel() error = %v, want nil", err)
	}
}

func enrollOne(t *testing.T, sc *Scanner, slot uint8) {
	t.Helper()
	ctx := context.Background()
	if err := sc.EnrollBegin(ctx, slot, "finger", 0); err != nil {
		t.Fatalf("EnrollBegin() error = %v", err)
	}
	for {
		status, tpl, err := sc.EnrollStep(ctx)
		if err != nil {
			t.Fatalf("EnrollStep() error = %v", err)
		}
		if status == EnrollCompleted {
			tpl.Release()
			return
		}
	}
}

func TestVerifyVerdicts(t *testing.T) {
	sc, sensor := newScanner(t)
	ctx := context.Background()
	enrollOne(t, sc, 1)

	status, confidence, err := sc.Verify(ctx, 1, 0)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if status != VerifyMatch || confidence != 90 {
		t.Errorf("Verify() = %v/%d, want match/90", status, confidence)
	}

	sensor.SetMatch(false, 0)
	status, _, err = sc.Verify(ctx, 1, 0)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if status != VerifyNoMatch {
		t.Errorf("Verify() = %v, want no match", status)
	}

	sensor.SetNoFinger(true)
	status, _, err = sc.Verify(ctx, 1, 0)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if status != VerifyRetry {
		t.Errorf("Verify() = %v, want retry", status)
	}
}

func TestIdentifyVerdicts(t *testing.T) {
	sc, sensor := newScanner(t)
	ctx := context.Background()
	enrollOne(t, sc, 3)

	status, res, err := sc.Identify(ctx, 0)
	if err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	if status != VerifyMatch || res == nil || res.TemplateID != 3 {
		t.Errorf("Identify() = %v/%+v, want match on slot 3", status, res)
	}

	sensor.SetMatch(false, 0)
	status, res, err = sc.Identify(ctx, 0)
	if err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	if status != VerifyNoMatch || res != nil {
		t.Errorf("Identify() = %v/%+v, want no match", status, res)
	}
}
