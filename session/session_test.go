package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openfpc/fpcusb/config"
	"github.com/openfpc/fpcusb/device"
	"github.com/openfpc/fpcusb/hal/sim"
	"github.com/openfpc/fpcusb/pkg"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.TransferTimeout = 100 * time.Millisecond
	cfg.InitRetryDelay = time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.Recovery.HardwareResetDelay = time.Millisecond
	cfg.Recovery.CommRetryDelay = time.Millisecond
	return cfg
}

func newReadySession(t *testing.T) (*Session, *device.Device, *sim.Sensor) {
	t.Helper()
	sensor := sim.New()
	dev := device.New(sensor, testConfig())
	t.Cleanup(dev.Unref)
	if err := dev.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	sess, err := Open(dev)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess, dev, sensor
}

func TestOpen(t *testing.T) {
	sess, dev, _ := newReadySession(t)

	if sess.ID().String() == "" {
		t.Error("session ID empty")
	}
	if dev.Refs() != 2 {
		t.Errorf("Refs() = %d after Open, want 2", dev.Refs())
	}
}

func TestOpenDisconnected(t *testing.T) {
	sensor := sim.New()
	dev := device.New(sensor, testConfig())
	t.Cleanup(dev.Unref)

	// Never initialized: still Disconnected.
	if _, err := Open(dev); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("Open() error = %v, want ErrNoDevice", err)
	}
	if dev.Refs() != 1 {
		t.Errorf("Refs() = %d after failed Open, want 1", dev.Refs())
	}
}

func TestOpenNil(t *testing.T) {
	if _, err := Open(nil); !errors.Is(err, pkg.ErrInvalidParam) {
		t.Errorf("Open(nil) error = %v, want ErrInvalidParam", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	sess, dev, _ := newReadySession(t)

	if err := sess.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if dev.Refs() != 1 {
		t.Errorf("Refs() = %d after Close, want 1", dev.Refs())
	}

	// Second close is a no-op, not a double Unref.
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if dev.Refs() != 1 {
		t.Errorf("Refs() = %d after second Close, want 1", dev.Refs())
	}
}

func TestOperationsAfterClose(t *testing.T) {
	sess, _, _ := newReadySession(t)
	sess.Close()

	ctx := context.Background()
	if _, err := sess.Capture(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Capture() error = %v, want ErrClosed", err)
	}
	if _, err := sess.Info(); !errors.Is(err, ErrClosed) {
		t.Errorf("Info() error = %v, want ErrClosed", err)
	}
	if err := sess.SetEventCallback(func(device.Event) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("SetEventCallback() error = %v, want ErrClosed", err)
	}
}

func TestSessionOperations(t *testing.T) {
	sess, _, _ := newReadySession(t)
	ctx := context.Background()

	info, err := sess.Info()
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.VendorID != sim.DefaultVendorID {
		t.Errorf("VendorID = %04x, want %04x", info.VendorID, sim.DefaultVendorID)
	}

	img, err := sess.Capture(ctx)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	img.Release()

	st, err := sess.Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.TotalCaptures != 1 {
		t.Errorf("TotalCaptures = %d, want 1", st.TotalCaptures)
	}
}

func TestSessionEnrollVerify(t *testing.T) {
	sess, _, _ := newReadySession(t)
	ctx := context.Background()

	if err := sess.EnrollStart(ctx, 1, "thumb", 0); err != nil {
		t.Fatalf("EnrollStart() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := sess.EnrollContinue(ctx); err != nil {
			t.Fatalf("EnrollContinue() #%d error = %v", i+1, err)
		}
	}
	tpl, err := sess.EnrollComplete(ctx)
	if err != nil {
		t.Fatalf("EnrollComplete() error = %v", err)
	}
	tpl.Release()

	if _, err := sess.Verify(ctx, 1, 0); err != nil {
		t.Errorf("Verify() error = %v", err)
	}

	ids, err := sess.ListTemplates(ctx)
	if err != nil {
		t.Fatalf("ListTemplates() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != 1 {
		t.Errorf("ListTemplates() = %v, want [1]", ids)
	}
}

func TestSharedDevice(t *testing.T) {
	sess1, dev, _ := newReadySession(t)

	sess2, err := Open(dev)
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	defer sess2.Close()

	if dev.Refs() != 3 {
		t.Errorf("Refs() = %d with two sessions, want 3", dev.Refs())
	}

	// Both sessions talk to the same sensor.
	ctx := context.Background()
	if _, err := sess1.Capture(ctx); err != nil {
		t.Errorf("sess1 Capture() error = %v", err)
	}
	if _, err := sess2.Capture(ctx); err != nil {
		t.Errorf("sess2 Capture() error = %v", err)
	}
	if st, _ := sess1.Status(); st.TotalCaptures != 2 {
		t.Errorf("TotalCaptures = %d, want 2", st.TotalCaptures)
	}
}

func TestEventCallback(t *testing.T) {
	sess, _, sensor := newReadySession(t)

	got := make(chan device.Event, 4)
	if err := sess.SetEventCallback(func(ev device.Event) { got <- ev }); err != nil {
		t.Fatalf("SetEventCallback() error = %v", err)
	}

	sensor.PushEvent(0x01)       // finger detected
	sensor.PushEvent(0x04, 2, 5) // enrollment progress

	for _, want := range []device.EventKind{device.EventFingerDetected, device.EventEnrollmentProgress} {
		select {
		case ev := <-got:
			if ev.Kind != want {
				t.Errorf("event kind = %v, want %v", ev.Kind, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %v", want)
		}
	}

	// Unregistering stops delivery.
	if err := sess.SetEventCallback(nil); err != nil {
		t.Fatalf("SetEventCallback(nil) error = %v", err)
	}
	sensor.PushEvent(0x02)
	select {
	case ev := <-got:
		t.Errorf("unexpected event %v after unregister", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseStopsEventDelivery(t *testing.T) {
	sess, _, sensor := newReadySession(t)

	got := make(chan device.Event, 1)
	if err := sess.SetEventCallback(func(ev device.Event) { got <- ev }); err != nil {
		t.Fatalf("SetEventCallback() error = %v", err)
	}

	// Close joins the polling goroutine; no delivery races the teardown.
	if err := sess.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	sensor.PushEvent(0x01)
	select {
	case ev := <-got:
		t.Errorf("unexpected event %v after Close", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRawPassthrough(t *testing.T) {
	sess, _, _ := newReadySession(t)
	ctx := context.Background()

	if _, err := sess.Write(ctx, []byte{0x01, 0x00, 0x00, 0x00}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	buf := make([]byte, 128)
	n, err := sess.Read(ctx, buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if n < 4 || buf[0] != 0x01 {
		t.Errorf("Read() = %d bytes, cmd %02x; want info response", n, buf[0])
	}
}
