package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfpc/fpcusb/device"
	"github.com/openfpc/fpcusb/pkg"
)

// ErrClosed is returned by every operation on a closed session.
var ErrClosed = errors.New("session closed")

// EventCallback receives asynchronous sensor events. Callbacks run on the
// session's polling goroutine; a slow callback delays event delivery but
// never blocks device operations.
type EventCallback func(device.Event)

// Session is one client's handle on a shared device. All operations are
// serialized by an internal lock, so a session is safe for concurrent use.
type Session struct {
	id  uuid.UUID
	dev *device.Device

	mu     sync.Mutex
	closed bool

	cb         EventCallback
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// Open creates a session over the device, taking a reference that Close
// releases. It fails if the device is gone or permanently failed.
func Open(dev *device.Device) (*Session, error) {
	if dev == nil {
		return nil, pkg.ErrInvalidParam
	}
	if dev.State() == device.StateDisconnected {
		return nil, fmt.Errorf("open session: %w", pkg.ErrNoDevice)
	}
	if dev.Failed() {
		return nil, fmt.Errorf("open session: device failed: %w", pkg.ErrDevice)
	}

	dev.Ref()
	s := &Session{id: uuid.New(), dev: dev}
	pkg.LogInfo(pkg.ComponentSession, "session opened",
		"session", s.id.String(), "refs", dev.Refs())
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Close releases the session. It stops event delivery, waits for the
// polling goroutine to exit, and drops the device reference. Close is
// idempotent; operations after Close fail with ErrClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.pollCancel, s.pollDone
	s.pollCancel, s.pollDone, s.cb = nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	s.dev.Unref()
	pkg.LogInfo(pkg.ComponentSession, "session closed", "session", s.id.String())
	return nil
}

// SetEventCallback registers cb for asynchronous sensor events and starts
// the polling goroutine; a nil cb stops delivery. Replacing the callback
// restarts the poller.
func (s *Session) SetEventCallback(cb EventCallback) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	cancel, done := s.pollCancel, s.pollDone
	s.pollCancel, s.pollDone = nil, nil
	s.cb = cb

	if cb != nil {
		ctx, pollCancel := context.WithCancel(context.Background())
		pollDone := make(chan struct{})
		s.pollCancel, s.pollDone = pollCancel, pollDone
		go s.pollLoop(ctx, cb, pollDone)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// pollLoop feeds events to the callback until its context is cancelled.
// Poll errors are logged and retried after a backoff; a disconnect ends
// the loop, since events cannot resume without reinitialization.
func (s *Session) pollLoop(ctx context.Context, cb EventCallback, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		ev, ok, err := s.dev.PollEvent(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		case errors.Is(err, pkg.ErrNoDevice):
			pkg.LogWarn(pkg.ComponentSession, "event polling stopped, device gone",
				"session", s.id.String())
			return
		case err != nil:
			pkg.LogWarn(pkg.ComponentSession, "event poll failed",
				"session", s.id.String(), "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
		case ok:
			pkg.LogDebug(pkg.ComponentSession, "event delivered",
				"session", s.id.String(), "kind", ev.Kind.String())
			cb(ev)
		}
	}
}

// guard takes the operation lock unless the session is closed. The caller
// must release it when guard returns nil.
func (s *Session) guard() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	return nil
}

// Device returns the underlying device for status inspection. The session
// keeps its reference; callers must not Unref it.
func (s *Session) Device() *device.Device {
	return s.dev
}

// Info returns the device info block.
func (s *Session) Info() (device.Info, error) {
	if err := s.guard(); err != nil {
		return device.Info{}, err
	}
	defer s.mu.Unlock()
	return s.dev.Info(), nil
}

// Status returns a snapshot of device health.
func (s *Session) Status() (device.Status, error) {
	if err := s.guard(); err != nil {
		return device.Status{}, err
	}
	defer s.mu.Unlock()
	return s.dev.Status(), nil
}

// Initialize brings the device to Ready.
func (s *Session) Initialize(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.dev.Initialize(ctx)
}

// Reset performs an external device reset, clearing the permanent-failure
// flag.
func (s *Session) Reset(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.dev.Reset(ctx)
}

// Suspend parks the device in the Suspended state.
func (s *Session) Suspend(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.dev.Suspend(ctx)
}

// Resume reinitializes a suspended device.
func (s *Session) Resume(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.dev.Resume(ctx)
}

// Capture acquires one fingerprint image.
func (s *Session) Capture(ctx context.Context) (*device.Image, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.dev.Capture(ctx)
}

// EnrollStart begins an enrollment sequence for the given template slot.
func (s *Session) EnrollStart(ctx context.Context, id uint8, name string, timeout uint32) error {
	if err := s.guard(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.dev.EnrollStart(ctx, id, name, timeout)
}

// EnrollContinue requests the next enrollment sample.
func (s *Session) EnrollContinue(ctx context.Context) (uint8, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return s.dev.EnrollContinue(ctx)
}

// EnrollComplete finalizes the enrollment and returns the new template.
func (s *Session) EnrollComplete(ctx context.Context) (*device.Template, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.dev.EnrollComplete(ctx)
}

// EnrollCancel aborts an in-progress enrollment.
func (s *Session) EnrollCancel(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.dev.EnrollCancel(ctx)
}

// Verify matches a live sample against one stored template.
func (s *Session) Verify(ctx context.Context, templateID uint8, timeout uint32) (uint8, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return s.dev.Verify(ctx, templateID, timeout)
}

// Identify matches a live sample against all stored templates.
func (s *Session) Identify(ctx context.Context, timeout uint32) (*device.IdentifyResult, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.dev.Identify(ctx, timeout)
}

// ListTemplates enumerates occupied template slots.
func (s *Session) ListTemplates(ctx context.Context) ([]uint8, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.dev.ListTemplates(ctx)
}

// DeleteTemplate removes one stored template.
func (s *Session) DeleteTemplate(ctx context.Context, templateID uint8) error {
	if err := s.guard(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.dev.DeleteTemplate(ctx, templateID)
}

// ClearTemplates removes all stored templates.
func (s *Session) ClearTemplates(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.dev.ClearTemplates(ctx)
}

// StoreTemplate uploads a previously exported template into its slot.
func (s *Session) StoreTemplate(ctx context.Context, tpl *device.Template) error {
	if err := s.guard(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.dev.StoreTemplate(ctx, tpl)
}

// LoadTemplate downloads a stored template from its slot.
func (s *Session) LoadTemplate(ctx context.Context, templateID uint8) (*device.Template, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.dev.LoadTemplate(ctx, templateID)
}

// Calibrate runs a sensor calibration cycle.
func (s *Session) Calibrate(ctx context.Context, mode, sensitivity uint8, threshold uint16) error {
	if err := s.guard(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.dev.Calibrate(ctx, mode, sensitivity, threshold)
}

// SetPowerMode requests a device power mode.
func (s *Session) SetPowerMode(ctx context.Context, mode uint8) error {
	if err := s.guard(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.dev.SetPowerMode(ctx, mode)
}

// GetPowerMode reports the current device power mode.
func (s *Session) GetPowerMode(ctx context.Context) (uint8, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return s.dev.GetPowerMode(ctx)
}

// Write sends raw bytes on the bulk OUT endpoint, bypassing the command
// framing. Intended for diagnostics.
func (s *Session) Write(ctx context.Context, data []byte) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return s.dev.RawWrite(ctx, data)
}

// Read reads raw bytes from the bulk IN endpoint, bypassing the command
// framing. Intended for diagnostics.
func (s *Session) Read(ctx context.Context, buf []byte) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return s.dev.RawRead(ctx, buf)
}
