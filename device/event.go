package device

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/openfpc/fpcusb/hal"
	"github.com/openfpc/fpcusb/pkg"
)

// EventKind identifies an asynchronous sensor event.
type EventKind uint8

// Sensor event kinds, as carried in the first byte of an interrupt packet.
const (
	EventFingerDetected       EventKind = 0x01
	EventFingerRemoved        EventKind = 0x02
	EventImageCaptured        EventKind = 0x03
	EventEnrollmentProgress   EventKind = 0x04
	EventVerificationComplete EventKind = 0x05
	EventError                EventKind = 0x06
)

// String returns a human-readable event name.
func (k EventKind) String() string {
	switch k {
	case EventFingerDetected:
		return "finger detected"
	case EventFingerRemoved:
		return "finger removed"
	case EventImageCaptured:
		return "image captured"
	case EventEnrollmentProgress:
		return "enrollment progress"
	case EventVerificationComplete:
		return "verification complete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one decoded sensor event. Only the fields relevant to the kind
// are populated.
type Event struct {
	Kind EventKind

	// EventEnrollmentProgress
	Progress      uint8
	SamplesNeeded uint8

	// EventVerificationComplete
	Matched    bool
	TemplateID uint8
	Confidence uint8

	// EventError
	Code pkg.Code
}

// eventPacketSize is the fixed interrupt packet length.
const eventPacketSize = 8

// PollEvent reads one event from the interrupt endpoint, waiting at most
// the configured poll interval. A timeout means the sensor had nothing to
// report and is not an error; ok is false and err is nil. The event stream
// is independent of the command/response stream and does not take the I/O
// lock.
func (d *Device) PollEvent(ctx context.Context) (ev Event, ok bool, err error) {
	if d.State() == StateDisconnected {
		return Event{}, false, pkg.ErrNoDevice
	}

	buf := make([]byte, eventPacketSize)
	n, err := d.pipe.Transfer(ctx, hal.EndpointIntIn, hal.TransferInterrupt,
		hal.DirIn, buf, d.cfg.PollInterval)
	if err != nil {
		switch {
		case errors.Is(err, pkg.ErrTimeout):
			return Event{}, false, nil
		case errors.Is(err, pkg.ErrNoDevice):
			d.forceDisconnected()
			return Event{}, false, pkg.ErrNoDevice
		default:
			atomic.AddUint32(&d.errorCount, 1)
			return Event{}, false, fmt.Errorf("event poll: %w: %v", pkg.ErrDevice, err)
		}
	}
	if n < 1 {
		return Event{}, false, fmt.Errorf("empty event packet: %w", pkg.ErrProtocol)
	}

	d.touchActivity()
	ev, err = decodeEvent(buf[:n])
	if err != nil {
		return Event{}, false, err
	}
	return ev, true, nil
}

// decodeEvent parses a raw interrupt packet. Kind-specific fields follow
// the kind byte; packets shorter than their kind requires are protocol
// errors.
func decodeEvent(data []byte) (Event, error) {
	ev := Event{Kind: EventKind(data[0])}

	switch ev.Kind {
	case EventFingerDetected, EventFingerRemoved, EventImageCaptured:
		return ev, nil

	case EventEnrollmentProgress:
		if len(data) < 3 {
			return Event{}, fmt.Errorf("short enrollment event: %w", pkg.ErrProtocol)
		}
		ev.Progress = data[1]
		ev.SamplesNeeded = data[2]
		return ev, nil

	case EventVerificationComplete:
		if len(data) < 4 {
			return Event{}, fmt.Errorf("short verification event: %w", pkg.ErrProtocol)
		}
		ev.Matched = data[1] != 0
		ev.TemplateID = data[2]
		ev.Confidence = data[3]
		return ev, nil

	case EventError:
		if len(data) < 2 {
			return Event{}, fmt.Errorf("short error event: %w", pkg.ErrProtocol)
		}
		ev.Code = -pkg.Code(data[1])
		return ev, nil

	default:
		return Event{}, fmt.Errorf("unknown event kind 0x%02x: %w", data[0], pkg.ErrProtocol)
	}
}
