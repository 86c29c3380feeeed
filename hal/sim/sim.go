package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/openfpc/fpcusb/hal"
	"github.com/openfpc/fpcusb/pkg"
)

// Sensor geometry and identity defaults.
const (
	DefaultVendorID  = 0x10A5
	DefaultProductID = 0x9201
	DefaultWidth     = 64
	DefaultHeight    = 64

	maxTemplates    = 10
	maxTemplateSize = 1024
	maxNameLen      = 32
	requiredSamples = 5
)

// Command opcodes understood by the simulated firmware.
const (
	cmdGetInfo        = 0x01
	cmdReset          = 0x02
	cmdCalibrate      = 0x03
	cmdCapture        = 0x10
	cmdEnrollStart    = 0x20
	cmdEnrollContinue = 0x21
	cmdEnrollComplete = 0x22
	cmdEnrollCancel   = 0x23
	cmdVerify         = 0x30
	cmdIdentify       = 0x31
	cmdStoreTemplate  = 0x40
	cmdLoadTemplate   = 0x41
	cmdDeleteTemplate = 0x42
	cmdListTemplates  = 0x43
	cmdClearTemplates = 0x44
	cmdSetPower       = 0x50
	cmdGetPower       = 0x51
)

// Response status codes.
const (
	respOK           = 0x00
	respError        = 0x01
	respTimeout      = 0x02
	respNoFinger     = 0x03
	respBadImage     = 0x04
	respNoMatch      = 0x05
	respBusy         = 0x06
	respNotSupported = 0x07
)

const headerSize = 4

type template struct {
	id      uint8
	typ     uint8
	quality uint8
	name    string
	data    []byte
}

// Sensor is an in-memory fingerprint sensor implementing hal.Pipe.
// The zero value is not usable; call New.
type Sensor struct {
	mu sync.Mutex

	present bool
	closed  bool

	pending []byte   // queued bulk IN response
	events  [][]byte // queued interrupt packets
	notify  chan struct{}

	templates map[uint8]*template
	enrolling bool
	enrollID  uint8
	enrollNm  string
	samples   int
	powerMode uint8

	// Scripting knobs.
	quality    uint8
	noFinger   bool
	badImage   bool
	matchOK    bool
	confidence uint8

	// Failure injection.
	failStatus   map[uint8]uint8 // one-shot per-command status override
	timeoutsLeft int             // next n transfers time out
	stallNext    map[uint8]bool  // one-shot per-endpoint stall
	replyShort   bool            // one-shot truncated response header
	replyWrong   bool            // one-shot wrong echo opcode

	// Counters for assertions.
	ResetCount      int
	PowerCycleCount int
	ClearHaltCount  int
}

// New creates a connected simulated sensor with empty template storage.
func New() *Sensor {
	return &Sensor{
		present:    true,
		notify:     make(chan struct{}, 1),
		templates:  make(map[uint8]*template),
		quality:    85,
		matchOK:    true,
		confidence: 90,
		failStatus: make(map[uint8]uint8),
		stallNext:  make(map[uint8]bool),
	}
}

// ====================================================================
// hal.Pipe implementation
// ====================================================================

// Transfer services one endpoint exchange against the simulated firmware.
func (s *Sensor) Transfer(ctx context.Context, endpoint uint8, typ hal.TransferType, dir hal.Direction, buf []byte, timeout time.Duration) (int, error) {
	s.mu.Lock()
	if s.closed || !s.present {
		s.mu.Unlock()
		return 0, pkg.ErrNoDevice
	}
	if s.timeoutsLeft > 0 {
		s.timeoutsLeft--
		s.mu.Unlock()
		return 0, pkg.ErrTimeout
	}
	if s.stallNext[endpoint] {
		delete(s.stallNext, endpoint)
		s.mu.Unlock()
		return 0, pkg.ErrStall
	}

	switch endpoint {
	case hal.EndpointBulkOut:
		defer s.mu.Unlock()
		return s.handleCommand(buf)

	case hal.EndpointBulkIn:
		defer s.mu.Unlock()
		if s.pending == nil {
			return 0, pkg.ErrTimeout
		}
		n := copy(buf, s.pending)
		s.pending = nil
		return n, nil

	case hal.EndpointIntIn:
		s.mu.Unlock()
		return s.waitEvent(ctx, buf, timeout)

	default:
		s.mu.Unlock()
		return 0, fmt.Errorf("endpoint 0x%02x: %w", endpoint, pkg.ErrInvalidParam)
	}
}

// ClearHalt records the halt-clear; the simulated endpoints never stay
// stalled.
func (s *Sensor) ClearHalt(endpoint uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return pkg.ErrNoDevice
	}
	s.ClearHaltCount++
	return nil
}

// Present reports whether the simulated device is attached.
func (s *Sensor) Present() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.present && !s.closed
}

// Reset reinitializes the simulated interface, dropping any queued
// response and in-progress enrollment.
func (s *Sensor) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.present {
		return pkg.ErrNoDevice
	}
	s.ResetCount++
	s.pending = nil
	s.clearEnrollLocked()
	return nil
}

// PowerCycle simulates a port power cycle. It restores a disconnected
// device, matching hardware where the cycle re-enumerates the sensor.
func (s *Sensor) PowerCycle() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return pkg.ErrNoDevice
	}
	s.PowerCycleCount++
	s.present = true
	s.pending = nil
	s.clearEnrollLocked()
	s.powerMode = 0
	return nil
}

// Close detaches the simulated device permanently.
func (s *Sensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.present = false
	return nil
}

// ====================================================================
// Scripting and failure injection
// ====================================================================

// Disconnect simulates surprise removal; transfers fail with the
// device-gone sentinel until PowerCycle or Reconnect.
func (s *Sensor) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.present = false
}

// Reconnect reattaches a disconnected device.
func (s *Sensor) Reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.present = true
	}
}

// FailNext arranges for the next occurrence of cmd to answer with the
// given status code.
func (s *Sensor) FailNext(cmd, status uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus[cmd] = status
}

// InjectTimeouts makes the next n transfers time out.
func (s *Sensor) InjectTimeouts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeoutsLeft = n
}

// InjectStall makes the next transfer on the endpoint stall.
func (s *Sensor) InjectStall(endpoint uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stallNext[endpoint] = true
}

// InjectShortResponse truncates the next response below the header size.
func (s *Sensor) InjectShortResponse() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyShort = true
}

// InjectWrongEcho corrupts the echoed opcode of the next response.
func (s *Sensor) InjectWrongEcho() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyWrong = true
}

// SetQuality scripts the quality byte reported for samples.
func (s *Sensor) SetQuality(q uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quality = q
}

// SetNoFinger scripts whether sample commands report an absent finger.
func (s *Sensor) SetNoFinger(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noFinger = v
}

// SetBadImage scripts whether sample commands report an unusable image.
func (s *Sensor) SetBadImage(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.badImage = v
}

// SetMatch scripts the outcome of verify and identify.
func (s *Sensor) SetMatch(ok bool, confidence uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matchOK = ok
	s.confidence = confidence
}

// TemplateCount returns the number of occupied slots.
func (s *Sensor) TemplateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.templates)
}

// PushEvent queues a raw interrupt packet for delivery.
func (s *Sensor) PushEvent(data ...byte) {
	s.mu.Lock()
	pkt := make([]byte, 8)
	copy(pkt, data)
	s.events = append(s.events, pkt)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// ====================================================================
// Firmware behavior
// ====================================================================

func (s *Sensor) waitEvent(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		if s.closed || !s.present {
			s.mu.Unlock()
			return 0, pkg.ErrNoDevice
		}
		if len(s.events) > 0 {
			ev := s.events[0]
			s.events = s.events[1:]
			s.mu.Unlock()
			return copy(buf, ev), nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-deadline.C:
			return 0, pkg.ErrTimeout
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// handleCommand parses one framed command and queues the response.
// Called with the lock held.
func (s *Sensor) handleCommand(buf []byte) (int, error) {
	if len(buf) < headerSize {
		return 0, pkg.ErrProtocol
	}
	cmd := buf[0]
	length := int(binary.LittleEndian.Uint16(buf[2:4]))
	if len(buf) < headerSize+length {
		return 0, pkg.ErrProtocol
	}
	payload := buf[headerSize : headerSize+length]

	if status, ok := s.failStatus[cmd]; ok {
		delete(s.failStatus, cmd)
		s.queue(cmd, status, nil)
		return len(buf), nil
	}

	status, resp := s.execute(cmd, payload)
	s.queue(cmd, status, resp)
	return len(buf), nil
}

// queue frames and stores the response for the next bulk IN read,
// applying any pending response corruption.
func (s *Sensor) queue(cmd, status uint8, payload []byte) {
	if s.replyShort {
		s.replyShort = false
		s.pending = []byte{cmd, status}
		return
	}
	if s.replyWrong {
		s.replyWrong = false
		cmd ^= 0xFF
	}

	pkt := make([]byte, headerSize+len(payload))
	pkt[0] = cmd
	pkt[1] = status
	binary.LittleEndian.PutUint16(pkt[2:4], uint16(len(payload)))
	copy(pkt[headerSize:], payload)
	s.pending = pkt
}

func (s *Sensor) execute(cmd uint8, payload []byte) (uint8, []byte) {
	switch cmd {
	case cmdGetInfo:
		return respOK, s.infoBlock()

	case cmdReset:
		s.clearEnrollLocked()
		s.powerMode = 0
		return respOK, nil

	case cmdCalibrate:
		if len(payload) < 4 {
			return respError, nil
		}
		return respOK, nil

	case cmdCapture:
		if st := s.sampleStatus(); st != respOK {
			return st, nil
		}
		return respOK, s.imageBlock()

	case cmdEnrollStart:
		if len(payload) < 3 {
			return respError, nil
		}
		if s.enrolling {
			return respBusy, nil
		}
		id := payload[0]
		if id < 1 || id > maxTemplates {
			return respError, nil
		}
		nameLen := int(payload[2])
		if nameLen > maxNameLen || 3+nameLen > len(payload) {
			return respError, nil
		}
		s.enrolling = true
		s.enrollID = id
		s.enrollNm = string(payload[3 : 3+nameLen])
		s.samples = 0
		return respOK, nil

	case cmdEnrollContinue:
		if !s.enrolling {
			return respError, nil
		}
		if st := s.sampleStatus(); st != respOK {
			return st, nil
		}
		s.samples++
		return respOK, []byte{s.quality, byte(s.samples), requiredSamples}

	case cmdEnrollComplete:
		if !s.enrolling || s.samples < requiredSamples {
			return respError, nil
		}
		tpl := s.synthesize(s.enrollID, s.enrollNm)
		s.templates[tpl.id] = tpl
		s.clearEnrollLocked()
		return respOK, templateBlock(tpl)

	case cmdEnrollCancel:
		s.clearEnrollLocked()
		return respOK, nil

	case cmdVerify:
		if len(payload) < 1 {
			return respError, nil
		}
		if st := s.sampleStatus(); st != respOK {
			return st, nil
		}
		if _, ok := s.templates[payload[0]]; !ok || !s.matchOK {
			return respNoMatch, nil
		}
		return respOK, []byte{s.confidence}

	case cmdIdentify:
		if st := s.sampleStatus(); st != respOK {
			return st, nil
		}
		if !s.matchOK {
			return respNoMatch, nil
		}
		for id := uint8(1); id <= maxTemplates; id++ {
			if _, ok := s.templates[id]; ok {
				return respOK, []byte{id, s.confidence}
			}
		}
		return respNoMatch, nil

	case cmdStoreTemplate:
		return s.storeTemplate(payload)

	case cmdLoadTemplate:
		if len(payload) < 1 {
			return respError, nil
		}
		tpl, ok := s.templates[payload[0]]
		if !ok {
			return respError, nil
		}
		return respOK, templateBlock(tpl)

	case cmdDeleteTemplate:
		if len(payload) < 1 {
			return respError, nil
		}
		if _, ok := s.templates[payload[0]]; !ok {
			return respError, nil
		}
		delete(s.templates, payload[0])
		return respOK, nil

	case cmdListTemplates:
		ids := make([]byte, 0, len(s.templates))
		for id := uint8(1); id <= maxTemplates; id++ {
			if _, ok := s.templates[id]; ok {
				ids = append(ids, id)
			}
		}
		return respOK, ids

	case cmdClearTemplates:
		s.templates = make(map[uint8]*template)
		return respOK, nil

	case cmdSetPower:
		if len(payload) < 1 || payload[0] > 0x03 {
			return respError, nil
		}
		s.powerMode = payload[0]
		return respOK, nil

	case cmdGetPower:
		return respOK, []byte{s.powerMode}

	default:
		return respNotSupported, nil
	}
}

// sampleStatus applies the scripted finger/image conditions.
func (s *Sensor) sampleStatus() uint8 {
	if s.noFinger {
		return respNoFinger
	}
	if s.badImage {
		return respBadImage
	}
	return respOK
}

func (s *Sensor) infoBlock() []byte {
	info := make([]byte, 64)
	binary.BigEndian.PutUint16(info[0:2], DefaultVendorID)
	binary.BigEndian.PutUint16(info[2:4], DefaultProductID)
	info[8], info[9], info[10], info[11] = 2, 1, 0, 7
	binary.BigEndian.PutUint16(info[16:18], DefaultWidth)
	binary.BigEndian.PutUint16(info[18:20], DefaultHeight)
	info[20] = uint8(len(s.templates))
	binary.BigEndian.PutUint32(info[24:28], 0x0000001F)
	return info
}

func (s *Sensor) imageBlock() []byte {
	data := make([]byte, DefaultWidth*DefaultHeight)
	for i := range data {
		data[i] = byte(i)
	}
	img := make([]byte, 10, 10+len(data))
	binary.BigEndian.PutUint16(img[0:2], DefaultWidth)
	binary.BigEndian.PutUint16(img[2:4], DefaultHeight)
	img[4] = 0x01 // gray8
	img[5] = s.quality
	binary.BigEndian.PutUint32(img[6:10], uint32(len(data)))
	return append(img, data...)
}

func (s *Sensor) synthesize(id uint8, name string) *template {
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(int(id) + i)
	}
	return &template{id: id, quality: s.quality, name: name, data: data}
}

func (s *Sensor) storeTemplate(payload []byte) (uint8, []byte) {
	if len(payload) < 8 {
		return respError, nil
	}
	id := payload[0]
	if id < 1 || id > maxTemplates {
		return respError, nil
	}
	nameLen := int(payload[3])
	if nameLen > maxNameLen || 8+nameLen > len(payload) {
		return respError, nil
	}
	size := int(binary.BigEndian.Uint32(payload[4+nameLen : 8+nameLen]))
	if size > maxTemplateSize || 8+nameLen+size > len(payload) {
		return respError, nil
	}
	s.templates[id] = &template{
		id:      id,
		typ:     payload[1],
		quality: payload[2],
		name:    string(payload[4 : 4+nameLen]),
		data:    append([]byte(nil), payload[8+nameLen:8+nameLen+size]...),
	}
	return respOK, nil
}

func templateBlock(tpl *template) []byte {
	out := make([]byte, 0, 8+len(tpl.name)+len(tpl.data))
	out = append(out, tpl.id, tpl.typ, tpl.quality, byte(len(tpl.name)))
	out = append(out, tpl.name...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(tpl.data)))
	return append(out, tpl.data...)
}

// clearEnrollLocked drops in-progress enrollment. Called with the lock
// held.
func (s *Sensor) clearEnrollLocked() {
	s.enrolling = false
	s.enrollID = 0
	s.enrollNm = ""
	s.samples = 0
}
