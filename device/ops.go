package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/openfpc/fpcusb/pkg"
)

// ImageFormat tags the pixel layout of a captured image.
type ImageFormat uint8

// Image formats.
const (
	FormatRaw ImageFormat = iota
	FormatGray8
	FormatRGB24
	FormatCompressed
)

// TemplateType tags the encoding of a stored template.
type TemplateType uint8

// Template types.
const (
	TemplateProprietary TemplateType = iota
	TemplateISO19794
	TemplateANSI378
)

// Power modes.
const (
	PowerActive    = 0x00
	PowerIdle      = 0x01
	PowerSleep     = 0x02
	PowerDeepSleep = 0x03
)

// Image is a captured fingerprint sample. The caller owns the image after
// a successful capture and releases it explicitly.
type Image struct {
	Width   uint16
	Height  uint16
	Format  ImageFormat
	Quality uint8
	Data    []byte
}

// Release drops the image payload. The image must not be used afterwards.
func (img *Image) Release() {
	img.Data = nil
}

// Template is an opaque enrollment result. The caller owns the template
// after a successful enrollment and releases it explicitly.
type Template struct {
	ID      uint8
	Type    TemplateType
	Quality uint8
	Name    string
	Data    []byte
}

// Release drops the template payload. The template must not be used
// afterwards.
func (t *Template) Release() {
	t.Data = nil
}

// IdentifyResult reports a successful one-to-many match.
type IdentifyResult struct {
	TemplateID uint8
	Confidence uint8
}

// fail records a failed operation and hands fatal errors to the recovery
// engine. Retryable sample outcomes, caller mistakes, a no-match verdict,
// and a removed device never trigger recovery.
func (d *Device) fail(err error) error {
	d.setLastError(err)
	if pkg.Retryable(err) || pkg.CallerFault(err) || pkg.CodeOf(err) == pkg.CodeNoMatch {
		return err
	}
	if errors.Is(err, pkg.ErrNoDevice) {
		return err
	}
	if terr := d.TriggerRecovery(Classify(err)); terr != nil {
		pkg.LogDebug(pkg.ComponentDevice, "recovery not started", "reason", terr)
	}
	return err
}

// sample runs one capture-style exchange: Ready -> Capturing -> Processing
// -> Ready, with retryable outcomes returning the device to Ready and
// fatal outcomes parking it in Error.
func (d *Device) sample(ctx context.Context, cmd uint8, payload, resp []byte) (int, error) {
	if err := d.requireReady(); err != nil {
		return 0, err
	}
	if err := d.transition(StateCapturing); err != nil {
		return 0, err
	}

	n, err := d.command(ctx, cmd, payload, resp)
	if err != nil {
		if pkg.Retryable(err) || pkg.CodeOf(err) == pkg.CodeNoMatch {
			d.transition(StateReady)
		} else if d.State() != StateDisconnected {
			d.transition(StateError)
		}
		return 0, d.fail(err)
	}

	d.transition(StateProcessing)
	d.transition(StateReady)
	return n, nil
}

// Capture acquires one fingerprint image.
func (d *Device) Capture(ctx context.Context) (*Image, error) {
	resp := make([]byte, MaxResponseSize)
	n, err := d.sample(ctx, cmdCapture, []byte{d.cfg.QualityThreshold}, resp)
	if err != nil {
		return nil, err
	}
	if n < 10 {
		return nil, d.fail(fmt.Errorf("capture response %d bytes: %w", n, pkg.ErrProtocol))
	}

	size := binary.BigEndian.Uint32(resp[6:10])
	if size > MaxImageSize || int(size) > n-10 {
		return nil, d.fail(fmt.Errorf("capture size %d: %w", size, pkg.ErrProtocol))
	}

	img := &Image{
		Width:   binary.BigEndian.Uint16(resp[0:2]),
		Height:  binary.BigEndian.Uint16(resp[2:4]),
		Format:  ImageFormat(resp[4]),
		Quality: resp[5],
		Data:    append([]byte(nil), resp[10:10+size]...),
	}
	atomic.AddUint32(&d.totalCaptures, 1)
	pkg.LogDebug(pkg.ComponentDevice, "image captured",
		"width", img.Width, "height", img.Height, "quality", img.Quality)
	return img, nil
}

// EnrollStart begins an enrollment sequence for the given template slot.
// The caller drives the sample loop with EnrollContinue and finishes with
// EnrollComplete or EnrollCancel.
func (d *Device) EnrollStart(ctx context.Context, id uint8, name string, timeout uint32) error {
	if id < 1 || id > MaxTemplates {
		return pkg.ErrInvalidParam
	}
	if len(name) > MaxNameLen {
		return pkg.ErrInvalidParam
	}
	if err := d.requireReady(); err != nil {
		return err
	}

	d.enrollMu.Lock()
	if d.enrollActive {
		d.enrollMu.Unlock()
		return pkg.ErrBusy
	}
	d.enrollMu.Unlock()

	payload := make([]byte, 0, 7+len(name))
	payload = append(payload, id, d.cfg.QualityThreshold, byte(len(name)))
	payload = append(payload, name...)
	payload = binary.BigEndian.AppendUint32(payload, timeout)

	var resp [8]byte
	if _, err := d.command(ctx, cmdEnrollStart, payload, resp[:]); err != nil {
		return d.fail(err)
	}

	d.enrollMu.Lock()
	d.enrollActive = true
	d.enrollID = id
	d.enrollSamples = 0
	d.enrollMu.Unlock()

	pkg.LogInfo(pkg.ComponentDevice, "enrollment started", "template", id)
	return nil
}

// EnrollContinue requests the next enrollment sample. A nil return means
// the device accepted the sample; ErrNoFinger and ErrBadImage mean the
// caller should reposition and try again.
func (d *Device) EnrollContinue(ctx context.Context) (quality uint8, err error) {
	d.enrollMu.Lock()
	active := d.enrollActive
	d.enrollMu.Unlock()
	if !active {
		return 0, fmt.Errorf("no enrollment in progress: %w", pkg.ErrInvalidParam)
	}

	var resp [8]byte
	n, err := d.sample(ctx, cmdEnrollContinue, nil, resp[:])
	if err != nil {
		return 0, err
	}

	d.enrollMu.Lock()
	d.enrollSamples++
	samples := d.enrollSamples
	d.enrollMu.Unlock()

	if n > 0 {
		quality = resp[0]
	}
	pkg.LogDebug(pkg.ComponentDevice, "enrollment sample accepted",
		"samples", samples, "quality", quality)
	return quality, nil
}

// EnrollSamples returns the number of samples accepted so far in the
// current enrollment, or zero if none is active.
func (d *Device) EnrollSamples() int {
	d.enrollMu.Lock()
	defer d.enrollMu.Unlock()
	if !d.enrollActive {
		return 0
	}
	return d.enrollSamples
}

// EnrollComplete finalizes the enrollment and returns the new template.
func (d *Device) EnrollComplete(ctx context.Context) (*Template, error) {
	d.enrollMu.Lock()
	active := d.enrollActive
	d.enrollMu.Unlock()
	if !active {
		return nil, fmt.Errorf("no enrollment in progress: %w", pkg.ErrInvalidParam)
	}
	if err := d.requireReady(); err != nil {
		return nil, err
	}

	resp := make([]byte, 8+MaxNameLen+MaxTemplateSize)
	n, err := d.command(ctx, cmdEnrollComplete, nil, resp)
	if err != nil {
		return nil, d.fail(err)
	}
	if n < 8 {
		return nil, d.fail(fmt.Errorf("template response %d bytes: %w", n, pkg.ErrProtocol))
	}

	nameLen := int(resp[3])
	if nameLen > MaxNameLen || 8+nameLen > n {
		return nil, d.fail(fmt.Errorf("template name length %d: %w", nameLen, pkg.ErrProtocol))
	}
	size := binary.BigEndian.Uint32(resp[4+nameLen : 8+nameLen])
	if size > MaxTemplateSize || int(size) > n-8-nameLen {
		return nil, d.fail(fmt.Errorf("template size %d: %w", size, pkg.ErrProtocol))
	}

	tpl := &Template{
		ID:      resp[0],
		Type:    TemplateType(resp[1]),
		Quality: resp[2],
		Name:    string(resp[4 : 4+nameLen]),
		Data:    append([]byte(nil), resp[8+nameLen:8+nameLen+int(size)]...),
	}

	d.clearEnrollment()
	pkg.LogInfo(pkg.ComponentDevice, "enrollment completed",
		"template", tpl.ID, "size", len(tpl.Data))
	return tpl, nil
}

// EnrollCancel aborts an in-progress enrollment and returns the device to
// Ready. If the device does not acknowledge the cancellation, recovery is
// triggered so the sensor cannot stay wedged mid-sequence.
func (d *Device) EnrollCancel(ctx context.Context) error {
	d.enrollMu.Lock()
	active := d.enrollActive
	d.enrollMu.Unlock()
	if !active {
		return fmt.Errorf("no enrollment in progress: %w", pkg.ErrInvalidParam)
	}

	d.clearEnrollment()

	var resp [8]byte
	if _, err := d.command(ctx, cmdEnrollCancel, nil, resp[:]); err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "enrollment cancel not acknowledged", "error", err)
		return d.fail(err)
	}

	pkg.LogInfo(pkg.ComponentDevice, "enrollment cancelled")
	return nil
}

// Verify matches a live sample against one stored template. A nil error
// means the sample matched; ErrNoMatch, ErrNoFinger, and ErrBadImage are
// the non-fatal outcomes.
func (d *Device) Verify(ctx context.Context, templateID uint8, timeout uint32) (confidence uint8, err error) {
	if templateID < 1 || templateID > MaxTemplates {
		return 0, pkg.ErrInvalidParam
	}

	payload := make([]byte, 0, 6)
	payload = append(payload, templateID, d.cfg.QualityThreshold)
	payload = binary.BigEndian.AppendUint32(payload, timeout)

	var resp [8]byte
	n, err := d.sample(ctx, cmdVerify, payload, resp[:])
	if err != nil {
		if pkg.CodeOf(err) == pkg.CodeNoMatch {
			atomic.AddUint32(&d.matchFail, 1)
		}
		return 0, err
	}

	if n > 0 {
		confidence = resp[0]
	}
	atomic.AddUint32(&d.matchOK, 1)
	pkg.LogDebug(pkg.ComponentDevice, "verification matched",
		"template", templateID, "confidence", confidence)
	return confidence, nil
}

// Identify matches a live sample against all stored templates.
func (d *Device) Identify(ctx context.Context, timeout uint32) (*IdentifyResult, error) {
	payload := make([]byte, 0, 5)
	payload = append(payload, d.cfg.QualityThreshold)
	payload = binary.BigEndian.AppendUint32(payload, timeout)

	var resp [8]byte
	n, err := d.sample(ctx, cmdIdentify, payload, resp[:])
	if err != nil {
		if pkg.CodeOf(err) == pkg.CodeNoMatch {
			atomic.AddUint32(&d.matchFail, 1)
		}
		return nil, err
	}
	if n < 2 {
		return nil, d.fail(fmt.Errorf("identify response %d bytes: %w", n, pkg.ErrProtocol))
	}

	atomic.AddUint32(&d.matchOK, 1)
	res := &IdentifyResult{TemplateID: resp[0], Confidence: resp[1]}
	pkg.LogDebug(pkg.ComponentDevice, "identification matched",
		"template", res.TemplateID, "confidence", res.Confidence)
	return res, nil
}

// ListTemplates enumerates occupied template slots. Zero-valued slots are
// empty and excluded from the result.
func (d *Device) ListTemplates(ctx context.Context) ([]uint8, error) {
	if err := d.requireReady(); err != nil {
		return nil, err
	}

	resp := make([]byte, MaxTemplates)
	n, err := d.command(ctx, cmdListTemplates, nil, resp)
	if err != nil {
		return nil, d.fail(err)
	}

	ids := make([]uint8, 0, n)
	for _, id := range resp[:n] {
		if id != 0 {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// DeleteTemplate removes one stored template.
func (d *Device) DeleteTemplate(ctx context.Context, templateID uint8) error {
	if templateID < 1 || templateID > MaxTemplates {
		return pkg.ErrInvalidParam
	}
	if err := d.requireReady(); err != nil {
		return err
	}
	var resp [8]byte
	if _, err := d.command(ctx, cmdDeleteTemplate, []byte{templateID}, resp[:]); err != nil {
		return d.fail(err)
	}
	return nil
}

// ClearTemplates removes all stored templates.
func (d *Device) ClearTemplates(ctx context.Context) error {
	if err := d.requireReady(); err != nil {
		return err
	}
	var resp [8]byte
	if _, err := d.command(ctx, cmdClearTemplates, nil, resp[:]); err != nil {
		return d.fail(err)
	}
	return nil
}

// StoreTemplate uploads a previously exported template into its slot.
// The payload is passed through opaquely.
func (d *Device) StoreTemplate(ctx context.Context, tpl *Template) error {
	if tpl == nil || tpl.ID < 1 || tpl.ID > MaxTemplates {
		return pkg.ErrInvalidParam
	}
	if len(tpl.Data) > MaxTemplateSize || len(tpl.Name) > MaxNameLen {
		return pkg.ErrInvalidParam
	}
	if err := d.requireReady(); err != nil {
		return err
	}

	payload := make([]byte, 0, 8+len(tpl.Name)+len(tpl.Data))
	payload = append(payload, tpl.ID, byte(tpl.Type), tpl.Quality, byte(len(tpl.Name)))
	payload = append(payload, tpl.Name...)
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(tpl.Data)))
	payload = append(payload, tpl.Data...)

	var resp [8]byte
	if _, err := d.command(ctx, cmdStoreTemplate, payload, resp[:]); err != nil {
		return d.fail(err)
	}
	return nil
}

// LoadTemplate downloads a stored template from its slot.
func (d *Device) LoadTemplate(ctx context.Context, templateID uint8) (*Template, error) {
	if templateID < 1 || templateID > MaxTemplates {
		return nil, pkg.ErrInvalidParam
	}
	if err := d.requireReady(); err != nil {
		return nil, err
	}

	resp := make([]byte, 8+MaxNameLen+MaxTemplateSize)
	n, err := d.command(ctx, cmdLoadTemplate, []byte{templateID}, resp)
	if err != nil {
		return nil, d.fail(err)
	}
	if n < 8 {
		return nil, d.fail(fmt.Errorf("template response %d bytes: %w", n, pkg.ErrProtocol))
	}

	nameLen := int(resp[3])
	if nameLen > MaxNameLen || 8+nameLen > n {
		return nil, d.fail(fmt.Errorf("template name length %d: %w", nameLen, pkg.ErrProtocol))
	}
	size := binary.BigEndian.Uint32(resp[4+nameLen : 8+nameLen])
	if size > MaxTemplateSize || int(size) > n-8-nameLen {
		return nil, d.fail(fmt.Errorf("template size %d: %w", size, pkg.ErrProtocol))
	}

	return &Template{
		ID:      resp[0],
		Type:    TemplateType(resp[1]),
		Quality: resp[2],
		Name:    string(resp[4 : 4+nameLen]),
		Data:    append([]byte(nil), resp[8+nameLen:8+nameLen+int(size)]...),
	}, nil
}

// Calibrate runs a sensor calibration cycle.
func (d *Device) Calibrate(ctx context.Context, mode, sensitivity uint8, threshold uint16) error {
	if err := d.requireReady(); err != nil {
		return err
	}
	payload := make([]byte, 4)
	payload[0] = mode
	payload[1] = sensitivity
	binary.BigEndian.PutUint16(payload[2:4], threshold)

	var resp [8]byte
	if _, err := d.command(ctx, cmdCalibrate, payload, resp[:]); err != nil {
		return d.fail(err)
	}
	return nil
}

// SetPowerMode requests a device power mode. Policy hook only; autosuspend
// decisions belong to the caller.
func (d *Device) SetPowerMode(ctx context.Context, mode uint8) error {
	if mode > PowerDeepSleep {
		return pkg.ErrInvalidParam
	}
	if err := d.requireReady(); err != nil {
		return err
	}
	var resp [8]byte
	if _, err := d.command(ctx, cmdSetPower, []byte{mode}, resp[:]); err != nil {
		return d.fail(err)
	}
	return nil
}

// GetPowerMode reports the current device power mode.
func (d *Device) GetPowerMode(ctx context.Context) (uint8, error) {
	if err := d.requireReady(); err != nil {
		return 0, err
	}
	var resp [8]byte
	n, err := d.command(ctx, cmdGetPower, nil, resp[:])
	if err != nil {
		return 0, d.fail(err)
	}
	if n < 1 {
		return 0, d.fail(fmt.Errorf("power mode response empty: %w", pkg.ErrProtocol))
	}
	return resp[0], nil
}
