package device

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/openfpc/fpcusb/hal"
	"github.com/openfpc/fpcusb/pkg"
)

// Sensor limits fixed by the hardware.
const (
	MaxImageSize    = 200 * 200 // Largest image payload in bytes
	MaxTemplateSize = 1024      // Largest template payload in bytes
	MaxTemplates    = 10        // Template slots on the device
	MaxNameLen      = 32        // Longest template name in bytes
	BufferSize      = 4096      // Transfer buffer size

	// MaxResponseSize bounds a complete response: header plus the largest
	// payload the sensor can produce (a raw image with its metadata).
	MaxResponseSize = headerSize + 12 + MaxImageSize
)

// Protocol commands.
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

// Response status codes, carried in the flags byte of a response packet.
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

// headerSize is the fixed packet header length: command, flags, and a
// little-endian 16-bit payload length.
const headerSize = 4

// Packet is one framed protocol exchange unit. In a command the flags byte
// carries option bits; in a response it carries the status code.
type Packet struct {
	Cmd     uint8
	Flags   uint8
	Payload []byte
}

// MarshalTo writes the packet to buf. Returns the total number of bytes
// written, or 0 if buf is too small.
func (p *Packet) MarshalTo(buf []byte) int {
	total := headerSize + len(p.Payload)
	if len(buf) < total || len(p.Payload) > 0xFFFF {
		return 0
	}
	buf[0] = p.Cmd
	buf[1] = p.Flags
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(p.Payload)))
	copy(buf[headerSize:], p.Payload)
	return total
}

// ParsePacket parses raw bytes into a Packet. The returned payload aliases
// data. Returns false if data is too short for the declared length.
func ParsePacket(data []byte, out *Packet) bool {
	if len(data) < headerSize {
		return false
	}
	length := int(binary.LittleEndian.Uint16(data[2:4]))
	if len(data) < headerSize+length {
		return false
	}
	out.Cmd = data[0]
	out.Flags = data[1]
	out.Payload = data[headerSize : headerSize+length]
	return true
}

// statusErr maps a response status code to a driver error.
func statusErr(status uint8) error {
	switch status {
	case respOK:
		return nil
	case respError:
		return pkg.ErrDevice
	case respTimeout:
		return pkg.ErrTimeout
	case respNoFinger:
		return pkg.ErrNoFinger
	case respBadImage:
		return pkg.ErrBadImage
	case respNoMatch:
		return pkg.ErrNoMatch
	case respBusy:
		return pkg.ErrBusy
	case respNotSupported:
		return pkg.ErrNotSupported
	default:
		return pkg.ErrProtocol
	}
}

// command performs one half-duplex command/response exchange: the command
// packet goes out on the bulk OUT endpoint, the response comes back on the
// bulk IN endpoint. The response payload is copied into resp; a response
// longer than resp is a protocol error, never a partial success.
//
// The device's internal I/O lock serializes exchanges from all call sites.
func (d *Device) command(ctx context.Context, cmd uint8, payload, resp []byte) (int, error) {
	d.ioMu.Lock()
	defer d.ioMu.Unlock()
	return d.commandLocked(ctx, cmd, payload, resp)
}

func (d *Device) commandLocked(ctx context.Context, cmd uint8, payload, resp []byte) (int, error) {
	out := Packet{Cmd: cmd, Payload: payload}
	n := out.MarshalTo(d.outBuf)
	if n == 0 {
		return 0, fmt.Errorf("command 0x%02x: payload too large: %w", cmd, pkg.ErrInvalidParam)
	}

	if _, err := d.transfer(ctx, hal.EndpointBulkOut, hal.TransferBulk, hal.DirOut, d.outBuf[:n]); err != nil {
		return 0, fmt.Errorf("command 0x%02x: %w", cmd, err)
	}

	rn, err := d.transfer(ctx, hal.EndpointBulkIn, hal.TransferBulk, hal.DirIn, d.inBuf)
	if err != nil {
		return 0, fmt.Errorf("command 0x%02x response: %w", cmd, err)
	}

	var in Packet
	if !ParsePacket(d.inBuf[:rn], &in) {
		return 0, fmt.Errorf("command 0x%02x: truncated response: %w", cmd, pkg.ErrProtocol)
	}
	if in.Cmd != cmd {
		return 0, fmt.Errorf("command 0x%02x: response for 0x%02x: %w", cmd, in.Cmd, pkg.ErrProtocol)
	}
	if err := statusErr(in.Flags); err != nil {
		return 0, err
	}
	if len(in.Payload) > len(resp) {
		return 0, fmt.Errorf("command 0x%02x: response %d bytes exceeds buffer %d: %w",
			cmd, len(in.Payload), len(resp), pkg.ErrProtocol)
	}
	return copy(resp, in.Payload), nil
}
