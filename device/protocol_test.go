package device

import (
	"bytes"
	"errors"
	"testing"

	"github.com/openfpc/fpcusb/pkg"
)

func TestPacketMarshalTo(t *testing.T) {
	p := Packet{Cmd: cmdCapture, Flags: 0x01, Payload: []byte{0xAA, 0xBB, 0xCC}}

	buf := make([]byte, 16)
	n := p.MarshalTo(buf)
	if n != headerSize+3 {
		t.Fatalf("MarshalTo() = %d, want %d", n, headerSize+3)
	}

	want := []byte{cmdCapture, 0x01, 0x03, 0x00, 0xAA, 0xBB, 0xCC}
	if !bytes.Equal(buf[:n], want) {
		t.Errorf("MarshalTo() wrote % x, want % x", buf[:n], want)
	}
}

func TestPacketMarshalToEmptyPayload(t *testing.T) {
	p := Packet{Cmd: cmdGetInfo}
	buf := make([]byte, headerSize)
	if n := p.MarshalTo(buf); n != headerSize {
		t.Errorf("MarshalTo() = %d, want %d", n, headerSize)
	}
	if buf[2] != 0 || buf[3] != 0 {
		t.Errorf("length field = % x, want zero", buf[2:4])
	}
}

func TestPacketMarshalToBufferTooSmall(t *testing.T) {
	p := Packet{Cmd: cmdCapture, Payload: []byte{1, 2, 3}}
	buf := make([]byte, headerSize+2)
	if n := p.MarshalTo(buf); n != 0 {
		t.Errorf("MarshalTo() = %d, want 0 for short buffer", n)
	}
}

func TestParsePacket(t *testing.T) {
	raw := []byte{cmdVerify, respOK, 0x02, 0x00, 0x5A, 0x01}

	var p Packet
	if !ParsePacket(raw, &p) {
		t.Fatal("ParsePacket() = false, want true")
	}
	if p.Cmd != cmdVerify || p.Flags != respOK {
		t.Errorf("header = %02x/%02x, want %02x/%02x", p.Cmd, p.Flags, cmdVerify, respOK)
	}
	if !bytes.Equal(p.Payload, []byte{0x5A, 0x01}) {
		t.Errorf("payload = % x, want 5a 01", p.Payload)
	}
}

func TestParsePacketTruncated(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"short header", []byte{cmdGetInfo, 0x00}},
		{"declared length exceeds data", []byte{cmdGetInfo, 0x00, 0x05, 0x00, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Packet
			if ParsePacket(tt.raw, &p) {
				t.Error("ParsePacket() = true, want false")
			}
		})
	}
}

func TestMarshalParseRoundTrip(t *testing.T) {
	in := Packet{Cmd: cmdEnrollStart, Flags: 0x00, Payload: []byte("slot-one")}
	buf := make([]byte, 64)
	n := in.MarshalTo(buf)

	var out Packet
	if !ParsePacket(buf[:n], &out) {
		t.Fatal("ParsePacket() failed on marshalled packet")
	}
	if out.Cmd != in.Cmd || out.Flags != in.Flags || !bytes.Equal(out.Payload, in.Payload) {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func BenchmarkPacketMarshalTo(b *testing.B) {
	p := Packet{Cmd: cmdCapture, Payload: make([]byte, 64)}
	buf := make([]byte, BufferSize)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if p.MarshalTo(buf) == 0 {
			b.Fatal("MarshalTo failed")
		}
	}
}

func BenchmarkParsePacket(b *testing.B) {
	p := Packet{Cmd: cmdCapture, Payload: make([]byte, 64)}
	buf := make([]byte, BufferSize)
	n := p.MarshalTo(buf)

	var out Packet
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !ParsePacket(buf[:n], &out) {
			b.Fatal("ParsePacket failed")
		}
	}
}

func TestStatusErr(t *testing.T) {
	tests := []struct {
		status  uint8
		wantErr error
	}{
		{respOK, nil},
		{respError, pkg.ErrDevice},
		{respTimeout, pkg.ErrTimeout},
		{respNoFinger, pkg.ErrNoFinger},
		{respBadImage, pkg.ErrBadImage},
		{respNoMatch, pkg.ErrNoMatch},
		{respBusy, pkg.ErrBusy},
		{respNotSupported, pkg.ErrNotSupported},
		{0xFF, pkg.ErrProtocol},
	}

	for _, tt := range tests {
		err := statusErr(tt.status)
		if tt.wantErr == nil && err != nil {
			t.Errorf("statusErr(%#02x) = %v, want nil", tt.status, err)
		}
		if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
			t.Errorf("statusErr(%#02x) = %v, want %v", tt.status, err, tt.wantErr)
		}
	}
}
