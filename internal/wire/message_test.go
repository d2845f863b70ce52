package wire

import (
	"errors"
	"testing"
)

func TestWantConfigThroughCodec(t *testing.T) {
	c := NewLengthPrefixCodec()
	enc, err := EncodeToDevice(WantConfig(0xDEADBEEF))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	framed, err := c.Encode(enc)
	if err != nil {
		t.Fatalf("frame encode: %v", err)
	}
	frames := c.Decode(framed)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	m, err := DecodeToDevice(frames[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.WantConfigID == nil || *m.WantConfigID != 0xDEADBEEF {
		t.Fatalf("want_config id lost: %+v", m)
	}
}

func TestEncodeToDeviceRejectsEmptyUnion(t *testing.T) {
	if _, err := EncodeToDevice(ToDevice{}); !errors.Is(err, ErrUnknownVariant) {
		t.Fatalf("expected ErrUnknownVariant, got %v", err)
	}
}

func TestDecodeFromDeviceUnknownVariant(t *testing.T) {
	data, err := EncodeFromDevice(FromDevice{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeFromDevice(data); !errors.Is(err, ErrUnknownVariant) {
		t.Fatalf("expected ErrUnknownVariant, got %v", err)
	}
	if _, err := DecodeFromDevice([]byte("not cbor at all")); err == nil {
		t.Fatalf("expected decode error for junk bytes")
	}
}

func TestMeshPacketBroadcast(t *testing.T) {
	direct := &MeshPacket{To: 0x11223344}
	if direct.IsBroadcast() {
		t.Fatalf("direct packet classified as broadcast")
	}
	for _, to := range []uint32{0, Broadcast} {
		if !(&MeshPacket{To: to}).IsBroadcast() {
			t.Fatalf("to=%#x not classified as broadcast", to)
		}
	}
}
