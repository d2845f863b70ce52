package wire

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	// Magic bytes opening every length-prefixed frame.
	Magic0 byte = 0x94
	Magic1 byte = 0xC3

	headerLen = 4

	// MaxFrameLen caps the declared payload length. Anything above this is
	// treated as stream desync, not a real frame.
	MaxFrameLen = 8192
)

// SLIP control bytes.
const (
	slipEnd    byte = 0xC0
	slipEsc    byte = 0xDB
	slipEscEnd byte = 0xDC
	slipEscEsc byte = 0xDD
)

var (
	ErrEmptyPayload    = errors.New("wire: empty payload")
	ErrPayloadTooLarge = errors.New("wire: payload too large")
)

// Codec converts between raw stream bytes and discrete frames. Decode is
// resumable: feeding the same stream one byte at a time or in one chunk
// yields the same frames. Implementations keep internal receive state and
// are not safe for concurrent use.
type Codec interface {
	Encode(payload []byte) ([]byte, error)
	Decode(chunk []byte) [][]byte
}

// LengthPrefixCodec implements the magic + big-endian length framing used by
// the radio's wired serial protocol: 0x94 0xC3, two length bytes, payload.
type LengthPrefixCodec struct {
	buf []byte
}

func NewLengthPrefixCodec() *LengthPrefixCodec {
	return &LengthPrefixCodec{}
}

func (c *LengthPrefixCodec) Encode(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(payload) > MaxFrameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	out := make([]byte, headerLen+len(payload))
	out[0] = Magic0
	out[1] = Magic1
	out[2] = byte(len(payload) >> 8)
	out[3] = byte(len(payload))
	copy(out[headerLen:], payload)
	return out, nil
}

// Decode appends chunk to the receive buffer and extracts every complete
// frame. Desync recovery: scan forward to the next candidate magic byte when
// the buffer does not open with the header, and shift a single byte past an
// implausible declared length.
func (c *LengthPrefixCodec) Decode(chunk []byte) [][]byte {
	c.buf = append(c.buf, chunk...)
	var frames [][]byte
	for {
		if len(c.buf) < headerLen {
			break
		}
		if c.buf[0] != Magic0 || c.buf[1] != Magic1 {
			pos := bytes.IndexByte(c.buf, Magic0)
			if pos < 0 {
				c.buf = c.buf[:0]
				break
			}
			if pos > 0 {
				c.buf = c.buf[:copy(c.buf, c.buf[pos:])]
			}
			if len(c.buf) < headerLen {
				break
			}
			if c.buf[0] != Magic0 || c.buf[1] != Magic1 {
				// Lone 0x94 mid-noise; drop it and rescan.
				c.buf = c.buf[:copy(c.buf, c.buf[1:])]
				continue
			}
		}
		declared := int(c.buf[2])<<8 | int(c.buf[3])
		if declared == 0 || declared > MaxFrameLen {
			c.buf = c.buf[:copy(c.buf, c.buf[1:])]
			continue
		}
		if len(c.buf) < headerLen+declared {
			break
		}
		frame := make([]byte, declared)
		copy(frame, c.buf[headerLen:headerLen+declared])
		c.buf = c.buf[:copy(c.buf, c.buf[headerLen+declared:])]
		frames = append(frames, frame)
	}
	return frames
}

// SlipCodec implements delimiter-escaped framing for transports that cannot
// carry the length-prefixed header. A frame is closed by the END byte;
// END and ESC occurring in the payload are byte-stuffed.
type SlipCodec struct {
	cur []byte
	esc bool
}

func NewSlipCodec() *SlipCodec {
	return &SlipCodec{}
}

func (c *SlipCodec) Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	out := make([]byte, 0, len(payload)+2)
	for _, b := range payload {
		switch b {
		case slipEnd:
			out = append(out, slipEsc, slipEscEnd)
		case slipEsc:
			out = append(out, slipEsc, slipEscEsc)
		default:
			out = append(out, b)
		}
	}
	return append(out, slipEnd), nil
}

func (c *SlipCodec) Decode(chunk []byte) [][]byte {
	var frames [][]byte
	for _, b := range chunk {
		if c.esc {
			c.esc = false
			switch b {
			case slipEscEnd:
				c.cur = append(c.cur, slipEnd)
			case slipEscEsc:
				c.cur = append(c.cur, slipEsc)
			default:
				// Malformed escape; keep the raw byte so the frame fails
				// upstream decode instead of silently shifting the stream.
				c.cur = append(c.cur, b)
			}
			continue
		}
		switch b {
		case slipEsc:
			c.esc = true
		case slipEnd:
			frame := make([]byte, len(c.cur))
			copy(frame, c.cur)
			frames = append(frames, frame)
			c.cur = c.cur[:0]
		default:
			c.cur = append(c.cur, b)
			if len(c.cur) > MaxFrameLen {
				// Runaway frame without a delimiter; drop and resync.
				c.cur = c.cur[:0]
			}
		}
	}
	return frames
}
