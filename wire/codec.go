package wire

import (
	"unicode/utf8"

	"github.com/synckit/syncserver/errs"
)

// Framing is the wire framing a connection has pinned, decided by its
// first inbound frame and fixed for the connection's lifetime.
type Framing int

const (
	FramingUnknown Framing = iota
	FramingBinary
	FramingText
)

func (f Framing) String() string {
	switch f {
	case FramingBinary:
		return "binary"
	case FramingText:
		return "text"
	default:
		return "unknown"
	}
}

// Detect inspects the first inbound frame of a connection and returns the
// framing it is using along with the decoded message. A binary frame that
// fails to decode falls back to JSON only if the raw bytes are valid UTF-8
// text; otherwise it returns a close-worthy protocol error.
func Detect(first []byte) (Framing, *Message, error) {
	if looksBinary(first) {
		if msg, err := DecodeBinary(first); err == nil {
			return FramingBinary, msg, nil
		}
	}
	if utf8.Valid(first) {
		if msg, err := DecodeText(first); err == nil {
			return FramingText, msg, nil
		}
	}
	return FramingUnknown, nil, errs.Protocol(true, nil, "first frame is neither valid binary nor valid JSON text")
}

// looksBinary is a cheap pre-check: a binary frame's first byte is a type
// code in [0, len(byteOrder)), which can never be '{' (0x7B), the first
// byte of any JSON text frame this protocol emits.
func looksBinary(data []byte) bool {
	if len(data) < BinaryHeaderLen {
		return false
	}
	_, ok := byteToType(data[0])
	return ok
}

// Codec encodes/decodes messages in a single, pinned framing.
type Codec struct {
	framing Framing
}

// NewCodec returns a Codec pinned to framing.
func NewCodec(framing Framing) *Codec {
	return &Codec{framing: framing}
}

// Framing returns the codec's pinned framing.
func (c *Codec) Framing() Framing { return c.framing }

// Decode parses data using the codec's pinned framing.
func (c *Codec) Decode(data []byte) (*Message, error) {
	switch c.framing {
	case FramingBinary:
		return DecodeBinary(data)
	case FramingText:
		return DecodeText(data)
	default:
		return nil, errs.Internal(true, nil, "codec has no pinned framing")
	}
}

// Encode serializes msg using the codec's pinned framing.
func (c *Codec) Encode(msg *Message) ([]byte, error) {
	switch c.framing {
	case FramingBinary:
		return EncodeBinary(msg)
	case FramingText:
		return EncodeText(msg)
	default:
		return nil, errs.Internal(true, nil, "codec has no pinned framing")
	}
}
