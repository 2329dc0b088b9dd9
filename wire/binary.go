package wire

import (
	"encoding/binary"
	"encoding/json"

	"github.com/synckit/syncserver/errs"
)

// BinaryHeaderLen is the fixed header size: type(1) + timestamp(8) + payloadLen(4).
const BinaryHeaderLen = 1 + 8 + 4

// DecodeBinary parses a single binary-framed message. Frames shorter than
// BinaryHeaderLen, or whose declared payload length exceeds the bytes on
// hand, are rejected without panicking.
func DecodeBinary(data []byte) (*Message, error) {
	if len(data) < BinaryHeaderLen {
		return nil, errs.Protocol(true, nil, "binary frame too short: %d bytes, need at least %d", len(data), BinaryHeaderLen)
	}

	typeByte := data[0]
	timestamp := int64(binary.BigEndian.Uint64(data[1:9]))
	payloadLen := binary.BigEndian.Uint32(data[9:13])

	remaining := data[BinaryHeaderLen:]
	if int(payloadLen) > len(remaining) {
		return nil, errs.Protocol(true, nil, "declared payload length %d exceeds remaining %d bytes", payloadLen, len(remaining))
	}
	payload := remaining[:payloadLen]

	typ, ok := byteToType(typeByte)
	if !ok {
		return nil, errs.Protocol(false, nil, "unknown binary type code %d", typeByte)
	}

	fields := make(map[string]json.RawMessage)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, errs.Protocol(false, err, "malformed json payload")
		}
	}

	msg := &Message{Type: typ, Timestamp: timestamp}
	if err := msg.fromFieldMap(fields); err != nil {
		return nil, errs.Protocol(false, err, "malformed json payload")
	}
	// fromFieldMap may have overwritten Type/Timestamp if the payload
	// redundantly carried them; the header is always authoritative.
	msg.Type = typ
	msg.Timestamp = timestamp
	return msg, nil
}

// EncodeBinary serializes msg in the binary framing.
func EncodeBinary(msg *Message) ([]byte, error) {
	typeByte, ok := typeToByte[msg.Type]
	if !ok {
		return nil, errs.Protocol(false, nil, "unknown message type %q", msg.Type)
	}

	fields := make(map[string]json.RawMessage, len(msg.Fields)+1)
	for k, v := range msg.Fields {
		fields[k] = v
	}
	idRaw, err := json.Marshal(msg.ID)
	if err != nil {
		return nil, err
	}
	fields[fieldID] = idRaw

	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}

	out := make([]byte, BinaryHeaderLen+len(payload))
	out[0] = typeByte
	binary.BigEndian.PutUint64(out[1:9], uint64(msg.Timestamp))
	binary.BigEndian.PutUint32(out[9:13], uint32(len(payload)))
	copy(out[BinaryHeaderLen:], payload)
	return out, nil
}
