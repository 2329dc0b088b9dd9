package wire

import (
	"encoding/json"

	"github.com/synckit/syncserver/errs"
)

// DecodeText parses a single text-framed message: one JSON object per frame.
func DecodeText(data []byte) (*Message, error) {
	msg := new(Message)
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, errs.Protocol(false, err, "malformed json message")
	}
	return msg, nil
}

// EncodeText serializes msg in the text framing.
func EncodeText(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errs.Protocol(false, err, "failed to encode message")
	}
	return data, nil
}
