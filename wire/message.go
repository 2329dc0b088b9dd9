// Package wire implements the protocol codec: parsing and serializing
// messages in the binary and text framings, with per-connection
// auto-detection of which framing a peer is using.
package wire

import (
	"encoding/json"
	"fmt"
)

// Type is one of the fifteen wire message types. New types are a
// breaking change to the protocol.
type Type string

const (
	TypeAuth                Type = "auth"
	TypeAuthSuccess         Type = "auth_success"
	TypeAuthError           Type = "auth_error"
	TypeSubscribe           Type = "subscribe"
	TypeUnsubscribe         Type = "unsubscribe"
	TypeSyncRequest         Type = "sync_request"
	TypeSyncResponse        Type = "sync_response"
	TypeDelta               Type = "delta"
	TypeAck                 Type = "ack"
	TypePing                Type = "ping"
	TypePong                Type = "pong"
	TypeAwarenessUpdate     Type = "awareness_update"
	TypeAwarenessSubscribe  Type = "awareness_subscribe"
	TypeAwarenessState      Type = "awareness_state"
	TypeError               Type = "error"
)

// byteOrder fixes the binary-framing type code for each message type.
// The order must never change; it is part of the wire contract.
var byteOrder = []Type{
	TypeAuth,
	TypeAuthSuccess,
	TypeAuthError,
	TypeSubscribe,
	TypeUnsubscribe,
	TypeSyncRequest,
	TypeSyncResponse,
	TypeDelta,
	TypeAck,
	TypePing,
	TypePong,
	TypeAwarenessUpdate,
	TypeAwarenessSubscribe,
	TypeAwarenessState,
	TypeError,
}

var typeToByte = func() map[Type]byte {
	m := make(map[Type]byte, len(byteOrder))
	for i, t := range byteOrder {
		m[t] = byte(i)
	}
	return m
}()

// byteToType returns the Type for a binary-framing type code, and false
// if the code is unknown.
func byteToType(b byte) (Type, bool) {
	if int(b) >= len(byteOrder) {
		return "", false
	}
	return byteOrder[b], true
}

// Message is the parsed form of a wire frame in either framing. Fields
// holds every payload field besides type/id/timestamp, keyed by its JSON
// field name, so message-specific fields (field, value, clock, ...) can
// be attached without a per-type Go struct.
type Message struct {
	Type      Type
	ID        string
	Timestamp int64
	Fields    map[string]json.RawMessage
}

// New builds a Message with an empty Fields map ready for SetField calls.
func New(typ Type, id string, timestampMillis int64) *Message {
	return &Message{Type: typ, ID: id, Timestamp: timestampMillis, Fields: make(map[string]json.RawMessage)}
}

// SetField marshals v and attaches it to the message under name.
func (m *Message) SetField(name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling field %q: %w", name, err)
	}
	if m.Fields == nil {
		m.Fields = make(map[string]json.RawMessage)
	}
	m.Fields[name] = raw
	return nil
}

// Field unmarshals the named field into out. It returns false if the
// field is absent, and an error if present but malformed.
func (m *Message) Field(name string, out any) (bool, error) {
	raw, ok := m.Fields[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("unmarshaling field %q: %w", name, err)
	}
	return true, nil
}

// HasField reports whether name is present in the message.
func (m *Message) HasField(name string) bool {
	_, ok := m.Fields[name]
	return ok
}

const (
	fieldType      = "type"
	fieldID        = "id"
	fieldTimestamp = "timestamp"
)

// MarshalJSON implements the text framing: one flat JSON object with
// type/id/timestamp plus every entry of Fields.
func (m *Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Fields)+3)
	for k, v := range m.Fields {
		out[k] = v
	}
	typeRaw, err := json.Marshal(string(m.Type))
	if err != nil {
		return nil, err
	}
	idRaw, err := json.Marshal(m.ID)
	if err != nil {
		return nil, err
	}
	tsRaw, err := json.Marshal(m.Timestamp)
	if err != nil {
		return nil, err
	}
	out[fieldType] = typeRaw
	out[fieldID] = idRaw
	out[fieldTimestamp] = tsRaw
	return json.Marshal(out)
}

// UnmarshalJSON implements the text framing's inverse.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return m.fromFieldMap(raw)
}

// fromFieldMap extracts type/id/timestamp from raw and stores the rest in
// Fields. Shared by the text-framing unmarshaler and the binary decoder,
// whose JSON payload carries id plus message-specific fields (type and
// timestamp come from the binary header instead).
func (m *Message) fromFieldMap(raw map[string]json.RawMessage) error {
	if typRaw, ok := raw[fieldType]; ok {
		var typ string
		if err := json.Unmarshal(typRaw, &typ); err != nil {
			return fmt.Errorf("decoding %q: %w", fieldType, err)
		}
		m.Type = Type(typ)
		delete(raw, fieldType)
	}
	if idRaw, ok := raw[fieldID]; ok {
		var id string
		if err := json.Unmarshal(idRaw, &id); err != nil {
			return fmt.Errorf("decoding %q: %w", fieldID, err)
		}
		m.ID = id
		delete(raw, fieldID)
	}
	if tsRaw, ok := raw[fieldTimestamp]; ok {
		var ts int64
		if err := json.Unmarshal(tsRaw, &ts); err != nil {
			return fmt.Errorf("decoding %q: %w", fieldTimestamp, err)
		}
		m.Timestamp = ts
		delete(raw, fieldTimestamp)
	}
	m.Fields = raw
	return nil
}
