// Package protocol defines the JSON wire protocol spoken between chat
// clients and the signaling server, plus the chat message data model.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Frame types. Every frame is a JSON object whose "type" field is mandatory.
const (
	TypeJoin         = "join"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeRoomInfo     = "room-info"
	TypeUserJoined   = "user-joined"
	TypeUserLeft     = "user-left"
	TypeBroadcast    = "broadcast"
)

// Well-known field names shared by several frame types.
const (
	FieldType   = "type"
	FieldRoom   = "room"
	FieldName   = "name"
	FieldTarget = "target"
	FieldSender = "sender"
)

// IsSignal reports whether t is one of the WebRTC negotiation frame types
// that the server relays to the sender's room.
func IsSignal(t string) bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}

// Frame is a decoded wire frame that preserves every field it arrived with,
// including ones this package knows nothing about. The server relays frames
// verbatim apart from annotating sender/room, so it must not lose fields a
// newer client put there.
type Frame struct {
	fields map[string]json.RawMessage
}

// ParseFrame decodes data as a JSON object. Anything else (arrays, scalars,
// trailing garbage) is an error; a missing or non-string "type" is an error.
func ParseFrame(data []byte) (*Frame, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var fields map[string]json.RawMessage
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode frame: trailing data")
	}
	f := &Frame{fields: fields}
	if f.Type() == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return f, nil
}

// Type returns the frame's "type" field, or "" if absent or not a string.
func (f *Frame) Type() string { return f.String(FieldType) }

// String returns the named field decoded as a JSON string, or "" when the
// field is absent or not a string.
func (f *Frame) String(key string) string {
	raw, ok := f.fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Has reports whether the named field is present at all.
func (f *Frame) Has(key string) bool {
	_, ok := f.fields[key]
	return ok
}

// SetString sets or replaces the named field with a JSON string value.
func (f *Frame) SetString(key, value string) {
	raw, _ := json.Marshal(value)
	f.fields[key] = raw
}

// Encode re-serializes the frame, including annotations applied after
// parsing. Field order is not preserved; clients must not depend on it.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f.fields)
}
