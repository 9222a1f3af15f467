// ABOUTME: Application frame codec shared by the gateway and the relay client
// ABOUTME: Frames are JSON objects with a type tag and an opaque payload

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned when a frame is not a tagged JSON message.
var ErrMalformed = errors.New("malformed message")

// Message tags.
const (
	TypePing           = "ping"
	TypePong           = "pong"
	TypeGetActiveCalls = "get_active_calls"
	TypeGetCall        = "get_call"
	TypeCreateCall     = "create_call"
	TypeUpdateCall     = "update_call"
	TypeText           = "text"
	TypeJSON           = "json"
	TypeAck            = "ack"
	TypeError          = "error"
)

// Message is one application frame.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CallRef is the payload of get_call and update_call.
type CallRef struct {
	ID string `json:"id"`
}

// AckPayload acknowledges a routed frame.
type AckPayload struct {
	Type string `json:"type"`
}

// ErrorPayload reports why a frame was refused.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Decode parses a text frame. Frames that are not JSON objects or carry no
// type tag return ErrMalformed.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return m, nil
}

// Encode serializes m.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// New builds a message with payload marshaled to JSON. A nil payload is omitted.
func New(typ string, payload any) (Message, error) {
	m := Message{Type: typ}
	if payload == nil {
		return m, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encoding %s payload: %w", typ, err)
	}
	m.Payload = raw
	return m, nil
}

func mustNew(typ string, payload any) Message {
	m, err := New(typ, payload)
	if err != nil {
		panic(err)
	}
	return m
}

// NewPing returns an application-level ping.
func NewPing() Message { return Message{Type: TypePing} }

// NewPong returns the reply to an application-level ping.
func NewPong() Message { return Message{Type: TypePong} }

// NewText wraps free-form text.
func NewText(s string) Message { return mustNew(TypeText, s) }

// NewAck acknowledges a frame of type tag.
func NewAck(tag string) Message { return mustNew(TypeAck, AckPayload{Type: tag}) }

// NewError reports msg to the peer.
func NewError(msg string) Message { return mustNew(TypeError, ErrorPayload{Message: msg}) }

// NewGetCall requests a single call by id.
func NewGetCall(id string) Message { return mustNew(TypeGetCall, CallRef{ID: id}) }

// NewUpdateCall references the call being updated.
func NewUpdateCall(id string) Message { return mustNew(TypeUpdateCall, CallRef{ID: id}) }

// DecodeCallRef extracts the call reference of a get_call or update_call frame.
func DecodeCallRef(m Message) (CallRef, error) {
	var ref CallRef
	if len(m.Payload) == 0 {
		return ref, fmt.Errorf("%w: %s without payload", ErrMalformed, m.Type)
	}
	if err := json.Unmarshal(m.Payload, &ref); err != nil {
		return ref, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ref.ID == "" {
		return ref, fmt.Errorf("%w: %s without id", ErrMalformed, m.Type)
	}
	return ref, nil
}

// Text returns the string payload of a text frame.
func (m Message) Text() (string, error) {
	var s string
	if err := json.Unmarshal(m.Payload, &s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return s, nil
}
