// ABOUTME: Tests for the application frame codec
// ABOUTME: Covers tag decoding, malformed input and call reference payloads

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType string
		wantErr  bool
	}{
		{"ping", `{"type":"ping"}`, TypePing, false},
		{"get_call", `{"type":"get_call","payload":{"id":"c1"}}`, TypeGetCall, false},
		{"unknown tag still decodes", `{"type":"launch"}`, "launch", false},
		{"plain text", `PING`, "", true},
		{"missing type", `{"payload":1}`, "", true},
		{"array", `[1,2]`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode([]byte(tt.input))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, m.Type)
		})
	}
}

func TestEncode_OmitsEmptyPayload(t *testing.T) {
	data, err := Encode(NewPing())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping"}`, string(data))

	data, err = Encode(NewAck(TypeCreateCall))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ack","payload":{"type":"create_call"}}`, string(data))
}

func TestDecodeCallRef(t *testing.T) {
	ref, err := DecodeCallRef(NewUpdateCall("call-7"))
	require.NoError(t, err)
	assert.Equal(t, "call-7", ref.ID)

	_, err = DecodeCallRef(Message{Type: TypeGetCall})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeCallRef(Message{Type: TypeGetCall, Payload: []byte(`{"id":""}`)})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestText(t *testing.T) {
	s, err := NewText("hello dispatch").Text()
	require.NoError(t, err)
	assert.Equal(t, "hello dispatch", s)

	_, err = NewAck("x").Text()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestNewError(t *testing.T) {
	data, err := Encode(NewError("unknown message type"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","payload":{"message":"unknown message type"}}`, string(data))
}
