// ABOUTME: Tests for tag routing and the built-in frame handlers
// ABOUTME: Checks replies and the audit entries call frames leave behind

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/dispatch-relay/internal/audit"
	"github.com/2389/dispatch-relay/internal/protocol"
	"github.com/2389/dispatch-relay/internal/store"
)

func newTestRouter(t *testing.T) (*Router, *store.MockStore) {
	t.Helper()
	mock := store.NewMockStore()
	rec := audit.NewRecorder(mock, audit.Options{Logger: discardLogger()})
	return NewRouter(rec, discardLogger()), mock
}

var testCaller = Caller{SessionID: "s-1", UserID: "u-1", RemoteAddr: "192.0.2.10"}

func TestRouter_BuiltIns(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		in        protocol.Message
		wantType  string
		wantAckOf string
	}{
		{"ping answers pong", protocol.NewPing(), protocol.TypePong, ""},
		{"active calls acked", protocol.Message{Type: protocol.TypeGetActiveCalls}, protocol.TypeAck, protocol.TypeGetActiveCalls},
		{"get call acked", protocol.NewGetCall("c-1"), protocol.TypeAck, protocol.TypeGetCall},
		{"text acked", protocol.NewText("hi"), protocol.TypeAck, protocol.TypeText},
		{"json acked", protocol.Message{Type: protocol.TypeJSON, Payload: json.RawMessage(`{"a":1}`)}, protocol.TypeAck, protocol.TypeJSON},
		{"unknown tag", protocol.Message{Type: "reboot"}, protocol.TypeError, ""},
		{"get call without id", protocol.Message{Type: protocol.TypeGetCall, Payload: json.RawMessage(`{}`)}, protocol.TypeError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := r.Dispatch(ctx, testCaller, tt.in)
			require.NotNil(t, reply)
			assert.Equal(t, tt.wantType, reply.Type)

			if tt.wantAckOf != "" {
				var ack protocol.AckPayload
				require.NoError(t, json.Unmarshal(reply.Payload, &ack))
				assert.Equal(t, tt.wantAckOf, ack.Type)
			}
		})
	}
}

func TestRouter_CallFramesAreAudited(t *testing.T) {
	r, mock := newTestRouter(t)
	ctx := context.Background()

	r.Dispatch(ctx, testCaller, protocol.Message{Type: protocol.TypeCreateCall, Payload: json.RawMessage(`{"caller":"555"}`)})
	r.Dispatch(ctx, testCaller, protocol.NewUpdateCall("c-9"))
	r.Dispatch(ctx, testCaller, protocol.NewGetCall("c-9"))
	r.Dispatch(ctx, testCaller, protocol.Message{Type: protocol.TypeGetActiveCalls})

	entries, err := mock.ListActionLog(ctx, store.ActionLogFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, store.ActionCreateCall, entries[0].ActionType)
	assert.Equal(t, `{"caller":"555"}`, entries[0].Details)
	assert.Equal(t, store.ActionUpdateCall, entries[1].ActionType)
	assert.Equal(t, "call_id=c-9", entries[1].Details)
	assert.Equal(t, store.ActionOpenCall, entries[2].ActionType)

	for _, e := range entries {
		require.NotNil(t, e.UserID)
		assert.Equal(t, "u-1", *e.UserID)
		require.NotNil(t, e.IPAddress)
		assert.Equal(t, "192.0.2.10", *e.IPAddress)
	}
}

func TestRouter_CustomHandler(t *testing.T) {
	r, _ := newTestRouter(t)

	r.Handle(protocol.TypeGetActiveCalls, func(_ context.Context, c Caller, _ protocol.Message) (*protocol.Message, error) {
		m := protocol.NewText("calls for " + c.UserID)
		return &m, nil
	})
	r.Handle("silent", func(context.Context, Caller, protocol.Message) (*protocol.Message, error) {
		return nil, nil
	})
	r.Handle("broken", func(context.Context, Caller, protocol.Message) (*protocol.Message, error) {
		return nil, errors.New("backend down")
	})

	reply := r.Dispatch(context.Background(), testCaller, protocol.Message{Type: protocol.TypeGetActiveCalls})
	require.NotNil(t, reply)
	text, err := reply.Text()
	require.NoError(t, err)
	assert.Equal(t, "calls for u-1", text)

	assert.Nil(t, r.Dispatch(context.Background(), testCaller, protocol.Message{Type: "silent"}))

	reply = r.Dispatch(context.Background(), testCaller, protocol.Message{Type: "broken"})
	require.NotNil(t, reply)
	assert.Equal(t, protocol.TypeError, reply.Type)
	assert.Contains(t, string(reply.Payload), "backend down")
}

func TestRouter_NilRecorder(t *testing.T) {
	r := NewRouter(nil, nil)
	reply := r.Dispatch(context.Background(), testCaller, protocol.NewUpdateCall("c-1"))
	require.NotNil(t, reply)
	assert.Equal(t, protocol.TypeAck, reply.Type)
}
