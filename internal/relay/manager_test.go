// ABOUTME: Tests for the relay connection manager against in-process websocket servers
// ABOUTME: Covers reconnects, status ordering, credentials and the non-blocking send path

package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/dispatch-relay/internal/protocol"
)

const eventWait = 5 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	*httptest.Server
	headers  chan http.Header
	upgrades atomic.Int32
}

// newTestServer upgrades every request and hands the socket to serve.
func newTestServer(t *testing.T, serve func(n int32, conn *websocket.Conn)) *testServer {
	t.Helper()
	ts := &testServer{headers: make(chan http.Header, 32)}
	var up websocket.Upgrader
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case ts.headers <- r.Header.Clone():
		default:
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(ts.upgrades.Add(1), conn)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func echo(_ int32, conn *websocket.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(kind, data); err != nil {
			return
		}
	}
}

// startManager runs Connect in the background. The returned stop cancels it
// and waits for Connect to return; it also runs at cleanup.
func startManager(t *testing.T, cfg Config) (*Manager, func()) {
	t.Helper()
	cfg.Logger = discardLogger()
	m := NewManager(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Connect(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				assert.ErrorIs(t, err, context.Canceled)
			case <-time.After(eventWait):
				t.Error("Connect did not return after cancel")
			}
		})
	}
	t.Cleanup(stop)
	return m, stop
}

func nextOfKind(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(eventWait)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no event of kind %d within %s", kind, eventWait)
			return Event{}
		}
	}
}

func expectStatus(t *testing.T, m *Manager, want ...Status) {
	t.Helper()
	for _, w := range want {
		ev := nextOfKind(t, m.Events(), EventStatus)
		require.Equal(t, w.String(), ev.Status.String())
	}
}

func nextMessage(t *testing.T, m *Manager) []byte {
	t.Helper()
	return nextOfKind(t, m.Events(), EventMessage).Message
}

func TestManager_SendAndReceive(t *testing.T) {
	ts := newTestServer(t, echo)
	m, stop := startManager(t, Config{URL: ts.wsURL()})

	expectStatus(t, m, StatusConnecting, StatusConnected)
	assert.Equal(t, StatusConnected, m.Status())

	require.NoError(t, m.SendText("PING"))
	assert.Equal(t, "PING", string(nextMessage(t, m)))

	require.NoError(t, m.SendMessage(protocol.NewText("unit 12 en route")))
	msg, err := protocol.Decode(nextMessage(t, m))
	require.NoError(t, err)
	text, err := msg.Text()
	require.NoError(t, err)
	assert.Equal(t, "unit 12 en route", text)

	require.NoError(t, m.Ping())
	msg, err = protocol.Decode(nextMessage(t, m))
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePing, msg.Type)

	require.NoError(t, m.SendBinary([]byte{0x01, 0x02}))
	ev := nextOfKind(t, m.Events(), EventMessage)
	assert.True(t, ev.Binary)
	assert.Equal(t, []byte{0x01, 0x02}, ev.Message)

	stop()
	expectStatus(t, m, StatusDisconnected)
	assert.Equal(t, StatusDisconnected, m.Status())
	assert.ErrorIs(t, m.SendText("late"), ErrNotConnected)
}

func TestManager_SendsCredentialAsHeaderAndCookie(t *testing.T) {
	ts := newTestServer(t, echo)
	m, _ := startManager(t, Config{URL: ts.wsURL(), Credentials: StaticSource("tok-1")})
	expectStatus(t, m, StatusConnecting, StatusConnected)

	h := <-ts.headers
	assert.Equal(t, "Bearer tok-1", h.Get("Authorization"))

	req := &http.Request{Header: h}
	c, err := req.Cookie("CF_Authorization")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", c.Value)
}

func TestManager_CredentialFailureStillDials(t *testing.T) {
	ts := newTestServer(t, echo)
	failing := CredentialFunc(func(context.Context) (string, error) {
		return "", errors.New("probe unreachable")
	})
	m, _ := startManager(t, Config{URL: ts.wsURL(), Credentials: failing})
	expectStatus(t, m, StatusConnecting, StatusConnected)

	h := <-ts.headers
	assert.Empty(t, h.Get("Authorization"))
	assert.Empty(t, h.Get("Cookie"))
}

func TestManager_ReconnectsAfterDrop(t *testing.T) {
	ts := newTestServer(t, func(n int32, conn *websocket.Conn) {
		if n == 1 {
			return
		}
		echo(n, conn)
	})
	m, _ := startManager(t, Config{URL: ts.wsURL(), ReconnectDelay: 20 * time.Millisecond})

	expectStatus(t, m,
		StatusConnecting, StatusConnected, StatusDisconnected,
		StatusConnecting, StatusConnected,
	)

	require.NoError(t, m.SendText("back online"))
	assert.Equal(t, "back online", string(nextMessage(t, m)))
	assert.EqualValues(t, 2, ts.upgrades.Load())
}

func TestManager_StatusNeverRepeatsConnected(t *testing.T) {
	ts := newTestServer(t, func(int32, *websocket.Conn) {})
	m, _ := startManager(t, Config{URL: ts.wsURL(), ReconnectDelay: 5 * time.Millisecond})

	var seen []Status
	for len(seen) < 12 {
		seen = append(seen, nextOfKind(t, m.Events(), EventStatus).Status)
	}

	connected := false
	for i, s := range seen {
		switch s {
		case StatusConnected:
			require.False(t, connected, "connected twice without a disconnect: %v", seen)
			require.Positive(t, i)
			require.Equal(t, StatusConnecting, seen[i-1])
			connected = true
		case StatusDisconnected:
			connected = false
		}
	}
	assert.Equal(t, StatusConnecting, seen[0])
}

func TestManager_InvalidURLRetries(t *testing.T) {
	m, _ := startManager(t, Config{URL: "ftp://dispatch.example.com/ws", ReconnectDelay: 10 * time.Millisecond})

	expectStatus(t, m,
		StatusConnecting, StatusDisconnected,
		StatusConnecting, StatusDisconnected,
	)
}

func TestManager_RejectedUpgradeRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	m, stop := startManager(t, Config{URL: url, ReconnectDelay: 10 * time.Millisecond})

	expectStatus(t, m, StatusConnecting, StatusDisconnected, StatusConnecting, StatusDisconnected)
	stop()
	assert.GreaterOrEqual(t, hits.Load(), int32(2))
}

func TestManager_AnswersServerPing(t *testing.T) {
	pongs := make(chan string, 1)
	ts := newTestServer(t, func(n int32, conn *websocket.Conn) {
		conn.SetPongHandler(func(data string) error {
			pongs <- data
			return nil
		})
		if err := conn.WriteControl(websocket.PingMessage, []byte("are-you-there"), time.Now().Add(time.Second)); err != nil {
			return
		}
		echo(n, conn)
	})
	m, _ := startManager(t, Config{URL: ts.wsURL()})
	expectStatus(t, m, StatusConnecting, StatusConnected)

	select {
	case data := <-pongs:
		assert.Equal(t, "are-you-there", data)
	case <-time.After(eventWait):
		t.Fatal("client never answered the ping")
	}
}

func TestManager_AnswersEveryPingWithSmallQueue(t *testing.T) {
	const burst = 50
	var pongs atomic.Int32
	ts := newTestServer(t, func(n int32, conn *websocket.Conn) {
		conn.SetPongHandler(func(string) error {
			pongs.Add(1)
			return nil
		})
		for i := 0; i < burst; i++ {
			if err := conn.WriteControl(websocket.PingMessage, []byte("burst"), time.Now().Add(time.Second)); err != nil {
				return
			}
		}
		echo(n, conn)
	})
	m, _ := startManager(t, Config{URL: ts.wsURL(), SendQueue: 1})
	expectStatus(t, m, StatusConnecting, StatusConnected)

	require.Eventually(t, func() bool { return pongs.Load() == burst }, eventWait, 5*time.Millisecond)
}

func TestManager_ReportsControlPong(t *testing.T) {
	ts := newTestServer(t, func(n int32, conn *websocket.Conn) {
		if err := conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second)); err != nil {
			return
		}
		echo(n, conn)
	})
	m, _ := startManager(t, Config{URL: ts.wsURL()})

	nextOfKind(t, m.Events(), EventPong)
	assert.Equal(t, StatusConnected, m.Status())
}

func TestManager_ConnectWhileRunning(t *testing.T) {
	ts := newTestServer(t, echo)
	m, _ := startManager(t, Config{URL: ts.wsURL()})
	expectStatus(t, m, StatusConnecting, StatusConnected)

	assert.ErrorIs(t, m.Connect(context.Background()), ErrAlreadyRunning)
}

func TestManager_SendWithoutSession(t *testing.T) {
	m := NewManager(Config{URL: "ws://127.0.0.1:1/ws", Logger: discardLogger()})

	assert.ErrorIs(t, m.SendText("hello"), ErrNotConnected)
	assert.ErrorIs(t, m.Ping(), ErrNotConnected)
	assert.Equal(t, StatusDisconnected, m.Status())
}

func TestManager_SendQueueFull(t *testing.T) {
	m := NewManager(Config{URL: "ws://127.0.0.1:1/ws", Logger: discardLogger()})
	l := &link{send: make(chan frame, 1), done: make(chan struct{})}
	m.current = l

	require.NoError(t, m.SendText("one"))
	assert.ErrorIs(t, m.SendText("two"), ErrQueueFull)

	close(l.done)
	assert.ErrorIs(t, m.SendText("three"), ErrNotConnected)
}

func TestManager_Defaults(t *testing.T) {
	m := NewManager(Config{URL: "wss://dispatch.example.com/ws"})
	assert.Equal(t, 2*time.Second, m.cfg.ReconnectDelay)
	assert.Equal(t, 32, m.cfg.SendQueue)
	assert.Equal(t, 10*time.Second, m.cfg.HandshakeTimeout)
}

func TestParseGatewayURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"wss://dispatch.example.com/ws", "wss://dispatch.example.com/ws", false},
		{"https://dispatch.example.com/ws", "wss://dispatch.example.com/ws", false},
		{"http://localhost:8080/ws", "ws://localhost:8080/ws", false},
		{"ftp://dispatch.example.com", "", true},
		{"ws:///ws", "", true},
		{"://nope", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseGatewayURL(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidURL)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestManager_StopLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreCurrent(),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)

	ts := newTestServer(t, echo)
	m, stop := startManager(t, Config{URL: ts.wsURL()})
	expectStatus(t, m, StatusConnecting, StatusConnected)

	require.NoError(t, m.SendText("roll call"))
	assert.Equal(t, "roll call", string(nextMessage(t, m)))

	stop()
	ts.Close()
}
