package devicelink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/chat-relay/internal/domain"
	"github.com/bissquit/chat-relay/internal/outbound"
	"github.com/bissquit/chat-relay/internal/sessions"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memState struct {
	mu    sync.Mutex
	state map[int64][]byte
}

func newMemState() *memState {
	return &memState{state: make(map[int64][]byte)}
}

func (m *memState) Load(_ context.Context, channelID int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[channelID], nil
}

func (m *memState) Save(_ context.Context, channelID int64, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[channelID] = state
	return nil
}

func (m *memState) Delete(_ context.Context, channelID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, channelID)
	return nil
}

func (m *memState) get(channelID int64) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[channelID]
}

// gateway runs script against every accepted connection after reading its hello frame.
func gateway(t *testing.T, script func(ws *websocket.Conn, hello frame)) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = ws.Close() }()

		var hello frame
		if err := ws.ReadJSON(&hello); err != nil {
			return
		}
		script(ws, hello)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func nextEvent(t *testing.T, conn sessions.Conn) (sessions.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-conn.Events():
		return ev, ok
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return sessions.Event{}, false
	}
}

func TestNewDialer_RequiresGateway(t *testing.T) {
	_, err := NewDialer(Config{}, newMemState())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway url is required")
}

func TestDialer_PairingThenOpen(t *testing.T) {
	helloCh := make(chan frame, 1)
	url := gateway(t, func(ws *websocket.Conn, hello frame) {
		helloCh <- hello
		_ = ws.WriteJSON(frame{Type: framePairing, Code: "2@AbCd"})
		_ = ws.WriteJSON(frame{Type: frameCredentials, Auth: []byte("device-keys")})
		_ = ws.WriteJSON(frame{Type: frameOpen})
		var f frame
		_ = ws.ReadJSON(&f)
	})

	state := newMemState()
	d, err := NewDialer(Config{GatewayURL: url}, state)
	require.NoError(t, err)

	conn, err := d.Dial(context.Background(), sessions.DialRequest{ChannelID: 3, Address: "+15550100"})
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	hello := <-helloCh
	assert.Equal(t, frameHello, hello.Type)
	assert.Equal(t, "3", hello.Session)
	assert.Equal(t, "+15550100", hello.Address)
	assert.Empty(t, hello.Auth)

	ev, _ := nextEvent(t, conn)
	assert.Equal(t, domain.SessionEventPairing, ev.Kind)
	assert.Equal(t, "2@AbCd", ev.PairingCode)

	ev, _ = nextEvent(t, conn)
	assert.Equal(t, domain.SessionEventOpened, ev.Kind)
	assert.Equal(t, []byte("device-keys"), state.get(3))
}

func TestDialer_SendsStoredAuth(t *testing.T) {
	helloCh := make(chan frame, 1)
	url := gateway(t, func(ws *websocket.Conn, hello frame) {
		helloCh <- hello
		var f frame
		_ = ws.ReadJSON(&f)
	})

	state := newMemState()
	require.NoError(t, state.Save(context.Background(), 5, []byte("saved-keys")))

	d, err := NewDialer(Config{GatewayURL: url}, state)
	require.NoError(t, err)
	conn, err := d.Dial(context.Background(), sessions.DialRequest{ChannelID: 5})
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	assert.Equal(t, []byte("saved-keys"), (<-helloCh).Auth)
}

func TestConn_Send(t *testing.T) {
	url := gateway(t, func(ws *websocket.Conn, _ frame) {
		_ = ws.WriteJSON(frame{Type: frameOpen})
		for {
			var f frame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			switch f.Text {
			case "ok":
				_ = ws.WriteJSON(frame{Type: frameAck, Ref: f.Ref, MessageID: "3EB0" + f.To})
			case "bad number":
				_ = ws.WriteJSON(frame{Type: frameAck, Ref: f.Ref, Error: "recipient not on network"})
			case "busy":
				_ = ws.WriteJSON(frame{Type: frameAck, Ref: f.Ref, Error: "socket busy", Retryable: true})
			}
		}
	})

	d, err := NewDialer(Config{GatewayURL: url}, newMemState())
	require.NoError(t, err)
	conn, err := d.Dial(context.Background(), sessions.DialRequest{ChannelID: 1})
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	nextEvent(t, conn)

	ctx := context.Background()
	id, err := conn.Send(ctx, domain.OutgoingMessage{To: "15550100", Type: domain.MessageTypeText, Text: "ok"})
	require.NoError(t, err)
	assert.Equal(t, "3EB015550100", id)

	_, err = conn.Send(ctx, domain.OutgoingMessage{To: "1", Type: domain.MessageTypeText, Text: "bad number"})
	require.Error(t, err)
	assert.False(t, outbound.IsRetryable(err))

	_, err = conn.Send(ctx, domain.OutgoingMessage{To: "1", Type: domain.MessageTypeText, Text: "busy"})
	require.Error(t, err)
	assert.True(t, outbound.IsRetryable(err))

	timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = conn.Send(timeoutCtx, domain.OutgoingMessage{To: "1", Type: domain.MessageTypeText, Text: "no ack"})
	require.Error(t, err)
	assert.True(t, outbound.IsRetryable(err))
}

func TestConn_RemoteClose(t *testing.T) {
	tests := []struct {
		name       string
		script     func(ws *websocket.Conn)
		wantReason domain.CloseReason
	}{
		{
			name:       "logged out",
			script:     func(ws *websocket.Conn) { _ = ws.WriteJSON(frame{Type: frameClose, Reason: "logged_out"}) },
			wantReason: domain.CloseLoggedOut,
		},
		{
			name:       "restart required",
			script:     func(ws *websocket.Conn) { _ = ws.WriteJSON(frame{Type: frameClose, Reason: "restart_required"}) },
			wantReason: domain.CloseRestartRequired,
		},
		{
			name:       "unknown reason",
			script:     func(ws *websocket.Conn) { _ = ws.WriteJSON(frame{Type: frameClose, Reason: "stream:error"}) },
			wantReason: domain.CloseConnectionLost,
		},
		{
			name:       "socket dropped",
			script:     func(ws *websocket.Conn) { _ = ws.Close() },
			wantReason: domain.CloseConnectionLost,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := gateway(t, func(ws *websocket.Conn, _ frame) {
				tt.script(ws)
				var f frame
				_ = ws.ReadJSON(&f)
			})

			d, err := NewDialer(Config{GatewayURL: url}, newMemState())
			require.NoError(t, err)
			conn, err := d.Dial(context.Background(), sessions.DialRequest{ChannelID: 1})
			require.NoError(t, err)

			ev, ok := nextEvent(t, conn)
			require.True(t, ok)
			assert.Equal(t, domain.SessionEventClosed, ev.Kind)
			assert.Equal(t, tt.wantReason, ev.Reason)

			_, ok = nextEvent(t, conn)
			assert.False(t, ok)
		})
	}
}

func TestConn_LocalCloseEmitsNoCloseEvent(t *testing.T) {
	url := gateway(t, func(ws *websocket.Conn, _ frame) {
		var f frame
		_ = ws.ReadJSON(&f)
	})

	d, err := NewDialer(Config{GatewayURL: url}, newMemState())
	require.NoError(t, err)
	conn, err := d.Dial(context.Background(), sessions.DialRequest{ChannelID: 1})
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())

	_, ok := nextEvent(t, conn)
	assert.False(t, ok)
}

func TestDialer_Forget(t *testing.T) {
	state := newMemState()
	require.NoError(t, state.Save(context.Background(), 9, []byte("keys")))

	d, err := NewDialer(Config{GatewayURL: "ws://gateway.invalid"}, state)
	require.NoError(t, err)

	require.NoError(t, d.Forget(context.Background(), 9))
	assert.Nil(t, state.get(9))
}

func TestParseReason(t *testing.T) {
	assert.Equal(t, domain.CloseReplaced, parseReason("replaced"))
	assert.Equal(t, domain.CloseTimedOut, parseReason("timed_out"))
	assert.Equal(t, domain.CloseConnectionLost, parseReason("operator"))
	assert.Equal(t, domain.CloseConnectionLost, parseReason(""))
}
