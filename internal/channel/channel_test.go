package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
)

func TestRegistryDispatchAndUnsubscribe(t *testing.T) {
	r := NewRegistry()
	var got []string
	unsubA := r.OnNewMessage(func(p domain.Payload) { got = append(got, "a:"+p["_id"].(string)) })
	r.OnNewMessage(func(p domain.Payload) { got = append(got, "b:"+p["_id"].(string)) })
	r.OnTypingStart(func(domain.Payload) { got = append(got, "typing") })

	assert.Equal(t, 2, r.Dispatch(EventNewMessage, domain.Payload{"_id": "m1"}))
	unsubA()
	unsubA()
	assert.Equal(t, 1, r.Dispatch(EventNewMessage, domain.Payload{"_id": "m2"}))
	assert.Equal(t, 0, r.Dispatch(EventChatUpdated, domain.Payload{}))
	assert.Equal(t, []string{"a:m1", "b:m1", "b:m2"}, got)

	var states []bool
	unsub := r.OnConnectionChange(func(c bool) { states = append(states, c) })
	r.NotifyConnection(true)
	unsub()
	r.NotifyConnection(false)
	assert.Equal(t, []bool{true}, states)
}

// wsServer accepts connections and exposes them to the test.
type wsServer struct {
	t        *testing.T
	srv      *httptest.Server
	conns    chan *websocket.Conn
	received chan Envelope
	mu       sync.Mutex
	auth     []string
}

func newWSServer(t *testing.T) *wsServer {
	s := &wsServer{
		t:        t,
		conns:    make(chan *websocket.Conn, 4),
		received: make(chan Envelope, 16),
	}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		s.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			s.received <- env
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) nextConn() *websocket.Conn {
	select {
	case c := <-s.conns:
		return c
	case <-time.After(5 * time.Second):
		s.t.Fatal("no connection")
		return nil
	}
}

func (s *wsServer) nextEnvelope() Envelope {
	select {
	case env := <-s.received:
		return env
	case <-time.After(5 * time.Second):
		s.t.Fatal("no envelope")
		return Envelope{}
	}
}

func newTestWebSocket(t *testing.T, url string) *WebSocket {
	ws := NewWebSocket(Config{
		URL:               url,
		Token:             "secret",
		ReconnectInterval: 10 * time.Millisecond,
	}, zerolog.New(zerolog.NewTestWriter(t)), nil)
	t.Cleanup(func() { _ = ws.Disconnect() })
	return ws
}

func TestWebSocketRoundTrip(t *testing.T) {
	srv := newWSServer(t)
	ws := newTestWebSocket(t, srv.url())

	got := make(chan domain.Payload, 1)
	ws.OnNewMessage(func(p domain.Payload) { got <- p })

	require.NoError(t, ws.Connect(context.Background()))
	require.NoError(t, ws.Connect(context.Background()))
	assert.True(t, ws.IsConnected())
	server := srv.nextConn()

	require.NoError(t, server.WriteJSON(map[string]any{
		"type":    "newMessage",
		"payload": map[string]any{"_id": "m1", "content": "hello"},
	}))
	select {
	case p := <-got:
		assert.Equal(t, "m1", p["_id"])
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}

	require.NoError(t, ws.Send(context.Background(), Outgoing{ChatID: "c1", Content: "hi", Kind: domain.MessageKindText}))
	env := srv.nextEnvelope()
	assert.Equal(t, EventSendMessage, env.Type)
	payload, ok := env.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "c1", payload["chatId"])
	assert.Equal(t, "hi", payload["content"])
	assert.Equal(t, "text", payload["messageType"])

	require.NoError(t, ws.SendTyping(context.Background(), "c1", true))
	env = srv.nextEnvelope()
	assert.Equal(t, EventTypingStart, env.Type)

	srv.mu.Lock()
	assert.Equal(t, "Bearer secret", srv.auth[0])
	srv.mu.Unlock()
}

func TestWebSocketBuffersWhileDisconnected(t *testing.T) {
	srv := newWSServer(t)
	ws := newTestWebSocket(t, srv.url())

	require.NoError(t, ws.Send(context.Background(), Outgoing{ChatID: "c1", Content: "one"}))
	require.NoError(t, ws.Send(context.Background(), Outgoing{ChatID: "c1", Content: "two"}))
	require.NoError(t, ws.SendTyping(context.Background(), "c1", true))
	assert.Equal(t, 2, ws.Pending())
	assert.False(t, ws.IsConnected())

	require.NoError(t, ws.Connect(context.Background()))
	srv.nextConn()

	first := srv.nextEnvelope()
	second := srv.nextEnvelope()
	assert.Equal(t, "one", first.Payload.(map[string]any)["content"])
	assert.Equal(t, "two", second.Payload.(map[string]any)["content"])
	assert.Equal(t, 0, ws.Pending())
}

func TestWebSocketReconnects(t *testing.T) {
	srv := newWSServer(t)
	ws := newTestWebSocket(t, srv.url())

	states := make(chan bool, 8)
	ws.OnConnectionChange(func(c bool) { states <- c })

	require.NoError(t, ws.Connect(context.Background()))
	first := srv.nextConn()
	assert.True(t, <-states)

	_ = first.Close()
	assert.False(t, <-states)

	srv.nextConn()
	select {
	case up := <-states:
		assert.True(t, up)
	case <-time.After(5 * time.Second):
		t.Fatal("did not reconnect")
	}
	assert.True(t, ws.IsConnected())

	require.NoError(t, ws.Disconnect())
	assert.False(t, ws.IsConnected())
}

func TestWebSocketDropsMalformedEnvelopes(t *testing.T) {
	srv := newWSServer(t)
	ws := newTestWebSocket(t, srv.url())

	got := make(chan domain.Payload, 1)
	ws.OnChatUpdated(func(p domain.Payload) { got <- p })
	require.NoError(t, ws.Connect(context.Background()))
	server := srv.nextConn()

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte("not json")))
	raw, _ := json.Marshal(map[string]any{"type": "chatUpdated", "payload": "just a string"})
	require.NoError(t, server.WriteMessage(websocket.TextMessage, raw))
	require.NoError(t, server.WriteJSON(map[string]any{"type": "chatUpdated", "payload": map[string]any{"_id": "c1"}}))

	select {
	case p := <-got:
		assert.Equal(t, "c1", p["_id"])
	case <-time.After(5 * time.Second):
		t.Fatal("valid envelope not delivered")
	}
}

func TestConnectFailureKeepsRetrying(t *testing.T) {
	ws := newTestWebSocket(t, "ws://127.0.0.1:1/nowhere")

	err := ws.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, ws.IsConnected())
	require.NoError(t, ws.Send(context.Background(), Outgoing{ChatID: "c1", Content: "queued"}))
	assert.Equal(t, 1, ws.Pending())

	require.NoError(t, ws.Disconnect())
}

func TestDisconnectAbortsFirstDial(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	ws := newTestWebSocket(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	var mu sync.Mutex
	var states []bool
	ws.OnConnectionChange(func(c bool) {
		mu.Lock()
		states = append(states, c)
		mu.Unlock()
	})

	errCh := make(chan error, 1)
	go func() { errCh <- ws.Connect(context.Background()) }()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("handshake never reached the server")
	}

	done := make(chan struct{})
	go func() {
		_ = ws.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Disconnect waited for the pending handshake")
	}
	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not return")
	}

	assert.False(t, ws.IsConnected())
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, states)
}
