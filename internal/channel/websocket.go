package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
	"github.com/clippy-oss/homie/craftworks-chat/internal/metrics"
)

type Config struct {
	URL   string
	Token string

	// OutboxSize bounds both the write buffer of a live connection and the
	// backlog kept while disconnected.
	OutboxSize int
	// ReconnectInterval paces reconnect attempts.
	ReconnectInterval time.Duration
	WriteTimeout      time.Duration
	PongWait          time.Duration
	MaxMessageSize    int64
}

func (c Config) withDefaults() Config {
	if c.OutboxSize <= 0 {
		c.OutboxSize = 256
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 2 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
	return c
}

// WebSocket is a Channel over a single gorilla/websocket connection. After
// Connect it keeps reconnecting until Disconnect.
type WebSocket struct {
	*Registry

	cfg     Config
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	wanted    bool
	connected bool
	conn      *websocket.Conn
	sendCh    chan []byte
	outbox    [][]byte
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewWebSocket(cfg Config, log zerolog.Logger, m *metrics.Metrics) *WebSocket {
	cfg = cfg.withDefaults()
	return &WebSocket{
		Registry: NewRegistry(),
		cfg:      cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(cfg.ReconnectInterval), 1),
		log:     log,
		metrics: m,
	}
}

// Connect dials the backend. A failed first dial is returned, but the
// adapter keeps retrying in the background until Disconnect.
func (w *WebSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.wanted {
		w.mu.Unlock()
		return nil
	}
	w.wanted = true
	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	w.mu.Unlock()

	// The first attempt consumes the limiter token too. Disconnect aborts it
	// like any later attempt.
	w.limiter.Allow()
	dialCtx, stopDial := context.WithCancel(ctx)
	stop := context.AfterFunc(runCtx, stopDial)
	conn, err := w.dial(dialCtx)
	stop()
	stopDial()
	if err == nil && !w.attach(runCtx, conn) {
		_ = conn.Close()
		conn = nil
		err = context.Canceled
	}
	go w.loop(runCtx, conn)
	if err != nil {
		return fmt.Errorf("connect %s: %w", w.cfg.URL, err)
	}
	return nil
}

func (w *WebSocket) Disconnect() error {
	w.mu.Lock()
	if !w.wanted {
		w.mu.Unlock()
		return nil
	}
	w.wanted = false
	w.cancel()
	conn := w.conn
	w.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(w.cfg.WriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *WebSocket) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// Send hands out to the writer, or keeps it for the next connection.
func (w *WebSocket) Send(ctx context.Context, out Outgoing) error {
	return w.emit(ctx, Envelope{Type: EventSendMessage, Payload: out}, true)
}

// SendTyping emits typingStart or typingStop. Typing signals are dropped
// while disconnected; they would be stale on reconnect.
func (w *WebSocket) SendTyping(ctx context.Context, chatID string, typing bool) error {
	ev := EventTypingStop
	if typing {
		ev = EventTypingStart
	}
	return w.emit(ctx, Envelope{Type: ev, Payload: map[string]string{"chatId": chatID}}, false)
}

func (w *WebSocket) emit(ctx context.Context, env Envelope, keep bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.connected {
		select {
		case w.sendCh <- data:
			return nil
		default:
			return ErrOutboxFull
		}
	}
	if !keep {
		return nil
	}
	if len(w.outbox) >= w.cfg.OutboxSize {
		w.log.Warn().Str("type", string(env.Type)).Msg("Outbox full, dropping oldest pending envelope")
		w.outbox = w.outbox[1:]
	}
	w.outbox = append(w.outbox, data)
	w.log.Debug().Str("type", string(env.Type)).Int("pending", len(w.outbox)).Msg("Queued envelope while disconnected")
	return nil
}

// Pending returns how many envelopes wait for the next connection.
func (w *WebSocket) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.outbox)
}

func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if w.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+w.cfg.Token)
	}
	conn, resp, err := w.dialer.DialContext(ctx, w.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(w.cfg.MaxMessageSize)
	return conn, nil
}

// attach makes conn the live connection and moves the backlog into its
// write buffer, oldest first. It reports false once ctx, the run context of
// the current Connect, is canceled.
func (w *WebSocket) attach(ctx context.Context, conn *websocket.Conn) bool {
	w.mu.Lock()
	if ctx.Err() != nil {
		w.mu.Unlock()
		return false
	}
	w.conn = conn
	w.connected = true
	w.sendCh = make(chan []byte, w.cfg.OutboxSize)
	for _, data := range w.outbox {
		w.sendCh <- data
	}
	flushed := len(w.outbox)
	w.outbox = nil
	w.mu.Unlock()

	w.log.Info().Str("url", w.cfg.URL).Int("flushed", flushed).Msg("Connected to chat channel")
	w.metrics.SetConnected(true)
	w.NotifyConnection(true)
	return true
}

func (w *WebSocket) loop(ctx context.Context, conn *websocket.Conn) {
	defer w.wg.Done()
	for {
		if conn != nil {
			w.serve(ctx, conn)
		}
		conn = w.redial(ctx)
		if conn == nil {
			return
		}
		if !w.attach(ctx, conn) {
			_ = conn.Close()
			return
		}
	}
}

func (w *WebSocket) redial(ctx context.Context) *websocket.Conn {
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil
		}
		w.metrics.ObserveReconnect()
		conn, err := w.dial(ctx)
		if err == nil {
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
		w.log.Warn().Err(err).Str("url", w.cfg.URL).Msg("Reconnect failed")
	}
}

// serve runs the pumps for conn and returns once the connection is gone.
// Envelopes still in the write buffer go back to the backlog.
func (w *WebSocket) serve(ctx context.Context, conn *websocket.Conn) {
	w.mu.Lock()
	sendCh := w.sendCh
	w.mu.Unlock()

	stop := make(chan struct{})
	unsent := make(chan []byte, 1)
	go w.writePump(conn, sendCh, stop, unsent)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	w.readPump(conn)

	close(stop)
	failed := <-unsent

	w.mu.Lock()
	var backlog [][]byte
	if failed != nil {
		backlog = append(backlog, failed)
	}
drain:
	for {
		select {
		case data := <-sendCh:
			backlog = append(backlog, data)
		default:
			break drain
		}
	}
	w.outbox = append(backlog, w.outbox...)
	if len(w.outbox) > w.cfg.OutboxSize {
		w.outbox = w.outbox[len(w.outbox)-w.cfg.OutboxSize:]
	}
	w.connected = false
	w.conn = nil
	w.sendCh = nil
	w.mu.Unlock()

	_ = conn.Close()
	w.log.Warn().Int("pending", len(backlog)).Msg("Chat channel disconnected")
	w.metrics.SetConnected(false)
	w.NotifyConnection(false)
}

// readPump dispatches inbound envelopes one at a time until the connection
// fails.
func (w *WebSocket) readPump(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.log.Warn().Err(err).Msg("Chat channel read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))

		var env struct {
			Type    Event           `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			w.metrics.ObserveDropped("envelope")
			w.log.Warn().Err(err).Msg("Dropping undecodable envelope")
			continue
		}
		var payload domain.Payload
		if err := json.Unmarshal(env.Payload, &payload); err != nil || payload == nil {
			w.metrics.ObserveDropped(string(env.Type))
			w.log.Warn().Str("type", string(env.Type)).Msg("Dropping envelope without object payload")
			continue
		}
		if n := w.Dispatch(env.Type, payload); n == 0 {
			w.log.Debug().Str("type", string(env.Type)).Msg("No handler for event")
		}
	}
}

// writePump is the only writer on conn. It reports an envelope whose write
// failed through unsent so it can be retried on the next connection.
func (w *WebSocket) writePump(conn *websocket.Conn, sendCh <-chan []byte, stop <-chan struct{}, unsent chan<- []byte) {
	ping := time.NewTicker(w.cfg.PongWait * 9 / 10)
	defer ping.Stop()
	var failed []byte
	defer func() { unsent <- failed }()

	for {
		select {
		case <-stop:
			return
		case data := <-sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				failed = data
				w.log.Warn().Err(err).Msg("Chat channel write error")
				_ = conn.Close()
				<-stop
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.cfg.WriteTimeout)); err != nil {
				_ = conn.Close()
				<-stop
				return
			}
		}
	}
}
