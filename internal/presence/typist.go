package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TypingSender emits the local user's typing state.
type TypingSender interface {
	SendTyping(ctx context.Context, chatID string, typing bool) error
}

// Typist debounces local keystrokes: start goes out on the first keystroke
// after idle, stop after the idle window or as soon as Stop is called.
type Typist struct {
	sender    TypingSender
	idle      time.Duration
	afterFunc AfterFunc
	log       zerolog.Logger

	mu     sync.Mutex
	chatID string
	typing bool
	timer  Timer
	gen    uint64
}

func NewTypist(sender TypingSender, idle time.Duration, log zerolog.Logger) *Typist {
	if idle <= 0 {
		idle = DefaultIdleWindow
	}
	return &Typist{
		sender:    sender,
		idle:      idle,
		afterFunc: realAfterFunc,
		log:       log,
	}
}

// Keystroke notes local typing in chatID.
func (t *Typist) Keystroke(ctx context.Context, chatID string) {
	t.mu.Lock()
	var stopChat string
	start := false
	if t.typing && t.chatID != chatID {
		stopChat = t.chatID
		t.typing = false
	}
	if !t.typing {
		t.typing = true
		start = true
	}
	t.chatID = chatID
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = t.afterFunc(t.idle, func() { t.idleStop(gen) })
	t.mu.Unlock()

	if stopChat != "" {
		t.send(ctx, stopChat, false)
	}
	if start {
		t.send(ctx, chatID, true)
	}
}

// Stop ends local typing immediately, e.g. when the message is sent.
func (t *Typist) Stop(ctx context.Context) {
	t.mu.Lock()
	if !t.typing {
		t.mu.Unlock()
		return
	}
	chatID := t.chatID
	t.reset()
	t.mu.Unlock()

	t.send(ctx, chatID, false)
}

func (t *Typist) idleStop(gen uint64) {
	t.mu.Lock()
	if !t.typing || gen != t.gen {
		t.mu.Unlock()
		return
	}
	chatID := t.chatID
	t.reset()
	t.mu.Unlock()

	t.send(context.Background(), chatID, false)
}

func (t *Typist) reset() {
	t.typing = false
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Typing reports whether a start has gone out without a matching stop.
func (t *Typist) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

// Close cancels the idle timer without emitting a stop.
func (t *Typist) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
}

func (t *Typist) send(ctx context.Context, chatID string, typing bool) {
	if err := t.sender.SendTyping(ctx, chatID, typing); err != nil {
		t.log.Warn().Err(err).Str("chat_id", chatID).Bool("typing", typing).Msg("Failed to send typing signal")
	}
}
