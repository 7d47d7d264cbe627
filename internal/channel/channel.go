// Package channel is the real-time link to the chat backend. Consumers see
// one Channel interface with a subscription method per event kind; the
// WebSocket type implements it over gorilla/websocket.
package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
)

// Event names the wire event carried in an envelope's type field.
type Event string

const (
	EventNewMessage  Event = "newMessage"
	EventMessageRead Event = "messageRead"
	EventChatUpdated Event = "chatUpdated"
	EventTypingStart Event = "typingStart"
	EventTypingStop  Event = "typingStop"
	EventSendMessage Event = "sendMessage"
)

// ErrOutboxFull is returned by Send when the link is up but the write
// buffer cannot take another envelope.
var ErrOutboxFull = errors.New("channel outbox full")

// Envelope is the JSON frame exchanged over the socket.
type Envelope struct {
	Type    Event `json:"type"`
	Payload any   `json:"payload"`
}

// Outgoing is a send intent. Delivery is confirmed only by a later
// newMessage event.
type Outgoing struct {
	ChatID   string             `json:"chatId"`
	Content  string             `json:"content"`
	Kind     domain.MessageKind `json:"messageType"`
	ClientID string             `json:"clientId,omitempty"`
}

// Handler receives the raw payload of one event. Handlers share the
// payload and must not modify it.
type Handler func(domain.Payload)

type ConnectionHandler func(connected bool)

// Unsubscribe removes a handler. Calling it more than once is harmless.
type Unsubscribe func()

type Channel interface {
	// Connect and Disconnect are idempotent.
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// Send never fails because the link is down; intents are held until
	// the next connection.
	Send(ctx context.Context, out Outgoing) error
	SendTyping(ctx context.Context, chatID string, typing bool) error

	OnNewMessage(h Handler) Unsubscribe
	OnMessageRead(h Handler) Unsubscribe
	OnChatUpdated(h Handler) Unsubscribe
	OnTypingStart(h Handler) Unsubscribe
	OnTypingStop(h Handler) Unsubscribe
	OnConnectionChange(h ConnectionHandler) Unsubscribe
}

type handlerEntry struct {
	id uint64
	fn Handler
}

type connEntry struct {
	id uint64
	fn ConnectionHandler
}

// Registry keeps subscriptions in registration order. Implementations embed
// it to get the On* methods.
type Registry struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[Event][]handlerEntry
	conn     []connEntry
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Event][]handlerEntry)}
}

func (r *Registry) OnNewMessage(h Handler) Unsubscribe  { return r.On(EventNewMessage, h) }
func (r *Registry) OnMessageRead(h Handler) Unsubscribe { return r.On(EventMessageRead, h) }
func (r *Registry) OnChatUpdated(h Handler) Unsubscribe { return r.On(EventChatUpdated, h) }
func (r *Registry) OnTypingStart(h Handler) Unsubscribe { return r.On(EventTypingStart, h) }
func (r *Registry) OnTypingStop(h Handler) Unsubscribe  { return r.On(EventTypingStop, h) }

// On subscribes h to an arbitrary event name.
func (r *Registry) On(ev Event, h Handler) Unsubscribe {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	r.handlers[ev] = append(r.handlers[ev], handlerEntry{id: id, fn: h})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.handlers[ev]
		for i, e := range list {
			if e.id == id {
				r.handlers[ev] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

func (r *Registry) OnConnectionChange(h ConnectionHandler) Unsubscribe {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	r.conn = append(r.conn, connEntry{id: id, fn: h})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.conn {
			if e.id == id {
				r.conn = append(r.conn[:i:i], r.conn[i+1:]...)
				return
			}
		}
	}
}

// Dispatch calls every handler of ev in turn and reports how many ran.
func (r *Registry) Dispatch(ev Event, p domain.Payload) int {
	r.mu.RLock()
	list := append([]handlerEntry(nil), r.handlers[ev]...)
	r.mu.RUnlock()
	for _, e := range list {
		e.fn(p)
	}
	return len(list)
}

func (r *Registry) NotifyConnection(connected bool) {
	r.mu.RLock()
	list := append([]connEntry(nil), r.conn...)
	r.mu.RUnlock()
	for _, e := range list {
		e.fn(connected)
	}
}
