package domain

import (
	"sync"
	"time"
)

type EventType string

const (
	EventTypeMessageUpserted  EventType = "message.upserted"
	EventTypeMessageRead      EventType = "message.read"
	EventTypeMessageFailed    EventType = "message.failed"
	EventTypeChatUpdated      EventType = "chat.updated"
	EventTypeTypingChanged    EventType = "typing.changed"
	EventTypeConnectionStatus EventType = "connection.status"
	EventTypeFetchFailed      EventType = "fetch.failed"
)

type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// MessageUpsertedEvent is published after a message was appended to, or
// replaced in, the active conversation.
type MessageUpsertedEvent struct {
	Message    Message
	ReplacedID string
	EventTime  time.Time
}

func (e MessageUpsertedEvent) Type() EventType      { return EventTypeMessageUpserted }
func (e MessageUpsertedEvent) Timestamp() time.Time { return e.EventTime }

type MessageReadEvent struct {
	ChatID     string
	MessageIDs []string
	ReaderID   string
	EventTime  time.Time
}

func (e MessageReadEvent) Type() EventType      { return EventTypeMessageRead }
func (e MessageReadEvent) Timestamp() time.Time { return e.EventTime }

type MessageFailedEvent struct {
	Message   Message
	Reason    string
	EventTime time.Time
}

func (e MessageFailedEvent) Type() EventType      { return EventTypeMessageFailed }
func (e MessageFailedEvent) Timestamp() time.Time { return e.EventTime }

type ChatUpdatedEvent struct {
	Chat      Chat
	EventTime time.Time
}

func (e ChatUpdatedEvent) Type() EventType      { return EventTypeChatUpdated }
func (e ChatUpdatedEvent) Timestamp() time.Time { return e.EventTime }

type TypingChangedEvent struct {
	ChatID    string
	Typing    []TypingSignal
	EventTime time.Time
}

func (e TypingChangedEvent) Type() EventType      { return EventTypeTypingChanged }
func (e TypingChangedEvent) Timestamp() time.Time { return e.EventTime }

type ConnectionStatusEvent struct {
	Connected bool
	Reason    string
	EventTime time.Time
}

func (e ConnectionStatusEvent) Type() EventType      { return EventTypeConnectionStatus }
func (e ConnectionStatusEvent) Timestamp() time.Time { return e.EventTime }

type FetchFailedEvent struct {
	ChatID    string
	Err       string
	EventTime time.Time
}

func (e FetchFailedEvent) Type() EventType      { return EventTypeFetchFailed }
func (e FetchFailedEvent) Timestamp() time.Time { return e.EventTime }

// EventBus provides pub/sub for domain events
type EventBus interface {
	Publish(event Event)
	Subscribe(eventTypes []EventType) <-chan Event
	Unsubscribe(ch <-chan Event)
}

// SimpleEventBus is a basic in-memory implementation of EventBus
type SimpleEventBus struct {
	mu          sync.RWMutex
	subscribers map[<-chan Event]subscription
}

type subscription struct {
	ch         chan Event
	eventTypes map[EventType]bool
}

func NewEventBus() *SimpleEventBus {
	return &SimpleEventBus{
		subscribers: make(map[<-chan Event]subscription),
	}
}

func (b *SimpleEventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if len(sub.eventTypes) == 0 || sub.eventTypes[event.Type()] {
			select {
			case sub.ch <- event:
			default:
				// subscriber is behind; drop rather than stall the sync core
			}
		}
	}
}

func (b *SimpleEventBus) Subscribe(eventTypes []EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100)
	typeMap := make(map[EventType]bool, len(eventTypes))
	for _, t := range eventTypes {
		typeMap[t] = true
	}

	b.subscribers[ch] = subscription{
		ch:         ch,
		eventTypes: typeMap,
	}

	return ch
}

func (b *SimpleEventBus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[ch]; ok {
		close(sub.ch)
		delete(b.subscribers, ch)
	}
}
