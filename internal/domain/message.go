package domain

import (
	"strings"
	"time"
)

type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindImage MessageKind = "image"
)

type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	// StatusFailed marks a provisional message whose confirmation never
	// arrived within the pending timeout.
	StatusFailed DeliveryStatus = "failed"
)

// ProvisionalPrefix is prepended to locally generated ids so they are
// recognisable when displayed. Code must check Message.Provisional instead.
const ProvisionalPrefix = "temp-"

type Message struct {
	ID        string
	ChatID    string
	Sender    UserSummary
	Content   string
	Kind      MessageKind
	CreatedAt time.Time
	Status    DeliveryStatus
	ReadBy    []string
	// Provisional is set on optimistic local records that the server has
	// not confirmed yet.
	Provisional bool
}

func NewProvisionalMessage(id, chatID string, sender UserSummary, content string, kind MessageKind, now time.Time) Message {
	if !strings.HasPrefix(id, ProvisionalPrefix) {
		id = ProvisionalPrefix + id
	}
	return Message{
		ID:          id,
		ChatID:      chatID,
		Sender:      sender,
		Content:     content,
		Kind:        kind,
		CreatedAt:   now,
		Status:      StatusSent,
		Provisional: true,
	}
}

func (m Message) IsReadBy(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// WithReader returns a copy of m with userID in its read-by set. Messages
// read by someone other than their sender are upgraded to StatusRead.
func (m Message) WithReader(userID string) Message {
	if !m.IsReadBy(userID) {
		m.ReadBy = append(append([]string(nil), m.ReadBy...), userID)
	}
	if userID != m.Sender.ID && !m.Provisional {
		m.Status = StatusRead
	}
	return m
}

// Preview is the text shown in conversation summaries.
func (m Message) Preview() string {
	if m.Kind == MessageKindImage {
		return "[image]"
	}
	return m.Content
}

func (m Message) Clone() Message {
	m.ReadBy = append([]string(nil), m.ReadBy...)
	return m
}
