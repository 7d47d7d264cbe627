package cli

import (
	"time"

	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
)

// Mode represents the CLI operation mode
type Mode string

const (
	ModeInteractive Mode = "interactive"
	ModeHeadless    Mode = "headless"
)

// Request represents a JSON request in headless mode
type Request struct {
	ID      string                 `json:"id,omitempty"`
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a JSON response in headless mode
type Response struct {
	ID      string      `json:"id,omitempty"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Event represents a real-time event in headless mode
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// ChatInfo represents chat information for responses
type ChatInfo struct {
	ID              string    `json:"id"`
	Peer            string    `json:"peer"`
	PeerRole        string    `json:"peer_role"`
	UnreadCount     int       `json:"unread_count"`
	LastMessageText string    `json:"last_message_text,omitempty"`
	LastMessageTime time.Time `json:"last_message_time,omitempty"`
	LastSenderID    string    `json:"last_sender_id,omitempty"`
}

// MessageInfo represents message information for responses
type MessageInfo struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chat_id"`
	SenderID    string    `json:"sender_id"`
	SenderName  string    `json:"sender_name"`
	Kind        string    `json:"kind"`
	Content     string    `json:"content"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	IsFromMe    bool      `json:"is_from_me"`
	Provisional bool      `json:"provisional,omitempty"`
	ReadBy      []string  `json:"read_by,omitempty"`
}

// ConnectionStatus represents connection status for responses
type ConnectionStatus struct {
	Connected    bool   `json:"connected"`
	ActiveChat   string `json:"active_chat,omitempty"`
	PendingSends int    `json:"pending_sends"`
	Status       string `json:"status"`
}

// TypingInfo lists who is typing in a chat
type TypingInfo struct {
	ChatID string   `json:"chat_id"`
	Users  []string `json:"users"`
}

func newChatInfo(c domain.Chat, selfID string) ChatInfo {
	peer := c.Peer(selfID)
	return ChatInfo{
		ID:              c.ID,
		Peer:            peer.DisplayName(),
		PeerRole:        string(peer.Role),
		UnreadCount:     c.UnreadFor(selfID),
		LastMessageText: c.LastMessageText,
		LastMessageTime: c.LastMessageTime,
		LastSenderID:    c.LastSenderID,
	}
}

func newMessageInfo(m domain.Message, selfID string) MessageInfo {
	return MessageInfo{
		ID:          m.ID,
		ChatID:      m.ChatID,
		SenderID:    m.Sender.ID,
		SenderName:  m.Sender.DisplayName(),
		Kind:        string(m.Kind),
		Content:     m.Content,
		Status:      string(m.Status),
		Timestamp:   m.CreatedAt,
		IsFromMe:    m.Sender.ID == selfID,
		Provisional: m.Provisional,
		ReadBy:      m.ReadBy,
	}
}

func newTypingInfo(chatID string, signals []domain.TypingSignal) TypingInfo {
	users := make([]string, len(signals))
	for i, sig := range signals {
		users[i] = sig.FullName
	}
	return TypingInfo{ChatID: chatID, Users: users}
}
