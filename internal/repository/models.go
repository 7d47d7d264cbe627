package repository

import (
	"time"

	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
)

type MessageModel struct {
	ID           string    `gorm:"primaryKey;column:id"`
	ChatID       string    `gorm:"column:chat_id;index:idx_chat_sent"`
	SenderID     string    `gorm:"column:sender_id"`
	SenderName   string    `gorm:"column:sender_name"`
	SenderAvatar string    `gorm:"column:sender_avatar"`
	SenderRole   string    `gorm:"column:sender_role"`
	Kind         string    `gorm:"column:kind"`
	Content      string    `gorm:"column:content"`
	Status       string    `gorm:"column:status;index"`
	ReadBy       []string  `gorm:"column:read_by;serializer:json"`
	SentAt       time.Time `gorm:"column:sent_at;index:idx_chat_sent"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (MessageModel) TableName() string { return "messages" }

type ChatModel struct {
	ID              string               `gorm:"primaryKey;column:id"`
	Participants    []domain.UserSummary `gorm:"column:participants;serializer:json"`
	LastMessageTime time.Time            `gorm:"column:last_message_time;index"`
	LastMessageText string               `gorm:"column:last_message_text"`
	LastSenderID    string               `gorm:"column:last_sender_id"`
	UnreadCounts    map[string]int       `gorm:"column:unread_counts;serializer:json"`
	CreatedAt       time.Time            `gorm:"column:created_at"`
	UpdatedAt       time.Time            `gorm:"column:updated_at"`
}

func (ChatModel) TableName() string { return "chats" }

// Conversion functions
func MessageModelToDomain(m *MessageModel) *domain.Message {
	if m == nil {
		return nil
	}

	return &domain.Message{
		ID:     m.ID,
		ChatID: m.ChatID,
		Sender: domain.UserSummary{
			ID:       m.SenderID,
			FullName: m.SenderName,
			Avatar:   m.SenderAvatar,
			Role:     domain.Role(m.SenderRole),
		},
		Content:   m.Content,
		Kind:      domain.MessageKind(m.Kind),
		CreatedAt: m.SentAt,
		Status:    domain.DeliveryStatus(m.Status),
		ReadBy:    append([]string(nil), m.ReadBy...),
	}
}

func MessageDomainToModel(msg *domain.Message) *MessageModel {
	if msg == nil {
		return nil
	}

	return &MessageModel{
		ID:           msg.ID,
		ChatID:       msg.ChatID,
		SenderID:     msg.Sender.ID,
		SenderName:   msg.Sender.FullName,
		SenderAvatar: msg.Sender.Avatar,
		SenderRole:   string(msg.Sender.Role),
		Kind:         string(msg.Kind),
		Content:      msg.Content,
		Status:       string(msg.Status),
		ReadBy:       append([]string(nil), msg.ReadBy...),
		SentAt:       msg.CreatedAt,
	}
}

func ChatModelToDomain(m *ChatModel) *domain.Chat {
	if m == nil {
		return nil
	}

	chat := domain.NewChat(m.ID, m.Participants...)
	chat.LastMessageTime = m.LastMessageTime
	chat.LastMessageText = m.LastMessageText
	chat.LastSenderID = m.LastSenderID
	for id, n := range m.UnreadCounts {
		chat.UnreadCounts[id] = n
	}
	return chat
}

func ChatDomainToModel(chat *domain.Chat) *ChatModel {
	if chat == nil {
		return nil
	}

	counts := make(map[string]int, len(chat.UnreadCounts))
	for id, n := range chat.UnreadCounts {
		counts[id] = n
	}
	return &ChatModel{
		ID:              chat.ID,
		Participants:    append([]domain.UserSummary(nil), chat.Participants...),
		LastMessageTime: chat.LastMessageTime,
		LastMessageText: chat.LastMessageText,
		LastSenderID:    chat.LastSenderID,
		UnreadCounts:    counts,
	}
}
