package repository

import (
	"context"
	"time"

	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
)

// MessageRepository mirrors confirmed messages locally. Provisional
// messages never reach it.
type MessageRepository interface {
	CreateOrIgnore(ctx context.Context, msg *domain.Message) error
	Upsert(ctx context.Context, msg *domain.Message) error
	GetByID(ctx context.Context, id string) (*domain.Message, error)
	GetByChatID(ctx context.Context, chatID string, limit, offset int) ([]*domain.Message, error)
	GetByChatIDSince(ctx context.Context, chatID string, since time.Time, limit int) ([]*domain.Message, error)
	UpdateStatus(ctx context.Context, ids []string, status domain.DeliveryStatus) error
	Search(ctx context.Context, query string, limit int) ([]*domain.Message, error)
	DeleteByChatID(ctx context.Context, chatID string) error
}

type ChatRepository interface {
	Upsert(ctx context.Context, chat *domain.Chat) error
	GetByID(ctx context.Context, id string) (*domain.Chat, error)
	GetAll(ctx context.Context, limit, offset int) ([]*domain.Chat, error)
	UpdateLastMessage(ctx context.Context, id, text, senderID string, timestamp time.Time) error
	UpdateUnreadCounts(ctx context.Context, id string, counts map[string]int) error
}
