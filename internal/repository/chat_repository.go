package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
)

type gormChatRepository struct {
	db *gorm.DB
}

func NewChatRepository(db *gorm.DB) ChatRepository {
	return &gormChatRepository{db: db}
}

func (r *gormChatRepository) Upsert(ctx context.Context, chat *domain.Chat) error {
	model := ChatDomainToModel(chat)
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(model).Error
}

func (r *gormChatRepository) GetByID(ctx context.Context, id string) (*domain.Chat, error) {
	var model ChatModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return ChatModelToDomain(&model), nil
}

func (r *gormChatRepository) GetAll(ctx context.Context, limit, offset int) ([]*domain.Chat, error) {
	var models []ChatModel
	query := r.db.WithContext(ctx).Order("last_message_time DESC")

	if limit > 0 {
		query = query.Limit(limit).Offset(offset)
	}

	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}

	chats := make([]*domain.Chat, len(models))
	for i := range models {
		chats[i] = ChatModelToDomain(&models[i])
	}
	return chats, nil
}

func (r *gormChatRepository) UpdateLastMessage(ctx context.Context, id, text, senderID string, timestamp time.Time) error {
	return r.db.WithContext(ctx).
		Model(&ChatModel{}).
		Where("id = ? AND last_message_time <= ?", id, timestamp).
		Updates(map[string]interface{}{
			"last_message_text": text,
			"last_sender_id":    senderID,
			"last_message_time": timestamp,
		}).Error
}

func (r *gormChatRepository) UpdateUnreadCounts(ctx context.Context, id string, counts map[string]int) error {
	return r.db.WithContext(ctx).
		Model(&ChatModel{ID: id}).
		Select("unread_counts").
		Updates(&ChatModel{UnreadCounts: counts}).Error
}
