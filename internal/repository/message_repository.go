package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
)

type gormMessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &gormMessageRepository{db: db}
}

func (r *gormMessageRepository) CreateOrIgnore(ctx context.Context, msg *domain.Message) error {
	if msg.Provisional {
		return nil
	}
	model := MessageDomainToModel(msg)
	// Use INSERT OR IGNORE to skip duplicates (SQLite)
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(model).Error
}

func (r *gormMessageRepository) Upsert(ctx context.Context, msg *domain.Message) error {
	if msg.Provisional {
		return nil
	}
	model := MessageDomainToModel(msg)
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "status", "read_by", "sender_name", "sender_avatar", "sender_role", "updated_at"}),
	}).Create(model).Error
}

func (r *gormMessageRepository) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	var model MessageModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return MessageModelToDomain(&model), nil
}

// GetByChatID returns a conversation's messages, newest first.
func (r *gormMessageRepository) GetByChatID(ctx context.Context, chatID string, limit, offset int) ([]*domain.Message, error) {
	var models []MessageModel
	err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("sent_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toMessages(models), nil
}

func (r *gormMessageRepository) GetByChatIDSince(ctx context.Context, chatID string, since time.Time, limit int) ([]*domain.Message, error) {
	var models []MessageModel
	err := r.db.WithContext(ctx).
		Where("chat_id = ? AND sent_at > ?", chatID, since).
		Order("sent_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toMessages(models), nil
}

func (r *gormMessageRepository) UpdateStatus(ctx context.Context, ids []string, status domain.DeliveryStatus) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id IN ?", ids).
		Update("status", string(status)).Error
}

func (r *gormMessageRepository) Search(ctx context.Context, query string, limit int) ([]*domain.Message, error) {
	// Escape LIKE special characters to prevent SQL injection
	escapedQuery := strings.ReplaceAll(query, "\\", "\\\\")
	escapedQuery = strings.ReplaceAll(escapedQuery, "%", "\\%")
	escapedQuery = strings.ReplaceAll(escapedQuery, "_", "\\_")
	likePattern := "%" + escapedQuery + "%"

	var models []MessageModel
	err := r.db.WithContext(ctx).
		Where("kind = ? AND content LIKE ? ESCAPE '\\'", string(domain.MessageKindText), likePattern).
		Order("sent_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toMessages(models), nil
}

func (r *gormMessageRepository) DeleteByChatID(ctx context.Context, chatID string) error {
	return r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Delete(&MessageModel{}).Error
}

func toMessages(models []MessageModel) []*domain.Message {
	messages := make([]*domain.Message, len(models))
	for i := range models {
		messages[i] = MessageModelToDomain(&models[i])
	}
	return messages
}
