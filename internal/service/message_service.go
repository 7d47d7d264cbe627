package service

import (
	"context"
	"time"

	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
	"github.com/clippy-oss/homie/craftworks-chat/internal/repository"
)

// MessageService answers history queries from the local mirror and forwards
// writes to the ChatService.
type MessageService struct {
	msgRepo  repository.MessageRepository
	chatRepo repository.ChatRepository
	chatSvc  *ChatService
}

func NewMessageService(
	msgRepo repository.MessageRepository,
	chatRepo repository.ChatRepository,
	chatSvc *ChatService,
) *MessageService {
	return &MessageService{
		msgRepo:  msgRepo,
		chatRepo: chatRepo,
		chatSvc:  chatSvc,
	}
}

func (s *MessageService) GetMessages(ctx context.Context, chatID string, limit, offset int) ([]*domain.Message, error) {
	return s.msgRepo.GetByChatID(ctx, chatID, limit, offset)
}

func (s *MessageService) GetMessagesSince(ctx context.Context, chatID string, since time.Time, limit int) ([]*domain.Message, error) {
	return s.msgRepo.GetByChatIDSince(ctx, chatID, since, limit)
}

func (s *MessageService) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	return s.msgRepo.GetByID(ctx, id)
}

func (s *MessageService) SendTextMessage(ctx context.Context, chatID, text string) (domain.Message, error) {
	return s.chatSvc.SendText(ctx, chatID, text)
}

func (s *MessageService) MarkAsRead(ctx context.Context, chatID string) error {
	return s.chatSvc.MarkRead(ctx, chatID)
}

func (s *MessageService) SearchMessages(ctx context.Context, query string, limit int) ([]*domain.Message, error) {
	return s.msgRepo.Search(ctx, query, limit)
}

func (s *MessageService) GetChats(ctx context.Context, limit, offset int) ([]*domain.Chat, error) {
	return s.chatRepo.GetAll(ctx, limit, offset)
}

func (s *MessageService) GetChat(ctx context.Context, id string) (*domain.Chat, error) {
	return s.chatRepo.GetByID(ctx, id)
}
