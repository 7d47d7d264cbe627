package grpc

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
	"github.com/clippy-oss/homie/craftworks-chat/internal/sender"
	"github.com/clippy-oss/homie/craftworks-chat/internal/service"
	"github.com/clippy-oss/homie/craftworks-chat/internal/store"
)

type Handler struct {
	chatSvc  *service.ChatService
	msgSvc   *service.MessageService
	eventBus domain.EventBus
}

var _ ChatServiceServer = (*Handler)(nil)

func NewHandler(chatSvc *service.ChatService, msgSvc *service.MessageService, eventBus domain.EventBus) *Handler {
	return &Handler{
		chatSvc:  chatSvc,
		msgSvc:   msgSvc,
		eventBus: eventBus,
	}
}

func (h *Handler) GetConnectionStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return respond(map[string]interface{}{
		"connected":     h.chatSvc.IsConnected(),
		"active_chat":   h.chatSvc.ActiveChat(),
		"pending_sends": h.chatSvc.PendingSends(),
	})
}

func (h *Handler) Connect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := h.chatSvc.Connect(ctx); err != nil {
		return failure(err)
	}
	return respond(map[string]interface{}{"success": true})
}

func (h *Handler) Disconnect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := h.chatSvc.Disconnect(); err != nil {
		return failure(err)
	}
	return respond(map[string]interface{}{"success": true})
}

func (h *Handler) GetChats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	page := intField(req, "page", 1)
	if page <= 0 {
		page = 1
	}
	selfID := h.chatSvc.Self().ID

	// cached lists the local mirror without asking the backend
	if req.GetFields()["cached"].GetBoolValue() {
		limit := intField(req, "limit", 50)
		if limit <= 0 {
			limit = 50
		}
		cached, err := h.msgSvc.GetChats(ctx, limit, (page-1)*limit)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "failed to get chats: %v", err)
		}
		out := make([]interface{}, len(cached))
		for i, chat := range cached {
			out[i] = chatToMap(chat, selfID)
		}
		return respond(map[string]interface{}{
			"chats":    out,
			"page":     page,
			"has_more": len(cached) == limit,
		})
	}

	chats, pagination, err := h.chatSvc.LoadChats(ctx, page)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "failed to get chats: %v", err)
	}

	out := make([]interface{}, len(chats))
	for i := range chats {
		out[i] = chatToMap(&chats[i], selfID)
	}

	return respond(map[string]interface{}{
		"chats":    out,
		"page":     page,
		"has_more": pagination.HasMore(),
	})
}

func (h *Handler) GetChat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	chatID := stringField(req, "chat_id")
	chat, ok := h.chatSvc.Chat(chatID)
	if !ok {
		stored, err := h.msgSvc.GetChat(ctx, chatID)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "failed to get chat: %v", err)
		}
		if stored == nil {
			return nil, status.Errorf(codes.NotFound, "chat not found")
		}
		chat = *stored
	}

	return respond(map[string]interface{}{"chat": chatToMap(&chat, h.chatSvc.Self().ID)})
}

func (h *Handler) OpenChat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	chatID := stringField(req, "chat_id")
	if chatID == "" {
		return nil, status.Error(codes.InvalidArgument, "chat_id is required")
	}

	messages, err := h.chatSvc.OpenChat(ctx, chatID)
	if errors.Is(err, store.ErrStale) {
		return nil, status.Error(codes.Aborted, "another conversation was opened meanwhile")
	}
	if err != nil && messages == nil {
		return nil, status.Errorf(codes.Unavailable, "failed to load %s: %v", chatID, err)
	}

	resp := map[string]interface{}{
		"chat_id":  chatID,
		"messages": messagesToList(messages, h.chatSvc.Self().ID),
	}
	if err != nil {
		resp["error_message"] = err.Error()
	}
	return respond(resp)
}

func (h *Handler) GetMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	chatID := stringField(req, "chat_id")
	if chatID == "" {
		chatID = h.chatSvc.ActiveChat()
	}
	if chatID == "" {
		return nil, status.Error(codes.InvalidArgument, "chat_id is required when no conversation is open")
	}
	limit := intField(req, "limit", 50)
	if limit <= 0 {
		limit = 50
	}

	var messages []domain.Message
	since := stringField(req, "since")
	switch {
	case since != "":
		t, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "since must be RFC 3339: %v", err)
		}
		stored, err := h.msgSvc.GetMessagesSince(ctx, chatID, t, limit)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "failed to get messages: %v", err)
		}
		messages = make([]domain.Message, len(stored))
		for i, msg := range stored {
			messages[i] = *msg
		}
	case chatID == h.chatSvc.ActiveChat():
		messages = h.chatSvc.Messages()
		if len(messages) > limit {
			messages = messages[len(messages)-limit:]
		}
	default:
		stored, err := h.msgSvc.GetMessages(ctx, chatID, limit, intField(req, "offset", 0))
		if err != nil {
			return nil, status.Errorf(codes.Internal, "failed to get messages: %v", err)
		}
		messages = make([]domain.Message, len(stored))
		for i, msg := range stored {
			messages[len(stored)-1-i] = *msg
		}
	}

	return respond(map[string]interface{}{
		"chat_id":  chatID,
		"messages": messagesToList(messages, h.chatSvc.Self().ID),
	})
}

func (h *Handler) GetMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(req, "message_id")
	msg, err := h.msgSvc.GetMessage(ctx, id)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to get message: %v", err)
	}
	if msg == nil {
		return nil, status.Errorf(codes.NotFound, "message not found")
	}
	return respond(map[string]interface{}{"message": messageToMap(*msg, h.chatSvc.Self().ID)})
}

func (h *Handler) SendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	msg, err := h.msgSvc.SendTextMessage(ctx, stringField(req, "chat_id"), stringField(req, "text"))
	if err != nil {
		return failure(err)
	}
	return respond(map[string]interface{}{
		"message": messageToMap(msg, h.chatSvc.Self().ID),
	})
}

func (h *Handler) SendImage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	data, err := base64.StdEncoding.DecodeString(stringField(req, "data"))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "data must be base64: %v", err)
	}
	filename := stringField(req, "filename")
	if filename == "" {
		filename = "image.jpg"
	}

	res, err := h.chatSvc.SendImage(ctx, stringField(req, "chat_id"), filename, data)
	if err != nil {
		return failure(err)
	}
	resp := map[string]interface{}{"url": res.URL}
	if res.Message != nil {
		resp["message"] = messageToMap(*res.Message, h.chatSvc.Self().ID)
	}
	return respond(resp)
}

func (h *Handler) ResendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	msg, err := h.chatSvc.Resend(ctx, stringField(req, "message_id"))
	if errors.Is(err, sender.ErrNotFailed) {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	if err != nil {
		return failure(err)
	}
	return respond(map[string]interface{}{
		"message": messageToMap(msg, h.chatSvc.Self().ID),
	})
}

func (h *Handler) MarkAsRead(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := h.msgSvc.MarkAsRead(ctx, stringField(req, "chat_id")); err != nil {
		return failure(err)
	}
	return respond(map[string]interface{}{"success": true})
}

func (h *Handler) SetTyping(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if !req.GetFields()["typing"].GetBoolValue() {
		h.chatSvc.StopTyping(ctx)
		return respond(map[string]interface{}{"success": true})
	}
	if err := h.chatSvc.Typing(ctx, stringField(req, "chat_id")); err != nil {
		return failure(err)
	}
	return respond(map[string]interface{}{"success": true})
}

func (h *Handler) SearchMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	query := stringField(req, "query")
	if query == "" {
		return nil, status.Error(codes.InvalidArgument, "query is required")
	}
	limit := intField(req, "limit", 20)
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	found, err := h.msgSvc.SearchMessages(ctx, query, limit)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "search failed: %v", err)
	}
	messages := make([]domain.Message, len(found))
	for i, msg := range found {
		messages[i] = *msg
	}
	return respond(map[string]interface{}{
		"query":    query,
		"messages": messagesToList(messages, h.chatSvc.Self().ID),
	})
}

func (h *Handler) StreamEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	var eventTypes []domain.EventType
	for _, v := range req.GetFields()["event_types"].GetListValue().GetValues() {
		if t := v.GetStringValue(); t != "" {
			eventTypes = append(eventTypes, domain.EventType(t))
		}
	}

	eventCh := h.eventBus.Subscribe(eventTypes)
	defer h.eventBus.Unsubscribe(eventCh)

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case event, ok := <-eventCh:
			if !ok {
				return nil
			}
			out := h.eventToStruct(event)
			if out == nil {
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}
		}
	}
}

// Conversion helpers

func respond(fields map[string]interface{}) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// failure reports an operation error inside a successful response, so
// callers can tell a rejected request from a broken transport.
func failure(err error) (*structpb.Struct, error) {
	return respond(map[string]interface{}{
		"success":       false,
		"error_message": err.Error(),
	})
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func intField(s *structpb.Struct, key string, def int) int {
	v, ok := s.GetFields()[key]
	if !ok {
		return def
	}
	return int(v.GetNumberValue())
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func stringList(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func userToMap(u domain.UserSummary) map[string]interface{} {
	return map[string]interface{}{
		"id":        u.ID,
		"full_name": u.DisplayName(),
		"avatar":    u.Avatar,
		"role":      string(u.Role),
	}
}

func chatToMap(chat *domain.Chat, selfID string) map[string]interface{} {
	participants := make([]interface{}, len(chat.Participants))
	for i, p := range chat.Participants {
		participants[i] = userToMap(p)
	}
	return map[string]interface{}{
		"id":                chat.ID,
		"peer":              userToMap(chat.Peer(selfID)),
		"participants":      participants,
		"last_message_text": chat.LastMessageText,
		"last_message_time": formatTime(chat.LastMessageTime),
		"last_sender_id":    chat.LastSenderID,
		"unread_count":      chat.UnreadFor(selfID),
	}
}

func messageToMap(msg domain.Message, selfID string) map[string]interface{} {
	return map[string]interface{}{
		"id":          msg.ID,
		"chat_id":     msg.ChatID,
		"sender":      userToMap(msg.Sender),
		"kind":        string(msg.Kind),
		"content":     msg.Content,
		"status":      string(msg.Status),
		"created_at":  formatTime(msg.CreatedAt),
		"read_by":     stringList(msg.ReadBy),
		"provisional": msg.Provisional,
		"is_from_me":  msg.Sender.ID == selfID,
	}
}

func messagesToList(messages []domain.Message, selfID string) []interface{} {
	out := make([]interface{}, len(messages))
	for i, msg := range messages {
		out[i] = messageToMap(msg, selfID)
	}
	return out
}

func (h *Handler) eventToStruct(event domain.Event) *structpb.Struct {
	selfID := h.chatSvc.Self().ID
	var data map[string]interface{}

	switch e := event.(type) {
	case domain.MessageUpsertedEvent:
		data = map[string]interface{}{
			"message":     messageToMap(e.Message, selfID),
			"replaced_id": e.ReplacedID,
		}
	case domain.MessageReadEvent:
		data = map[string]interface{}{
			"chat_id":     e.ChatID,
			"message_ids": stringList(e.MessageIDs),
			"reader_id":   e.ReaderID,
		}
	case domain.MessageFailedEvent:
		data = map[string]interface{}{
			"message": messageToMap(e.Message, selfID),
			"reason":  e.Reason,
		}
	case domain.ChatUpdatedEvent:
		data = map[string]interface{}{"chat": chatToMap(&e.Chat, selfID)}
	case domain.TypingChangedEvent:
		users := make([]interface{}, len(e.Typing))
		for i, sig := range e.Typing {
			users[i] = map[string]interface{}{"user_id": sig.UserID, "full_name": sig.FullName}
		}
		data = map[string]interface{}{"chat_id": e.ChatID, "users": users}
	case domain.ConnectionStatusEvent:
		data = map[string]interface{}{"connected": e.Connected, "reason": e.Reason}
	case domain.FetchFailedEvent:
		data = map[string]interface{}{"chat_id": e.ChatID, "error": e.Err}
	default:
		return nil
	}

	out, err := structpb.NewStruct(map[string]interface{}{
		"type":      string(event.Type()),
		"timestamp": formatTime(event.Timestamp()),
		"data":      data,
	})
	if err != nil {
		return nil
	}
	return out
}
