package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
	"github.com/clippy-oss/homie/craftworks-chat/internal/store"
)

func (s *Server) handleListChats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	page := request.GetInt("page", 1)
	if page <= 0 {
		page = 1
	}

	chats, pagination, err := s.chatSvc.LoadChats(ctx, page)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get chats: %v", err)), nil
	}

	if len(chats) == 0 {
		return mcp.NewToolResultText("No conversations found."), nil
	}

	selfID := s.chatSvc.Self().ID
	var result strings.Builder
	result.WriteString(fmt.Sprintf("Found %d chat(s):\n\n", len(chats)))

	for i, chat := range chats {
		peer := chat.Peer(selfID)
		result.WriteString(fmt.Sprintf("%d. %s (%s)\n", i+1, peer.DisplayName(), peer.Role))
		result.WriteString(fmt.Sprintf("   ID: %s\n", chat.ID))

		if unread := chat.UnreadFor(selfID); unread > 0 {
			result.WriteString(fmt.Sprintf("   Unread: %d message(s)\n", unread))
		}

		if chat.LastMessageText != "" {
			result.WriteString(fmt.Sprintf("   Last: %s\n", truncate(chat.LastMessageText, 60)))
			if !chat.LastMessageTime.IsZero() {
				result.WriteString(fmt.Sprintf("   Time: %s\n", chat.LastMessageTime.Format("2006-01-02 15:04")))
			}
		}
		result.WriteString("\n")
	}
	if pagination.HasMore() {
		result.WriteString(fmt.Sprintf("More conversations on page %d.\n", page+1))
	}

	return mcp.NewToolResultText(result.String()), nil
}

func (s *Server) handleOpenChat(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chatID := request.GetString("chat_id", "")
	if chatID == "" {
		return mcp.NewToolResultError("chat_id is required"), nil
	}

	messages, err := s.chatSvc.OpenChat(ctx, chatID)
	if errors.Is(err, store.ErrStale) {
		return mcp.NewToolResultText("Another conversation was opened before this one finished loading."), nil
	}
	if err != nil && messages == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load %s: %v. Call chat_open again to retry.", chatID, err)), nil
	}

	text := s.formatMessages(chatID, messages)
	if err != nil {
		text += fmt.Sprintf("\nShowing cached history only: %v\n", err)
	}
	return mcp.NewToolResultText(text), nil
}

func (s *Server) handleGetMessages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chatID := request.GetString("chat_id", s.chatSvc.ActiveChat())
	if chatID == "" {
		return mcp.NewToolResultError("chat_id is required when no conversation is open"), nil
	}

	limit := request.GetInt("limit", 50)
	if limit > 200 {
		limit = 200
	}
	if limit <= 0 {
		limit = 50
	}

	var messages []domain.Message
	if chatID == s.chatSvc.ActiveChat() {
		messages = s.chatSvc.Messages()
		if len(messages) > limit {
			messages = messages[len(messages)-limit:]
		}
	} else {
		stored, err := s.msgSvc.GetMessages(ctx, chatID, limit, 0)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get messages: %v", err)), nil
		}
		messages = make([]domain.Message, len(stored))
		for i, msg := range stored {
			messages[len(stored)-1-i] = *msg
		}
	}

	if len(messages) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No messages found in chat %s", chatID)), nil
	}

	return mcp.NewToolResultText(s.formatMessages(chatID, messages)), nil
}

func (s *Server) formatMessages(chatID string, messages []domain.Message) string {
	selfID := s.chatSvc.Self().ID
	var result strings.Builder
	result.WriteString(fmt.Sprintf("Messages from %s (%d):\n\n", chatID, len(messages)))

	for _, msg := range messages {
		sender := "Me"
		if msg.Sender.ID != selfID {
			sender = msg.Sender.DisplayName()
		}

		status := string(msg.Status)
		if msg.Provisional && msg.Status == domain.StatusSent {
			status = "sending"
		}

		result.WriteString(fmt.Sprintf("[%s] %s (%s):\n", msg.CreatedAt.Format("2006-01-02 15:04"), sender, status))
		if msg.Kind == domain.MessageKindImage {
			result.WriteString(fmt.Sprintf("  [Image] %s\n", msg.Content))
		} else {
			result.WriteString(fmt.Sprintf("  %s\n", msg.Content))
		}
		result.WriteString(fmt.Sprintf("  ID: %s\n\n", msg.ID))
	}
	return result.String()
}

func (s *Server) handleSendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text := request.GetString("text", "")
	if text == "" {
		return mcp.NewToolResultError("text is required"), nil
	}
	chatID := request.GetString("chat_id", "")

	msg, err := s.chatSvc.SendText(ctx, chatID, text)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to send message: %v", err)), nil
	}

	delivery := "queued until the connection is back"
	if s.chatSvc.IsConnected() {
		delivery = "handed to the server"
	}
	return mcp.NewToolResultText(fmt.Sprintf("Message %s\nID: %s\nTimestamp: %s\nTo: %s",
		delivery, msg.ID, msg.CreatedAt.Format("2006-01-02 15:04:05"), msg.ChatID)), nil
}

func (s *Server) handleResend(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	messageID := request.GetString("message_id", "")
	if messageID == "" {
		return mcp.NewToolResultError("message_id is required"), nil
	}

	msg, err := s.chatSvc.Resend(ctx, messageID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resend: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Message sent again as %s", msg.ID)), nil
}

func (s *Server) handleMarkRead(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chatID := request.GetString("chat_id", s.chatSvc.ActiveChat())
	if chatID == "" {
		return mcp.NewToolResultError("chat_id is required when no conversation is open"), nil
	}

	if err := s.msgSvc.MarkAsRead(ctx, chatID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to mark as read: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Marked chat %s as read", chatID)), nil
}

func (s *Server) handleTypingStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chatID := request.GetString("chat_id", s.chatSvc.ActiveChat())
	if chatID == "" {
		return mcp.NewToolResultError("chat_id is required when no conversation is open"), nil
	}

	typing := s.chatSvc.TypingIn(chatID)
	if len(typing) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("Nobody is typing in %s", chatID)), nil
	}
	names := make([]string, len(typing))
	for i, sig := range typing {
		names[i] = sig.FullName
	}
	return mcp.NewToolResultText(fmt.Sprintf("Typing in %s: %s", chatID, strings.Join(names, ", "))), nil
}

func (s *Server) handleSearchMessages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}

	limit := request.GetInt("limit", 20)
	if limit > 100 {
		limit = 100
	}
	if limit <= 0 {
		limit = 20
	}

	messages, err := s.msgSvc.SearchMessages(ctx, query, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Search failed: %v", err)), nil
	}

	if len(messages) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No messages found matching '%s'", query)), nil
	}

	selfID := s.chatSvc.Self().ID
	var result strings.Builder
	result.WriteString(fmt.Sprintf("Search results for '%s' (%d found):\n\n", query, len(messages)))

	for i, msg := range messages {
		sender := "Me"
		if msg.Sender.ID != selfID {
			sender = msg.Sender.DisplayName()
		}

		result.WriteString(fmt.Sprintf("%d. [%s] %s:\n", i+1, msg.CreatedAt.Format("2006-01-02 15:04"), sender))
		result.WriteString(fmt.Sprintf("   Chat: %s\n", msg.ChatID))
		result.WriteString(fmt.Sprintf("   %s\n", truncate(msg.Content, 100)))
		result.WriteString(fmt.Sprintf("   ID: %s\n\n", msg.ID))
	}

	return mcp.NewToolResultText(result.String()), nil
}

func (s *Server) handleConnectionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	connected := s.chatSvc.IsConnected()

	status := "Disconnected"
	if connected {
		status = "Connected"
	}

	active := s.chatSvc.ActiveChat()
	if active == "" {
		active = "(none)"
	}
	return mcp.NewToolResultText(fmt.Sprintf("Chat Status: %s\nConnected: %v\nOpen chat: %s\nPending sends: %d",
		status, connected, active, s.chatSvc.PendingSends())), nil
}

func (s *Server) handleConnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	err := s.chatSvc.Connect(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to connect: %v. Retrying in the background.", err)), nil
	}

	return mcp.NewToolResultText("Successfully connected to the chat server"), nil
}

func (s *Server) handleDisconnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.chatSvc.Disconnect(); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to disconnect: %v", err)), nil
	}
	return mcp.NewToolResultText("Disconnected from the chat server"), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
