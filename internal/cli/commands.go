package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
	"github.com/clippy-oss/homie/craftworks-chat/internal/service"
	"github.com/clippy-oss/homie/craftworks-chat/internal/store"
)

// CommandHandler handles CLI commands
type CommandHandler struct {
	chatSvc  *service.ChatService
	msgSvc   *service.MessageService
	eventBus domain.EventBus

	mu   sync.Mutex
	subs map[<-chan Event]<-chan domain.Event
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(chatSvc *service.ChatService, msgSvc *service.MessageService, eventBus domain.EventBus) *CommandHandler {
	return &CommandHandler{
		chatSvc:  chatSvc,
		msgSvc:   msgSvc,
		eventBus: eventBus,
		subs:     make(map[<-chan Event]<-chan domain.Event),
	}
}

// Command represents a parsed command
type Command struct {
	Name string
	Args []string
}

// ParseCommand parses a command string (e.g., "/send See you at 9")
func ParseCommand(input string) (*Command, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("empty command")
	}

	if !strings.HasPrefix(input, "/") {
		return nil, fmt.Errorf("commands must start with /")
	}

	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	name := strings.TrimPrefix(parts[0], "/")
	args := parts[1:]

	return &Command{Name: name, Args: args}, nil
}

// Execute executes a command and returns the result
func (h *CommandHandler) Execute(ctx context.Context, cmd *Command) (interface{}, error) {
	switch cmd.Name {
	case "help", "h":
		return h.cmdHelp()
	case "status", "s":
		return h.cmdStatus()
	case "connect", "c":
		return h.cmdConnect(ctx)
	case "disconnect", "d":
		return h.cmdDisconnect()
	case "chats", "ls":
		return h.cmdChats(ctx, cmd.Args)
	case "open", "o":
		return h.cmdOpen(ctx, cmd.Args)
	case "messages", "msg":
		return h.cmdMessages(ctx, cmd.Args)
	case "send":
		return h.cmdSend(ctx, "", cmd.Args)
	case "sendto":
		if len(cmd.Args) < 1 {
			return nil, fmt.Errorf("usage: /sendto <chat_id> <text>")
		}
		return h.cmdSend(ctx, cmd.Args[0], cmd.Args[1:])
	case "image", "img":
		return h.cmdImage(ctx, cmd.Args)
	case "read":
		return h.cmdRead(ctx, cmd.Args)
	case "typing", "t":
		return h.cmdTyping(ctx, cmd.Args)
	case "who":
		return h.cmdWho(cmd.Args)
	case "resend":
		return h.cmdResend(ctx, cmd.Args)
	case "retry":
		return h.cmdRetry(ctx)
	case "search":
		return h.cmdSearch(ctx, cmd.Args)
	case "quit", "exit", "q":
		return map[string]bool{"quit": true}, nil
	default:
		return nil, fmt.Errorf("unknown command: %s. Type /help for available commands", cmd.Name)
	}
}

func (h *CommandHandler) cmdHelp() (interface{}, error) {
	help := `Available commands:

Connection:
  /status, /s              Show connection status
  /connect, /c             Connect to the chat server
  /disconnect, /d          Disconnect from the chat server

Conversations:
  /chats, /ls [page]       List conversations
  /open, /o <chat_id>      Open a conversation and load its latest messages
  /messages, /msg [chat_id] [limit]  Show messages (open chat, or history of another)
  /read [chat_id]          Mark a conversation as read
  /retry                   Reload the open conversation after a failed fetch

Sending:
  /send <text>             Send a message to the open conversation
  /sendto <chat_id> <text> Send a message to a conversation
  /image, /img <path> [chat_id]  Upload and send an image
  /resend <message_id>     Send a failed message again
  /typing, /t [chat_id]    Signal that you are typing
  /who [chat_id]           Show who is typing

Other:
  /search <query> [limit]  Search message history
  /help, /h                Show this help
  /quit, /exit, /q         Exit the CLI`

	return map[string]string{"help": help}, nil
}

func (h *CommandHandler) cmdStatus() (interface{}, error) {
	connected := h.chatSvc.IsConnected()

	status := "disconnected"
	if connected {
		status = "connected"
	}

	return ConnectionStatus{
		Connected:    connected,
		ActiveChat:   h.chatSvc.ActiveChat(),
		PendingSends: h.chatSvc.PendingSends(),
		Status:       status,
	}, nil
}

func (h *CommandHandler) cmdConnect(ctx context.Context) (interface{}, error) {
	if err := h.chatSvc.Connect(ctx); err != nil {
		return nil, fmt.Errorf("%w (retrying in the background)", err)
	}
	return map[string]string{"message": "Connected to chat server"}, nil
}

func (h *CommandHandler) cmdDisconnect() (interface{}, error) {
	if err := h.chatSvc.Disconnect(); err != nil {
		return nil, fmt.Errorf("failed to disconnect: %w", err)
	}
	return map[string]string{"message": "Disconnected from chat server"}, nil
}

func (h *CommandHandler) cmdChats(ctx context.Context, args []string) (interface{}, error) {
	page := 1
	if len(args) > 0 {
		if p, err := strconv.Atoi(args[0]); err == nil && p > 0 {
			page = p
		}
	}

	chats, pagination, err := h.chatSvc.LoadChats(ctx, page)
	if err != nil {
		return nil, err
	}

	selfID := h.chatSvc.Self().ID
	result := make([]ChatInfo, len(chats))
	for i, chat := range chats {
		result[i] = newChatInfo(chat, selfID)
	}

	return map[string]interface{}{
		"chats":    result,
		"count":    len(result),
		"page":     page,
		"has_more": pagination.HasMore(),
	}, nil
}

func (h *CommandHandler) cmdOpen(ctx context.Context, args []string) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("usage: /open <chat_id>")
	}

	messages, err := h.chatSvc.OpenChat(ctx, args[0])
	if err != nil && messages == nil {
		if errors.Is(err, store.ErrStale) {
			return map[string]interface{}{"message": "Conversation changed before the page arrived"}, nil
		}
		return nil, fmt.Errorf("%w (use /retry)", err)
	}

	result := map[string]interface{}{
		"chat_id":  args[0],
		"messages": h.messageInfos(messages),
		"count":    len(messages),
	}
	if err != nil {
		result["error"] = err.Error()
	}
	return result, nil
}

func (h *CommandHandler) cmdMessages(ctx context.Context, args []string) (interface{}, error) {
	chatID := h.chatSvc.ActiveChat()
	if len(args) > 0 {
		chatID = args[0]
	}
	if chatID == "" {
		return nil, fmt.Errorf("usage: /messages <chat_id> [limit]")
	}

	limit := 50
	if len(args) > 1 {
		if l, err := strconv.Atoi(args[1]); err == nil && l > 0 {
			limit = l
		}
	}

	if chatID == h.chatSvc.ActiveChat() {
		messages := h.chatSvc.Messages()
		if len(messages) > limit {
			messages = messages[len(messages)-limit:]
		}
		return map[string]interface{}{"messages": h.messageInfos(messages), "count": len(messages)}, nil
	}

	stored, err := h.msgSvc.GetMessages(ctx, chatID, limit, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	messages := make([]domain.Message, len(stored))
	// history comes newest first
	for i, msg := range stored {
		messages[len(stored)-1-i] = *msg
	}
	return map[string]interface{}{"messages": h.messageInfos(messages), "count": len(messages)}, nil
}

func (h *CommandHandler) cmdSend(ctx context.Context, chatID string, args []string) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("usage: /send <text>")
	}

	text := strings.Join(args, " ")

	msg, err := h.chatSvc.SendText(ctx, chatID, text)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	return newMessageInfo(msg, h.chatSvc.Self().ID), nil
}

func (h *CommandHandler) cmdImage(ctx context.Context, args []string) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("usage: /image <path> [chat_id]")
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	chatID := ""
	if len(args) > 1 {
		chatID = args[1]
	}

	res, err := h.chatSvc.SendImage(ctx, chatID, filepath.Base(args[0]), data)
	if err != nil {
		return nil, fmt.Errorf("failed to send image: %w", err)
	}

	result := map[string]interface{}{"url": res.URL}
	if res.Message != nil {
		result["message"] = newMessageInfo(*res.Message, h.chatSvc.Self().ID)
	}
	return result, nil
}

func (h *CommandHandler) cmdRead(ctx context.Context, args []string) (interface{}, error) {
	chatID := ""
	if len(args) > 0 {
		chatID = args[0]
	}

	if err := h.msgSvc.MarkAsRead(ctx, chatID); err != nil {
		return nil, fmt.Errorf("failed to mark as read: %w", err)
	}

	return map[string]string{"message": "Conversation marked as read"}, nil
}

func (h *CommandHandler) cmdTyping(ctx context.Context, args []string) (interface{}, error) {
	chatID := ""
	if len(args) > 0 {
		chatID = args[0]
	}
	if err := h.chatSvc.Typing(ctx, chatID); err != nil {
		return nil, err
	}
	return map[string]string{"message": "Typing"}, nil
}

func (h *CommandHandler) cmdWho(args []string) (interface{}, error) {
	chatID := h.chatSvc.ActiveChat()
	if len(args) > 0 {
		chatID = args[0]
	}
	if chatID == "" {
		return nil, fmt.Errorf("usage: /who <chat_id>")
	}
	return newTypingInfo(chatID, h.chatSvc.TypingIn(chatID)), nil
}

func (h *CommandHandler) cmdResend(ctx context.Context, args []string) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("usage: /resend <message_id>")
	}

	msg, err := h.chatSvc.Resend(ctx, args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to resend: %w", err)
	}

	return newMessageInfo(msg, h.chatSvc.Self().ID), nil
}

func (h *CommandHandler) cmdRetry(ctx context.Context) (interface{}, error) {
	messages, err := h.chatSvc.Retry(ctx)
	if err != nil {
		return nil, fmt.Errorf("retry failed: %w", err)
	}
	return map[string]interface{}{"messages": h.messageInfos(messages), "count": len(messages)}, nil
}

func (h *CommandHandler) cmdSearch(ctx context.Context, args []string) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("usage: /search <query> [limit]")
	}

	query := args[0]
	limit := 20

	// Check if last arg is a number (limit)
	if len(args) > 1 {
		if l, err := strconv.Atoi(args[len(args)-1]); err == nil && l > 0 {
			limit = l
			query = strings.Join(args[:len(args)-1], " ")
		} else {
			query = strings.Join(args, " ")
		}
	}

	stored, err := h.msgSvc.SearchMessages(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	messages := make([]domain.Message, len(stored))
	for i, msg := range stored {
		messages[i] = *msg
	}

	return map[string]interface{}{
		"query":    query,
		"messages": h.messageInfos(messages),
		"count":    len(messages),
	}, nil
}

func (h *CommandHandler) messageInfos(messages []domain.Message) []MessageInfo {
	selfID := h.chatSvc.Self().ID
	result := make([]MessageInfo, len(messages))
	for i, msg := range messages {
		result[i] = newMessageInfo(msg, selfID)
	}
	return result
}

// SubscribeEvents subscribes to chat events
func (h *CommandHandler) SubscribeEvents(eventTypes []domain.EventType) <-chan Event {
	if len(eventTypes) == 0 {
		eventTypes = []domain.EventType{
			domain.EventTypeMessageUpserted,
			domain.EventTypeMessageRead,
			domain.EventTypeMessageFailed,
			domain.EventTypeChatUpdated,
			domain.EventTypeTypingChanged,
			domain.EventTypeConnectionStatus,
			domain.EventTypeFetchFailed,
		}
	}

	domainChan := h.eventBus.Subscribe(eventTypes)
	resultChan := make(chan Event)

	h.mu.Lock()
	h.subs[resultChan] = domainChan
	h.mu.Unlock()

	selfID := h.chatSvc.Self().ID
	go func() {
		defer close(resultChan)
		for evt := range domainChan {
			if event, ok := toEvent(evt, selfID); ok {
				resultChan <- event
			}
		}
	}()

	return resultChan
}

// UnsubscribeEvents unsubscribes from events. Events already queued are
// still delivered; the channel is closed after the last one, so readers
// should keep ranging over it.
func (h *CommandHandler) UnsubscribeEvents(ch <-chan Event) {
	h.mu.Lock()
	domainChan, ok := h.subs[ch]
	delete(h.subs, ch)
	h.mu.Unlock()
	if ok {
		h.eventBus.Unsubscribe(domainChan)
	}
}

func toEvent(evt domain.Event, selfID string) (Event, bool) {
	var eventType string
	var data interface{}

	switch e := evt.(type) {
	case domain.MessageUpsertedEvent:
		eventType = "message_upserted"
		info := newMessageInfo(e.Message, selfID)
		data = map[string]interface{}{"message": info, "replaced_id": e.ReplacedID}
	case domain.MessageReadEvent:
		eventType = "message_read"
		data = map[string]interface{}{
			"chat_id":     e.ChatID,
			"message_ids": e.MessageIDs,
			"reader_id":   e.ReaderID,
		}
	case domain.MessageFailedEvent:
		eventType = "message_failed"
		data = map[string]interface{}{"message": newMessageInfo(e.Message, selfID), "reason": e.Reason}
	case domain.ChatUpdatedEvent:
		eventType = "chat_updated"
		data = newChatInfo(e.Chat, selfID)
	case domain.TypingChangedEvent:
		eventType = "typing_changed"
		data = newTypingInfo(e.ChatID, e.Typing)
	case domain.ConnectionStatusEvent:
		eventType = "connection_status"
		data = map[string]interface{}{
			"connected": e.Connected,
			"reason":    e.Reason,
		}
	case domain.FetchFailedEvent:
		eventType = "fetch_failed"
		data = map[string]interface{}{"chat_id": e.ChatID, "error": e.Err}
	default:
		return Event{}, false
	}

	ts := evt.Timestamp()
	if ts.IsZero() {
		ts = time.Now()
	}
	return Event{Type: eventType, Timestamp: ts, Data: data}, true
}
