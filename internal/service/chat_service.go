package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clippy-oss/homie/craftworks-chat/internal/backend"
	"github.com/clippy-oss/homie/craftworks-chat/internal/channel"
	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
	"github.com/clippy-oss/homie/craftworks-chat/internal/metrics"
	"github.com/clippy-oss/homie/craftworks-chat/internal/normalize"
	"github.com/clippy-oss/homie/craftworks-chat/internal/presence"
	"github.com/clippy-oss/homie/craftworks-chat/internal/reconcile"
	"github.com/clippy-oss/homie/craftworks-chat/internal/repository"
	"github.com/clippy-oss/homie/craftworks-chat/internal/sender"
	"github.com/clippy-oss/homie/craftworks-chat/internal/store"
)

// Backend is the REST side of the chat API.
type Backend interface {
	Chats(ctx context.Context, page, limit int) ([]domain.Payload, backend.Pagination, error)
	Messages(ctx context.Context, chatID string, page, limit int) ([]domain.Payload, error)
	MarkRead(ctx context.Context, chatID string) error
	sender.Uploader
}

// Identity is the signed-in user, supplied by configuration.
type Identity struct {
	ID       string
	FullName string
	Avatar   string
	Role     domain.Role
}

func (i Identity) Summary() domain.UserSummary {
	return domain.UserSummary{ID: i.ID, FullName: i.FullName, Avatar: i.Avatar, Role: i.Role}
}

type ChatServiceConfig struct {
	PageSize       int
	MatchWindow    time.Duration
	TypingExpiry   time.Duration
	TypingIdle     time.Duration
	PendingTimeout time.Duration
}

type ChatService struct {
	self       domain.UserSummary
	channel    channel.Channel
	backend    Backend
	store      *store.Store
	engine     *reconcile.Engine
	normalizer *normalize.Normalizer
	tracker    *presence.Tracker
	typist     *presence.Typist
	sender     *sender.Controller
	eventBus   domain.EventBus
	msgRepo    repository.MessageRepository
	chatRepo   repository.ChatRepository
	metrics    *metrics.Metrics
	config     ChatServiceConfig
	logger     zerolog.Logger

	mu     sync.Mutex
	unsubs []func()
}

func NewChatService(
	identity Identity,
	ch channel.Channel,
	be Backend,
	eventBus domain.EventBus,
	msgRepo repository.MessageRepository,
	chatRepo repository.ChatRepository,
	m *metrics.Metrics,
	config ChatServiceConfig,
	logger zerolog.Logger,
) *ChatService {
	if config.PageSize <= 0 {
		config.PageSize = 50
	}
	st := store.New()
	opts := []reconcile.Option{
		reconcile.WithMetrics(m),
		reconcile.WithLogger(logger),
		reconcile.WithSelf(identity.Summary()),
	}
	if config.MatchWindow > 0 {
		opts = append(opts, reconcile.WithMatchWindow(config.MatchWindow))
	}
	engine := reconcile.New(st, opts...)
	norm := normalize.New(logger)
	typist := presence.NewTypist(ch, config.TypingIdle, logger)

	s := &ChatService{
		self:       identity.Summary(),
		channel:    ch,
		backend:    be,
		store:      st,
		engine:     engine,
		normalizer: norm,
		tracker:    presence.NewTracker(config.TypingExpiry),
		typist:     typist,
		eventBus:   eventBus,
		msgRepo:    msgRepo,
		chatRepo:   chatRepo,
		metrics:    m,
		config:     config,
		logger:     logger,
	}
	s.sender = sender.New(sender.Deps{
		Self:       s.self,
		Store:      st,
		Engine:     engine,
		Channel:    ch,
		Uploader:   be,
		Normalizer: norm,
		Typist:     typist,
		Bus:        eventBus,
		Metrics:    m,
		Logger:     logger,
	}, sender.Config{PendingTimeout: config.PendingTimeout})

	s.unsubs = []func(){
		ch.OnNewMessage(s.handleNewMessage),
		ch.OnMessageRead(s.handleMessageRead),
		ch.OnChatUpdated(s.handleChatUpdated),
		ch.OnTypingStart(s.handleTypingStart),
		ch.OnTypingStop(s.handleTypingStop),
		ch.OnConnectionChange(s.handleConnectionChange),
		s.tracker.OnChange(s.handleTypingChange),
	}
	return s
}

func (s *ChatService) Self() domain.UserSummary {
	return s.self
}

// Connect opens the real-time channel. The channel keeps retrying in the
// background when the first attempt fails.
func (s *ChatService) Connect(ctx context.Context) error {
	if err := s.channel.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

func (s *ChatService) Disconnect() error {
	return s.channel.Disconnect()
}

func (s *ChatService) IsConnected() bool {
	return s.channel.IsConnected()
}

// Close detaches from the channel and stops every timer.
func (s *ChatService) Close() error {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
	s.sender.Close()
	s.typist.Close()
	s.tracker.Close()
	return s.channel.Disconnect()
}

// LoadChats fetches one page of the conversation list. When the backend is
// unreachable the local mirror is served instead.
func (s *ChatService) LoadChats(ctx context.Context, page int) ([]domain.Chat, backend.Pagination, error) {
	if page < 1 {
		page = 1
	}
	raws, pagination, err := s.backend.Chats(ctx, page, s.config.PageSize)
	if err != nil {
		cached, cacheErr := s.chatRepo.GetAll(ctx, s.config.PageSize, (page-1)*s.config.PageSize)
		if cacheErr != nil || len(cached) == 0 {
			return nil, backend.Pagination{}, fmt.Errorf("failed to load chats: %w", err)
		}
		s.logger.Warn().Err(err).Int("cached", len(cached)).Msg("Serving chats from local mirror")
		chats := make([]domain.Chat, len(cached))
		for i, c := range cached {
			chats[i] = *c
		}
		s.store.UpsertChats(chats)
		return chats, backend.Pagination{Page: page, Limit: s.config.PageSize, Total: len(chats), Pages: 1}, nil
	}

	chats := make([]domain.Chat, 0, len(raws))
	for _, raw := range raws {
		c, err := s.normalizer.Chat(raw)
		if err != nil {
			s.metrics.ObserveDropped("chat")
			s.logger.Warn().Err(err).Msg("Dropping malformed chat")
			continue
		}
		chats = append(chats, c)
	}
	s.store.UpsertChats(chats)
	for i := range chats {
		if err := s.chatRepo.Upsert(ctx, &chats[i]); err != nil {
			s.logger.Warn().Err(err).Str("chat_id", chats[i].ID).Msg("Failed to mirror chat")
		}
	}
	return chats, pagination, nil
}

func (s *ChatService) Chats() []domain.Chat {
	return s.store.Chats()
}

func (s *ChatService) Chat(chatID string) (domain.Chat, bool) {
	return s.store.Chat(chatID)
}

// OpenChat makes chatID the active conversation and seeds it with the first
// page. It returns store.ErrStale when another conversation was opened
// before the page arrived.
func (s *ChatService) OpenChat(ctx context.Context, chatID string) ([]domain.Message, error) {
	if chatID == "" {
		return nil, sender.ErrNoConversation
	}
	gen := s.store.SetActiveConversation(chatID)
	s.logger.Debug().Str("chat_id", chatID).Uint64("generation", gen).Msg("Opened conversation")
	return s.fetch(ctx, chatID, gen)
}

// Retry re-runs the page fetch of the active conversation.
func (s *ChatService) Retry(ctx context.Context) ([]domain.Message, error) {
	chatID, gen := s.store.Active()
	if chatID == "" {
		return nil, sender.ErrNoConversation
	}
	return s.fetch(ctx, chatID, gen)
}

func (s *ChatService) fetch(ctx context.Context, chatID string, gen uint64) ([]domain.Message, error) {
	raws, err := s.backend.Messages(ctx, chatID, 1, s.config.PageSize)
	if err != nil {
		return s.fetchFailed(ctx, chatID, gen, err)
	}

	msgs := s.normalizer.Messages(raws)
	for i := range msgs {
		if msgs[i].ChatID == "" {
			msgs[i].ChatID = chatID
		}
	}
	if _, err := s.engine.ApplyPage(chatID, gen, msgs); err != nil {
		if errors.Is(err, store.ErrStale) {
			s.logger.Debug().Str("chat_id", chatID).Msg("Discarding page for a conversation that is no longer open")
		}
		return nil, err
	}
	s.store.SetFetchError(chatID, nil)

	for i := range msgs {
		if err := s.msgRepo.Upsert(ctx, &msgs[i]); err != nil {
			s.logger.Warn().Err(err).Str("message_id", msgs[i].ID).Msg("Failed to mirror message")
		}
	}
	return s.store.Messages(), nil
}

// fetchFailed records the conversation-level error and shows whatever the
// local mirror holds for the conversation.
func (s *ChatService) fetchFailed(ctx context.Context, chatID string, gen uint64, cause error) ([]domain.Message, error) {
	if active, current := s.store.Active(); active != chatID || current != gen {
		return nil, store.ErrStale
	}
	err := fmt.Errorf("failed to load messages: %w", cause)
	s.store.SetFetchError(chatID, err)
	s.eventBus.Publish(domain.FetchFailedEvent{
		ChatID:    chatID,
		Err:       err.Error(),
		EventTime: time.Now(),
	})
	s.logger.Warn().Err(cause).Str("chat_id", chatID).Msg("Message page fetch failed")

	cached, cacheErr := s.msgRepo.GetByChatID(ctx, chatID, s.config.PageSize, 0)
	if cacheErr != nil || len(cached) == 0 {
		return nil, err
	}
	msgs := make([]domain.Message, len(cached))
	for i, m := range cached {
		msgs[i] = *m
	}
	if _, applyErr := s.engine.ApplyPage(chatID, gen, msgs); applyErr != nil {
		return nil, err
	}
	return s.store.Messages(), err
}

func (s *ChatService) ActiveChat() string {
	chatID, _ := s.store.Active()
	return chatID
}

// Messages returns the active conversation's messages in display order.
func (s *ChatService) Messages() []domain.Message {
	return s.store.Messages()
}

func (s *ChatService) FetchError(chatID string) error {
	return s.store.FetchError(chatID)
}

// MarkRead acknowledges a conversation as read by the current user.
func (s *ChatService) MarkRead(ctx context.Context, chatID string) error {
	if chatID == "" {
		chatID = s.ActiveChat()
	}
	if chatID == "" {
		return sender.ErrNoConversation
	}
	if err := s.backend.MarkRead(ctx, chatID); err != nil {
		return fmt.Errorf("failed to mark read: %w", err)
	}

	ids := s.engine.ApplyReceipt(domain.Receipt{ChatID: chatID, ReaderID: s.self.ID, ReadAt: time.Now()})
	s.mirrorMessages(ctx, ids)
	s.mirrorChat(ctx, chatID)

	s.eventBus.Publish(domain.MessageReadEvent{
		ChatID:     chatID,
		MessageIDs: ids,
		ReaderID:   s.self.ID,
		EventTime:  time.Now(),
	})
	s.publishChat(chatID)
	return nil
}

func (s *ChatService) SendText(ctx context.Context, chatID, content string) (domain.Message, error) {
	if chatID == "" {
		chatID = s.ActiveChat()
	}
	return s.sender.SendText(ctx, chatID, content)
}

func (s *ChatService) SendImage(ctx context.Context, chatID, filename string, data []byte) (sender.ImageResult, error) {
	if chatID == "" {
		chatID = s.ActiveChat()
	}
	res, err := s.sender.SendImage(ctx, chatID, filename, data)
	if err != nil {
		return res, err
	}
	if res.Message != nil {
		s.mirrorMessage(ctx, *res.Message)
		s.mirrorChat(ctx, res.Message.ChatID)
	}
	return res, nil
}

func (s *ChatService) Resend(ctx context.Context, id string) (domain.Message, error) {
	return s.sender.Resend(ctx, id)
}

// PendingSends returns the number of provisional messages still waiting
// for their confirmation.
func (s *ChatService) PendingSends() int {
	return s.sender.Pending()
}

// Typing notes a local keystroke in chatID.
func (s *ChatService) Typing(ctx context.Context, chatID string) error {
	if chatID == "" {
		chatID = s.ActiveChat()
	}
	if chatID == "" {
		return sender.ErrNoConversation
	}
	s.typist.Keystroke(ctx, chatID)
	return nil
}

func (s *ChatService) StopTyping(ctx context.Context) {
	s.typist.Stop(ctx)
}

// TypingIn returns who is typing in chatID right now.
func (s *ChatService) TypingIn(chatID string) []domain.TypingSignal {
	return s.tracker.Active(chatID)
}

func (s *ChatService) handleNewMessage(p domain.Payload) {
	msg, err := s.normalizer.Message(p)
	if err != nil {
		s.metrics.ObserveDropped(string(channel.EventNewMessage))
		s.logger.Warn().Err(err).Msg("Dropping malformed message event")
		return
	}

	res, err := s.engine.Apply(msg)
	if err != nil {
		s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to apply message")
		return
	}

	ctx := context.Background()
	// A message from someone ends their typing indicator.
	s.tracker.Clear(msg.ChatID, msg.Sender.ID)

	if res.Summary != nil {
		s.mirrorMessage(ctx, msg)
		s.mirrorChat(ctx, msg.ChatID)
		s.eventBus.Publish(domain.ChatUpdatedEvent{Chat: *res.Summary, EventTime: time.Now()})
		return
	}

	switch res.Decision.Action {
	case store.Ignore:
		return
	case store.Replace:
		s.sender.Settle(res.Decision.ReplacedID)
	}

	s.mirrorMessage(ctx, msg)
	s.mirrorChat(ctx, msg.ChatID)
	s.eventBus.Publish(domain.MessageUpsertedEvent{
		Message:    msg,
		ReplacedID: res.Decision.ReplacedID,
		EventTime:  time.Now(),
	})
}

func (s *ChatService) handleMessageRead(p domain.Payload) {
	r, err := s.normalizer.Receipt(p)
	if err != nil {
		s.metrics.ObserveDropped(string(channel.EventMessageRead))
		s.logger.Warn().Err(err).Msg("Dropping malformed read receipt")
		return
	}

	ids := s.engine.ApplyReceipt(r)
	ctx := context.Background()
	s.mirrorMessages(ctx, ids)
	s.mirrorChat(ctx, r.ChatID)

	// messages outside the open conversation only exist in the mirror
	if r.ReaderID != s.self.ID {
		if missing := without(r.MessageIDs, ids); len(missing) > 0 {
			if err := s.msgRepo.UpdateStatus(ctx, missing, domain.StatusRead); err != nil {
				s.logger.Warn().Err(err).Str("chat_id", r.ChatID).Msg("Failed to mirror read receipt")
			}
		}
	}

	s.eventBus.Publish(domain.MessageReadEvent{
		ChatID:     r.ChatID,
		MessageIDs: ids,
		ReaderID:   r.ReaderID,
		EventTime:  time.Now(),
	})
}

func (s *ChatService) handleChatUpdated(p domain.Payload) {
	c, err := s.normalizer.Chat(p)
	if err != nil {
		s.metrics.ObserveDropped(string(channel.EventChatUpdated))
		s.logger.Warn().Err(err).Msg("Dropping malformed chat update")
		return
	}

	updated := s.engine.ApplyChatUpdate(c)
	if err := s.chatRepo.Upsert(context.Background(), &updated); err != nil {
		s.logger.Warn().Err(err).Str("chat_id", updated.ID).Msg("Failed to mirror chat")
	}
	s.eventBus.Publish(domain.ChatUpdatedEvent{Chat: updated, EventTime: time.Now()})
}

func (s *ChatService) handleTypingStart(p domain.Payload) {
	sig, ok := s.typingSignal(p, channel.EventTypingStart)
	if !ok {
		return
	}
	s.tracker.Record(sig)
}

func (s *ChatService) handleTypingStop(p domain.Payload) {
	sig, ok := s.typingSignal(p, channel.EventTypingStop)
	if !ok {
		return
	}
	s.tracker.Clear(sig.ChatID, sig.UserID)
}

func (s *ChatService) typingSignal(p domain.Payload, ev channel.Event) (domain.TypingSignal, bool) {
	sig, err := s.normalizer.Typing(p)
	if err != nil {
		s.metrics.ObserveDropped(string(ev))
		s.logger.Warn().Err(err).Str("event", string(ev)).Msg("Dropping malformed typing event")
		return domain.TypingSignal{}, false
	}
	// our own typing echoed back
	if sig.UserID == s.self.ID {
		return domain.TypingSignal{}, false
	}
	return sig, true
}

func (s *ChatService) handleTypingChange(chatID string, active []domain.TypingSignal) {
	s.metrics.SetTypingActive(s.tracker.Count())
	s.eventBus.Publish(domain.TypingChangedEvent{
		ChatID:    chatID,
		Typing:    active,
		EventTime: time.Now(),
	})
}

func (s *ChatService) handleConnectionChange(connected bool) {
	reason := ""
	if !connected {
		reason = "disconnected"
	}
	s.logger.Info().Bool("connected", connected).Msg("Connection status changed")
	s.eventBus.Publish(domain.ConnectionStatusEvent{
		Connected: connected,
		Reason:    reason,
		EventTime: time.Now(),
	})
}

func (s *ChatService) mirrorMessage(ctx context.Context, msg domain.Message) {
	if err := s.msgRepo.Upsert(ctx, &msg); err != nil {
		s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to mirror message")
	}
}

func (s *ChatService) mirrorMessages(ctx context.Context, ids []string) {
	for _, id := range ids {
		if msg, ok := s.store.Find(id); ok {
			s.mirrorMessage(ctx, msg)
		}
	}
}

func (s *ChatService) mirrorChat(ctx context.Context, chatID string) {
	chat, ok := s.store.Chat(chatID)
	if !ok {
		return
	}
	if err := s.chatRepo.Upsert(ctx, &chat); err != nil {
		s.logger.Warn().Err(err).Str("chat_id", chatID).Msg("Failed to mirror chat")
	}
}

func (s *ChatService) publishChat(chatID string) {
	if chat, ok := s.store.Chat(chatID); ok {
		s.eventBus.Publish(domain.ChatUpdatedEvent{Chat: chat, EventTime: time.Now()})
	}
}

func without(ids, drop []string) []string {
	seen := make(map[string]bool, len(drop))
	for _, id := range drop {
		seen[id] = true
	}
	var out []string
	for _, id := range ids {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}
