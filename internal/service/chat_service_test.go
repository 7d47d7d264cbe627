package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clippy-oss/homie/craftworks-chat/internal/backend"
	"github.com/clippy-oss/homie/craftworks-chat/internal/channel"
	"github.com/clippy-oss/homie/craftworks-chat/internal/channel/channeltest"
	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
	"github.com/clippy-oss/homie/craftworks-chat/internal/repository"
	"github.com/clippy-oss/homie/craftworks-chat/internal/store"
)

var (
	me   = Identity{ID: "u1", FullName: "Amira Client", Role: domain.RoleClient}
	omar = map[string]any{"_id": "u2", "fullName": "Omar Craftsman", "role": "craftsman"}
)

type fakeBackend struct {
	mu       sync.Mutex
	chats    []domain.Payload
	chatsErr error
	messages map[string][]domain.Payload
	msgErr   error
	gates    map[string]chan struct{}
	marked   []string
	uploaded int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		messages: make(map[string][]domain.Payload),
		gates:    make(map[string]chan struct{}),
	}
}

func (b *fakeBackend) Chats(_ context.Context, page, limit int) ([]domain.Payload, backend.Pagination, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.chatsErr != nil {
		return nil, backend.Pagination{}, b.chatsErr
	}
	return b.chats, backend.Pagination{Page: page, Limit: limit, Total: len(b.chats), Pages: 1}, nil
}

func (b *fakeBackend) Messages(ctx context.Context, chatID string, _, _ int) ([]domain.Payload, error) {
	b.mu.Lock()
	gate := b.gates[chatID]
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.msgErr != nil {
		return nil, b.msgErr
	}
	return b.messages[chatID], nil
}

func (b *fakeBackend) MarkRead(_ context.Context, chatID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marked = append(b.marked, chatID)
	return nil
}

func (b *fakeBackend) Upload(_ context.Context, chatID, _ string, _ []byte) (string, domain.Payload, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploaded++
	return "https://cdn.example/tiles.jpg", domain.Payload{
		"_id":         "img1",
		"chatId":      chatID,
		"sender":      map[string]any{"_id": me.ID, "fullName": me.FullName},
		"content":     "https://cdn.example/tiles.jpg",
		"messageType": "image",
		"createdAt":   time.Now().UnixMilli(),
	}, nil
}

type testEnv struct {
	svc      *ChatService
	ch       *channeltest.Channel
	backend  *fakeBackend
	bus      *domain.SimpleEventBus
	msgRepo  repository.MessageRepository
	chatRepo repository.ChatRepository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := repository.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	env := &testEnv{
		ch:       channeltest.New(),
		backend:  newFakeBackend(),
		bus:      domain.NewEventBus(),
		msgRepo:  repository.NewMessageRepository(db),
		chatRepo: repository.NewChatRepository(db),
	}
	env.backend.chats = []domain.Payload{
		{"_id": "c1", "participants": []any{map[string]any{"_id": me.ID, "fullName": me.FullName}, omar}},
		{"_id": "c2", "participants": []any{map[string]any{"_id": me.ID, "fullName": me.FullName}, omar}},
	}
	env.svc = NewChatService(me, env.ch, env.backend, env.bus, env.msgRepo, env.chatRepo, nil,
		ChatServiceConfig{PageSize: 20, TypingExpiry: time.Minute, TypingIdle: time.Minute},
		zerolog.New(zerolog.NewTestWriter(t)))
	t.Cleanup(func() { env.svc.Close() })

	_, _, err = env.svc.LoadChats(context.Background(), 1)
	require.NoError(t, err)
	return env
}

func nextEvent(t *testing.T, ch <-chan domain.Event) domain.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
		return nil
	}
}

func TestDisconnectedSendIsConfirmedAfterReconnect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.svc.OpenChat(ctx, "c1")
	require.NoError(t, err)

	provisional, err := env.svc.SendText(ctx, "", "hi")
	require.NoError(t, err)
	assert.True(t, provisional.Provisional)
	assert.Equal(t, domain.StatusSent, provisional.Status)
	require.Len(t, env.svc.Messages(), 1)
	assert.Len(t, env.ch.Pending(), 1)
	assert.Equal(t, 1, env.svc.PendingSends())

	require.NoError(t, env.svc.Connect(ctx))
	require.Len(t, env.ch.Sent(), 1)
	assert.Equal(t, "hi", env.ch.Sent()[0].Content)

	env.ch.Emit(channel.EventNewMessage, domain.Payload{
		"_id":       "m1",
		"chatId":    "c1",
		"sender":    map[string]any{"_id": me.ID, "fullName": me.FullName},
		"content":   "hi",
		"createdAt": time.Now().UnixMilli(),
	})

	msgs := env.svc.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.False(t, msgs[0].Provisional)
	assert.Equal(t, domain.StatusSent, msgs[0].Status)
	assert.Equal(t, 0, env.svc.PendingSends())

	env.ch.Emit(channel.EventMessageRead, domain.Payload{
		"chatId":     "c1",
		"messageIds": []any{"m1"},
		"readBy":     "u2",
	})
	msgs = env.svc.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.StatusRead, msgs[0].Status)

	mirrored, err := env.msgRepo.GetByID(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, mirrored)
	assert.Equal(t, domain.StatusRead, mirrored.Status)
}

func TestNewMessagePublishesAndDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.svc.OpenChat(ctx, "c1")
	require.NoError(t, err)
	events := env.bus.Subscribe([]domain.EventType{domain.EventTypeMessageUpserted})

	payload := domain.Payload{"_id": "m7", "chatId": "c1", "senderId": omar, "content": "I can come on Monday", "createdAt": "2026-03-02T10:00:00Z"}
	env.ch.Emit(channel.EventNewMessage, payload)
	env.ch.Emit(channel.EventNewMessage, payload)

	ev := nextEvent(t, events).(domain.MessageUpsertedEvent)
	assert.Equal(t, "m7", ev.Message.ID)
	assert.Equal(t, "Omar Craftsman", ev.Message.Sender.FullName)
	assert.Len(t, env.svc.Messages(), 1)
	select {
	case extra := <-events:
		t.Fatalf("duplicate published an event: %#v", extra)
	default:
	}
}

func TestMessageForBackgroundConversationPatchesSummary(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.svc.OpenChat(ctx, "c1")
	require.NoError(t, err)

	payload := domain.Payload{
		"_id":       "m9",
		"chatId":    "c2",
		"sender":    omar,
		"content":   "quote attached",
		"createdAt": "2026-03-02T10:00:00Z",
	}
	env.ch.Emit(channel.EventNewMessage, payload)
	// Redelivery of the same message leaves the summary alone.
	env.ch.Emit(channel.EventNewMessage, payload)

	assert.Empty(t, env.svc.Messages())
	c2, ok := env.svc.Chat("c2")
	require.True(t, ok)
	assert.Equal(t, "quote attached", c2.LastMessageText)
	assert.Equal(t, 1, c2.UnreadFor(me.ID))
	assert.Equal(t, 0, c2.UnreadFor("u2"))

	mirrored, err := env.chatRepo.GetByID(ctx, "c2")
	require.NoError(t, err)
	require.NotNil(t, mirrored)
	assert.Equal(t, 1, mirrored.UnreadFor(me.ID))
}

func TestMalformedEventIsDropped(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.OpenChat(context.Background(), "c1")
	require.NoError(t, err)

	env.ch.Emit(channel.EventNewMessage, domain.Payload{"chatId": "c1", "content": "no id"})
	env.ch.Emit(channel.EventMessageRead, domain.Payload{"chatId": "c1"})

	assert.Empty(t, env.svc.Messages())
}

func TestOpenChatFetchFailureAndRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	events := env.bus.Subscribe([]domain.EventType{domain.EventTypeFetchFailed})

	env.backend.mu.Lock()
	env.backend.msgErr = errors.New("gateway timeout")
	env.backend.messages["c1"] = []domain.Payload{
		{"_id": "m1", "chatId": "c1", "sender": omar, "content": "hello", "createdAt": "2026-03-01T09:00:00Z"},
	}
	env.backend.mu.Unlock()

	_, err := env.svc.OpenChat(ctx, "c1")
	require.Error(t, err)
	assert.Error(t, env.svc.FetchError("c1"))
	ev := nextEvent(t, events).(domain.FetchFailedEvent)
	assert.Equal(t, "c1", ev.ChatID)

	env.backend.mu.Lock()
	env.backend.msgErr = nil
	env.backend.mu.Unlock()

	msgs, err := env.svc.Retry(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.NoError(t, env.svc.FetchError("c1"))
}

func TestOpenChatFallsBackToMirror(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.backend.mu.Lock()
	env.backend.messages["c1"] = []domain.Payload{
		{"_id": "m1", "chatId": "c1", "sender": omar, "content": "hello", "createdAt": "2026-03-01T09:00:00Z"},
	}
	env.backend.mu.Unlock()
	_, err := env.svc.OpenChat(ctx, "c1")
	require.NoError(t, err)

	env.backend.mu.Lock()
	env.backend.msgErr = errors.New("offline")
	env.backend.mu.Unlock()
	_, err = env.svc.OpenChat(ctx, "c2")
	require.Error(t, err)

	msgs, err := env.svc.OpenChat(ctx, "c1")
	require.Error(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestSlowPageForPreviousConversationIsDiscarded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	gate := make(chan struct{})
	env.backend.mu.Lock()
	env.backend.gates["c1"] = gate
	env.backend.messages["c1"] = []domain.Payload{{"_id": "a1", "chatId": "c1", "sender": omar, "content": "from A"}}
	env.backend.messages["c2"] = []domain.Payload{{"_id": "b1", "chatId": "c2", "sender": omar, "content": "from B"}}
	env.backend.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := env.svc.OpenChat(ctx, "c1")
		done <- err
	}()

	require.Eventually(t, func() bool { return env.svc.ActiveChat() == "c1" }, time.Second, 5*time.Millisecond)
	_, err := env.svc.OpenChat(ctx, "c2")
	require.NoError(t, err)
	close(gate)

	assert.ErrorIs(t, <-done, store.ErrStale)
	msgs := env.svc.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "b1", msgs[0].ID)
}

func TestMarkRead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.backend.mu.Lock()
	env.backend.messages["c1"] = []domain.Payload{
		{"_id": "m1", "chatId": "c1", "sender": omar, "content": "hello", "createdAt": "2026-03-01T09:00:00Z"},
	}
	env.backend.mu.Unlock()
	_, err := env.svc.OpenChat(ctx, "c1")
	require.NoError(t, err)
	env.ch.Emit(channel.EventNewMessage, domain.Payload{"_id": "m2", "chatId": "c2", "sender": omar, "content": "ping"})

	require.NoError(t, env.svc.MarkRead(ctx, ""))
	require.NoError(t, env.svc.MarkRead(ctx, "c2"))

	assert.Equal(t, []string{"c1", "c2"}, env.backend.marked)
	msgs := env.svc.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsReadBy(me.ID))
	c2, ok := env.svc.Chat("c2")
	require.True(t, ok)
	assert.Equal(t, 0, c2.UnreadFor(me.ID))
}

func TestTypingSignals(t *testing.T) {
	env := newTestEnv(t)
	events := env.bus.Subscribe([]domain.EventType{domain.EventTypeTypingChanged})

	env.ch.Emit(channel.EventTypingStart, domain.Payload{"chatId": "c1", "userId": "u2", "userName": "Omar Craftsman"})
	env.ch.Emit(channel.EventTypingStart, domain.Payload{"chatId": "c1", "userId": me.ID})

	typing := env.svc.TypingIn("c1")
	require.Len(t, typing, 1)
	assert.Equal(t, "u2", typing[0].UserID)
	ev := nextEvent(t, events).(domain.TypingChangedEvent)
	assert.Len(t, ev.Typing, 1)

	env.ch.Emit(channel.EventTypingStop, domain.Payload{"chatId": "c1", "userId": "u2"})
	assert.Empty(t, env.svc.TypingIn("c1"))
}

func TestIncomingMessageClearsSenderTyping(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.OpenChat(context.Background(), "c1")
	require.NoError(t, err)

	env.ch.Emit(channel.EventTypingStart, domain.Payload{"chatId": "c1", "userId": "u2"})
	require.Len(t, env.svc.TypingIn("c1"), 1)
	env.ch.Emit(channel.EventNewMessage, domain.Payload{"_id": "m1", "chatId": "c1", "sender": omar, "content": "done"})
	assert.Empty(t, env.svc.TypingIn("c1"))
}

func TestLocalTypingStopsOnSend(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.svc.OpenChat(ctx, "c1")
	require.NoError(t, err)

	require.NoError(t, env.svc.Typing(ctx, ""))
	require.NoError(t, env.svc.Typing(ctx, ""))
	_, err = env.svc.SendText(ctx, "", "on my way")
	require.NoError(t, err)

	assert.Equal(t, []channeltest.TypingCall{
		{ChatID: "c1", Typing: true},
		{ChatID: "c1", Typing: false},
	}, env.ch.Typing())
}

func TestSendImageReconcilesUploadedMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.svc.OpenChat(ctx, "c1")
	require.NoError(t, err)

	res, err := env.svc.SendImage(ctx, "", "tiles.jpg", []byte{0xff, 0xd8})
	require.NoError(t, err)
	require.NotNil(t, res.Message)
	assert.Equal(t, domain.MessageKindImage, res.Message.Kind)

	// the backend also announces the upload over the channel
	env.ch.Emit(channel.EventNewMessage, domain.Payload{
		"_id":         "img1",
		"chatId":      "c1",
		"sender":      map[string]any{"_id": me.ID},
		"content":     "https://cdn.example/tiles.jpg",
		"messageType": "image",
	})
	msgs := env.svc.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "img1", msgs[0].ID)

	mirrored, err := env.msgRepo.GetByID(ctx, "img1")
	require.NoError(t, err)
	assert.NotNil(t, mirrored)
}

func TestLoadChatsFallsBackToMirror(t *testing.T) {
	env := newTestEnv(t)

	env.backend.mu.Lock()
	env.backend.chatsErr = errors.New("offline")
	env.backend.mu.Unlock()

	chats, _, err := env.svc.LoadChats(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, chats, 2)
}

func TestChatUpdatedReplacesSummary(t *testing.T) {
	env := newTestEnv(t)
	events := env.bus.Subscribe([]domain.EventType{domain.EventTypeChatUpdated})

	env.ch.Emit(channel.EventChatUpdated, domain.Payload{
		"_id":         "c2",
		"lastMessage": map[string]any{"content": "invoice sent", "sender": "u2", "createdAt": "2026-03-03T08:00:00Z"},
		"unreadCount": map[string]any{me.ID: 3},
	})

	ev := nextEvent(t, events).(domain.ChatUpdatedEvent)
	assert.Equal(t, "invoice sent", ev.Chat.LastMessageText)
	assert.Len(t, ev.Chat.Participants, 2)
	c2, ok := env.svc.Chat("c2")
	require.True(t, ok)
	assert.Equal(t, 3, c2.UnreadFor(me.ID))
}

func TestConnectionChangesArePublished(t *testing.T) {
	env := newTestEnv(t)
	events := env.bus.Subscribe([]domain.EventType{domain.EventTypeConnectionStatus})

	require.NoError(t, env.svc.Connect(context.Background()))
	assert.True(t, env.svc.IsConnected())
	require.NoError(t, env.svc.Disconnect())

	up := nextEvent(t, events).(domain.ConnectionStatusEvent)
	down := nextEvent(t, events).(domain.ConnectionStatusEvent)
	assert.True(t, up.Connected)
	assert.False(t, down.Connected)
	assert.Equal(t, "disconnected", down.Reason)
}

func TestReceiptForInactiveChatUpdatesMirror(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sent := &domain.Message{
		ID:        "m9",
		ChatID:    "c2",
		Sender:    me.Summary(),
		Content:   "is the quote final?",
		Kind:      domain.MessageKindText,
		CreatedAt: time.Now().Add(-time.Hour),
		Status:    domain.StatusDelivered,
	}
	require.NoError(t, env.msgRepo.Upsert(ctx, sent))

	env.ch.Emit(channel.EventMessageRead, domain.Payload{
		"chatId":     "c2",
		"messageIds": []any{"m9"},
		"readBy":     "u2",
	})

	mirrored, err := env.msgRepo.GetByID(ctx, "m9")
	require.NoError(t, err)
	require.NotNil(t, mirrored)
	assert.Equal(t, domain.StatusRead, mirrored.Status)
}
