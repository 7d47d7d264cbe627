package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
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
	"github.com/clippy-oss/homie/craftworks-chat/internal/service"
)

type stubBackend struct{}

func (stubBackend) Chats(context.Context, int, int) ([]domain.Payload, backend.Pagination, error) {
	return []domain.Payload{{
		"_id": "c1",
		"participants": []any{
			map[string]any{"_id": "u1", "fullName": "Amira"},
			map[string]any{"_id": "u2", "fullName": "Omar", "role": "craftsman"},
		},
		"lastMessage": map[string]any{"content": "hello", "sender": "u2"},
		"unreadCount": map[string]any{"u1": 1},
	}}, backend.Pagination{Page: 1, Limit: 20, Total: 1, Pages: 1}, nil
}

func (stubBackend) Messages(context.Context, string, int, int) ([]domain.Payload, error) {
	return []domain.Payload{
		{"_id": "m1", "chatId": "c1", "sender": map[string]any{"_id": "u2", "fullName": "Omar"}, "content": "hello", "createdAt": "2026-03-01T09:00:00Z"},
	}, nil
}

func (stubBackend) MarkRead(context.Context, string) error { return nil }

func (stubBackend) Upload(context.Context, string, string, []byte) (string, domain.Payload, error) {
	return "https://cdn.example/x.jpg", nil, nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestHandler(t *testing.T) (*CommandHandler, *channeltest.Channel) {
	t.Helper()
	db, err := repository.Open(filepath.Join(t.TempDir(), "cli.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	msgRepo := repository.NewMessageRepository(db)
	chatRepo := repository.NewChatRepository(db)
	bus := domain.NewEventBus()
	ch := channeltest.New()

	chatSvc := service.NewChatService(
		service.Identity{ID: "u1", FullName: "Amira", Role: domain.RoleClient},
		ch, stubBackend{}, bus, msgRepo, chatRepo, nil,
		service.ChatServiceConfig{PageSize: 20},
		zerolog.New(zerolog.NewTestWriter(t)),
	)
	t.Cleanup(func() { chatSvc.Close() })
	msgSvc := service.NewMessageService(msgRepo, chatRepo, chatSvc)
	return NewCommandHandler(chatSvc, msgSvc, bus), ch
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input   string
		want    *Command
		wantErr bool
	}{
		{input: "/status", want: &Command{Name: "status", Args: []string{}}},
		{input: "  /send see you at 9  ", want: &Command{Name: "send", Args: []string{"see", "you", "at", "9"}}},
		{input: "status", wantErr: true},
		{input: "   ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseCommand(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecuteConversationFlow(t *testing.T) {
	h, ch := newTestHandler(t)
	ctx := context.Background()

	res, err := h.Execute(ctx, &Command{Name: "chats"})
	require.NoError(t, err)
	chats := res.(map[string]interface{})["chats"].([]ChatInfo)
	require.Len(t, chats, 1)
	assert.Equal(t, "Omar", chats[0].Peer)
	assert.Equal(t, "craftsman", chats[0].PeerRole)
	assert.Equal(t, 1, chats[0].UnreadCount)

	res, err = h.Execute(ctx, &Command{Name: "open", Args: []string{"c1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.(map[string]interface{})["count"])

	res, err = h.Execute(ctx, &Command{Name: "send", Args: []string{"on", "my", "way"}})
	require.NoError(t, err)
	sent := res.(MessageInfo)
	assert.Equal(t, "on my way", sent.Content)
	assert.True(t, sent.Provisional)
	assert.True(t, sent.IsFromMe)
	assert.Len(t, ch.Pending(), 1)

	status, err := h.Execute(ctx, &Command{Name: "status"})
	require.NoError(t, err)
	assert.Equal(t, ConnectionStatus{ActiveChat: "c1", PendingSends: 1, Status: "disconnected"}, status)

	_, err = h.Execute(ctx, &Command{Name: "read"})
	require.NoError(t, err)

	res, err = h.Execute(ctx, &Command{Name: "messages"})
	require.NoError(t, err)
	msgs := res.(map[string]interface{})["messages"].([]MessageInfo)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Contains(t, msgs[0].ReadBy, "u1")

	res, err = h.Execute(ctx, &Command{Name: "search", Args: []string{"hello"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.(map[string]interface{})["count"])
}

func TestExecuteErrors(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	tests := []struct {
		name string
		cmd  *Command
		want string
	}{
		{name: "unknown", cmd: &Command{Name: "react"}, want: "unknown command"},
		{name: "send without chat", cmd: &Command{Name: "send", Args: []string{"hi"}}, want: "no conversation selected"},
		{name: "open usage", cmd: &Command{Name: "open"}, want: "usage"},
		{name: "resend unknown", cmd: &Command{Name: "resend", Args: []string{"temp-x"}}, want: "not a failed"},
		{name: "image missing file", cmd: &Command{Name: "image", Args: []string{"/nonexistent/x.jpg"}}, want: "failed to read image"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Execute(ctx, tt.cmd)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestHeadlessSession(t *testing.T) {
	h, _ := newTestHandler(t)
	input := strings.Join([]string{
		`{"id":"1","command":"status"}`,
		`{"id":"2","command":"open","params":{"chat_id":"c1"}}`,
		`{"id":"3","command":"send","params":{"text":"hello there"}}`,
		`not json`,
		`{"id":"4","command":"bogus"}`,
		`{"id":"5","command":"quit"}`,
		`{"id":"6","command":"status"}`,
	}, "\n") + "\n"
	out := &syncBuffer{}

	cli := NewHeadlessCLIWithIO(h, strings.NewReader(input), out)
	require.NoError(t, cli.Run(context.Background()))

	responses := map[string]Response{}
	var events []string
	var ready, invalid bool
	scanner := bufio.NewScanner(strings.NewReader(out.String()))
	for scanner.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		if line["type"] == "event" {
			events = append(events, line["event"].(string))
			continue
		}
		var resp Response
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		switch {
		case resp.ID != "":
			responses[resp.ID] = resp
		case resp.Success:
			ready = true
		default:
			invalid = strings.Contains(resp.Error, "invalid JSON")
		}
	}

	assert.True(t, ready)
	assert.True(t, invalid)
	assert.True(t, responses["1"].Success)
	assert.True(t, responses["2"].Success)
	assert.True(t, responses["3"].Success)
	assert.False(t, responses["4"].Success)
	assert.True(t, responses["5"].Success)
	assert.NotContains(t, responses, "6")
	assert.Contains(t, events, "message_upserted")
}

func TestInteractiveSendsPlainText(t *testing.T) {
	h, ch := newTestHandler(t)
	_, err := h.Execute(context.Background(), &Command{Name: "open", Args: []string{"c1"}})
	require.NoError(t, err)

	out := &syncBuffer{}
	cli := NewInteractiveCLIWithIO(h, strings.NewReader("see you tomorrow\n/quit\n"), out)
	require.NoError(t, cli.Run(context.Background()))

	assert.Contains(t, out.String(), "Message queued")
	assert.Contains(t, out.String(), "Goodbye!")
	pending := ch.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, channel.Outgoing{ChatID: "c1", Content: "see you tomorrow", Kind: domain.MessageKindText, ClientID: pending[0].ClientID}, pending[0])
}

func TestSubscribeEventsConvertsDomainEvents(t *testing.T) {
	h, ch := newTestHandler(t)
	events := h.SubscribeEvents([]domain.EventType{domain.EventTypeConnectionStatus})
	defer h.UnsubscribeEvents(events)

	require.NoError(t, ch.Connect(context.Background()))

	select {
	case ev := <-events:
		assert.Equal(t, "connection_status", ev.Type)
		assert.Equal(t, true, ev.Data.(map[string]interface{})["connected"])
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
}
