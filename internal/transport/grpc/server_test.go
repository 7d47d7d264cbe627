package grpc

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/clippy-oss/homie/craftworks-chat/internal/backend"
	"github.com/clippy-oss/homie/craftworks-chat/internal/channel/channeltest"
	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
	"github.com/clippy-oss/homie/craftworks-chat/internal/metrics"
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
		"unreadCount": map[string]any{"u1": 1},
	}}, backend.Pagination{Page: 1, Limit: 20, Total: 1, Pages: 1}, nil
}

func (stubBackend) Messages(context.Context, string, int, int) ([]domain.Payload, error) {
	return []domain.Payload{
		{"_id": "m1", "chatId": "c1", "sender": map[string]any{"_id": "u2", "fullName": "Omar"}, "content": "quote attached", "createdAt": "2026-03-01T09:00:00Z"},
	}, nil
}

func (stubBackend) MarkRead(context.Context, string) error { return nil }

func (stubBackend) Upload(context.Context, string, string, []byte) (string, domain.Payload, error) {
	return "https://cdn.example/kitchen.jpg", nil, nil
}

type testEnv struct {
	conn *grpc.ClientConn
	bus  *domain.SimpleEventBus
	ch   *channeltest.Channel
	m    *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := repository.Open(filepath.Join(t.TempDir(), "grpc.db"))
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
	m := metrics.New()

	chatSvc := service.NewChatService(
		service.Identity{ID: "u1", FullName: "Amira", Role: domain.RoleClient},
		ch, stubBackend{}, bus, msgRepo, chatRepo, m,
		service.ChatServiceConfig{PageSize: 20},
		zerolog.New(zerolog.NewTestWriter(t)),
	)
	t.Cleanup(func() { chatSvc.Close() })
	msgSvc := service.NewMessageService(msgRepo, chatRepo, chatSvc)

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(chatSvc, msgSvc, bus, m, ServerConfig{})
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &testEnv{conn: conn, bus: bus, ch: ch, m: m}
}

func (e *testEnv) call(t *testing.T, method string, req map[string]interface{}) (map[string]interface{}, error) {
	t.Helper()
	in, err := structpb.NewStruct(req)
	require.NoError(t, err)
	out := new(structpb.Struct)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func TestRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.call(t, "SendMessage", map[string]interface{}{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "no conversation selected", resp["error_message"])

	resp, err = env.call(t, "GetChats", nil)
	require.NoError(t, err)
	chats := resp["chats"].([]interface{})
	require.Len(t, chats, 1)
	chat := chats[0].(map[string]interface{})
	assert.Equal(t, "c1", chat["id"])
	assert.Equal(t, "Omar", chat["peer"].(map[string]interface{})["full_name"])
	assert.Equal(t, float64(1), chat["unread_count"])
	assert.Equal(t, false, resp["has_more"])

	resp, err = env.call(t, "OpenChat", map[string]interface{}{"chat_id": "c1"})
	require.NoError(t, err)
	require.Len(t, resp["messages"], 1)

	resp, err = env.call(t, "SendMessage", map[string]interface{}{"text": "see you monday"})
	require.NoError(t, err)
	sent := resp["message"].(map[string]interface{})
	assert.Equal(t, true, sent["provisional"])
	assert.Equal(t, true, sent["is_from_me"])
	assert.Len(t, env.ch.Pending(), 1)

	resp, err = env.call(t, "GetConnectionStatus", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"connected":     false,
		"active_chat":   "c1",
		"pending_sends": float64(1),
	}, resp)

	resp, err = env.call(t, "GetMessages", map[string]interface{}{"limit": 1})
	require.NoError(t, err)
	msgs := resp["messages"].([]interface{})
	require.Len(t, msgs, 1)
	assert.Equal(t, "see you monday", msgs[0].(map[string]interface{})["content"])

	resp, err = env.call(t, "MarkAsRead", map[string]interface{}{"chat_id": "c1"})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])

	resp, err = env.call(t, "SearchMessages", map[string]interface{}{"query": "quote"})
	require.NoError(t, err)
	assert.Len(t, resp["messages"], 1)

	resp, err = env.call(t, "GetMessage", map[string]interface{}{"message_id": "m1"})
	require.NoError(t, err)
	assert.Equal(t, "quote attached", resp["message"].(map[string]interface{})["content"])

	resp, err = env.call(t, "GetMessages", map[string]interface{}{"chat_id": "c1", "since": "2026-01-01T00:00:00Z"})
	require.NoError(t, err)
	assert.Len(t, resp["messages"], 1)

	resp, err = env.call(t, "GetChat", map[string]interface{}{"chat_id": "c1"})
	require.NoError(t, err)
	assert.Equal(t, "c1", resp["chat"].(map[string]interface{})["id"])

	resp, err = env.call(t, "GetChats", map[string]interface{}{"cached": true})
	require.NoError(t, err)
	assert.Len(t, resp["chats"], 1)

	families, err := env.m.Registry().Gather()
	require.NoError(t, err)
	var calls float64
	for _, f := range families {
		if f.GetName() != "craftworks_chat_grpc_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			calls += metric.GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(12), calls)
}

func TestStatusErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		method string
		req    map[string]interface{}
		code   codes.Code
	}{
		{method: "OpenChat", code: codes.InvalidArgument},
		{method: "GetMessages", code: codes.InvalidArgument},
		{method: "SearchMessages", code: codes.InvalidArgument},
		{method: "SendImage", req: map[string]interface{}{"data": "!!"}, code: codes.InvalidArgument},
		{method: "ResendMessage", req: map[string]interface{}{"message_id": "temp-x"}, code: codes.FailedPrecondition},
		{method: "GetChat", req: map[string]interface{}{"chat_id": "nope"}, code: codes.NotFound},
		{method: "GetMessage", req: map[string]interface{}{"message_id": "nope"}, code: codes.NotFound},
		{method: "GetMessages", req: map[string]interface{}{"chat_id": "c1", "since": "yesterday"}, code: codes.InvalidArgument},
		{method: "Unknown", code: codes.Unimplemented},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			_, err := env.call(t, tt.method, tt.req)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestStreamEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := env.conn.NewStream(ctx, &ServiceDesc.Streams[0], FullMethod("StreamEvents"))
	require.NoError(t, err)
	req, err := structpb.NewStruct(map[string]interface{}{
		"event_types": []interface{}{string(domain.EventTypeConnectionStatus)},
	})
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(req))
	require.NoError(t, stream.CloseSend())

	got := make(chan *structpb.Struct, 1)
	go func() {
		ev := new(structpb.Struct)
		if stream.RecvMsg(ev) == nil {
			got <- ev
		}
	}()

	// the server subscribes asynchronously; publish until the stream sees one
	var ev *structpb.Struct
	require.Eventually(t, func() bool {
		env.bus.Publish(domain.ConnectionStatusEvent{Connected: true, EventTime: time.Now()})
		select {
		case ev = <-got:
			return true
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)

	fields := ev.AsMap()
	assert.Equal(t, "connection.status", fields["type"])
	assert.Equal(t, true, fields["data"].(map[string]interface{})["connected"])
}

func TestRecoveryInterceptor(t *testing.T) {
	intercept := RecoveryInterceptor(zerolog.New(zerolog.NewTestWriter(t)))
	_, err := intercept(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: FullMethod("Boom")},
		func(context.Context, interface{}) (interface{}, error) {
			panic("boom")
		})
	assert.Equal(t, codes.Internal, status.Code(err))
}
