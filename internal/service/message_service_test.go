package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clippy-oss/homie/craftworks-chat/internal/channel"
	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
)

func TestMessageServiceQueriesMirror(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	msgSvc := NewMessageService(env.msgRepo, env.chatRepo, env.svc)

	_, err := env.svc.OpenChat(ctx, "c1")
	require.NoError(t, err)
	env.ch.Emit(channel.EventNewMessage, domain.Payload{"_id": "m1", "chatId": "c1", "sender": omar, "content": "tiles arrive friday", "createdAt": "2026-03-01T09:00:00Z"})
	env.ch.Emit(channel.EventNewMessage, domain.Payload{"_id": "m2", "chatId": "c1", "sender": omar, "content": "grout is extra", "createdAt": "2026-03-01T09:05:00Z"})

	msgs, err := msgSvc.GetMessages(ctx, "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID)

	found, err := msgSvc.SearchMessages(ctx, "friday", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "m1", found[0].ID)

	chat, err := msgSvc.GetChat(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, chat)
	assert.Equal(t, "grout is extra", chat.LastMessageText)

	chats, err := msgSvc.GetChats(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, chats, 2)

	sent, err := msgSvc.SendTextMessage(ctx, "c1", "  thanks  ")
	require.NoError(t, err)
	assert.Equal(t, "thanks", sent.Content)

	provisional, err := msgSvc.GetMessage(ctx, sent.ID)
	require.NoError(t, err)
	assert.Nil(t, provisional)
}
