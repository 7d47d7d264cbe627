// Package channeltest provides an in-memory channel.Channel for tests.
package channeltest

import (
	"context"
	"sync"

	"github.com/clippy-oss/homie/craftworks-chat/internal/channel"
	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
)

// TypingCall records one SendTyping call.
type TypingCall struct {
	ChatID string
	Typing bool
}

// Channel behaves like the WebSocket adapter without a network: sends made
// while disconnected are held and delivered on Connect.
type Channel struct {
	*channel.Registry

	mu         sync.Mutex
	connected  bool
	sent       []channel.Outgoing
	pending    []channel.Outgoing
	typing     []TypingCall
	ConnectErr error
}

func New() *Channel {
	return &Channel{Registry: channel.NewRegistry()}
}

func (c *Channel) Connect(context.Context) error {
	c.mu.Lock()
	if c.ConnectErr != nil {
		err := c.ConnectErr
		c.mu.Unlock()
		return err
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = true
	c.sent = append(c.sent, c.pending...)
	c.pending = nil
	c.mu.Unlock()
	c.NotifyConnection(true)
	return nil
}

func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	c.mu.Unlock()
	c.NotifyConnection(false)
	return nil
}

func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Channel) Send(_ context.Context, out channel.Outgoing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		c.pending = append(c.pending, out)
		return nil
	}
	c.sent = append(c.sent, out)
	return nil
}

func (c *Channel) SendTyping(_ context.Context, chatID string, typing bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing = append(c.typing, TypingCall{ChatID: chatID, Typing: typing})
	return nil
}

// Sent returns the intents that reached the "server".
func (c *Channel) Sent() []channel.Outgoing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]channel.Outgoing(nil), c.sent...)
}

// Pending returns the intents held while disconnected.
func (c *Channel) Pending() []channel.Outgoing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]channel.Outgoing(nil), c.pending...)
}

func (c *Channel) Typing() []TypingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TypingCall(nil), c.typing...)
}

// Emit delivers an inbound event as if it came off the socket.
func (c *Channel) Emit(ev channel.Event, p domain.Payload) int {
	return c.Dispatch(ev, p)
}

var _ channel.Channel = (*Channel)(nil)
