// Package sender implements the client-visible half of sending: the
// provisional record shows up at once, the intent goes to the channel, and
// the server echo later replaces the record through the reconcile engine.
package sender

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clippy-oss/homie/craftworks-chat/internal/channel"
	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
	"github.com/clippy-oss/homie/craftworks-chat/internal/metrics"
	"github.com/clippy-oss/homie/craftworks-chat/internal/normalize"
	"github.com/clippy-oss/homie/craftworks-chat/internal/presence"
	"github.com/clippy-oss/homie/craftworks-chat/internal/reconcile"
	"github.com/clippy-oss/homie/craftworks-chat/internal/store"
)

// DefaultPendingTimeout is how long a provisional message may wait for its
// server echo before it is flagged as failed.
const DefaultPendingTimeout = 45 * time.Second

var (
	ErrEmptyContent   = errors.New("message content is empty")
	ErrNoImage        = errors.New("no image selected")
	ErrNoConversation = errors.New("no conversation selected")
	// ErrNotFailed is returned by Resend for messages that are not failed
	// provisional entries.
	ErrNotFailed = errors.New("message is not a failed provisional message")
)

// Uploader stores an image for a conversation. msg is the created message
// when the backend returns it with the upload response, nil otherwise.
type Uploader interface {
	Upload(ctx context.Context, chatID, filename string, data []byte) (url string, msg domain.Payload, err error)
}

// ImageResult describes a finished image send. Message is nil when the
// backend will announce the message over the channel instead.
type ImageResult struct {
	URL     string
	Message *domain.Message
}

type Config struct {
	PendingTimeout time.Duration
}

type Controller struct {
	self       domain.UserSummary
	store      *store.Store
	engine     *reconcile.Engine
	channel    channel.Channel
	uploader   Uploader
	normalizer *normalize.Normalizer
	typist     *presence.Typist
	bus        domain.EventBus
	metrics    *metrics.Metrics
	log        zerolog.Logger
	timeout    time.Duration

	// Overridable in tests.
	newID     func() string
	now       func() time.Time
	afterFunc presence.AfterFunc

	mu      sync.Mutex
	pending map[string]*pendingSend
	// orphans are failed sends whose conversation was closed before the
	// failure, kept so they can still be resent.
	orphans map[string]domain.Message
}

// pendingSend is a provisional message waiting for its echo. gen is the
// store generation it was appended under.
type pendingSend struct {
	msg   domain.Message
	gen   uint64
	timer presence.Timer
}

type Deps struct {
	Self       domain.UserSummary
	Store      *store.Store
	Engine     *reconcile.Engine
	Channel    channel.Channel
	Uploader   Uploader
	Normalizer *normalize.Normalizer
	Typist     *presence.Typist
	Bus        domain.EventBus
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
}

func New(deps Deps, cfg Config) *Controller {
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = DefaultPendingTimeout
	}
	return &Controller{
		self:       deps.Self,
		store:      deps.Store,
		engine:     deps.Engine,
		channel:    deps.Channel,
		uploader:   deps.Uploader,
		normalizer: deps.Normalizer,
		typist:     deps.Typist,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		log:        deps.Logger,
		timeout:    cfg.PendingTimeout,
		newID:      uuid.NewString,
		now:        time.Now,
		afterFunc: func(d time.Duration, f func()) presence.Timer {
			return time.AfterFunc(d, f)
		},
		pending: make(map[string]*pendingSend),
		orphans: make(map[string]domain.Message),
	}
}

// SendText appends a provisional message and hands the intent to the
// channel. A nil error means the hand-off happened; the caller may clear
// its draft. For a conversation that is not open only the summary moves;
// the server echo lands there like any other message.
func (c *Controller) SendText(ctx context.Context, chatID, content string) (domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Message{}, ErrEmptyContent
	}
	if chatID == "" {
		return domain.Message{}, ErrNoConversation
	}

	msg := domain.NewProvisionalMessage(c.newID(), chatID, c.self, content, domain.MessageKindText, c.now())
	res, err := c.engine.Apply(msg)
	if err != nil {
		return domain.Message{}, fmt.Errorf("append provisional message: %w", err)
	}
	tracked := res.Summary == nil
	if tracked {
		c.publish(domain.MessageUpsertedEvent{Message: msg, EventTime: msg.CreatedAt})
		c.schedule(msg)
	} else {
		c.publish(domain.ChatUpdatedEvent{Chat: *res.Summary, EventTime: msg.CreatedAt})
	}

	if c.typist != nil {
		c.typist.Stop(ctx)
	}

	out := channel.Outgoing{
		ChatID:   chatID,
		Content:  content,
		Kind:     domain.MessageKindText,
		ClientID: msg.ID,
	}
	if err := c.channel.Send(ctx, out); err != nil {
		c.metrics.ObserveSendFailure("channel")
		if tracked {
			c.fail(msg.ID, err.Error())
		} else {
			c.orphan(msg, err.Error())
		}
		return msg, fmt.Errorf("send message: %w", err)
	}

	c.log.Debug().Str("chat_id", chatID).Str("message_id", msg.ID).Bool("connected", c.channel.IsConnected()).Msg("Message handed to channel")
	return msg, nil
}

// SendImage uploads first and creates no provisional record. When the
// upload response carries the created message it is reconciled like any
// inbound message.
func (c *Controller) SendImage(ctx context.Context, chatID, filename string, data []byte) (ImageResult, error) {
	if len(data) == 0 {
		return ImageResult{}, ErrNoImage
	}
	if chatID == "" {
		return ImageResult{}, ErrNoConversation
	}
	if c.typist != nil {
		c.typist.Stop(ctx)
	}

	url, raw, err := c.uploader.Upload(ctx, chatID, filename, data)
	if err != nil {
		c.metrics.ObserveSendFailure("upload")
		return ImageResult{}, fmt.Errorf("upload image: %w", err)
	}
	res := ImageResult{URL: url}
	if raw == nil {
		return res, nil
	}

	msg, err := c.normalizer.Message(raw)
	if err != nil {
		c.metrics.ObserveDropped("upload")
		c.log.Warn().Err(err).Str("chat_id", chatID).Msg("Upload returned an unusable message")
		return res, nil
	}
	if msg.ChatID == "" {
		msg.ChatID = chatID
	}
	applied, err := c.engine.Apply(msg)
	if err != nil {
		return res, fmt.Errorf("apply uploaded message: %w", err)
	}
	if applied.Summary == nil && applied.Decision.Action != store.Ignore {
		c.publish(domain.MessageUpsertedEvent{Message: msg, EventTime: c.now()})
	}
	res.Message = &msg
	return res, nil
}

// Resend removes a failed provisional message and sends its content again
// under a new provisional id. Failed sends of conversations closed in the
// meantime can be resent too.
func (c *Controller) Resend(ctx context.Context, id string) (domain.Message, error) {
	old, ok := c.store.Find(id)
	if ok && old.Provisional && old.Status == domain.StatusFailed {
		if _, err := c.store.Remove(id); err != nil {
			return domain.Message{}, fmt.Errorf("remove failed message: %w", err)
		}
		c.take(id)
	} else if old, ok = c.takeOrphan(id); !ok {
		return domain.Message{}, ErrNotFailed
	}
	return c.SendText(ctx, old.ChatID, old.Content)
}

// Settle stops the pending timer of a provisional message that the server
// confirmed.
func (c *Controller) Settle(provisionalID string) {
	c.take(provisionalID)
}

// Pending returns the number of provisional messages still waiting.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close stops every pending timer.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, id)
	}
}

func (c *Controller) schedule(msg domain.Message) {
	_, gen := c.store.Active()
	c.mu.Lock()
	defer c.mu.Unlock()
	id := msg.ID
	c.pending[id] = &pendingSend{
		msg: msg,
		gen: gen,
		timer: c.afterFunc(c.timeout, func() {
			c.fail(id, "no confirmation within "+c.timeout.String())
		}),
	}
}

// take stops and forgets the pending entry of id.
func (c *Controller) take(id string) (*pendingSend, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil, false
	}
	p.timer.Stop()
	delete(c.pending, id)
	return p, true
}

func (c *Controller) takeOrphan(id string) (domain.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.orphans[id]
	delete(c.orphans, id)
	return m, ok
}

func (c *Controller) fail(id, reason string) {
	p, tracked := c.take(id)
	m, err := c.engine.MarkFailed(id)
	if err == nil {
		c.publish(domain.MessageFailedEvent{Message: m, Reason: reason, EventTime: c.now()})
		return
	}
	if !tracked {
		return
	}
	// Same activation but gone from the list: it was confirmed.
	if chatID, gen := c.store.Active(); chatID == p.msg.ChatID && gen == p.gen {
		return
	}
	c.metrics.ObserveSendFailure("orphaned")
	c.log.Warn().Str("chat_id", p.msg.ChatID).Str("message_id", id).Msg("Provisional message of a closed conversation failed")
	c.orphan(p.msg, reason)
}

// orphan flags a failed send that is not in the open conversation.
func (c *Controller) orphan(msg domain.Message, reason string) {
	msg.Status = domain.StatusFailed
	c.mu.Lock()
	c.orphans[msg.ID] = msg
	c.mu.Unlock()
	c.publish(domain.MessageFailedEvent{Message: msg, Reason: reason, EventTime: c.now()})
}

func (c *Controller) publish(ev domain.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}
