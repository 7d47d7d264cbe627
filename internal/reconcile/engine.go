// Package reconcile decides how every incoming message lands in the
// conversation store: ignored as a duplicate, swapped in for the optimistic
// record it confirms, or appended as new.
package reconcile

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
	"github.com/clippy-oss/homie/craftworks-chat/internal/metrics"
	"github.com/clippy-oss/homie/craftworks-chat/internal/store"
)

// DefaultMatchWindow bounds the timestamp distance between a provisional
// message and the server echo that confirms it.
const DefaultMatchWindow = 10 * time.Second

type Option func(*Engine)

func WithMatchWindow(d time.Duration) Option {
	return func(e *Engine) { e.window = d }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithSelf names the session user, who is counted as a participant of
// conversations first seen through a live message.
func WithSelf(u domain.UserSummary) Option {
	return func(e *Engine) { e.self = u }
}

// ErrNoConversation is returned by Apply for messages without a chat id.
var ErrNoConversation = errors.New("message has no conversation")

type Engine struct {
	store   *store.Store
	self    domain.UserSummary
	window  time.Duration
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func New(st *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		window: DefaultMatchWindow,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result describes what Apply did with a message.
type Result struct {
	Decision store.Decision
	Message  domain.Message
	// Summary is set when the message went to a conversation that is not
	// active and only its summary was patched.
	Summary *domain.Chat
}

// Decide is the pure matching rule. list must be sorted by timestamp, which
// makes the first provisional match the earliest one.
func (e *Engine) Decide(list []domain.Message, m domain.Message) store.Decision {
	for _, existing := range list {
		if existing.ID == m.ID {
			return store.Decision{Action: store.Ignore}
		}
	}
	if !m.Provisional {
		for i, p := range list {
			if e.confirms(p, m) {
				return store.Decision{Action: store.Replace, Index: i, ReplacedID: p.ID}
			}
		}
	}
	return store.Decision{Action: store.Append}
}

func (e *Engine) confirms(p, m domain.Message) bool {
	if !p.Provisional {
		return false
	}
	if p.Sender.ID != m.Sender.ID || p.Content != m.Content {
		return false
	}
	d := p.CreatedAt.Sub(m.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= e.window
}

// Apply reconciles a single message from any source. Messages for another
// conversation update that conversation's summary instead.
func (e *Engine) Apply(m domain.Message) (Result, error) {
	if m.ChatID == "" {
		e.metrics.ObserveDropped("message")
		e.log.Warn().Str("message_id", m.ID).Msg("Dropping message without conversation")
		return Result{}, ErrNoConversation
	}
	d, err := e.store.AppendOrReplace(m, e.Decide)
	if errors.Is(err, store.ErrNotActive) {
		chat, applied := e.store.PatchFromMessage(m, e.self)
		if !applied {
			e.metrics.ObserveDecision(store.Ignore.String())
			return Result{Decision: store.Decision{Action: store.Ignore}, Message: m}, nil
		}
		e.metrics.ObserveSummaryPatch()
		e.log.Debug().Str("chat_id", m.ChatID).Str("message_id", m.ID).Msg("Patched inactive conversation summary")
		return Result{Decision: d, Message: m, Summary: &chat}, nil
	}
	if err != nil {
		return Result{}, err
	}
	e.metrics.ObserveDecision(d.Action.String())
	if d.Action != store.Ignore {
		e.touchSummary(m)
	}
	e.log.Debug().
		Str("chat_id", m.ChatID).
		Str("message_id", m.ID).
		Str("action", d.Action.String()).
		Str("replaced_id", d.ReplacedID).
		Msg("Reconciled message")
	return Result{Decision: d, Message: m}, nil
}

// touchSummary moves the active conversation's last-message fields without
// counting the message as unread.
func (e *Engine) touchSummary(m domain.Message) {
	if current, ok := e.store.Chat(m.ChatID); ok && current.LastMessageTime.After(m.CreatedAt) {
		return
	}
	text := m.Preview()
	ts := m.CreatedAt
	sender := m.Sender.ID
	e.store.PatchConversationSummary(m.ChatID, domain.ChatPatch{
		LastMessageText: &text,
		LastMessageTime: &ts,
		LastSenderID:    &sender,
	})
}

// ApplyPage merges a fetched page in page order. It returns store.ErrStale
// when the user switched conversations while the page was in flight.
func (e *Engine) ApplyPage(chatID string, gen uint64, msgs []domain.Message) ([]store.Decision, error) {
	decisions, err := e.store.ApplyPage(chatID, gen, msgs, e.Decide)
	if err != nil {
		return nil, err
	}
	for _, d := range decisions {
		e.metrics.ObserveDecision(d.Action.String())
	}
	return decisions, nil
}

// ApplyReceipt records a read receipt. It returns the ids of the messages
// whose read state changed.
func (e *Engine) ApplyReceipt(r domain.Receipt) []string {
	if len(r.MessageIDs) == 0 {
		return e.store.MarkConversationRead(r.ChatID, r.ReaderID)
	}
	if _, ok := e.store.Chat(r.ChatID); ok {
		e.store.PatchConversationSummary(r.ChatID, domain.ChatPatch{ResetUnread: []string{r.ReaderID}})
	}
	return e.store.MarkMessagesRead(r.ChatID, r.MessageIDs, r.ReaderID)
}

// ApplyChatUpdate replaces a conversation summary with the server's copy.
func (e *Engine) ApplyChatUpdate(c domain.Chat) domain.Chat {
	return e.store.UpsertChat(c)
}

// MarkFailed flags a provisional message whose confirmation never arrived.
// Confirmed messages are left alone.
func (e *Engine) MarkFailed(id string) (domain.Message, error) {
	m, err := e.store.SetStatus(id, domain.StatusFailed, true)
	if err != nil {
		return domain.Message{}, err
	}
	e.metrics.ObserveSendFailure("timeout")
	e.log.Warn().Str("message_id", id).Msg("Provisional message marked as failed")
	return m, nil
}
