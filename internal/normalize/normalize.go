// Package normalize turns the different message, chat and event payload
// shapes the backend produces into canonical domain records. It is the only
// place that knows about alternative key names.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cast"

	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
)

// ErrInvalidPayload is returned for payloads that cannot become a record,
// typically because they carry no id.
var ErrInvalidPayload = errors.New("invalid payload")

type Normalizer struct {
	Now    func() time.Time
	Logger zerolog.Logger
}

func New(logger zerolog.Logger) *Normalizer {
	return &Normalizer{
		Now:    time.Now,
		Logger: logger,
	}
}

// Message normalizes a REST list item, a newMessage event or a messages
// page item.
func (n *Normalizer) Message(raw domain.Payload) (domain.Message, error) {
	if raw == nil {
		return domain.Message{}, fmt.Errorf("message: %w: empty", ErrInvalidPayload)
	}
	id := firstString(raw, "_id", "id")
	if id == "" {
		return domain.Message{}, fmt.Errorf("message: %w: missing id", ErrInvalidPayload)
	}

	msg := domain.Message{
		ID:        id,
		ChatID:    n.chatID(raw),
		Sender:    n.sender(raw),
		Content:   firstString(raw, "content", "text", "message"),
		Kind:      kind(raw),
		CreatedAt: n.timestamp(raw, "timestamp", "createdAt"),
		Status:    status(raw),
		ReadBy:    userIDs(raw["readBy"]),
	}
	return msg, nil
}

// Messages normalizes a page of payloads. Invalid items are logged and
// dropped; the result is in page order.
func (n *Normalizer) Messages(raws []domain.Payload) []domain.Message {
	out := make([]domain.Message, 0, len(raws))
	for i, raw := range raws {
		msg, err := n.Message(raw)
		if err != nil {
			n.Logger.Warn().Err(err).Int("index", i).Msg("Dropping malformed message payload")
			continue
		}
		out = append(out, msg)
	}
	return out
}

// Chat normalizes a conversation list item or a chatUpdated event.
func (n *Normalizer) Chat(raw domain.Payload) (domain.Chat, error) {
	if raw == nil {
		return domain.Chat{}, fmt.Errorf("chat: %w: empty", ErrInvalidPayload)
	}
	id := firstString(raw, "_id", "id", "chatId")
	if id == "" {
		return domain.Chat{}, fmt.Errorf("chat: %w: missing id", ErrInvalidPayload)
	}

	chat := domain.NewChat(id)
	if list, ok := raw["participants"].([]any); ok {
		for _, p := range list {
			if u, ok := user(p); ok {
				chat.Participants = append(chat.Participants, u)
			}
		}
	}

	switch last := raw["lastMessage"].(type) {
	case string:
		chat.LastMessageText = last
	case map[string]any:
		lm := domain.Payload(last)
		chat.LastMessageText = firstString(lm, "content", "text")
		if kind(lm) == domain.MessageKindImage {
			chat.LastMessageText = "[image]"
		}
		chat.LastSenderID = n.sender(lm).ID
		chat.LastMessageTime = n.timestampOrZero(lm, "timestamp", "createdAt")
	}
	if t := n.timestampOrZero(raw, "lastMessageTime", "lastMessageAt"); !t.IsZero() {
		chat.LastMessageTime = t
	}
	if s := firstString(raw, "lastSenderId", "lastMessageSender"); s != "" {
		chat.LastSenderID = s
	}

	switch counts := raw["unreadCount"].(type) {
	case map[string]any:
		for uid, v := range counts {
			chat.UnreadCounts[uid] = cast.ToInt(v)
		}
	}
	return *chat, nil
}

// Receipt normalizes a messageRead event.
func (n *Normalizer) Receipt(raw domain.Payload) (domain.Receipt, error) {
	if raw == nil {
		return domain.Receipt{}, fmt.Errorf("receipt: %w: empty", ErrInvalidPayload)
	}
	r := domain.Receipt{
		ChatID:   n.chatID(raw),
		ReaderID: firstUserID(raw, "readerId", "userId", "readBy"),
		ReadAt:   n.timestamp(raw, "readAt", "timestamp"),
	}
	if ids, err := cast.ToStringSliceE(raw["messageIds"]); err == nil {
		r.MessageIDs = nonEmpty(ids)
	}
	if id := firstString(raw, "messageId"); id != "" {
		r.MessageIDs = append(r.MessageIDs, id)
	}
	if r.ChatID == "" && len(r.MessageIDs) == 0 {
		return domain.Receipt{}, fmt.Errorf("receipt: %w: no chat or message ids", ErrInvalidPayload)
	}
	if r.ReaderID == "" {
		return domain.Receipt{}, fmt.Errorf("receipt: %w: missing reader", ErrInvalidPayload)
	}
	return r, nil
}

// Typing normalizes a typingStart or typingStop event. ExpiresAt is left
// zero; the presence tracker owns expiry.
func (n *Normalizer) Typing(raw domain.Payload) (domain.TypingSignal, error) {
	if raw == nil {
		return domain.TypingSignal{}, fmt.Errorf("typing: %w: empty", ErrInvalidPayload)
	}
	sig := domain.TypingSignal{
		ChatID:   n.chatID(raw),
		UserID:   firstUserID(raw, "userId", "user", "senderId"),
		FullName: firstString(raw, "userName", "fullName", "name"),
	}
	if u, ok := user(raw["user"]); ok && sig.FullName == "" {
		sig.FullName = u.FullName
	}
	if sig.ChatID == "" || sig.UserID == "" {
		return domain.TypingSignal{}, fmt.Errorf("typing: %w: missing chat or user", ErrInvalidPayload)
	}
	if sig.FullName == "" {
		sig.FullName = domain.UnknownUserName
	}
	return sig, nil
}

func (n *Normalizer) chatID(raw domain.Payload) string {
	if id := firstString(raw, "chatId", "conversationId"); id != "" {
		return id
	}
	switch c := raw["chat"].(type) {
	case string:
		return c
	case map[string]any:
		return firstString(domain.Payload(c), "_id", "id")
	}
	return ""
}

// sender prefers a populated object under either key over a bare id.
func (n *Normalizer) sender(raw domain.Payload) domain.UserSummary {
	for _, key := range []string{"sender", "senderId"} {
		if obj, ok := raw[key].(map[string]any); ok {
			if u, ok := user(obj); ok {
				return u
			}
		}
	}
	for _, key := range []string{"sender", "senderId"} {
		if id, ok := raw[key].(string); ok && id != "" {
			return domain.UserSummary{
				ID:       id,
				FullName: domain.UnknownUserName,
				Role:     domain.RoleClient,
			}
		}
	}
	return domain.UserSummary{FullName: domain.UnknownUserName, Role: domain.RoleClient}
}

// timestamp resolves keys in order and falls back to the current time when
// none of them holds a usable value.
func (n *Normalizer) timestamp(raw domain.Payload, keys ...string) time.Time {
	if t := n.timestampOrZero(raw, keys...); !t.IsZero() {
		return t
	}
	return n.Now()
}

func (n *Normalizer) timestampOrZero(raw domain.Payload, keys ...string) time.Time {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		if t, ok := toTime(v); ok {
			return t
		}
	}
	return time.Time{}
}

func toTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case float64:
		return fromEpoch(int64(math.Round(x))), true
	case int64:
		return fromEpoch(x), true
	case int:
		return fromEpoch(int64(x)), true
	case string:
		if strings.TrimSpace(x) == "" {
			return time.Time{}, false
		}
	}
	t, err := cast.ToTimeE(v)
	if err != nil || t.IsZero() {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// fromEpoch accepts seconds or milliseconds.
func fromEpoch(v int64) time.Time {
	if v > 1e12 || v < -1e12 {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}

func user(v any) (domain.UserSummary, bool) {
	switch x := v.(type) {
	case string:
		if x == "" {
			return domain.UserSummary{}, false
		}
		return domain.UserSummary{ID: x, FullName: domain.UnknownUserName, Role: domain.RoleClient}, true
	case map[string]any:
		obj := domain.Payload(x)
		id := firstString(obj, "_id", "id")
		if id == "" {
			return domain.UserSummary{}, false
		}
		u := domain.UserSummary{
			ID:       id,
			FullName: firstString(obj, "fullName", "name"),
			Avatar:   firstString(obj, "profilePicture", "avatar"),
			Role:     domain.Role(firstString(obj, "role")),
		}
		if u.FullName == "" {
			u.FullName = domain.UnknownUserName
		}
		if u.Role == "" {
			u.Role = domain.RoleClient
		}
		return u, true
	}
	return domain.UserSummary{}, false
}

func kind(raw domain.Payload) domain.MessageKind {
	switch strings.ToLower(firstString(raw, "messageType", "type", "kind")) {
	case string(domain.MessageKindImage):
		return domain.MessageKindImage
	default:
		return domain.MessageKindText
	}
}

func status(raw domain.Payload) domain.DeliveryStatus {
	switch s := domain.DeliveryStatus(strings.ToLower(firstString(raw, "status"))); s {
	case domain.StatusSent, domain.StatusDelivered, domain.StatusRead:
		return s
	}
	if read, err := cast.ToBoolE(raw["isRead"]); err == nil && read {
		return domain.StatusRead
	}
	return domain.StatusSent
}

func userIDs(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range list {
		if u, ok := user(item); ok {
			out = append(out, u.ID)
		}
	}
	return out
}

func firstString(raw domain.Payload, keys ...string) string {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		if _, isObj := v.(map[string]any); isObj {
			continue
		}
		if s, err := cast.ToStringE(v); err == nil && s != "" {
			return s
		}
	}
	return ""
}

func firstUserID(raw domain.Payload, keys ...string) string {
	for _, key := range keys {
		if u, ok := user(raw[key]); ok {
			return u.ID
		}
	}
	return ""
}

func nonEmpty(ids []string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
