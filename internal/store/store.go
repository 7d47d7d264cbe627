// Package store holds the in-memory view of the conversation list and the
// active conversation's messages. Its mutex is the single point through which
// every mutation passes, so callbacks from different goroutines observe a
// consistent list.
package store

import (
	"errors"
	"sort"
	"sync"

	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
)

var (
	// ErrNotActive is returned when a message targets a conversation other
	// than the active one.
	ErrNotActive = errors.New("conversation is not active")
	// ErrStale is returned when a fetched page arrives after the user has
	// switched to another conversation.
	ErrStale = errors.New("stale page")
	// ErrNotFound is returned for unknown message or chat ids.
	ErrNotFound = errors.New("not found")
)

type Action int

const (
	Ignore Action = iota
	Append
	Replace
)

func (a Action) String() string {
	switch a {
	case Ignore:
		return "ignore"
	case Append:
		return "append"
	case Replace:
		return "replace"
	default:
		return "unknown"
	}
}

// Decision tells the store what to do with an incoming message. Index is the
// position of the entry to replace and is only meaningful for Replace.
type Decision struct {
	Action Action
	Index  int
	// ReplacedID is the id of the provisional entry being replaced.
	ReplacedID string
}

// DecideFunc inspects the current message list and chooses a Decision for
// m. It runs under the store lock and must not call back into the store.
type DecideFunc func(list []domain.Message, m domain.Message) Decision

type Store struct {
	mu         sync.RWMutex
	chats      map[string]*domain.Chat
	order      []string
	activeID   string
	generation uint64
	messages   []domain.Message
	fetchErr   map[string]error
	// seen remembers recent message ids of every conversation so a
	// redelivered message does not patch a summary twice.
	seen map[string]*recentIDs
}

func New() *Store {
	return &Store{
		chats:    make(map[string]*domain.Chat),
		fetchErr: make(map[string]error),
		seen:     make(map[string]*recentIDs),
	}
}

// seenPerChat bounds the ids remembered per conversation.
const seenPerChat = 256

// recentIDs is a fixed-size set that forgets the oldest id first.
type recentIDs struct {
	ids  map[string]struct{}
	ring []string
	next int
}

// add records id and reports whether it was new.
func (r *recentIDs) add(id string) bool {
	if _, ok := r.ids[id]; ok {
		return false
	}
	if len(r.ring) < seenPerChat {
		r.ring = append(r.ring, id)
	} else {
		delete(r.ids, r.ring[r.next])
		r.ring[r.next] = id
		r.next = (r.next + 1) % seenPerChat
	}
	r.ids[id] = struct{}{}
	return true
}

func (s *Store) markSeenLocked(chatID, id string) bool {
	r, ok := s.seen[chatID]
	if !ok {
		r = &recentIDs{ids: make(map[string]struct{})}
		s.seen[chatID] = r
	}
	return r.add(id)
}

// SetActiveConversation makes chatID the active conversation and clears the
// message list. The returned generation identifies this activation for
// ApplyPage.
func (s *Store) SetActiveConversation(chatID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	// What was on screen stays known after the switch.
	for _, m := range s.messages {
		if !m.Provisional {
			s.markSeenLocked(s.activeID, m.ID)
		}
	}
	s.activeID = chatID
	s.generation++
	s.messages = nil
	delete(s.fetchErr, chatID)
	return s.generation
}

// Active returns the active conversation id and its generation.
func (s *Store) Active() (string, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID, s.generation
}

// AppendOrReplace runs decide against the active list and applies the result.
func (s *Store) AppendOrReplace(m domain.Message, decide DecideFunc) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ChatID == "" || m.ChatID != s.activeID {
		return Decision{Action: Ignore}, ErrNotActive
	}
	d := decide(s.messages, m)
	s.apply(d, m)
	return d, nil
}

// ApplyPage merges a fetched page into the active list, item by item in page
// order, provided chatID and gen still identify the active conversation.
func (s *Store) ApplyPage(chatID string, gen uint64, msgs []domain.Message, decide DecideFunc) ([]Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chatID != s.activeID || gen != s.generation {
		return nil, ErrStale
	}
	out := make([]Decision, 0, len(msgs))
	for _, m := range msgs {
		if m.ChatID == "" {
			m.ChatID = chatID
		}
		if m.ChatID != chatID {
			continue
		}
		d := decide(s.messages, m)
		s.apply(d, m)
		out = append(out, d)
	}
	return out, nil
}

func (s *Store) apply(d Decision, m domain.Message) {
	switch d.Action {
	case Append:
		s.messages = append(s.messages, m.Clone())
		if n := len(s.messages); n > 1 && m.CreatedAt.Before(s.messages[n-2].CreatedAt) {
			s.sortMessages()
		}
	case Replace:
		if d.Index < 0 || d.Index >= len(s.messages) {
			return
		}
		// Keep the provisional entry's slot unless the server timestamp
		// breaks the ordering with a neighbour.
		s.messages[d.Index] = m.Clone()
		if !s.orderedAround(d.Index) {
			s.sortMessages()
		}
	}
}

func (s *Store) orderedAround(i int) bool {
	t := s.messages[i].CreatedAt
	if i > 0 && t.Before(s.messages[i-1].CreatedAt) {
		return false
	}
	if i+1 < len(s.messages) && s.messages[i+1].CreatedAt.Before(t) {
		return false
	}
	return true
}

func (s *Store) sortMessages() {
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].CreatedAt.Before(s.messages[j].CreatedAt)
	})
}

// Messages returns a copy of the active conversation's messages.
func (s *Store) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// Find returns the message with id in the active list.
func (s *Store) Find(id string) (domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOf(id); i >= 0 {
		return s.messages[i].Clone(), true
	}
	return domain.Message{}, false
}

func (s *Store) indexOf(id string) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// SetStatus changes the status of a message in the active list. When
// onlyProvisional is set the change is skipped unless the entry is still
// provisional, which keeps a late timeout from failing a confirmed message.
func (s *Store) SetStatus(id string, status domain.DeliveryStatus, onlyProvisional bool) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return domain.Message{}, ErrNotFound
	}
	if onlyProvisional && !s.messages[i].Provisional {
		return domain.Message{}, ErrNotFound
	}
	s.messages[i].Status = status
	return s.messages[i].Clone(), nil
}

// Remove deletes a message from the active list.
func (s *Store) Remove(id string) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return domain.Message{}, ErrNotFound
	}
	m := s.messages[i]
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	return m, nil
}

// MarkConversationRead resets readerID's unread counter on chatID and, when
// chatID is active, adds readerID to every message's read-by set.
func (s *Store) MarkConversationRead(chatID, readerID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chats[chatID]; ok {
		c.Apply(domain.ChatPatch{ResetUnread: []string{readerID}})
	}
	if chatID != s.activeID {
		return nil
	}
	var changed []string
	for i, m := range s.messages {
		if m.IsReadBy(readerID) {
			continue
		}
		s.messages[i] = m.WithReader(readerID)
		changed = append(changed, m.ID)
	}
	return changed
}

// MarkMessagesRead adds readerID to the read-by set of the listed messages
// of the active conversation.
func (s *Store) MarkMessagesRead(chatID string, ids []string, readerID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chatID != "" && chatID != s.activeID {
		return nil
	}
	var changed []string
	for _, id := range ids {
		if i := s.indexOf(id); i >= 0 {
			s.messages[i] = s.messages[i].WithReader(readerID)
			changed = append(changed, id)
		}
	}
	return changed
}

// UpsertChats replaces the conversation list, keeping server order.
func (s *Store) UpsertChats(chats []domain.Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chats {
		s.upsertChat(c)
	}
}

// UpsertChat inserts or replaces a single conversation summary.
func (s *Store) UpsertChat(c domain.Chat) domain.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertChat(c)
}

func (s *Store) upsertChat(c domain.Chat) domain.Chat {
	cp := c.Clone()
	if existing, ok := s.chats[c.ID]; ok {
		if len(cp.Participants) == 0 {
			cp.Participants = existing.Participants
		}
	} else {
		s.order = append(s.order, c.ID)
	}
	s.chats[c.ID] = &cp
	return cp.Clone()
}

// PatchConversationSummary applies patch to chatID. Unknown chats get a stub
// entry so a message for a conversation not loaded yet is not lost.
func (s *Store) PatchConversationSummary(chatID string, patch domain.ChatPatch) domain.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		c = domain.NewChat(chatID)
		s.chats[chatID] = c
		s.order = append(s.order, chatID)
	}
	c.Apply(patch)
	return c.Clone()
}

// PatchFromMessage builds and applies the summary update for m in one step.
// A conversation missing from the list gets a stub with self and the
// sender as participants. It reports false, leaving the summary alone, when
// m was seen before.
func (s *Store) PatchFromMessage(m domain.Message, self domain.UserSummary) (domain.Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[m.ChatID]
	if !ok {
		c = domain.NewChat(m.ChatID)
		s.chats[m.ChatID] = c
		s.order = append(s.order, m.ChatID)
	}
	if self.ID != "" && !c.HasParticipant(self.ID) {
		c.Participants = append(c.Participants, self)
	}
	if m.Sender.ID != "" && !c.HasParticipant(m.Sender.ID) {
		c.Participants = append(c.Participants, m.Sender)
	}
	if !s.markSeenLocked(m.ChatID, m.ID) {
		return c.Clone(), false
	}
	c.Apply(domain.PatchFromMessage(c, m))
	return c.Clone(), true
}

func (s *Store) Chat(chatID string) (domain.Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	if !ok {
		return domain.Chat{}, false
	}
	return c.Clone(), true
}

// Chats returns the conversation list, most recent activity first.
func (s *Store) Chats() []domain.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Chat, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.chats[id].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageTime.After(out[j].LastMessageTime)
	})
	return out
}

// SetFetchError records the error of the last fetch for chatID. A nil err
// clears it.
func (s *Store) SetFetchError(chatID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fetchErr, chatID)
		return
	}
	s.fetchErr[chatID] = err
}

func (s *Store) FetchError(chatID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fetchErr[chatID]
}
